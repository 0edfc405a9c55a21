// Package cluster relays session frames between the processes serving the
// same document.
//
// Every frame is wrapped in an envelope naming the publishing process.
// Pub/sub media echo messages back to their publisher, so a Broadcaster drops
// deliveries carrying its own origin; everything else reaches the session
// subscribed to the document.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/glog"

	"collabtext/internal/codec"
	"collabtext/internal/metrics"
)

// maxEnvelopeFrame bounds frames accepted from the medium. Full-state replies
// travel the cluster, so this is the Redis payload ceiling rather than the
// client frame limit.
const maxEnvelopeFrame = 512 << 20

type envelope struct {
	_      struct{} `cbor:",toarray"`
	Origin string
	Frame  []byte
}

var (
	envEnc cbor.EncMode
	envDec cbor.DecMode
)

func init() {
	var err error
	envEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cluster: CBOR encoder initialization failed: " + err.Error())
	}
	envDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cluster: CBOR decoder initialization failed: " + err.Error())
	}
}

// Channel returns the pub/sub channel of doc.
func Channel(doc codec.DocumentID) string {
	return "collabtext:doc:" + string(doc)
}

// Broadcaster implements session.Cluster over a Medium.
type Broadcaster struct {
	medium    Medium
	processID string
	codec     codec.Codec
	metrics   *metrics.Metrics
}

// NewBroadcaster returns a Broadcaster publishing as processID. processID
// must be unique across the cluster.
func NewBroadcaster(m Medium, processID string, mt *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		medium:    m,
		processID: processID,
		codec:     codec.Codec{MaxFrameSize: maxEnvelopeFrame},
		metrics:   mt,
	}
}

// ProcessID returns the origin tag of this process.
func (b *Broadcaster) ProcessID() string { return b.processID }

// Publish sends an encoded frame to every other process subscribed to doc.
func (b *Broadcaster) Publish(ctx context.Context, doc codec.DocumentID, frame []byte) error {
	data, err := envEnc.Marshal(envelope{Origin: b.processID, Frame: frame})
	if err != nil {
		return fmt.Errorf("cluster: encode envelope: %w", err)
	}
	if err := b.medium.Publish(ctx, Channel(doc), data); err != nil {
		return err
	}
	b.metrics.Published()
	glog.V(2).Infof("[cluster] %s: published %d bytes", doc, len(frame))
	return nil
}

// Subscribe calls handler for every frame other processes publish for doc,
// from a single goroutine, until the returned Closer is closed. ctx only
// bounds setting the subscription up.
func (b *Broadcaster) Subscribe(ctx context.Context, doc codec.DocumentID, handler func(codec.Frame)) (io.Closer, error) {
	sub, err := b.medium.Subscribe(ctx, Channel(doc))
	if err != nil {
		return nil, err
	}
	go func() {
		for data := range sub.Messages() {
			b.deliver(doc, data, handler)
		}
		glog.V(1).Infof("[cluster] %s: subscription ended", doc)
	}()
	glog.V(1).Infof("[cluster] %s: subscribed", doc)
	return sub, nil
}

func (b *Broadcaster) deliver(doc codec.DocumentID, data []byte, handler func(codec.Frame)) {
	f, err := b.open(data)
	switch {
	case errors.Is(err, errSelf):
		b.metrics.Received("self")
		return
	case err != nil:
		b.metrics.Received("malformed")
		glog.Warningf("[cluster] %s: dropping delivery: %v", doc, err)
		return
	case f.Document() != doc:
		b.metrics.Received("malformed")
		glog.Warningf("[cluster] %s: dropping frame for document %s", doc, f.Document())
		return
	}
	b.metrics.Received("delivered")
	handler(f)
}

var errSelf = errors.New("own frame")

func (b *Broadcaster) open(data []byte) (codec.Frame, error) {
	var env envelope
	if err := envDec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	if env.Origin == b.processID {
		return nil, errSelf
	}
	if env.Origin == "" {
		return nil, errors.New("envelope without origin")
	}
	return b.codec.Decode(env.Frame)
}
