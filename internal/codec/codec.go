// Package codec frames sync, awareness and query messages into the binary
// wire format shared by client websockets and the cluster pub/sub channel.
//
// A frame is a one byte type tag followed by a CBOR body encoded with Core
// Deterministic Encoding. The same bytes are valid on either transport, so a
// frame received from a client can be published to the cluster unchanged.
package codec

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// DefaultMaxFrameSize bounds a single frame when no limit is configured.
const DefaultMaxFrameSize = 1 << 20

// ErrMalformedFrame is returned by Decode for bytes that are not a valid frame.
var ErrMalformedFrame = errors.New("malformed frame")

// Kind is the leading type tag of a frame.
type Kind byte

const (
	KindSync           Kind = 0
	KindAwareness      Kind = 1
	KindQueryAwareness Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindAwareness:
		return "awareness"
	case KindQueryAwareness:
		return "query_awareness"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// DocumentID partitions all sync state.
type DocumentID string

// ClientID identifies one connection. A user with two tabs has two ClientIDs.
type ClientID string

// SyncStep distinguishes the messages of the sync handshake.
type SyncStep uint8

const (
	// StepUpdate carries a live incremental update.
	StepUpdate SyncStep = 0
	// StepRequest carries the sender's version vector and asks for a diff.
	StepRequest SyncStep = 1
	// StepReply carries an update answering a request or a join.
	StepReply SyncStep = 2
)

// Frame is implemented by UpdateFrame, AwarenessFrame and QueryFrame.
type Frame interface {
	Kind() Kind
	Document() DocumentID
}

// UpdateFrame carries an opaque merge engine update.
type UpdateFrame struct {
	DocumentID DocumentID `cbor:"1,keyasint"`
	Origin     ClientID   `cbor:"2,keyasint,omitempty"`
	Step       SyncStep   `cbor:"3,keyasint,omitempty"`
	Payload    []byte     `cbor:"4,keyasint"`
}

func (f *UpdateFrame) Kind() Kind           { return KindSync }
func (f *UpdateFrame) Document() DocumentID { return f.DocumentID }

// AwarenessFrame carries the presence of one client. A frame with an empty
// State withdraws the client.
type AwarenessFrame struct {
	DocumentID DocumentID `cbor:"1,keyasint"`
	ClientID   ClientID   `cbor:"2,keyasint"`
	Clock      uint64     `cbor:"3,keyasint"`
	State      []byte     `cbor:"4,keyasint,omitempty"`
}

func (f *AwarenessFrame) Kind() Kind           { return KindAwareness }
func (f *AwarenessFrame) Document() DocumentID { return f.DocumentID }

// Withdrawn reports whether the frame clears the client's presence.
func (f *AwarenessFrame) Withdrawn() bool { return len(f.State) == 0 }

// QueryFrame asks the receiver to send its current awareness table.
type QueryFrame struct {
	DocumentID DocumentID `cbor:"1,keyasint"`
}

func (f *QueryFrame) Kind() Kind           { return KindQueryAwareness }
func (f *QueryFrame) Document() DocumentID { return f.DocumentID }

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Codec encodes and decodes frames. The zero value uses DefaultMaxFrameSize.
type Codec struct {
	MaxFrameSize int
}

func (c Codec) limit() int {
	if c.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

// Encode serializes f. The size limit applies to Decode only: a full state
// sent to a joining client may be larger than anything a client may send.
func (c Codec) Encode(f Frame) ([]byte, error) {
	if f == nil {
		return nil, errors.New("codec: nil frame")
	}
	body, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("codec: encode %s: %w", f.Kind(), err)
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(f.Kind()))
	out = append(out, body...)
	return out, nil
}

// Decode parses b. Every failure wraps ErrMalformedFrame.
func (c Codec) Decode(b []byte) (Frame, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedFrame)
	}
	if len(b) > c.limit() {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrMalformedFrame, len(b), c.limit())
	}
	var f Frame
	switch Kind(b[0]) {
	case KindSync:
		f = &UpdateFrame{}
	case KindAwareness:
		f = &AwarenessFrame{}
	case KindQueryAwareness:
		f = &QueryFrame{}
	default:
		return nil, fmt.Errorf("%w: unknown type tag %d", ErrMalformedFrame, b[0])
	}
	if err := decMode.Unmarshal(b[1:], f); err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrMalformedFrame, Kind(b[0]), err)
	}
	if f.Document() == "" {
		return nil, fmt.Errorf("%w: %s frame without document id", ErrMalformedFrame, f.Kind())
	}
	if u, ok := f.(*UpdateFrame); ok && u.Step > StepReply {
		return nil, fmt.Errorf("%w: unknown sync step %d", ErrMalformedFrame, u.Step)
	}
	return f, nil
}
