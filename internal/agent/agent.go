// Package agent is a headless collaborator: it keeps a durable replica of a
// document in sync with a sync server and survives disconnects.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"collabtext/internal/codec"
	"collabtext/internal/discovery"
	"collabtext/internal/merge"
)

// discoverTimeout bounds one mDNS browse before backing off.
const discoverTimeout = 5 * time.Second

// ErrNotConnected is returned when a frame is sent with no connection up.
var ErrNotConnected = errors.New("agent: not connected")

// Conn is one connection to the server carrying binary frames.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(frame []byte) error
	Close() error
}

// Dialer opens a connection to a websocket URL.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DialWebsocket is the default Dialer.
func DialWebsocket(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, b, err := c.conn.ReadMessage()
	return b, err
}

func (c *wsConn) WriteMessage(b []byte) error {
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

// Options configure an Agent. Zero fields take the defaults noted.
type Options struct {
	// Server is the host:port to dial. When empty the server is found
	// over mDNS with Discover.
	Server   string
	Document codec.DocumentID

	// MaxFrameSize bounds inbound frames, codec.DefaultMaxFrameSize.
	MaxFrameSize int

	Dial     Dialer                                    // DialWebsocket
	Discover func(ctx context.Context) (string, error) // discovery.Find

	ResyncInterval time.Duration          // 30s
	NewBackOff     func() backoff.BackOff // exponential, retries forever
}

// Agent keeps a Replica in sync with the server.
type Agent struct {
	opts    Options
	replica *Replica
	onApply func(merge.Op)
	codec   codec.Codec

	mu   sync.Mutex
	conn Conn
}

// New returns an Agent syncing r. onApply, if set, is called for every
// operation received from the server that was new to the replica.
func New(r *Replica, opts Options, onApply func(merge.Op)) *Agent {
	if opts.Dial == nil {
		opts.Dial = DialWebsocket
	}
	if opts.Discover == nil {
		opts.Discover = discovery.Find
	}
	if opts.ResyncInterval <= 0 {
		opts.ResyncInterval = 30 * time.Second
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		}
	}
	if onApply == nil {
		onApply = func(merge.Op) {}
	}
	return &Agent{
		opts:    opts,
		replica: r,
		onApply: onApply,
		codec:   codec.Codec{MaxFrameSize: opts.MaxFrameSize},
	}
}

// Connected reports whether a connection is up.
func (a *Agent) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

// Run connects and reconnects with exponential backoff until ctx is done or
// the backoff gives up.
func (a *Agent) Run(ctx context.Context) error {
	b := a.opts.NewBackOff()
	for {
		synced, err := a.connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if synced {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("agent: giving up: %w", err)
		}
		glog.Warningf("agent: connection lost (%v), retrying in %v", err, wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Edit records data as a local operation and sends it when connected.
// Offline edits are pushed when the next connection is established.
func (a *Agent) Edit(data []byte) error {
	update, err := a.replica.Edit(data)
	if err != nil {
		return err
	}
	err = a.send(&codec.UpdateFrame{DocumentID: a.opts.Document, Payload: update})
	if errors.Is(err, ErrNotConnected) {
		glog.V(1).Infof("agent: offline, edit kept for the next connection")
		return nil
	}
	return err
}

// connect runs one connection and reports whether the initial sync
// completed before it ended.
func (a *Agent) connect(ctx context.Context) (bool, error) {
	addr := a.opts.Server
	if addr == "" {
		dctx, cancel := context.WithTimeout(ctx, discoverTimeout)
		found, err := a.opts.Discover(dctx)
		cancel()
		if err != nil {
			return false, err
		}
		addr = found
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws/" + string(a.opts.Document)}
	conn, err := a.opts.Dial(ctx, u.String())
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	glog.Infof("agent: connected to %s", u.String())

	done := make(chan struct{})
	defer close(done)
	a.setConn(conn)
	defer a.setConn(nil)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	go a.resync(done)

	presence := &codec.AwarenessFrame{DocumentID: a.opts.Document, Clock: 1, State: []byte(a.replica.Author())}
	if err := a.send(presence); err != nil {
		_ = conn.Close()
		return false, err
	}

	synced := false
	for {
		b, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return synced, err
		}
		f, err := a.codec.Decode(b)
		if err != nil {
			glog.Warningf("agent: dropping frame: %v", err)
			continue
		}
		if err := a.handle(f, !synced); err != nil {
			_ = conn.Close()
			return synced, err
		}
		synced = true
	}
}

// handle applies one server frame. The first frame of a connection is the
// server's full state, from which the agent learns what the server lacks.
func (a *Agent) handle(f codec.Frame, initial bool) error {
	switch f := f.(type) {
	case *codec.UpdateFrame:
		added, err := a.replica.Apply(f.Payload)
		if err != nil {
			return err
		}
		for _, op := range added {
			a.onApply(op)
		}
		if initial && f.Step == codec.StepReply {
			return a.pushMissing(f.Payload)
		}
	case *codec.AwarenessFrame:
		if f.Withdrawn() {
			glog.V(1).Infof("agent: %s left", f.ClientID)
		} else {
			glog.V(1).Infof("agent: %s present: %s", f.ClientID, f.State)
		}
	}
	return nil
}

func (a *Agent) pushMissing(serverState []byte) error {
	server := merge.NewLog()
	if _, err := server.Apply(serverState); err != nil {
		return err
	}
	missing, err := a.replica.Missing(server.Vector())
	if err != nil || missing == nil {
		return err
	}
	glog.Infof("agent: pushing edits made while offline")
	return a.send(&codec.UpdateFrame{DocumentID: a.opts.Document, Payload: missing})
}

// resync periodically asks the server for anything this replica missed.
func (a *Agent) resync(done <-chan struct{}) {
	ticker := time.NewTicker(a.opts.ResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			req := &codec.UpdateFrame{DocumentID: a.opts.Document, Step: codec.StepRequest, Payload: a.replica.Vector()}
			if err := a.send(req); err != nil {
				glog.V(1).Infof("agent: resync: %v", err)
			}
		case <-done:
			return
		}
	}
}

func (a *Agent) send(f codec.Frame) error {
	b, err := a.codec.Encode(f)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return ErrNotConnected
	}
	return a.conn.WriteMessage(b)
}

func (a *Agent) setConn(c Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conn = c
}
