// Package connection terminates client connections and feeds their frames
// into document sessions.
//
// Each connection gets a server-assigned ClientID. Origin and awareness ids
// in inbound frames are overwritten with it, so a client can never speak
// for another. Every connection is rate limited and closed after a period
// without inbound frames.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"collabtext/internal/codec"
	"collabtext/internal/merge"
	"collabtext/internal/metrics"
	"collabtext/internal/session"
)

var (
	// ErrRateLimitExceeded closes a connection sending faster than allowed.
	ErrRateLimitExceeded = errors.New("connection: rate limit exceeded")
	// ErrIdleTimeout closes a connection with no inbound frame for too long.
	ErrIdleTimeout = errors.New("connection: idle timeout")
	// ErrSlowConsumer closes a connection whose send queue overflowed.
	ErrSlowConsumer = errors.New("connection: send queue full")
	// ErrFrameTooLarge is returned by a Transport for an oversized message.
	ErrFrameTooLarge = errors.New("connection: frame too large")
	// ErrShutdown closes connections when the server stops.
	ErrShutdown = errors.New("connection: server shutting down")
)

// Joiner attaches peers to document sessions. *session.Registry implements it.
type Joiner interface {
	Join(ctx context.Context, doc codec.DocumentID, p session.Peer) (*session.Session, error)
}

// Options configure a Manager. Zero fields take the defaults noted.
type Options struct {
	Codec       codec.Codec
	IdleTimeout time.Duration // disabled
	RateLimit   float64       // frames per second, unlimited
	RateBurst   int           // 1
	SendQueue   int           // 256
	Metrics     *metrics.Metrics
	NewClientID func() codec.ClientID
	Now         func() time.Time
	CheckOrigin func(r *http.Request) bool
}

// Manager serves client connections.
type Manager struct {
	joiner Joiner
	opts   Options

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[codec.ClientID]*client
	closing bool
	wg      sync.WaitGroup
}

// NewManager returns a Manager joining clients through j.
func NewManager(j Joiner, opts Options) *Manager {
	if opts.SendQueue <= 0 {
		opts.SendQueue = 256
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	if opts.NewClientID == nil {
		opts.NewClientID = func() codec.ClientID { return codec.ClientID(uuid.NewString()) }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return &Manager{
		joiner:  j,
		opts:    opts,
		clients: make(map[codec.ClientID]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
	}
}

// Connections returns the number of open connections.
func (m *Manager) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Serve runs one connection for doc until it closes and returns the reason
// it was closed, or nil when the client went away on its own. The transport
// is closed when Serve returns.
func (m *Manager) Serve(ctx context.Context, t Transport, doc codec.DocumentID, identity string) error {
	c := m.newClient(t, doc, identity)
	if err := m.track(c); err != nil {
		code, reason := closeCode(err)
		_ = t.Close(code, reason)
		return err
	}
	defer m.untrack(c)

	m.opts.Metrics.ConnectionOpened()
	defer m.opts.Metrics.ConnectionClosed()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		c.watchClose()
	}()
	go func() {
		defer pumps.Done()
		c.writePump()
	}()

	glog.Infof("[conn] %s %s: connected as %q", doc, c.id, identity)
	sess, err := m.joiner.Join(ctx, doc, c)
	if err != nil {
		glog.Warningf("[conn] %s %s: join: %v", doc, c.id, err)
		c.Disconnect(err)
	} else {
		c.Disconnect(m.readLoop(ctx, c, sess))
		sess.Leave(context.WithoutCancel(ctx), c.id)
	}
	pumps.Wait()

	reason := c.closeReason()
	m.opts.Metrics.Disconnect(disconnectLabel(reason))
	if errors.Is(reason, errClientGone) {
		glog.V(1).Infof("[conn] %s %s: disconnected", doc, c.id)
		return nil
	}
	glog.Infof("[conn] %s %s: closed: %v", doc, c.id, reason)
	return reason
}

// Shutdown closes every connection with a going-away status and waits for
// them to finish, or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	clients := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		c.Disconnect(ErrShutdown)
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("connection: shutdown: %w", ctx.Err())
	}
}

func (m *Manager) track(c *client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return ErrShutdown
	}
	m.clients[c.id] = c
	m.wg.Add(1)
	return nil
}

func (m *Manager) untrack(c *client) {
	m.mu.Lock()
	delete(m.clients, c.id)
	m.mu.Unlock()
	m.wg.Done()
}

func (m *Manager) readLoop(ctx context.Context, c *client, sess *session.Session) error {
	for {
		if m.opts.IdleTimeout > 0 {
			if err := c.transport.SetReadDeadline(m.opts.Now().Add(m.opts.IdleTimeout)); err != nil {
				return c.readError(err)
			}
		}
		b, err := c.transport.ReadMessage()
		if err != nil {
			return c.readError(err)
		}
		if !c.limiter.Allow() {
			return ErrRateLimitExceeded
		}
		f, err := m.opts.Codec.Decode(b)
		if err != nil {
			return err
		}
		m.opts.Metrics.FrameReceived(f.Kind().String())
		if f.Document() != c.doc {
			return fmt.Errorf("%w: frame for %s on a connection for %s", codec.ErrMalformedFrame, f.Document(), c.doc)
		}
		if err := m.dispatch(ctx, c, sess, f); err != nil {
			return err
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, c *client, sess *session.Session, f codec.Frame) error {
	switch f := f.(type) {
	case *codec.UpdateFrame:
		glog.V(2).Infof("[conn] %s %s: sync step %d, %d bytes", c.doc, c.id, f.Step, len(f.Payload))
		if f.Step == codec.StepRequest {
			return sess.SyncRequest(c, f.Payload)
		}
		f.Origin = c.id
		return sess.ApplyUpdate(ctx, c.id, f)
	case *codec.AwarenessFrame:
		f.ClientID = c.id
		err := sess.UpdateAwareness(ctx, f)
		if errors.Is(err, session.ErrStaleAwareness) {
			return nil
		}
		return err
	case *codec.QueryFrame:
		sess.QueryAwareness(c)
	}
	return nil
}

// errClientGone marks a connection the client closed.
var errClientGone = errors.New("connection: closed by client")

type client struct {
	id        codec.ClientID
	identity  string
	doc       codec.DocumentID
	transport Transport
	limiter   *rate.Limiter
	send      chan []byte

	mu     sync.Mutex
	closed bool
	reason error
	done   chan struct{}
}

func (m *Manager) newClient(t Transport, doc codec.DocumentID, identity string) *client {
	limit := rate.Inf
	if m.opts.RateLimit > 0 {
		limit = rate.Limit(m.opts.RateLimit)
	}
	return &client{
		id:        m.opts.NewClientID(),
		identity:  identity,
		doc:       doc,
		transport: t,
		limiter:   rate.NewLimiter(limit, m.opts.RateBurst),
		send:      make(chan []byte, m.opts.SendQueue),
		done:      make(chan struct{}),
	}
}

func (c *client) ClientID() codec.ClientID { return c.id }

// Send queues frame without blocking. A full queue disconnects the client.
func (c *client) Send(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.closeLocked(ErrSlowConsumer)
	}
}

func (c *client) Disconnect(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(reason)
}

func (c *client) closeLocked(reason error) {
	if c.closed {
		return
	}
	if reason == nil {
		reason = errClientGone
	}
	c.closed = true
	c.reason = reason
	close(c.done)
}

func (c *client) closeReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// readError maps a transport read failure. A read interrupted because the
// client was already disconnected reports the original reason.
func (c *client) readError(err error) error {
	select {
	case <-c.done:
		return c.closeReason()
	default:
	}
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		return ErrIdleTimeout
	case errors.Is(err, ErrFrameTooLarge), errors.Is(err, codec.ErrMalformedFrame):
		return err
	default:
		return errClientGone
	}
}

func (c *client) watchClose() {
	<-c.done
	code, reason := closeCode(c.closeReason())
	if err := c.transport.Close(code, reason); err != nil {
		glog.V(1).Infof("[conn] %s %s: close: %v", c.doc, c.id, err)
	}
}

func (c *client) writePump() {
	for {
		select {
		case frame := <-c.send:
			if err := c.transport.WriteMessage(frame); err != nil {
				c.Disconnect(errClientGone)
				return
			}
		case <-c.done:
			return
		}
	}
}

// closeCode maps a disconnect reason to a websocket close status.
func closeCode(reason error) (int, string) {
	switch {
	case errors.Is(reason, errClientGone):
		return websocket.CloseNormalClosure, ""
	case errors.Is(reason, ErrIdleTimeout):
		return websocket.CloseNormalClosure, "idle timeout"
	case errors.Is(reason, ErrShutdown):
		return websocket.CloseGoingAway, "server shutting down"
	case errors.Is(reason, ErrRateLimitExceeded):
		return websocket.ClosePolicyViolation, "rate limit exceeded"
	case errors.Is(reason, ErrFrameTooLarge):
		return websocket.CloseMessageTooBig, "frame too large"
	case errors.Is(reason, codec.ErrMalformedFrame), errors.Is(reason, merge.ErrInvalidUpdate):
		return websocket.CloseInvalidFramePayloadData, "malformed frame"
	case errors.Is(reason, ErrSlowConsumer):
		return websocket.CloseTryAgainLater, "too slow"
	case errors.Is(reason, session.ErrEvicted), errors.Is(reason, merge.ErrCorruptState):
		return websocket.CloseServiceRestart, "document reloading"
	default:
		return websocket.CloseInternalServerErr, "internal error"
	}
}

func disconnectLabel(reason error) string {
	switch {
	case errors.Is(reason, errClientGone):
		return "client"
	case errors.Is(reason, ErrIdleTimeout):
		return "idle"
	case errors.Is(reason, ErrShutdown):
		return "shutdown"
	case errors.Is(reason, ErrRateLimitExceeded):
		return "rate_limit"
	case errors.Is(reason, ErrFrameTooLarge), errors.Is(reason, codec.ErrMalformedFrame), errors.Is(reason, merge.ErrInvalidUpdate):
		return "malformed"
	case errors.Is(reason, ErrSlowConsumer):
		return "slow"
	default:
		return "error"
	}
}
