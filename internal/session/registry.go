package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"

	"collabtext/internal/codec"
	"collabtext/internal/lock"
	"collabtext/internal/merge"
	"collabtext/internal/metrics"
	"collabtext/internal/store"
)

// ErrClosed is returned by Join after Close.
var ErrClosed = errors.New("session: registry closed")

// Persistence is the subset of store.Store a session needs.
type Persistence interface {
	Load(ctx context.Context, doc codec.DocumentID) ([]byte, error)
	Save(ctx context.Context, doc codec.DocumentID, state []byte) error
}

// Cluster fans frames out to the sessions of the same document on other
// processes. handler is called from one goroutine per subscription, and the
// subscription must outlive ctx, which only bounds setting it up.
type Cluster interface {
	Publish(ctx context.Context, doc codec.DocumentID, frame []byte) error
	Subscribe(ctx context.Context, doc codec.DocumentID, handler func(codec.Frame)) (io.Closer, error)
}

// Options configure a Registry. Zero fields take the defaults noted.
type Options struct {
	Engine      merge.Engine  // merge.OpLog
	Store       Persistence   // store.MemoryStore
	Locker      lock.Locker   // lock.MemoryLocker
	Cluster     Cluster       // Standalone
	Codec       codec.Codec   // codec defaults
	LockTTL     time.Duration // 15s
	GracePeriod time.Duration // 30s
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Registry owns the live sessions of this process, one per document.
type Registry struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	// empty is the encoded state of a fresh document.
	empty []byte

	mu       sync.Mutex
	sessions map[codec.DocumentID]*Session
	closed   bool
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts Options) *Registry {
	if opts.Engine == nil {
		opts.Engine = merge.OpLog{}
	}
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewMemoryLocker()
	}
	if opts.Cluster == nil {
		opts.Cluster = Standalone{}
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 15 * time.Second
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	empty, err := opts.Engine.New().Diff(nil)
	if err != nil {
		panic("session: engine cannot encode an empty document: " + err.Error())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		empty:    empty,
		sessions: make(map[codec.DocumentID]*Session),
	}
}

// Join attaches p to the session for doc, creating and loading it on first
// use.
func (r *Registry) Join(ctx context.Context, doc codec.DocumentID, p Peer) (*Session, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		s, ok := r.sessions[doc]
		if !ok {
			s = newSession(r, doc)
			r.sessions[doc] = s
			r.opts.Metrics.SessionOpened()
		}
		r.mu.Unlock()

		err := s.Join(ctx, p)
		if err == nil {
			return s, nil
		}
		if errors.Is(err, ErrEvicted) {
			r.remove(s, "idle")
			continue
		}
		r.discardUnused(s)
		return nil, err
	}
}

// Lookup returns the live session for doc, or nil.
func (r *Registry) Lookup(doc codec.DocumentID) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[doc]
}

// Sessions returns the live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Reset evicts s without checkpointing and disconnects its clients. It is
// used when the in-memory state can no longer be trusted; the next join
// reloads the last checkpoint.
func (r *Registry) Reset(s *Session, cause error) {
	s.mu.Lock()
	if s.state == Evicted {
		s.mu.Unlock()
		return
	}
	s.state = Evicted
	peers := make([]Peer, 0, len(s.peers))
	var out [][]byte
	for id, p := range s.peers {
		peers = append(peers, p)
		out = append(out, s.withdraw(id))
	}
	s.peers = make(map[codec.ClientID]Peer)
	s.mu.Unlock()

	glog.Errorf("[session] %s: evicting after unrecoverable error: %v", s.id, cause)
	s.publish(r.ctx, out)
	for _, p := range peers {
		p.Disconnect(cause)
	}
	r.remove(s, "reset")
}

// Close checkpoints every dirty session and releases all subscriptions.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[codec.DocumentID]*Session)
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.CheckpointIfDirty(ctx); err != nil {
			errs = append(errs, err)
		}
		s.close()
		r.opts.Metrics.SessionClosed("shutdown")
	}
	r.cancel()
	return errors.Join(errs...)
}

// discardUnused drops a session whose first join failed.
func (r *Registry) discardUnused(s *Session) {
	s.mu.Lock()
	unused := s.state == Empty && len(s.peers) == 0
	if unused {
		s.state = Evicted
	}
	s.mu.Unlock()
	if unused {
		r.remove(s, "load_failed")
	}
}

func (r *Registry) remove(s *Session, cause string) {
	r.mu.Lock()
	cur, ok := r.sessions[s.id]
	owned := ok && cur == s
	if owned {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
	if !owned {
		return
	}
	s.close()
	r.opts.Metrics.SessionClosed(cause)
	glog.Infof("[session] %s: evicted (%s)", s.id, cause)
}

// Standalone is a Cluster for a single process deployment.
type Standalone struct{}

func (Standalone) Publish(context.Context, codec.DocumentID, []byte) error { return nil }

func (Standalone) Subscribe(context.Context, codec.DocumentID, func(codec.Frame)) (io.Closer, error) {
	return nopCloser{}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
