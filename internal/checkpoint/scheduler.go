// Package checkpoint periodically persists dirty document sessions.
package checkpoint

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"collabtext/internal/lock"
	"collabtext/internal/metrics"
	"collabtext/internal/session"
	"collabtext/internal/store"
)

// Source lists the sessions to checkpoint. *session.Registry implements it.
type Source interface {
	Sessions() []*session.Session
}

// Scheduler checkpoints every dirty session once per interval and keeps
// awareness current: stale remote entries are expired and local ones are
// republished. Failures are logged and retried on the next tick; they never
// reach clients.
type Scheduler struct {
	source           Source
	interval         time.Duration
	awarenessTimeout time.Duration
	metrics          *metrics.Metrics
	now              func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	loop   sync.WaitGroup
	writes sync.WaitGroup

	mu       sync.Mutex
	inflight map[*session.Session]struct{}
}

// NewScheduler returns a stopped Scheduler. A zero awarenessTimeout disables
// awareness expiry and refresh.
func NewScheduler(src Source, interval, awarenessTimeout time.Duration, m *metrics.Metrics) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		source:           src,
		interval:         interval,
		awarenessTimeout: awarenessTimeout,
		metrics:          m,
		now:              time.Now,
		ctx:              ctx,
		cancel:           cancel,
		inflight:         make(map[*session.Session]struct{}),
	}
}

// Start runs the scheduler in a new goroutine until ctx is done or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	s.loop.Add(1)
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.loop.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	glog.Infof("[checkpoint] scheduler started, interval %v", s.interval)

	for {
		select {
		case <-ticker.C:
			s.RunOnce(s.ctx)
		case <-ctx.Done():
			glog.Infof("[checkpoint] scheduler stopping: %v", ctx.Err())
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// Stop cancels in-flight checkpoints and waits for them and the loop to
// return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.loop.Wait()
	s.writes.Wait()
	glog.Infof("[checkpoint] scheduler stopped")
}

// Wait blocks until every checkpoint started so far has finished.
func (s *Scheduler) Wait() {
	s.writes.Wait()
}

// RunOnce performs one tick without waiting for the writes it starts. Each
// dirty session is checkpointed in its own goroutine; a session whose
// previous checkpoint is still running is skipped, so one slow document
// never holds back the others.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := s.now()
	for _, sess := range s.source.Sessions() {
		if s.awarenessTimeout > 0 {
			if n := sess.ExpireAwareness(now, s.awarenessTimeout); n > 0 {
				glog.V(1).Infof("[session] %s: expired %d remote awareness entries", sess.ID(), n)
			}
			sess.RefreshAwareness(ctx, now, s.awarenessTimeout/3)
		}
		if !sess.Dirty() || !s.claim(sess) {
			continue
		}
		s.writes.Add(1)
		go func(sess *session.Session) {
			defer s.writes.Done()
			defer s.release(sess)
			s.checkpoint(ctx, sess)
		}(sess)
	}
}

func (s *Scheduler) claim(sess *session.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[sess]; ok {
		s.metrics.Checkpoint("in_flight", 0)
		glog.V(1).Infof("[checkpoint] %s: previous checkpoint still running, skipping", sess.ID())
		return false
	}
	s.inflight[sess] = struct{}{}
	return true
}

func (s *Scheduler) release(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, sess)
}

func (s *Scheduler) checkpoint(ctx context.Context, sess *session.Session) {
	start := time.Now()
	err := sess.CheckpointIfDirty(ctx)
	switch {
	case err == nil:
		s.metrics.Checkpoint("ok", time.Since(start).Seconds())
	case errors.Is(err, lock.ErrBusy):
		s.metrics.Checkpoint("busy", 0)
		glog.V(1).Infof("[checkpoint] %s: lock held elsewhere, skipping", sess.ID())
	case errors.Is(err, store.ErrPersistenceUnavailable):
		s.metrics.Checkpoint("unavailable", 0)
		glog.Warningf("[checkpoint] %s: %v", sess.ID(), err)
	default:
		s.metrics.Checkpoint("error", 0)
		glog.Warningf("[checkpoint] %s: %v", sess.ID(), err)
	}
}
