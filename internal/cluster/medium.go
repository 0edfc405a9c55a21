package cluster

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by a medium that has been shut down.
var ErrClosed = errors.New("cluster: medium closed")

// Medium is a best-effort pub/sub bus. Deliveries may be duplicated or
// reordered; a publisher receives its own messages back.
type Medium interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription delivers the messages of one channel until closed.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// MemoryMedium fans messages out inside one process. Several Broadcasters
// sharing a MemoryMedium behave like processes sharing a Redis server.
type MemoryMedium struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

// NewMemoryMedium returns an empty in-process medium.
func NewMemoryMedium() *MemoryMedium {
	return &MemoryMedium{subs: make(map[string]map[*memorySubscription]struct{})}
}

func (m *MemoryMedium) Publish(ctx context.Context, channel string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for s := range m.subs[channel] {
		s.push(append([]byte(nil), data...))
	}
	return nil
}

func (m *MemoryMedium) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s := &memorySubscription{
		medium:  m,
		channel: channel,
		out:     make(chan []byte),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySubscription]struct{})
	}
	m.subs[channel][s] = struct{}{}
	go s.pump()
	return s, nil
}

// Close ends every subscription.
func (m *MemoryMedium) Close() error {
	m.mu.Lock()
	m.closed = true
	var all []*memorySubscription
	for _, subs := range m.subs {
		for s := range subs {
			all = append(all, s)
		}
	}
	m.mu.Unlock()
	for _, s := range all {
		_ = s.Close()
	}
	return nil
}

func (m *MemoryMedium) drop(s *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subs[s.channel]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(m.subs, s.channel)
		}
	}
}

// memorySubscription queues without bound so a publisher never blocks on a
// subscriber, including one publishing from its own delivery loop.
type memorySubscription struct {
	medium  *MemoryMedium
	channel string
	out     chan []byte

	mu    sync.Mutex
	queue [][]byte
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (s *memorySubscription) Messages() <-chan []byte { return s.out }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.medium.drop(s)
	})
	return nil
}

func (s *memorySubscription) push(b []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, b)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		for _, b := range batch {
			select {
			case s.out <- b:
			case <-s.done:
				return
			}
		}
	}
}
