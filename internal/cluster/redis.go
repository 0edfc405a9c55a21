package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisMedium implements Medium with Redis PUBLISH and SUBSCRIBE.
type RedisMedium struct {
	rdb redis.UniversalClient
}

// NewRedisMedium returns a Medium backed by rdb. The caller owns rdb.
func NewRedisMedium(rdb redis.UniversalClient) *RedisMedium {
	return &RedisMedium{rdb: rdb}
}

func (r *RedisMedium) Publish(ctx context.Context, channel string, data []byte) error {
	if err := r.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so nothing
// published afterwards is missed.
func (r *RedisMedium) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	s := &redisSubscription{
		ps:   ps,
		out:  make(chan []byte),
		done: make(chan struct{}),
	}
	go s.relay(ps.Channel())
	return s, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) Messages() <-chan []byte { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *redisSubscription) relay(in <-chan *redis.Message) {
	defer close(s.out)
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}
