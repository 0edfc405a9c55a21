package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/codec"
)

func newRedisMedium(t *testing.T) *RedisMedium {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisMedium(rdb)
}

func TestRedisMediumRelaysMessages(t *testing.T) {
	ctx := context.Background()
	m := newRedisMedium(t)

	sub, err := m.Subscribe(ctx, "ch")
	require.NoError(t, err)
	other, err := m.Subscribe(ctx, "elsewhere")
	require.NoError(t, err)
	defer other.Close()

	for _, msg := range []string{"one", "two"} {
		require.NoError(t, m.Publish(ctx, "ch", []byte(msg)))
	}
	for _, want := range []string{"one", "two"} {
		select {
		case b := <-sub.Messages():
			assert.Equal(t, want, string(b))
		case <-time.After(waitFor):
			t.Fatalf("%q not delivered", want)
		}
	}
	select {
	case b := <-other.Messages():
		t.Fatalf("unexpected delivery on another channel: %q", b)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	select {
	case _, open := <-sub.Messages():
		assert.False(t, open)
	case <-time.After(waitFor):
		t.Fatal("Messages not closed after Close")
	}
}

func TestRedisProcessesConverge(t *testing.T) {
	ctx := context.Background()
	m := newRedisMedium(t)
	r1 := newProcess(t, m, "p1")
	r2 := newProcess(t, m, "p2")

	a := &testPeer{id: "a"}
	b := &testPeer{id: "b"}
	s1, err := r1.Join(ctx, "doc", a)
	require.NoError(t, err)
	s2, err := r2.Join(ctx, "doc", b)
	require.NoError(t, err)

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, s1.ApplyUpdate(ctx, a.id, &codec.UpdateFrame{DocumentID: "doc", Payload: update(t, "a", seq)}))
		require.NoError(t, s2.ApplyUpdate(ctx, b.id, &codec.UpdateFrame{DocumentID: "doc", Payload: update(t, "b", seq)}))
	}
	require.Eventually(t, func() bool { return s1.Digest() == s2.Digest() }, waitFor, 10*time.Millisecond)

	require.NoError(t, s1.UpdateAwareness(ctx, &codec.AwarenessFrame{DocumentID: "doc", ClientID: "a", Clock: 1, State: []byte("cursor")}))
	require.Eventually(t, func() bool {
		present, _ := b.awareness("a")
		return present == 1
	}, waitFor, 10*time.Millisecond)
}
