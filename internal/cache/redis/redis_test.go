package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/billix/billswap/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return Wrap(rdb), mr
}

func TestLockManager(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "sweeper", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "sweeper", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	require.False(t, mr.Exists("billswap:lock:sweeper"))

	_, err = lm.Acquire(ctx, "sweeper", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)
	_, err = lm.Acquire(ctx, "sweeper", time.Second)
	require.NoError(t, err)
}

func TestLockManager_StaleUnlockKeepsNewHolder(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	stale, err := lm.Acquire(ctx, "sweeper", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	_, err = lm.Acquire(ctx, "sweeper", time.Minute)
	require.NoError(t, err)

	stale()
	require.True(t, mr.Exists("billswap:lock:sweeper"))
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	c, _ := newTestClient(t)
	now := time.Date(2025, time.March, 4, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(c).WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "u1", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "u1", 3, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = rl.Allow(ctx, "u2", 3, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(61 * time.Second)
	ok, err = rl.Allow(ctx, "u1", 3, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSignalBus_PubSub(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, domain.ChannelSwaps)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, domain.ChannelSwaps, []byte(`{"swap_id":"s1"}`)))
	select {
	case got := <-ch:
		require.JSONEq(t, `{"swap_id":"s1"}`, string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSignalBus_Stream(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)
	ctx := context.Background()

	msgs, err := bus.StreamRead(ctx, domain.StreamSwapEvents, "0", 10)
	require.NoError(t, err)
	require.Empty(t, msgs)

	require.NoError(t, bus.StreamAppend(ctx, domain.StreamSwapEvents, []byte("one")))
	require.NoError(t, bus.StreamAppend(ctx, domain.StreamSwapEvents, []byte("two")))

	msgs, err = bus.StreamRead(ctx, domain.StreamSwapEvents, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "one", string(msgs[0].Payload))

	rest, err := bus.StreamRead(ctx, domain.StreamSwapEvents, msgs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, "two", string(rest[0].Payload))
}

func TestTrustCache(t *testing.T) {
	c, mr := newTestClient(t)
	tc := NewTrustCache(c, time.Minute)
	ctx := context.Background()

	empty, err := tc.GetMany(ctx, []string{"a"})
	require.NoError(t, err)
	require.Empty(t, empty)

	a := domain.NewTrustStatus("a")
	a.SuccessfulSwaps = 4
	a.TrustPoints = 11
	a.Version = 2
	b := domain.NewTrustStatus("b")
	require.NoError(t, tc.Set(ctx, a, b))

	many, err := tc.GetMany(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, many, 2)
	require.Equal(t, 4, many["a"].SuccessfulSwaps)
	require.Equal(t, int64(2), many["a"].Version)

	require.NoError(t, tc.Invalidate(ctx, "a"))
	many, err = tc.GetMany(ctx, []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, cachedUsers(many))

	mr.FastForward(2 * time.Minute)
	many, err = tc.GetMany(ctx, []string{"b"})
	require.NoError(t, err)
	require.Empty(t, many)
}

func cachedUsers(m map[string]domain.TrustStatus) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
