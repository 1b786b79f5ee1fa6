package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/billix/billswap/internal/domain"
	"github.com/billix/billswap/internal/store/memory"
)

var t0 = time.Date(2025, time.March, 4, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type published struct {
	channel string
	payload []byte
}

// recordingBus captures everything published through it.
type recordingBus struct {
	mu       sync.Mutex
	messages []published
	streamed []published
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, published{channel, payload})
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *recordingBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed = append(b.streamed, published{stream, payload})
	return nil
}

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *recordingBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.messages {
		if m.channel == channel {
			n++
		}
	}
	return n
}

// mapCache is an in-process domain.TrustCache.
type mapCache struct {
	mu          sync.Mutex
	rows        map[string]domain.TrustStatus
	invalidated []string
}

func newMapCache() *mapCache {
	return &mapCache{rows: make(map[string]domain.TrustStatus)}
}

func (c *mapCache) GetMany(_ context.Context, userIDs []string) (map[string]domain.TrustStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]domain.TrustStatus)
	for _, id := range userIDs {
		if t, ok := c.rows[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}

func (c *mapCache) Set(_ context.Context, statuses ...domain.TrustStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range statuses {
		c.rows[t.UserID] = t
	}
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, userIDs ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range userIDs {
		delete(c.rows, id)
		c.invalidated = append(c.invalidated, id)
	}
	return nil
}

type fixture struct {
	store *memory.Store
	clock *clock
	bus   *recordingBus
	cache *mapCache
	swaps *SwapService
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.New(),
		clock: &clock{now: t0},
		bus:   &recordingBus{},
		cache: newMapCache(),
	}
	logger := discardLogger()
	f.swaps = NewSwapService(f.store, NewTrustUpdater(policy, logger), policy, nil, logger).
		WithClock(f.clock.Now).
		WithSignalBus(f.bus).
		WithTrustCache(f.cache)
	return f
}

// seedUser stores a bill and sets the user's successful swap count.
func (f *fixture) seedUser(t *testing.T, userID, billID string, amount int64, dueDay, swaps int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Bills().Create(ctx, domain.UserBill{
		ID:       billID,
		UserID:   userID,
		Category: domain.CategoryElectric,
		Provider: "PowerCo",
		Amount:   decimal.NewFromInt(amount),
		DueDay:   dueDay,
	}))
	if swaps > 0 {
		ts := domain.NewTrustStatus(userID)
		ts.SuccessfulSwaps = swaps
		_, err := f.store.Trust().Save(ctx, ts)
		require.NoError(t, err)
	}
}

func (f *fixture) trust(t *testing.T, userID string) domain.TrustStatus {
	t.Helper()
	ts, err := f.store.Trust().Get(context.Background(), userID)
	require.NoError(t, err)
	return ts
}

func (f *fixture) holders(t *testing.T, billIDs ...string) map[string]string {
	t.Helper()
	h, err := f.store.Locks().Holders(context.Background(), billIDs)
	require.NoError(t, err)
	return h
}

// executing drives a fresh a1/b1 proposal into Executing.
func (f *fixture) executing(t *testing.T) domain.Swap {
	t.Helper()
	ctx := context.Background()
	sw, err := f.swaps.Propose(ctx, "a", "a1", "b", "b1")
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	sw, err = f.swaps.Respond(ctx, domain.SwapRef{ID: sw.ID, Version: sw.Version}, "b", true)
	require.NoError(t, err)
	sw, err = f.swaps.BeginExecution(ctx, domain.SwapRef{ID: sw.ID, Version: sw.Version})
	require.NoError(t, err)
	require.Equal(t, domain.SwapExecuting, sw.Status)
	return sw
}

func ref(sw domain.Swap) domain.SwapRef {
	return domain.SwapRef{ID: sw.ID, Version: sw.Version}
}
