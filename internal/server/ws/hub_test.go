package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/billix/billswap/internal/domain"
	"github.com/billix/billswap/internal/server/middleware"
)

// chanBus hands out one Go channel per bus channel and keeps the stream as
// a slice with ids "1", "2", ...
type chanBus struct {
	chans  map[string]chan []byte
	mu     sync.Mutex
	stream []domain.StreamMessage
}

func newChanBus() *chanBus {
	return &chanBus{chans: map[string]chan []byte{
		domain.ChannelSwaps: make(chan []byte, 8),
		domain.ChannelTrust: make(chan []byte, 8),
	}}
}

func (b *chanBus) Publish(_ context.Context, ch string, payload []byte) error {
	b.chans[ch] <- payload
	return nil
}

func (b *chanBus) Subscribe(_ context.Context, ch string) (<-chan []byte, error) {
	return b.chans[ch], nil
}

func (b *chanBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream = append(b.stream, domain.StreamMessage{ID: strconv.Itoa(len(b.stream) + 1), Payload: payload})
	return nil
}

func (b *chanBus) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	after, err := strconv.Atoi(strings.TrimSuffix(lastID, "-0"))
	if err != nil {
		return nil, err
	}
	if after >= len(b.stream) {
		return nil, nil
	}
	out := b.stream[after:]
	if len(out) > count {
		out = out[:count]
	}
	return slices.Clone(out), nil
}

func TestResolve(t *testing.T) {
	raw, err := json.Marshal(domain.SwapEvent{SwapID: "s1", To: domain.SwapAccepted, UserIDs: []string{"a", "b"}})
	require.NoError(t, err)
	ev, err := resolve(domain.ChannelSwaps, raw)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ev.users)

	var env Envelope
	require.NoError(t, json.Unmarshal(ev.frame, &env))
	require.Equal(t, "swap", env.Type)

	raw, err = json.Marshal(domain.TrustEvent{UserID: "a", Tier: domain.TierBuilder, PreviousTier: domain.TierStreamer})
	require.NoError(t, err)
	ev, err = resolve(domain.ChannelTrust, raw)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ev.users)

	_, err = resolve(domain.ChannelSwaps, []byte("{"))
	require.Error(t, err)
}

func TestOriginAllowed(t *testing.T) {
	require.True(t, originAllowed(nil, "https://x.example"))
	require.True(t, originAllowed([]string{"https://x.example"}, ""))
	require.True(t, originAllowed([]string{"*"}, "https://y.example"))
	require.False(t, originAllowed([]string{"https://x.example"}, "https://y.example"))
}

func TestHub_DeliversOnlyToParticipants(t *testing.T) {
	bus := newChanBus()
	hub := NewHub(bus, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(middleware.Identity("", "")(http.HandlerFunc(hub.HandleWS)))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	dial := func(user string) *websocket.Conn {
		hdr := http.Header{}
		hdr.Set("X-User-ID", user)
		conn, _, err := websocket.DefaultDialer.Dial(url, hdr)
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	}
	a := dial("a")
	c := dial("c")

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.clients) == 2
	}, 2*time.Second, 10*time.Millisecond)

	raw, err := json.Marshal(domain.SwapEvent{SwapID: "s1", To: domain.SwapProposed, UserIDs: []string{"a", "b"}})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, domain.ChannelSwaps, raw))

	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := a.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	require.Equal(t, "swap", env.Type)
	require.JSONEq(t, string(raw), string(env.Payload))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = c.ReadMessage()
	require.Error(t, err)
}

func TestHandleWS_RequiresIdentity(t *testing.T) {
	hub := NewHub(newChanBus(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := httptest.NewRecorder()
	hub.HandleWS(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleWS_ReplaysCallerSwapEvents(t *testing.T) {
	bus := newChanBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, users := range [][]string{{"a", "b"}, {"c", "d"}, {"c", "a"}} {
		raw, err := json.Marshal(domain.SwapEvent{SwapID: "s-" + users[0] + users[1], UserIDs: users})
		require.NoError(t, err)
		require.NoError(t, bus.StreamAppend(ctx, domain.StreamSwapEvents, raw))
	}

	hub := NewHub(bus, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go func() { _ = hub.Run(ctx) }()
	srv := httptest.NewServer(middleware.Identity("", "")(http.HandlerFunc(hub.HandleWS)))
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	dial := func(since string) (*websocket.Conn, *http.Response, error) {
		hdr := http.Header{}
		hdr.Set("X-User-ID", "a")
		conn, resp, err := websocket.DefaultDialer.Dial(base+"?since="+since, hdr)
		if conn != nil {
			t.Cleanup(func() { _ = conn.Close() })
		}
		return conn, resp, err
	}
	readIDs := func(conn *websocket.Conn, n int) []string {
		var ids []string
		for range n {
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
			_, msg, err := conn.ReadMessage()
			require.NoError(t, err)
			var env Envelope
			require.NoError(t, json.Unmarshal(msg, &env))
			require.Equal(t, "swap", env.Type)
			ids = append(ids, env.ID)
		}
		return ids
	}

	conn, _, err := dial("0")
	require.NoError(t, err)
	require.Equal(t, []string{"1", "3"}, readIDs(conn, 2))

	conn, _, err = dial("1-0")
	require.NoError(t, err)
	require.Equal(t, []string{"3"}, readIDs(conn, 1))

	_, resp, err := dial("latest")
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
