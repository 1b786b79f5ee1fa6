// Package ws relays swap and trust events from the signal bus to the
// websocket connections of the users they concern.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/billix/billswap/internal/domain"
	"github.com/billix/billswap/internal/server/middleware"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBufferSize = 64

	replayPageSize = 100
	maxReplay      = 1000
)

// streamID matches a Redis stream entry id, or its millisecond prefix.
var streamID = regexp.MustCompile(`^\d+(-\d+)?$`)

// channels are the signal bus channels relayed to clients.
var channels = []string{domain.ChannelSwaps, domain.ChannelTrust}

// Envelope is the frame sent to clients. ID is set on replayed frames and
// is the value to pass as since when reconnecting.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

// event is one bus message resolved to the users it concerns.
type event struct {
	users []string
	frame []byte
}

// Hub fans bus events out to connected clients. A client only receives
// events for swaps it participates in and for its own trust status.
type Hub struct {
	bus        domain.SignalBus
	upgrader   websocket.Upgrader
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan event
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a Hub. allowedOrigins restricts upgrades by Origin header;
// empty or "*" allows any origin.
func NewHub(bus domain.SignalBus, allowedOrigins []string, logger *slog.Logger) *Hub {
	h := &Hub{
		bus:        bus,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan event, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(allowedOrigins, r.Header.Get("Origin"))
		},
	}
	return h
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Run subscribes to the bus and serves the hub until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	for _, ch := range channels {
		msgs, err := h.bus.Subscribe(ctx, ch)
		if err != nil {
			return err
		}
		go h.relay(ctx, ch, msgs)
	}

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws: client connected", slog.String("user_id", c.userID), slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !slices.Contains(ev.users, c.userID) {
					continue
				}
				select {
				case c.send <- ev.frame:
				default:
					h.logger.Warn("ws: dropping message for slow client", slog.String("user_id", c.userID))
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) relay(ctx context.Context, channel string, msgs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("ws: subscription closed", slog.String("channel", channel))
				return
			}
			ev, err := resolve(channel, data)
			if err != nil {
				h.logger.Warn("ws: undecodable event",
					slog.String("channel", channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			select {
			case h.broadcast <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// resolve finds the audience of a bus payload and wraps it in an Envelope.
func resolve(channel string, data []byte) (event, error) {
	var users []string
	var typ string
	switch channel {
	case domain.ChannelSwaps:
		var ev domain.SwapEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return event{}, err
		}
		typ, users = "swap", ev.UserIDs
	case domain.ChannelTrust:
		var ev domain.TrustEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return event{}, err
		}
		typ, users = "trust", []string{ev.UserID}
	}
	frame, err := json.Marshal(Envelope{Type: typ, Payload: data})
	if err != nil {
		return event{}, err
	}
	return event{users: users, frame: frame}, nil
}

// HandleWS upgrades an authenticated request and registers the client.
// A since query parameter replays the caller's swap events recorded after
// that stream id ("0" replays the retained history) before live delivery.
// GET /ws?since=<stream id>
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	if userID == "" {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	since := r.URL.Query().Get("since")
	if since != "" && !streamID.MatchString(since) {
		http.Error(w, "invalid since", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBufferSize),
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	// Live events queue in c.send while the backlog is written. A client may
	// see an event twice and should keep the highest swap version.
	if since != "" {
		if err := h.replay(r.Context(), c, since); err != nil {
			h.logger.Warn("ws: replay failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}

	go c.writePump()
	go c.readPump()
}

// replay writes the client's swap events after since straight to the
// connection. It runs before the write pump starts.
func (h *Hub) replay(ctx context.Context, c *client, since string) error {
	sent := 0
	for sent < maxReplay {
		msgs, err := h.bus.StreamRead(ctx, domain.StreamSwapEvents, since, replayPageSize)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			since = m.ID
			var ev domain.SwapEvent
			if err := json.Unmarshal(m.Payload, &ev); err != nil || !slices.Contains(ev.UserIDs, c.userID) {
				continue
			}
			frame, err := json.Marshal(Envelope{Type: "swap", ID: m.ID, Payload: m.Payload})
			if err != nil {
				return err
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return err
			}
			sent++
		}
		if len(msgs) < replayPageSize {
			return nil
		}
	}
	h.logger.Warn("ws: replay truncated", slog.String("user_id", c.userID), slog.Int("sent", sent))
	return nil
}

// readPump drains client frames so pongs and close frames are processed.
// Clients have nothing to say to the hub.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
