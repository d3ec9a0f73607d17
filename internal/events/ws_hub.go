package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Ft2801/progetto-PA/internal/metrics"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// Subscription scopes one websocket client. A zero ProducerID follows every
// producer. Unless Full is set, events about other consumers' reservations
// arrive redacted.
type Subscription struct {
	ProducerID int64
	ConsumerID int64
	Full       bool
}

// match reports whether ev reaches the subscriber and whether it may see the
// consumer fields.
func (s Subscription) match(ev Event) (ok, full bool) {
	if s.ProducerID != 0 && s.ProducerID != ev.ProducerID {
		return false, false
	}
	return true, s.Full || (s.ConsumerID != 0 && s.ConsumerID == ev.ConsumerID)
}

type subscriber struct {
	conn *websocket.Conn
	sub  Subscription
}

// WSHub pushes slot events to websocket clients, so dashboards can follow
// occupancy live. Callers authenticate the client and decide its
// Subscription before handing the request to Serve.
type WSHub struct {
	upgrader   websocket.Upgrader
	subs       map[*websocket.Conn]*subscriber
	broadcast  chan Event
	register   chan *subscriber
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.Mutex
}

// NewWSHub creates a hub that accepts upgrades from allowedOrigins. An empty
// list admits same-host origins only and "*" admits any. Call Run before
// Serve.
func NewWSHub(allowedOrigins ...string) *WSHub {
	return &WSHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		subs:       make(map[*websocket.Conn]*subscriber),
		broadcast:  make(chan Event, 256),
		register:   make(chan *subscriber),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run delivers queued events until ctx is done, then closes every client.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.subs {
				conn.Close()
				delete(h.subs, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case s := <-h.register:
			h.mu.Lock()
			h.subs[s.conn] = s
			n := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "producer_id", s.sub.ProducerID, "consumer_id", s.sub.ConsumerID, "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subs[conn]; ok {
				delete(h.subs, conn)
				conn.Close()
			}
			n := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *WSHub) deliver(ev Event) {
	full, err := json.Marshal(ev)
	if err != nil {
		slog.Error("ws encode event", "type", ev.Type, "err", err)
		return
	}
	redacted, err := json.Marshal(ev.Redacted())
	if err != nil {
		slog.Error("ws encode event", "type", ev.Type, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, s := range h.subs {
		ok, seeAll := s.sub.match(ev)
		if !ok {
			continue
		}
		data := redacted
		if seeAll {
			data = full
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(h.subs, conn)
		}
	}
	metrics.WebSocketClients.Set(float64(len(h.subs)))
}

// Publish queues ev for delivery. A full queue drops the event.
func (h *WSHub) Publish(_ context.Context, ev Event) error {
	select {
	case h.broadcast <- ev:
		count("ws", nil)
	default:
		metrics.EventsPublished.WithLabelValues("ws", "dropped").Inc()
	}
	return nil
}

// originChecker admits requests without an Origin header, origins listed in
// allowed, and origins whose host matches the request host.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] || set[origin] {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

// Serve upgrades the request and streams events matching sub until the
// client disconnects or the hub stops.
func (h *WSHub) Serve(w http.ResponseWriter, r *http.Request, sub Subscription) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		slog.Warn("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- &subscriber{conn: conn, sub: sub}:
	case <-h.done:
		conn.Close()
		return
	}

	// Reads only detect disconnects; clients have nothing to send.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
			}
			h.mu.Lock()
			_, ok := h.subs[conn]
			var err error
			if ok {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			}
			h.mu.Unlock()
			if !ok || err != nil {
				return
			}
		}
	}()
}
