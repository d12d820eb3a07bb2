// Package hub maintains the subscriber registry for real-time event
// broadcasting: one subscriber set per battle plus a global set for
// queue-level updates, over persistent WebSocket connections.
//
// Delivery rules: events for one key reach that key's subscribers in
// publish order; a slow or dead subscriber never blocks the others — its
// buffer fills and it is dropped and disconnected.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soundclash/battle-engine/internal/metrics"
)

// KeyQueue is the subscription key for queue-level updates.
const KeyQueue = "queue"

// BattleKey returns the subscription key for one battle's event stream.
func BattleKey(battleID string) string {
	return "battle:" + battleID
}

// ParseBattleKey extracts the battle id from a battle subscription key.
func ParseBattleKey(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, "battle:")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

const (
	// sendBuffer is the per-subscriber outbound queue. Overflow means the
	// consumer cannot keep up and it is disconnected.
	sendBuffer = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// SnapshotFunc builds the synthetic current-state event a new subscriber
// receives on connect. Returning nil skips the snapshot.
type SnapshotFunc func(ctx context.Context, key string) *Event

// Hub is the owned subscriber registry. No ambient state: all connection
// maps live here behind the mutex.
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]map[*subscriber]struct{}
	snapshot SnapshotFunc
	closed   bool
}

type subscriber struct {
	key  string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// New creates a hub. snapshot may be nil.
func New(snapshot SnapshotFunc) *Hub {
	return &Hub{
		subs:     make(map[string]map[*subscriber]struct{}),
		snapshot: snapshot,
	}
}

// Publish serializes ev once and writes it to every live subscriber of key.
// Writes are non-blocking: a subscriber with a full buffer is dropped.
func (h *Hub) Publish(key string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("hub: marshal event", "type", ev.Type, "err", err)
		return
	}

	var overflowed []*subscriber

	h.mu.RLock()
	for sub := range h.subs[key] {
		select {
		case sub.send <- data:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range overflowed {
		slog.Warn("hub: subscriber overflow, dropping", "key", key)
		h.drop(sub)
	}
}

// SubscriberCount returns the number of live subscribers for key.
func (h *Hub) SubscriberCount(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[key])
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // origin policy is enforced at the edge
	},
}

// Serve upgrades the request to a WebSocket subscribed to key, sends the
// snapshot, and runs the read/write pumps until the connection dies.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, key string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("hub: ws upgrade failed", "key", key, "err", err)
		return
	}

	sub := &subscriber{key: key, conn: conn, send: make(chan []byte, sendBuffer)}

	// Build the snapshot before registering so it can be enqueued under
	// the registration lock, guaranteeing it precedes any later delta.
	var snapshot []byte
	if h.snapshot != nil {
		if ev := h.snapshot(r.Context(), key); ev != nil {
			snapshot, _ = json.Marshal(ev)
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	if snapshot != nil {
		sub.send <- snapshot
	}
	set, ok := h.subs[key]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[key] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	metrics.WebSocketClients.Inc()
	slog.Info("hub: subscriber connected", "key", key)

	go sub.writePump(h)
	go sub.readPump(h)
}

// Close disconnects every subscriber. Publish after Close is a no-op.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*subscriber
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.subs = make(map[string]map[*subscriber]struct{})
	h.mu.Unlock()

	metrics.WebSocketClients.Sub(float64(len(all)))
	for _, sub := range all {
		sub.close()
	}
}

// drop removes a subscriber from the registry and closes it.
func (h *Hub) drop(sub *subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[sub.key]; ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, sub.key)
			}
			metrics.WebSocketClients.Dec()
		}
	}
	h.mu.Unlock()

	sub.close()
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.send)
		s.conn.Close()
	})
}

// writePump drains the send channel onto the wire and keeps the connection
// alive with pings. Any write failure tears the subscriber down.
func (s *subscriber) writePump(h *Hub) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				s.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.drop(s)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(s)
				return
			}
		}
	}
}

// readPump detects disconnects and services pong liveness.
func (s *subscriber) readPump(h *Hub) {
	defer h.drop(s)

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
