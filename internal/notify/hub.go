package notify

import (
	"context"
	"sync"
	"time"
)

// DefaultWriteTimeout bounds how long one subscriber may hold up a broadcast.
const DefaultWriteTimeout = 2 * time.Second

// Conn is the part of *websocket.Conn the hub writes through.
type Conn interface {
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type subscriber struct {
	conn Conn
	mu   sync.Mutex
}

func (s *subscriber) send(e Event, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(e)
}

// Hub broadcasts events to connected websocket subscribers. A subscriber
// whose write fails or misses the write deadline is dropped, so a stalled
// client costs a broadcast at most WriteTimeout.
type Hub struct {
	WriteTimeout time.Duration

	mu   sync.RWMutex
	subs map[Conn]*subscriber
}

func NewHub() *Hub {
	return &Hub{WriteTimeout: DefaultWriteTimeout, subs: make(map[Conn]*subscriber)}
}

func (h *Hub) Add(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[conn] = &subscriber{conn: conn}
}

func (h *Hub) Remove(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[conn]; ok {
		delete(h.subs, conn)
		_ = conn.Close()
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Notify(_ context.Context, e Event) error {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	var dead []Conn
	for _, s := range subs {
		if err := s.send(e, h.WriteTimeout); err != nil {
			dead = append(dead, s.conn)
		}
	}
	for _, c := range dead {
		h.Remove(c)
	}
	return nil
}
