// Package room tracks named broadcast rooms and fans events out to their
// members. Broadcasts are best-effort, at-most-once.
package room

import (
	"sync"

	"github.com/tohenk/node-appserver-sub000/pkg/logx"
)

// Conn is the subset of a socket connection the hub needs.
type Conn interface {
	ID() string
	Emit(event string, data any) error
}

// Name scopes a base room name to a group. An empty group leaves the name
// global.
func Name(base, group string) string {
	if group == "" {
		return base
	}
	return group + "-" + base
}

// Hub is the room membership table. All methods are safe for concurrent use.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Conn
	log   logx.Logger
}

func NewHub(log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{
		rooms: make(map[string]map[string]Conn),
		log:   log.With(logx.String("component", "room")),
	}
}

func (h *Hub) Join(room string, c Conn) {
	if room == "" || c == nil {
		return
	}
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]Conn)
		h.rooms[room] = members
	}
	members[c.ID()] = c
	h.mu.Unlock()
}

func (h *Hub) Leave(room string, id string) {
	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
}

// LeaveAll removes the connection from every room it joined.
func (h *Hub) LeaveAll(id string) {
	h.mu.Lock()
	for room, members := range h.rooms {
		delete(members, id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
}

// Members returns the ids currently joined to room.
func (h *Hub) Members(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := h.rooms[room]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

// Emit sends an event to every member of room. Send failures are logged and
// do not stop the fan-out.
func (h *Hub) Emit(room, event string, data any) {
	for _, c := range h.snapshot(room) {
		if err := c.Emit(event, data); err != nil {
			h.log.Debug("room emit failed",
				logx.String("room", room),
				logx.String("event", event),
				logx.String("conn", c.ID()),
				logx.Err(err))
		}
	}
}

// EmitExcept behaves like Emit but skips one connection, typically the
// sender.
func (h *Hub) EmitExcept(room, event string, data any, except string) {
	for _, c := range h.snapshot(room) {
		if c.ID() == except {
			continue
		}
		if err := c.Emit(event, data); err != nil {
			h.log.Debug("room emit failed",
				logx.String("room", room),
				logx.String("event", event),
				logx.String("conn", c.ID()),
				logx.Err(err))
		}
	}
}

func (h *Hub) snapshot(room string) []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := h.rooms[room]
	out := make([]Conn, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}
