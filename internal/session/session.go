// Package session owns the connection registry: the registration handshake,
// connection classification, room membership, and presence broadcasts.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tohenk/node-appserver-sub000/internal/eventbus"
	"github.com/tohenk/node-appserver-sub000/internal/room"
	"github.com/tohenk/node-appserver-sub000/pkg/logx"
)

// Bus event types published on presence changes.
const (
	EventOnline  = "session.online"
	EventOffline = "session.offline"
)

// Type classifies a registered connection.
type Type int

const (
	Server Type = iota
	Listener
	Client
)

func (t Type) String() string {
	switch t {
	case Server:
		return "server"
	case Listener:
		return "listener"
	case Client:
		return "client"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// Socket is the subset of a transport connection the registry needs.
type Socket interface {
	room.Conn
	Close() error
}

// Payload is the registration message. Exactly one of SID, XID, or UID must
// be set.
type Payload struct {
	SID   string `json:"sid,omitempty"`
	XID   string `json:"xid,omitempty"`
	UID   string `json:"uid,omitempty"`
	Group string `json:"group,omitempty"`
}

// Record is one registered connection. Records are immutable after creation;
// removal is the only other mutation.
type Record struct {
	ID       string
	Type     Type
	Key      string
	Group    string
	JoinedAt time.Time
}

// Presence is one online client as reported by whos-online.
type Presence struct {
	UID  string    `json:"uid"`
	Time time.Time `json:"time"`
}

var (
	ErrBadServerKey = errors.New("server key mismatch")
	ErrBadPayload   = errors.New("registration requires exactly one of sid, xid, uid")
	ErrDuplicate    = errors.New("socket already registered")
)

// Registry tracks live connections from accept to disconnect.
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record
	socks   map[string]Socket
	pending map[string]*time.Timer

	hub       *room.Hub
	serverKey string
	timeout   time.Duration
	bus       eventbus.Bus
	log       logx.Logger
}

func NewRegistry(hub *room.Hub, serverKey string, timeout time.Duration, bus eventbus.Bus, log logx.Logger) *Registry {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		records:   make(map[string]*Record),
		socks:     make(map[string]Socket),
		pending:   make(map[string]*time.Timer),
		hub:       hub,
		serverKey: serverKey,
		timeout:   timeout,
		bus:       bus,
		log:       log.With(logx.String("component", "session")),
	}
}

// Track starts the registration window for a newly accepted socket. A socket
// that does not register before the window expires is force-closed and never
// acquires a record.
func (r *Registry) Track(sock Socket) {
	id := sock.ID()
	r.mu.Lock()
	r.pending[id] = time.AfterFunc(r.timeout, func() {
		r.mu.Lock()
		_, stillPending := r.pending[id]
		delete(r.pending, id)
		r.mu.Unlock()
		if stillPending {
			r.log.Info("registration timeout", logx.String("conn", id))
			_ = sock.Close()
		}
	})
	r.mu.Unlock()
}

// Register validates the payload, classifies the socket, joins its rooms,
// and broadcasts presence for clients. On failure the caller must close the
// socket; registration is not retried.
func (r *Registry) Register(sock Socket, p Payload) (*Record, error) {
	typ, key, err := classify(p)
	if err != nil {
		return nil, err
	}
	if typ == Server && key != r.serverKey {
		return nil, ErrBadServerKey
	}

	id := sock.ID()
	r.mu.Lock()
	if t, ok := r.pending[id]; ok {
		t.Stop()
		delete(r.pending, id)
	}
	if _, ok := r.records[id]; ok {
		r.mu.Unlock()
		return nil, ErrDuplicate
	}
	rec := &Record{ID: id, Type: typ, Key: key, Group: p.Group, JoinedAt: time.Now()}
	r.records[id] = rec
	r.socks[id] = sock
	r.mu.Unlock()

	switch typ {
	case Server:
		r.hub.Join(room.Name("server", rec.Group), sock)
	case Listener:
		r.hub.Join(room.Name("listener", rec.Group), sock)
	case Client:
		r.hub.Join(room.Name(rec.Key, rec.Group), sock)
		if rec.Group != "" {
			r.hub.Join(rec.Group, sock)
		}
		r.broadcastPresence("user-online", rec)
	}

	r.log.Info("connection registered",
		logx.String("conn", id),
		logx.String("type", typ.String()),
		logx.String("group", rec.Group))
	return rec, nil
}

// Lookup returns the record for a socket id, if registered.
func (r *Registry) Lookup(id string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Remove tears down a connection: cancels any pending registration window,
// leaves all rooms, broadcasts user-offline for clients, and deletes the
// record. It returns the removed record so the caller can fan the disconnect
// out to bridges.
func (r *Registry) Remove(id string) (*Record, bool) {
	r.mu.Lock()
	if t, ok := r.pending[id]; ok {
		t.Stop()
		delete(r.pending, id)
	}
	rec, ok := r.records[id]
	delete(r.records, id)
	delete(r.socks, id)
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	r.hub.LeaveAll(id)
	if rec.Type == Client {
		r.broadcastPresence("user-offline", rec)
	}
	r.log.Info("connection removed",
		logx.String("conn", id),
		logx.String("type", rec.Type.String()))
	return rec, true
}

// Online lists the distinct online client uids in the given group, with
// their join times.
func (r *Registry) Online(group string) []Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]time.Time)
	for _, rec := range r.records {
		if rec.Type != Client || rec.Group != group {
			continue
		}
		if at, ok := seen[rec.Key]; !ok || rec.JoinedAt.Before(at) {
			seen[rec.Key] = rec.JoinedAt
		}
	}
	out := make([]Presence, 0, len(seen))
	for uid, at := range seen {
		out = append(out, Presence{UID: uid, Time: at})
	}
	return out
}

// broadcastPresence emits a presence event to every registered socket in the
// record's group, or to every socket when the record is global, and mirrors
// it on the bus for in-process observers.
func (r *Registry) broadcastPresence(event string, rec *Record) {
	r.broadcast(rec.Group, event, rec.Key, rec.ID)
	if r.bus != nil {
		typ := EventOnline
		if event == "user-offline" {
			typ = EventOffline
		}
		r.bus.Publish(eventbus.Event{Type: typ, Data: map[string]string{
			"uid":   rec.Key,
			"group": rec.Group,
		}})
	}
}

// Broadcast emits an event to every registered socket in group, or to every
// socket when group is empty.
func (r *Registry) Broadcast(group, event string, data any) {
	r.broadcast(group, event, data, "")
}

func (r *Registry) broadcast(group, event string, data any, except string) {
	r.mu.Lock()
	targets := make([]Socket, 0, len(r.socks))
	for id, s := range r.socks {
		if id == except {
			continue
		}
		if group != "" && r.records[id].Group != group {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.Unlock()

	for _, s := range targets {
		if err := s.Emit(event, data); err != nil {
			r.log.Debug("broadcast emit failed",
				logx.String("event", event),
				logx.String("conn", s.ID()),
				logx.Err(err))
		}
	}
}

func classify(p Payload) (Type, string, error) {
	n := 0
	var typ Type
	var key string
	if p.SID != "" {
		n, typ, key = n+1, Server, p.SID
	}
	if p.XID != "" {
		n, typ, key = n+1, Listener, p.XID
	}
	if p.UID != "" {
		n, typ, key = n+1, Client, p.UID
	}
	if n != 1 {
		return 0, "", ErrBadPayload
	}
	return typ, key, nil
}
