package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tohenk/node-appserver-sub000/internal/eventbus"
	"github.com/tohenk/node-appserver-sub000/internal/room"
	"github.com/tohenk/node-appserver-sub000/pkg/logx"
)

type fakeSocket struct {
	id     string
	closed atomic.Bool

	mu     sync.Mutex
	events []string
}

func (s *fakeSocket) ID() string { return s.id }

func (s *fakeSocket) Emit(event string, data any) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fakeSocket) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func newTestRegistry(timeout time.Duration) (*Registry, *room.Hub) {
	hub := room.NewHub(logx.Nop())
	return NewRegistry(hub, "s3cret", timeout, nil, logx.Nop()), hub
}

func TestClassify(t *testing.T) {
	cases := []struct {
		p    Payload
		typ  Type
		key  string
		fail bool
	}{
		{p: Payload{SID: "s3cret"}, typ: Server, key: "s3cret"},
		{p: Payload{XID: "x1"}, typ: Listener, key: "x1"},
		{p: Payload{UID: "u1"}, typ: Client, key: "u1"},
		{p: Payload{}, fail: true},
		{p: Payload{SID: "a", UID: "b"}, fail: true},
	}
	for i, c := range cases {
		typ, key, err := classify(c.p)
		if c.fail {
			if err == nil {
				t.Fatalf("case %d: expected error", i)
			}
			continue
		}
		if err != nil || typ != c.typ || key != c.key {
			t.Fatalf("case %d: got (%v,%q,%v)", i, typ, key, err)
		}
	}
}

func TestRegisterEchoesGroup(t *testing.T) {
	r, _ := newTestRegistry(0)
	rec, err := r.Register(&fakeSocket{id: "c1"}, Payload{UID: "u1", Group: "acme"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if rec.Group != "acme" || rec.Type != Client || rec.Key != "u1" {
		t.Fatalf("record: %+v", rec)
	}
	if rec.JoinedAt.IsZero() {
		t.Fatal("joinedAt not set")
	}

	rec2, err := r.Register(&fakeSocket{id: "c2"}, Payload{UID: "u2"})
	if err != nil {
		t.Fatalf("register global: %v", err)
	}
	if rec2.Group != "" {
		t.Fatalf("global record has group %q", rec2.Group)
	}
}

func TestRegisterServerKey(t *testing.T) {
	r, _ := newTestRegistry(0)
	if _, err := r.Register(&fakeSocket{id: "s1"}, Payload{SID: "wrong"}); err != ErrBadServerKey {
		t.Fatalf("expected key mismatch, got %v", err)
	}
	if _, err := r.Register(&fakeSocket{id: "s1"}, Payload{SID: "s3cret"}); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
}

func TestRegistrationTimeoutCloses(t *testing.T) {
	r, _ := newTestRegistry(20 * time.Millisecond)
	sock := &fakeSocket{id: "c1"}
	r.Track(sock)

	deadline := time.After(time.Second)
	for !sock.closed.Load() {
		select {
		case <-deadline:
			t.Fatal("socket not closed after timeout")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if _, ok := r.Lookup("c1"); ok {
		t.Fatal("timed-out socket acquired a record")
	}
}

func TestRegisterCancelsTimeout(t *testing.T) {
	r, _ := newTestRegistry(30 * time.Millisecond)
	sock := &fakeSocket{id: "c1"}
	r.Track(sock)
	if _, err := r.Register(sock, Payload{UID: "u1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if sock.closed.Load() {
		t.Fatal("registered socket was closed by the timeout")
	}
}

func TestClientRoomMembership(t *testing.T) {
	r, hub := newTestRegistry(0)
	sock := &fakeSocket{id: "c1"}
	if _, err := r.Register(sock, Payload{UID: "u1", Group: "acme"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	hub.Emit(room.Name("u1", "acme"), "notification", nil)
	hub.Emit("acme", "push", nil)
	hub.Emit(room.Name("u1", "globex"), "leak", nil)

	seen := sock.seen()
	if len(seen) != 2 || seen[0] != "notification" || seen[1] != "push" {
		t.Fatalf("events: %v", seen)
	}
}

func TestPresenceBroadcast(t *testing.T) {
	r, _ := newTestRegistry(0)
	server := &fakeSocket{id: "s1"}
	peer := &fakeSocket{id: "c1"}
	other := &fakeSocket{id: "c2"}
	if _, err := r.Register(server, Payload{SID: "s3cret", Group: "acme"}); err != nil {
		t.Fatalf("register server: %v", err)
	}
	if _, err := r.Register(peer, Payload{UID: "u1", Group: "acme"}); err != nil {
		t.Fatalf("register peer: %v", err)
	}
	if _, err := r.Register(other, Payload{UID: "u9", Group: "globex"}); err != nil {
		t.Fatalf("register other group: %v", err)
	}

	joiner := &fakeSocket{id: "c3"}
	if _, err := r.Register(joiner, Payload{UID: "u2", Group: "acme"}); err != nil {
		t.Fatalf("register joiner: %v", err)
	}

	for _, s := range []*fakeSocket{server, peer} {
		if got := s.seen(); len(got) == 0 || got[len(got)-1] != "user-online" {
			t.Fatalf("%s missed user-online: %v", s.id, got)
		}
	}
	for _, ev := range other.seen() {
		if ev == "user-online" {
			t.Fatal("presence leaked across groups")
		}
	}

	r.Remove("c3")
	if got := peer.seen(); got[len(got)-1] != "user-offline" {
		t.Fatalf("peer missed user-offline: %v", got)
	}
}

func TestPresenceMirroredOnBus(t *testing.T) {
	hub := room.NewHub(logx.Nop())
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	r := NewRegistry(hub, "s3cret", 0, bus, logx.Nop())

	if _, err := r.Register(&fakeSocket{id: "c1"}, Payload{UID: "u1", Group: "acme"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	e := <-events
	if e.Type != EventOnline {
		t.Fatalf("got %q, want %q", e.Type, EventOnline)
	}
	data, ok := e.Data.(map[string]string)
	if !ok || data["uid"] != "u1" || data["group"] != "acme" {
		t.Fatalf("unexpected event data: %#v", e.Data)
	}

	r.Remove("c1")
	if e := <-events; e.Type != EventOffline {
		t.Fatalf("got %q, want %q", e.Type, EventOffline)
	}
}

func TestRemoveDeletesRecord(t *testing.T) {
	r, hub := newTestRegistry(0)
	sock := &fakeSocket{id: "c1"}
	if _, err := r.Register(sock, Payload{UID: "u1", Group: "acme"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	rec, ok := r.Remove("c1")
	if !ok || rec.Key != "u1" {
		t.Fatalf("remove: ok=%v rec=%+v", ok, rec)
	}
	if _, ok := r.Lookup("c1"); ok {
		t.Fatal("record survived removal")
	}
	if m := hub.Members(room.Name("u1", "acme")); len(m) != 0 {
		t.Fatalf("room membership survived removal: %v", m)
	}
	if _, ok := r.Remove("c1"); ok {
		t.Fatal("second remove reported a record")
	}
}

func TestOnlineDistinctUIDs(t *testing.T) {
	r, _ := newTestRegistry(0)
	for i, p := range []Payload{
		{UID: "u1", Group: "acme"},
		{UID: "u1", Group: "acme"},
		{UID: "u2", Group: "acme"},
		{UID: "u3", Group: "globex"},
	} {
		id := string(rune('a' + i))
		if _, err := r.Register(&fakeSocket{id: id}, p); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}
	online := r.Online("acme")
	if len(online) != 2 {
		t.Fatalf("online: %+v", online)
	}
	uids := map[string]bool{}
	for _, p := range online {
		uids[p.UID] = true
	}
	if !uids["u1"] || !uids["u2"] {
		t.Fatalf("online uids: %+v", online)
	}
}
