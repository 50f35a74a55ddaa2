package room

import (
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/tohenk/node-appserver-sub000/pkg/logx"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []string
	fail   bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Emit(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("send failed")
	}
	c.events = append(c.events, event)
	return nil
}

func (c *fakeConn) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func TestName(t *testing.T) {
	if got := Name("user-1", "acme"); got != "acme-user-1" {
		t.Fatalf("grouped name: %q", got)
	}
	if got := Name("user-1", ""); got != "user-1" {
		t.Fatalf("global name: %q", got)
	}
}

func TestEmitReachesMembersOnly(t *testing.T) {
	h := NewHub(logx.Nop())
	in := &fakeConn{id: "a"}
	out := &fakeConn{id: "b"}
	h.Join("acme-server", in)
	h.Join("other-server", out)

	h.Emit("acme-server", "notification", map[string]any{"x": 1})

	if got := in.seen(); len(got) != 1 || got[0] != "notification" {
		t.Fatalf("member events: %v", got)
	}
	if got := out.seen(); len(got) != 0 {
		t.Fatalf("non-member received events: %v", got)
	}
}

func TestGroupIsolation(t *testing.T) {
	h := NewHub(logx.Nop())
	acme := &fakeConn{id: "a"}
	globex := &fakeConn{id: "b"}
	h.Join(Name("u1", "acme"), acme)
	h.Join(Name("u1", "globex"), globex)

	h.Emit(Name("u1", "acme"), "message", nil)

	if len(acme.seen()) != 1 {
		t.Fatal("same-group member missed the event")
	}
	if len(globex.seen()) != 0 {
		t.Fatal("identical uid leaked across groups")
	}
}

func TestLeaveAll(t *testing.T) {
	h := NewHub(logx.Nop())
	c := &fakeConn{id: "a"}
	h.Join("r1", c)
	h.Join("r2", c)
	h.LeaveAll("a")

	h.Emit("r1", "e", nil)
	h.Emit("r2", "e", nil)
	if len(c.seen()) != 0 {
		t.Fatalf("events after leave: %v", c.seen())
	}
	if m := h.Members("r1"); len(m) != 0 {
		t.Fatalf("stale members: %v", m)
	}
}

func TestEmitExcept(t *testing.T) {
	h := NewHub(logx.Nop())
	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}
	h.Join("r", a)
	h.Join("r", b)

	h.EmitExcept("r", "e", nil, "a")
	if len(a.seen()) != 0 || len(b.seen()) != 1 {
		t.Fatalf("except not honored: a=%v b=%v", a.seen(), b.seen())
	}
}

func TestEmitSurvivesFailingMember(t *testing.T) {
	h := NewHub(logx.Nop())
	bad := &fakeConn{id: "a", fail: true}
	good := &fakeConn{id: "b"}
	h.Join("r", bad)
	h.Join("r", good)

	h.Emit("r", "e", nil)
	if len(good.seen()) != 1 {
		t.Fatal("fan-out stopped at failing member")
	}
}

func TestMembers(t *testing.T) {
	h := NewHub(logx.Nop())
	h.Join("r", &fakeConn{id: "b"})
	h.Join("r", &fakeConn{id: "a"})
	m := h.Members("r")
	sort.Strings(m)
	if len(m) != 2 || m[0] != "a" || m[1] != "b" {
		t.Fatalf("members: %v", m)
	}
}
