package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tohenk/node-appserver-sub000/pkg/logx"
)

type fakeConsumer struct {
	id        string
	connected bool
	accept    bool
	err       error

	handleCalls  int
	consumeCalls int
}

func (f *fakeConsumer) ID() string      { return f.id }
func (f *fakeConsumer) Connected() bool { return f.connected }

func (f *fakeConsumer) CanHandle(msg Message) bool {
	f.handleCalls++
	if !f.connected {
		return false
	}
	if msg.Consumer != "" && msg.Consumer != f.id {
		return false
	}
	return true
}

func (f *fakeConsumer) CanConsume(ctx context.Context, msg Message, flags Flags) (bool, error) {
	f.consumeCalls++
	if f.err != nil {
		return false, f.err
	}
	return f.accept, nil
}

func TestConsumeCommitsFirstAcceptance(t *testing.T) {
	x := &fakeConsumer{id: "x", connected: false}
	y := &fakeConsumer{id: "y", connected: true, accept: false}
	z := &fakeConsumer{id: "z", connected: true, accept: true}

	s := NewSelector(logx.Nop())
	s.Add(x, y, z)

	err := s.Consume(context.Background(), Message{Hash: "h1", Address: "+62"}, nil)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if x.consumeCalls != 0 {
		t.Fatalf("disconnected consumer was offered the message")
	}
	if y.consumeCalls != 1 || z.consumeCalls != 1 {
		t.Fatalf("expected y then z to be tried, got y=%d z=%d", y.consumeCalls, z.consumeCalls)
	}
}

func TestConsumeRegistrationOrder(t *testing.T) {
	var order []string
	mk := func(id string, accept bool) *orderedConsumer {
		return &orderedConsumer{fakeConsumer{id: id, connected: true, accept: accept}, &order}
	}
	a, b, c := mk("a", false), mk("b", true), mk("c", true)

	s := NewSelector(logx.Nop())
	s.Add(a, b, c)
	if err := s.Consume(context.Background(), Message{Hash: "h"}, nil); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("unexpected offer order %v", order)
	}
	if c.consumeCalls != 0 {
		t.Fatalf("selection did not stop at first acceptance")
	}
}

type orderedConsumer struct {
	fakeConsumer
	order *[]string
}

func (o *orderedConsumer) CanConsume(ctx context.Context, msg Message, flags Flags) (bool, error) {
	*o.order = append(*o.order, o.id)
	return o.fakeConsumer.CanConsume(ctx, msg, flags)
}

func TestConsumeErrorAborts(t *testing.T) {
	boom := errors.New("gateway down")
	y := &fakeConsumer{id: "y", connected: true, err: boom}
	z := &fakeConsumer{id: "z", connected: true, accept: true}

	s := NewSelector(logx.Nop())
	s.Add(y, z)

	err := s.Consume(context.Background(), Message{Hash: "h"}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected abort error, got %v", err)
	}
	if z.consumeCalls != 0 {
		t.Fatalf("later consumer was tried after an abort")
	}
}

func TestConsumeUnhandled(t *testing.T) {
	s := NewSelector(logx.Nop())
	s.Add(&fakeConsumer{id: "y", connected: true, accept: false})

	err := s.Consume(context.Background(), Message{Hash: "h", Address: "+62"}, nil)
	var uerr *UnhandledError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected unhandled error, got %v", err)
	}
	if uerr.Msg.Hash != "h" {
		t.Fatalf("unhandled error lost the message: %+v", uerr.Msg)
	}
}

func TestConsumePinnedToConsumer(t *testing.T) {
	y := &fakeConsumer{id: "y", connected: true, accept: true}
	z := &fakeConsumer{id: "z", connected: true, accept: true}

	s := NewSelector(logx.Nop())
	s.Add(y, z)

	msg := Message{Hash: "h", Consumer: "z"}
	if err := s.Consume(context.Background(), msg, nil); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if y.consumeCalls != 0 || z.consumeCalls != 1 {
		t.Fatalf("pinned message leaked to other consumers: y=%d z=%d", y.consumeCalls, z.consumeCalls)
	}
}

func TestAnyConnected(t *testing.T) {
	s := NewSelector(logx.Nop())
	c := &fakeConsumer{id: "y"}
	s.Add(c)
	if s.AnyConnected() {
		t.Fatal("no consumer is connected")
	}
	c.connected = true
	if !s.AnyConnected() {
		t.Fatal("connected consumer not reported")
	}
}

func TestFlags(t *testing.T) {
	if (Flags{"retry": 2}).Retry() != 2 {
		t.Fatal("int retry")
	}
	if (Flags{"retry": float64(3)}).Retry() != 3 {
		t.Fatal("json-decoded retry")
	}
	if (Flags)(nil).Retry() != 0 || (Flags)(nil).Broadcast() {
		t.Fatal("nil flags defaults")
	}
	f := Flags{"broadcast": true}.WithRetry(1)
	if !f.Broadcast() || f.Retry() != 1 {
		t.Fatalf("WithRetry lost fields: %v", f)
	}
}

func TestFingerprintStable(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	a := Fingerprint("+62", "hello", at)
	b := Fingerprint("+62", "hello", at)
	if a != b || len(a) != 16 {
		t.Fatalf("fingerprint unstable: %q %q", a, b)
	}
	if a == Fingerprint("+62", "hello", at.Add(time.Millisecond)) {
		t.Fatal("time not mixed into fingerprint")
	}
}
