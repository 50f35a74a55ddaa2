package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/tohenk/node-appserver-sub000/internal/config"
	"github.com/tohenk/node-appserver-sub000/internal/session"
	"github.com/tohenk/node-appserver-sub000/pkg/logx"
)

type testBridge struct {
	Base
	name    string
	initErr error
	panicky bool

	initConfig json.RawMessage
	servers    int
	clients    int
	gones      int
	finalized  bool
}

func (b *testBridge) Name() string { return b.name }

func (b *testBridge) Init(ctx context.Context, deps Deps) error {
	if b.panicky {
		panic("boom")
	}
	b.initConfig = deps.Config
	return b.initErr
}

func (b *testBridge) HandleServer(c Conn, rec *session.Record) { b.servers++ }
func (b *testBridge) HandleClient(c Conn, rec *session.Record) { b.clients++ }
func (b *testBridge) Disconnect(c Conn, rec *session.Record)   { b.gones++ }
func (b *testBridge) Finalize(ctx context.Context)             { b.finalized = true }

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestLoadSkipsFailures(t *testing.T) {
	ok := &testBridge{name: "ok"}
	bad := &testBridge{name: "bad", initErr: errors.New("no dice")}
	angry := &testBridge{name: "angry", panicky: true}

	h := NewHost(logx.Nop())
	h.Load(context.Background(), map[string]Factory{
		"ok":    func() Bridge { return ok },
		"bad":   func() Bridge { return bad },
		"angry": func() Bridge { return angry },
	}, map[string]config.BridgeConfigRaw{
		"ok":    {Enabled: true, Config: raw(`{"x":1}`)},
		"bad":   {Enabled: true},
		"angry": {Enabled: true},
		"off":   {Enabled: false},
	}, Deps{Log: logx.Nop()})

	if h.Len() != 1 {
		t.Fatalf("loaded %d bridges, want 1", h.Len())
	}
	if string(ok.initConfig) != `{"x":1}` {
		t.Fatalf("bridge config not threaded: %s", ok.initConfig)
	}
}

func TestLoadUnknownBridge(t *testing.T) {
	h := NewHost(logx.Nop())
	h.Load(context.Background(), map[string]Factory{},
		map[string]config.BridgeConfigRaw{"mystery": {Enabled: true}}, Deps{Log: logx.Nop()})
	if h.Len() != 0 {
		t.Fatal("unknown bridge loaded")
	}
}

func TestFanout(t *testing.T) {
	a := &testBridge{name: "a"}
	b := &testBridge{name: "b"}
	h := NewHost(logx.Nop())
	h.Load(context.Background(), map[string]Factory{
		"a": func() Bridge { return a },
		"b": func() Bridge { return b },
	}, map[string]config.BridgeConfigRaw{
		"a": {Enabled: true},
		"b": {Enabled: true},
	}, Deps{Log: logx.Nop()})

	rec := &session.Record{ID: "c1", Type: session.Server}
	h.HandleServer(nil, rec)
	h.HandleClient(nil, rec)
	h.Disconnect(nil, rec)
	h.Finalize(context.Background())

	for _, tb := range []*testBridge{a, b} {
		if tb.servers != 1 || tb.clients != 1 || tb.gones != 1 || !tb.finalized {
			t.Fatalf("bridge %s missed fan-out: %+v", tb.name, tb)
		}
	}
}

func TestFanoutSurvivesPanic(t *testing.T) {
	angry := &panicOnServer{testBridge{name: "angry"}}
	calm := &testBridge{name: "calm"}
	h := NewHost(logx.Nop())
	h.Load(context.Background(), map[string]Factory{
		"angry": func() Bridge { return angry },
		"calm":  func() Bridge { return calm },
	}, map[string]config.BridgeConfigRaw{
		"angry": {Enabled: true},
		"calm":  {Enabled: true},
	}, Deps{Log: logx.Nop()})

	h.HandleServer(nil, &session.Record{ID: "c1"})
	if calm.servers != 1 {
		t.Fatal("panicking bridge stopped the fan-out")
	}
}

type panicOnServer struct{ testBridge }

func (b *panicOnServer) HandleServer(c Conn, rec *session.Record) { panic("boom") }
