package smsgw

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tohenk/node-appserver-sub000/internal/bridge"
	"github.com/tohenk/node-appserver-sub000/internal/command"
	"github.com/tohenk/node-appserver-sub000/internal/config"
	"github.com/tohenk/node-appserver-sub000/internal/consumer"
	"github.com/tohenk/node-appserver-sub000/internal/runtime/supervisor"
	"github.com/tohenk/node-appserver-sub000/internal/storage"
	"github.com/tohenk/node-appserver-sub000/pkg/logx"
	"github.com/tohenk/node-appserver-sub000/pkg/ntcodec"
)

// fakeGateway accepts one TCP client and records every protocol line.
type fakeGateway struct {
	ln    net.Listener
	lines chan string
	conns chan net.Conn

	// live is the accepted connection serving the bridge, captured once the
	// bridge dials in.
	live net.Conn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	g := &fakeGateway{ln: ln, lines: make(chan string, 32), conns: make(chan net.Conn, 4)}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			g.conns <- conn
			go func(c net.Conn) {
				sc := bufio.NewScanner(c)
				for sc.Scan() {
					g.lines <- sc.Text()
				}
			}(conn)
		}
	}()
	return g
}

func (g *fakeGateway) addr() string { return g.ln.Addr().String() }

func (g *fakeGateway) next(t *testing.T) string {
	t.Helper()
	select {
	case l := <-g.lines:
		return l
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a gateway line")
		return ""
	}
}

func (g *fakeGateway) none(t *testing.T) {
	t.Helper()
	select {
	case l := <-g.lines:
		t.Fatalf("unexpected gateway line: %q", l)
	case <-time.After(200 * time.Millisecond):
	}
}

func newTestBridge(t *testing.T, gw *fakeGateway, reportURL string) (*Bridge, storage.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "store.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	defs := map[string]config.CommandDef{}
	if reportURL != "" {
		defs["text-report"] = config.CommandDef{URL: reportURL}
	}

	sup := supervisor.New(context.Background(), supervisor.WithLogger(logx.Nop()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	})

	cfg := map[string]any{
		"gateways":   []map[string]any{{"name": "gw1", "addr": gw.addr()}},
		"eula":       "welcome aboard",
		"per_minute": 60000,
	}
	if reportURL != "" {
		cfg["report_command"] = "text-report"
	}
	raw, _ := json.Marshal(cfg)

	b := &Bridge{}
	err = b.Init(context.Background(), bridge.Deps{
		Log:      logx.Nop(),
		Store:    st,
		Commands: command.NewRunner(defs, logx.Nop()),
		Sup:      sup,
		DataDir:  dir,
		Config:   raw,
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	// Wait for the gateway link before queueing anything time-sensitive.
	select {
	case gw.live = <-gw.conns:
	case <-time.After(3 * time.Second):
		t.Fatal("bridge never connected")
	}
	return b, st
}

func TestInitRejectsBadConfig(t *testing.T) {
	sup := supervisor.New(context.Background())
	deps := bridge.Deps{Log: logx.Nop(), Sup: sup, DataDir: t.TempDir()}

	for _, raw := range []string{`{}`, `{"gateways":[],"bogus":1}`, `{"gateways":[{"name":"g"}]}`} {
		b := &Bridge{}
		deps.Config = json.RawMessage(raw)
		if err := b.Init(context.Background(), deps); err == nil {
			t.Fatalf("config %s accepted", raw)
		}
	}
}

func TestGatewayOrderFollowsPriority(t *testing.T) {
	sup := supervisor.New(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	}()

	b := &Bridge{}
	cfg := `{"gateways":[
		{"name":"slow","addr":"127.0.0.1:1","priority":9},
		{"name":"fast","addr":"127.0.0.1:1","priority":1},
		{"name":"mid","addr":"127.0.0.1:1","priority":5}]}`
	err := b.Init(context.Background(), bridge.Deps{
		Log:     logx.Nop(),
		Sup:     sup,
		DataDir: t.TempDir(),
		Config:  json.RawMessage(cfg),
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	want := []string{"fast", "mid", "slow"}
	if len(b.gateways) != len(want) {
		t.Fatalf("got %d gateways, want %d", len(b.gateways), len(want))
	}
	for i, name := range want {
		if b.gateways[i].name != name {
			t.Fatalf("gateway %d is %q, want %q", i, b.gateways[i].name, name)
		}
	}
}

func TestFirstContactSendsNotice(t *testing.T) {
	gw := newFakeGateway(t)
	b, st := newTestBridge(t, gw, "")

	b.messages.Enqueue(consumer.Message{Hash: "h1", Address: "+628111", Data: "hello"})

	notice := ntcodec.Split(gw.next(t))
	if len(notice) < 4 || notice[0] != cmdMessage || notice[3] != "welcome aboard" {
		t.Fatalf("notice line: %v", notice)
	}
	msg := ntcodec.Split(gw.next(t))
	if len(msg) < 4 || msg[1] != "h1" || msg[2] != "+628111" || msg[3] != "hello" {
		t.Fatalf("message line: %v", msg)
	}

	if _, ok, _ := st.GetConsent(context.Background(), "+628111"); !ok {
		t.Fatal("consent not recorded")
	}

	// Second message to the same address skips the notice.
	b.messages.Enqueue(consumer.Message{Hash: "h2", Address: "+628111", Data: "again"})
	msg = ntcodec.Split(gw.next(t))
	if msg[1] != "h2" {
		t.Fatalf("expected the message itself, got %v", msg)
	}
	gw.none(t)
}

func TestRetrySkipsConsentGate(t *testing.T) {
	gw := newFakeGateway(t)
	b, st := newTestBridge(t, gw, "")

	b.messages.Enqueue(consumer.Message{
		Hash: "h1", Address: "+620000", Data: "resend",
		Flags: consumer.Flags{"retry": 1},
	})

	msg := ntcodec.Split(gw.next(t))
	if msg[1] != "h1" || msg[3] != "resend" {
		t.Fatalf("message line: %v", msg)
	}
	gw.none(t)
	if _, ok, _ := st.GetConsent(context.Background(), "+620000"); ok {
		t.Fatal("resend recorded consent")
	}
}

func TestQuotedContentRoundTrips(t *testing.T) {
	gw := newFakeGateway(t)
	b, _ := newTestBridge(t, gw, "")

	text := `say "hello" (loudly)`
	b.messages.Enqueue(consumer.Message{
		Hash: "h1", Address: "+628111", Data: text,
		Flags: consumer.Flags{"retry": 1},
	})
	msg := ntcodec.Split(gw.next(t))
	if msg[3] != text {
		t.Fatalf("content mangled: %q", msg[3])
	}
}

func TestDeliveryAckInvokesReport(t *testing.T) {
	var hits atomic.Int32
	var gotBody atomic.Value
	rs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		b := make([]byte, 1024)
		n, _ := req.Body.Read(b)
		gotBody.Store(string(b[:n]))
		hits.Add(1)
	}))
	defer rs.Close()

	gw := newFakeGateway(t)
	b, _ := newTestBridge(t, gw, rs.URL)
	_ = b

	fmt.Fprintf(gw.live, "%s\r\n", ntcodec.Line(cmdDelivered, "h1", "OK"))

	deadline := time.Now().Add(3 * time.Second)
	for hits.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("report command never invoked")
		}
		time.Sleep(20 * time.Millisecond)
	}
	body, _ := gotBody.Load().(string)
	if body == "" {
		t.Fatal("report request had no body")
	}
}
