package bridge

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tohenk/node-appserver-sub000/internal/config"
	"github.com/tohenk/node-appserver-sub000/internal/session"
	"github.com/tohenk/node-appserver-sub000/pkg/logx"
)

// Host loads configured bridges and fans connection lifecycle events out to
// them. A bridge that fails to construct or initialize is logged and
// skipped; the rest load regardless.
type Host struct {
	log logx.Logger

	mu      sync.RWMutex
	bridges []Bridge
}

func NewHost(log logx.Logger) *Host {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Host{log: log.With(logx.String("component", "bridge"))}
}

// Load instantiates every enabled bridge in deterministic (name) order.
// deps.Config is replaced per bridge with its own configuration block.
func (h *Host) Load(ctx context.Context, factories map[string]Factory, cfgs map[string]config.BridgeConfigRaw, deps Deps) {
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg := cfgs[name]
		if !cfg.Enabled {
			continue
		}
		factory, ok := factories[name]
		if !ok {
			h.log.Warn("unknown bridge in config", logx.String("bridge", name))
			continue
		}
		b, err := construct(factory)
		if err != nil {
			h.log.Error("bridge construction failed",
				logx.String("bridge", name), logx.Err(err))
			continue
		}
		bdeps := deps
		bdeps.Config = cfg.Config
		bdeps.Log = deps.Log.With(logx.String("bridge", name))
		if err := safeCall(name, func() error { return b.Init(ctx, bdeps) }); err != nil {
			h.log.Error("bridge init failed",
				logx.String("bridge", name), logx.Err(err))
			continue
		}
		h.mu.Lock()
		h.bridges = append(h.bridges, b)
		h.mu.Unlock()
		h.log.Info("bridge loaded", logx.String("bridge", name))
	}
}

func (h *Host) loaded() []Bridge {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Bridge(nil), h.bridges...)
}

// Len reports the number of loaded bridges.
func (h *Host) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bridges)
}

// HandleServer fans a newly registered server-classified socket out to every
// bridge. A panicking bridge does not stop the fan-out.
func (h *Host) HandleServer(c Conn, rec *session.Record) {
	for _, b := range h.loaded() {
		name := b.Name()
		if err := safeCall(name, func() error { b.HandleServer(c, rec); return nil }); err != nil {
			h.log.Error("bridge handleServer failed",
				logx.String("bridge", name), logx.Err(err))
		}
	}
}

// HandleClient fans a newly registered client-classified socket out to every
// bridge.
func (h *Host) HandleClient(c Conn, rec *session.Record) {
	for _, b := range h.loaded() {
		name := b.Name()
		if err := safeCall(name, func() error { b.HandleClient(c, rec); return nil }); err != nil {
			h.log.Error("bridge handleClient failed",
				logx.String("bridge", name), logx.Err(err))
		}
	}
}

// Disconnect fans a disconnect out to every bridge so it can release
// per-connection state.
func (h *Host) Disconnect(c Conn, rec *session.Record) {
	for _, b := range h.loaded() {
		name := b.Name()
		if err := safeCall(name, func() error { b.Disconnect(c, rec); return nil }); err != nil {
			h.log.Error("bridge disconnect failed",
				logx.String("bridge", name), logx.Err(err))
		}
	}
}

// Finalize gives every bridge its shutdown call. Queues flush their
// snapshots here.
func (h *Host) Finalize(ctx context.Context) {
	for _, b := range h.loaded() {
		name := b.Name()
		if err := safeCall(name, func() error { b.Finalize(ctx); return nil }); err != nil {
			h.log.Error("bridge finalize failed",
				logx.String("bridge", name), logx.Err(err))
		}
	}
}

func construct(f Factory) (b Bridge, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory panicked: %v", r)
		}
	}()
	b = f()
	if b == nil {
		return nil, fmt.Errorf("factory returned nil")
	}
	return b, nil
}

func safeCall(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bridge %s panicked: %v", name, r)
		}
	}()
	return fn()
}
