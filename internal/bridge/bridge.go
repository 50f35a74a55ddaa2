// Package bridge defines the outbound-channel plugin contract and the host
// that wires bridges into the connection lifecycle.
package bridge

import (
	"context"
	"encoding/json"

	"github.com/robfig/cron/v3"

	"github.com/tohenk/node-appserver-sub000/internal/command"
	"github.com/tohenk/node-appserver-sub000/internal/eventbus"
	"github.com/tohenk/node-appserver-sub000/internal/runtime/supervisor"
	"github.com/tohenk/node-appserver-sub000/internal/session"
	"github.com/tohenk/node-appserver-sub000/internal/storage"
	"github.com/tohenk/node-appserver-sub000/pkg/logx"
)

// Conn is the subset of a socket connection exposed to bridges. Handlers
// attached with On run in transport delivery order after the base protocol's
// own handlers.
type Conn interface {
	ID() string
	On(event string, h func(data json.RawMessage))
	Emit(event string, data any) error
}

// Deps is everything a bridge may need from the host. Config is the bridge's
// raw configuration block; each bridge decodes its own shape.
type Deps struct {
	Log      logx.Logger
	Bus      eventbus.Bus
	Store    storage.Store
	Commands *command.Runner
	Sup      *supervisor.Supervisor
	Cron     *cron.Cron
	DataDir  string
	Config   json.RawMessage
}

// Bridge is one outbound delivery channel plugin.
type Bridge interface {
	Name() string
	Init(ctx context.Context, deps Deps) error
	HandleServer(c Conn, rec *session.Record)
	HandleClient(c Conn, rec *session.Record)
	Disconnect(c Conn, rec *session.Record)
	Finalize(ctx context.Context)
}

// Factory constructs a bridge instance. Selected by config key; no
// reflection.
type Factory func() Bridge

// Base provides no-op lifecycle hooks for embedding.
type Base struct{}

func (Base) Init(ctx context.Context, deps Deps) error { return nil }
func (Base) HandleServer(c Conn, rec *session.Record)  {}
func (Base) HandleClient(c Conn, rec *session.Record)  {}
func (Base) Disconnect(c Conn, rec *session.Record)    {}
func (Base) Finalize(ctx context.Context)              {}
