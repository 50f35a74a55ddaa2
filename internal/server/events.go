package server

import (
	"encoding/json"

	"github.com/tohenk/node-appserver-sub000/internal/bridge"
	"github.com/tohenk/node-appserver-sub000/internal/command"
	"github.com/tohenk/node-appserver-sub000/internal/queue"
	"github.com/tohenk/node-appserver-sub000/internal/room"
	"github.com/tohenk/node-appserver-sub000/internal/session"
	"github.com/tohenk/node-appserver-sub000/pkg/logx"
)

// Reserved command names. The data event resolves its command from the
// payload id instead.
const (
	CmdEmailSender    = "email-sender"
	CmdSigninNotifier = "signin-notifier"
)

// Broker binds the socket protocol to the registry, the room hub, the
// bridge host, and the notification queue.
type Broker struct {
	registry *session.Registry
	hub      *room.Hub
	host     *bridge.Host
	commands *command.Runner
	notify   *queue.Queue[command.Invocation]
	log      logx.Logger
}

func NewBroker(registry *session.Registry, hub *room.Hub, host *bridge.Host,
	commands *command.Runner, notify *queue.Queue[command.Invocation], log logx.Logger) *Broker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Broker{
		registry: registry,
		hub:      hub,
		host:     host,
		commands: commands,
		notify:   notify,
		log:      log.With(logx.String("component", "broker")),
	}
}

// Bind attaches the protocol handlers and starts the registration window.
func (b *Broker) Bind(c *Conn) {
	b.registry.Track(c)

	c.On("register", func(data json.RawMessage) { b.onRegister(c, data) })

	b.onTyped(c, session.Server, "whos-online", b.onWhosOnline)
	b.onTyped(c, session.Server, "notification", b.onNotification)
	b.onTyped(c, session.Server, "push-notification", b.onPushNotification)
	b.onTyped(c, session.Server, "message", b.onMessage)
	b.onTyped(c, session.Server, "deliver-email", b.onDeliverEmail)
	b.onTyped(c, session.Server, "user-signin", b.signinHandler("SIGNIN"))
	b.onTyped(c, session.Server, "user-signout", b.signinHandler("SIGNOUT"))
	b.onTyped(c, session.Server, "data", b.onData)

	b.onTyped(c, session.Client, "notification-read", b.reEmit("notification-read"))
	b.onTyped(c, session.Client, "message-sent", b.reEmit("message-sent"))
}

// onTyped registers a handler that only fires for sockets registered with
// the given classification. Events from other sockets are dropped.
func (b *Broker) onTyped(c *Conn, typ session.Type, event string, fn func(c *Conn, rec *session.Record, data json.RawMessage)) {
	c.On(event, func(data json.RawMessage) {
		rec, ok := b.registry.Lookup(c.ID())
		if !ok || rec.Type != typ {
			b.log.Debug("event dropped",
				logx.String("event", event),
				logx.String("conn", c.ID()))
			return
		}
		fn(c, rec, data)
	})
}

func (b *Broker) onRegister(c *Conn, data json.RawMessage) {
	var p session.Payload
	if err := json.Unmarshal(data, &p); err != nil {
		b.log.Warn("malformed registration",
			logx.String("conn", c.ID()), logx.Err(err))
		_ = c.Close()
		return
	}
	rec, err := b.registry.Register(c, p)
	if err != nil {
		b.log.Warn("registration rejected",
			logx.String("conn", c.ID()), logx.Err(err))
		_ = c.Close()
		return
	}
	switch rec.Type {
	case session.Server:
		b.host.HandleServer(c, rec)
	case session.Client:
		b.host.HandleClient(c, rec)
	}
}

// onDisconnect is installed as the connection close hook.
func (b *Broker) onDisconnect(c *Conn) {
	rec, ok := b.registry.Remove(c.ID())
	if !ok {
		return
	}
	b.host.Disconnect(c, rec)
}

func (b *Broker) onWhosOnline(c *Conn, rec *session.Record, _ json.RawMessage) {
	if err := c.Emit("whos-online", b.registry.Online(rec.Group)); err != nil {
		b.log.Debug("whos-online emit failed", logx.Err(err))
	}
}

func (b *Broker) onNotification(c *Conn, rec *session.Record, data json.RawMessage) {
	var p struct {
		UID string `json:"uid"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.UID == "" {
		b.log.Debug("malformed notification", logx.Err(err))
		return
	}
	b.hub.Emit(room.Name(p.UID, rec.Group), "notification", data)
}

func (b *Broker) onPushNotification(c *Conn, rec *session.Record, data json.RawMessage) {
	var p struct {
		Name string          `json:"name"`
		Data json.RawMessage `json:"data,omitempty"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Name == "" {
		b.log.Debug("malformed push-notification", logx.Err(err))
		return
	}
	if rec.Group != "" {
		b.hub.Emit(rec.Group, p.Name, p.Data)
		return
	}
	b.registry.Broadcast("", p.Name, p.Data)
}

func (b *Broker) onMessage(c *Conn, rec *session.Record, data json.RawMessage) {
	var p struct {
		UID string `json:"uid"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.UID == "" {
		b.log.Debug("malformed message event", logx.Err(err))
		return
	}
	b.hub.Emit(room.Name(p.UID, rec.Group), "message", nil)
}

func (b *Broker) onDeliverEmail(c *Conn, rec *session.Record, data json.RawMessage) {
	b.invoke(CmdEmailSender, string(data))
}

// signinHandler folds the action verb into the payload before invoking the
// signin notifier.
func (b *Broker) signinHandler(action string) func(c *Conn, rec *session.Record, data json.RawMessage) {
	return func(c *Conn, rec *session.Record, data json.RawMessage) {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			b.log.Debug("malformed signin event", logx.Err(err))
			return
		}
		if m == nil {
			m = map[string]any{}
		}
		m["action"] = action
		payload, err := json.Marshal(m)
		if err != nil {
			b.log.Debug("signin payload marshal failed", logx.Err(err))
			return
		}
		b.invoke(CmdSigninNotifier, string(payload))
	}
}

// onData invokes the command named by the payload id and fans the raw
// payload out to the listener room.
func (b *Broker) onData(c *Conn, rec *session.Record, data json.RawMessage) {
	var p struct {
		ID     string          `json:"id"`
		Params json.RawMessage `json:"params,omitempty"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.ID == "" {
		b.log.Debug("malformed data event", logx.Err(err))
		return
	}
	b.invoke(p.ID, string(p.Params))
	b.hub.Emit(room.Name("listener", rec.Group), "data", data)
}

func (b *Broker) reEmit(event string) func(c *Conn, rec *session.Record, data json.RawMessage) {
	return func(c *Conn, rec *session.Record, data json.RawMessage) {
		var p struct {
			UID string `json:"uid"`
		}
		if err := json.Unmarshal(data, &p); err != nil || p.UID == "" {
			b.log.Debug("malformed client event",
				logx.String("event", event), logx.Err(err))
			return
		}
		b.hub.Emit(room.Name(p.UID, rec.Group), event, data)
	}
}

func (b *Broker) invoke(name, data string) {
	if !b.commands.Has(name) {
		b.log.Warn("command not configured", logx.String("command", name))
		return
	}
	b.notify.Enqueue(command.Invocation{Command: name, Data: data})
}
