// Package smsgw bridges outbound notifications to legacy SMS gateways over
// a line-oriented TCP protocol.
package smsgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/tohenk/node-appserver-sub000/internal/bridge"
	"github.com/tohenk/node-appserver-sub000/internal/command"
	"github.com/tohenk/node-appserver-sub000/internal/consumer"
	"github.com/tohenk/node-appserver-sub000/internal/queue"
	"github.com/tohenk/node-appserver-sub000/internal/runtime/supervisor"
	"github.com/tohenk/node-appserver-sub000/internal/session"
	"github.com/tohenk/node-appserver-sub000/internal/storage"
	"github.com/tohenk/node-appserver-sub000/pkg/logx"
)

// GatewayConfig is one upstream SMS gateway.
type GatewayConfig struct {
	Name     string `json:"name"`
	Addr     string `json:"addr"`
	Priority int    `json:"priority,omitempty"`
}

// Config is the bridge configuration block.
type Config struct {
	Gateways []GatewayConfig `json:"gateways"`
	// EULA is the first-contact notice sent once per address before the
	// first message. Empty disables the consent gate.
	EULA string `json:"eula,omitempty"`
	// PerMinute caps sends per gateway. Default 60.
	PerMinute int `json:"per_minute,omitempty"`
	// MaxRetries bounds the retry counter carried in message flags.
	// Default 3.
	MaxRetries int `json:"max_retries,omitempty"`
	// ReportCommand, when configured, is invoked with every delivery
	// acknowledgement.
	ReportCommand string `json:"report_command,omitempty"`
}

// Factory constructs the bridge for the host registry.
func Factory() bridge.Bridge { return &Bridge{} }

// Bridge runs the gateway connections, the message dispatch queue, and the
// delivery report queue.
type Bridge struct {
	bridge.Base

	deps bridge.Deps
	cfg  Config
	log  logx.Logger

	selector *consumer.Selector
	messages *queue.Queue[consumer.Message]
	reports  *queue.Queue[command.Invocation]
	gateways []*gateway
}

func (b *Bridge) Name() string { return "smsgw" }

func (b *Bridge) Init(ctx context.Context, deps bridge.Deps) error {
	b.deps = deps
	b.log = deps.Log

	dec := json.NewDecoder(bytes.NewReader(deps.Config))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b.cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if len(b.cfg.Gateways) == 0 {
		return errors.New("at least one gateway is required")
	}
	if b.cfg.MaxRetries <= 0 {
		b.cfg.MaxRetries = 3
	}

	b.selector = consumer.NewSelector(b.log)
	b.messages = queue.New[consumer.Message]("smsgw-messages",
		filepath.Join(deps.DataDir, "smsgw-messages.json"),
		b.processMessage, b.selector.AnyConnected, b.log, deps.Bus)
	b.reports = queue.New[command.Invocation]("smsgw-reports",
		filepath.Join(deps.DataDir, "smsgw-reports.json"),
		b.processReport, nil, b.log, deps.Bus)

	// Lower priority registers first; selection order is registration
	// order.
	gws := append([]GatewayConfig(nil), b.cfg.Gateways...)
	sort.SliceStable(gws, func(i, j int) bool { return gws[i].Priority < gws[j].Priority })
	for _, gcfg := range gws {
		if gcfg.Name == "" || gcfg.Addr == "" {
			return fmt.Errorf("gateway requires name and addr: %+v", gcfg)
		}
		g := newGateway(gcfg, b.cfg.PerMinute, b.log)
		g.onLine = b.handleLine
		g.onConnect = b.messages.Kick
		b.gateways = append(b.gateways, g)
		b.selector.Add(&gwConsumer{bridge: b, gw: g})
		deps.Sup.GoRestart("smsgw-"+gcfg.Name, g.run,
			supervisor.WithRestartBackoff(time.Second, time.Minute))
	}

	deps.Sup.Go("smsgw-messages", b.messages.Run)
	deps.Sup.Go("smsgw-reports", b.reports.Run)
	if deps.Cron != nil {
		// Periodic kick catches messages parked while no gateway was up.
		if _, err := deps.Cron.AddFunc("@every 1m", b.messages.Kick); err != nil {
			return fmt.Errorf("schedule queue kick: %w", err)
		}
	}
	return nil
}

// HandleServer lets application servers queue outbound texts.
func (b *Bridge) HandleServer(c bridge.Conn, rec *session.Record) {
	c.On("text-message", func(data json.RawMessage) {
		var p struct {
			Hash     string         `json:"hash,omitempty"`
			Address  string         `json:"address"`
			Data     string         `json:"data"`
			Consumer string         `json:"consumer,omitempty"`
			Flags    consumer.Flags `json:"flags,omitempty"`
		}
		if err := json.Unmarshal(data, &p); err != nil || p.Address == "" || p.Data == "" {
			b.log.Debug("malformed text-message", logx.Err(err))
			return
		}
		hash := p.Hash
		if hash == "" {
			hash = consumer.Fingerprint(p.Address, p.Data, time.Now())
		}
		b.messages.Enqueue(consumer.Message{
			Hash:     hash,
			Address:  p.Address,
			Data:     p.Data,
			Consumer: p.Consumer,
			Flags:    p.Flags,
		})
	})
}

func (b *Bridge) Finalize(ctx context.Context) {
	if err := b.messages.Finalize(ctx); err != nil {
		b.log.Error("message queue finalize failed", logx.Err(err))
	}
	if err := b.reports.Finalize(ctx); err != nil {
		b.log.Error("report queue finalize failed", logx.Err(err))
	}
}

// processMessage runs one dequeued message through consumer selection. A
// failed message with a caller-supplied retry counter goes back to the head
// of the queue until the counter is exhausted.
func (b *Bridge) processMessage(ctx context.Context, msg consumer.Message) error {
	err := b.selector.Consume(ctx, msg, msg.Flags)
	if err == nil {
		return nil
	}
	if r := msg.Flags.Retry(); r > 0 && r < b.cfg.MaxRetries {
		b.log.Warn("delivery failed, requeueing",
			logx.String("hash", msg.Hash),
			logx.Int("retry", r),
			logx.Err(err))
		msg.Flags = msg.Flags.WithRetry(r + 1)
		b.messages.Requeue(msg)
		return nil
	}
	return err
}

func (b *Bridge) processReport(ctx context.Context, inv command.Invocation) error {
	return b.deps.Commands.Run(ctx, inv.Command, inv.Data)
}

// handleLine consumes inbound protocol lines from any gateway.
func (b *Bridge) handleLine(cmd string, params []string) {
	switch cmd {
	case cmdDelivered:
		if len(params) < 2 {
			b.log.Debug("short delivery ack", logx.Any("params", params))
			return
		}
		hash, status := params[0], params[1]
		b.audit(storage.AuditEntry{Action: "delivered", Hash: hash, Error: statusError(status)})
		if b.cfg.ReportCommand != "" && b.deps.Commands.Has(b.cfg.ReportCommand) {
			data, _ := json.Marshal(map[string]string{"hash": hash, "status": status})
			b.reports.Enqueue(command.Invocation{Command: b.cfg.ReportCommand, Data: string(data)})
		}
	default:
		b.log.Debug("unhandled gateway command", logx.String("cmd", cmd))
	}
}

func (b *Bridge) audit(e storage.AuditEntry) {
	if b.deps.Store == nil {
		return
	}
	e.Bridge = b.Name()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.deps.Store.AppendAudit(ctx, e); err != nil {
		b.log.Debug("audit append failed", logx.Err(err))
	}
}

func statusError(status string) string {
	if status == "OK" {
		return ""
	}
	return status
}

// gwConsumer adapts one gateway connection to the consumer contract.
type gwConsumer struct {
	bridge *Bridge
	gw     *gateway
}

func (c *gwConsumer) ID() string      { return c.gw.name }
func (c *gwConsumer) Connected() bool { return c.gw.connected.Load() }

func (c *gwConsumer) CanHandle(msg consumer.Message) bool {
	if !c.gw.connected.Load() {
		return false
	}
	return msg.Consumer == "" || msg.Consumer == c.gw.name
}

// CanConsume delivers the message. First contact to an address sends the
// consent notice once and records it; resends skip the gate entirely.
func (c *gwConsumer) CanConsume(ctx context.Context, msg consumer.Message, flags consumer.Flags) (bool, error) {
	b := c.bridge
	if b.cfg.EULA != "" && b.deps.Store != nil && flags.Retry() == 0 {
		_, ok, err := b.deps.Store.GetConsent(ctx, msg.Address)
		if err != nil {
			return false, fmt.Errorf("consent lookup: %w", err)
		}
		if !ok {
			notice := consumer.Fingerprint(msg.Address, b.cfg.EULA, time.Now())
			if err := c.gw.send(ctx, cmdMessage, notice, msg.Address, b.cfg.EULA); err != nil {
				return false, fmt.Errorf("send notice: %w", err)
			}
			if err := b.deps.Store.PutConsent(ctx, msg.Address, time.Now()); err != nil {
				return false, fmt.Errorf("record consent: %w", err)
			}
		}
	}

	start := time.Now()
	if err := c.gw.send(ctx, cmdMessage, msg.Hash, msg.Address, msg.Data); err != nil {
		return false, err
	}
	b.audit(storage.AuditEntry{
		Action:  "send",
		Address: msg.Address,
		Hash:    msg.Hash,
		TookMS:  time.Since(start).Milliseconds(),
	})
	return true, nil
}
