// Package telegram bridges outbound notifications to Telegram chats. The
// destination chat is resolved from the contact store by delivery address.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/tohenk/node-appserver-sub000/internal/bridge"
	"github.com/tohenk/node-appserver-sub000/internal/config"
	"github.com/tohenk/node-appserver-sub000/internal/consumer"
	"github.com/tohenk/node-appserver-sub000/internal/queue"
	"github.com/tohenk/node-appserver-sub000/internal/runtime/supervisor"
	"github.com/tohenk/node-appserver-sub000/internal/session"
	"github.com/tohenk/node-appserver-sub000/internal/storage"
	"github.com/tohenk/node-appserver-sub000/pkg/logx"
)

type Config struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string for the long-poll window.
	// Default "10s".
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// Factory constructs the bridge for the host registry.
func Factory() bridge.Bridge { return &Bridge{} }

// sender is the telebot surface the consumer needs; narrowed for tests.
type sender interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

type Bridge struct {
	bridge.Base

	deps bridge.Deps
	cfg  Config
	log  logx.Logger

	bot       *tele.Bot
	send      sender
	connected atomic.Bool

	selector *consumer.Selector
	messages *queue.Queue[consumer.Message]
}

func (b *Bridge) Name() string { return "telegram" }

func (b *Bridge) Init(ctx context.Context, deps bridge.Deps) error {
	b.deps = deps
	b.log = deps.Log

	dec := json.NewDecoder(bytes.NewReader(deps.Config))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b.cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if b.cfg.Token == "" {
		return errors.New("token is required")
	}
	if deps.Store == nil {
		return errors.New("a contact store is required")
	}
	timeout, err := config.ParseDuration("poll_timeout", b.cfg.PollTimeout, 10*time.Second)
	if err != nil {
		return err
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:  b.cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}
	b.bot = bot
	b.send = bot

	b.selector = consumer.NewSelector(b.log)
	b.selector.Add(&tgConsumer{bridge: b})
	b.messages = queue.New[consumer.Message]("telegram-messages",
		filepath.Join(deps.DataDir, "telegram-messages.json"),
		b.processMessage, b.selector.AnyConnected, b.log, deps.Bus)

	deps.Sup.Go0("telegram-stop", func(ctx context.Context) {
		<-ctx.Done()
		bot.Stop()
	})
	// Start blocks until Stop; an unexpected return self-heals under the
	// restart loop.
	deps.Sup.GoRestart("telegram-poll", func(ctx context.Context) error {
		b.connected.Store(true)
		b.messages.Kick()
		b.log.Info("polling started")
		bot.Start()
		b.connected.Store(false)
		b.log.Info("polling stopped")
		return ctx.Err()
	},
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithStopOnCleanExit(false),
	)
	deps.Sup.Go("telegram-messages", b.messages.Run)
	if deps.Cron != nil {
		if _, err := deps.Cron.AddFunc("@every 1m", b.messages.Kick); err != nil {
			return fmt.Errorf("schedule queue kick: %w", err)
		}
	}
	return nil
}

// HandleServer lets application servers queue Telegram notifications.
func (b *Bridge) HandleServer(c bridge.Conn, rec *session.Record) {
	c.On("telegram-notification", func(data json.RawMessage) {
		var p struct {
			Hash    string         `json:"hash,omitempty"`
			Address string         `json:"address"`
			Data    string         `json:"data"`
			Flags   consumer.Flags `json:"flags,omitempty"`
		}
		if err := json.Unmarshal(data, &p); err != nil || p.Address == "" || p.Data == "" {
			b.log.Debug("malformed telegram-notification", logx.Err(err))
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
			Consumer: b.Name(),
			Flags:    p.Flags,
		})
	})
}

func (b *Bridge) Finalize(ctx context.Context) {
	if err := b.messages.Finalize(ctx); err != nil {
		b.log.Error("message queue finalize failed", logx.Err(err))
	}
}

func (b *Bridge) processMessage(ctx context.Context, msg consumer.Message) error {
	return b.selector.Consume(ctx, msg, msg.Flags)
}

func (b *Bridge) audit(e storage.AuditEntry) {
	e.Bridge = b.Name()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.deps.Store.AppendAudit(ctx, e); err != nil {
		b.log.Debug("audit append failed", logx.Err(err))
	}
}

// tgConsumer delivers to the chat the contact store maps the address to.
type tgConsumer struct {
	bridge *Bridge
}

func (c *tgConsumer) ID() string      { return c.bridge.Name() }
func (c *tgConsumer) Connected() bool { return c.bridge.connected.Load() }

func (c *tgConsumer) CanHandle(msg consumer.Message) bool {
	if !c.bridge.connected.Load() {
		return false
	}
	return msg.Consumer == "" || msg.Consumer == c.ID()
}

// CanConsume declines addresses with no chat mapping so another channel can
// pick the message up; a send failure aborts the selection.
func (c *tgConsumer) CanConsume(ctx context.Context, msg consumer.Message, flags consumer.Flags) (bool, error) {
	b := c.bridge
	contact, ok, err := b.deps.Store.GetContact(ctx, msg.Address)
	if err != nil {
		return false, fmt.Errorf("contact lookup: %w", err)
	}
	if !ok || contact.ChatID == 0 {
		return false, nil
	}

	start := time.Now()
	if _, err := b.send.Send(&tele.Chat{ID: contact.ChatID}, msg.Data); err != nil {
		return false, fmt.Errorf("send to chat %d: %w", contact.ChatID, err)
	}
	b.audit(storage.AuditEntry{
		Action:  "send",
		Address: msg.Address,
		Hash:    msg.Hash,
		TookMS:  time.Since(start).Milliseconds(),
	})
	return true, nil
}
