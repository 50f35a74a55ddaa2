// Package app assembles and runs the broker: config, logging, storage, the
// bridge host, the socket server, and scheduled maintenance.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"github.com/tohenk/node-appserver-sub000/internal/bridge"
	"github.com/tohenk/node-appserver-sub000/internal/command"
	"github.com/tohenk/node-appserver-sub000/internal/config"
	"github.com/tohenk/node-appserver-sub000/internal/eventbus"
	"github.com/tohenk/node-appserver-sub000/internal/queue"
	"github.com/tohenk/node-appserver-sub000/internal/room"
	"github.com/tohenk/node-appserver-sub000/internal/runtime/supervisor"
	"github.com/tohenk/node-appserver-sub000/internal/server"
	"github.com/tohenk/node-appserver-sub000/internal/session"
	"github.com/tohenk/node-appserver-sub000/internal/storage"
	"github.com/tohenk/node-appserver-sub000/pkg/logx"
)

// App owns every long-lived component and their shutdown order.
type App struct {
	cfgPath  string
	cfgm     *config.Manager
	bridges  map[string]bridge.Factory
	notifier func(state string)

	logs  *logx.Service
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	sup      *supervisor.Supervisor
	cron     *cron.Cron
	hub      *room.Hub
	registry *session.Registry
	commands *command.Runner
	host     *bridge.Host
	notify   *queue.Queue[command.Invocation]
	server   *server.Server
}

// New loads the configuration and constructs every component. bridges maps
// config keys to bridge factories.
func New(cfgPath string, bridges map[string]bridge.Factory) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	var store storage.Store
	if cfg.Storage != nil {
		sc, err := mapStorageConfig(cfg.Storage)
		if err != nil {
			return nil, err
		}
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		if st != nil {
			store = st
			log.Info("storage enabled", logx.String("driver", sc.Driver))
		}
	}

	hub := room.NewHub(log)
	timeout, err := config.ParseDuration("server.register_timeout", cfg.Server.RegisterTimeout, 60*time.Second)
	if err != nil {
		return nil, err
	}
	registry := session.NewRegistry(hub, cfg.Server.ServerKey, timeout, bus, log)
	commands := command.NewRunner(cfg.Commands, log)
	host := bridge.NewHost(log)

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		bridges:  bridges,
		notifier: sdNotify,
		logs:     logSvc,
		log:      log,
		bus:      bus,
		store:    store,
		hub:      hub,
		registry: registry,
		commands: commands,
		host:     host,
	}
	return a, nil
}

// Run starts everything and blocks until ctx is cancelled, then tears down
// in reverse order.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfgm.Get()
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}

	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))
	a.cron = cron.New()

	a.notify = queue.New[command.Invocation]("notify",
		filepath.Join(dataDir, "notify.json"),
		func(ctx context.Context, inv command.Invocation) error {
			return a.commands.Run(ctx, inv.Command, inv.Data)
		}, nil, a.log, a.bus)
	a.sup.Go("notify-queue", a.notify.Run)

	a.host.Load(a.sup.Context(), a.bridges, cfg.Bridges, bridge.Deps{
		Log:      a.log,
		Bus:      a.bus,
		Store:    a.store,
		Commands: a.commands,
		Sup:      a.sup,
		Cron:     a.cron,
		DataDir:  dataDir,
	})

	broker := server.NewBroker(a.registry, a.hub, a.host, a.commands, a.notify, a.log)
	a.server = server.New(cfg.Server, broker, a.log)
	a.sup.Go("socket-server", a.server.Run)

	if a.store != nil {
		if _, err := a.cron.AddFunc("@midnight", func() {
			cctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := a.store.Compact(cctx); err != nil {
				a.log.Warn("store compaction failed", logx.Err(err))
			}
		}); err != nil {
			return fmt.Errorf("schedule store compaction: %w", err)
		}
	}
	a.cron.Start()

	// Config hot reload; validation rejects bad edits before commit.
	a.cfgm.SetValidator(func(ctx context.Context, cfg *config.Config) error {
		if _, err := config.ParseDuration("server.register_timeout", cfg.Server.RegisterTimeout, 0); err != nil {
			return err
		}
		if cfg.Storage != nil {
			if _, err := mapStorageConfig(cfg.Storage); err != nil {
				return err
			}
		}
		return nil
	})
	a.sup.Go("config-watch", a.cfgm.Watch)
	a.sup.Go0("config-apply", a.applyConfigUpdates)
	a.sup.Go0("event-observer", a.observeEvents)

	a.notifier(daemon.SdNotifyReady)
	a.log.Info("appserver started",
		logx.String("addr", cfg.Server.Addr),
		logx.Int("bridges", a.host.Len()))

	<-a.sup.Context().Done()
	a.notifier(daemon.SdNotifyStopping)
	return a.shutdown()
}

// applyConfigUpdates hot-applies the reloadable subset: logging sinks and
// levels. Structural settings (addr, bridges, storage) need a restart.
func (a *App) applyConfigUpdates(ctx context.Context) {
	updates := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(updates)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.log.Info("configuration reloaded")
		}
	}
}

// observeEvents drains the bus: presence changes and queue progress surface
// in the log at debug level.
func (a *App) observeEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event",
				logx.String("type", e.Type),
				logx.Any("data", e.Data))
		}
	}
}

func (a *App) shutdown() error {
	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cronCtx := a.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-stopCtx.Done():
	}

	// Bridges flush their queue snapshots in Finalize before the supervisor
	// tears their goroutines down.
	a.host.Finalize(stopCtx)
	if err := a.notify.Finalize(stopCtx); err != nil {
		a.log.Error("notify queue finalize failed", logx.Err(err))
	}

	err := a.sup.Stop(stopCtx)
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	_ = a.logs.Close()
	return err
}

func mapStorageConfig(sc *config.StorageConfig) (storage.Config, error) {
	busy, err := config.ParseDuration("storage.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: sc.Driver, Path: sc.Path, BusyTimeout: busy}, nil
}

// sdNotify is best-effort; outside systemd it is a no-op.
func sdNotify(state string) {
	_, _ = daemon.SdNotify(false, state)
}
