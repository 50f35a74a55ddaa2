package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tohenk/node-appserver-sub000/pkg/logx"
)

// Store is the minimal persistence API used by bridges.
type Store interface {
	GetContact(ctx context.Context, address string) (Contact, bool, error)
	PutContact(ctx context.Context, c Contact) error
	GetConsent(ctx context.Context, address string) (at time.Time, ok bool, err error)
	PutConsent(ctx context.Context, address string, at time.Time) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Compact(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
