//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tohenk/node-appserver-sub000/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetContact(ctx context.Context, address string) (Contact, bool, error) {
	if s == nil || s.db == nil {
		return Contact{}, false, ErrDisabled
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return Contact{}, false, nil
	}
	var c Contact
	var uid sql.NullString
	var chatID sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT address, uid, chat_id FROM contacts WHERE address = ?`, address).
		Scan(&c.Address, &uid, &chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, false, nil
	}
	if err != nil {
		return Contact{}, false, err
	}
	c.UID = uid.String
	c.ChatID = chatID.Int64
	return c, true, nil
}

func (s *sqliteStore) PutContact(ctx context.Context, c Contact) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	c.Address = strings.TrimSpace(c.Address)
	if c.Address == "" {
		return errors.New("contact address is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts(address, uid, chat_id) VALUES(?,?,?)
		 ON CONFLICT(address) DO UPDATE SET uid=excluded.uid, chat_id=excluded.chat_id`,
		c.Address, nullStr(c.UID), c.ChatID,
	)
	return err
}

func (s *sqliteStore) GetConsent(ctx context.Context, address string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT granted_at FROM consent WHERE address = ?`, address).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) PutConsent(ctx context.Context, address string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consent(address, granted_at) VALUES(?,?)
		 ON CONFLICT(address) DO UPDATE SET granted_at=excluded.granted_at`,
		address, at.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, bridge, action, address, hash, err, took_ms)
		 VALUES(?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Bridge, e.Action, e.Address,
		nullStr(e.Hash), nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqliteStore) Compact(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
