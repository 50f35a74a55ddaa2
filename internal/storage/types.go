package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Contact maps a delivery address to the identities the bridges need.
type Contact struct {
	Address string `json:"address"`
	UID     string `json:"uid,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
}

// AuditEntry records a delivery outcome.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time
	Bridge  string
	Action  string
	Address string
	Hash    string
	Error   string
	TookMS  int64
}
