package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`

	// Storage holds the contact/consent store settings. Omitted means no
	// persistent store (consumers that need one stay disconnected).
	Storage *StorageConfig `json:"storage,omitempty"`

	// Commands maps a command name to its definition (local executable or
	// HTTP endpoint). Reserved names: "email-sender" (deliver-email events)
	// and "signin-notifier" (user-signin/user-signout events); the "data"
	// event resolves its command by payload id.
	Commands map[string]CommandDef `json:"commands,omitempty"`

	// Bridges maps a bridge name to its raw config blob. A bridge identity
	// is its configuration key.
	Bridges map[string]BridgeConfigRaw `json:"bridges,omitempty"`

	// DataDir is where queue snapshots live. Defaults to "./data".
	DataDir string `json:"data_dir,omitempty"`
}

type ServerConfig struct {
	Addr string `json:"addr"`
	// Path is the WebSocket endpoint path. Default "/socket".
	Path string `json:"path,omitempty"`

	// ServerKey is the pre-shared key a server-type registration must carry.
	ServerKey string `json:"server_key"`

	// RegisterTimeout is a Go duration string (e.g. "30s", "1m").
	// Sockets that don't register within the window are disconnected.
	// Default "60s".
	RegisterTimeout string `json:"register_timeout,omitempty"`

	// TLS material is optional; when both are set the server serves wss.
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the contact/consent store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./appserver_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// CommandDef describes an external side-effect target: either a local
// executable with placeholder argument tokens (%DATA%, %CMD%) or a remote
// HTTP endpoint with method and default parameters.
type CommandDef struct {
	Bin  string   `json:"bin,omitempty"`
	Args []string `json:"args,omitempty"`

	URL    string            `json:"url,omitempty"`
	Method string            `json:"method,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

type BridgeConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so removed legacy keys are caught
// early during config reload.
func (b *BridgeConfigRaw) UnmarshalJSON(data []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*b = BridgeConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}
