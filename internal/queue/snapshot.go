package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// loadSnapshot reads the pending entries from path. A non-empty file is
// truncated to an empty array right away so a crash later in the same run
// cannot cause the entries to be consumed twice.
func loadSnapshot[T any](path string) ([]T, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}

	var entries []T
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	if err := os.WriteFile(path, []byte("[]"), 0o600); err != nil {
		return nil, err
	}
	return entries, nil
}

// saveSnapshot writes the entry sequence verbatim as a JSON array, via a
// temp-file rename so a crash mid-write leaves the previous content intact.
func saveSnapshot[T any](path string, entries []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
