package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tohenk/node-appserver-sub000/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.contacts.json         (snapshot, rewritten on compact)
//   - <prefix>.consent.snapshot.json (periodic snapshot)
//   - <prefix>.consent.journal.jsonl (append-only journal)
//   - <prefix>.audit.jsonl           (append-only JSON Lines)
//
// The consent journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	contactsPath  string
	contacts      map[string]Contact
	contactsDirty bool

	consentSnapshotPath string
	consentJournalFile  *os.File
	consent             map[string]int64 // unix milli granted-at

	consentWrites int
}

type consentRecord struct {
	Address string `json:"address"`
	At      int64  `json:"at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	contactsPath := prefix + ".contacts.json"
	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".consent.snapshot.json"
	journalPath := prefix + ".consent.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	contacts := map[string]Contact{}
	_ = loadContacts(contactsPath, contacts)

	// Load consent from snapshot + journal.
	consent := map[string]int64{}
	_ = loadConsentSnapshot(snapPath, consent)
	_ = replayConsentJournal(journalPath, consent)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:                 log,
		auditFile:           af,
		contactsPath:        contactsPath,
		contacts:            contacts,
		consentSnapshotPath: snapPath,
		consentJournalFile:  jf,
		consent:             consent,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contactsDirty {
		_ = s.saveContactsLocked()
	}
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.consentJournalFile != nil {
		err2 = s.consentJournalFile.Close()
		s.consentJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) GetContact(ctx context.Context, address string) (Contact, bool, error) {
	_ = ctx
	address = strings.TrimSpace(address)
	if address == "" {
		return Contact{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[address]
	return c, ok, nil
}

func (s *fileStore) PutContact(ctx context.Context, c Contact) error {
	_ = ctx
	c.Address = strings.TrimSpace(c.Address)
	if c.Address == "" {
		return errors.New("contact address is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contacts == nil {
		s.contacts = map[string]Contact{}
	}
	s.contacts[c.Address] = c
	s.contactsDirty = true
	return nil
}

func (s *fileStore) GetConsent(ctx context.Context, address string) (time.Time, bool, error) {
	_ = ctx
	address = strings.TrimSpace(address)
	if address == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.consent[address]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) PutConsent(ctx context.Context, address string, at time.Time) error {
	_ = ctx
	address = strings.TrimSpace(address)
	if address == "" {
		return nil
	}
	ms := at.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consentJournalFile == nil {
		return errors.New("consent journal closed")
	}
	if s.consent == nil {
		s.consent = map[string]int64{}
	}
	s.consent[address] = ms

	// Append journal record.
	enc := json.NewEncoder(s.consentJournalFile)
	if err := enc.Encode(consentRecord{Address: address, At: ms}); err != nil {
		return err
	}
	s.consentWrites++
	if s.consentWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("consent compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

// Compact folds the consent journal into its snapshot and rewrites the
// contacts file when dirty. Scheduled nightly by the app.
func (s *fileStore) Compact(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contactsDirty {
		if err := s.saveContactsLocked(); err != nil {
			return err
		}
	}
	return s.compactLocked()
}

func (s *fileStore) compactLocked() error {
	if s.consent == nil || s.consentJournalFile == nil {
		return nil
	}
	tmp := s.consentSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.consent); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.consentSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.consentJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.consentJournalFile.Seek(0, 2)
	return err
}

func (s *fileStore) saveContactsLocked() error {
	tmp := s.contactsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.contacts); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.contactsPath); err != nil {
		return err
	}
	s.contactsDirty = false
	return nil
}

func loadContacts(path string, out map[string]Contact) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]Contact
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		if v.Address == "" {
			v.Address = k
		}
		out[k] = v
	}
	return nil
}

func loadConsentSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayConsentJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r consentRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.Address == "" {
			continue
		}
		out[r.Address] = r.At
	}
	return s.Err()
}
