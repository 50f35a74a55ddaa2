// Package consumer defines delivery channels and the selection protocol that
// commits an outbound message to the first channel that accepts it.
package consumer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tohenk/node-appserver-sub000/pkg/logx"
)

// Flags carries delivery hints alongside a message: a small retry counter,
// a best-effort broadcast marker, and channel-specific extras.
type Flags map[string]any

// Retry reports the resend attempt counter (0 when absent). A message with
// a non-zero retry count must not trigger first-contact side effects again.
func (f Flags) Retry() int {
	if f == nil {
		return 0
	}
	switch v := f["retry"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// Broadcast reports whether the message is best-effort with no delivery
// receipt expected.
func (f Flags) Broadcast() bool {
	if f == nil {
		return false
	}
	b, _ := f["broadcast"].(bool)
	return b
}

// WithRetry returns a copy of f with the retry counter bumped to n.
func (f Flags) WithRetry(n int) Flags {
	out := make(Flags, len(f)+1)
	for k, v := range f {
		out[k] = v
	}
	out["retry"] = n
	return out
}

// Message is one outbound delivery unit.
type Message struct {
	// Hash is a content+time fingerprint correlating the message with its
	// delivery acknowledgement.
	Hash string `json:"hash"`
	// Address is the destination identifier (e.g. a phone number).
	Address string `json:"address"`
	Data    string `json:"data"`
	// Consumer optionally pins the message to one named delivery channel.
	Consumer string `json:"consumer,omitempty"`
	Flags    Flags  `json:"flags,omitempty"`
}

// Fingerprint derives a message hash from destination, content, and time.
func Fingerprint(address, data string, at time.Time) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s|%d", address, data, at.UnixMilli())
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Consumer is a single delivery channel exposed by a bridge.
//
// Connected is mutated only by the consumer itself (its own connection
// lifecycle). Selection order is registration order; bridges that weight
// their channels sort before registering.
type Consumer interface {
	ID() string
	Connected() bool

	// CanHandle is a cheap filter: typically false when disconnected or when
	// the message is pinned to a different consumer id.
	CanHandle(msg Message) bool

	// CanConsume attempts delivery. (true, nil) commits the selection;
	// (false, nil) passes the message to the next consumer; a non-nil error
	// aborts the whole selection.
	CanConsume(ctx context.Context, msg Message, flags Flags) (bool, error)
}

// UnhandledError reports that no registered consumer accepted a message.
type UnhandledError struct {
	Msg Message
}

func (e *UnhandledError) Error() string {
	return fmt.Sprintf("no consumer can handle message %s to %s", e.Msg.Hash, e.Msg.Address)
}

// Selector iterates registered consumers in registration order and commits
// to the first confirmed acceptance.
type Selector struct {
	mu        sync.Mutex
	consumers []Consumer
	log       logx.Logger
}

func NewSelector(log logx.Logger) *Selector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Selector{log: log}
}

// Add registers a consumer. Registration order is insertion order, which
// callers control via configuration order.
func (s *Selector) Add(c ...Consumer) {
	s.mu.Lock()
	s.consumers = append(s.consumers, c...)
	s.mu.Unlock()
}

func (s *Selector) snapshot() []Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Consumer(nil), s.consumers...)
}

// AnyConnected reports whether at least one consumer could possibly deliver.
// This is the readiness predicate for consumer-backed dispatch queues.
func (s *Selector) AnyConnected() bool {
	for _, c := range s.snapshot() {
		if c.Connected() {
			return true
		}
	}
	return false
}

// Consume walks the consumers: skip when CanHandle is false; commit on the
// first CanConsume that confirms acceptance; keep going on a decline; abort
// immediately when a consumer errors. Exhaustion is an UnhandledError.
func (s *Selector) Consume(ctx context.Context, msg Message, flags Flags) error {
	for _, c := range s.snapshot() {
		if !c.CanHandle(msg) {
			continue
		}
		ok, err := c.CanConsume(ctx, msg, flags)
		if err != nil {
			return fmt.Errorf("consumer %s: %w", c.ID(), err)
		}
		if ok {
			// Commit only after confirmed acceptance.
			s.log.Debug("message consumed",
				logx.String("consumer", c.ID()),
				logx.String("hash", msg.Hash),
				logx.String("address", msg.Address))
			return nil
		}
	}
	return &UnhandledError{Msg: msg}
}
