// Package queue implements a crash-resilient FIFO processor with a readiness
// gate. Entries are processed strictly one at a time in enqueue order; a
// failing entry is logged and the queue advances. The pending sequence is
// seeded from a JSON snapshot at construction and flushed back on Finalize.
package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/tohenk/node-appserver-sub000/internal/eventbus"
	logx "github.com/tohenk/node-appserver-sub000/pkg/logx"
)

// ProcessFunc handles one entry. A non-nil error is logged; the queue
// advances regardless (callers opt into retry by requeueing explicitly).
type ProcessFunc[T any] func(ctx context.Context, entry T) error

// ReadyFunc gates dequeue attempts. The queue does not poll it; progress is
// re-attempted on the next Kick (enqueue, consumer connect, periodic tick).
type ReadyFunc func() bool

type Queue[T any] struct {
	name    string
	process ProcessFunc[T]
	ready   ReadyFunc
	log     logx.Logger
	bus     eventbus.Bus

	snapshotPath string

	mu      sync.Mutex
	entries []T

	kick chan struct{}
}

type event struct {
	Queue string `json:"queue"`
	Len   int    `json:"len"`
	Err   string `json:"err,omitempty"`
}

// New constructs the queue and seeds it from the snapshot file (if any).
// A non-empty snapshot is truncated immediately after loading so a dirty
// restart cannot double-deliver; entries loaded but not yet flushed again
// are lost on crash, which is the accepted tradeoff.
func New[T any](name, snapshotPath string, process ProcessFunc[T], ready ReadyFunc, log logx.Logger, bus eventbus.Bus) *Queue[T] {
	if log.IsZero() {
		log = logx.Nop()
	}
	if ready == nil {
		ready = func() bool { return true }
	}
	q := &Queue[T]{
		name:         name,
		process:      process,
		ready:        ready,
		log:          log.With(logx.String("queue", name)),
		bus:          bus,
		snapshotPath: snapshotPath,
		kick:         make(chan struct{}, 1),
	}

	if snapshotPath != "" {
		entries, err := loadSnapshot[T](snapshotPath)
		if err != nil {
			q.log.Warn("queue snapshot load failed; starting empty", logx.Err(err))
		} else if len(entries) > 0 {
			q.entries = entries
			q.log.Info("queue snapshot loaded", logx.Int("entries", len(entries)))
			q.Kick()
		}
	}
	return q
}

func (q *Queue[T]) Name() string { return q.name }

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Enqueue appends an entry and nudges the processor. Safe to call at any
// time, including while an earlier entry is being processed.
func (q *Queue[T]) Enqueue(entry T) {
	q.mu.Lock()
	q.entries = append(q.entries, entry)
	n := len(q.entries)
	q.mu.Unlock()

	q.emit("queue.enqueued", event{Queue: q.name, Len: n})
	q.Kick()
}

// Requeue puts an entry back at the head so it is the next to be attempted.
// This is the explicit resend capability; the queue never requeues on its own.
func (q *Queue[T]) Requeue(entry T) {
	q.mu.Lock()
	q.entries = append([]T{entry}, q.entries...)
	n := len(q.entries)
	q.mu.Unlock()

	q.emit("queue.requeued", event{Queue: q.name, Len: n})
	q.Kick()
}

// Kick asks the processor to re-evaluate readiness and drain. Non-blocking.
func (q *Queue[T]) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Run processes entries until ctx is canceled. It must be called at most once.
func (q *Queue[T]) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.kick:
		}
		q.drain(ctx)
	}
}

func (q *Queue[T]) drain(ctx context.Context) {
	for ctx.Err() == nil {
		if n := q.Len(); n == 0 {
			return
		} else if !q.ready() {
			// Logged once per attempt; the next Kick re-evaluates.
			q.log.Debug("queue not ready; waiting", logx.Int("pending", n))
			return
		}

		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			return
		}
		head := q.entries[0]
		q.entries = q.entries[1:]
		q.mu.Unlock()

		if err := q.safeProcess(ctx, head); err != nil {
			q.log.Error("queue entry failed", logx.Err(err))
			q.emit("queue.failed", event{Queue: q.name, Len: q.Len(), Err: err.Error()})
			continue
		}
		q.emit("queue.processed", event{Queue: q.name, Len: q.Len()})
	}
}

func (q *Queue[T]) safeProcess(ctx context.Context, entry T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("panic in queue processor", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if q.process == nil {
		return nil
	}
	return q.process(ctx, entry)
}

// Finalize flushes the remaining entries back to the snapshot file.
// Call after Run has returned.
func (q *Queue[T]) Finalize(ctx context.Context) error {
	_ = ctx
	if q.snapshotPath == "" {
		return nil
	}
	q.mu.Lock()
	entries := append([]T(nil), q.entries...)
	q.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}
	if err := saveSnapshot(q.snapshotPath, entries); err != nil {
		q.log.Warn("queue snapshot save failed", logx.Err(err))
		return err
	}
	q.log.Info("queue snapshot saved", logx.Int("entries", len(entries)))
	return nil
}

func (q *Queue[T]) emit(typ string, data event) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
