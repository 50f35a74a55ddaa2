// Package eventbus carries small in-process notifications between otherwise
// decoupled parts of the server: queue progress, bridge lifecycle, presence
// changes. It is not a durable broker; events that nobody is ready to
// receive are dropped.
package eventbus

import (
	"sync"
	"time"
)

// Event is a typed notification. Data should be small and
// JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &bus{}
}

type bus struct {
	mu   sync.Mutex
	subs []chan Event
}

// Publish sends under the lock. Sends are non-blocking so holding the
// mutex is cheap, and it guarantees no send races an unsubscribe close.
func (b *bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, cur := range b.subs {
				if cur == ch {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
	return ch, unsubscribe
}
