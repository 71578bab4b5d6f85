// Package eventbus is the in-memory fanout used for scan and module
// lifecycle events. Publish never blocks: slow subscribers lose events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	ModulePresented  = "module.presented"
	ModuleFailed     = "module.present_failed"
	ModuleError      = "module.error"
	ModuleExpired    = "module.expired"
	ModuleCompleted  = "module.completed"
	ModuleActioned   = "module.actioned"
	ModuleCleared    = "module.cleared"
	SettingsApplied  = "settings.applied"
	ScanCompleted    = "scan.completed"
	ManifestChanged  = "manifest.changed"
	PresenterDropped = "presenter.dropped"
)

// Event is a small, ideally JSON-serializable signal. Module is set for
// per-module events.
type Event struct {
	Type   string
	Time   time.Time
	Module string
	Data   any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a bus that owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a buffered subscriber. Unsubscribe closes the channel.
func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped reports how many deliveries were lost to full subscriber buffers.
func Dropped(b Bus) uint64 {
	if m, ok := b.(*memBus); ok {
		return m.dropped.Load()
	}
	return 0
}
