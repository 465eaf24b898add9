package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduling core.
const (
	JobStarted         = "job.started"
	JobFinished        = "job.finished"
	JobFailed          = "job.failed"
	JobDropped         = "job.dropped"
	ScheduleRegistered = "schedule.registered"
	ScheduleRemoved    = "schedule.removed"
)

// Event is an in-memory notification. Publish never blocks; a subscriber that
// falls behind loses events.
type Event struct {
	Type      string
	ServiceID string
	Time      time.Time
	Data      any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus with no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch     chan Event
	closed atomic.Bool
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.closed.Load() {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so closing under the
			// write lock cannot race a send.
			b.mu.Lock()
			delete(b.subs, id)
			s.closed.Store(true)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

// Nop is a bus that discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
