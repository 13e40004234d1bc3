package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jzx17/decodepool/pkg/frame"
)

// EventKind identifies a pool event
type EventKind int

const (
	// EventUnitOnline is raised when a unit is admitted to the idle set
	EventUnitOnline EventKind = iota
	// EventUnitError is raised when a unit reports a failure
	EventUnitError
	// EventUnitExit is raised when a unit exits
	EventUnitExit
	// EventJobCompleted is raised for every decode result a unit returns
	EventJobCompleted
)

// String returns the string representation of EventKind
func (k EventKind) String() string {
	switch k {
	case EventUnitOnline:
		return "unit_online"
	case EventUnitError:
		return "unit_error"
	case EventUnitExit:
		return "unit_exit"
	case EventJobCompleted:
		return "job_completed"
	default:
		return "unknown"
	}
}

// Event is a notification about the pool
type Event struct {
	Kind   EventKind
	UnitID int

	// Err is set for EventUnitError
	Err error

	// Code is set for EventUnitExit
	Code int

	// JobID and Frames are set for EventJobCompleted. Found reports whether
	// the job was still tracked, Elapsed is its processing time if so.
	JobID   string
	Frames  []frame.Frame
	Found   bool
	Elapsed time.Duration

	// Stats is the pool snapshot taken right after the event was handled
	Stats Statistics
}

// Listener receives every event on the pool's control goroutine. It must
// not block or call back into the Manager.
type Listener interface {
	OnEvent(ev Event)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(ev Event)

// OnEvent calls f
func (f ListenerFunc) OnEvent(ev Event) {
	f(ev)
}

// bus fans events out to subscriber channels without blocking
type bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	dropped atomic.Uint64
}

func newBus() *bus {
	return &bus{subs: make(map[int]chan Event)}
}

func (b *bus) subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// close ends every subscription
func (b *bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
