package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tbranner/sessiond/internal/logging"
	"github.com/tbranner/sessiond/internal/task"
)

var busLog = logging.ForComponent(logging.CompSession)

// Event is the closed union of session lifecycle events. Consumers switch on
// the concrete type; adding a kind means updating every exhaustive switch.
type Event interface {
	event()
}

// StateChangedEvent reports a state transition.
type StateChangedEvent struct {
	New State
	Old State
}

// WarningEvent reports the start of the expiry grace window.
type WarningEvent struct {
	Remaining time.Duration
}

// TokenRefreshedEvent carries the token accepted by the backend.
type TokenRefreshedEvent struct {
	Token string
}

// TokenExpiredEvent reports that the session token was cleared.
type TokenExpiredEvent struct{}

// TaskStartedEvent reports a newly tracked background task.
type TaskStartedEvent struct {
	Task task.Task
}

// TaskCompletedEvent reports a task leaving the active set.
type TaskCompletedEvent struct {
	ID string
}

// AllTasksCompletedEvent reports the active set draining to empty.
type AllTasksCompletedEvent struct{}

// TaskStatusChangedEvent reports a backend status change for a task.
type TaskStatusChangedEvent struct {
	Update task.Update
}

func (StateChangedEvent) event()      {}
func (WarningEvent) event()           {}
func (TokenRefreshedEvent) event()    {}
func (TokenExpiredEvent) event()      {}
func (TaskStartedEvent) event()       {}
func (TaskCompletedEvent) event()     {}
func (AllTasksCompletedEvent) event() {}
func (TaskStatusChangedEvent) event() {}

// Bus fans events out to subscribers. A panicking handler is isolated and
// logged; it never reaches other handlers or the emitter.
type Bus struct {
	mu   sync.Mutex
	subs map[int]func(Event)
	next int
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers a handler and returns its removal function.
func (b *Bus) Subscribe(fn func(Event)) (remove func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish delivers ev to every subscriber, in isolation.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		deliver(fn, ev)
	}
}

func deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			busLog.Error("event_handler_panic", slog.Any("panic", r))
		}
	}()
	fn(ev)
}
