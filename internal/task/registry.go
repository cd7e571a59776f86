// Package task tracks in-flight long-running backend jobs. Each registered
// task is polled for status until it reaches a terminal state; outstanding
// tasks are what keeps a session from idling out underneath unfinished work.
package task

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tbranner/sessiond/internal/clock"
	"github.com/tbranner/sessiond/internal/logging"
)

var registryLog = logging.ForComponent(logging.CompTask)

// Status is the lifecycle state of one tracked task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a recognized status value.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task describes one tracked backend job. IDs are caller-assigned and must
// be unique for the registry's lifetime.
type Task struct {
	ID                string
	Type              string
	Description       string
	StartedAt         time.Time
	EstimatedDuration time.Duration
}

// Update describes a status change for one task.
type Update struct {
	ID       string
	Status   Status
	Progress int // percent, 0 when unknown
	Message  string
}

// PollResult is what the backend reports for one job.
type PollResult struct {
	Status   Status
	Progress int
	Message  string
}

// StatusPoller asks the backend for the current status of a job.
type StatusPoller interface {
	PollJobStatus(ctx context.Context, id string) (PollResult, error)
}

// Events receives task lifecycle notifications. Implemented by the session
// coordinator, which re-emits them on its own bus.
type Events interface {
	TaskStarted(Task)
	TaskCompleted(id string)
	AllTasksCompleted()
	TaskStatusChanged(Update)
}

var (
	// ErrDuplicateTask is returned when a task id is already tracked.
	// Re-registration is not supported; callers must generate unique ids.
	ErrDuplicateTask = errors.New("task: duplicate task id")

	// ErrUnknownTask is returned for operations on an untracked id.
	ErrUnknownTask = errors.New("task: unknown task id")

	// ErrDestroyed is returned after the registry has been torn down.
	ErrDestroyed = errors.New("task: registry destroyed")
)

// Options tune the registry. Zero values select the defaults.
type Options struct {
	// PollInterval is the spacing between status polls per task (default 5s).
	PollInterval time.Duration

	// RunningCeiling bounds how long a task may stay unresolved before it is
	// forcibly failed (default 30m). Tasks past the ceiling are assumed to be
	// stale artifacts of abandoned work.
	RunningCeiling time.Duration
}

type tracked struct {
	task     Task
	status   Status
	progress int
	message  string
	timer    clock.Timer
}

// Registry tracks active tasks and their polling loops.
type Registry struct {
	sched  clock.Scheduler
	poller StatusPoller
	opts   Options

	mu        sync.Mutex
	events    Events
	tasks     map[string]*tracked
	destroyed bool
}

// NewRegistry creates a registry. poller may be nil, in which case tasks are
// only driven by explicit UpdateStatus calls and the running ceiling.
func NewRegistry(sched clock.Scheduler, poller StatusPoller, opts Options) *Registry {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.RunningCeiling <= 0 {
		opts.RunningCeiling = 30 * time.Minute
	}
	return &Registry{
		sched:  sched,
		poller: poller,
		opts:   opts,
		tasks:  make(map[string]*tracked),
	}
}

// SetEvents installs the event sink. Must be called before tasks are
// registered; a nil sink silently drops notifications.
func (r *Registry) SetEvents(ev Events) {
	r.mu.Lock()
	r.events = ev
	r.mu.Unlock()
}

// Register begins tracking a task and starts its polling loop.
func (r *Registry) Register(t Task) error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrDestroyed
	}
	if t.ID == "" {
		r.mu.Unlock()
		return errors.New("task: empty task id")
	}
	if _, exists := r.tasks[t.ID]; exists {
		r.mu.Unlock()
		return ErrDuplicateTask
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = r.sched.Now()
	}
	tr := &tracked{task: t, status: StatusRunning}
	r.tasks[t.ID] = tr
	r.armPollLocked(tr)
	ev := r.events
	r.mu.Unlock()

	registryLog.Info("task_registered",
		slog.String("id", t.ID),
		slog.String("type", t.Type))
	if ev != nil {
		ev.TaskStarted(t)
	}
	return nil
}

// Unregister stops tracking a task. Emits taskCompleted, plus
// allTasksCompleted when this drains the registry.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	tr, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownTask
	}
	if tr.timer != nil {
		tr.timer.Stop()
	}
	delete(r.tasks, id)
	drained := len(r.tasks) == 0
	ev := r.events
	r.mu.Unlock()

	registryLog.Info("task_unregistered", slog.String("id", id))
	if ev != nil {
		ev.TaskCompleted(id)
		if drained {
			ev.AllTasksCompleted()
		}
	}
	return nil
}

// UpdateStatus applies a status report for a task. Updates repeating the
// current status are ignored (no duplicate events). A terminal status
// atomically unregisters the task.
func (r *Registry) UpdateStatus(id string, status Status, progress int, message string) error {
	if !status.Valid() {
		return errors.New("task: invalid status " + string(status))
	}

	r.mu.Lock()
	tr, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownTask
	}
	if tr.status == status {
		tr.progress = progress
		tr.message = message
		r.mu.Unlock()
		return nil
	}
	tr.status = status
	tr.progress = progress
	tr.message = message
	ev := r.events
	r.mu.Unlock()

	registryLog.Info("task_status_changed",
		slog.String("id", id),
		slog.String("status", string(status)))
	if ev != nil {
		ev.TaskStatusChanged(Update{ID: id, Status: status, Progress: progress, Message: message})
	}

	if status.Terminal() {
		return r.Unregister(id)
	}
	return nil
}

// HasActiveTasks reports whether any task is tracked.
func (r *Registry) HasActiveTasks() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks) > 0
}

// ActiveTasks returns a snapshot of tracked tasks ordered by start time.
func (r *Registry) ActiveTasks() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Task, 0, len(r.tasks))
	for _, tr := range r.tasks {
		out = append(out, tr.task)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Destroy cancels every polling loop and drops all tracked tasks without
// emitting events.
func (r *Registry) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyed = true
	for _, tr := range r.tasks {
		if tr.timer != nil {
			tr.timer.Stop()
		}
	}
	r.tasks = make(map[string]*tracked)
}

// armPollLocked schedules the next poll for a task. Caller holds r.mu.
func (r *Registry) armPollLocked(tr *tracked) {
	id := tr.task.ID
	tr.timer = r.sched.AfterFunc(r.opts.PollInterval, func() {
		r.poll(id)
	})
}

// poll runs one status check for a task. Individual poll failures are
// tolerated; a task unresolved past the running ceiling is forcibly failed.
func (r *Registry) poll(id string) {
	r.mu.Lock()
	tr, ok := r.tasks[id]
	if !ok || r.destroyed {
		r.mu.Unlock()
		return
	}
	age := r.sched.Now().Sub(tr.task.StartedAt)
	poller := r.poller
	r.mu.Unlock()

	if age > r.opts.RunningCeiling {
		registryLog.Warn("task_poll_ceiling_exceeded",
			slog.String("id", id),
			slog.Duration("age", age))
		_ = r.UpdateStatus(id, StatusFailed, 0, "timed out waiting for status resolution")
		return
	}

	if poller != nil {
		res, err := poller.PollJobStatus(context.Background(), id)
		if err != nil {
			// A single poll failure is absorbed; the next tick retries.
			registryLog.Debug("task_poll_failed",
				slog.String("id", id),
				slog.String("error", err.Error()))
		} else if res.Status.Valid() {
			if err := r.UpdateStatus(id, res.Status, res.Progress, res.Message); err != nil {
				return
			}
		}
	}

	// Re-arm only if the task survived the update.
	r.mu.Lock()
	if tr, ok := r.tasks[id]; ok && !r.destroyed {
		r.armPollLocked(tr)
	}
	r.mu.Unlock()
}
