// Package session owns the session lifecycle: the state machine, its timers,
// the event bus consumers subscribe to, and durable persistence of the
// current session. One coordinator instance is constructed at startup and
// handed to every consumer; there is no package-level shared state.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tbranner/sessiond/internal/activity"
	"github.com/tbranner/sessiond/internal/clock"
	"github.com/tbranner/sessiond/internal/logging"
	"github.com/tbranner/sessiond/internal/refresh"
	"github.com/tbranner/sessiond/internal/task"
	"github.com/tbranner/sessiond/internal/token"
)

var coordLog = logging.ForComponent(logging.CompSession)

// Options tune the coordinator's timers. Zero values select the defaults.
type Options struct {
	// IdleTimeout is how long after the last activity an active session goes
	// idle (default 30m).
	IdleTimeout time.Duration

	// WarningDuration is both the delay from idle to the expiry warning and
	// the grace window from the warning to forced expiry (default 2m).
	WarningDuration time.Duration

	// RefreshWindow is how long before token expiry a refresh is scheduled
	// (default 5m). A token already inside the window refreshes immediately.
	RefreshWindow time.Duration

	// RefreshRecheck is the re-arm spacing after a refresh was skipped or
	// failed retryably (default 30s).
	RefreshRecheck time.Duration
}

func (o Options) normalized() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Minute
	}
	if o.WarningDuration <= 0 {
		o.WarningDuration = 2 * time.Minute
	}
	if o.RefreshWindow <= 0 {
		o.RefreshWindow = 5 * time.Minute
	}
	if o.RefreshRecheck <= 0 {
		o.RefreshRecheck = 30 * time.Second
	}
	return o
}

// Coordinator drives the session state machine. It consumes the activity
// detector and task registry, schedules idle/warning/expiry/refresh timers,
// persists every transition and re-emits everything on its bus.
type Coordinator struct {
	sched     clock.Scheduler
	detector  *activity.Detector
	registry  *task.Registry
	refresher *refresh.Service
	store     *Store
	bus       *Bus
	opts      Options

	mu             sync.Mutex
	state          State
	sessionID      string
	userID         string
	authToken      string
	tokenExpiresAt time.Time

	idleTimer    clock.Timer
	warnTimer    clock.Timer
	expireTimer  clock.Timer
	refreshTimer clock.Timer

	removeActivity func()
	destroyed      bool
}

// New builds a coordinator, restores any persisted session and arms the
// timers. Persisted tasks are re-registered quietly (no start events) so a
// restart resumes polling; a persisted expired session stays expired.
func New(sched clock.Scheduler, detector *activity.Detector, registry *task.Registry,
	refresher *refresh.Service, store *Store, opts Options) (*Coordinator, error) {

	c := &Coordinator{
		sched:     sched,
		detector:  detector,
		registry:  registry,
		refresher: refresher,
		store:     store,
		bus:       NewBus(),
		opts:      opts.normalized(),
		state:     StateActive,
		sessionID: uuid.NewString(),
	}

	data, err := store.Load()
	if err != nil {
		return nil, err
	}
	if data != nil {
		c.restore(data)
	}

	registry.SetEvents(c)
	c.removeActivity = detector.OnActivity(c.onActivity)

	c.mu.Lock()
	if c.state != StateExpired {
		if c.state != StateProcessing {
			c.armIdleLocked()
		}
		c.armRefreshLocked()
	}
	c.mu.Unlock()

	c.persist()
	coordLog.Info("session_initialized",
		slog.String("session_id", c.sessionID),
		slog.String("state", string(c.State())))
	return c, nil
}

// restore applies a persisted document. Runs before the registry's event sink
// is installed, so re-registration emits nothing.
func (c *Coordinator) restore(data *SessionData) {
	if data.SessionID != "" {
		c.sessionID = data.SessionID
	}
	c.userID = data.UserID
	c.authToken = data.Token
	c.tokenExpiresAt = data.TokenExpiresAt
	if !data.LastActivity.IsZero() {
		c.detector.SeedLastActivity(data.LastActivity)
	}

	for _, rec := range data.ActiveTasks {
		if err := c.registry.Register(task.Task{
			ID:          rec.ID,
			Type:        rec.Type,
			Description: rec.Description,
			StartedAt:   rec.StartedAt,
		}); err != nil {
			coordLog.Warn("session_restore_task_failed",
				slog.String("id", rec.ID),
				slog.String("error", err.Error()))
		}
	}

	switch {
	case data.State == StateExpired:
		c.state = StateExpired
		c.authToken = ""
		c.tokenExpiresAt = time.Time{}
	case c.registry.HasActiveTasks():
		c.state = StateProcessing
	default:
		// Idle and warning do not survive a restart; their timers are
		// re-derived from the restored activity timestamp.
		c.state = StateActive
	}
}

// Subscribe registers an event handler and returns its removal function.
func (c *Coordinator) Subscribe(fn func(Event)) (remove func()) {
	return c.bus.Subscribe(fn)
}

// State returns the current session state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the stable id of this session.
func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// UserID returns the user the session belongs to, when known.
func (c *Coordinator) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Token returns the current bearer token and its computed expiry.
func (c *Coordinator) Token() (string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authToken, c.tokenExpiresAt
}

// SetToken installs a new bearer token, deriving its expiry from the token
// itself when possible. An expired session is reinitialized to active.
func (c *Coordinator) SetToken(raw, userID string) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	old := c.state
	c.authToken = raw
	c.tokenExpiresAt = token.ExpiryOrDefault(raw, c.sched.Now())
	if userID != "" {
		c.userID = userID
	}

	var evs []Event
	if c.state == StateExpired {
		c.sessionID = uuid.NewString()
		if c.registry.HasActiveTasks() {
			c.state = StateProcessing
		} else {
			c.state = StateActive
			c.armIdleLocked()
		}
		evs = append(evs, StateChangedEvent{New: c.state, Old: old})
	}
	c.armRefreshLocked()
	c.mu.Unlock()

	c.persist()
	c.emit(evs)
}

// RecordActivity injects an explicit activity signal, equivalent to a
// confirmed user-initiated API call.
func (c *Coordinator) RecordActivity() {
	c.detector.Record(activity.KindAPICall, "api")
}

// RegisterBackgroundTask begins tracking a backend job under the session.
func (c *Coordinator) RegisterBackgroundTask(id, taskType, description string) error {
	return c.registry.Register(task.Task{ID: id, Type: taskType, Description: description})
}

// UnregisterBackgroundTask stops tracking a backend job.
func (c *Coordinator) UnregisterBackgroundTask(id string) error {
	return c.registry.Unregister(id)
}

// ActiveTasks returns a snapshot of tracked tasks ordered by start time.
func (c *Coordinator) ActiveTasks() []task.Task {
	return c.registry.ActiveTasks()
}

// ExtendSession is the user's "I'm still here" action from a warning prompt:
// an activity signal plus a forced refresh. A refresh skipped for cooldown is
// not an error; an auth rejection expires the session.
func (c *Coordinator) ExtendSession(ctx context.Context) error {
	c.RecordActivity()

	c.mu.Lock()
	raw := c.authToken
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed || raw == "" {
		return nil
	}

	res := c.refresher.Refresh(ctx, raw)
	return c.applyRefreshResult(res)
}

// ClearToken forces the session to expired from any state, for callers that
// observed a definitive auth rejection outside the refresh path.
func (c *Coordinator) ClearToken() {
	c.mu.Lock()
	if c.destroyed || c.state == StateExpired {
		c.mu.Unlock()
		return
	}
	old := c.state
	c.expireLocked()
	c.mu.Unlock()

	c.persist()
	c.emit([]Event{TokenExpiredEvent{}, StateChangedEvent{New: StateExpired, Old: old}})
}

// Destroy cancels every timer, detaches from the detector and registry and
// stops all event delivery. The persisted document is left in place so the
// next start restores it.
func (c *Coordinator) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.stopTimersLocked()
	stopTimer(&c.refreshTimer)
	c.mu.Unlock()

	if c.removeActivity != nil {
		c.removeActivity()
	}
	c.detector.Destroy()
	c.registry.Destroy()
	coordLog.Info("session_destroyed", slog.String("session_id", c.sessionID))
}

// onActivity handles an accepted activity signal from the detector.
func (c *Coordinator) onActivity(ev activity.Event) {
	c.mu.Lock()
	if c.destroyed || c.state == StateExpired {
		c.mu.Unlock()
		return
	}

	var evs []Event
	switch c.state {
	case StateIdle, StateWarning:
		old := c.state
		c.state = StateActive
		c.stopTimersLocked()
		c.armIdleLocked()
		evs = append(evs, StateChangedEvent{New: StateActive, Old: old})
	case StateActive:
		c.armIdleLocked()
	case StateProcessing:
		// Idle tracking is suspended; the timestamp alone is enough.
	}
	c.mu.Unlock()

	c.persist()
	c.emit(evs)
}

// TaskStarted implements task.Events.
func (c *Coordinator) TaskStarted(t task.Task) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	evs := []Event{TaskStartedEvent{Task: t}}
	if c.state != StateProcessing {
		old := c.state
		c.state = StateProcessing
		c.stopTimersLocked()
		evs = append(evs, StateChangedEvent{New: StateProcessing, Old: old})
	}
	c.mu.Unlock()

	c.persist()
	c.emit(evs)
}

// TaskCompleted implements task.Events.
func (c *Coordinator) TaskCompleted(id string) {
	if c.isDestroyed() {
		return
	}
	c.persist()
	c.emit([]Event{TaskCompletedEvent{ID: id}})
}

// AllTasksCompleted implements task.Events. The registry drained, so idle
// tracking resumes.
func (c *Coordinator) AllTasksCompleted() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	var evs []Event
	if c.state == StateProcessing {
		c.state = StateActive
		c.armIdleLocked()
		evs = append(evs, StateChangedEvent{New: StateActive, Old: StateProcessing})
	}
	evs = append(evs, AllTasksCompletedEvent{})
	c.mu.Unlock()

	c.persist()
	c.emit(evs)
}

// TaskStatusChanged implements task.Events.
func (c *Coordinator) TaskStatusChanged(u task.Update) {
	if c.isDestroyed() {
		return
	}
	c.persist()
	c.emit([]Event{TaskStatusChangedEvent{Update: u}})
}

// onIdleTimer fires when the idle timeout elapses.
func (c *Coordinator) onIdleTimer() {
	c.mu.Lock()
	if c.destroyed || c.state != StateActive {
		c.mu.Unlock()
		return
	}
	// Activity recorded between arming and firing re-derives the deadline.
	now := c.sched.Now()
	last := c.detector.LastActivity()
	if !last.IsZero() && now.Sub(last) < c.opts.IdleTimeout {
		c.armIdleLocked()
		c.mu.Unlock()
		return
	}
	if c.registry.HasActiveTasks() {
		c.mu.Unlock()
		return
	}

	c.state = StateIdle
	stopTimer(&c.warnTimer)
	c.warnTimer = c.sched.AfterFunc(c.opts.WarningDuration, c.onWarningTimer)
	c.mu.Unlock()

	c.persist()
	c.emit([]Event{StateChangedEvent{New: StateIdle, Old: StateActive}})
}

// onWarningTimer moves an idle session into the expiry grace window.
func (c *Coordinator) onWarningTimer() {
	c.mu.Lock()
	if c.destroyed || c.state != StateIdle {
		c.mu.Unlock()
		return
	}
	c.state = StateWarning
	stopTimer(&c.expireTimer)
	c.expireTimer = c.sched.AfterFunc(c.opts.WarningDuration, c.onExpiryTimer)
	remaining := c.opts.WarningDuration
	c.mu.Unlock()

	c.persist()
	c.emit([]Event{
		WarningEvent{Remaining: remaining},
		StateChangedEvent{New: StateWarning, Old: StateIdle},
	})
}

// onExpiryTimer fires when the grace window passes with no activity.
func (c *Coordinator) onExpiryTimer() {
	c.mu.Lock()
	if c.destroyed || c.state != StateWarning {
		c.mu.Unlock()
		return
	}
	c.expireLocked()
	c.mu.Unlock()

	c.persist()
	c.emit([]Event{TokenExpiredEvent{}, StateChangedEvent{New: StateExpired, Old: StateWarning}})
	coordLog.Info("session_expired", slog.String("session_id", c.sessionID))
}

// onRefreshTimer attempts a scheduled token refresh. An idle tab with no work
// in flight skips the attempt and lets the token lapse.
func (c *Coordinator) onRefreshTimer() {
	c.mu.Lock()
	if c.destroyed || c.state == StateExpired || c.authToken == "" {
		c.mu.Unlock()
		return
	}
	raw := c.authToken
	c.mu.Unlock()

	if !c.detector.IsUserActive() && !c.registry.HasActiveTasks() {
		coordLog.Debug("refresh_skipped_inactive")
		c.rearmRefresh(c.opts.RefreshRecheck)
		return
	}

	res := c.refresher.Refresh(context.Background(), raw)
	_ = c.applyRefreshResult(res)
}

// applyRefreshResult folds a refresh outcome into coordinator state.
func (c *Coordinator) applyRefreshResult(res refresh.Result) error {
	switch {
	case res.Success:
		c.mu.Lock()
		if c.destroyed || c.state == StateExpired {
			c.mu.Unlock()
			return nil
		}
		c.authToken = res.NewToken
		c.tokenExpiresAt = token.ExpiryOrDefault(res.NewToken, c.sched.Now())
		c.armRefreshLocked()
		c.mu.Unlock()

		c.persist()
		c.emit([]Event{TokenRefreshedEvent{Token: res.NewToken}})
		return nil

	case errors.Is(res.Err, refresh.ErrCooldown):
		delay := res.RetryAfter
		if delay <= 0 {
			delay = c.opts.RefreshRecheck
		}
		c.rearmRefresh(delay)
		return nil

	case res.Category == refresh.CategoryAuth:
		coordLog.Warn("refresh_rejected", slog.String("error", res.Err.Error()))
		c.ClearToken()
		return res.Err

	default:
		// Retries exhausted on a retryable failure; try again later.
		c.rearmRefresh(c.opts.RefreshRecheck)
		return res.Err
	}
}

// expireLocked clears the token and stops all timers. Caller holds c.mu and
// emits tokenExpired plus the state change after unlocking.
func (c *Coordinator) expireLocked() {
	c.state = StateExpired
	c.authToken = ""
	c.tokenExpiresAt = time.Time{}
	c.stopTimersLocked()
	stopTimer(&c.refreshTimer)
}

// armIdleLocked (re)arms the idle timer against the last activity timestamp.
// Caller holds c.mu.
func (c *Coordinator) armIdleLocked() {
	stopTimer(&c.idleTimer)
	now := c.sched.Now()
	last := c.detector.LastActivity()
	if last.IsZero() {
		last = now
	}
	d := last.Add(c.opts.IdleTimeout).Sub(now)
	if d < 0 {
		d = 0
	}
	c.idleTimer = c.sched.AfterFunc(d, c.onIdleTimer)
}

// armRefreshLocked schedules the next refresh attempt for the refresh window
// before token expiry, or immediately if already inside it. Caller holds c.mu.
func (c *Coordinator) armRefreshLocked() {
	stopTimer(&c.refreshTimer)
	if c.authToken == "" || c.tokenExpiresAt.IsZero() {
		return
	}
	d := c.tokenExpiresAt.Add(-c.opts.RefreshWindow).Sub(c.sched.Now())
	if d < 0 {
		d = 0
	}
	c.refreshTimer = c.sched.AfterFunc(d, c.onRefreshTimer)
}

func (c *Coordinator) rearmRefresh(d time.Duration) {
	c.mu.Lock()
	if !c.destroyed && c.state != StateExpired && c.authToken != "" {
		stopTimer(&c.refreshTimer)
		c.refreshTimer = c.sched.AfterFunc(d, c.onRefreshTimer)
	}
	c.mu.Unlock()
}

// stopTimersLocked stops the idle, warning and expiry timers. Caller holds
// c.mu. The refresh timer is managed separately; it is orthogonal to the
// state machine.
func (c *Coordinator) stopTimersLocked() {
	stopTimer(&c.idleTimer)
	stopTimer(&c.warnTimer)
	stopTimer(&c.expireTimer)
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Coordinator) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// persist writes the current session document. Storage failures are logged
// and absorbed; the in-memory state machine stays authoritative.
func (c *Coordinator) persist() {
	c.mu.Lock()
	data := SessionData{
		SessionID:      c.sessionID,
		UserID:         c.userID,
		Token:          c.authToken,
		TokenExpiresAt: c.tokenExpiresAt,
		LastActivity:   c.detector.LastActivity(),
		State:          c.state,
	}
	c.mu.Unlock()

	for _, t := range c.registry.ActiveTasks() {
		data.ActiveTasks = append(data.ActiveTasks, TaskRecord{
			ID:          t.ID,
			Type:        t.Type,
			Description: t.Description,
			StartedAt:   t.StartedAt,
		})
	}

	if err := c.store.Save(data); err != nil {
		coordLog.Warn("session_persist_failed", slog.String("error", err.Error()))
	}
}

// emit publishes events in order, outside the coordinator lock.
func (c *Coordinator) emit(evs []Event) {
	for _, ev := range evs {
		c.bus.Publish(ev)
	}
}
