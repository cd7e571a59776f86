// Package activity turns raw interaction signals into a throttled, classified
// activity stream. Continuous signal classes (pointer movement, scrolling,
// touch movement) are rate-limited per class; discrete classes (clicks,
// keystrokes, explicit API signals) always pass through.
package activity

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tbranner/sessiond/internal/clock"
	"github.com/tbranner/sessiond/internal/logging"
)

var detectorLog = logging.ForComponent(logging.CompActivity)

// Kind classifies a raw interaction signal.
type Kind string

const (
	KindPointerMove  Kind = "pointer-move"
	KindPointerClick Kind = "pointer-click"
	KindKeyboard     Kind = "keyboard"
	KindScroll       Kind = "scroll"
	KindTouchMove    Kind = "touch-move"
	KindAPICall      Kind = "api-call"
	KindTabFocus     Kind = "tab-focus"
)

// throttledKinds are the continuous classes limited to one emission per
// throttle interval. Clicks, keystrokes and manual signals are never
// throttled.
var throttledKinds = map[Kind]bool{
	KindPointerMove: true,
	KindScroll:      true,
	KindTouchMove:   true,
}

// Event is an accepted, classified activity signal.
type Event struct {
	Kind   Kind
	Time   time.Time
	Source string
}

// Callback receives accepted activity events.
type Callback func(Event)

// Source produces raw signals for the detector to classify. The channel is
// drained while monitoring is started and must be closed by the producer when
// it stops.
type Source interface {
	Signals() <-chan Event
}

// Options tune the detector. Zero values select the defaults.
type Options struct {
	// ThrottleInterval is the minimum spacing between accepted signals of one
	// throttled class (default 1s).
	ThrottleInterval time.Duration

	// ActiveThreshold is how recent the last activity must be for
	// IsUserActive to report true (default 5m).
	ActiveThreshold time.Duration
}

// Detector observes raw signals, throttles them per class and fans accepted
// events out to subscribers. A panicking subscriber is isolated and logged;
// it never breaks other subscribers or the detector.
type Detector struct {
	sched    clock.Scheduler
	throttle time.Duration
	active   time.Duration
	sources  []Source

	mu           sync.Mutex
	monitoring   bool
	destroyed    bool
	hidden       bool
	stopCh       chan struct{}
	wg           sync.WaitGroup
	lastEmit     map[Kind]time.Time
	lastActivity time.Time
	subs         map[int]Callback
	nextSub      int
}

// New creates a detector. Sources are drained only between StartMonitoring
// and StopMonitoring; manual Record calls work regardless (subject to the
// acceptance rules).
func New(sched clock.Scheduler, opts Options, sources ...Source) *Detector {
	if opts.ThrottleInterval <= 0 {
		opts.ThrottleInterval = time.Second
	}
	if opts.ActiveThreshold <= 0 {
		opts.ActiveThreshold = 5 * time.Minute
	}
	return &Detector{
		sched:    sched,
		throttle: opts.ThrottleInterval,
		active:   opts.ActiveThreshold,
		sources:  sources,
		lastEmit: make(map[Kind]time.Time),
		subs:     make(map[int]Callback),
	}
}

// StartMonitoring begins draining the attached sources. Idempotent.
func (d *Detector) StartMonitoring() {
	d.mu.Lock()
	if d.monitoring || d.destroyed {
		d.mu.Unlock()
		return
	}
	d.monitoring = true
	d.stopCh = make(chan struct{})
	stop := d.stopCh
	d.mu.Unlock()

	for _, src := range d.sources {
		ch := src.Signals()
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-stop:
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					d.Record(ev.Kind, ev.Source)
				}
			}
		}()
	}
	detectorLog.Debug("monitoring_started", slog.Int("sources", len(d.sources)))
}

// StopMonitoring detaches all sources. Idempotent; safe to call multiple
// times and after Destroy.
func (d *Detector) StopMonitoring() {
	d.mu.Lock()
	if !d.monitoring {
		d.mu.Unlock()
		return
	}
	d.monitoring = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
	detectorLog.Debug("monitoring_stopped")
}

// Monitoring reports whether sources are currently being drained.
func (d *Detector) Monitoring() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.monitoring
}

// SetHidden marks the tab/window as hidden. While hidden, every class except
// api-call is suppressed: interaction in a backgrounded tab must not reset
// timers, but server-confirmed progress must.
func (d *Detector) SetHidden(hidden bool) {
	d.mu.Lock()
	d.hidden = hidden
	d.mu.Unlock()
}

// OnActivity registers a subscriber and returns its removal function.
func (d *Detector) OnActivity(cb Callback) (remove func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = cb
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs, id)
	}
}

// Record injects a signal, applying the acceptance rules, and reports whether
// the signal was accepted. Non-source callers (the API layer) may inject
// api-call signals even while monitoring is stopped.
func (d *Detector) Record(kind Kind, source string) bool {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return false
	}
	if (!d.monitoring || d.hidden) && kind != KindAPICall {
		d.mu.Unlock()
		return false
	}

	now := d.sched.Now()
	if throttledKinds[kind] {
		if last, ok := d.lastEmit[kind]; ok && now.Sub(last) < d.throttle {
			d.mu.Unlock()
			return false
		}
	}
	d.lastEmit[kind] = now
	d.lastActivity = now

	subs := make([]Callback, 0, len(d.subs))
	for _, cb := range d.subs {
		subs = append(subs, cb)
	}
	d.mu.Unlock()

	ev := Event{Kind: kind, Time: now, Source: source}
	for _, cb := range subs {
		dispatch(cb, ev)
	}
	return true
}

// dispatch isolates a single subscriber so one panic cannot break the rest.
func dispatch(cb Callback, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			detectorLog.Error("subscriber_panic",
				slog.String("kind", string(ev.Kind)),
				slog.Any("panic", r))
		}
	}()
	cb(ev)
}

// IsUserActive reports whether activity was seen within the active threshold.
func (d *Detector) IsUserActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastActivity.IsZero() {
		return false
	}
	return d.sched.Now().Sub(d.lastActivity) < d.active
}

// LastActivity returns the time of the last accepted signal (zero if none).
func (d *Detector) LastActivity() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastActivity
}

// SeedLastActivity primes the activity timestamp, used when restoring a
// persisted session.
func (d *Detector) SeedLastActivity(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.After(d.lastActivity) {
		d.lastActivity = t
	}
}

// Destroy stops monitoring and detaches every subscriber. The detector
// accepts nothing afterwards.
func (d *Detector) Destroy() {
	d.StopMonitoring()
	d.mu.Lock()
	d.destroyed = true
	d.subs = make(map[int]Callback)
	d.mu.Unlock()
}
