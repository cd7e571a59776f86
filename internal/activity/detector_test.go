package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbranner/sessiond/internal/clock"
)

func newTestDetector(opts Options, sources ...Source) (*Detector, *clock.Fake) {
	fake := clock.NewFake(time.Unix(1000, 0))
	d := New(fake, opts, sources...)
	d.StartMonitoring()
	return d, fake
}

func TestThrottlePerClass(t *testing.T) {
	d, fake := newTestDetector(Options{ThrottleInterval: time.Second})
	defer d.Destroy()

	var got []Kind
	d.OnActivity(func(ev Event) { got = append(got, ev.Kind) })

	// First signal of each throttled class passes; repeats within the
	// interval are dropped, and classes throttle independently.
	assert.True(t, d.Record(KindPointerMove, "dom"))
	assert.False(t, d.Record(KindPointerMove, "dom"))
	assert.True(t, d.Record(KindScroll, "dom"))
	assert.False(t, d.Record(KindScroll, "dom"))

	fake.Advance(time.Second)
	assert.True(t, d.Record(KindPointerMove, "dom"))

	assert.Equal(t, []Kind{KindPointerMove, KindScroll, KindPointerMove}, got)
}

func TestClicksAndKeystrokesNeverThrottled(t *testing.T) {
	d, _ := newTestDetector(Options{ThrottleInterval: time.Minute})
	defer d.Destroy()

	count := 0
	d.OnActivity(func(Event) { count++ })

	for range 5 {
		require.True(t, d.Record(KindPointerClick, "dom"))
		require.True(t, d.Record(KindKeyboard, "dom"))
	}
	assert.Equal(t, 10, count)
}

func TestHiddenSuppressesAllButAPICall(t *testing.T) {
	d, _ := newTestDetector(Options{})
	defer d.Destroy()

	d.SetHidden(true)
	assert.False(t, d.Record(KindPointerClick, "dom"))
	assert.False(t, d.Record(KindKeyboard, "dom"))
	assert.True(t, d.Record(KindAPICall, "api"))

	d.SetHidden(false)
	assert.True(t, d.Record(KindPointerClick, "dom"))
}

func TestStoppedAcceptsOnlyAPICall(t *testing.T) {
	fake := clock.NewFake(time.Unix(1000, 0))
	d := New(fake, Options{})
	defer d.Destroy()

	// Never started.
	assert.False(t, d.Record(KindKeyboard, "dom"))
	assert.True(t, d.Record(KindAPICall, "api"))

	d.StartMonitoring()
	d.StopMonitoring()
	assert.False(t, d.Record(KindKeyboard, "dom"))
	assert.True(t, d.Record(KindAPICall, "api"))
}

func TestStartStopIdempotent(t *testing.T) {
	d, _ := newTestDetector(Options{})

	d.StartMonitoring()
	d.StartMonitoring()
	assert.True(t, d.Monitoring())

	d.StopMonitoring()
	d.StopMonitoring()
	assert.False(t, d.Monitoring())

	// Destroy after stop must not panic either.
	d.Destroy()
	d.Destroy()
	assert.False(t, d.Record(KindAPICall, "api"))
}

func TestSubscriberPanicIsolated(t *testing.T) {
	d, _ := newTestDetector(Options{})
	defer d.Destroy()

	var after []string
	d.OnActivity(func(Event) { panic("bad subscriber") })
	d.OnActivity(func(Event) { after = append(after, "ok") })

	assert.True(t, d.Record(KindPointerClick, "dom"))
	assert.Equal(t, []string{"ok"}, after)
}

func TestOffActivity(t *testing.T) {
	d, _ := newTestDetector(Options{})
	defer d.Destroy()

	count := 0
	remove := d.OnActivity(func(Event) { count++ })

	d.Record(KindPointerClick, "dom")
	remove()
	d.Record(KindPointerClick, "dom")

	assert.Equal(t, 1, count)
}

func TestIsUserActive(t *testing.T) {
	d, fake := newTestDetector(Options{ActiveThreshold: 5 * time.Minute})
	defer d.Destroy()

	assert.False(t, d.IsUserActive(), "no activity yet")

	d.Record(KindKeyboard, "dom")
	assert.True(t, d.IsUserActive())

	fake.Advance(4 * time.Minute)
	assert.True(t, d.IsUserActive())

	fake.Advance(2 * time.Minute)
	assert.False(t, d.IsUserActive())
}

func TestSeedLastActivity(t *testing.T) {
	d, fake := newTestDetector(Options{ActiveThreshold: 5 * time.Minute})
	defer d.Destroy()

	d.SeedLastActivity(fake.Now().Add(-time.Minute))
	assert.True(t, d.IsUserActive())

	// Seeding never moves the timestamp backwards.
	d.Record(KindKeyboard, "dom")
	last := d.LastActivity()
	d.SeedLastActivity(last.Add(-time.Hour))
	assert.Equal(t, last, d.LastActivity())
}

type chanSource struct{ ch chan Event }

func (s *chanSource) Signals() <-chan Event { return s.ch }

func TestSourceDrainedWhileMonitoring(t *testing.T) {
	src := &chanSource{ch: make(chan Event)}
	fake := clock.NewFake(time.Unix(1000, 0))
	d := New(fake, Options{}, src)
	defer d.Destroy()

	delivered := make(chan Kind, 1)
	d.OnActivity(func(ev Event) { delivered <- ev.Kind })

	d.StartMonitoring()
	src.ch <- Event{Kind: KindPointerClick, Source: "dom"}

	select {
	case k := <-delivered:
		assert.Equal(t, KindPointerClick, k)
	case <-time.After(time.Second):
		t.Fatal("source signal was not delivered")
	}

	d.StopMonitoring()
}
