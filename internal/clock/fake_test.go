package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresInOrder(t *testing.T) {
	f := NewFake(time.Unix(0, 0))

	var fired []string
	f.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	f.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	f.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })

	f.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 1, f.Pending())

	f.Advance(1 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, 0, f.Pending())
}

func TestFakeStopPreventsFiring(t *testing.T) {
	f := NewFake(time.Unix(0, 0))

	fired := false
	timer := f.AfterFunc(time.Second, func() { fired = true })
	require.True(t, timer.Stop())

	f.Advance(5 * time.Second)
	assert.False(t, fired)

	// Stopping a second time reports nothing was pending.
	assert.False(t, timer.Stop())
}

func TestFakeRearmWithinWindow(t *testing.T) {
	f := NewFake(time.Unix(0, 0))

	var fired []string
	f.AfterFunc(1*time.Second, func() {
		fired = append(fired, "first")
		// Re-arm relative to the fired deadline; still inside the window.
		f.AfterFunc(1*time.Second, func() { fired = append(fired, "second") })
	})

	f.Advance(2 * time.Second)
	assert.Equal(t, []string{"first", "second"}, fired)
}

func TestFakeNowTracksDeadlineDuringFire(t *testing.T) {
	f := NewFake(time.Unix(0, 0))

	var seen time.Time
	f.AfterFunc(90*time.Second, func() { seen = f.Now() })

	f.Advance(10 * time.Minute)
	assert.Equal(t, time.Unix(90, 0), seen)
	assert.Equal(t, time.Unix(600, 0), f.Now())
}
