package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestManual_NowAndAdvance(t *testing.T) {
	c := NewManual(epoch)
	assert.Equal(t, epoch, c.Now())

	c.Advance(90 * time.Second)
	assert.Equal(t, epoch.Add(90*time.Second), c.Now())
}

func TestManual_FiresDueTimersInOrder(t *testing.T) {
	c := NewManual(epoch)

	var fired []string
	c.AfterFunc(2*time.Minute, func() { fired = append(fired, "second") })
	c.AfterFunc(1*time.Minute, func() { fired = append(fired, "first") })
	c.AfterFunc(10*time.Minute, func() { fired = append(fired, "late") })

	c.Advance(5 * time.Minute)

	assert.Equal(t, []string{"first", "second"}, fired)
	assert.Equal(t, 1, c.Pending())
}

func TestManual_NowDuringCallbackIsDeadline(t *testing.T) {
	c := NewManual(epoch)

	var seen time.Time
	c.AfterFunc(time.Minute, func() { seen = c.Now() })
	c.Advance(time.Hour)

	assert.Equal(t, epoch.Add(time.Minute), seen)
	assert.Equal(t, epoch.Add(time.Hour), c.Now())
}

func TestManual_StopPreventsFiring(t *testing.T) {
	c := NewManual(epoch)

	fired := false
	timer := c.AfterFunc(time.Minute, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports already stopped")

	c.Advance(time.Hour)
	assert.False(t, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestManual_StopAfterFireReturnsFalse(t *testing.T) {
	c := NewManual(epoch)
	timer := c.AfterFunc(time.Second, func() {})

	c.Advance(time.Second)
	assert.False(t, timer.Stop())
}

func TestManual_CallbackCanReschedule(t *testing.T) {
	c := NewManual(epoch)

	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Minute, tick)
		}
	}
	c.AfterFunc(time.Minute, tick)

	c.Advance(10 * time.Minute)
	assert.Equal(t, 3, count)
}

func TestReal_AfterFuncFires(t *testing.T) {
	done := make(chan struct{})
	Real().AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("real timer did not fire")
	}
}
