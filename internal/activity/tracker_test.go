package activity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/consoleguard/internal/clock"
	apperrors "github.com/alexjbarnes/consoleguard/internal/errors"
	"github.com/alexjbarnes/consoleguard/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testState(t *testing.T) *state.State {
	t.Helper()
	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTracker(t *testing.T) (*Tracker, *clock.Manual, *state.State) {
	t.Helper()
	st := testState(t)
	c := clock.NewManual(epoch)
	return New(st, Config{Clock: c}, quietLogger()), c, st
}

// --- RecordActivity / State ---

func TestRecordActivity_CountsAndPersists(t *testing.T) {
	tr, c, st := newTracker(t)
	ctx := context.Background()

	c.Advance(time.Second)
	s1, err := tr.RecordActivity(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s1.ActivityCount)
	assert.True(t, s1.LastActivity.Equal(epoch.Add(time.Second)))
	assert.False(t, s1.IsIdle)

	c.Advance(time.Second)
	s2, err := tr.RecordActivity(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s2.ActivityCount)

	last, count, ok, err := st.Activity()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), count)
	assert.True(t, last.Equal(epoch.Add(2*time.Second)))
}

func TestNew_RestoresPersistedActivity(t *testing.T) {
	st := testState(t)
	require.NoError(t, st.SaveActivity(epoch.Add(-time.Minute), 9))

	tr := New(st, Config{Clock: clock.NewManual(epoch)}, quietLogger())
	s := tr.State()
	assert.Equal(t, int64(9), s.ActivityCount)
	assert.Equal(t, time.Minute, s.IdleDuration)
}

func TestState_IdleAfterThreshold(t *testing.T) {
	tr, c, _ := newTracker(t)
	_, err := tr.RecordActivity(context.Background())
	require.NoError(t, err)

	c.Advance(DefaultIdleThreshold)
	s := tr.State()
	assert.False(t, s.IsIdle, "exactly at the threshold is not idle")
	assert.Equal(t, DefaultIdleThreshold, s.IdleDuration)

	c.Advance(time.Second)
	assert.True(t, tr.State().IsIdle)
}

type failingStore struct{}

func (failingStore) SaveActivity(time.Time, int64) error { return errors.New("quota exceeded") }

func (failingStore) Activity() (time.Time, int64, bool, error) {
	return time.Time{}, 0, false, errors.New("unreadable")
}

func (failingStore) ClearActivity() error { return errors.New("quota exceeded") }

func TestRecordActivity_StorageFailure(t *testing.T) {
	tr := New(failingStore{}, Config{Clock: clock.NewManual(epoch)}, quietLogger())

	s, err := tr.RecordActivity(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrStorageUnavailable)
	assert.Equal(t, int64(1), s.ActivityCount, "in-memory state still advances")
	assert.Equal(t, int64(1), tr.State().ActivityCount)

	assert.ErrorIs(t, tr.Reset(context.Background()), apperrors.ErrStorageUnavailable)
}

// --- Reset ---

func TestReset(t *testing.T) {
	tr, c, st := newTracker(t)
	ctx := context.Background()

	for range 3 {
		_, err := tr.RecordActivity(ctx)
		require.NoError(t, err)
	}

	c.Advance(time.Hour)
	require.NoError(t, tr.Reset(ctx))

	s := tr.State()
	assert.Zero(t, s.ActivityCount)
	assert.Zero(t, s.IdleDuration)

	_, _, ok, err := st.Activity()
	require.NoError(t, err)
	assert.False(t, ok)
}

// --- Observe / Run ---

func TestObserve_RejectsUnknownKinds(t *testing.T) {
	tr, _, _ := newTracker(t)
	assert.False(t, tr.Observe("mouse-wheel"))
	assert.False(t, tr.Observe(""))

	for _, k := range Kinds {
		assert.True(t, tr.Observe(k), string(k))
	}
}

func TestObserve_NeverBlocks(t *testing.T) {
	tr, _, _ := newTracker(t)

	done := make(chan struct{})
	go func() {
		for range eventBuffer * 4 {
			tr.Observe(PointerMove)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Observe blocked without a consumer")
	}
}

func TestRun_RecordsObservedEvents(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(stopped)
	}()

	tr.Observe(KeyPress)
	tr.Observe(Scroll)

	assert.Eventually(t, func() bool {
		return tr.State().ActivityCount == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-stopped
}

// --- CalculateWarning ---

func TestCalculateWarning(t *testing.T) {
	tr, _, _ := newTracker(t)

	tests := []struct {
		name   string
		expiry time.Time
		want   *Warning
	}{
		{"beyond window", epoch.Add(6 * time.Minute), nil},
		{"edge of window", epoch.Add(5 * time.Minute), &Warning{IsShowing: true, MinutesRemaining: 5, Level: LevelWarning}},
		{"three minutes out", epoch.Add(3 * time.Minute), &Warning{IsShowing: true, MinutesRemaining: 3, Level: LevelWarning}},
		{"ninety seconds", epoch.Add(90 * time.Second), &Warning{IsShowing: true, MinutesRemaining: 1, Level: LevelWarning}},
		{"one minute", epoch.Add(time.Minute), &Warning{IsShowing: true, MinutesRemaining: 1, Level: LevelCritical}},
		{"thirty seconds", epoch.Add(30 * time.Second), &Warning{IsShowing: true, MinutesRemaining: 0, Level: LevelCritical}},
		{"thirty seconds ago", epoch.Add(-30 * time.Second), &Warning{IsShowing: true, MinutesRemaining: 0, Level: LevelCritical}},
		{"long expired", epoch.Add(-time.Hour), &Warning{IsShowing: true, MinutesRemaining: 0, Level: LevelCritical}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tr.CalculateWarning(tt.expiry))
		})
	}
}

func TestSetWarningWindow(t *testing.T) {
	tr, _, _ := newTracker(t)
	expiry := epoch.Add(8 * time.Minute)
	assert.Nil(t, tr.CalculateWarning(expiry))

	tr.SetWarningWindow(10 * time.Minute)
	w := tr.CalculateWarning(expiry)
	require.NotNil(t, w)
	assert.Equal(t, 8, w.MinutesRemaining)

	tr.SetWarningWindow(0)
	assert.NotNil(t, tr.CalculateWarning(expiry), "non-positive window is ignored")
}
