// Package activity tracks user interaction to derive idleness and expiry
// warnings.
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/consoleguard/internal/clock"
	apperrors "github.com/alexjbarnes/consoleguard/internal/errors"
	"github.com/alexjbarnes/consoleguard/internal/models"
)

const (
	DefaultIdleThreshold = 5 * time.Minute
	DefaultWarningWindow = 5 * time.Minute

	// criticalWindow is the remaining time at or below which a warning is
	// critical.
	criticalWindow = time.Minute

	eventBuffer = 64
)

// Kind is an interaction event type.
type Kind string

const (
	PointerDown Kind = "pointer-down"
	PointerMove Kind = "pointer-move"
	KeyPress    Kind = "key-press"
	Scroll      Kind = "scroll"
	TouchStart  Kind = "touch-start"
)

// Kinds lists every accepted interaction event type.
var Kinds = []Kind{PointerDown, PointerMove, KeyPress, Scroll, TouchStart}

func (k Kind) valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}

	return false
}

// Warning levels.
const (
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Warning describes an upcoming session expiry.
type Warning struct {
	IsShowing        bool   `json:"is_showing"`
	MinutesRemaining int    `json:"minutes_remaining"`
	Level            string `json:"warning_level"`
}

// Store persists the last activity time and count.
type Store interface {
	SaveActivity(last time.Time, count int64) error
	Activity() (last time.Time, count int64, ok bool, err error)
	ClearActivity() error
}

// Config configures a Tracker. Zero values select the defaults.
type Config struct {
	IdleThreshold time.Duration
	WarningWindow time.Duration
	Clock         clock.Clock
}

// Tracker records interaction events.
type Tracker struct {
	store         Store
	logger        *slog.Logger
	clock         clock.Clock
	idleThreshold time.Duration
	events        chan Kind

	mu            sync.Mutex
	lastActivity  time.Time
	count         int64
	warningWindow time.Duration
}

// New creates a Tracker, restoring persisted activity if there is any.
func New(store Store, cfg Config, logger *slog.Logger) *Tracker {
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = DefaultIdleThreshold
	}

	if cfg.WarningWindow <= 0 {
		cfg.WarningWindow = DefaultWarningWindow
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	t := &Tracker{
		store:         store,
		logger:        logger,
		clock:         cfg.Clock,
		idleThreshold: cfg.IdleThreshold,
		warningWindow: cfg.WarningWindow,
		events:        make(chan Kind, eventBuffer),
		lastActivity:  cfg.Clock.Now(),
	}

	last, count, ok, err := store.Activity()
	switch {
	case err != nil:
		logger.Warn("loading persisted activity failed", slog.String("error", err.Error()))
	case ok:
		t.lastActivity = last
		t.count = count
	}

	return t
}

// Observe queues an interaction event for Run to record. It never blocks:
// when the queue is full the event is dropped, which only loses a count
// increment since a newer event is already pending. It returns false for
// unknown kinds.
func (t *Tracker) Observe(kind Kind) bool {
	if !kind.valid() {
		return false
	}

	select {
	case t.events <- kind:
	default:
	}

	return true
}

// Run records queued events until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case kind := <-t.events:
			if _, err := t.RecordActivity(ctx); err != nil {
				t.logger.Warn("recording activity failed",
					slog.String("kind", string(kind)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RecordActivity bumps the activity count and last activity time and
// persists both. The in-memory state is updated even if persisting fails.
func (t *Tracker) RecordActivity(_ context.Context) (models.ActivityState, error) {
	t.mu.Lock()
	t.count++
	t.lastActivity = t.clock.Now()
	last, count := t.lastActivity, t.count
	st := t.stateLocked()
	t.mu.Unlock()

	if err := t.store.SaveActivity(last, count); err != nil {
		return st, fmt.Errorf("%w: saving activity: %w", apperrors.ErrStorageUnavailable, err)
	}

	return st, nil
}

// State returns the current activity summary.
func (t *Tracker) State() models.ActivityState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

func (t *Tracker) stateLocked() models.ActivityState {
	idle := max(t.clock.Now().Sub(t.lastActivity), 0)

	return models.ActivityState{
		LastActivity:  t.lastActivity,
		IsIdle:        idle > t.idleThreshold,
		IdleDuration:  idle,
		ActivityCount: t.count,
	}
}

// SetWarningWindow changes how far ahead of expiry warnings start.
func (t *Tracker) SetWarningWindow(d time.Duration) {
	if d <= 0 {
		return
	}

	t.mu.Lock()
	t.warningWindow = d
	t.mu.Unlock()
}

// CalculateWarning returns nil while expiry is further away than the
// warning window. Within it the level is warning, dropping to critical at
// one minute or less, including after expiry has passed.
func (t *Tracker) CalculateWarning(expiry time.Time) *Warning {
	t.mu.Lock()
	window := t.warningWindow
	t.mu.Unlock()

	return WarningFor(expiry.Sub(t.clock.Now()), window)
}

// WarningFor is CalculateWarning for a known remaining time and window.
func WarningFor(remaining, window time.Duration) *Warning {
	if remaining > window {
		return nil
	}

	level := LevelWarning
	if remaining <= criticalWindow {
		level = LevelCritical
	}

	return &Warning{
		IsShowing:        true,
		MinutesRemaining: int(max(remaining, 0) / time.Minute),
		Level:            level,
	}
}

// Reset zeroes the count, restarts the idle clock and clears persisted
// activity.
func (t *Tracker) Reset(_ context.Context) error {
	t.mu.Lock()
	t.count = 0
	t.lastActivity = t.clock.Now()
	t.mu.Unlock()

	if err := t.store.ClearActivity(); err != nil {
		return fmt.Errorf("%w: clearing activity: %w", apperrors.ErrStorageUnavailable, err)
	}

	return nil
}
