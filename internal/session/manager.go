// Package session owns the lifecycle of the single active console
// session: creation, validation, renewal, expiry and idle warnings.
//
// Only one session exists per Manager. Creating a session supersedes the
// previous one's timers. Timer callbacks take the same lock as every
// operation, and a generation counter discards callbacks from timers
// that were stopped while they were already waiting for it.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/consoleguard/internal/activity"
	"github.com/alexjbarnes/consoleguard/internal/clock"
	apperrors "github.com/alexjbarnes/consoleguard/internal/errors"
	"github.com/alexjbarnes/consoleguard/internal/models"
	"github.com/alexjbarnes/consoleguard/internal/settings"
	"github.com/alexjbarnes/consoleguard/internal/token"
	"github.com/google/uuid"
)

const (
	DefaultRefreshThreshold = 5 * time.Minute

	eventBuffer = 16
)

// EventKind identifies a session event.
type EventKind string

const (
	EventWarning       EventKind = "warning"
	EventExpired       EventKind = "expired"
	EventRefreshNeeded EventKind = "refresh-needed"
)

// Event is emitted on the Events channel.
type Event struct {
	Kind             EventKind
	SessionID        string
	MinutesRemaining int
	Level            string
	At               time.Time
}

// Store persists the encoded session. *state.State satisfies it.
type Store interface {
	SaveSession(sessionID string, blob []byte) error
	LoadSession() (string, []byte, error)
	ClearSession() error
}

// Tokens is the part of the token authority the manager uses.
type Tokens interface {
	GenerateTokenPair(ctx context.Context, opts token.Options) (*token.Pair, error)
	ValidateToken(ctx context.Context, raw string) token.Result
	RevokeToken(ctx context.Context, raw, reason string) error
}

// Activity records user interaction. *activity.Tracker satisfies it.
type Activity interface {
	RecordActivity(ctx context.Context) (models.ActivityState, error)
}

// Auditor reports lifecycle events remotely. Implementations must not
// fail the caller; *rpc.Auditor only logs.
type Auditor interface {
	LoginEvent(ctx context.Context, sessionID, username string)
	LogoutEvent(ctx context.Context, sessionID, username string)
}

// Config configures a Manager. Settings defaults to settings.Defaults.
// Activity and Auditor are optional.
type Config struct {
	Settings         settings.Provider
	RefreshThreshold time.Duration
	Clock            clock.Clock
	Activity         Activity
	Auditor          Auditor
}

// CreateOptions identifies the user a session is created for.
type CreateOptions struct {
	UserID      string
	Username    string
	Email       string
	Role        string
	Scope       []string
	Preferences map[string]string
	RememberMe  bool
	UserAgent   string
	IPAddress   string
}

// Validation is the outcome of ValidateSession. Reason is a wire code and
// is empty when IsValid.
type Validation struct {
	IsValid  bool
	Reason   string
	Metadata *models.SessionMetadata
}

// ended identifies a destroyed session for the logout audit call, which
// runs after the lock is released.
type ended struct {
	sessionID string
	username  string
}

// Manager owns the current session.
type Manager struct {
	store            Store
	tokens           Tokens
	settings         settings.Provider
	activity         Activity
	auditor          Auditor
	logger           *slog.Logger
	clock            clock.Clock
	refreshThreshold time.Duration
	events           chan Event

	mu          sync.Mutex
	current     *models.SessionMetadata
	warnTimer   clock.Timer
	expiryTimer clock.Timer
	generation  uint64
}

// New creates a Manager. It does not load a persisted session; call
// Restore for that.
func New(store Store, tokens Tokens, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Settings == nil {
		cfg.Settings = settings.Static{}
	}

	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = DefaultRefreshThreshold
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	return &Manager{
		store:            store,
		tokens:           tokens,
		settings:         cfg.Settings,
		activity:         cfg.Activity,
		auditor:          cfg.Auditor,
		logger:           logger,
		clock:            cfg.Clock,
		refreshThreshold: cfg.RefreshThreshold,
		events:           make(chan Event, eventBuffer),
	}
}

// Events delivers warnings, expiry and refresh-needed notices. Events are
// dropped when nobody drains the channel.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// CreateSession mints a token pair, persists the session and arms its
// timers. Any failure wraps ErrSessionCreateFailed and leaves a previous
// session untouched.
func (m *Manager) CreateSession(ctx context.Context, opts CreateOptions) (*models.SessionMetadata, error) {
	if opts.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", apperrors.ErrSessionCreateFailed)
	}

	meta, err := m.create(ctx, opts)
	if err != nil {
		return nil, err
	}

	if m.auditor != nil {
		m.auditor.LoginEvent(ctx, meta.SessionID, meta.Username)
	}

	return meta, nil
}

func (m *Manager) create(ctx context.Context, opts CreateOptions) (*models.SessionMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	timeout := m.settings.Current().Timeout(opts.RememberMe)
	id := uuid.NewString()

	pair, err := m.tokens.GenerateTokenPair(ctx, token.Options{
		UserID:      opts.UserID,
		Username:    opts.Username,
		Email:       opts.Email,
		Role:        opts.Role,
		SessionID:   id,
		Scope:       opts.Scope,
		Preferences: opts.Preferences,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: minting tokens: %w", apperrors.ErrSessionCreateFailed, err)
	}

	meta := &models.SessionMetadata{
		SessionID:    id,
		UserID:       opts.UserID,
		Username:     opts.Username,
		UserAgent:    opts.UserAgent,
		IPAddress:    opts.IPAddress,
		RememberMe:   opts.RememberMe,
		StartTime:    now,
		LastActivity: now,
		ExpiryTime:   now.Add(timeout),
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenExpiry:  tokenExpiry(pair),
	}

	if err := m.persistLocked(meta); err != nil {
		m.revokeLocked(ctx, meta, models.ReasonRevoke)
		return nil, fmt.Errorf("%w: %w", apperrors.ErrSessionCreateFailed, err)
	}

	if prev := m.current; prev != nil {
		m.logger.Info("superseding session", slog.String("session_id", prev.SessionID))
	}

	m.current = meta
	m.armLocked(meta)

	m.logger.Info("session created",
		slog.String("session_id", id),
		slog.String("user_id", opts.UserID),
		slog.Duration("timeout", timeout),
	)

	return clone(meta), nil
}

// ValidateSession checks the current session and its token. raw, when
// given, is validated instead of the stored access token. Any failure
// destroys the session.
func (m *Manager) ValidateSession(ctx context.Context, raw string) Validation {
	m.mu.Lock()
	v, e := m.validateLocked(ctx, raw)
	m.mu.Unlock()

	m.auditLogout(ctx, e)

	return v
}

func (m *Manager) validateLocked(ctx context.Context, raw string) (Validation, *ended) {
	meta, err := m.loadLocked()
	if err != nil {
		m.logger.Warn("loading session failed", slog.String("error", err.Error()))
	}

	if meta == nil {
		return Validation{Reason: apperrors.Code(apperrors.ErrUnauthenticated)}, nil
	}

	now := m.clock.Now()
	if !now.Before(meta.ExpiryTime) {
		m.logger.Info("session expired", slog.String("session_id", meta.SessionID))
		return Validation{Reason: apperrors.Code(apperrors.ErrExpired)}, m.destroyLocked(ctx, models.ReasonLogout)
	}

	tok := raw
	if tok == "" {
		tok = meta.AccessToken
	}

	if tok != "" {
		res := m.tokens.ValidateToken(ctx, tok)
		if !res.IsValid {
			code := res.Err.Code()
			m.logger.Warn("session token rejected, destroying session",
				slog.String("session_id", meta.SessionID),
				slog.String("code", code),
			)

			return Validation{Reason: code}, m.destroyLocked(ctx, models.ReasonSecurity)
		}
	}

	meta.LastActivity = now
	if err := m.persistLocked(meta); err != nil {
		m.logger.Warn("persisting session activity failed", slog.String("error", err.Error()))
	}

	return Validation{IsValid: true, Metadata: clone(meta)}, nil
}

// RenewSession extends the current session from now and, when pair is
// given, replaces its tokens. The old tokens are not revoked.
func (m *Manager) RenewSession(_ context.Context, pair *token.Pair) (*models.SessionMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, err := m.loadLocked()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrNoActiveSession, err)
	}

	if meta == nil {
		return nil, apperrors.ErrNoActiveSession
	}

	now := m.clock.Now()

	next := clone(meta)
	next.LastActivity = now
	next.ExpiryTime = now.Add(m.settings.Current().Timeout(meta.RememberMe))

	if pair != nil {
		next.AccessToken = pair.AccessToken
		next.RefreshToken = pair.RefreshToken
		next.TokenExpiry = tokenExpiry(pair)
	}

	if err := m.persistLocked(next); err != nil {
		return nil, err
	}

	m.current = next
	m.armLocked(next)

	m.logger.Info("session renewed",
		slog.String("session_id", next.SessionID),
		slog.Time("expires", next.ExpiryTime),
		slog.Bool("new_tokens", pair != nil),
	)

	return clone(next), nil
}

// DestroySession revokes the session's tokens, clears persistence and
// cancels timers. Every step is best effort, so the only error is a
// context cancelled before it starts. Without a session it does nothing.
func (m *Manager) DestroySession(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()

	meta, err := m.loadLocked()
	if err != nil {
		m.logger.Warn("loading session failed", slog.String("error", err.Error()))
	}

	var e *ended
	if meta != nil {
		e = m.destroyLocked(ctx, models.ReasonLogout)
	}

	m.mu.Unlock()

	m.auditLogout(ctx, e)

	return nil
}

// RecordActivity notes user interaction. It reports true, and emits
// EventRefreshNeeded, when the access token expires within the refresh
// threshold. Refreshing is left to the caller.
func (m *Manager) RecordActivity(ctx context.Context) (bool, error) {
	if m.activity != nil {
		if _, err := m.activity.RecordActivity(ctx); err != nil {
			m.logger.Warn("recording activity failed", slog.String("error", err.Error()))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	meta, err := m.loadLocked()
	if err != nil {
		return false, fmt.Errorf("%w: %w", apperrors.ErrNoActiveSession, err)
	}

	if meta == nil {
		return false, apperrors.ErrNoActiveSession
	}

	now := m.clock.Now()

	meta.LastActivity = now
	if err := m.persistLocked(meta); err != nil {
		m.logger.Warn("persisting session activity failed", slog.String("error", err.Error()))
	}

	if meta.TokenExpiry.IsZero() {
		return false, nil
	}

	remaining := meta.TokenExpiry.Sub(now)
	if remaining <= 0 || remaining > m.refreshThreshold {
		return false, nil
	}

	m.emit(Event{Kind: EventRefreshNeeded, SessionID: meta.SessionID, At: now})

	return true, nil
}

// TimeToExpiry returns how long the current session has left, or zero
// without a session.
func (m *Manager) TimeToExpiry() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return 0
	}

	return max(m.current.ExpiryTime.Sub(m.clock.Now()), 0)
}

// Current returns a copy of the session metadata, or nil.
func (m *Manager) Current() *models.SessionMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}

	return clone(m.current)
}

// Restore adopts a persisted session after a restart and re-arms its
// timers. An expired session is destroyed and nil is returned.
func (m *Manager) Restore(ctx context.Context) (*models.SessionMetadata, error) {
	m.mu.Lock()

	meta, err := m.loadLocked()
	if err != nil || meta == nil {
		m.mu.Unlock()
		return nil, err
	}

	if !m.clock.Now().Before(meta.ExpiryTime) {
		e := m.destroyLocked(ctx, models.ReasonLogout)
		m.mu.Unlock()

		m.logger.Info("persisted session had expired", slog.String("session_id", e.sessionID))
		m.auditLogout(ctx, e)

		return nil, nil
	}

	c := clone(meta)
	m.mu.Unlock()

	return c, nil
}

// loadLocked returns the current session, adopting the persisted one if
// there is no session in memory. A blob that does not decode, or whose id
// does not match the current-session pointer, is cleared.
func (m *Manager) loadLocked() (*models.SessionMetadata, error) {
	if m.current != nil {
		return m.current, nil
	}

	id, blob, err := m.store.LoadSession()
	if err != nil {
		return nil, fmt.Errorf("%w: loading session: %w", apperrors.ErrStorageUnavailable, err)
	}

	if len(blob) == 0 {
		return nil, nil
	}

	meta, err := decode(blob)
	if err == nil && meta.SessionID != id {
		err = fmt.Errorf("session blob id %q does not match current session %q", meta.SessionID, id)
	}

	if err != nil {
		m.logger.Warn("discarding unreadable session", slog.String("error", err.Error()))

		if cerr := m.store.ClearSession(); cerr != nil {
			m.logger.Warn("clearing session failed", slog.String("error", cerr.Error()))
		}

		return nil, nil
	}

	m.current = meta
	m.armLocked(meta)

	return meta, nil
}

func (m *Manager) persistLocked(meta *models.SessionMetadata) error {
	blob, err := encode(meta)
	if err != nil {
		return err
	}

	if err := m.store.SaveSession(meta.SessionID, blob); err != nil {
		return fmt.Errorf("%w: persisting session: %w", apperrors.ErrStorageUnavailable, err)
	}

	return nil
}

// destroyLocked tears down the current session. Failures are logged.
func (m *Manager) destroyLocked(ctx context.Context, reason string) *ended {
	meta := m.current

	m.stopTimersLocked()
	m.current = nil

	if meta == nil {
		return nil
	}

	m.revokeLocked(ctx, meta, reason)

	if err := m.store.ClearSession(); err != nil {
		m.logger.Warn("clearing persisted session failed",
			slog.String("session_id", meta.SessionID),
			slog.String("error", err.Error()),
		)
	}

	m.logger.Info("session destroyed",
		slog.String("session_id", meta.SessionID),
		slog.String("reason", reason),
	)

	return &ended{sessionID: meta.SessionID, username: meta.Username}
}

func (m *Manager) revokeLocked(ctx context.Context, meta *models.SessionMetadata, reason string) {
	ctx = context.WithoutCancel(ctx)

	for _, tok := range []string{meta.AccessToken, meta.RefreshToken} {
		if tok == "" {
			continue
		}

		if err := m.tokens.RevokeToken(ctx, tok, reason); err != nil {
			m.logger.Warn("revoking session token failed",
				slog.String("session_id", meta.SessionID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// armLocked replaces the session's timers: one expiry timer and, unless
// the session is already inside the warning window, one warning timer.
// Inside the window the warning is emitted immediately instead.
func (m *Manager) armLocked(meta *models.SessionMetadata) {
	m.stopTimersLocked()

	gen := m.generation
	remaining := meta.ExpiryTime.Sub(m.clock.Now())
	window := m.settings.Current().IdleWarning()

	m.expiryTimer = m.clock.AfterFunc(remaining, func() { m.expire(gen) })

	if lead := remaining - window; lead > 0 {
		m.warnTimer = m.clock.AfterFunc(lead, func() { m.warn(gen) })
	} else if remaining > 0 {
		m.emitWarningLocked(meta, remaining, window)
	}
}

func (m *Manager) stopTimersLocked() {
	if m.warnTimer != nil {
		m.warnTimer.Stop()
		m.warnTimer = nil
	}

	if m.expiryTimer != nil {
		m.expiryTimer.Stop()
		m.expiryTimer = nil
	}

	m.generation++
}

func (m *Manager) expire(gen uint64) {
	m.mu.Lock()

	if gen != m.generation || m.current == nil {
		m.mu.Unlock()
		return
	}

	ctx := context.Background()
	e := m.destroyLocked(ctx, models.ReasonLogout)
	m.emit(Event{
		Kind:      EventExpired,
		SessionID: e.sessionID,
		Level:     activity.LevelCritical,
		At:        m.clock.Now(),
	})

	m.mu.Unlock()

	m.auditLogout(ctx, e)
}

func (m *Manager) warn(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation || m.current == nil {
		return
	}

	m.warnTimer = nil

	remaining := m.current.ExpiryTime.Sub(m.clock.Now())
	m.emitWarningLocked(m.current, remaining, m.settings.Current().IdleWarning())
}

func (m *Manager) emitWarningLocked(meta *models.SessionMetadata, remaining, window time.Duration) {
	w := activity.WarningFor(remaining, window)
	if w == nil {
		return
	}

	m.emit(Event{
		Kind:             EventWarning,
		SessionID:        meta.SessionID,
		MinutesRemaining: w.MinutesRemaining,
		Level:            w.Level,
		At:               m.clock.Now(),
	})
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Debug("dropping session event", slog.String("kind", string(ev.Kind)))
	}
}

func (m *Manager) auditLogout(ctx context.Context, e *ended) {
	if e == nil || m.auditor == nil {
		return
	}

	m.auditor.LogoutEvent(ctx, e.sessionID, e.username)
}

func clone(meta *models.SessionMetadata) *models.SessionMetadata {
	c := *meta
	return &c
}

// tokenExpiry reads the exp claim of the access token, falling back to
// the expiry reported with the pair.
func tokenExpiry(pair *token.Pair) time.Time {
	if d := token.DecodeToken(pair.AccessToken); d != nil && d.Claims.ExpiresAt != nil {
		return d.Claims.ExpiresAt.UTC()
	}

	return pair.AccessExpiry
}
