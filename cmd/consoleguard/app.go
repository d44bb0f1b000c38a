package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/consoleguard/internal/activity"
	"github.com/alexjbarnes/consoleguard/internal/config"
	"github.com/alexjbarnes/consoleguard/internal/keystore"
	"github.com/alexjbarnes/consoleguard/internal/rpc"
	"github.com/alexjbarnes/consoleguard/internal/session"
	"github.com/alexjbarnes/consoleguard/internal/settings"
	"github.com/alexjbarnes/consoleguard/internal/state"
	"github.com/alexjbarnes/consoleguard/internal/token"
)

// app is the composition root: every component is constructed once here
// and handed to the others.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	state     *state.State
	keys      *keystore.Store
	authority *token.Authority
	settings  settings.Provider
	file      *settings.File
	tracker   *activity.Tracker
	audit     *rpc.Client
	sessions  *session.Manager
}

type appOptions struct {
	// observe leaves activity recording to the tracker's own event loop
	// instead of the session manager.
	observe bool
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	st, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, state: st}

	a.keys = keystore.New(st, keystore.Options{
		Iterations:  cfg.KDFIterations,
		GracePeriod: cfg.KeyGracePeriod,
		Fingerprint: keystore.DefaultFingerprint(cfg.StatePath),
	}, logger.With(slog.String("component", "keystore")))

	if err := a.keys.Initialize(ctx); err != nil {
		// Signing still works through the fallback key.
		logger.Warn("key store initialization failed", slog.String("error", err.Error()))
	}

	a.authority, err = token.New(a.keys, st, token.Config{
		Issuer:     cfg.TokenIssuer,
		Audience:   cfg.TokenAudience,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
		Skew:       cfg.ClockSkew,
	}, logger.With(slog.String("component", "token")))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating token authority: %w", err)
	}

	a.settings = settings.Static{}
	if cfg.SettingsFile != "" {
		a.file = settings.Load(cfg.SettingsFile, logger.With(slog.String("component", "settings")))
		a.settings = a.file
	}

	a.tracker = activity.New(st, activity.Config{
		IdleThreshold: cfg.IdleThreshold,
		WarningWindow: a.settings.Current().IdleWarning(),
	}, logger.With(slog.String("component", "activity")))

	sessCfg := session.Config{
		Settings:         a.settings,
		RefreshThreshold: cfg.RefreshThreshold,
	}

	if !opts.observe {
		sessCfg.Activity = a.tracker
	}

	if cfg.AuditEnabled() {
		a.audit, err = rpc.New(rpc.Config{
			URL:       cfg.AuditURL,
			Transport: cfg.AuditTransport,
			Token:     cfg.AuditToken,
			Version:   Version,
		}, logger.With(slog.String("component", "rpc")))
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("creating audit client: %w", err)
		}

		sessCfg.Auditor = rpc.NewAuditor(a.audit, logger.With(slog.String("component", "audit")))
	}

	a.sessions = session.New(st, a.authority, sessCfg, logger.With(slog.String("component", "session")))

	return a, nil
}

func (a *app) Close() {
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.logger.Debug("closing audit client", slog.String("error", err.Error()))
		}
	}

	if err := a.state.Close(); err != nil {
		a.logger.Warn("closing state", slog.String("error", err.Error()))
	}
}

// restore loads the persisted session or fails with a hint to log in.
func (a *app) restore(ctx context.Context) error {
	meta, err := a.sessions.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restoring session: %w", err)
	}

	if meta == nil {
		return fmt.Errorf("no active session, run: consoleguard login <username>")
	}

	return nil
}
