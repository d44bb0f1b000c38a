package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alexjbarnes/consoleguard/internal/auditserver"
	"github.com/alexjbarnes/consoleguard/internal/keystore"
	"github.com/alexjbarnes/consoleguard/internal/logging"
	"github.com/alexjbarnes/consoleguard/internal/models"
	"github.com/alexjbarnes/consoleguard/internal/state"
	"github.com/alexjbarnes/consoleguard/internal/token"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const usage = `usage: consoleguard-audit [serve|issue-token|revoke-token] [flags]

  serve          run the audit server (default)
  issue-token    print a bearer token for AUDIT_TOKEN
  revoke-token   revoke a previously issued bearer token
`

type config struct {
	ListenAddr     string
	StatePath      string
	LogLevel       string
	Environment    string
	Issuer         string
	Audience       string
	SessionTimeout time.Duration
	PurgeInterval  time.Duration
	KDFIterations  int

	// issue-token
	Subject string
	TTL     time.Duration
}

func main() {
	cmd := "serve"
	args := os.Args[1:]

	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	if err := run(cmd, args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd string, args []string) (*config, *flag.FlagSet, error) {
	cfg := &config{}
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)

	fs.StringVar(&cfg.ListenAddr, "listen-addr", envOr("AUDIT_LISTEN_ADDR", ":8091"), "HTTP listen address")
	fs.StringVar(&cfg.StatePath, "state-path", envOr("AUDIT_STATE_PATH", defaultStatePath()), "audit database path")
	fs.StringVar(&cfg.LogLevel, "log-level", os.Getenv("LOG_LEVEL"), "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Environment, "environment", envOr("ENVIRONMENT", "development"), "development or production")
	fs.StringVar(&cfg.Issuer, "issuer", envOr("TOKEN_ISSUER", "consoleguard"), "token issuer")
	fs.StringVar(&cfg.Audience, "audience", envOr("AUDIT_AUDIENCE", "audit"), "token audience")
	fs.DurationVar(&cfg.SessionTimeout, "session-timeout", 30*time.Minute, "close idle MCP sessions after this long")
	fs.DurationVar(&cfg.PurgeInterval, "purge-interval", time.Hour, "how often to purge expired revocations")
	fs.IntVar(&cfg.KDFIterations, "kdf-iterations", 100_000, "key store KDF iterations")
	fs.StringVar(&cfg.Subject, "subject", "console", "issue-token: subject claim")
	fs.DurationVar(&cfg.TTL, "ttl", 720*time.Hour, "issue-token: token lifetime")

	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	abs, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving state path: %w", err)
	}

	cfg.StatePath = abs

	return cfg, fs, nil
}

func defaultStatePath() string {
	p, err := state.DefaultPath()
	if err != nil {
		return "audit.db"
	}

	return filepath.Join(filepath.Dir(p), "audit.db")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(cmd string, args []string) error {
	cfg, fs, err := loadConfig(cmd, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}

		return err
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer st.Close()

	keys := keystore.New(st, keystore.Options{
		Iterations:  cfg.KDFIterations,
		Fingerprint: keystore.DefaultFingerprint(cfg.StatePath),
	}, logger.With(slog.String("component", "keystore")))

	if err := keys.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing key store: %w", err)
	}

	authority, err := token.New(keys, st, token.Config{
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
	}, logger.With(slog.String("component", "token")))
	if err != nil {
		return fmt.Errorf("creating token authority: %w", err)
	}

	switch cmd {
	case "serve":
		return serve(ctx, cfg, st, authority, logger)
	case "issue-token":
		return issueToken(ctx, cfg, authority)
	case "revoke-token":
		if fs.NArg() != 1 {
			return fmt.Errorf("usage: consoleguard-audit revoke-token <token>")
		}

		if err := authority.RevokeToken(ctx, fs.Arg(0), models.ReasonRevoke); err != nil {
			return err
		}

		fmt.Println("revoked")

		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func issueToken(ctx context.Context, cfg *config, authority *token.Authority) error {
	raw, err := authority.GenerateToken(ctx, token.Options{
		UserID:   cfg.Subject,
		Username: cfg.Subject,
		Scope:    []string{auditserver.ScopeAudit},
		Type:     token.Access,
		TTL:      cfg.TTL,
	})
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	fmt.Println(raw)

	return nil
}

func serve(ctx context.Context, cfg *config, st *state.State, authority *token.Authority, logger *slog.Logger) error {
	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "consoleguard-audit", Version: Version},
		nil,
	)
	auditserver.RegisterTools(mcpServer, st, nil, logger.With(slog.String("component", "tools")))

	mux := auditserver.NewMux(auditserver.MuxConfig{
		Server:         mcpServer,
		Validator:      authority,
		Logger:         logger.With(slog.String("component", "http")),
		SessionTimeout: cfg.SessionTimeout,
	})

	// No write timeout: websocket and event streams stay open.
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		logger.Info("starting audit server",
			slog.String("version", Version),
			slog.String("listen", cfg.ListenAddr),
			slog.String("state", cfg.StatePath),
		)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("audit server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		purgeLoop(gctx, authority, cfg.PurgeInterval, logger)
		return nil
	})

	return g.Wait()
}

func purgeLoop(ctx context.Context, authority *token.Authority, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := authority.PurgeExpiredRevocations(ctx)
			if err != nil {
				logger.Warn("purging revocations failed", slog.String("error", err.Error()))
				continue
			}

			if n > 0 {
				logger.Info("purged revocations", slog.Int("count", n))
			}
		}
	}
}
