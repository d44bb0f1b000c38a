package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/consoleguard/internal/config"
	"github.com/alexjbarnes/consoleguard/internal/credentials"
	"github.com/alexjbarnes/consoleguard/internal/logging"
	"github.com/alexjbarnes/consoleguard/internal/models"
	"github.com/alexjbarnes/consoleguard/internal/session"
)

var Version = "dev"

const usage = `usage: consoleguard <command> [args]

commands:
  login <username>   create a session (password read from stdin)
  validate [token]   validate the session, optionally against a token
  refresh            exchange the refresh token and extend the session
  logout             destroy the session and revoke its tokens
  status             show the session and idle state
  run                hold the session open, reading activity from stdin
  keys               list signing keys
  rotate-keys        generate and activate a new signing key
  purge              drop revocation records past their token expiry
  hash-password      print a bcrypt hash for AUTH_USERS
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	// Handle hash-password subcommand before config loading.
	if os.Args[1] == "hash-password" {
		hashPassword()
		return
	}

	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashPassword() {
	fmt.Fprint(os.Stderr, "Enter password: ")
	password, err := readLine()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	hash, err := credentials.Hash(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(hash)
}

func readLine() (string, error) {
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return "", fmt.Errorf("no input")
	}

	return scanner.Text(), nil
}

func run(cmd string, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Debug("consoleguard starting",
		slog.String("version", Version),
		slog.String("command", cmd),
		slog.String("state", cfg.StatePath),
		slog.Bool("audit", cfg.AuditEnabled()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, appOptions{observe: cmd == "run"})
	if err != nil {
		return err
	}
	defer a.Close()

	switch cmd {
	case "login":
		return a.login(ctx, args)
	case "validate":
		return a.validate(ctx, args)
	case "refresh":
		return a.refresh(ctx)
	case "logout":
		return a.logout(ctx)
	case "status":
		return a.status(ctx)
	case "run":
		return a.run(ctx)
	case "keys":
		return a.listKeys(ctx)
	case "rotate-keys":
		return a.rotateKeys(ctx)
	case "purge":
		return a.purge(ctx)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	rememberMe := fs.Bool("remember-me", false, "use the extended session timeout")
	role := fs.String("role", "user", "role claim for the issued tokens")
	email := fs.String("email", "", "email claim for the issued tokens")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: consoleguard login [-remember-me] [-role r] <username>")
	}

	username := fs.Arg(0)

	users, err := a.cfg.ParseUsers()
	if err != nil {
		return fmt.Errorf("parsing auth users: %w", err)
	}

	fmt.Fprint(os.Stderr, "Password: ")
	password, err := readLine()
	if err != nil {
		return err
	}

	if !users.Verify(username, password) {
		a.logger.Warn("login rejected", slog.String("username", username))
		return fmt.Errorf("invalid username or password")
	}

	host, _ := os.Hostname()

	meta, err := a.sessions.CreateSession(ctx, session.CreateOptions{
		UserID:     username,
		Username:   username,
		Email:      *email,
		Role:       *role,
		RememberMe: *rememberMe,
		UserAgent:  "consoleguard/" + Version,
		IPAddress:  host,
	})
	if err != nil {
		return err
	}

	return printJSON(meta)
}

func (a *app) validate(ctx context.Context, args []string) error {
	var raw string
	if len(args) > 0 {
		raw = args[0]
	}

	v := a.sessions.ValidateSession(ctx, raw)

	out := struct {
		Valid   bool                    `json:"valid"`
		Reason  string                  `json:"reason,omitempty"`
		Session *models.SessionMetadata `json:"session,omitempty"`
	}{v.IsValid, v.Reason, v.Metadata}

	if err := printJSON(out); err != nil {
		return err
	}

	if !v.IsValid {
		return fmt.Errorf("session invalid: %s", v.Reason)
	}

	return nil
}

func (a *app) refresh(ctx context.Context) error {
	if err := a.restore(ctx); err != nil {
		return err
	}

	meta, err := a.refreshSession(ctx)
	if err != nil {
		return err
	}

	return printJSON(meta)
}

// refreshSession exchanges the current refresh token for a new pair,
// extends the session and revokes the spent refresh token.
func (a *app) refreshSession(ctx context.Context) (*models.SessionMetadata, error) {
	cur := a.sessions.Current()
	if cur == nil {
		return nil, fmt.Errorf("no active session")
	}

	pair, err := a.authority.RefreshToken(ctx, cur.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("refreshing tokens: %w", err)
	}

	meta, err := a.sessions.RenewSession(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("renewing session: %w", err)
	}

	if err := a.authority.RevokeToken(ctx, cur.RefreshToken, models.ReasonRevoke); err != nil {
		a.logger.Warn("revoking spent refresh token failed", slog.String("error", err.Error()))
	}

	a.logger.Info("session refreshed",
		slog.String("session_id", meta.SessionID),
		slog.Time("expiry", meta.ExpiryTime),
	)

	return meta, nil
}

func (a *app) logout(ctx context.Context) error {
	meta, err := a.sessions.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restoring session: %w", err)
	}

	if meta == nil {
		fmt.Println("no active session")
		return nil
	}

	if err := a.sessions.DestroySession(ctx); err != nil {
		return err
	}

	fmt.Printf("logged out of session %s\n", meta.SessionID)

	return nil
}

func (a *app) status(ctx context.Context) error {
	meta, err := a.sessions.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restoring session: %w", err)
	}

	out := struct {
		Active    bool                    `json:"active"`
		Session   *models.SessionMetadata `json:"session,omitempty"`
		ExpiresIn string                  `json:"expires_in,omitempty"`
		Activity  models.ActivityState    `json:"activity"`
		Warning   any                     `json:"warning,omitempty"`
		Fallback  bool                    `json:"fallback_key"`
	}{
		Active:   meta != nil,
		Session:  meta,
		Activity: a.tracker.State(),
		Fallback: a.keys.UsingFallback(),
	}

	if meta != nil {
		out.ExpiresIn = a.sessions.TimeToExpiry().Round(time.Second).String()
		if w := a.tracker.CalculateWarning(meta.ExpiryTime); w != nil {
			out.Warning = w
		}
	}

	return printJSON(out)
}

func (a *app) listKeys(ctx context.Context) error {
	keys, err := a.keys.ListKeys(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tALGORITHM\tCREATED\tACTIVE\tRETIRED")

	for _, k := range keys {
		retired := "-"
		if k.RetiredAt != nil {
			retired = k.RetiredAt.Format(time.RFC3339)
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n",
			k.ID, k.Algorithm, k.CreatedAt.Format(time.RFC3339), k.IsActive, retired)
	}

	return tw.Flush()
}

func (a *app) rotateKeys(ctx context.Context) error {
	id, err := a.keys.RotateKeys(ctx)
	if err != nil {
		return fmt.Errorf("rotating keys: %w", err)
	}

	fmt.Println(id)

	return nil
}

func (a *app) purge(ctx context.Context) error {
	n, err := a.authority.PurgeExpiredRevocations(ctx)
	if err != nil {
		return fmt.Errorf("purging revocations: %w", err)
	}

	fmt.Printf("purged %d revocation records\n", n)

	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

// ignoreCanceled treats shutdown by signal as a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
