package e2e_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/consoleguard/internal/auditserver"
	"github.com/alexjbarnes/consoleguard/internal/keystore"
	"github.com/alexjbarnes/consoleguard/internal/models"
	"github.com/alexjbarnes/consoleguard/internal/rpc"
	"github.com/alexjbarnes/consoleguard/internal/session"
	"github.com/alexjbarnes/consoleguard/internal/settings"
	"github.com/alexjbarnes/consoleguard/internal/state"
	"github.com/alexjbarnes/consoleguard/internal/token"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	testUser        = "alex"
	testFingerprint = "e2e-host"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// auditHarness is a running audit server with its own state and
// authority, as deployed by consoleguard-audit.
type auditHarness struct {
	URL       string
	State     *state.State
	Authority *token.Authority
}

func newAuditHarness(t *testing.T) *auditHarness {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	keys := keystore.New(st, keystore.Options{
		Iterations:  1000,
		Fingerprint: keystore.StaticFingerprint("audit-host"),
	}, quietLogger())
	require.NoError(t, keys.Initialize(context.Background()))

	authority, err := token.New(keys, st, token.Config{Issuer: "consoleguard", Audience: "audit"}, quietLogger())
	require.NoError(t, err)

	server := mcp.NewServer(&mcp.Implementation{Name: "consoleguard-audit", Version: "e2e"}, nil)
	auditserver.RegisterTools(server, st, nil, quietLogger())

	srv := httptest.NewServer(auditserver.NewMux(auditserver.MuxConfig{
		Server:    server,
		Validator: authority,
		Logger:    quietLogger(),
	}))
	t.Cleanup(srv.Close)

	return &auditHarness{URL: srv.URL, State: st, Authority: authority}
}

// bearer issues an audit token the way issue-token does.
func (h *auditHarness) bearer(t *testing.T) string {
	t.Helper()

	raw, err := h.Authority.GenerateToken(context.Background(), token.Options{
		UserID: "console",
		Scope:  []string{auditserver.ScopeAudit},
		TTL:    time.Hour,
	})
	require.NoError(t, err)

	return raw
}

func (h *auditHarness) endpoint(transport string) string {
	if transport == rpc.TransportWebSocket {
		return "ws" + strings.TrimPrefix(h.URL, "http") + "/ws"
	}

	return h.URL + "/mcp"
}

func (h *auditHarness) entries(t *testing.T) []models.AuditEntry {
	t.Helper()

	entries, err := h.State.AuditEntries()
	require.NoError(t, err)

	return entries
}

// console is the client-side stack built by the consoleguard binary.
type console struct {
	Path      string
	State     *state.State
	Keys      *keystore.Store
	Authority *token.Authority
	Sessions  *session.Manager
	Audit     *rpc.Client
}

type consoleOptions struct {
	Path      string
	AuditURL  string
	Transport string
	Token     string
}

func newConsole(t *testing.T, opts consoleOptions) *console {
	t.Helper()

	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "state.db")
	}

	st, err := state.LoadAt(opts.Path)
	require.NoError(t, err)

	keys := keystore.New(st, keystore.Options{
		Iterations:  1000,
		Fingerprint: keystore.StaticFingerprint(testFingerprint),
	}, quietLogger())
	require.NoError(t, keys.Initialize(context.Background()))

	authority, err := token.New(keys, st, token.Config{Issuer: "consoleguard", Audience: "console"}, quietLogger())
	require.NoError(t, err)

	c := &console{Path: opts.Path, State: st, Keys: keys, Authority: authority}

	cfg := session.Config{
		Settings: settings.Static{SessionTimeout: time.Hour, RememberMeTimeout: 24 * time.Hour, IdleWarningMinutes: 5},
	}

	if opts.AuditURL != "" {
		c.Audit, err = rpc.New(rpc.Config{
			URL:       opts.AuditURL,
			Transport: opts.Transport,
			Token:     opts.Token,
		}, quietLogger())
		require.NoError(t, err)

		cfg.Auditor = rpc.NewAuditor(c.Audit, quietLogger())
	}

	c.Sessions = session.New(st, authority, cfg, quietLogger())

	t.Cleanup(c.Close)

	return c
}

// Close releases the state database so another console can open it.
// It is safe to call more than once.
func (c *console) Close() {
	if c.Audit != nil {
		c.Audit.Close()
		c.Audit = nil
	}

	if c.State != nil {
		c.State.Close()
		c.State = nil
	}
}

func (c *console) login(t *testing.T) *models.SessionMetadata {
	t.Helper()

	meta, err := c.Sessions.CreateSession(context.Background(), session.CreateOptions{
		UserID:   testUser,
		Username: testUser,
	})
	require.NoError(t, err)

	return meta
}
