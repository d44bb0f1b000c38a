package auditserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/consoleguard/internal/keystore"
	"github.com/alexjbarnes/consoleguard/internal/models"
	"github.com/alexjbarnes/consoleguard/internal/rpc"
	"github.com/alexjbarnes/consoleguard/internal/state"
	"github.com/alexjbarnes/consoleguard/internal/token"
	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	state     *state.State
	authority *token.Authority
	server    *mcp.Server
}

// newFixture uses the real clock because the SDK bearer middleware checks
// token expiry against time.Now.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	keys := keystore.New(st, keystore.Options{
		Iterations:  1000,
		Fingerprint: keystore.StaticFingerprint("audit-test"),
	}, testLogger())
	require.NoError(t, keys.Initialize(context.Background()))

	a, err := token.New(keys, st, token.Config{Issuer: "consoleguard", Audience: "audit"}, testLogger())
	require.NoError(t, err)

	server := mcp.NewServer(&mcp.Implementation{Name: "consoleguard-audit-test", Version: "test"}, nil)
	RegisterTools(server, st, nil, testLogger())

	return &fixture{state: st, authority: a, server: server}
}

func (f *fixture) mint(t *testing.T, typ token.Type, scope ...string) string {
	t.Helper()

	tok, err := f.authority.GenerateToken(context.Background(), token.Options{
		UserID: "svc-console",
		Type:   typ,
		Scope:  scope,
	})
	require.NoError(t, err)

	return tok
}

// connect returns a raw SDK client session over in-memory transports.
func (f *fixture) connect(t *testing.T, opts *mcp.ClientOptions) *mcp.ClientSession {
	t.Helper()

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err := f.server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, opts)
	session, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)

	return result
}

// --- Tools ---

func TestLoginTool_RecordsEntry(t *testing.T) {
	f := newFixture(t)
	session := f.connect(t, nil)

	result := callTool(t, session, "login", map[string]any{"session_id": "s-1", "username": "alex"})
	require.False(t, result.IsError)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, tc.Text, `"recorded": true`)

	entries, err := f.state.AuditEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ActionLogin, entries[0].Action)
	assert.Equal(t, "s-1", entries[0].SessionID)
	assert.Equal(t, "alex", entries[0].Username)
	assert.False(t, entries[0].ReceivedAt.IsZero())
}

func TestEventTool_RequiresSessionID(t *testing.T) {
	f := newFixture(t)
	session := f.connect(t, nil)

	result := callTool(t, session, "logout", map[string]any{"session_id": "  "})
	assert.True(t, result.IsError)

	entries, err := f.state.AuditEntries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLogoutTool_NotifiesCaller(t *testing.T) {
	f := newFixture(t)

	var (
		mu     sync.Mutex
		events []*mcp.LoggingMessageParams
	)

	session := f.connect(t, &mcp.ClientOptions{
		LoggingMessageHandler: func(_ context.Context, req *mcp.LoggingMessageRequest) {
			mu.Lock()
			events = append(events, req.Params)
			mu.Unlock()
		},
	})
	require.NoError(t, session.SetLoggingLevel(context.Background(), &mcp.SetLoggingLevelParams{Level: "info"}))

	callTool(t, session, "logout", map[string]any{"session_id": "s-9"})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if len(events) != 1 {
			return false
		}
		data, ok := events[0].Data.(map[string]any)
		return ok && data["event"] == ActionLogout && data["session_id"] == "s-9"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAuditList_Limit(t *testing.T) {
	f := newFixture(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, f.state.AppendAudit(models.AuditEntry{Action: ActionLogin, SessionID: id}))
	}

	_, out, err := listHandler(f.state)(context.Background(), nil, ListInput{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Total)
	require.Len(t, out.Entries, 2)
	assert.Equal(t, "b", out.Entries[0].SessionID)
	assert.Equal(t, "c", out.Entries[1].SessionID)
}

func TestAuditList_Empty(t *testing.T) {
	f := newFixture(t)

	_, out, err := listHandler(f.state)(context.Background(), nil, ListInput{})
	require.NoError(t, err)
	assert.Zero(t, out.Total)
	assert.NotNil(t, out.Entries)
}

// --- Middleware ---

func TestMiddleware(t *testing.T) {
	f := newFixture(t)

	var seen *auth.TokenInfo
	handler := Middleware(f.authority, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.TokenInfoFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic Zm9vOmJhcg==", http.StatusUnauthorized},
		{"garbage", "Bearer not-a-token", http.StatusUnauthorized},
		{"refresh token", "Bearer " + f.mint(t, token.Refresh, ScopeAudit), http.StatusUnauthorized},
		{"missing scope", "Bearer " + f.mint(t, token.Access, "servers:read"), http.StatusForbidden},
		{"valid", "Bearer " + f.mint(t, token.Access, ScopeAudit), http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	require.NotNil(t, seen)
	assert.Equal(t, "svc-console", seen.UserID)
}

func TestMiddleware_RevokedToken(t *testing.T) {
	f := newFixture(t)
	tok := f.mint(t, token.Access, ScopeAudit)
	require.NoError(t, f.authority.RevokeToken(context.Background(), tok, models.ReasonSecurity))

	handler := Middleware(f.authority, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+tok)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// --- End to end through the protocol client ---

func newHTTPServer(t *testing.T, f *fixture) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(NewMux(MuxConfig{
		Server:    f.server,
		Validator: f.authority,
		Logger:    testLogger(),
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestEndToEnd(t *testing.T) {
	f := newFixture(t)
	srv := newHTTPServer(t, f)
	tok := f.mint(t, token.Access, ScopeAudit)

	tests := []struct {
		transport string
		url       string
	}{
		{rpc.TransportStreamable, srv.URL + "/mcp"},
		{rpc.TransportWebSocket, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"},
	}

	for _, tt := range tests {
		t.Run(tt.transport, func(t *testing.T) {
			client, err := rpc.New(rpc.Config{URL: tt.url, Transport: tt.transport, Token: tok}, testLogger())
			require.NoError(t, err)
			t.Cleanup(func() { client.Close() })

			events := make(chan rpc.Event, 4)
			client.Subscribe(func(ev rpc.Event) {
				select {
				case events <- ev:
				default:
				}
			})

			res := client.CallTool(context.Background(), ActionLogin, rpc.AuditArgs{SessionID: "e2e-" + tt.transport, Username: "alex"})
			require.True(t, res.Success, res.Error)
			assert.True(t, res.Get("recorded").Bool())
			assert.Equal(t, ActionLogin, res.Get("action").String())

			select {
			case ev := <-events:
				assert.Equal(t, ActionLogin, ev.Name())
			case <-time.After(2 * time.Second):
				t.Fatal("no audit notification received")
			}
		})
	}

	entries, err := f.state.AuditEntries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "svc-console", entries[0].UserID, "streamable requests carry token info")
	assert.Equal(t, "127.0.0.1", entries[0].RemoteIP)
}

// spoofingTransport sends forged address headers with every request.
type spoofingTransport struct {
	token string
}

func (s spoofingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	req.Header.Set(remoteAddrHeader, "198.51.100.7")

	return http.DefaultTransport.RoundTrip(req)
}

func TestEndToEnd_RemoteIPIgnoresForwardedHeaders(t *testing.T) {
	f := newFixture(t)
	srv := newHTTPServer(t, f)
	tok := f.mint(t, token.Access, ScopeAudit)

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	session, err := client.Connect(context.Background(), &mcp.StreamableClientTransport{
		Endpoint:   srv.URL + "/mcp",
		HTTPClient: &http.Client{Transport: spoofingTransport{token: tok}},
		MaxRetries: -1,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	result := callTool(t, session, ActionLogin, map[string]any{"session_id": "spoofed"})
	require.False(t, result.IsError)

	entries, err := f.state.AuditEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "127.0.0.1", entries[0].RemoteIP)
}

func TestEndToEnd_Unauthorized(t *testing.T) {
	f := newFixture(t)
	srv := newHTTPServer(t, f)

	for _, transport := range []string{rpc.TransportStreamable, rpc.TransportWebSocket} {
		url := srv.URL + "/mcp"
		if transport == rpc.TransportWebSocket {
			url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
		}

		client, err := rpc.New(rpc.Config{URL: url, Transport: transport, Token: "bogus"}, testLogger())
		require.NoError(t, err)

		res := client.CallTool(context.Background(), ActionLogin, rpc.AuditArgs{SessionID: "x"})
		assert.False(t, res.Success, transport)
		assert.NotEmpty(t, res.Error, transport)

		client.Close()
	}

	entries, err := f.state.AuditEntries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	srv := newHTTPServer(t, f)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
