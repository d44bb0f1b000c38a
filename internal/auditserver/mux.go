package auditserver

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alexjbarnes/consoleguard/internal/rpc"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// remoteAddrHeader carries the connection's peer address to the tool
// handlers. Any client-supplied value is overwritten.
const remoteAddrHeader = "X-Consoleguard-Remote-Addr"

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Server    *mcp.Server
	Validator Validator
	Logger    *slog.Logger
	// SessionTimeout closes idle streamable sessions. Clients reconnect
	// on their next call. Zero keeps sessions until they are deleted.
	SessionTimeout time.Duration
}

// NewMux serves the audit tools over streamable HTTP at /mcp and over a
// websocket at /ws. Both are protected by bearer token middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return cfg.Server
	}, &mcp.StreamableHTTPOptions{
		Logger:         cfg.Logger,
		SessionTimeout: cfg.SessionTimeout,
	})

	authMiddleware := Middleware(cfg.Validator, cfg.Logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/mcp", authMiddleware(withRemoteAddr(mcpHandler)))
	mux.Handle("/ws", authMiddleware(websocketHandler(cfg.Server, cfg.Logger)))

	return mux
}

// withRemoteAddr records the TCP peer of the request. Forwarding headers
// are not trusted.
func withRemoteAddr(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		r.Header.Set(remoteAddrHeader, host)
		next.ServeHTTP(w, r)
	})
}

// websocketHandler runs one MCP server session per websocket connection
// and returns when the peer disconnects.
func websocketHandler(server *mcp.Server, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{rpc.Subprotocol},
		})
		if err != nil {
			logger.Debug("websocket accept failed", slog.String("error", err.Error()))
			return
		}

		if conn.Subprotocol() != rpc.Subprotocol {
			conn.Close(websocket.StatusPolicyViolation, "subprotocol "+rpc.Subprotocol+" required")
			return
		}

		var userID string
		if ti := auth.TokenInfoFromContext(r.Context()); ti != nil {
			userID = ti.UserID
		}

		ss, err := server.Connect(r.Context(), rpc.AcceptedTransport(conn), nil)
		if err != nil {
			logger.Warn("websocket session failed", slog.String("error", err.Error()))
			conn.Close(websocket.StatusInternalError, "session setup failed")

			return
		}

		logger.Info("websocket session opened",
			slog.String("user_id", userID),
			slog.String("remote", r.RemoteAddr),
		)

		_ = ss.Wait()

		logger.Info("websocket session closed", slog.String("user_id", userID))
	})
}
