// Package rpc is a tool-call client for the remote audit server. It
// connects lazily, reconnects once when the server forgets the transport
// session, and fans server log notifications out to subscribers.
//
// The transport session here is unrelated to the security session in
// internal/session.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	apperrors "github.com/alexjbarnes/consoleguard/internal/errors"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tidwall/gjson"
)

const (
	TransportStreamable = "streamable"
	TransportWebSocket  = "websocket"
)

// logLevel is requested on every new session so the server forwards its
// notifications.
const logLevel mcp.LoggingLevel = "info"

//go:generate mockgen -source=client.go -destination=mock_session_test.go -package=rpc -mock_names=toolSession=MockToolSession

// toolSession is the part of *mcp.ClientSession the client uses.
type toolSession interface {
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// Result is the outcome of a tool call. Data holds the tool's structured
// output, or its text output when that is valid JSON.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Get reads a gjson path from Data.
func (r Result) Get(path string) gjson.Result {
	return gjson.GetBytes(r.Data, path)
}

// Event is a log notification pushed by the server.
type Event struct {
	Logger string
	Level  string
	Data   json.RawMessage
}

// Name returns the "event" field of the notification data, if any.
func (e Event) Name() string {
	return gjson.GetBytes(e.Data, "event").String()
}

// Config configures a Client.
type Config struct {
	URL        string
	Transport  string
	Token      string
	HTTPClient *http.Client
	Name       string
	Version    string
}

// Client issues tool calls over a lazily established session.
type Client struct {
	logger       *slog.Logger
	mcpClient    *mcp.Client
	newTransport func() (mcp.Transport, error)
	dial         func(ctx context.Context) (toolSession, error)

	mu      sync.Mutex
	session toolSession
	closed  bool

	subMu   sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

// New creates a Client. Nothing is dialled until the first call.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("audit URL is required")
	}

	if cfg.Transport == "" {
		cfg.Transport = TransportStreamable
	}

	if cfg.Name == "" {
		cfg.Name = "consoleguard"
	}

	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	if cfg.Token != "" {
		hc := *httpClient
		hc.Transport = &bearerTransport{base: httpClient.Transport, token: cfg.Token}
		httpClient = &hc
	}

	c := &Client{
		logger: logger,
		subs:   make(map[int]func(Event)),
	}

	switch cfg.Transport {
	case TransportStreamable:
		c.newTransport = func() (mcp.Transport, error) {
			return &mcp.StreamableClientTransport{
				Endpoint:   cfg.URL,
				HTTPClient: httpClient,
				// Reconnects are handled here, once per call.
				MaxRetries: -1,
			}, nil
		}
	case TransportWebSocket:
		c.newTransport = func() (mcp.Transport, error) {
			return &WebSocketTransport{URL: cfg.URL, HTTPClient: httpClient}, nil
		}
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	c.mcpClient = mcp.NewClient(
		&mcp.Implementation{Name: cfg.Name, Version: cfg.Version},
		&mcp.ClientOptions{LoggingMessageHandler: c.handleLog},
	)
	c.dial = c.connect

	return c, nil
}

func (c *Client) connect(ctx context.Context) (toolSession, error) {
	t, err := c.newTransport()
	if err != nil {
		return nil, err
	}

	cs, err := c.mcpClient.Connect(ctx, t, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting: %w", apperrors.ErrAPIRequest, err)
	}

	if err := cs.SetLoggingLevel(ctx, &mcp.SetLoggingLevelParams{Level: logLevel}); err != nil {
		c.logger.Debug("setting log level failed, events disabled", slog.String("error", err.Error()))
	}

	c.logger.Debug("rpc session established", slog.String("session_id", cs.ID()))

	return cs, nil
}

// CallTool invokes a remote tool. Transport failures are reported in the
// result. If the server has lost the transport session the client
// reconnects and retries exactly once.
func (c *Client) CallTool(ctx context.Context, name string, params any) Result {
	sess, err := c.current(ctx)
	if err != nil {
		return Result{Error: err.Error()}
	}

	res, err := sess.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: params})
	if err != nil && sessionLost(err) {
		c.logger.Info("rpc session lost, reconnecting",
			slog.String("tool", name),
			slog.String("error", err.Error()),
		)

		c.drop(sess)

		sess, err = c.current(ctx)
		if err != nil {
			return Result{Error: err.Error()}
		}

		res, err = sess.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: params})
	}

	if err != nil {
		return Result{Error: fmt.Errorf("%w: calling %s: %w", apperrors.ErrAPIRequest, name, err).Error()}
	}

	return toResult(res)
}

// current returns the open session, dialling one if needed.
func (c *Client) current(ctx context.Context) (toolSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("%w: client closed", apperrors.ErrAPIRequest)
	}

	if c.session != nil {
		return c.session, nil
	}

	sess, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	c.session = sess

	return sess, nil
}

// drop forgets sess if it is still the current session.
func (c *Client) drop(sess toolSession) {
	c.mu.Lock()
	if c.session == sess {
		c.session = nil
	}
	c.mu.Unlock()

	_ = sess.Close()
}

// sessionLost reports whether err means the server no longer knows the
// transport session, as opposed to a failed call.
func sessionLost(err error) bool {
	if errors.Is(err, mcp.ErrConnectionClosed) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "session not found") ||
		strings.Contains(msg, "400 Bad Request") ||
		strings.Contains(msg, "404 Not Found")
}

func toResult(res *mcp.CallToolResult) Result {
	text := firstText(res)

	if res.IsError {
		msg := text
		if gjson.Valid(text) {
			if e := gjson.Get(text, "error"); e.Exists() {
				msg = e.String()
			}
		}

		return Result{Error: fmt.Errorf("%w: %s", apperrors.ErrAPIResponse, msg).Error()}
	}

	if res.StructuredContent != nil {
		data, err := json.Marshal(res.StructuredContent)
		if err != nil {
			return Result{Error: fmt.Errorf("%w: encoding structured content: %w", apperrors.ErrAPIResponse, err).Error()}
		}

		return Result{Success: true, Data: data}
	}

	if text == "" {
		return Result{Success: true}
	}

	if gjson.Valid(text) {
		return Result{Success: true, Data: json.RawMessage(text)}
	}

	data, _ := json.Marshal(text)

	return Result{Success: true, Data: data}
}

func firstText(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}

	return ""
}

// Subscribe registers fn for server log notifications and returns a
// function that removes it. fn runs on the transport's reader goroutine
// and must not block.
func (c *Client) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Client) handleLog(_ context.Context, req *mcp.LoggingMessageRequest) {
	p := req.Params
	if p == nil {
		return
	}

	data, err := json.Marshal(p.Data)
	if err != nil {
		c.logger.Debug("dropping undecodable notification", slog.String("error", err.Error()))
		return
	}

	c.dispatch(Event{Logger: p.Logger, Level: string(p.Level), Data: data})
}

func (c *Client) dispatch(ev Event) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, fn := range c.subs {
		fn(ev)
	}
}

// Close ends the current session. Calls after Close fail.
func (c *Client) Close() error {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.closed = true
	c.mu.Unlock()

	if sess == nil {
		return nil
	}

	return sess.Close()
}

// bearerTransport adds an Authorization header to every request.
type bearerTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}

	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)

	return base.RoundTrip(req)
}
