package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Subprotocol is negotiated on websocket connections carrying JSON-RPC
// messages, one message per text frame.
const Subprotocol = "mcp"

// maxMessageSize caps a single inbound frame.
const maxMessageSize = 1 << 20

// WebSocketTransport dials a stateful websocket connection. The
// connection itself is the session: when it drops the server forgets it.
type WebSocketTransport struct {
	URL        string
	HTTPClient *http.Client
	Header     http.Header
}

// Connect implements mcp.Transport.
func (t *WebSocketTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, _, err := websocket.Dial(ctx, t.URL, &websocket.DialOptions{
		HTTPClient:   t.HTTPClient,
		HTTPHeader:   t.Header,
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	return newWSConnection(conn), nil
}

// AcceptedTransport wraps a server-side websocket connection so it can be
// passed to mcp.Server.Connect.
func AcceptedTransport(conn *websocket.Conn) mcp.Transport {
	return acceptedTransport{conn: conn}
}

type acceptedTransport struct {
	conn *websocket.Conn
}

func (t acceptedTransport) Connect(context.Context) (mcp.Connection, error) {
	return newWSConnection(t.conn), nil
}

// wsConnection adapts a websocket connection to mcp.Connection.
type wsConnection struct {
	conn *websocket.Conn
}

func newWSConnection(conn *websocket.Conn) *wsConnection {
	conn.SetReadLimit(maxMessageSize)
	return &wsConnection{conn: conn}
}

func (c *wsConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, io.EOF) {
			return nil, io.EOF
		}

		return nil, fmt.Errorf("reading websocket: %w", err)
	}

	if typ != websocket.MessageText {
		return nil, fmt.Errorf("unexpected binary frame")
	}

	msg, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}

	return msg, nil
}

func (c *wsConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: writing websocket: %w", mcp.ErrConnectionClosed, err)
	}

	return nil
}

// Close is safe to call more than once; later calls return an error that
// callers ignore.
func (c *wsConnection) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *wsConnection) SessionID() string { return "" }
