// Package auditserver is the remote audit log the console reports session
// lifecycle events to. It registers MCP tools that persist each event and
// echo it back to the caller as a log notification.
package auditserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alexjbarnes/consoleguard/internal/clock"
	"github.com/alexjbarnes/consoleguard/internal/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Audit actions, also the tool names.
const (
	ActionLogin  = "login"
	ActionLogout = "logout"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Log stores audit entries. *state.State satisfies it.
type Log interface {
	AppendAudit(entry models.AuditEntry) error
	AuditEntries() ([]models.AuditEntry, error)
}

// EventInput holds parameters for login and logout.
type EventInput struct {
	SessionID string `json:"session_id" jsonschema:"required,security session id"`
	Username  string `json:"username,omitempty" jsonschema:"console username, if known"`
}

// EventResult is returned by login and logout.
type EventResult struct {
	Recorded   bool      `json:"recorded"`
	Action     string    `json:"action"`
	SessionID  string    `json:"session_id"`
	ReceivedAt time.Time `json:"received_at"`
}

// ListInput holds parameters for audit_list.
type ListInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of most recent entries, defaults to 50"`
}

// ListResult is returned by audit_list, oldest first.
type ListResult struct {
	Total   int                 `json:"total"`
	Entries []models.AuditEntry `json:"entries"`
}

// RegisterTools adds the audit tools to server.
func RegisterTools(server *mcp.Server, log Log, clk clock.Clock, logger *slog.Logger) {
	if clk == nil {
		clk = clock.Real()
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        ActionLogin,
		Description: "Record that a console session started.",
	}, eventHandler(ActionLogin, log, clk, logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        ActionLogout,
		Description: "Record that a console session ended.",
	}, eventHandler(ActionLogout, log, clk, logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "audit_list",
		Description: "List the most recent audit entries, oldest first.",
	}, listHandler(log))
}

func eventHandler(action string, log Log, clk clock.Clock, logger *slog.Logger) mcp.ToolHandlerFor[EventInput, *EventResult] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input EventInput) (*mcp.CallToolResult, *EventResult, error) {
		sessionID := strings.TrimSpace(input.SessionID)
		if sessionID == "" {
			return nil, nil, fmt.Errorf("session_id is required")
		}

		entry := models.AuditEntry{
			Action:     action,
			SessionID:  sessionID,
			Username:   input.Username,
			ReceivedAt: clk.Now().UTC(),
		}

		if req.Extra != nil && req.Extra.TokenInfo != nil {
			entry.UserID = req.Extra.TokenInfo.UserID
		}

		if req.Extra != nil && req.Extra.Header != nil {
			entry.RemoteIP = req.Extra.Header.Get(remoteAddrHeader)
		}

		if err := log.AppendAudit(entry); err != nil {
			logger.Error("audit append failed",
				slog.String("action", action),
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)

			return nil, nil, fmt.Errorf("recording %s: %w", action, err)
		}

		logger.Info("audit event recorded",
			slog.String("action", action),
			slog.String("session_id", sessionID),
			slog.String("username", input.Username),
		)

		notify(ctx, req.Session, action, entry, logger)

		result := &EventResult{
			Recorded:   true,
			Action:     action,
			SessionID:  sessionID,
			ReceivedAt: entry.ReceivedAt,
		}

		return textResult(result), result, nil
	}
}

// notify pushes the event to the calling session. Sessions that have not
// set a log level receive nothing.
func notify(ctx context.Context, ss *mcp.ServerSession, action string, entry models.AuditEntry, logger *slog.Logger) {
	if ss == nil {
		return
	}

	err := ss.Log(ctx, &mcp.LoggingMessageParams{
		Level:  "info",
		Logger: "audit",
		Data: map[string]any{
			"event":      action,
			"session_id": entry.SessionID,
			"username":   entry.Username,
		},
	})
	if err != nil {
		logger.Debug("audit notification failed", slog.String("error", err.Error()))
	}
}

func listHandler(log Log) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, *ListResult, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}

		limit = min(limit, maxListLimit)

		entries, err := log.AuditEntries()
		if err != nil {
			return nil, nil, fmt.Errorf("reading audit log: %w", err)
		}

		result := &ListResult{Total: len(entries), Entries: entries}
		if len(entries) > limit {
			result.Entries = entries[len(entries)-limit:]
		}

		if result.Entries == nil {
			result.Entries = []models.AuditEntry{}
		}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content alongside the
// structured output the SDK fills in.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
