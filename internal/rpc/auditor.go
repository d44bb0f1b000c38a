package rpc

import (
	"context"
	"log/slog"
	"time"
)

// defaultAuditTimeout bounds a single audit call so a slow server cannot
// stall login or logout.
const defaultAuditTimeout = 5 * time.Second

// ToolCaller is implemented by *Client.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, params any) Result
}

// AuditArgs is the argument object of the login and logout tools.
type AuditArgs struct {
	SessionID string `json:"session_id"`
	Username  string `json:"username,omitempty"`
}

// Auditor reports session lifecycle events to the remote audit log.
// Failures are logged and never returned.
type Auditor struct {
	caller  ToolCaller
	logger  *slog.Logger
	timeout time.Duration
}

func NewAuditor(caller ToolCaller, logger *slog.Logger) *Auditor {
	return &Auditor{caller: caller, logger: logger, timeout: defaultAuditTimeout}
}

func (a *Auditor) LoginEvent(ctx context.Context, sessionID, username string) {
	a.call(ctx, "login", sessionID, username)
}

func (a *Auditor) LogoutEvent(ctx context.Context, sessionID, username string) {
	a.call(ctx, "logout", sessionID, username)
}

func (a *Auditor) call(ctx context.Context, tool, sessionID, username string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	res := a.caller.CallTool(ctx, tool, AuditArgs{SessionID: sessionID, Username: username})
	if !res.Success {
		a.logger.Warn("audit call failed",
			slog.String("tool", tool),
			slog.String("session_id", sessionID),
			slog.String("error", res.Error),
		)

		return
	}

	a.logger.Debug("audit call recorded", slog.String("tool", tool), slog.String("session_id", sessionID))
}
