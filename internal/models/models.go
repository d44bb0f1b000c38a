// Package models defines types shared across internal packages.
package models

import "time"

// SessionMetadata describes the current security session. It is
// persisted as an opaque blob and must not be edited by hand.
type SessionMetadata struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	IPAddress    string    `json:"ip_address,omitempty"`
	RememberMe   bool      `json:"remember_me,omitempty"`
	StartTime    time.Time `json:"start_time"`
	LastActivity time.Time `json:"last_activity"`
	ExpiryTime   time.Time `json:"expiry_time"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenExpiry  time.Time `json:"token_expiry"`
}

// ActivityState is the user interaction summary computed by the idle
// tracker.
type ActivityState struct {
	LastActivity  time.Time     `json:"last_activity"`
	IsIdle        bool          `json:"is_idle"`
	IdleDuration  time.Duration `json:"idle_duration"`
	ActivityCount int64         `json:"activity_count"`
}

// KeyInfo is the plaintext metadata of a stored signing key.
type KeyInfo struct {
	ID        string     `json:"id"`
	Algorithm string     `json:"algorithm"`
	Usage     []string   `json:"usage"`
	CreatedAt time.Time  `json:"created_at"`
	IsActive  bool       `json:"is_active"`
	RetiredAt *time.Time `json:"retired_at,omitempty"`
}

// Revocation reasons.
const (
	ReasonLogout   = "logout"
	ReasonRevoke   = "revoke"
	ReasonSecurity = "security"
)

// RevocationRecord marks a token id as permanently invalid.
type RevocationRecord struct {
	JTI       string    `json:"jti"`
	Reason    string    `json:"reason"`
	RevokedAt time.Time `json:"revoked_at"`
	// ExpiresAt is the revoked token's own expiry. Records past it can be
	// purged because the token fails validation as expired anyway.
	ExpiresAt time.Time `json:"expires_at"`
}

// AuditEntry is one login or logout event received by the audit server.
type AuditEntry struct {
	Action     string    `json:"action"`
	SessionID  string    `json:"session_id"`
	Username   string    `json:"username,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	RemoteIP   string    `json:"remote_ip,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}
