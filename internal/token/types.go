package token

import (
	"time"

	apperrors "github.com/alexjbarnes/consoleguard/internal/errors"
	"github.com/golang-jwt/jwt/v5"
)

// Type distinguishes access from refresh tokens.
type Type string

const (
	Access  Type = "access"
	Refresh Type = "refresh"
)

func (t Type) valid() bool {
	return t == Access || t == Refresh
}

// Roles.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Claims is the token payload.
type Claims struct {
	jwt.RegisteredClaims
	Username    string            `json:"username,omitempty"`
	Email       string            `json:"email,omitempty"`
	Role        string            `json:"role,omitempty"`
	SessionID   string            `json:"sessionId,omitempty"`
	TokenType   Type              `json:"tokenType"`
	Scope       []string          `json:"scope,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// Options describes the token to mint.
type Options struct {
	UserID      string
	Username    string
	Email       string
	Role        string
	SessionID   string
	Scope       []string
	Preferences map[string]string
	Type        Type
	TTL         time.Duration
}

// Pair is an access token and refresh token minted together.
type Pair struct {
	AccessToken      string        `json:"access_token"`
	RefreshToken     string        `json:"refresh_token"`
	ExpiresIn        time.Duration `json:"expires_in"`
	RefreshExpiresIn time.Duration `json:"refresh_expires_in"`
	AccessExpiry     time.Time     `json:"access_expiry"`
	RefreshExpiry    time.Time     `json:"refresh_expiry"`
}

// ValidationError describes why a token was rejected. Kind is one of the
// validation sentinels in internal/errors.
type ValidationError struct {
	Kind  error
	Cause error
}

func (e *ValidationError) Error() string {
	if e.Cause == nil {
		return e.Kind.Error()
	}

	return e.Kind.Error() + ": " + e.Cause.Error()
}

func (e *ValidationError) Unwrap() error { return e.Kind }

// Code returns the stable wire code, e.g. "EXPIRED".
func (e *ValidationError) Code() string {
	return apperrors.Code(e.Kind)
}

// Result is the outcome of ValidateToken. Claims is set only when IsValid.
type Result struct {
	IsValid bool
	Claims  *Claims
	Err     *ValidationError
}

// Decoded is an unverified view of a token.
type Decoded struct {
	Header map[string]interface{}
	Claims *Claims
}
