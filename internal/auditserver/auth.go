package auditserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/alexjbarnes/consoleguard/internal/token"
	"github.com/modelcontextprotocol/go-sdk/auth"
)

// ScopeAudit must be present in a bearer token for it to reach the tools.
const ScopeAudit = "audit:write"

// Validator checks bearer tokens. *token.Authority satisfies it.
type Validator interface {
	ValidateToken(ctx context.Context, raw string) token.Result
}

// Verifier adapts a Validator to the SDK's bearer middleware. Only valid
// access tokens are accepted; refresh tokens are rejected even though
// they are signed by the same authority.
func Verifier(v Validator, logger *slog.Logger) auth.TokenVerifier {
	return func(ctx context.Context, raw string, r *http.Request) (*auth.TokenInfo, error) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		res := v.ValidateToken(ctx, raw)
		if !res.IsValid {
			logger.Debug("auth: rejected bearer token",
				slog.String("code", res.Err.Code()),
				slog.String("ip", ip),
				slog.String("path", r.URL.Path),
			)

			return nil, fmt.Errorf("%w: %s", auth.ErrInvalidToken, res.Err.Code())
		}

		c := res.Claims
		if c.TokenType != token.Access {
			logger.Debug("auth: refresh token used as bearer",
				slog.String("jti", c.ID),
				slog.String("ip", ip),
			)

			return nil, fmt.Errorf("%w: not an access token", auth.ErrInvalidToken)
		}

		logger.Debug("auth: authenticated via bearer token",
			slog.String("user_id", c.Subject),
			slog.String("jti", c.ID),
			slog.String("ip", ip),
		)

		return &auth.TokenInfo{
			Scopes:     c.Scope,
			Expiration: c.ExpiresAt.Time,
			UserID:     c.Subject,
			Extra: map[string]any{
				"jti":      c.ID,
				"username": c.Username,
			},
		}, nil
	}
}

// Middleware rejects requests without a valid access token carrying
// ScopeAudit with 401, or 403 when the scope is missing.
func Middleware(v Validator, logger *slog.Logger) func(http.Handler) http.Handler {
	return auth.RequireBearerToken(Verifier(v, logger), &auth.RequireBearerTokenOptions{
		Scopes: []string{ScopeAudit},
	})
}
