// Package token issues, validates, refreshes and revokes HS256-signed
// JWTs using keys from the key store.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alexjbarnes/consoleguard/internal/clock"
	apperrors "github.com/alexjbarnes/consoleguard/internal/errors"
	"github.com/alexjbarnes/consoleguard/internal/keystore"
	"github.com/alexjbarnes/consoleguard/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
	DefaultSkew       = 30 * time.Second
)

// KeySource supplies signing and verification keys.
type KeySource interface {
	ActiveKey(ctx context.Context) (*keystore.SigningKey, error)
	VerificationKeys(ctx context.Context) ([]*keystore.SigningKey, error)
}

// RevocationStore persists revoked token ids.
type RevocationStore interface {
	SaveRevocation(rec models.RevocationRecord) (bool, error)
	IsRevoked(jti string) (bool, error)
	PurgeRevocations(cutoff time.Time) (int, error)
}

// Config configures an Authority. Zero TTLs select the defaults; Skew is
// used as given.
type Config struct {
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Skew       time.Duration
	Clock      clock.Clock
}

// Authority mints and checks tokens.
type Authority struct {
	keys        KeySource
	revocations RevocationStore
	logger      *slog.Logger
	clock       clock.Clock
	issuer      string
	audience    string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	skew        time.Duration

	mu      sync.Mutex
	revoked map[string]time.Time // jti -> token expiry, mirrors the store
}

// New creates an Authority. It returns an error if the access TTL is not
// shorter than the refresh TTL.
func New(keys KeySource, revocations RevocationStore, cfg Config, logger *slog.Logger) (*Authority, error) {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}

	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}

	if cfg.AccessTTL >= cfg.RefreshTTL {
		return nil, fmt.Errorf("access token TTL %s must be shorter than refresh token TTL %s", cfg.AccessTTL, cfg.RefreshTTL)
	}

	if cfg.Skew < 0 {
		return nil, fmt.Errorf("clock skew must not be negative, got %s", cfg.Skew)
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	return &Authority{
		keys:        keys,
		revocations: revocations,
		logger:      logger,
		clock:       cfg.Clock,
		issuer:      cfg.Issuer,
		audience:    cfg.Audience,
		accessTTL:   cfg.AccessTTL,
		refreshTTL:  cfg.RefreshTTL,
		skew:        cfg.Skew,
		revoked:     make(map[string]time.Time),
	}, nil
}

// AccessTTL returns the configured access token lifetime.
func (a *Authority) AccessTTL() time.Duration { return a.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (a *Authority) RefreshTTL() time.Duration { return a.refreshTTL }

// GenerateToken mints a single signed token. A zero opts.TTL selects the
// configured lifetime for opts.Type.
func (a *Authority) GenerateToken(ctx context.Context, opts Options) (string, error) {
	tok, _, err := a.mint(ctx, opts, a.clock.Now())
	return tok, err
}

// GenerateTokenPair mints an access and a refresh token from the same
// instant. opts.Type and opts.TTL are ignored.
func (a *Authority) GenerateTokenPair(ctx context.Context, opts Options) (*Pair, error) {
	now := a.clock.Now()

	opts.TTL = 0
	opts.Type = Access
	access, accessExp, err := a.mint(ctx, opts, now)
	if err != nil {
		return nil, fmt.Errorf("minting access token: %w", err)
	}

	opts.Type = Refresh
	refresh, refreshExp, err := a.mint(ctx, opts, now)
	if err != nil {
		return nil, fmt.Errorf("minting refresh token: %w", err)
	}

	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresIn:        accessExp.Sub(now),
		RefreshExpiresIn: refreshExp.Sub(now),
		AccessExpiry:     accessExp,
		RefreshExpiry:    refreshExp,
	}, nil
}

func (a *Authority) mint(ctx context.Context, opts Options, now time.Time) (string, time.Time, error) {
	if opts.Type == "" {
		opts.Type = Access
	}

	if !opts.Type.valid() {
		return "", time.Time{}, fmt.Errorf("unknown token type %q", opts.Type)
	}

	if opts.Role == "" {
		opts.Role = RoleUser
	}

	if opts.Role != RoleAdmin && opts.Role != RoleUser {
		return "", time.Time{}, fmt.Errorf("unknown role %q", opts.Role)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = a.accessTTL
		if opts.Type == Refresh {
			ttl = a.refreshTTL
		}
	}

	key, err := a.keys.ActiveKey(ctx)
	if err != nil {
		return "", time.Time{}, err
	}

	if key == nil {
		return "", time.Time{}, apperrors.ErrNoActiveKey
	}

	// NumericDate has second precision; compute expiry from the truncated
	// issue time so the returned expiry matches the exp claim.
	iat := now.Truncate(time.Second)
	exp := iat.Add(ttl)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   opts.UserID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(iat),
			ID:        uuid.NewString(),
		},
		Username:    opts.Username,
		Email:       opts.Email,
		Role:        opts.Role,
		SessionID:   opts.SessionID,
		TokenType:   opts.Type,
		Scope:       slices.Clone(opts.Scope),
		Preferences: opts.Preferences,
	}

	if a.audience != "" {
		claims.Audience = jwt.ClaimStrings{a.audience}
	}

	// The header stays {alg, typ}; verification tries every key in turn.
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key.Material)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}

	return signed, exp, nil
}

// ValidateToken checks structure, algorithm, revocation, signature and
// timing, in that order, and reports the first failure in the result.
func (a *Authority) ValidateToken(ctx context.Context, raw string) Result {
	unverified := &Claims{}

	parsed, _, err := jwt.NewParser().ParseUnverified(raw, unverified)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenUnverifiable) {
			// Header parsed but names no registered algorithm.
			return invalid(apperrors.ErrAlgorithmMismatch, err)
		}

		return invalid(apperrors.ErrMalformed, err)
	}

	if alg := parsed.Method.Alg(); alg != jwt.SigningMethodHS256.Alg() {
		return invalid(apperrors.ErrAlgorithmMismatch, fmt.Errorf("algorithm %q", alg))
	}

	if unverified.ID == "" {
		return invalid(apperrors.ErrMalformed, errors.New("missing jti"))
	}

	revoked, err := a.isRevoked(unverified.ID)
	if err != nil {
		a.logger.Error("revocation lookup failed, rejecting token",
			slog.String("jti", unverified.ID),
			slog.String("error", err.Error()),
		)

		return invalid(apperrors.ErrRevoked, err)
	}

	if revoked {
		return invalid(apperrors.ErrRevoked, nil)
	}

	keys, err := a.keys.VerificationKeys(ctx)
	if err != nil {
		return invalid(apperrors.ErrSignatureInvalid, err)
	}

	var claims *Claims

	for _, key := range keys {
		claims = &Claims{}
		_, err = a.parser().ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return key.Material, nil
		})

		if !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			break
		}
	}

	if err != nil {
		return invalid(classify(err), err)
	}

	if !claims.TokenType.valid() {
		return invalid(apperrors.ErrMalformed, fmt.Errorf("unknown token type %q", claims.TokenType))
	}

	return Result{IsValid: true, Claims: claims}
}

func (a *Authority) parser() *jwt.Parser {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.skew),
		jwt.WithTimeFunc(a.clock.Now),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}

	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	return jwt.NewParser(opts...)
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return apperrors.ErrSignatureInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperrors.ErrExpired
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued), errors.Is(err, jwt.ErrTokenNotValidYet):
		return apperrors.ErrIssuedInFuture
	default:
		return apperrors.ErrMalformed
	}
}

// RefreshToken validates a refresh token and mints a new pair carrying
// the same identity claims. The presented token is not revoked.
func (a *Authority) RefreshToken(ctx context.Context, refresh string) (*Pair, error) {
	res := a.ValidateToken(ctx, refresh)
	if !res.IsValid {
		return nil, fmt.Errorf("validating refresh token: %w", res.Err)
	}

	c := res.Claims
	if c.TokenType != Refresh {
		return nil, apperrors.ErrNotARefreshToken
	}

	return a.GenerateTokenPair(ctx, Options{
		UserID:      c.Subject,
		Username:    c.Username,
		Email:       c.Email,
		Role:        c.Role,
		SessionID:   c.SessionID,
		Scope:       c.Scope,
		Preferences: c.Preferences,
	})
}

// RevokeToken records the token's jti as revoked. The token only needs to
// parse; expired or badly signed tokens can still be revoked. Revoking
// twice is a no-op.
func (a *Authority) RevokeToken(_ context.Context, raw, reason string) error {
	if reason == "" {
		reason = models.ReasonRevoke
	}

	switch reason {
	case models.ReasonLogout, models.ReasonRevoke, models.ReasonSecurity:
	default:
		return fmt.Errorf("unknown revocation reason %q", reason)
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrMalformed, err)
	}

	if claims.ID == "" {
		return fmt.Errorf("%w: missing jti", apperrors.ErrMalformed)
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	a.mu.Lock()
	a.revoked[claims.ID] = expiresAt
	a.mu.Unlock()

	added, err := a.revocations.SaveRevocation(models.RevocationRecord{
		JTI:       claims.ID,
		Reason:    reason,
		RevokedAt: a.clock.Now(),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return fmt.Errorf("%w: saving revocation: %w", apperrors.ErrStorageUnavailable, err)
	}

	if added {
		a.logger.Info("token revoked",
			slog.String("jti", claims.ID),
			slog.String("reason", reason),
		)
	}

	return nil
}

func (a *Authority) isRevoked(jti string) (bool, error) {
	a.mu.Lock()
	_, ok := a.revoked[jti]
	a.mu.Unlock()

	if ok {
		return true, nil
	}

	return a.revocations.IsRevoked(jti)
}

// PurgeExpiredRevocations drops revocation records for tokens that would
// already fail as expired, and returns how many were removed.
func (a *Authority) PurgeExpiredRevocations(_ context.Context) (int, error) {
	cutoff := a.clock.Now().Add(-a.skew)

	a.mu.Lock()
	for jti, exp := range a.revoked {
		if !exp.IsZero() && exp.Before(cutoff) {
			delete(a.revoked, jti)
		}
	}
	a.mu.Unlock()

	n, err := a.revocations.PurgeRevocations(cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: purging revocations: %w", apperrors.ErrStorageUnavailable, err)
	}

	return n, nil
}

// DecodeToken parses a token without verifying anything. The result is
// for display and logging only. It returns nil if the token does not
// parse.
func DecodeToken(raw string) *Decoded {
	claims := &Claims{}

	t, _, err := jwt.NewParser().ParseUnverified(raw, claims)
	if err != nil {
		return nil
	}

	return &Decoded{Header: t.Header, Claims: claims}
}

// TTL returns how long the token has left before its exp claim, or zero
// if it is malformed, has no expiry or has already expired.
func (a *Authority) TTL(raw string) time.Duration {
	d := DecodeToken(raw)
	if d == nil || d.Claims.ExpiresAt == nil {
		return 0
	}

	return max(d.Claims.ExpiresAt.Sub(a.clock.Now()), 0)
}

func invalid(kind, cause error) Result {
	return Result{Err: &ValidationError{Kind: kind, Cause: cause}}
}
