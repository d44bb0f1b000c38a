package errors

import "errors"

// Token validation errors. These are reported inside validation results,
// never returned as the error of a validate call.
var (
	ErrMalformed         = errors.New("token is malformed")
	ErrAlgorithmMismatch = errors.New("token algorithm mismatch")
	ErrRevoked           = errors.New("token has been revoked")
	ErrSignatureInvalid  = errors.New("token signature is invalid")
	ErrExpired           = errors.New("token has expired")
	ErrIssuedInFuture    = errors.New("token issued in the future")
	ErrUnauthenticated   = errors.New("no active session")
)

// Operational errors. Returned to the caller, who must handle them.
var (
	ErrNoActiveKey         = errors.New("no active signing key")
	ErrNotARefreshToken    = errors.New("token is not a refresh token")
	ErrSessionCreateFailed = errors.New("session creation failed")
	ErrNoActiveSession     = errors.New("no active session to renew")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrKeyCorrupted        = errors.New("signing key record corrupted")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrMalformed, "MALFORMED"},
	{ErrAlgorithmMismatch, "ALGORITHM_MISMATCH"},
	{ErrRevoked, "REVOKED"},
	{ErrSignatureInvalid, "SIGNATURE_INVALID"},
	{ErrExpired, "EXPIRED"},
	{ErrIssuedInFuture, "ISSUED_IN_FUTURE"},
	{ErrUnauthenticated, "UNAUTHENTICATED"},
	{ErrNoActiveKey, "NO_ACTIVE_KEY"},
	{ErrNotARefreshToken, "NOT_A_REFRESH_TOKEN"},
	{ErrSessionCreateFailed, "SESSION_CREATE_FAILED"},
	{ErrNoActiveSession, "NO_ACTIVE_SESSION"},
	{ErrStorageUnavailable, "STORAGE_UNAVAILABLE"},
	{ErrKeyCorrupted, "KEY_CORRUPTED"},
}

// Code returns the stable wire code for err, or "UNKNOWN" when err does
// not wrap one of the sentinels above. A nil error has no code.
func Code(err error) string {
	if err == nil {
		return ""
	}

	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}

	return "UNKNOWN"
}
