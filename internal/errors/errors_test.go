package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func allSentinels() []error {
	return []error{
		ErrMalformed,
		ErrAlgorithmMismatch,
		ErrRevoked,
		ErrSignatureInvalid,
		ErrExpired,
		ErrIssuedInFuture,
		ErrUnauthenticated,
		ErrNoActiveKey,
		ErrNotARefreshToken,
		ErrSessionCreateFailed,
		ErrNoActiveSession,
		ErrStorageUnavailable,
		ErrKeyCorrupted,
		ErrAPIRequest,
		ErrAPIResponse,
	}
}

func TestSentinelErrors_ImplementErrorInterface(t *testing.T) {
	for _, err := range allSentinels() {
		assert.NotEmpty(t, err.Error(), "sentinel error should have non-empty message")
	}
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := allSentinels()
	for i := 0; i < len(sentinels); i++ {
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotEqual(t, sentinels[i], sentinels[j],
				"sentinel errors should be distinct: %q vs %q", sentinels[i], sentinels[j])
		}
	}
}

func TestCode_Sentinels(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrMalformed, "MALFORMED"},
		{ErrAlgorithmMismatch, "ALGORITHM_MISMATCH"},
		{ErrRevoked, "REVOKED"},
		{ErrSignatureInvalid, "SIGNATURE_INVALID"},
		{ErrExpired, "EXPIRED"},
		{ErrUnauthenticated, "UNAUTHENTICATED"},
		{ErrNoActiveSession, "NO_ACTIVE_SESSION"},
		{ErrNotARefreshToken, "NOT_A_REFRESH_TOKEN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err))
	}
}

func TestCode_Wrapped(t *testing.T) {
	err := fmt.Errorf("validating: %w", ErrRevoked)
	assert.Equal(t, "REVOKED", Code(err))
}

func TestCode_NilAndUnknown(t *testing.T) {
	assert.Equal(t, "", Code(nil))
	assert.Equal(t, "UNKNOWN", Code(errors.New("boom")))
	assert.Equal(t, "UNKNOWN", Code(ErrAPIRequest))
}
