// Package keystore persists HMAC signing keys under envelope encryption
// and hands out the active key for token signing.
//
// Key material is sealed with AES-256-GCM under a key derived by
// PBKDF2-SHA256 from a local machine fingerprint. Anyone able to run code
// as the same user on the same machine can recompute that fingerprint, so
// the envelope is obfuscation against casual disk inspection, not
// confidentiality against a co-resident attacker.
package keystore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/consoleguard/internal/clock"
	apperrors "github.com/alexjbarnes/consoleguard/internal/errors"
	"github.com/alexjbarnes/consoleguard/internal/models"
	"github.com/alexjbarnes/consoleguard/internal/state"
)

const (
	// Algorithm is the only MAC algorithm keys are used with.
	Algorithm = "HS256"

	// keySize is the HMAC key length in bytes.
	keySize = 32

	// DefaultIterations is the PBKDF2 iteration count used when none is
	// configured.
	DefaultIterations = 100_000

	// DefaultGracePeriod is how long a rotated-out key keeps verifying
	// tokens it signed.
	DefaultGracePeriod = 24 * time.Hour

	// maxDecryptAttempts bounds decryption retries before a record is
	// treated as corrupt.
	maxDecryptAttempts = 3
)

// retryDelay is the pause between decryption attempts.
var retryDelay = 100 * time.Millisecond

// keyUsage is recorded on every key record.
var keyUsage = []string{"sign", "verify"}

// SigningKey is a decrypted HMAC key.
type SigningKey struct {
	ID        string
	Algorithm string
	Material  []byte
	IsActive  bool
	CreatedAt time.Time
	RetiredAt *time.Time
	// Fallback marks the process-lifetime key used when storage is
	// unusable. It is never persisted.
	Fallback bool
}

// Options configures a Store. Zero values select the defaults.
type Options struct {
	Iterations  int
	GracePeriod time.Duration
	Fingerprint FingerprintFunc
	Clock       clock.Clock
}

// Store manages signing keys in the state database.
type Store struct {
	state       *state.State
	logger      *slog.Logger
	clock       clock.Clock
	iterations  int
	gracePeriod time.Duration
	fingerprint FingerprintFunc

	mu       sync.Mutex
	cache    map[string][]byte // key id -> decrypted material
	fallback *SigningKey
}

// New creates a key store backed by st.
func New(st *state.State, opts Options, logger *slog.Logger) *Store {
	if opts.Iterations <= 0 {
		opts.Iterations = DefaultIterations
	}

	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}

	if opts.Fingerprint == nil {
		opts.Fingerprint = DefaultFingerprint("")
	}

	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	return &Store{
		state:       st,
		logger:      logger,
		clock:       opts.Clock,
		iterations:  opts.Iterations,
		gracePeriod: opts.GracePeriod,
		fingerprint: opts.Fingerprint,
		cache:       make(map[string][]byte),
	}
}

// Initialize ensures exactly one stored key is active, generating one if
// none exists. Safe to call repeatedly.
func (s *Store) Initialize(ctx context.Context) error {
	recs, err := s.state.AllKeyRecords()
	if err != nil {
		return fmt.Errorf("%w: listing keys: %w", apperrors.ErrStorageUnavailable, err)
	}

	var active []state.EncryptedKeyRecord

	for _, rec := range recs {
		if rec.IsActive {
			active = append(active, rec)
		}
	}

	switch {
	case len(active) == 0:
		key, err := s.GenerateKey(ctx)
		if err != nil {
			return err
		}

		if err := s.activate(key.ID); err != nil {
			return err
		}

		s.logger.Info("generated initial signing key", slog.String("key_id", key.ID))
	case len(active) > 1:
		newest := active[len(active)-1]
		if err := s.activate(newest.ID); err != nil {
			return err
		}

		s.logger.Warn("multiple active signing keys, kept newest",
			slog.String("key_id", newest.ID),
			slog.Int("deactivated", len(active)-1),
		)
	}

	return nil
}

// GenerateKey creates a new random key and stores it encrypted. The new
// key is inactive until RotateKeys or Initialize activates it.
func (s *Store) GenerateKey(ctx context.Context) (*SigningKey, error) {
	material := make([]byte, keySize)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("generating key material: %w", err)
	}

	now := s.clock.Now()
	key := &SigningKey{
		ID:        newKeyID(now),
		Algorithm: Algorithm,
		Material:  material,
		CreatedAt: now,
	}

	if err := s.StoreKey(ctx, key); err != nil {
		return nil, err
	}

	return key, nil
}

// StoreKey envelope-encrypts key and persists it.
func (s *Store) StoreKey(_ context.Context, key *SigningKey) error {
	fp, err := s.fingerprint()
	if err != nil {
		return fmt.Errorf("computing fingerprint: %w", err)
	}

	env, err := seal(fp, key.Material, s.iterations)
	if err != nil {
		return err
	}

	rec := state.EncryptedKeyRecord{
		ID:         key.ID,
		Ciphertext: env.ciphertext,
		IV:         env.iv,
		Salt:       env.salt,
		Iterations: env.iterations,
		Algorithm:  key.Algorithm,
		Usage:      keyUsage,
		CreatedAt:  key.CreatedAt,
		IsActive:   key.IsActive,
		RetiredAt:  key.RetiredAt,
	}

	if err := s.state.SaveKeyRecord(rec); err != nil {
		return fmt.Errorf("%w: saving key %s: %w", apperrors.ErrStorageUnavailable, key.ID, err)
	}

	s.mu.Lock()
	s.cache[key.ID] = append([]byte(nil), key.Material...)
	s.mu.Unlock()

	return nil
}

// GetKey returns the decrypted key for id, or nil if it does not exist.
// A record that fails to decrypt maxDecryptAttempts times is treated as
// corrupt: every stored key is purged and nil is returned. Callers then
// fall back to the in-memory key through ActiveKey. A fingerprint that
// cannot be computed is returned as an error and purges nothing, and
// cancellation during the retry wait yields nil without purging.
func (s *Store) GetKey(ctx context.Context, id string) (*SigningKey, error) {
	rec, err := s.state.GetKeyRecord(id)
	if err != nil {
		return nil, fmt.Errorf("%w: reading key %s: %w", apperrors.ErrStorageUnavailable, id, err)
	}

	if rec == nil {
		return nil, nil
	}

	s.mu.Lock()
	cached, ok := s.cache[id]
	s.mu.Unlock()

	if ok {
		return keyFromRecord(rec, cached), nil
	}

	for attempt := 1; attempt <= maxDecryptAttempts; attempt++ {
		fp, err := s.fingerprint()
		if err != nil {
			return nil, fmt.Errorf("computing fingerprint for key %s: %w", id, err)
		}

		material, err := s.decrypt(fp, rec)
		if err == nil {
			s.mu.Lock()
			s.cache[id] = material
			s.mu.Unlock()

			return keyFromRecord(rec, material), nil
		}

		s.logger.Warn("signing key decryption failed",
			slog.String("key_id", id),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		if attempt < maxDecryptAttempts {
			select {
			case <-ctx.Done():
				s.logger.Debug("key decryption retry cancelled",
					slog.String("key_id", id),
					slog.String("error", ctx.Err().Error()),
				)

				return nil, nil
			case <-time.After(retryDelay):
			}
		}
	}

	s.purgeCorrupted(id)

	return nil, nil
}

// purgeCorrupted drops every stored key after an unrecoverable decryption
// failure. Tokens signed by the purged keys stop verifying.
func (s *Store) purgeCorrupted(id string) {
	n, err := s.state.PurgeKeyRecords()
	if err != nil {
		s.logger.Error("purging corrupted signing keys failed",
			slog.String("key_id", id),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Error("purged signing keys after repeated decryption failure",
			slog.String("key_id", id),
			slog.Int("purged", n),
			slog.String("error", apperrors.ErrKeyCorrupted.Error()),
		)
	}

	s.mu.Lock()
	s.cache = make(map[string][]byte)
	s.mu.Unlock()
}

// ListKeys returns metadata for every stored key, oldest first.
func (s *Store) ListKeys(_ context.Context) ([]models.KeyInfo, error) {
	recs, err := s.state.AllKeyRecords()
	if err != nil {
		return nil, fmt.Errorf("%w: listing keys: %w", apperrors.ErrStorageUnavailable, err)
	}

	infos := make([]models.KeyInfo, 0, len(recs))
	for _, rec := range recs {
		infos = append(infos, rec.Info())
	}

	return infos, nil
}

// DeleteKey removes a stored key.
func (s *Store) DeleteKey(_ context.Context, id string) error {
	if err := s.state.DeleteKeyRecord(id); err != nil {
		return fmt.Errorf("%w: deleting key %s: %w", apperrors.ErrStorageUnavailable, id, err)
	}

	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()

	return nil
}

// RotateKeys generates a new key, makes it the only active key and
// returns its id. The previous key is kept, retired, for verification
// during the grace period.
func (s *Store) RotateKeys(ctx context.Context) (string, error) {
	key, err := s.GenerateKey(ctx)
	if err != nil {
		return "", err
	}

	if err := s.activate(key.ID); err != nil {
		return "", err
	}

	s.logger.Info("rotated signing key", slog.String("key_id", key.ID))

	return key.ID, nil
}

// ActiveKey returns the stored active key. When storage cannot produce
// one it returns the process-lifetime fallback key instead; ErrNoActiveKey
// is returned only if even that cannot be created.
func (s *Store) ActiveKey(ctx context.Context) (*SigningKey, error) {
	if key := s.storedActiveKey(ctx); key != nil {
		return key, nil
	}

	return s.fallbackKey()
}

// VerificationKeys returns every key a valid token may have been signed
// with: the active key, keys retired within the grace period, and the
// fallback key if one was created.
func (s *Store) VerificationKeys(ctx context.Context) ([]*SigningKey, error) {
	var keys []*SigningKey

	recs, err := s.state.AllKeyRecords()
	if err != nil {
		s.logger.Warn("listing signing keys for verification failed", slog.String("error", err.Error()))
	}

	now := s.clock.Now()

	// Newest first so the active key is tried before retired ones.
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]

		usable := rec.IsActive || (rec.RetiredAt != nil && now.Sub(*rec.RetiredAt) < s.gracePeriod)
		if !usable {
			continue
		}

		key, err := s.GetKey(ctx, rec.ID)
		if err != nil {
			s.logger.Warn("loading verification key failed",
				slog.String("key_id", rec.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		if key == nil {
			// Purged mid-iteration; the remaining records are gone too.
			break
		}

		keys = append(keys, key)
	}

	s.mu.Lock()
	fb := s.fallback
	s.mu.Unlock()

	if fb != nil {
		keys = append(keys, fb)
	}

	if len(keys) == 0 {
		return nil, apperrors.ErrNoActiveKey
	}

	return keys, nil
}

// UsingFallback reports whether the in-memory fallback key has been
// created in this process.
func (s *Store) UsingFallback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallback != nil
}

func (s *Store) storedActiveKey(ctx context.Context) *SigningKey {
	recs, err := s.state.AllKeyRecords()
	if err != nil {
		s.logger.Warn("listing signing keys failed", slog.String("error", err.Error()))
		return nil
	}

	for i := len(recs) - 1; i >= 0; i-- {
		if !recs[i].IsActive {
			continue
		}

		key, err := s.GetKey(ctx, recs[i].ID)
		if err != nil {
			s.logger.Warn("loading active signing key failed",
				slog.String("key_id", recs[i].ID),
				slog.String("error", err.Error()),
			)

			return nil
		}

		return key
	}

	return nil
}

func (s *Store) fallbackKey() (*SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fallback != nil {
		return s.fallback, nil
	}

	material := make([]byte, keySize)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("%w: generating fallback key: %w", apperrors.ErrNoActiveKey, err)
	}

	now := s.clock.Now()
	s.fallback = &SigningKey{
		ID:        "fallback_" + newKeyID(now),
		Algorithm: Algorithm,
		Material:  material,
		IsActive:  true,
		CreatedAt: now,
		Fallback:  true,
	}

	s.logger.Warn("signing with in-memory fallback key; tokens signed by stored keys no longer verify",
		slog.String("key_id", s.fallback.ID),
	)

	return s.fallback, nil
}

func (s *Store) activate(id string) error {
	if err := s.state.ActivateKey(id, s.clock.Now()); err != nil {
		return fmt.Errorf("%w: activating key %s: %w", apperrors.ErrStorageUnavailable, id, err)
	}

	return nil
}

// decrypt opens rec with the iteration count it was sealed with. Records
// written before the count was stored use the configured value.
func (s *Store) decrypt(fp string, rec *state.EncryptedKeyRecord) ([]byte, error) {
	iterations := rec.Iterations
	if iterations <= 0 {
		iterations = s.iterations
	}

	return open(fp, envelope{
		ciphertext: rec.Ciphertext,
		iv:         rec.IV,
		salt:       rec.Salt,
		iterations: iterations,
	})
}

func keyFromRecord(rec *state.EncryptedKeyRecord, material []byte) *SigningKey {
	return &SigningKey{
		ID:        rec.ID,
		Algorithm: rec.Algorithm,
		Material:  append([]byte(nil), material...),
		IsActive:  rec.IsActive,
		CreatedAt: rec.CreatedAt,
		RetiredAt: rec.RetiredAt,
	}
}

// newKeyID builds a sortable id from a millisecond timestamp and random
// suffix.
func newKeyID(now time.Time) string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return fmt.Sprintf("key_%013d_%s", now.UnixMilli(), hex.EncodeToString(b))
}
