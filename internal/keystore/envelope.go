package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"
	"runtime"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

const (
	// saltSize is the PBKDF2 salt length in bytes.
	saltSize = 16

	// wrapKeyLen is the derived AES-256 key length in bytes.
	wrapKeyLen = 32
)

// FingerprintFunc returns a deterministic description of the local
// environment. It is the password fed to PBKDF2.
type FingerprintFunc func() (string, error)

// envelope is a sealed key: AES-GCM ciphertext plus the IV, the salt and
// the PBKDF2 iteration count the wrapping key was derived with.
type envelope struct {
	ciphertext []byte
	iv         []byte
	salt       []byte
	iterations int
}

// deriveKey derives the wrapping key from the fingerprint. The fingerprint
// is normalized to NFKC so equivalent hostnames hash identically.
func deriveKey(fingerprint string, salt []byte, iterations int) []byte {
	fingerprint = norm.NFKC.String(fingerprint)
	return pbkdf2.Key([]byte(fingerprint), salt, iterations, wrapKeyLen, sha256.New)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return gcm, nil
}

// seal encrypts material under a key derived from fingerprint and a fresh
// salt, with a fresh random IV.
func seal(fingerprint string, material []byte, iterations int) (envelope, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return envelope{}, fmt.Errorf("generating salt: %w", err)
	}

	wrapKey := deriveKey(fingerprint, salt, iterations)
	defer zero(wrapKey)

	gcm, err := newGCM(wrapKey)
	if err != nil {
		return envelope{}, err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return envelope{}, fmt.Errorf("generating IV: %w", err)
	}

	return envelope{
		ciphertext: gcm.Seal(nil, iv, material, nil),
		iv:         iv,
		salt:       salt,
		iterations: iterations,
	}, nil
}

// open reverses seal using the iteration count recorded in env. A wrong
// fingerprint or tampered record fails GCM authentication.
func open(fingerprint string, env envelope) ([]byte, error) {
	if len(env.salt) == 0 {
		return nil, fmt.Errorf("key record has no salt")
	}

	if env.iterations <= 0 {
		return nil, fmt.Errorf("key record has no iteration count")
	}

	wrapKey := deriveKey(fingerprint, env.salt, env.iterations)
	defer zero(wrapKey)

	gcm, err := newGCM(wrapKey)
	if err != nil {
		return nil, err
	}

	if len(env.iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid IV length %d", len(env.iv))
	}

	plain, err := gcm.Open(nil, env.iv, env.ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting key material: %w", err)
	}

	if len(plain) != keySize {
		return nil, fmt.Errorf("decrypted key has length %d, expected %d", len(plain), keySize)
	}

	return plain, nil
}

// zero overwrites key material once it is no longer needed.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// machineIDPaths are checked in order for a stable per-install identifier.
var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// DefaultFingerprint combines the machine id (where the platform has
// one), hostname, OS/architecture and scope. Scope is usually the state
// database path so two installs on one machine derive different keys.
func DefaultFingerprint(scope string) FingerprintFunc {
	return func() (string, error) {
		parts := []string{runtime.GOOS, runtime.GOARCH}

		for _, p := range machineIDPaths {
			if data, err := os.ReadFile(p); err == nil {
				if id := strings.TrimSpace(string(data)); id != "" {
					parts = append(parts, id)
					break
				}
			}
		}

		host, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("reading hostname: %w", err)
		}

		parts = append(parts, host, scope)

		return strings.Join(parts, "|"), nil
	}
}

// StaticFingerprint returns a FingerprintFunc that always yields fp.
func StaticFingerprint(fp string) FingerprintFunc {
	return func() (string, error) { return fp, nil }
}
