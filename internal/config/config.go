package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/alexjbarnes/consoleguard/internal/credentials"
	"github.com/alexjbarnes/consoleguard/internal/rpc"
	"github.com/alexjbarnes/consoleguard/internal/state"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// minKDFIterations is the lowest accepted PBKDF2 iteration count for
	// signing key envelopes.
	minKDFIterations = 100_000
)

// Config holds all environment-based configuration for consoleguard.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// State database. Defaults to ~/.consoleguard/state.db.
	StatePath string `env:"CONSOLEGUARD_STATE_PATH"`

	// Optional YAML file with session timeouts. Defaults apply when unset.
	SettingsFile string `env:"CONSOLEGUARD_SETTINGS_FILE"`

	// Token authority
	TokenIssuer     string        `env:"TOKEN_ISSUER" envDefault:"consoleguard"`
	TokenAudience   string        `env:"TOKEN_AUDIENCE" envDefault:"console"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`
	ClockSkew       time.Duration `env:"CLOCK_SKEW" envDefault:"30s"`

	// Key store
	KeyGracePeriod time.Duration `env:"KEY_GRACE_PERIOD" envDefault:"24h"`
	KDFIterations  int           `env:"KDF_ITERATIONS" envDefault:"100000"`

	// Session and idle tracking
	RefreshThreshold time.Duration `env:"REFRESH_THRESHOLD" envDefault:"5m"`
	IdleThreshold    time.Duration `env:"IDLE_THRESHOLD" envDefault:"5m"`

	// Remote audit log. Audit calls are skipped when AuditURL is empty.
	AuditURL       string `env:"AUDIT_URL"`
	AuditTransport string `env:"AUDIT_TRANSPORT" envDefault:"streamable"`
	AuditToken     string `env:"AUDIT_TOKEN"`

	// Console users as "user:bcrypt_hash" pairs.
	AuthUsers string `env:"AUTH_USERS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := state.DefaultPath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	// The state path also scopes the key store fingerprint, so it must not
	// depend on the working directory.
	abs, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
	}

	cfg.StatePath = abs

	return cfg, nil
}

func (c *Config) validate() error {
	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("ACCESS_TOKEN_TTL must be positive")
	}

	if c.AccessTokenTTL >= c.RefreshTokenTTL {
		return fmt.Errorf("ACCESS_TOKEN_TTL (%s) must be shorter than REFRESH_TOKEN_TTL (%s)", c.AccessTokenTTL, c.RefreshTokenTTL)
	}

	if c.ClockSkew < 0 {
		return fmt.Errorf("CLOCK_SKEW must not be negative")
	}

	if c.KDFIterations < minKDFIterations {
		return fmt.Errorf("KDF_ITERATIONS must be at least %d, got %d", minKDFIterations, c.KDFIterations)
	}

	if c.KeyGracePeriod < 0 {
		return fmt.Errorf("KEY_GRACE_PERIOD must not be negative")
	}

	if c.RefreshThreshold <= 0 || c.IdleThreshold <= 0 {
		return fmt.Errorf("REFRESH_THRESHOLD and IDLE_THRESHOLD must be positive")
	}

	switch c.AuditTransport {
	case rpc.TransportStreamable, rpc.TransportWebSocket:
	default:
		return fmt.Errorf("AUDIT_TRANSPORT must be %q or %q, got %q", rpc.TransportStreamable, rpc.TransportWebSocket, c.AuditTransport)
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// AuditEnabled reports whether login and logout are reported to a remote
// audit server.
func (c *Config) AuditEnabled() bool {
	return c.AuditURL != ""
}

// ParseUsers parses AUTH_USERS into a credentials map.
// Format: "user1:hash1,user2:hash2"
func (c *Config) ParseUsers() (credentials.Users, error) {
	users, err := credentials.Parse(c.AuthUsers)
	if err != nil {
		return nil, fmt.Errorf("parsing AUTH_USERS: %w", err)
	}

	return users, nil
}
