package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/consoleguard/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.consoleguard/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket         = []byte("app")
	signingKeysBucket = []byte("signing_keys")
	revocationsBucket = []byte("revocations")
	auditBucket       = []byte("audit_log")

	sessionBlobKey    = []byte("session")
	currentSessionKey = []byte("current_session_id")
	activityKey       = []byte("activity")
)

// EncryptedKeyRecord is the at-rest form of a signing key. Ciphertext
// holds the key material sealed with a key derived from Salt; the
// remaining fields are plaintext metadata.
type EncryptedKeyRecord struct {
	ID         string     `json:"id"`
	Ciphertext []byte     `json:"ciphertext"`
	IV         []byte     `json:"iv"`
	Salt       []byte     `json:"salt"`
	Iterations int        `json:"iterations,omitempty"`
	Algorithm  string     `json:"algorithm"`
	Usage      []string   `json:"usage"`
	CreatedAt  time.Time  `json:"created_at"`
	IsActive   bool       `json:"is_active"`
	RetiredAt  *time.Time `json:"retired_at,omitempty"`
}

// Info returns the plaintext metadata of the record.
func (r EncryptedKeyRecord) Info() models.KeyInfo {
	return models.KeyInfo{
		ID:        r.ID,
		Algorithm: r.Algorithm,
		Usage:     r.Usage,
		CreatedAt: r.CreatedAt,
		IsActive:  r.IsActive,
		RetiredAt: r.RetiredAt,
	}
}

// activityRecord is the persisted form of the idle tracker counters.
type activityRecord struct {
	LastActivity  time.Time `json:"last_activity"`
	ActivityCount int64     `json:"activity_count"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// DefaultPath returns ~/.consoleguard/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".consoleguard", "state.db"), nil
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. All buckets are created on open.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, signingKeysBucket, revocationsBucket, auditBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// --- Signing keys ---

// SaveKeyRecord persists an encrypted key record, replacing any record
// with the same ID.
func (s *State) SaveKeyRecord(rec EncryptedKeyRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return tx.Bucket(signingKeysBucket).Put([]byte(rec.ID), data)
	})
}

// GetKeyRecord returns the record for id, or nil if not found.
func (s *State) GetKeyRecord(id string) (*EncryptedKeyRecord, error) {
	var rec *EncryptedKeyRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(signingKeysBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		rec = &EncryptedKeyRecord{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// AllKeyRecords returns every stored key record ordered by ID. IDs start
// with a millisecond timestamp, so this is creation order.
func (s *State) AllKeyRecords() ([]EncryptedKeyRecord, error) {
	var recs []EncryptedKeyRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(signingKeysBucket).ForEach(func(k, v []byte) error {
			var rec EncryptedKeyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			recs = append(recs, rec)

			return nil
		})
	})

	return recs, err
}

// DeleteKeyRecord removes a key record. Deleting a missing key is a no-op.
func (s *State) DeleteKeyRecord(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(signingKeysBucket).Delete([]byte(id))
	})
}

// PurgeKeyRecords deletes every key record and returns how many were removed.
func (s *State) PurgeKeyRecords() (int, error) {
	count := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		count = tx.Bucket(signingKeysBucket).Stats().KeyN
		if err := tx.DeleteBucket(signingKeysBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucket(signingKeysBucket)

		return err
	})

	return count, err
}

// ActivateKey marks id as the only active key in a single transaction.
// Every other previously active key is deactivated and stamped with
// retiredAt.
func (s *State) ActivateKey(id string, retiredAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(signingKeysBucket)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("signing key %s not found", id)
		}

		updates := make(map[string][]byte)

		err := b.ForEach(func(k, v []byte) error {
			var rec EncryptedKeyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			switch {
			case rec.ID == id && !rec.IsActive:
				rec.IsActive = true
				rec.RetiredAt = nil
			case rec.ID != id && rec.IsActive:
				rec.IsActive = false
				retired := retiredAt
				rec.RetiredAt = &retired
			default:
				return nil
			}

			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}

			updates[string(k)] = data

			return nil
		})
		if err != nil {
			return err
		}

		// bbolt forbids mutating a bucket while iterating it.
		for k, data := range updates {
			if err := b.Put([]byte(k), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// --- Revocations ---

// SaveRevocation records a revoked token id. Revocation is monotonic: an
// existing record is never overwritten. Returns true if a new record was
// written.
func (s *State) SaveRevocation(rec models.RevocationRecord) (bool, error) {
	if rec.JTI == "" {
		return false, fmt.Errorf("revocation requires a token id")
	}

	added := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(revocationsBucket)
		if b.Get([]byte(rec.JTI)) != nil {
			return nil
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		added = true

		return b.Put([]byte(rec.JTI), data)
	})

	return added, err
}

// IsRevoked reports whether jti has a revocation record.
func (s *State) IsRevoked(jti string) (bool, error) {
	revoked := false

	err := s.db.View(func(tx *bolt.Tx) error {
		revoked = tx.Bucket(revocationsBucket).Get([]byte(jti)) != nil
		return nil
	})

	return revoked, err
}

// AllRevocations returns every revocation record.
func (s *State) AllRevocations() ([]models.RevocationRecord, error) {
	var recs []models.RevocationRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(revocationsBucket).ForEach(func(k, v []byte) error {
			var rec models.RevocationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			recs = append(recs, rec)

			return nil
		})
	})

	return recs, err
}

// PurgeRevocations deletes records whose token expired before cutoff.
// Records without a known expiry are kept.
func (s *State) PurgeRevocations(cutoff time.Time) (int, error) {
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(revocationsBucket)

		var stale [][]byte

		err := b.ForEach(func(k, v []byte) error {
			var rec models.RevocationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			if !rec.ExpiresAt.IsZero() && rec.ExpiresAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		removed = len(stale)

		return nil
	})

	return removed, err
}

// --- Session ---

// SaveSession stores the encoded session blob and points the current
// session marker at sessionID.
func (s *State) SaveSession(sessionID string, blob []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if err := b.Put(sessionBlobKey, blob); err != nil {
			return err
		}

		return b.Put(currentSessionKey, []byte(sessionID))
	})
}

// LoadSession returns the current session id and blob. Both are empty
// when no session is stored.
func (s *State) LoadSession() (string, []byte, error) {
	var (
		id   string
		blob []byte
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		if v := b.Get(currentSessionKey); v != nil {
			id = string(v)
		}

		if v := b.Get(sessionBlobKey); v != nil {
			blob = append([]byte(nil), v...)
		}

		return nil
	})

	return id, blob, err
}

// ClearSession removes the session blob and the current session marker.
func (s *State) ClearSession() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if err := b.Delete(sessionBlobKey); err != nil {
			return err
		}

		return b.Delete(currentSessionKey)
	})
}

// --- Activity ---

// SaveActivity persists the idle tracker counters.
func (s *State) SaveActivity(last time.Time, count int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(activityRecord{LastActivity: last, ActivityCount: count})
		if err != nil {
			return err
		}

		return tx.Bucket(appBucket).Put(activityKey, data)
	})
}

// Activity returns the persisted idle tracker counters. ok is false when
// nothing has been recorded.
func (s *State) Activity() (last time.Time, count int64, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(activityKey)
		if v == nil {
			return nil
		}

		var rec activityRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}

		last, count, ok = rec.LastActivity, rec.ActivityCount, true

		return nil
	})

	return last, count, ok, err
}

// ClearActivity removes the persisted idle tracker counters.
func (s *State) ClearActivity() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(activityKey)
	})
}

// --- Audit log ---

// AppendAudit appends an entry to the audit log.
func (s *State) AppendAudit(entry models.AuditEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(auditBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		return b.Put(key, data)
	})
}

// AuditEntries returns the audit log in append order.
func (s *State) AuditEntries() ([]models.AuditEntry, error) {
	var entries []models.AuditEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(auditBucket).ForEach(func(k, v []byte) error {
			var e models.AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			entries = append(entries, e)

			return nil
		})
	})

	return entries, err
}
