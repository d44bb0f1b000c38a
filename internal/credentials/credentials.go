// Package credentials checks console user passwords against bcrypt
// hashes.
package credentials

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when the username is unknown so the
// response time does not reveal which usernames exist.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("consoleguard-dummy-password"), bcrypt.MinCost)

// Users maps usernames to bcrypt hashes.
type Users map[string]string

// Parse parses "user1:hash1,user2:hash2". Only the first colon separates
// the username from the hash.
func Parse(s string) (Users, error) {
	users := make(Users)
	if s == "" {
		return users, nil
	}

	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid user entry %d (missing ':')", len(users)+1)
		}

		username := pair[:idx]
		hash := pair[idx+1:]

		if username == "" || hash == "" {
			return nil, fmt.Errorf("empty username or hash in entry %d", len(users)+1)
		}

		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("entry for %q is not a bcrypt hash: %w", username, err)
		}

		if _, dup := users[username]; dup {
			return nil, fmt.Errorf("duplicate username %q in AUTH_USERS", username)
		}

		users[username] = hash
	}

	return users, nil
}

// Verify reports whether password matches the user's hash. Unknown users
// cost the same bcrypt comparison as known ones.
func (u Users) Verify(username, password string) bool {
	hash, ok := u[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Hash returns a bcrypt hash of password at the default cost.
func Hash(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password is empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}

	return string(hash), nil
}
