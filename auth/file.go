package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// userRecord is one entry of the users file.
type userRecord struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// FileAuthorizer checks credentials against a JSON users file. Each
// entry holds username, password and role; the password field carries
// either a bcrypt hash (entries starting with "$2") or a literal
// password compared in constant time.
type FileAuthorizer struct {
	users map[string]userRecord

	// dummyHash absorbs a bcrypt comparison for unknown usernames so
	// lookups cost the same whether or not the user exists.
	dummyHash []byte
}

// LoadFile reads a users file and builds an authorizer from it.
func LoadFile(path string) (*FileAuthorizer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read users file: %w", err)
	}

	var records []userRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("auth: parse users file: %w", err)
	}

	users := make(map[string]userRecord, len(records))
	for _, rec := range records {
		if rec.Username == "" {
			return nil, fmt.Errorf("auth: users file entry with empty username")
		}
		if _, dup := users[rec.Username]; dup {
			return nil, fmt.Errorf("auth: duplicate user %q", rec.Username)
		}
		users[rec.Username] = rec
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("adatp-dummy"), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: generate dummy hash: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "LoadFile",
		"path":     path,
		"users":    len(users),
	}).Info("Loaded users file")

	return &FileAuthorizer{users: users, dummyHash: dummy}, nil
}

// Authorize checks the pair against the loaded users.
func (f *FileAuthorizer) Authorize(_ context.Context, username, password string) (Identity, error) {
	rec, ok := f.users[username]
	if !ok {
		// Burn a comparison so missing users are not observable by timing.
		_ = bcrypt.CompareHashAndPassword(f.dummyHash, []byte(password))
		return Identity{}, ErrUnauthorized
	}

	if isBcryptHash(rec.Password) {
		if bcrypt.CompareHashAndPassword([]byte(rec.Password), []byte(password)) != nil {
			return Identity{}, ErrUnauthorized
		}
	} else if subtle.ConstantTimeCompare([]byte(rec.Password), []byte(password)) != 1 {
		return Identity{}, ErrUnauthorized
	}

	role := rec.Role
	if role == "" {
		role = "user"
	}
	return Identity{UserID: rec.Username, Role: role}, nil
}

// Users returns the number of loaded records.
func (f *FileAuthorizer) Users() int {
	return len(f.users)
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
