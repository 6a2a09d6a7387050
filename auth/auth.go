// Package auth decides whether a username/password pair may use the
// server. The protocol core treats the decision as opaque: any backend
// that can answer authorized-or-not with an identity can sit behind the
// Authorizer interface.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized reports rejected credentials. Backends return it for
// unknown users and wrong passwords alike; callers must not distinguish
// the two.
var ErrUnauthorized = errors.New("auth: invalid credentials")

// Identity is the authenticated principal bound to a session.
type Identity struct {
	UserID string
	Role   string
}

// Authorizer checks credentials against a backing store.
type Authorizer interface {
	// Authorize returns the identity for valid credentials and
	// ErrUnauthorized for invalid ones. Any other error is a backend
	// failure, not a verdict.
	Authorize(ctx context.Context, username, password string) (Identity, error)
}

// AllowAll authorizes every credential pair. It backs servers running
// with authentication disabled; the username becomes the identity.
type AllowAll struct{}

// Authorize accepts unconditionally.
func (AllowAll) Authorize(_ context.Context, username, _ string) (Identity, error) {
	if username == "" {
		username = "anonymous"
	}
	return Identity{UserID: username, Role: "user"}, nil
}
