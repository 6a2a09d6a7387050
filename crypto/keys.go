// Package crypto implements the cryptographic core of adatp sessions: X25519
// ephemeral key exchange, HKDF key derivation with directional labels, and
// the per-session authenticated-encryption transform with its nonce/sequence
// discipline.
//
// Two cipher suites exist, selected by the wire version byte: the
// X25519+HKDF+ChaCha20-Poly1305 suite and the Noise-NN suite built on
// flynn/noise. Both produce a SessionCipher with identical semantics:
// deterministic nonces from per-direction counters, session-bound additional
// data, and fail-closed opens counted against an anomaly threshold.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

var (
	// ErrAuthFailure reports a failed AEAD tag verification. The packet is
	// discarded; the session stays usable until the anomaly threshold.
	ErrAuthFailure = errors.New("crypto: payload authentication failed")

	// ErrReplayedSequence reports a sequence number at or below one already
	// accepted for the receive direction.
	ErrReplayedSequence = errors.New("crypto: replayed or reordered sequence")

	// ErrSequenceExhausted reports a per-direction counter wrap. Sessions
	// never reuse a nonce; the connection must be closed instead.
	ErrSequenceExhausted = errors.New("crypto: sequence counter exhausted")
)

// KeyPair is an ephemeral X25519 key pair. Pairs live for one handshake and
// are wiped once session keys are derived.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a fresh X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}

	public, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}
	copy(kp.Public[:], public)

	return kp, nil
}

// Wipe zeroes the private half of the key pair.
func (kp *KeyPair) Wipe() {
	for i := range kp.Private {
		kp.Private[i] = 0
	}
}

// SharedSecret computes the X25519 shared secret between a private key and
// a peer's public key. Low-order peer points yielding an all-zero secret
// are rejected by the underlying implementation.
func SharedSecret(private [32]byte, peerPublic []byte) ([]byte, error) {
	secret, err := curve25519.X25519(private[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("computing shared secret: %w", err)
	}
	return secret, nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return buf, nil
}

// Wipe zeroes b. Used for short-lived secrets once they are no longer
// needed.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
