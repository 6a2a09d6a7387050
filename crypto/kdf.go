package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// HKDF info labels. Directional keys are distinct by label so a packet
// sealed by one party can never be opened as if the other had sent it.
const (
	labelClientToServer = "adatp v1 client-to-server"
	labelServerToClient = "adatp v1 server-to-client"
	labelConfirm        = "adatp v1 confirm"
	labelTranscript     = "adatp v1 transcript"
)

// RandLen is the size of the random value each side contributes to the
// handshake salt.
const RandLen = 16

// SessionKeys holds the three keys derived from one completed handshake.
type SessionKeys struct {
	ClientToServer []byte
	ServerToClient []byte
	Confirm        []byte
}

// Wipe zeroes all key material.
func (k *SessionKeys) Wipe() {
	Wipe(k.ClientToServer)
	Wipe(k.ServerToClient)
	Wipe(k.Confirm)
}

// DeriveSessionKeys expands the shared secret into the directional session
// keys and the handshake confirmation key. The salt binds both parties'
// random contributions so two handshakes between the same peers never
// derive the same keys.
func DeriveSessionKeys(sharedSecret, clientRand, serverRand []byte) (*SessionKeys, error) {
	salt := sha256.New()
	salt.Write(clientRand)
	salt.Write(serverRand)
	saltSum := salt.Sum(nil)

	c2s, err := deriveKey(sharedSecret, saltSum, []byte(labelClientToServer))
	if err != nil {
		return nil, fmt.Errorf("deriving client-to-server key: %w", err)
	}

	s2c, err := deriveKey(sharedSecret, saltSum, []byte(labelServerToClient))
	if err != nil {
		return nil, fmt.Errorf("deriving server-to-client key: %w", err)
	}

	confirm, err := deriveKey(sharedSecret, saltSum, []byte(labelConfirm))
	if err != nil {
		return nil, fmt.Errorf("deriving confirmation key: %w", err)
	}

	return &SessionKeys{
		ClientToServer: c2s,
		ServerToClient: s2c,
		Confirm:        confirm,
	}, nil
}

func deriveKey(secret, salt, info []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Transcript hashes the public handshake values into the confirmation
// plaintext both sides must agree on.
func Transcript(clientPub, serverPub, clientRand, serverRand []byte, sessionID uuid.UUID) [32]byte {
	h := sha256.New()
	h.Write([]byte(labelTranscript))
	h.Write(clientPub)
	h.Write(serverPub)
	h.Write(clientRand)
	h.Write(serverRand)
	h.Write(sessionID[:])

	var out [32]byte
	h.Sum(out[:0])
	return out
}

// SealConfirmation encrypts the transcript hash under the confirmation key.
// The key is single-use, so the nonce is fixed at zero; the additional data
// binds the sealed value to the assigned session.
func SealConfirmation(confirmKey []byte, sessionID uuid.UUID, transcript [32]byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(confirmKey)
	if err != nil {
		return nil, fmt.Errorf("confirmation cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	return aead.Seal(nil, nonce, transcript[:], sessionID[:]), nil
}

// OpenConfirmation decrypts a sealed confirmation value. Callers compare
// the result against their own transcript in constant time.
func OpenConfirmation(confirmKey []byte, sessionID uuid.UUID, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(confirmKey)
	if err != nil {
		return nil, fmt.Errorf("confirmation cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	plaintext, err := aead.Open(nil, nonce, sealed, sessionID[:])
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}
