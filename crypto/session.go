package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

// Direction labels the two flows inside a session. The byte value is part
// of the AEAD additional data.
type Direction uint8

const (
	// DirectionClientToServer marks traffic sealed by the client.
	DirectionClientToServer Direction = 1
	// DirectionServerToClient marks traffic sealed by the server.
	DirectionServerToClient Direction = 2
)

// aadLen is sessionID (16) + direction (1) + nonce (12).
const aadLen = 16 + 1 + chacha20poly1305.NonceSize

// SessionCipher wraps and unwraps packet payloads for one established
// session. Implementations are not safe for concurrent use: the connection
// actor serializes all Seal calls through its write loop and all Open calls
// through its read loop. Anomalies is safe to read from anywhere.
type SessionCipher interface {
	// Seal encrypts plaintext for the session's send direction. It returns
	// the ciphertext and the sequence number that must be carried in the
	// packet header, since the receiver derives the nonce from it.
	Seal(plaintext []byte) (ciphertext []byte, seq uint64, err error)

	// Open decrypts a received payload whose header carried seq. It fails
	// closed: a replayed sequence or a bad tag yields an error, increments
	// the anomaly count, and leaves the cipher state untouched.
	Open(ciphertext []byte, seq uint64) ([]byte, error)

	// Anomalies returns how many Open calls have failed.
	Anomalies() uint32
}

// xdhSession is the version-1 cipher: ChaCha20-Poly1305 per direction with
// counter-derived nonces. The receive side accepts any strictly increasing
// sequence, so a dropped packet does not wedge the stream, while a replay
// is rejected before the cipher is consulted.
type xdhSession struct {
	sessionID uuid.UUID
	send      cipher.AEAD
	recv      cipher.AEAD
	sendDir   Direction
	recvDir   Direction
	sendSeq   uint64
	lastRecv  uint64
	anomalies atomic.Uint32
}

// NewXDHSession builds the version-1 session cipher from derived keys. The
// server seals with the server-to-client key and opens with the
// client-to-server key; the client is the mirror image.
func NewXDHSession(sessionID uuid.UUID, keys *SessionKeys, isServer bool) (SessionCipher, error) {
	c2s, err := chacha20poly1305.New(keys.ClientToServer)
	if err != nil {
		return nil, fmt.Errorf("client-to-server cipher: %w", err)
	}
	s2c, err := chacha20poly1305.New(keys.ServerToClient)
	if err != nil {
		return nil, fmt.Errorf("server-to-client cipher: %w", err)
	}

	s := &xdhSession{sessionID: sessionID}
	if isServer {
		s.send, s.sendDir = s2c, DirectionServerToClient
		s.recv, s.recvDir = c2s, DirectionClientToServer
	} else {
		s.send, s.sendDir = c2s, DirectionClientToServer
		s.recv, s.recvDir = s2c, DirectionServerToClient
	}
	return s, nil
}

func (s *xdhSession) Seal(plaintext []byte) ([]byte, uint64, error) {
	if s.sendSeq == ^uint64(0) {
		return nil, 0, ErrSequenceExhausted
	}
	seq := s.sendSeq + 1

	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], seq)

	var aad [aadLen]byte
	buildAAD(&aad, s.sessionID, s.sendDir, nonce)

	ciphertext := s.send.Seal(nil, nonce[:], plaintext, aad[:])
	s.sendSeq = seq
	return ciphertext, seq, nil
}

func (s *xdhSession) Open(ciphertext []byte, seq uint64) ([]byte, error) {
	if seq <= s.lastRecv {
		s.anomalies.Add(1)
		return nil, ErrReplayedSequence
	}

	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], seq)

	var aad [aadLen]byte
	buildAAD(&aad, s.sessionID, s.recvDir, nonce)

	plaintext, err := s.recv.Open(nil, nonce[:], ciphertext, aad[:])
	if err != nil {
		s.anomalies.Add(1)
		return nil, ErrAuthFailure
	}

	s.lastRecv = seq
	return plaintext, nil
}

func (s *xdhSession) Anomalies() uint32 {
	return s.anomalies.Load()
}

func buildAAD(aad *[aadLen]byte, sessionID uuid.UUID, dir Direction, nonce [chacha20poly1305.NonceSize]byte) {
	copy(aad[0:16], sessionID[:])
	aad[16] = byte(dir)
	copy(aad[17:], nonce[:])
}
