// Package handshake implements the adatp handshake state machines.
//
// A handshake is three packets: HANDSHAKE_INIT from the client,
// HANDSHAKE_RESPONSE from the server (carrying the assigned session ID),
// and HANDSHAKE_COMPLETE from the client proving it derived the same keys.
// The wire version byte selects the suite: version 1 is X25519+HKDF with a
// sealed transcript hash as the confirmation, version 2 runs Noise-NN and
// confirms with the first message sealed by the session cipher.
//
// The machines are strict: any packet other than the one expected for the
// current state moves the handshake to Failed, which is terminal. A new
// handshake requires a new connection.
package handshake

import (
	"errors"

	"github.com/flynn/noise"
)

// State of a handshake in progress.
type State uint8

const (
	// StateAwaitingInit is the server's initial state.
	StateAwaitingInit State = iota
	// StateAwaitingResponse is the client's state after sending INIT.
	StateAwaitingResponse
	// StateAwaitingComplete is the server's state after sending RESPONSE.
	StateAwaitingComplete
	// StateEstablished means session keys are active on both sides.
	StateEstablished
	// StateFailed is terminal; the connection must be closed.
	StateFailed
)

// String returns a stable lowercase name for logging.
func (s State) String() string {
	switch s {
	case StateAwaitingInit:
		return "awaiting_init"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateAwaitingComplete:
		return "awaiting_complete"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrUnexpectedPacket reports a packet type the current state cannot
	// accept. Terminal.
	ErrUnexpectedPacket = errors.New("handshake: unexpected packet for state")

	// ErrVerification reports a failed confirmation check. Terminal.
	ErrVerification = errors.New("handshake: confirmation verification failed")

	// ErrBadPayload reports a handshake payload of the wrong shape.
	ErrBadPayload = errors.New("handshake: malformed handshake payload")

	// ErrVersionMismatch reports a peer switching protocol versions between
	// handshake packets.
	ErrVersionMismatch = errors.New("handshake: protocol version changed mid-handshake")

	// ErrNotEstablished is returned when the session cipher is requested
	// before the handshake finished.
	ErrNotEstablished = errors.New("handshake: session not established")
)

// Version-1 fixed payload sizes: an X25519 public key plus the random salt
// contribution.
const xdhPayloadLen = 32 + 16

// noiseSuite and noisePrologue pin the version-2 parameters on both sides.
var (
	noiseSuite    = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	noisePrologue = []byte("adatp v2")
)
