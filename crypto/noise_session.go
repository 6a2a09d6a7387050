package crypto

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/flynn/noise"
	"github.com/google/uuid"
)

// ConfirmLabel is the plaintext of the version-2 handshake confirmation
// message, the first payload sealed by the initiator's cipher state.
const ConfirmLabel = "adatp v2 confirm"

// noiseAADLen is sessionID (16) + direction (1) + sequence (8).
const noiseAADLen = 16 + 1 + 8

// noiseSession is the version-2 cipher: the two CipherStates produced by a
// completed Noise-NN handshake. The Noise nonce counters live inside the
// states; the local sequence mirrors keep the packet header in lockstep
// with them, which is why Open requires the exact next sequence.
type noiseSession struct {
	sessionID uuid.UUID
	send      *noise.CipherState
	recv      *noise.CipherState
	sendDir   Direction
	recvDir   Direction
	sendSeq   uint64
	recvSeq   uint64
	anomalies atomic.Uint32
}

// NewNoiseSession wraps the cipher state pair from a finished Noise-NN
// handshake. By Noise convention the initiator sends with the first state
// and the responder with the second; callers pass the pair already ordered
// as (send, recv) for their role. The handshake confirmation message is
// sealed and opened through the session, so sequence zero is consumed by it.
func NewNoiseSession(sessionID uuid.UUID, send, recv *noise.CipherState, isServer bool) SessionCipher {
	s := &noiseSession{
		sessionID: sessionID,
		send:      send,
		recv:      recv,
	}
	if isServer {
		s.sendDir, s.recvDir = DirectionServerToClient, DirectionClientToServer
	} else {
		s.sendDir, s.recvDir = DirectionClientToServer, DirectionServerToClient
	}
	return s
}

func (s *noiseSession) Seal(plaintext []byte) ([]byte, uint64, error) {
	seq := s.sendSeq

	var aad [noiseAADLen]byte
	buildNoiseAAD(&aad, s.sessionID, s.sendDir, seq)

	ciphertext, err := s.send.Encrypt(nil, aad[:], plaintext)
	if err != nil {
		return nil, 0, err
	}

	s.sendSeq++
	return ciphertext, seq, nil
}

func (s *noiseSession) Open(ciphertext []byte, seq uint64) ([]byte, error) {
	// The cipher state's internal nonce only ever matches the next
	// sequence; anything else is a replay or a gap and must not advance it.
	if seq != s.recvSeq {
		s.anomalies.Add(1)
		return nil, ErrReplayedSequence
	}

	var aad [noiseAADLen]byte
	buildNoiseAAD(&aad, s.sessionID, s.recvDir, seq)

	plaintext, err := s.recv.Decrypt(nil, aad[:], ciphertext)
	if err != nil {
		s.anomalies.Add(1)
		return nil, ErrAuthFailure
	}

	s.recvSeq++
	return plaintext, nil
}

func (s *noiseSession) Anomalies() uint32 {
	return s.anomalies.Load()
}

func buildNoiseAAD(aad *[noiseAADLen]byte, sessionID uuid.UUID, dir Direction, seq uint64) {
	copy(aad[0:16], sessionID[:])
	aad[16] = byte(dir)
	binary.BigEndian.PutUint64(aad[17:], seq)
}
