package handshake

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/flynn/noise"
	"github.com/google/uuid"

	"github.com/opd-ai/adatp/crypto"
	"github.com/opd-ai/adatp/wire"
)

// ClientHandshake drives the client side of one handshake.
type ClientHandshake struct {
	state     State
	version   uint8
	sessionID uuid.UUID

	pair       *crypto.KeyPair
	clientRand []byte

	noiseState *noise.HandshakeState

	cipher crypto.SessionCipher
}

// NewClient creates a client-side handshake for the given wire version.
func NewClient(version uint8) (*ClientHandshake, error) {
	if version != wire.VersionXDH && version != wire.VersionNoise {
		return nil, wire.ErrUnsupportedVersion
	}
	return &ClientHandshake{
		state:   StateAwaitingInit,
		version: version,
	}, nil
}

// State returns the current handshake state.
func (h *ClientHandshake) State() State { return h.state }

// SessionID returns the server-assigned session identifier, known once the
// response has been consumed.
func (h *ClientHandshake) SessionID() uuid.UUID { return h.sessionID }

// Cipher returns the established session cipher.
func (h *ClientHandshake) Cipher() (crypto.SessionCipher, error) {
	if h.state != StateEstablished {
		return nil, ErrNotEstablished
	}
	return h.cipher, nil
}

// Init produces the HANDSHAKE_INIT packet. The session ID field is zero;
// the server assigns one in its response.
func (h *ClientHandshake) Init() (*wire.Packet, error) {
	if h.state != StateAwaitingInit {
		return nil, h.fail(fmt.Errorf("%w: init in %s", ErrUnexpectedPacket, h.state))
	}

	var payload []byte
	var err error
	switch h.version {
	case wire.VersionXDH:
		payload, err = h.initXDH()
	case wire.VersionNoise:
		payload, err = h.initNoise()
	}
	if err != nil {
		return nil, h.fail(err)
	}

	h.state = StateAwaitingResponse
	return &wire.Packet{
		Version:   h.version,
		Sequence:  0,
		Type:      wire.PacketHandshakeInit,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}, nil
}

func (h *ClientHandshake) initXDH() ([]byte, error) {
	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	h.pair = pair

	h.clientRand, err = crypto.RandomBytes(crypto.RandLen)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, 0, xdhPayloadLen)
	payload = append(payload, pair.Public[:]...)
	payload = append(payload, h.clientRand...)
	return payload, nil
}

func (h *ClientHandshake) initNoise() ([]byte, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: noiseSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeNN,
		Initiator:   true,
		Prologue:    noisePrologue,
	})
	if err != nil {
		return nil, fmt.Errorf("creating initiator state: %w", err)
	}
	h.noiseState = hs

	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("writing initiator message: %w", err)
	}
	return msg, nil
}

// Complete consumes HANDSHAKE_RESPONSE and produces HANDSHAKE_COMPLETE,
// after which the session cipher is active.
func (h *ClientHandshake) Complete(resp *wire.Packet) (*wire.Packet, error) {
	if h.state != StateAwaitingResponse {
		return nil, h.fail(fmt.Errorf("%w: response in %s", ErrUnexpectedPacket, h.state))
	}
	if resp.Type != wire.PacketHandshakeResponse {
		return nil, h.fail(fmt.Errorf("%w: got %s in %s", ErrUnexpectedPacket, resp.Type, h.state))
	}
	if resp.Version != h.version {
		return nil, h.fail(ErrVersionMismatch)
	}
	if resp.SessionID == uuid.Nil {
		return nil, h.fail(fmt.Errorf("%w: zero session id in response", ErrBadPayload))
	}
	h.sessionID = resp.SessionID

	var payload []byte
	var seq uint64
	var err error
	switch h.version {
	case wire.VersionXDH:
		seq = 2
		payload, err = h.completeXDH(resp.Payload)
	case wire.VersionNoise:
		payload, seq, err = h.completeNoise(resp.Payload)
	}
	if err != nil {
		return nil, h.fail(err)
	}

	h.state = StateEstablished
	return &wire.Packet{
		Version:   h.version,
		Flags:     wire.FlagEncrypted,
		Sequence:  seq,
		Type:      wire.PacketHandshakeComplete,
		Timestamp: time.Now().UnixMilli(),
		SessionID: h.sessionID,
		Payload:   payload,
	}, nil
}

func (h *ClientHandshake) completeXDH(payload []byte) ([]byte, error) {
	if len(payload) != xdhPayloadLen {
		return nil, fmt.Errorf("%w: response payload of %d bytes", ErrBadPayload, len(payload))
	}
	serverPub := payload[:32]
	serverRand := payload[32:]

	secret, err := crypto.SharedSecret(h.pair.Private, serverPub)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(secret)

	keys, err := crypto.DeriveSessionKeys(secret, h.clientRand, serverRand)
	if err != nil {
		return nil, err
	}

	transcript := crypto.Transcript(h.pair.Public[:], serverPub, h.clientRand, serverRand, h.sessionID)
	sealed, err := crypto.SealConfirmation(keys.Confirm, h.sessionID, transcript)
	if err != nil {
		return nil, err
	}

	h.cipher, err = crypto.NewXDHSession(h.sessionID, keys, false)
	if err != nil {
		return nil, err
	}

	keys.Wipe()
	h.pair.Wipe()
	return sealed, nil
}

func (h *ClientHandshake) completeNoise(payload []byte) ([]byte, uint64, error) {
	_, cs1, cs2, err := h.noiseState.ReadMessage(nil, payload)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if cs1 == nil || cs2 == nil {
		return nil, 0, fmt.Errorf("%w: handshake incomplete after response", ErrBadPayload)
	}

	h.cipher = crypto.NewNoiseSession(h.sessionID, cs1, cs2, false)

	sealed, seq, err := h.cipher.Seal([]byte(crypto.ConfirmLabel))
	if err != nil {
		return nil, 0, err
	}
	return sealed, seq, nil
}

func (h *ClientHandshake) fail(err error) error {
	h.state = StateFailed
	if h.pair != nil {
		h.pair.Wipe()
	}
	return err
}
