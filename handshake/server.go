package handshake

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/flynn/noise"
	"github.com/google/uuid"

	"github.com/opd-ai/adatp/crypto"
	"github.com/opd-ai/adatp/wire"
)

// ServerHandshake drives the server side of one handshake. It is owned by
// a single connection actor and is not safe for concurrent use.
type ServerHandshake struct {
	state     State
	version   uint8
	sessionID uuid.UUID

	// version 1 material, wiped once the session cipher exists
	keys       *crypto.SessionKeys
	serverPair *crypto.KeyPair
	clientPub  []byte
	clientRand []byte
	serverRand []byte

	cipher crypto.SessionCipher
}

// NewServer creates a server-side handshake. The session ID is assigned up
// front and delivered to the client in HANDSHAKE_RESPONSE.
func NewServer() *ServerHandshake {
	return &ServerHandshake{
		state:     StateAwaitingInit,
		sessionID: uuid.New(),
	}
}

// State returns the current handshake state.
func (h *ServerHandshake) State() State { return h.state }

// SessionID returns the server-assigned session identifier.
func (h *ServerHandshake) SessionID() uuid.UUID { return h.sessionID }

// Cipher returns the established session cipher.
func (h *ServerHandshake) Cipher() (crypto.SessionCipher, error) {
	if h.state != StateEstablished {
		return nil, ErrNotEstablished
	}
	return h.cipher, nil
}

// Consume advances the state machine with one inbound packet. It returns
// the reply to send (nil when there is none) and whether the handshake just
// completed. Any returned error is terminal: the state is Failed and the
// connection must be closed.
func (h *ServerHandshake) Consume(pkt *wire.Packet) (reply *wire.Packet, done bool, err error) {
	switch h.state {
	case StateAwaitingInit:
		if pkt.Type != wire.PacketHandshakeInit {
			return nil, false, h.fail(fmt.Errorf("%w: got %s in %s", ErrUnexpectedPacket, pkt.Type, h.state))
		}
		reply, err = h.consumeInit(pkt)
		if err != nil {
			return nil, false, h.fail(err)
		}
		h.state = StateAwaitingComplete
		return reply, false, nil

	case StateAwaitingComplete:
		if pkt.Type != wire.PacketHandshakeComplete {
			return nil, false, h.fail(fmt.Errorf("%w: got %s in %s", ErrUnexpectedPacket, pkt.Type, h.state))
		}
		if pkt.Version != h.version {
			return nil, false, h.fail(ErrVersionMismatch)
		}
		if err := h.consumeComplete(pkt); err != nil {
			return nil, false, h.fail(err)
		}
		h.state = StateEstablished
		return nil, true, nil

	default:
		return nil, false, h.fail(fmt.Errorf("%w: packet in %s", ErrUnexpectedPacket, h.state))
	}
}

func (h *ServerHandshake) fail(err error) error {
	h.state = StateFailed
	if h.keys != nil {
		h.keys.Wipe()
	}
	if h.serverPair != nil {
		h.serverPair.Wipe()
	}
	return err
}

func (h *ServerHandshake) consumeInit(pkt *wire.Packet) (*wire.Packet, error) {
	h.version = pkt.Version

	var payload []byte
	var err error
	switch h.version {
	case wire.VersionXDH:
		payload, err = h.initXDH(pkt.Payload)
	case wire.VersionNoise:
		payload, err = h.initNoise(pkt.Payload)
	default:
		err = wire.ErrUnsupportedVersion
	}
	if err != nil {
		return nil, err
	}

	return &wire.Packet{
		Version:   h.version,
		Sequence:  1,
		Type:      wire.PacketHandshakeResponse,
		Timestamp: time.Now().UnixMilli(),
		SessionID: h.sessionID,
		Payload:   payload,
	}, nil
}

// initXDH computes the version-1 response: our ephemeral public key and
// random contribution, with the session keys derived as a side effect.
func (h *ServerHandshake) initXDH(payload []byte) ([]byte, error) {
	if len(payload) != xdhPayloadLen {
		return nil, fmt.Errorf("%w: init payload of %d bytes", ErrBadPayload, len(payload))
	}
	h.clientPub = append([]byte{}, payload[:32]...)
	h.clientRand = append([]byte{}, payload[32:]...)

	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	h.serverPair = pair

	h.serverRand, err = crypto.RandomBytes(crypto.RandLen)
	if err != nil {
		return nil, err
	}

	secret, err := crypto.SharedSecret(pair.Private, h.clientPub)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(secret)

	h.keys, err = crypto.DeriveSessionKeys(secret, h.clientRand, h.serverRand)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, xdhPayloadLen)
	out = append(out, pair.Public[:]...)
	out = append(out, h.serverRand...)
	return out, nil
}

// initNoise runs both Noise-NN messages: reading the initiator's ephemeral
// and producing ours. The cipher states exist once message 2 is written, so
// the session cipher is ready before the confirmation arrives.
func (h *ServerHandshake) initNoise(payload []byte) ([]byte, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: noiseSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeNN,
		Initiator:   false,
		Prologue:    noisePrologue,
	})
	if err != nil {
		return nil, fmt.Errorf("creating responder state: %w", err)
	}

	if _, _, _, err := hs.ReadMessage(nil, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	msg, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("writing responder message: %w", err)
	}

	// The initiator transmits with the first state.
	h.cipher = crypto.NewNoiseSession(h.sessionID, cs2, cs1, true)
	return msg, nil
}

func (h *ServerHandshake) consumeComplete(pkt *wire.Packet) error {
	switch h.version {
	case wire.VersionXDH:
		return h.completeXDH(pkt)
	case wire.VersionNoise:
		return h.completeNoise(pkt)
	default:
		return ErrBadPayload
	}
}

func (h *ServerHandshake) completeXDH(pkt *wire.Packet) error {
	transcript := crypto.Transcript(h.clientPub, h.serverPair.Public[:], h.clientRand, h.serverRand, h.sessionID)

	opened, err := crypto.OpenConfirmation(h.keys.Confirm, h.sessionID, pkt.Payload)
	if err != nil {
		return ErrVerification
	}
	if subtle.ConstantTimeCompare(opened, transcript[:]) != 1 {
		return ErrVerification
	}

	h.cipher, err = crypto.NewXDHSession(h.sessionID, h.keys, true)
	if err != nil {
		return err
	}

	h.keys.Wipe()
	h.serverPair.Wipe()
	return nil
}

func (h *ServerHandshake) completeNoise(pkt *wire.Packet) error {
	opened, err := h.cipher.Open(pkt.Payload, pkt.Sequence)
	if err != nil {
		return ErrVerification
	}
	if subtle.ConstantTimeCompare(opened, []byte(crypto.ConfirmLabel)) != 1 {
		return ErrVerification
	}
	return nil
}
