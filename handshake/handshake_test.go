package handshake

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/adatp/crypto"
	"github.com/opd-ai/adatp/wire"
)

// runHandshake executes a full three-packet exchange and returns both
// established sides.
func runHandshake(t *testing.T, version uint8) (*ServerHandshake, *ClientHandshake) {
	t.Helper()

	client, err := NewClient(version)
	require.NoError(t, err)
	server := NewServer()

	init, err := client.Init()
	require.NoError(t, err)
	assert.Equal(t, wire.PacketHandshakeInit, init.Type)
	assert.Equal(t, uuid.Nil, init.SessionID)

	resp, done, err := server.Consume(init)
	require.NoError(t, err)
	assert.False(t, done)
	require.NotNil(t, resp)
	assert.Equal(t, wire.PacketHandshakeResponse, resp.Type)
	assert.Equal(t, server.SessionID(), resp.SessionID)
	assert.Equal(t, StateAwaitingComplete, server.State())

	complete, err := client.Complete(resp)
	require.NoError(t, err)
	assert.Equal(t, wire.PacketHandshakeComplete, complete.Type)
	assert.Equal(t, server.SessionID(), complete.SessionID)

	reply, done, err := server.Consume(complete)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Nil(t, reply)
	assert.Equal(t, StateEstablished, server.State())
	assert.Equal(t, StateEstablished, client.State())

	return server, client
}

func TestHandshakeEstablishesAndRoundTrips(t *testing.T) {
	for _, version := range []uint8{wire.VersionXDH, wire.VersionNoise} {
		t.Run(wireVersionName(version), func(t *testing.T) {
			server, client := runHandshake(t, version)

			serverCipher, err := server.Cipher()
			require.NoError(t, err)
			clientCipher, err := client.Cipher()
			require.NoError(t, err)

			// Client to server.
			ct, seq, err := clientCipher.Seal([]byte("Hello"))
			require.NoError(t, err)
			got, err := serverCipher.Open(ct, seq)
			require.NoError(t, err)
			assert.Equal(t, []byte("Hello"), got)

			// Server to client.
			ct, seq, err = serverCipher.Seal([]byte("Hello back"))
			require.NoError(t, err)
			got, err = clientCipher.Open(ct, seq)
			require.NoError(t, err)
			assert.Equal(t, []byte("Hello back"), got)
		})
	}
}

func TestHandshakeAssignsDistinctSessionIDs(t *testing.T) {
	first, _ := runHandshake(t, wire.VersionXDH)
	second, _ := runHandshake(t, wire.VersionXDH)

	assert.NotEqual(t, first.SessionID(), second.SessionID())
}

func TestServerRejectsUnexpectedPacket(t *testing.T) {
	server := NewServer()

	_, _, err := server.Consume(&wire.Packet{
		Version: wire.VersionXDH,
		Type:    wire.PacketTextMessage,
	})
	assert.ErrorIs(t, err, ErrUnexpectedPacket)
	assert.Equal(t, StateFailed, server.State())

	// Failed is terminal: even a well-formed INIT is refused now.
	client, err := NewClient(wire.VersionXDH)
	require.NoError(t, err)
	init, err := client.Init()
	require.NoError(t, err)

	_, _, err = server.Consume(init)
	assert.ErrorIs(t, err, ErrUnexpectedPacket)
}

func TestServerRejectsCompleteBeforeInit(t *testing.T) {
	server := NewServer()

	_, _, err := server.Consume(&wire.Packet{
		Version: wire.VersionXDH,
		Type:    wire.PacketHandshakeComplete,
	})
	assert.ErrorIs(t, err, ErrUnexpectedPacket)
}

func TestServerRejectsMalformedInit(t *testing.T) {
	server := NewServer()

	_, _, err := server.Consume(&wire.Packet{
		Version: wire.VersionXDH,
		Type:    wire.PacketHandshakeInit,
		Payload: []byte("short"),
	})
	assert.ErrorIs(t, err, ErrBadPayload)
	assert.Equal(t, StateFailed, server.State())
}

func TestServerRejectsForgedConfirmation(t *testing.T) {
	client, err := NewClient(wire.VersionXDH)
	require.NoError(t, err)
	server := NewServer()

	init, err := client.Init()
	require.NoError(t, err)
	resp, _, err := server.Consume(init)
	require.NoError(t, err)

	complete, err := client.Complete(resp)
	require.NoError(t, err)

	// Corrupt the sealed confirmation value.
	complete.Payload[0] ^= 0xFF

	_, _, err = server.Consume(complete)
	assert.ErrorIs(t, err, ErrVerification)
	assert.Equal(t, StateFailed, server.State())

	_, err = server.Cipher()
	assert.ErrorIs(t, err, ErrNotEstablished)
}

func TestServerRejectsNoiseForgedConfirmation(t *testing.T) {
	client, err := NewClient(wire.VersionNoise)
	require.NoError(t, err)
	server := NewServer()

	init, err := client.Init()
	require.NoError(t, err)
	resp, _, err := server.Consume(init)
	require.NoError(t, err)

	complete, err := client.Complete(resp)
	require.NoError(t, err)
	complete.Payload[len(complete.Payload)-1] ^= 0x01

	_, _, err = server.Consume(complete)
	assert.ErrorIs(t, err, ErrVerification)
}

func TestServerRejectsVersionSwitch(t *testing.T) {
	client, err := NewClient(wire.VersionXDH)
	require.NoError(t, err)
	server := NewServer()

	init, err := client.Init()
	require.NoError(t, err)
	resp, _, err := server.Consume(init)
	require.NoError(t, err)

	complete, err := client.Complete(resp)
	require.NoError(t, err)
	complete.Version = wire.VersionNoise

	_, _, err = server.Consume(complete)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestClientRejectsZeroSessionID(t *testing.T) {
	client, err := NewClient(wire.VersionXDH)
	require.NoError(t, err)
	server := NewServer()

	init, err := client.Init()
	require.NoError(t, err)
	resp, _, err := server.Consume(init)
	require.NoError(t, err)

	resp.SessionID = uuid.Nil
	_, err = client.Complete(resp)
	assert.ErrorIs(t, err, ErrBadPayload)
	assert.Equal(t, StateFailed, client.State())
}

func TestClientRejectsWrongResponseType(t *testing.T) {
	client, err := NewClient(wire.VersionNoise)
	require.NoError(t, err)

	_, err = client.Init()
	require.NoError(t, err)

	_, err = client.Complete(&wire.Packet{
		Version:   wire.VersionNoise,
		Type:      wire.PacketTextMessage,
		SessionID: uuid.New(),
	})
	assert.ErrorIs(t, err, ErrUnexpectedPacket)
}

func TestNewClientRejectsUnknownVersion(t *testing.T) {
	_, err := NewClient(7)
	assert.ErrorIs(t, err, wire.ErrUnsupportedVersion)
}

func TestIndependentHandshakesDeriveDistinctCiphers(t *testing.T) {
	// Same parties, fresh ephemerals: a packet sealed in one session must
	// not open in another.
	server1, client1 := runHandshake(t, wire.VersionXDH)
	server2, _ := runHandshake(t, wire.VersionXDH)
	_ = server1

	cipher1, err := client1.Cipher()
	require.NoError(t, err)
	cipher2, err := server2.Cipher()
	require.NoError(t, err)

	ct, seq, err := cipher1.Seal([]byte("session one"))
	require.NoError(t, err)

	_, err = cipher2.Open(ct, seq)
	assert.ErrorIs(t, err, crypto.ErrAuthFailure)
}

func wireVersionName(version uint8) string {
	if version == wire.VersionNoise {
		return "noise"
	}
	return "xdh"
}
