package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePacket() *Packet {
	return &Packet{
		Version:   VersionXDH,
		Flags:     FlagEncrypted,
		Sequence:  42,
		Type:      PacketTextMessage,
		Timestamp: time.Now().UnixMilli(),
		SessionID: uuid.New(),
		Payload:   []byte("hello adatp"),
	}
}

func TestPacketEncodeParseRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pkt  *Packet
	}{
		{
			name: "text message with payload",
			pkt:  samplePacket(),
		},
		{
			name: "empty payload",
			pkt: &Packet{
				Version:   VersionXDH,
				Type:      PacketDisconnect,
				SessionID: uuid.New(),
			},
		},
		{
			name: "noise version with direct flag",
			pkt: &Packet{
				Version:   VersionNoise,
				Flags:     FlagEncrypted | FlagDirect,
				Sequence:  ^uint64(0),
				Type:      PacketVoiceData,
				Timestamp: -1,
				SessionID: uuid.New(),
				Payload:   bytes.Repeat([]byte{0xAB}, 512),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := tt.pkt.Encode()
			require.NoError(t, err)
			require.Equal(t, HeaderSize+len(tt.pkt.Payload), len(buf))

			got, consumed, err := ParsePacket(buf)
			require.NoError(t, err)
			assert.Equal(t, len(buf), consumed)
			assert.Equal(t, tt.pkt.Version, got.Version)
			assert.Equal(t, tt.pkt.Flags, got.Flags)
			assert.Equal(t, tt.pkt.Sequence, got.Sequence)
			assert.Equal(t, tt.pkt.Type, got.Type)
			assert.Equal(t, tt.pkt.Timestamp, got.Timestamp)
			assert.Equal(t, tt.pkt.SessionID, got.SessionID)
			if len(tt.pkt.Payload) == 0 {
				assert.Empty(t, got.Payload)
			} else {
				assert.Equal(t, tt.pkt.Payload, got.Payload)
			}
		})
	}
}

func TestParsePacketRejectsBadMagic(t *testing.T) {
	// A wrong prefix must fail even before a full header arrives.
	_, _, err := ParsePacket([]byte("XYZ"))
	assert.ErrorIs(t, err, ErrInvalidMagic)

	buf, err := samplePacket().Encode()
	require.NoError(t, err)
	buf[0] = 'X'
	_, _, err = ParsePacket(buf)
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestParsePacketRejectsUnknownVersion(t *testing.T) {
	pkt := samplePacket()
	pkt.Version = 9
	buf, err := pkt.Encode()
	require.NoError(t, err)

	_, _, err = ParsePacket(buf)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestParsePacketRejectsOversizedLength(t *testing.T) {
	buf, err := samplePacket().Encode()
	require.NoError(t, err)

	// Forge a hostile length field well past the limit.
	buf[7] = 0xFF
	buf[8] = 0xFF
	buf[9] = 0xFF
	buf[10] = 0xFF

	_, _, err = ParsePacket(buf)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestParsePacketNeedMoreData(t *testing.T) {
	buf, err := samplePacket().Encode()
	require.NoError(t, err)

	// Every strict prefix that still matches the magic is incomplete, not
	// malformed.
	for _, cut := range []int{0, 1, 4, HeaderSize - 1, HeaderSize, len(buf) - 1} {
		_, consumed, err := ParsePacket(buf[:cut])
		assert.ErrorIs(t, err, ErrNeedMoreData, "prefix of %d bytes", cut)
		assert.Zero(t, consumed)
	}
}

func TestParsePacketConsumesExactly(t *testing.T) {
	first, err := samplePacket().Encode()
	require.NoError(t, err)

	second := samplePacket()
	second.Type = PacketVoiceData
	secondBuf, err := second.Encode()
	require.NoError(t, err)

	stream := append(append([]byte{}, first...), secondBuf...)

	got1, n1, err := ParsePacket(stream)
	require.NoError(t, err)
	assert.Equal(t, PacketTextMessage, got1.Type)

	got2, n2, err := ParsePacket(stream[n1:])
	require.NoError(t, err)
	assert.Equal(t, PacketVoiceData, got2.Type)
	assert.Equal(t, len(stream), n1+n2)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	pkt := samplePacket()
	pkt.Payload = make([]byte, MaxPayloadSize+1)

	_, err := pkt.Encode()
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestHasFlag(t *testing.T) {
	pkt := &Packet{Flags: FlagEncrypted | FlagEcho}

	assert.True(t, pkt.HasFlag(FlagEncrypted))
	assert.True(t, pkt.HasFlag(FlagEcho))
	assert.False(t, pkt.HasFlag(FlagDirect))
}

func TestPacketTypeString(t *testing.T) {
	assert.Equal(t, "handshake_init", PacketHandshakeInit.String())
	assert.Equal(t, "file_chunk", PacketFileChunk.String())
	assert.Equal(t, "unknown", PacketType(0x7777).String())
}
