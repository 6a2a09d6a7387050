// Package wire implements the adatp wire format: the fixed 45-byte packet
// header, the packet type and flag constants, and the payload envelopes
// used for routing and file transfer.
//
// The codec is transport-agnostic. ParsePacket works on a byte buffer and
// reports ErrNeedMoreData for truncated input; StreamDecoder adapts it to
// an io.Reader. Encode is the single place the payload-length field is
// computed.
//
// Example:
//
//	pkt := &wire.Packet{
//	    Version: wire.VersionXDH,
//	    Type:    wire.PacketTextMessage,
//	    Payload: body,
//	}
//	buf, err := pkt.Encode()
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/google/uuid"
)

const (
	// HeaderSize is the fixed size of the packet header in bytes.
	HeaderSize = 45

	// MaxPayloadSize bounds the declared payload length. Larger values are
	// rejected before any payload allocation happens.
	MaxPayloadSize = 1 << 20

	// VersionXDH selects the X25519+HKDF handshake and cipher suite.
	VersionXDH uint8 = 1
	// VersionNoise selects the Noise-NN handshake and cipher suite.
	VersionNoise uint8 = 2
)

// Magic identifies an adatp frame. Decoding fails fast when it is absent.
var Magic = [5]byte{'A', 'D', 'A', 'T', 'P'}

// Header flag bits.
const (
	// FlagEncrypted marks the payload as AEAD ciphertext.
	FlagEncrypted uint8 = 0x01
	// FlagDirect marks the routing envelope as targeting a single session
	// instead of a room.
	FlagDirect uint8 = 0x02
	// FlagEcho asks the router to include the sender in its own room
	// broadcast.
	FlagEcho uint8 = 0x04
)

// PacketType identifies the type of an adatp packet.
type PacketType uint16

const (
	// Handshake packet types
	PacketHandshakeInit     PacketType = 0x0001
	PacketHandshakeResponse PacketType = 0x0002
	PacketHandshakeComplete PacketType = 0x0003

	// Authentication packet types
	PacketAuthRequest PacketType = 0x0010
	PacketAuthSuccess PacketType = 0x0011
	PacketAuthFailure PacketType = 0x0012

	// Signaling packet types
	PacketInvite PacketType = 0x0020
	PacketAccept PacketType = 0x0021

	// Messaging packet types
	PacketTextMessage PacketType = 0x0030

	// Media packet types, forwarded without payload inspection
	PacketVoiceData PacketType = 0x0040
	PacketVideoData PacketType = 0x0041

	// File transfer packet types
	PacketFileInit     PacketType = 0x0050
	PacketFileChunk    PacketType = 0x0051
	PacketFileComplete PacketType = 0x0052
	PacketFileAbort    PacketType = 0x0053

	// Room packet types
	PacketJoinRoom       PacketType = 0x0060
	PacketLeaveRoom      PacketType = 0x0061
	PacketPresenceUpdate PacketType = 0x0062

	// Connection control packet types
	PacketDisconnect PacketType = 0x00F0
)

var packetTypeNames = map[PacketType]string{
	PacketHandshakeInit:     "handshake_init",
	PacketHandshakeResponse: "handshake_response",
	PacketHandshakeComplete: "handshake_complete",
	PacketAuthRequest:       "auth_request",
	PacketAuthSuccess:       "auth_success",
	PacketAuthFailure:       "auth_failure",
	PacketInvite:            "invite",
	PacketAccept:            "accept",
	PacketTextMessage:       "text_message",
	PacketVoiceData:         "voice_data",
	PacketVideoData:         "video_data",
	PacketFileInit:          "file_init",
	PacketFileChunk:         "file_chunk",
	PacketFileComplete:      "file_complete",
	PacketFileAbort:         "file_abort",
	PacketJoinRoom:          "join_room",
	PacketLeaveRoom:         "leave_room",
	PacketPresenceUpdate:    "presence_update",
	PacketDisconnect:        "disconnect",
}

// String returns a stable lowercase name for logging.
func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

var (
	// ErrNeedMoreData reports a truncated packet. It is a backpressure
	// signal, not a protocol failure: callers buffer more input and retry.
	ErrNeedMoreData = errors.New("wire: need more data")

	// ErrInvalidMagic reports a frame that does not start with Magic.
	ErrInvalidMagic = errors.New("wire: invalid magic")

	// ErrUnsupportedVersion reports an unknown protocol version byte.
	ErrUnsupportedVersion = errors.New("wire: unsupported protocol version")

	// ErrPayloadTooLarge reports a declared payload length above
	// MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("wire: payload length exceeds limit")
)

// Packet is a single adatp frame: the decoded header fields plus the raw
// payload bytes. The payload is plaintext for handshake packets and AEAD
// ciphertext once FlagEncrypted is set.
//
// The session identifier field is the zero UUID on HANDSHAKE_INIT, the
// server-assigned session ID on client-to-server packets, and the
// originating peer's session ID on server-to-client forwarded packets.
type Packet struct {
	Version   uint8
	Flags     uint8
	Sequence  uint64
	Type      PacketType
	Timestamp int64
	SessionID uuid.UUID
	Payload   []byte
}

// HasFlag checks whether a header flag bit is set.
func (p *Packet) HasFlag(flag uint8) bool {
	return p.Flags&flag != 0
}

// Encode serializes the packet. The payload-length field is always computed
// from the actual payload; oversized payloads are refused.
func (p *Packet) Encode() ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, HeaderSize+len(p.Payload))
	copy(buf[0:5], Magic[:])
	buf[5] = p.Version
	buf[6] = p.Flags
	binary.BigEndian.PutUint32(buf[7:11], uint32(len(p.Payload)))
	binary.BigEndian.PutUint64(buf[11:19], p.Sequence)
	binary.BigEndian.PutUint16(buf[19:21], uint16(p.Type))
	binary.BigEndian.PutUint64(buf[21:29], uint64(p.Timestamp))
	copy(buf[29:45], p.SessionID[:])
	copy(buf[HeaderSize:], p.Payload)

	return buf, nil
}

// EncodeTo writes the encoded packet to w.
func (p *Packet) EncodeTo(w io.Writer) error {
	buf, err := p.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ParsePacket decodes one packet from the front of buf and returns it with
// the number of bytes consumed. A truncated buffer yields ErrNeedMoreData
// and zero consumed bytes. The magic prefix is checked against whatever is
// available, so garbage input is rejected before a full header arrives, and
// the declared length is bounds-checked before the payload is copied.
func ParsePacket(buf []byte) (*Packet, int, error) {
	prefix := len(buf)
	if prefix > len(Magic) {
		prefix = len(Magic)
	}
	if !bytes.Equal(buf[:prefix], Magic[:prefix]) {
		return nil, 0, ErrInvalidMagic
	}
	if len(buf) < HeaderSize {
		return nil, 0, ErrNeedMoreData
	}

	version := buf[5]
	if version != VersionXDH && version != VersionNoise {
		return nil, 0, ErrUnsupportedVersion
	}

	length := binary.BigEndian.Uint32(buf[7:11])
	if length > MaxPayloadSize {
		return nil, 0, ErrPayloadTooLarge
	}

	total := HeaderSize + int(length)
	if len(buf) < total {
		return nil, 0, ErrNeedMoreData
	}

	p := &Packet{
		Version:   version,
		Flags:     buf[6],
		Sequence:  binary.BigEndian.Uint64(buf[11:19]),
		Type:      PacketType(binary.BigEndian.Uint16(buf[19:21])),
		Timestamp: int64(binary.BigEndian.Uint64(buf[21:29])),
		Payload:   make([]byte, length),
	}
	copy(p.SessionID[:], buf[29:45])
	copy(p.Payload, buf[HeaderSize:total])

	return p, total, nil
}
