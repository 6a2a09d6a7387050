package wire

import (
	"encoding/binary"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrTruncatedEnvelope reports a payload too short for its envelope.
	ErrTruncatedEnvelope = errors.New("wire: truncated envelope")

	// ErrInvalidRoomName reports an empty or over-length room name.
	ErrInvalidRoomName = errors.New("wire: invalid room name")

	// ErrInvalidFileName reports an empty or over-length transfer file name.
	ErrInvalidFileName = errors.New("wire: invalid file name")
)

// MaxRoomNameLen is the longest room name the envelope can carry.
const MaxRoomNameLen = 255

// EncodeRoomEnvelope prefixes body with a length-prefixed room name. The
// result is the payload of a room-addressed packet before encryption.
func EncodeRoomEnvelope(room string, body []byte) ([]byte, error) {
	if room == "" || len(room) > MaxRoomNameLen {
		return nil, ErrInvalidRoomName
	}

	buf := make([]byte, 1+len(room)+len(body))
	buf[0] = byte(len(room))
	copy(buf[1:], room)
	copy(buf[1+len(room):], body)

	return buf, nil
}

// DecodeRoomEnvelope splits a room-addressed payload into the room name and
// the body. The body aliases payload; callers must not mutate it.
func DecodeRoomEnvelope(payload []byte) (string, []byte, error) {
	if len(payload) < 1 {
		return "", nil, ErrTruncatedEnvelope
	}
	n := int(payload[0])
	if n == 0 {
		return "", nil, ErrInvalidRoomName
	}
	if len(payload) < 1+n {
		return "", nil, ErrTruncatedEnvelope
	}
	return string(payload[1 : 1+n]), payload[1+n:], nil
}

// EncodeDirectEnvelope prefixes body with the target session ID. The result
// is the payload of a FlagDirect packet before encryption.
func EncodeDirectEnvelope(target uuid.UUID, body []byte) []byte {
	buf := make([]byte, 16+len(body))
	copy(buf[0:16], target[:])
	copy(buf[16:], body)
	return buf
}

// DecodeDirectEnvelope splits a direct-addressed payload into the target
// session ID and the body. The body aliases payload.
func DecodeDirectEnvelope(payload []byte) (uuid.UUID, []byte, error) {
	var target uuid.UUID
	if len(payload) < 16 {
		return target, nil, ErrTruncatedEnvelope
	}
	copy(target[:], payload[0:16])
	return target, payload[16:], nil
}

// File-transfer abort reasons carried in FileAbort.
const (
	// AbortCancelled: the sender cancelled the transfer.
	AbortCancelled uint8 = 0
	// AbortSizeMismatch: completion bytes disagree with the declared size.
	AbortSizeMismatch uint8 = 1
	// AbortSenderGone: the sender's session terminated mid-transfer.
	AbortSenderGone uint8 = 2
	// AbortProtocol: malformed or out-of-range chunk traffic.
	AbortProtocol uint8 = 3
)

const fileInitFixedLen = 16 + 8 + 4 + 2

// FileInit announces a transfer: metadata only, no chunk bytes. It is the
// body of a FILE_INIT packet inside its routing envelope.
type FileInit struct {
	TransferID uuid.UUID
	TotalSize  uint64
	ChunkSize  uint32
	Name       string
}

// Encode serializes the announcement body.
func (f *FileInit) Encode() ([]byte, error) {
	if f.Name == "" || len(f.Name) > 65535 {
		return nil, ErrInvalidFileName
	}

	buf := make([]byte, fileInitFixedLen+len(f.Name))
	copy(buf[0:16], f.TransferID[:])
	binary.BigEndian.PutUint64(buf[16:24], f.TotalSize)
	binary.BigEndian.PutUint32(buf[24:28], f.ChunkSize)
	binary.BigEndian.PutUint16(buf[28:30], uint16(len(f.Name)))
	copy(buf[fileInitFixedLen:], f.Name)

	return buf, nil
}

// ParseFileInit decodes a FILE_INIT body.
func ParseFileInit(body []byte) (*FileInit, error) {
	if len(body) < fileInitFixedLen {
		return nil, ErrTruncatedEnvelope
	}

	f := &FileInit{
		TotalSize: binary.BigEndian.Uint64(body[16:24]),
		ChunkSize: binary.BigEndian.Uint32(body[24:28]),
	}
	copy(f.TransferID[:], body[0:16])

	nameLen := int(binary.BigEndian.Uint16(body[28:30]))
	if nameLen == 0 {
		return nil, ErrInvalidFileName
	}
	if len(body) < fileInitFixedLen+nameLen {
		return nil, ErrTruncatedEnvelope
	}
	f.Name = string(body[fileInitFixedLen : fileInitFixedLen+nameLen])

	return f, nil
}

// FileChunk carries one slice of transfer data, identified by its index
// within the declared chunking.
type FileChunk struct {
	TransferID uuid.UUID
	Index      uint32
	Data       []byte
}

// Encode serializes the chunk body. Data is copied into the result.
func (f *FileChunk) Encode() []byte {
	buf := make([]byte, 16+4+len(f.Data))
	copy(buf[0:16], f.TransferID[:])
	binary.BigEndian.PutUint32(buf[16:20], f.Index)
	copy(buf[20:], f.Data)
	return buf
}

// ParseFileChunk decodes a FILE_CHUNK body. Data aliases body.
func ParseFileChunk(body []byte) (*FileChunk, error) {
	if len(body) < 20 {
		return nil, ErrTruncatedEnvelope
	}

	f := &FileChunk{
		Index: binary.BigEndian.Uint32(body[16:20]),
		Data:  body[20:],
	}
	copy(f.TransferID[:], body[0:16])

	return f, nil
}

// EncodeFileComplete serializes a FILE_COMPLETE body.
func EncodeFileComplete(transferID uuid.UUID) []byte {
	buf := make([]byte, 16)
	copy(buf, transferID[:])
	return buf
}

// ParseFileComplete decodes a FILE_COMPLETE body.
func ParseFileComplete(body []byte) (uuid.UUID, error) {
	var id uuid.UUID
	if len(body) < 16 {
		return id, ErrTruncatedEnvelope
	}
	copy(id[:], body[0:16])
	return id, nil
}

// EncodeFileAbort serializes a FILE_ABORT body.
func EncodeFileAbort(transferID uuid.UUID, reason uint8) []byte {
	buf := make([]byte, 17)
	copy(buf[0:16], transferID[:])
	buf[16] = reason
	return buf
}

// ParseFileAbort decodes a FILE_ABORT body.
func ParseFileAbort(body []byte) (uuid.UUID, uint8, error) {
	var id uuid.UUID
	if len(body) < 17 {
		return id, 0, ErrTruncatedEnvelope
	}
	copy(id[:], body[0:16])
	return id, body[16], nil
}
