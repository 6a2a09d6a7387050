package wire

import (
	"errors"
	"io"
)

// readChunkSize is how much the decoder pulls from the reader at a time.
const readChunkSize = 32 * 1024

// StreamDecoder frames packets out of a byte stream. It keeps an internal
// buffer so short reads and packets split across reads are handled
// transparently; callers only ever see complete packets.
type StreamDecoder struct {
	r     io.Reader
	buf   []byte
	chunk []byte
}

// NewStreamDecoder returns a decoder reading from r.
func NewStreamDecoder(r io.Reader) *StreamDecoder {
	return &StreamDecoder{
		r:     r,
		chunk: make([]byte, readChunkSize),
	}
}

// Next returns the next complete packet from the stream. It blocks on the
// underlying reader while a packet is incomplete. Protocol errors from
// ParsePacket are returned as-is and the decoder must not be used
// afterwards; a stream ending mid-packet yields io.ErrUnexpectedEOF.
func (d *StreamDecoder) Next() (*Packet, error) {
	for {
		if len(d.buf) > 0 {
			pkt, n, err := ParsePacket(d.buf)
			if err == nil {
				d.buf = d.buf[n:]
				return pkt, nil
			}
			if !errors.Is(err, ErrNeedMoreData) {
				return nil, err
			}
		}

		n, err := d.r.Read(d.chunk)
		if n > 0 {
			d.buf = append(d.buf, d.chunk[:n]...)
			continue
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) && len(d.buf) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
}

// Buffered reports how many undecoded bytes the decoder is holding.
func (d *StreamDecoder) Buffered() int {
	return len(d.buf)
}
