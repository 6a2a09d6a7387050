// Package client implements the Go client for the adatp protocol: dialing,
// handshake, authentication, room membership, messaging, and chunked file
// transfer over a single TCP connection.
//
// Send methods are safe for concurrent use. Authenticate and Recv consume
// the inbound stream and must be called from one goroutine at a time.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/adatp/crypto"
	"github.com/opd-ai/adatp/handshake"
	"github.com/opd-ai/adatp/wire"
)

var (
	// ErrClosed reports an operation on a closed client.
	ErrClosed = errors.New("client: connection closed")

	// ErrDisconnected is returned by Recv after the server sends DISCONNECT.
	ErrDisconnected = errors.New("client: server disconnected")
)

// AuthError reports a credential rejection, carrying the server's reason.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "client: authentication rejected: " + e.Reason
}

// Options tune a client connection. The zero value selects the defaults.
type Options struct {
	// Version selects the handshake suite, wire.VersionXDH or
	// wire.VersionNoise. Defaults to VersionXDH.
	Version uint8

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// ChunkSize is the file-transfer chunk size in bytes.
	ChunkSize uint32
}

// DefaultOptions returns the default client options.
func DefaultOptions() Options {
	return Options{
		Version:          wire.VersionXDH,
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ChunkSize:        64 << 10,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Version == 0 {
		o.Version = def.Version
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = def.DialTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = def.ChunkSize
	}
	return o
}

// Client is one established connection to an adatp server.
type Client struct {
	opts    Options
	nc      net.Conn
	dec     *wire.StreamDecoder
	cipher  crypto.SessionCipher
	session uuid.UUID
	version uint8

	// wmu serializes seal+write so outbound sequence numbers stay ordered
	// on the wire.
	wmu    sync.Mutex
	closed bool

	closeOnce sync.Once

	// pending holds packets that arrived while Authenticate was waiting
	// for its reply. Recv drains it before touching the socket.
	pending []*wire.Packet

	identity *wire.AuthResult
}

// Dial connects to an adatp server and runs the handshake to completion.
func Dial(addr string, opts Options) (*Client, error) {
	opts = opts.withDefaults()

	nc, err := net.DialTimeout("tcp", addr, opts.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}

	c, err := attach(nc, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func attach(nc net.Conn, opts Options) (*Client, error) {
	hs, err := handshake.NewClient(opts.Version)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(opts.HandshakeTimeout)
	if err := nc.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("client: set handshake deadline: %w", err)
	}

	init, err := hs.Init()
	if err != nil {
		return nil, err
	}
	if err := init.EncodeTo(nc); err != nil {
		return nil, fmt.Errorf("client: send handshake init: %w", err)
	}

	dec := wire.NewStreamDecoder(nc)
	resp, err := dec.Next()
	if err != nil {
		return nil, fmt.Errorf("client: read handshake response: %w", err)
	}

	complete, err := hs.Complete(resp)
	if err != nil {
		return nil, err
	}
	if err := complete.EncodeTo(nc); err != nil {
		return nil, fmt.Errorf("client: send handshake complete: %w", err)
	}

	cipher, err := hs.Cipher()
	if err != nil {
		return nil, err
	}
	if err := nc.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("client: clear handshake deadline: %w", err)
	}

	c := &Client{
		opts:    opts,
		nc:      nc,
		dec:     dec,
		cipher:  cipher,
		session: hs.SessionID(),
		version: opts.Version,
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Dial",
		"session_id": c.session,
		"version":    c.version,
	}).Debug("Session established")

	return c, nil
}

// SessionID returns the server-assigned session identifier.
func (c *Client) SessionID() uuid.UUID { return c.session }

// Version returns the negotiated wire version.
func (c *Client) Version() uint8 { return c.version }

// Identity returns the identity attached by a successful Authenticate,
// or nil before one.
func (c *Client) Identity() *wire.AuthResult { return c.identity }

// Authenticate presents credentials and waits for the server's verdict.
// A rejection is returned as *AuthError; the server closes the connection
// after rejecting. Packets unrelated to authentication that arrive while
// waiting are buffered for Recv.
func (c *Client) Authenticate(username, password string) error {
	body, err := json.Marshal(wire.AuthRequest{Username: username, Password: password})
	if err != nil {
		return fmt.Errorf("client: encode auth request: %w", err)
	}
	if err := c.send(wire.PacketAuthRequest, 0, body); err != nil {
		return err
	}

	if err := c.nc.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout)); err != nil {
		return fmt.Errorf("client: set auth deadline: %w", err)
	}
	defer c.nc.SetReadDeadline(time.Time{})

	for {
		pkt, err := c.readPacket()
		if err != nil {
			return err
		}

		switch pkt.Type {
		case wire.PacketAuthSuccess:
			var res wire.AuthResult
			if err := json.Unmarshal(pkt.Payload, &res); err != nil {
				return fmt.Errorf("client: decode auth result: %w", err)
			}
			c.identity = &res
			return nil
		case wire.PacketAuthFailure:
			var denied wire.AuthDenied
			if err := json.Unmarshal(pkt.Payload, &denied); err != nil {
				return fmt.Errorf("client: decode auth failure: %w", err)
			}
			return &AuthError{Reason: denied.Reason}
		default:
			c.pending = append(c.pending, pkt)
		}
	}
}

// Join enters a room, creating it if it does not exist. The server
// acknowledges with a JOIN presence event delivered through Recv.
func (c *Client) Join(room string) error {
	payload, err := wire.EncodeRoomEnvelope(room, nil)
	if err != nil {
		return err
	}
	return c.send(wire.PacketJoinRoom, 0, payload)
}

// Leave exits a room.
func (c *Client) Leave(room string) error {
	payload, err := wire.EncodeRoomEnvelope(room, nil)
	if err != nil {
		return err
	}
	return c.send(wire.PacketLeaveRoom, 0, payload)
}

// Invite admits a session into a room, creating the room as private when
// it does not yet exist. The invitation is forwarded to the invitee as an
// Invite event.
func (c *Client) Invite(target uuid.UUID, room string) error {
	body, err := wire.EncodeRoomEnvelope(room, nil)
	if err != nil {
		return err
	}
	return c.send(wire.PacketInvite, wire.FlagDirect, wire.EncodeDirectEnvelope(target, body))
}

// SendText broadcasts a text message to a room the client is a member of.
func (c *Client) SendText(room, text string) error {
	payload, err := wire.EncodeRoomEnvelope(room, []byte(text))
	if err != nil {
		return err
	}
	return c.send(wire.PacketTextMessage, 0, payload)
}

// SendDirect delivers a text message to a single session.
func (c *Client) SendDirect(target uuid.UUID, text string) error {
	return c.send(wire.PacketTextMessage, wire.FlagDirect,
		wire.EncodeDirectEnvelope(target, []byte(text)))
}

// SendVoice broadcasts one opaque voice frame to a room.
func (c *Client) SendVoice(room string, frame []byte) error {
	payload, err := wire.EncodeRoomEnvelope(room, frame)
	if err != nil {
		return err
	}
	return c.send(wire.PacketVoiceData, 0, payload)
}

// Close sends a DISCONNECT and closes the connection. It is safe to call
// more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.send(wire.PacketDisconnect, 0, nil)
		c.wmu.Lock()
		c.closed = true
		c.wmu.Unlock()
		c.nc.Close()
	})
	return nil
}

// send seals the payload and writes one packet. flags must not include
// FlagEncrypted; it is set here.
func (c *Client) send(ptype wire.PacketType, flags uint8, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.closed {
		return ErrClosed
	}

	sealed, seq, err := c.cipher.Seal(payload)
	if err != nil {
		return fmt.Errorf("client: seal %s: %w", ptype, err)
	}

	pkt := &wire.Packet{
		Version:   c.version,
		Flags:     flags | wire.FlagEncrypted,
		Sequence:  seq,
		Type:      ptype,
		Timestamp: time.Now().UnixMilli(),
		SessionID: c.session,
		Payload:   sealed,
	}

	if err := c.nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return fmt.Errorf("client: set write deadline: %w", err)
	}
	if err := pkt.EncodeTo(c.nc); err != nil {
		return fmt.Errorf("client: write %s: %w", ptype, err)
	}
	return nil
}

// readPacket reads and decrypts the next packet from the socket.
func (c *Client) readPacket() (*wire.Packet, error) {
	pkt, err := c.dec.Next()
	if err != nil {
		return nil, err
	}
	if !pkt.HasFlag(wire.FlagEncrypted) {
		return nil, fmt.Errorf("client: plaintext %s after handshake", pkt.Type)
	}

	plain, err := c.cipher.Open(pkt.Payload, pkt.Sequence)
	if err != nil {
		return nil, fmt.Errorf("client: open %s: %w", pkt.Type, err)
	}

	pkt.Payload = plain
	pkt.Flags &^= wire.FlagEncrypted
	return pkt, nil
}

// SendFile streams a file into a room as a chunked transfer and returns
// the transfer ID.
func (c *Client) SendFile(room, path string) (uuid.UUID, error) {
	return c.sendFilePath(room, uuid.Nil, path)
}

// SendFileDirect streams a file to a single session.
func (c *Client) SendFileDirect(target uuid.UUID, path string) (uuid.UUID, error) {
	return c.sendFilePath("", target, path)
}

func (c *Client) sendFilePath(room string, target uuid.UUID, path string) (uuid.UUID, error) {
	f, err := os.Open(path)
	if err != nil {
		return uuid.Nil, fmt.Errorf("client: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return uuid.Nil, fmt.Errorf("client: stat %s: %w", path, err)
	}

	return c.SendFileReader(room, target, filepath.Base(path), uint64(info.Size()), f)
}

// SendFileReader streams size bytes from r as a chunked transfer. A
// non-empty room scopes the transfer to that room; otherwise it goes
// directly to target. If r yields fewer bytes than announced, the
// transfer is aborted on the wire and an error returned.
func (c *Client) SendFileReader(room string, target uuid.UUID, name string, size uint64, r io.Reader) (uuid.UUID, error) {
	transferID := uuid.New()

	init := &wire.FileInit{
		TransferID: transferID,
		TotalSize:  size,
		ChunkSize:  c.opts.ChunkSize,
		Name:       name,
	}
	body, err := init.Encode()
	if err != nil {
		return uuid.Nil, err
	}
	if err := c.sendScoped(wire.PacketFileInit, room, target, body); err != nil {
		return uuid.Nil, err
	}

	buf := make([]byte, c.opts.ChunkSize)
	var sent uint64
	for index := uint32(0); sent < size; index++ {
		want := uint64(len(buf))
		if remaining := size - sent; remaining < want {
			want = remaining
		}

		if _, err := io.ReadFull(r, buf[:want]); err != nil {
			c.abortTransfer(room, target, transferID)
			return transferID, fmt.Errorf("client: read %s at %d/%d bytes: %w", name, sent, size, err)
		}

		chunk := &wire.FileChunk{TransferID: transferID, Index: index, Data: buf[:want]}
		if err := c.sendScoped(wire.PacketFileChunk, room, target, chunk.Encode()); err != nil {
			return transferID, err
		}
		sent += want
	}

	if err := c.sendScoped(wire.PacketFileComplete, room, target, wire.EncodeFileComplete(transferID)); err != nil {
		return transferID, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "SendFileReader",
		"transfer_id": transferID,
		"name":        name,
		"size":        size,
	}).Debug("Transfer sent")

	return transferID, nil
}

func (c *Client) abortTransfer(room string, target, transferID uuid.UUID) {
	body := wire.EncodeFileAbort(transferID, wire.AbortCancelled)
	if err := c.sendScoped(wire.PacketFileAbort, room, target, body); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "abortTransfer",
			"transfer_id": transferID,
			"error":       err,
		}).Debug("Abort not delivered")
	}
}

func (c *Client) sendScoped(ptype wire.PacketType, room string, target uuid.UUID, body []byte) error {
	if room != "" {
		payload, err := wire.EncodeRoomEnvelope(room, body)
		if err != nil {
			return err
		}
		return c.send(ptype, 0, payload)
	}
	return c.send(ptype, wire.FlagDirect, wire.EncodeDirectEnvelope(target, body))
}
