package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/adatp/auth"
	"github.com/opd-ai/adatp/crypto"
	"github.com/opd-ai/adatp/handshake"
	"github.com/opd-ai/adatp/wire"
)

var (
	// ErrPlaintextPacket reports an unencrypted packet on an established
	// session.
	ErrPlaintextPacket = errors.New("server: unencrypted packet on established session")

	// ErrSessionMismatch reports a header session ID that is not the
	// connection's own.
	ErrSessionMismatch = errors.New("server: packet session id does not match connection")

	// ErrAnomalyThreshold reports a session whose failed decryptions
	// exceeded the configured limit.
	ErrAnomalyThreshold = errors.New("server: cipher anomaly threshold exceeded")

	// errPeerDisconnect ends the read loop on a clean DISCONNECT.
	errPeerDisconnect = errors.New("server: peer disconnected")

	// errNotEstablished guards the writer against packets queued before
	// the session cipher exists.
	errNotEstablished = errors.New("server: session not established")
)

// Conn is the actor owning one transport connection. It implements
// router.Destination: the router enqueues plaintext packets and the
// write loop seals them under this session's keys, keeping the cipher
// counters single-threaded.
type Conn struct {
	id  uuid.UUID
	srv *Server
	nc  net.Conn

	hs        *handshake.ServerHandshake
	outbound  chan *wire.Packet
	closing   chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	cipher   crypto.SessionCipher
	version  uint8
	username string
	identity auth.Identity
	authed   bool
	denied   bool
}

func newConn(s *Server, nc net.Conn) *Conn {
	hs := handshake.NewServer()
	return &Conn{
		id:       hs.SessionID(),
		srv:      s,
		nc:       nc,
		hs:       hs,
		outbound: make(chan *wire.Packet, s.opts.QueueSize),
		closing:  make(chan struct{}),
	}
}

// SessionID implements router.Destination.
func (c *Conn) SessionID() uuid.UUID { return c.id }

// Username implements router.Destination: the name presented at auth,
// empty for anonymous sessions.
func (c *Conn) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Identity returns the authorized identity and whether the session
// authenticated at all.
func (c *Conn) Identity() (auth.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.authed
}

// Enqueue implements router.Destination. It never blocks: a full queue
// either sheds its oldest packet to admit the new one or refuses the new
// one, per the configured policy.
func (c *Conn) Enqueue(pkt *wire.Packet) bool {
	select {
	case <-c.closing:
		return false
	default:
	}

	select {
	case c.outbound <- pkt:
		return true
	default:
	}

	if c.srv.opts.DropPolicy == DropNewest {
		return false
	}
	select {
	case <-c.outbound:
		// The shed packet is invisible to the caller, so it is counted
		// here; refused packets are counted by whoever sees the false.
		c.srv.stats.BackpressureDrop()
	default:
	}
	select {
	case c.outbound <- pkt:
		return true
	default:
		return false
	}
}

// Disconnect asks the peer to go away: an established session gets a
// DISCONNECT through the queue and the writer closes after flushing it,
// anything earlier is closed outright.
func (c *Conn) Disconnect() {
	if !c.established() {
		c.Close()
		return
	}
	pkt := &wire.Packet{
		Type:      wire.PacketDisconnect,
		Timestamp: time.Now().UnixMilli(),
		SessionID: c.id,
	}
	if !c.Enqueue(pkt) {
		c.Close()
	}
}

// Close tears the connection down once: the session is unregistered
// from the router (leaving its rooms and aborting its transfers), the
// socket closes and both loops stop. Safe to call from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.srv.router.Unregister(c)
		c.nc.Close()
		c.srv.removeConn(c)
		c.srv.stats.ConnectionClosed()
		logrus.WithFields(logrus.Fields{
			"function": "Close",
			"session":  c.id,
		}).Debug("Connection closed")
	})
}

func (c *Conn) established() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cipher != nil
}

func (c *Conn) sessionCipher() crypto.SessionCipher {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cipher
}

// readLoop drives the handshake and then the established session until
// the connection dies. It owns the inbound half of the socket.
func (c *Conn) readLoop() {
	defer c.srv.wg.Done()
	defer c.Close()

	dec := wire.NewStreamDecoder(c.nc)
	if err := c.runHandshake(dec); err != nil {
		return
	}
	c.runSession(dec)
}

// runHandshake feeds packets into the handshake engine under the
// handshake deadline. Replies are written directly: the write loop only
// serves the outbound queue, which stays empty until the session is
// registered for routing.
func (c *Conn) runHandshake(dec *wire.StreamDecoder) error {
	if err := c.nc.SetReadDeadline(time.Now().Add(c.srv.opts.HandshakeTimeout)); err != nil {
		return err
	}

	for {
		pkt, err := dec.Next()
		if err != nil {
			c.noteReadError(err, true)
			return err
		}
		c.srv.stats.ObserveReceive(wire.HeaderSize + len(pkt.Payload))

		reply, done, err := c.hs.Consume(pkt)
		if err != nil {
			c.srv.stats.HandshakeFailure()
			logrus.WithFields(logrus.Fields{
				"function": "runHandshake",
				"session":  c.id,
				"remote":   c.nc.RemoteAddr().String(),
				"error":    err.Error(),
			}).Warn("Handshake failed")
			return err
		}
		if reply != nil {
			if err := c.writeRaw(reply); err != nil {
				return err
			}
		}
		if done {
			return c.establish(pkt.Version)
		}
	}
}

// establish publishes the session cipher to the writer, lifts the
// handshake deadline and registers with the router.
func (c *Conn) establish(version uint8) error {
	cipher, err := c.hs.Cipher()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.cipher = cipher
	c.version = version
	c.mu.Unlock()

	if err := c.nc.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	if err := c.srv.router.Register(c); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "establish",
			"session":  c.id,
			"error":    err.Error(),
		}).Warn("Session could not register for routing")
		return err
	}

	c.srv.stats.HandshakeCompleted()
	logrus.WithFields(logrus.Fields{
		"function": "establish",
		"session":  c.id,
		"version":  version,
		"remote":   c.nc.RemoteAddr().String(),
	}).Info("Session established")
	return nil
}

// runSession decrypts and dispatches application packets until the
// connection dies or a protocol violation ends it.
func (c *Conn) runSession(dec *wire.StreamDecoder) {
	for {
		pkt, err := dec.Next()
		if err != nil {
			c.noteReadError(err, false)
			return
		}
		c.srv.stats.ObserveReceive(wire.HeaderSize + len(pkt.Payload))

		if err := c.handlePacket(pkt); err != nil {
			if errors.Is(err, errPeerDisconnect) {
				logrus.WithFields(logrus.Fields{
					"function": "runSession",
					"session":  c.id,
				}).Debug("Peer disconnected")
			} else {
				logrus.WithFields(logrus.Fields{
					"function": "runSession",
					"session":  c.id,
					"type":     pkt.Type.String(),
					"error":    err.Error(),
				}).Warn("Closing connection on protocol violation")
			}
			return
		}
	}
}

// handlePacket decrypts one inbound packet and hands it to the auth flow
// or the router. A non-nil return is connection-fatal; anything the
// session should survive is swallowed here.
func (c *Conn) handlePacket(pkt *wire.Packet) error {
	if !pkt.HasFlag(wire.FlagEncrypted) {
		return ErrPlaintextPacket
	}
	if pkt.SessionID != c.id {
		return ErrSessionMismatch
	}

	cipher := c.sessionCipher()
	plaintext, err := cipher.Open(pkt.Payload, pkt.Sequence)
	if err != nil {
		c.srv.stats.CipherAnomaly()
		if cipher.Anomalies() > c.srv.opts.AnomalyThreshold {
			return fmt.Errorf("%w: %d failures", ErrAnomalyThreshold, cipher.Anomalies())
		}
		logrus.WithFields(logrus.Fields{
			"function": "handlePacket",
			"session":  c.id,
			"sequence": pkt.Sequence,
			"error":    err.Error(),
		}).Debug("Dropped undecryptable packet")
		return nil
	}

	app := &wire.Packet{
		Version:   pkt.Version,
		Flags:     pkt.Flags &^ wire.FlagEncrypted,
		Sequence:  pkt.Sequence,
		Type:      pkt.Type,
		Timestamp: pkt.Timestamp,
		SessionID: pkt.SessionID,
		Payload:   plaintext,
	}

	switch app.Type {
	case wire.PacketDisconnect:
		return errPeerDisconnect
	case wire.PacketAuthRequest:
		return c.handleAuth(app.Payload)
	default:
		if !c.mayRoute() {
			c.rejectUnauthenticated()
			return nil
		}
		return c.srv.router.Route(c, app)
	}
}

// handleAuth runs the credential check and answers with AUTH_SUCCESS or
// AUTH_FAILURE. Only a malformed request is connection-fatal; a rejected
// credential closes the connection after the failure packet flushes.
func (c *Conn) handleAuth(body []byte) error {
	var req wire.AuthRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return fmt.Errorf("auth request: %w", err)
	}

	identity, err := c.srv.authorizer.Authorize(c.srv.ctx, req.Username, req.Password)
	if err != nil {
		c.srv.stats.AuthFailure()
		reason := "invalid credentials"
		if !errors.Is(err, auth.ErrUnauthorized) {
			reason = "authorization unavailable"
			logrus.WithFields(logrus.Fields{
				"function": "handleAuth",
				"session":  c.id,
				"error":    err.Error(),
			}).Error("Authorization backend failed")
		}
		logrus.WithFields(logrus.Fields{
			"function": "handleAuth",
			"session":  c.id,
			"username": req.Username,
		}).Info("Authentication rejected")
		c.sendAuthFailure(reason)
		return nil
	}

	c.mu.Lock()
	c.username = req.Username
	c.identity = identity
	c.authed = true
	c.denied = false
	c.mu.Unlock()

	result, err := json.Marshal(wire.AuthResult{UserID: identity.UserID, Role: identity.Role})
	if err != nil {
		return err
	}
	c.Enqueue(&wire.Packet{
		Type:      wire.PacketAuthSuccess,
		Timestamp: time.Now().UnixMilli(),
		SessionID: c.id,
		Payload:   result,
	})

	logrus.WithFields(logrus.Fields{
		"function": "handleAuth",
		"session":  c.id,
		"username": req.Username,
		"user_id":  identity.UserID,
		"role":     identity.Role,
	}).Info("Session authenticated")
	return nil
}

func (c *Conn) mayRoute() bool {
	if c.srv.opts.AllowAnonymous {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

// rejectUnauthenticated answers the first unauthenticated packet with an
// AUTH_FAILURE; the writer closes the connection after flushing it.
// Packets racing in behind the first are dropped quietly.
func (c *Conn) rejectUnauthenticated() {
	c.mu.Lock()
	already := c.denied
	c.denied = true
	c.mu.Unlock()
	if already {
		return
	}
	c.srv.stats.AuthFailure()
	c.sendAuthFailure("authentication required")
}

func (c *Conn) sendAuthFailure(reason string) {
	body, err := json.Marshal(wire.AuthDenied{Reason: reason})
	if err != nil {
		c.Close()
		return
	}
	ok := c.Enqueue(&wire.Packet{
		Type:      wire.PacketAuthFailure,
		Timestamp: time.Now().UnixMilli(),
		SessionID: c.id,
		Payload:   body,
	})
	if !ok {
		c.Close()
	}
}

// noteReadError classifies a dead read: clean EOF, malformed frame or
// plain I/O failure, with handshake failures counted separately.
func (c *Conn) noteReadError(err error, handshaking bool) {
	fields := logrus.Fields{
		"function": "readLoop",
		"session":  c.id,
		"error":    err.Error(),
	}
	switch {
	case errors.Is(err, io.EOF):
		logrus.WithFields(fields).Debug("Peer closed connection")
	case errors.Is(err, wire.ErrInvalidMagic),
		errors.Is(err, wire.ErrUnsupportedVersion),
		errors.Is(err, wire.ErrPayloadTooLarge):
		c.srv.stats.MalformedFrame()
		logrus.WithFields(fields).Warn("Malformed frame")
	default:
		if handshaking {
			c.srv.stats.HandshakeFailure()
			logrus.WithFields(fields).Debug("Handshake read failed")
		} else {
			logrus.WithFields(fields).Debug("Read failed")
		}
	}
}

// writeLoop drains the outbound queue, sealing and writing each packet.
// AUTH_FAILURE and DISCONNECT are terminal: the connection closes right
// after they flush.
func (c *Conn) writeLoop() {
	defer c.srv.wg.Done()
	for {
		select {
		case <-c.closing:
			return
		case pkt := <-c.outbound:
			if err := c.writePacket(pkt); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "writeLoop",
					"session":  c.id,
					"error":    err.Error(),
				}).Debug("Write failed")
				c.Close()
				return
			}
			if pkt.Type == wire.PacketAuthFailure || pkt.Type == wire.PacketDisconnect {
				c.Close()
				return
			}
		}
	}
}

// writePacket seals one plaintext packet under the session keys and
// writes the frame with the configured deadline.
func (c *Conn) writePacket(pkt *wire.Packet) error {
	c.mu.Lock()
	cipher, version := c.cipher, c.version
	c.mu.Unlock()
	if cipher == nil {
		return errNotEstablished
	}

	ciphertext, seq, err := cipher.Seal(pkt.Payload)
	if err != nil {
		return err
	}

	out := &wire.Packet{
		Version:   version,
		Flags:     pkt.Flags | wire.FlagEncrypted,
		Sequence:  seq,
		Type:      pkt.Type,
		Timestamp: pkt.Timestamp,
		SessionID: pkt.SessionID,
		Payload:   ciphertext,
	}
	return c.writeRaw(out)
}

// writeRaw encodes and writes one packet to the socket under the write
// deadline. Used directly for handshake replies, via writePacket for
// everything else.
func (c *Conn) writeRaw(pkt *wire.Packet) error {
	buf, err := pkt.Encode()
	if err != nil {
		return err
	}
	if err := c.nc.SetWriteDeadline(time.Now().Add(c.srv.opts.WriteTimeout)); err != nil {
		return err
	}
	if _, err := c.nc.Write(buf); err != nil {
		return err
	}
	c.srv.stats.ObserveSend(len(buf))
	return nil
}
