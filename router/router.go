// Package router delivers decrypted application packets to their
// destination sessions.
//
// The router works entirely in plaintext: a destination's Enqueue
// receives the forwarded packet before encryption, and the destination's
// own writer seals it under that session's keys. Payload bytes are
// shared across every destination of a broadcast and are never parsed
// beyond the routing envelope.
package router

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/adatp/metrics"
	"github.com/opd-ai/adatp/room"
	"github.com/opd-ai/adatp/transfer"
	"github.com/opd-ai/adatp/wire"
)

// ErrSessionExists reports a Register with an already-registered session ID.
var ErrSessionExists = errors.New("router: session id already registered")

// ErrUnroutable reports a packet type the router does not handle. The
// caller should treat it as a protocol violation.
var ErrUnroutable = errors.New("router: packet type not routable")

// Destination receives packets addressed to one session. Enqueue must
// not block: it reports false when the packet was shed instead of
// queued. The enqueued packet's Payload is plaintext shared with other
// destinations and must not be modified; the destination's writer
// assigns version and sequence and encrypts.
type Destination interface {
	SessionID() uuid.UUID
	Username() string
	Enqueue(pkt *wire.Packet) bool
}

// Router owns the session lookup table and moves application packets
// between sessions, rooms and the transfer coordinator.
type Router struct {
	rooms     *room.Registry
	transfers *transfer.Coordinator
	stats     *metrics.Collector

	mu       sync.RWMutex
	sessions map[uuid.UUID]Destination
}

// New creates a router over the given registry, coordinator and metrics.
func New(rooms *room.Registry, transfers *transfer.Coordinator, stats *metrics.Collector) *Router {
	return &Router{
		rooms:     rooms,
		transfers: transfers,
		stats:     stats,
		sessions:  make(map[uuid.UUID]Destination),
	}
}

// Register adds an established session to the lookup table.
func (r *Router) Register(d Destination) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[d.SessionID()]; exists {
		return ErrSessionExists
	}
	r.sessions[d.SessionID()] = d
	return nil
}

// Unregister removes a session and runs its cleanup: the session leaves
// every room (with LEAVE presence to the remaining members) and every
// transfer it was sending is aborted (with abort notifications to the
// recipients). Safe to call for sessions that never registered.
func (r *Router) Unregister(d Destination) {
	session := d.SessionID()

	r.mu.Lock()
	delete(r.sessions, session)
	r.mu.Unlock()

	for name, remaining := range r.rooms.LeaveAll(session) {
		if len(remaining) == 0 {
			continue
		}
		pkt, err := presencePacket(wire.PresenceLeave, name, session, d.Username())
		if err != nil {
			continue
		}
		r.fanout(session, remaining, pkt)
		r.stats.Broadcast()
	}

	for _, t := range r.transfers.SenderClosed(session) {
		r.stats.TransferAborted()
		r.notifyAbort(t, false)
	}
}

// Sessions returns the number of registered sessions.
func (r *Router) Sessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Route dispatches one decrypted application packet from an established
// session. A non-nil error means the packet was malformed or of a type
// the router does not accept; the caller should close the connection.
// Undeliverable but well-formed packets are dropped and counted, never
// escalated.
func (r *Router) Route(from Destination, pkt *wire.Packet) error {
	switch pkt.Type {
	case wire.PacketJoinRoom:
		return r.handleJoin(from, pkt)
	case wire.PacketLeaveRoom:
		return r.handleLeave(from, pkt)
	case wire.PacketInvite:
		return r.handleInvite(from, pkt)
	case wire.PacketFileInit, wire.PacketFileChunk, wire.PacketFileComplete, wire.PacketFileAbort:
		return r.handleFile(from, pkt)
	case wire.PacketTextMessage, wire.PacketVoiceData, wire.PacketVideoData, wire.PacketAccept:
		if pkt.HasFlag(wire.FlagDirect) {
			return r.handleDirect(from, pkt)
		}
		return r.handleRoomCast(from, pkt)
	default:
		return ErrUnroutable
	}
}

func (r *Router) handleJoin(from Destination, pkt *wire.Packet) error {
	name, _, err := wire.DecodeRoomEnvelope(pkt.Payload)
	if err != nil {
		return err
	}

	session := from.SessionID()
	members, err := r.rooms.Join(name, session)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"room":    name,
			"session": session,
			"error":   err.Error(),
		}).Debug("Join refused")
		return nil
	}

	// Every member receives the JOIN presence, the joiner included: its
	// own copy doubles as the join acknowledgement.
	presence, err := presencePacket(wire.PresenceJoin, name, session, from.Username())
	if err != nil {
		return err
	}
	r.fanout(session, members, presence)
	r.stats.Broadcast()
	return nil
}

func (r *Router) handleLeave(from Destination, pkt *wire.Packet) error {
	name, _, err := wire.DecodeRoomEnvelope(pkt.Payload)
	if err != nil {
		return err
	}

	session := from.SessionID()
	remaining, err := r.rooms.Leave(name, session)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"room":    name,
			"session": session,
			"error":   err.Error(),
		}).Debug("Leave refused")
		return nil
	}

	if len(remaining) > 0 {
		presence, err := presencePacket(wire.PresenceLeave, name, session, from.Username())
		if err != nil {
			return err
		}
		r.fanout(session, remaining, presence)
		r.stats.Broadcast()
	}
	return nil
}

// handleInvite admits a session into a room ahead of its join. Invites
// are direct-addressed to the invitee and carry the room name as body.
// An invite naming a room that does not exist yet creates it as private
// with the inviter as creator; the invite is then forwarded unchanged.
func (r *Router) handleInvite(from Destination, pkt *wire.Packet) error {
	invitee, body, err := wire.DecodeDirectEnvelope(pkt.Payload)
	if err != nil {
		return err
	}
	name, _, err := wire.DecodeRoomEnvelope(body)
	if err != nil {
		return err
	}

	inviter := from.SessionID()
	if !r.rooms.Exists(name) {
		if err := r.rooms.CreatePrivate(name, inviter); err != nil && !errors.Is(err, room.ErrRoomExists) {
			logrus.WithFields(logrus.Fields{
				"room":  name,
				"error": err.Error(),
			}).Debug("Invite could not create room")
			return nil
		}
	}
	if err := r.rooms.Invite(name, inviter, invitee); err != nil {
		logrus.WithFields(logrus.Fields{
			"room":    name,
			"inviter": inviter,
			"error":   err.Error(),
		}).Debug("Invite refused")
		return nil
	}

	r.unicast(inviter, invitee, pkt)
	return nil
}

func (r *Router) handleDirect(from Destination, pkt *wire.Packet) error {
	target, _, err := wire.DecodeDirectEnvelope(pkt.Payload)
	if err != nil {
		return err
	}
	r.unicast(from.SessionID(), target, pkt)
	return nil
}

func (r *Router) handleRoomCast(from Destination, pkt *wire.Packet) error {
	name, _, err := wire.DecodeRoomEnvelope(pkt.Payload)
	if err != nil {
		return err
	}

	session := from.SessionID()
	if !r.rooms.IsMember(name, session) {
		r.stats.RoutingMiss()
		logrus.WithFields(logrus.Fields{
			"room":    name,
			"session": session,
		}).Debug("Broadcast dropped: sender not in room")
		return nil
	}

	members, err := r.rooms.MembersOf(name)
	if err != nil {
		r.stats.RoutingMiss()
		return nil
	}

	targets := members
	if !pkt.HasFlag(wire.FlagEcho) {
		targets = withoutMember(members, session)
	}
	r.fanout(session, targets, pkt)
	r.stats.Broadcast()
	return nil
}

func (r *Router) handleFile(from Destination, pkt *wire.Packet) error {
	var (
		roomName string
		target   uuid.UUID
		body     []byte
		err      error
	)
	if pkt.HasFlag(wire.FlagDirect) {
		target, body, err = wire.DecodeDirectEnvelope(pkt.Payload)
	} else {
		roomName, body, err = wire.DecodeRoomEnvelope(pkt.Payload)
	}
	if err != nil {
		return err
	}

	session := from.SessionID()
	if roomName != "" && !r.rooms.IsMember(roomName, session) {
		r.stats.RoutingMiss()
		logrus.WithFields(logrus.Fields{
			"room":    roomName,
			"session": session,
		}).Debug("File packet dropped: sender not in room")
		return nil
	}

	switch pkt.Type {
	case wire.PacketFileInit:
		return r.fileInit(from, pkt, roomName, target, body)
	case wire.PacketFileChunk:
		return r.fileChunk(from, pkt, roomName, target, body)
	case wire.PacketFileComplete:
		return r.fileComplete(from, pkt, body)
	default:
		return r.fileAbort(from, pkt, body)
	}
}

func (r *Router) fileInit(from Destination, pkt *wire.Packet, roomName string, target uuid.UUID, body []byte) error {
	init, err := wire.ParseFileInit(body)
	if err != nil {
		return err
	}

	if _, err := r.transfers.Announce(from.SessionID(), roomName, target, init); err != nil {
		logrus.WithFields(logrus.Fields{
			"transfer_id": init.TransferID,
			"session":     from.SessionID(),
			"error":       err.Error(),
		}).Debug("Transfer announcement refused")
		return nil
	}
	r.stats.TransferStarted()
	r.forwardScoped(from.SessionID(), roomName, target, pkt)
	return nil
}

func (r *Router) fileChunk(from Destination, pkt *wire.Packet, roomName string, target uuid.UUID, body []byte) error {
	chunk, err := wire.ParseFileChunk(body)
	if err != nil {
		return err
	}

	aborted, err := r.transfers.Chunk(from.SessionID(), roomName, target, chunk)
	switch {
	case err == nil:
		r.forwardScoped(from.SessionID(), roomName, target, pkt)
	case aborted != nil:
		r.stats.TransferAborted()
		r.notifyAbort(aborted, true)
	default:
		logrus.WithFields(logrus.Fields{
			"transfer_id": chunk.TransferID,
			"index":       chunk.Index,
			"error":       err.Error(),
		}).Debug("Chunk dropped")
	}
	return nil
}

func (r *Router) fileComplete(from Destination, pkt *wire.Packet, body []byte) error {
	id, err := wire.ParseFileComplete(body)
	if err != nil {
		return err
	}

	done, err := r.transfers.Complete(from.SessionID(), id)
	switch {
	case err == nil:
		r.stats.TransferCompleted()
		r.forwardScoped(from.SessionID(), done.Room(), done.Target(), pkt)
	case done != nil:
		r.stats.TransferAborted()
		r.notifyAbort(done, true)
	default:
		logrus.WithFields(logrus.Fields{
			"transfer_id": id,
			"error":       err.Error(),
		}).Debug("Completion dropped")
	}
	return nil
}

func (r *Router) fileAbort(from Destination, pkt *wire.Packet, body []byte) error {
	id, reason, err := wire.ParseFileAbort(body)
	if err != nil {
		return err
	}

	aborted, err := r.transfers.Abort(from.SessionID(), id, reason)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"transfer_id": id,
			"error":       err.Error(),
		}).Debug("Abort dropped")
		return nil
	}
	r.stats.TransferAborted()
	r.forwardScoped(from.SessionID(), aborted.Room(), aborted.Target(), pkt)
	return nil
}

// forwardScoped sends a file packet to its transfer's scope: every other
// room member, or the direct peer.
func (r *Router) forwardScoped(origin uuid.UUID, roomName string, target uuid.UUID, pkt *wire.Packet) {
	if roomName == "" {
		r.unicast(origin, target, pkt)
		return
	}
	members, err := r.rooms.MembersOf(roomName)
	if err != nil {
		r.stats.RoutingMiss()
		return
	}
	r.fanout(origin, withoutMember(members, origin), pkt)
	r.stats.Broadcast()
}

// NotifyAbort tells a transfer's sender and recipients that it was
// aborted outside the packet flow, as the stale-transfer janitor does.
func (r *Router) NotifyAbort(t *transfer.Transfer) {
	r.notifyAbort(t, true)
}

// notifyAbort tells a finished transfer's recipients (and, when asked,
// its sender) that the transfer died.
func (r *Router) notifyAbort(t *transfer.Transfer, includeSender bool) {
	body := wire.EncodeFileAbort(t.ID(), t.AbortReason())
	pkt := &wire.Packet{
		Type:      wire.PacketFileAbort,
		Timestamp: time.Now().UnixMilli(),
		SessionID: t.Sender(),
	}

	if t.Room() != "" {
		payload, err := wire.EncodeRoomEnvelope(t.Room(), body)
		if err != nil {
			return
		}
		pkt.Payload = payload
		members, err := r.rooms.MembersOf(t.Room())
		if err != nil {
			members = nil
		}
		if !includeSender {
			members = withoutMember(members, t.Sender())
		} else if !containsMember(members, t.Sender()) {
			members = append(members, t.Sender())
		}
		r.fanout(t.Sender(), members, pkt)
		r.stats.Broadcast()
		return
	}

	pkt.Flags = wire.FlagDirect
	pkt.Payload = wire.EncodeDirectEnvelope(t.Target(), body)
	r.unicast(t.Sender(), t.Target(), pkt)
	if includeSender {
		r.unicast(t.Sender(), t.Sender(), pkt)
	}
}

// unicast delivers one packet to one session.
func (r *Router) unicast(origin, target uuid.UUID, pkt *wire.Packet) {
	r.mu.RLock()
	d := r.sessions[target]
	r.mu.RUnlock()

	if d == nil {
		r.stats.RoutingMiss()
		logrus.WithFields(logrus.Fields{
			"target": target,
			"type":   pkt.Type.String(),
		}).Debug("Unicast dropped: unknown session")
		return
	}
	if !d.Enqueue(forwarded(origin, pkt)) {
		r.stats.BackpressureDrop()
	}
}

// fanout delivers one packet to each target session. Missing sessions
// are dropped and counted; a stalled member never blocks the rest.
func (r *Router) fanout(origin uuid.UUID, targets []uuid.UUID, pkt *wire.Packet) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, target := range targets {
		d := r.sessions[target]
		if d == nil {
			r.stats.RoutingMiss()
			continue
		}
		if !d.Enqueue(forwarded(origin, pkt)) {
			r.stats.BackpressureDrop()
		}
	}
}

// forwarded builds the per-destination packet. The header carries the
// origin session's ID; the destination's writer assigns version and
// sequence and encrypts the shared payload under its own keys.
func forwarded(origin uuid.UUID, pkt *wire.Packet) *wire.Packet {
	return &wire.Packet{
		Flags:     pkt.Flags,
		Type:      pkt.Type,
		Timestamp: pkt.Timestamp,
		SessionID: origin,
		Payload:   pkt.Payload,
	}
}

func presencePacket(event, roomName string, subject uuid.UUID, username string) (*wire.Packet, error) {
	body, err := json.Marshal(wire.Presence{
		Event:     event,
		SessionID: subject.String(),
		Username:  username,
	})
	if err != nil {
		return nil, err
	}
	payload, err := wire.EncodeRoomEnvelope(roomName, body)
	if err != nil {
		return nil, err
	}
	return &wire.Packet{
		Type:      wire.PacketPresenceUpdate,
		Timestamp: time.Now().UnixMilli(),
		SessionID: subject,
		Payload:   payload,
	}, nil
}

func withoutMember(members []uuid.UUID, exclude uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		if m != exclude {
			out = append(out, m)
		}
	}
	return out
}

func containsMember(members []uuid.UUID, session uuid.UUID) bool {
	for _, m := range members {
		if m == session {
			return true
		}
	}
	return false
}
