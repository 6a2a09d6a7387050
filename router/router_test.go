package router

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/adatp/metrics"
	"github.com/opd-ai/adatp/room"
	"github.com/opd-ai/adatp/transfer"
	"github.com/opd-ai/adatp/wire"
)

// fakeDest is an in-memory Destination that records every enqueued
// packet. Setting full simulates a stalled writer.
type fakeDest struct {
	id   uuid.UUID
	user string

	mu    sync.Mutex
	queue []*wire.Packet
	full  bool
}

func newFakeDest(user string) *fakeDest {
	return &fakeDest{id: uuid.New(), user: user}
}

func (d *fakeDest) SessionID() uuid.UUID { return d.id }
func (d *fakeDest) Username() string     { return d.user }

func (d *fakeDest) Enqueue(pkt *wire.Packet) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.full {
		return false
	}
	d.queue = append(d.queue, pkt)
	return true
}

func (d *fakeDest) packets() []*wire.Packet {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*wire.Packet, len(d.queue))
	copy(out, d.queue)
	return out
}

func (d *fakeDest) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = nil
}

func (d *fakeDest) ofType(typ wire.PacketType) []*wire.Packet {
	var out []*wire.Packet
	for _, p := range d.packets() {
		if p.Type == typ {
			out = append(out, p)
		}
	}
	return out
}

func newTestRouter() (*Router, *transfer.Coordinator, *metrics.Collector) {
	transfers := transfer.NewCoordinator(transfer.DefaultLimits())
	stats := metrics.NewCollector("test")
	return New(room.NewRegistry(), transfers, stats), transfers, stats
}

func roomPacket(t *testing.T, typ wire.PacketType, roomName string, body []byte) *wire.Packet {
	t.Helper()
	payload, err := wire.EncodeRoomEnvelope(roomName, body)
	require.NoError(t, err)
	return &wire.Packet{Type: typ, Payload: payload}
}

func directPacket(typ wire.PacketType, target uuid.UUID, body []byte) *wire.Packet {
	return &wire.Packet{
		Flags:   wire.FlagDirect,
		Type:    typ,
		Payload: wire.EncodeDirectEnvelope(target, body),
	}
}

func mustJoin(t *testing.T, r *Router, d *fakeDest, roomName string) {
	t.Helper()
	require.NoError(t, r.Route(d, roomPacket(t, wire.PacketJoinRoom, roomName, nil)))
}

func decodePresence(t *testing.T, pkt *wire.Packet) (string, wire.Presence) {
	t.Helper()
	require.Equal(t, wire.PacketPresenceUpdate, pkt.Type)
	roomName, body, err := wire.DecodeRoomEnvelope(pkt.Payload)
	require.NoError(t, err)
	var p wire.Presence
	require.NoError(t, json.Unmarshal(body, &p))
	return roomName, p
}

func TestRegisterRejectsDuplicateSession(t *testing.T) {
	r, _, _ := newTestRouter()
	a := newFakeDest("alice")

	require.NoError(t, r.Register(a))
	assert.ErrorIs(t, r.Register(a), ErrSessionExists)
	assert.Equal(t, 1, r.Sessions())

	r.Unregister(a)
	assert.Equal(t, 0, r.Sessions())
}

func TestJoinDeliversPresenceToAllMembers(t *testing.T) {
	r, _, _ := newTestRouter()
	a := newFakeDest("alice")
	b := newFakeDest("bob")
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	mustJoin(t, r, a, "lobby")

	// The joiner's own copy of the presence acts as the join ack.
	require.Len(t, a.packets(), 1)
	roomName, presence := decodePresence(t, a.packets()[0])
	assert.Equal(t, "lobby", roomName)
	assert.Equal(t, wire.PresenceJoin, presence.Event)
	assert.Equal(t, a.id.String(), presence.SessionID)
	assert.Equal(t, "alice", presence.Username)

	mustJoin(t, r, b, "lobby")

	require.Len(t, a.packets(), 2)
	_, second := decodePresence(t, a.packets()[1])
	assert.Equal(t, b.id.String(), second.SessionID)
	assert.Equal(t, a.id, a.packets()[1].SessionID)

	require.Len(t, b.packets(), 1)
	_, own := decodePresence(t, b.packets()[0])
	assert.Equal(t, b.id.String(), own.SessionID)
}

func TestLeaveNotifiesRemainingMembers(t *testing.T) {
	r, _, _ := newTestRouter()
	a := newFakeDest("alice")
	b := newFakeDest("bob")
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	mustJoin(t, r, a, "lobby")
	mustJoin(t, r, b, "lobby")
	a.reset()
	b.reset()

	require.NoError(t, r.Route(b, roomPacket(t, wire.PacketLeaveRoom, "lobby", nil)))

	require.Len(t, a.packets(), 1)
	roomName, presence := decodePresence(t, a.packets()[0])
	assert.Equal(t, "lobby", roomName)
	assert.Equal(t, wire.PresenceLeave, presence.Event)
	assert.Equal(t, b.id.String(), presence.SessionID)
	assert.Empty(t, b.packets())
}

func TestRoomBroadcastSkipsSender(t *testing.T) {
	r, _, stats := newTestRouter()
	a := newFakeDest("alice")
	b := newFakeDest("bob")
	c := newFakeDest("carol")
	for _, d := range []*fakeDest{a, b, c} {
		require.NoError(t, r.Register(d))
		mustJoin(t, r, d, "lobby")
		d.reset()
	}

	msg := roomPacket(t, wire.PacketTextMessage, "lobby", []byte("hello"))
	require.NoError(t, r.Route(a, msg))

	assert.Empty(t, a.packets())
	require.Len(t, b.packets(), 1)
	require.Len(t, c.packets(), 1)

	got := b.packets()[0]
	assert.Equal(t, wire.PacketTextMessage, got.Type)
	assert.Equal(t, a.id, got.SessionID)
	assert.Equal(t, msg.Payload, got.Payload)
	assert.GreaterOrEqual(t, stats.Snapshot().Broadcasts, uint64(1))
}

func TestEchoFlagIncludesSender(t *testing.T) {
	r, _, _ := newTestRouter()
	a := newFakeDest("alice")
	b := newFakeDest("bob")
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	mustJoin(t, r, a, "lobby")
	mustJoin(t, r, b, "lobby")
	a.reset()
	b.reset()

	msg := roomPacket(t, wire.PacketTextMessage, "lobby", []byte("hi"))
	msg.Flags |= wire.FlagEcho
	require.NoError(t, r.Route(a, msg))

	assert.Len(t, a.packets(), 1)
	assert.Len(t, b.packets(), 1)
}

func TestNonMemberBroadcastIsDropped(t *testing.T) {
	r, _, stats := newTestRouter()
	a := newFakeDest("alice")
	d := newFakeDest("mallory")
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(d))
	mustJoin(t, r, a, "lobby")
	a.reset()

	require.NoError(t, r.Route(d, roomPacket(t, wire.PacketTextMessage, "lobby", []byte("spam"))))

	assert.Empty(t, a.packets())
	assert.GreaterOrEqual(t, stats.Snapshot().RoutingMisses, uint64(1))
}

func TestDirectMessageReachesOnlyTarget(t *testing.T) {
	r, _, stats := newTestRouter()
	a := newFakeDest("alice")
	b := newFakeDest("bob")
	c := newFakeDest("carol")
	for _, d := range []*fakeDest{a, b, c} {
		require.NoError(t, r.Register(d))
	}

	require.NoError(t, r.Route(a, directPacket(wire.PacketTextMessage, b.id, []byte("psst"))))

	require.Len(t, b.packets(), 1)
	got := b.packets()[0]
	assert.Equal(t, a.id, got.SessionID)
	assert.True(t, got.HasFlag(wire.FlagDirect))
	assert.Empty(t, a.packets())
	assert.Empty(t, c.packets())

	// A vanished target is a counted miss, not an error.
	require.NoError(t, r.Route(a, directPacket(wire.PacketTextMessage, uuid.New(), []byte("void"))))
	assert.GreaterOrEqual(t, stats.Snapshot().RoutingMisses, uint64(1))
}

func TestInviteCreatesPrivateRoomAndForwards(t *testing.T) {
	r, _, _ := newTestRouter()
	a := newFakeDest("alice")
	b := newFakeDest("bob")
	c := newFakeDest("carol")
	for _, d := range []*fakeDest{a, b, c} {
		require.NoError(t, r.Register(d))
	}

	inviteBody, err := wire.EncodeRoomEnvelope("vault", nil)
	require.NoError(t, err)
	require.NoError(t, r.Route(a, directPacket(wire.PacketInvite, b.id, inviteBody)))

	require.Len(t, b.packets(), 1)
	assert.Equal(t, wire.PacketInvite, b.packets()[0].Type)
	assert.Equal(t, a.id, b.packets()[0].SessionID)

	// The invitee can join; an outsider is silently refused.
	mustJoin(t, r, b, "vault")
	require.Len(t, b.ofType(wire.PacketPresenceUpdate), 1)

	require.NoError(t, r.Route(c, roomPacket(t, wire.PacketJoinRoom, "vault", nil)))
	assert.Empty(t, c.packets())
}

func TestBackpressureShedsOnlyStalledMember(t *testing.T) {
	r, _, stats := newTestRouter()
	a := newFakeDest("alice")
	b := newFakeDest("bob")
	c := newFakeDest("carol")
	for _, d := range []*fakeDest{a, b, c} {
		require.NoError(t, r.Register(d))
		mustJoin(t, r, d, "lobby")
		d.reset()
	}
	c.full = true

	require.NoError(t, r.Route(a, roomPacket(t, wire.PacketTextMessage, "lobby", []byte("hello"))))

	assert.Len(t, b.packets(), 1)
	assert.Empty(t, c.packets())
	assert.Equal(t, uint64(1), stats.Snapshot().BackpressureDrops)
}

func TestUnroutableTypesFailRouting(t *testing.T) {
	r, _, _ := newTestRouter()
	a := newFakeDest("alice")
	require.NoError(t, r.Register(a))

	// Presence updates only ever originate on the server; a client
	// sending one is a protocol violation like any handshake leak.
	for _, typ := range []wire.PacketType{
		wire.PacketHandshakeInit,
		wire.PacketHandshakeResponse,
		wire.PacketAuthRequest,
		wire.PacketPresenceUpdate,
		wire.PacketDisconnect,
	} {
		err := r.Route(a, &wire.Packet{Type: typ})
		assert.ErrorIs(t, err, ErrUnroutable, "type %s", typ)
	}
}

func TestMalformedEnvelopeFailsRouting(t *testing.T) {
	r, _, _ := newTestRouter()
	a := newFakeDest("alice")
	require.NoError(t, r.Register(a))

	err := r.Route(a, &wire.Packet{Type: wire.PacketJoinRoom, Payload: nil})
	require.Error(t, err)

	err = r.Route(a, &wire.Packet{
		Flags:   wire.FlagDirect,
		Type:    wire.PacketTextMessage,
		Payload: []byte{1, 2, 3},
	})
	require.Error(t, err)
}

func fileInitPacket(t *testing.T, roomName string, init *wire.FileInit) *wire.Packet {
	t.Helper()
	body, err := init.Encode()
	require.NoError(t, err)
	return roomPacket(t, wire.PacketFileInit, roomName, body)
}

func TestFileTransferLifecycleInRoom(t *testing.T) {
	r, transfers, stats := newTestRouter()
	a := newFakeDest("alice")
	b := newFakeDest("bob")
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	mustJoin(t, r, a, "media")
	mustJoin(t, r, b, "media")
	a.reset()
	b.reset()

	id := uuid.New()
	init := &wire.FileInit{TransferID: id, TotalSize: 6, ChunkSize: 4, Name: "notes.txt"}
	require.NoError(t, r.Route(a, fileInitPacket(t, "media", init)))
	require.Len(t, b.ofType(wire.PacketFileInit), 1)
	assert.Equal(t, 1, transfers.Active())

	for i, data := range [][]byte{[]byte("abcd"), []byte("ef")} {
		chunk := &wire.FileChunk{TransferID: id, Index: uint32(i), Data: data}
		pkt := roomPacket(t, wire.PacketFileChunk, "media", chunk.Encode())
		require.NoError(t, r.Route(a, pkt))
	}
	require.Len(t, b.ofType(wire.PacketFileChunk), 2)

	done := roomPacket(t, wire.PacketFileComplete, "media", wire.EncodeFileComplete(id))
	require.NoError(t, r.Route(a, done))
	require.Len(t, b.ofType(wire.PacketFileComplete), 1)

	assert.Empty(t, a.ofType(wire.PacketFileAbort))
	assert.Equal(t, 0, transfers.Active())
	snap := stats.Snapshot()
	assert.Equal(t, uint64(1), snap.TransfersStarted)
	assert.Equal(t, uint64(1), snap.TransfersCompleted)
	assert.Zero(t, snap.TransfersAborted)
}

func TestDirectFileTransfer(t *testing.T) {
	r, transfers, _ := newTestRouter()
	a := newFakeDest("alice")
	b := newFakeDest("bob")
	c := newFakeDest("carol")
	for _, d := range []*fakeDest{a, b, c} {
		require.NoError(t, r.Register(d))
	}

	id := uuid.New()
	init := &wire.FileInit{TransferID: id, TotalSize: 3, ChunkSize: 4, Name: "x.bin"}
	body, err := init.Encode()
	require.NoError(t, err)
	require.NoError(t, r.Route(a, directPacket(wire.PacketFileInit, b.id, body)))

	chunk := &wire.FileChunk{TransferID: id, Index: 0, Data: []byte("xyz")}
	require.NoError(t, r.Route(a, directPacket(wire.PacketFileChunk, b.id, chunk.Encode())))
	require.NoError(t, r.Route(a, directPacket(wire.PacketFileComplete, b.id, wire.EncodeFileComplete(id))))

	assert.Len(t, b.ofType(wire.PacketFileInit), 1)
	assert.Len(t, b.ofType(wire.PacketFileChunk), 1)
	assert.Len(t, b.ofType(wire.PacketFileComplete), 1)
	assert.Empty(t, c.packets())
	assert.Equal(t, 0, transfers.Active())
}

func TestSizeMismatchNotifiesBothSides(t *testing.T) {
	r, transfers, stats := newTestRouter()
	a := newFakeDest("alice")
	b := newFakeDest("bob")
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	mustJoin(t, r, a, "media")
	mustJoin(t, r, b, "media")
	a.reset()
	b.reset()

	id := uuid.New()
	init := &wire.FileInit{TransferID: id, TotalSize: 100, ChunkSize: 64, Name: "big.bin"}
	require.NoError(t, r.Route(a, fileInitPacket(t, "media", init)))

	// Completing with no bytes received kills the transfer.
	done := roomPacket(t, wire.PacketFileComplete, "media", wire.EncodeFileComplete(id))
	require.NoError(t, r.Route(a, done))

	require.Len(t, b.ofType(wire.PacketFileAbort), 1)
	require.Len(t, a.ofType(wire.PacketFileAbort), 1)

	_, body, err := wire.DecodeRoomEnvelope(a.ofType(wire.PacketFileAbort)[0].Payload)
	require.NoError(t, err)
	gotID, reason, err := wire.ParseFileAbort(body)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, wire.AbortSizeMismatch, reason)

	assert.Empty(t, b.ofType(wire.PacketFileComplete))
	assert.Equal(t, 0, transfers.Active())
	assert.Equal(t, uint64(1), stats.Snapshot().TransfersAborted)
}

func TestSenderAbortForwardsToRecipients(t *testing.T) {
	r, _, stats := newTestRouter()
	a := newFakeDest("alice")
	b := newFakeDest("bob")
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	mustJoin(t, r, a, "media")
	mustJoin(t, r, b, "media")
	a.reset()
	b.reset()

	id := uuid.New()
	init := &wire.FileInit{TransferID: id, TotalSize: 100, ChunkSize: 64, Name: "big.bin"}
	require.NoError(t, r.Route(a, fileInitPacket(t, "media", init)))

	abort := roomPacket(t, wire.PacketFileAbort, "media", wire.EncodeFileAbort(id, wire.AbortCancelled))
	require.NoError(t, r.Route(a, abort))

	require.Len(t, b.ofType(wire.PacketFileAbort), 1)
	_, body, err := wire.DecodeRoomEnvelope(b.ofType(wire.PacketFileAbort)[0].Payload)
	require.NoError(t, err)
	_, reason, err := wire.ParseFileAbort(body)
	require.NoError(t, err)
	assert.Equal(t, wire.AbortCancelled, reason)
	assert.Equal(t, uint64(1), stats.Snapshot().TransfersAborted)
}

func TestFileInitFromNonMemberIsDropped(t *testing.T) {
	r, transfers, _ := newTestRouter()
	a := newFakeDest("alice")
	d := newFakeDest("mallory")
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(d))
	mustJoin(t, r, a, "media")
	a.reset()

	init := &wire.FileInit{TransferID: uuid.New(), TotalSize: 10, ChunkSize: 4, Name: "x"}
	require.NoError(t, r.Route(d, fileInitPacket(t, "media", init)))

	assert.Empty(t, a.packets())
	assert.Equal(t, 0, transfers.Active())
}

func TestUnregisterRunsFullCleanup(t *testing.T) {
	r, transfers, _ := newTestRouter()
	a := newFakeDest("alice")
	b := newFakeDest("bob")
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	mustJoin(t, r, a, "media")
	mustJoin(t, r, b, "media")

	id := uuid.New()
	init := &wire.FileInit{TransferID: id, TotalSize: 100, ChunkSize: 64, Name: "big.bin"}
	require.NoError(t, r.Route(a, fileInitPacket(t, "media", init)))
	a.reset()
	b.reset()

	r.Unregister(a)

	leaves := b.ofType(wire.PacketPresenceUpdate)
	require.Len(t, leaves, 1)
	_, presence := decodePresence(t, leaves[0])
	assert.Equal(t, wire.PresenceLeave, presence.Event)
	assert.Equal(t, a.id.String(), presence.SessionID)

	aborts := b.ofType(wire.PacketFileAbort)
	require.Len(t, aborts, 1)
	_, body, err := wire.DecodeRoomEnvelope(aborts[0].Payload)
	require.NoError(t, err)
	gotID, reason, err := wire.ParseFileAbort(body)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, wire.AbortSenderGone, reason)

	// The dead sender gets nothing.
	assert.Empty(t, a.packets())
	assert.Equal(t, 0, transfers.Active())
	assert.Equal(t, 1, r.Sessions())
}

func TestAcceptForwardsDirect(t *testing.T) {
	r, _, _ := newTestRouter()
	a := newFakeDest("alice")
	b := newFakeDest("bob")
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	require.NoError(t, r.Route(b, directPacket(wire.PacketAccept, a.id, []byte("vault"))))

	require.Len(t, a.packets(), 1)
	assert.Equal(t, wire.PacketAccept, a.packets()[0].Type)
	assert.Equal(t, b.id, a.packets()[0].SessionID)
}
