package client

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/adatp/wire"
)

// EventType discriminates the events produced by Recv.
type EventType int

const (
	// EventText is a text message, room or direct.
	EventText EventType = iota
	// EventPresence reports a member joining or leaving a room.
	EventPresence
	// EventInvite is an invitation into a room.
	EventInvite
	// EventAccept is a forwarded signaling accept.
	EventAccept
	// EventVoice is one opaque voice frame.
	EventVoice
	// EventVideo is one opaque video frame.
	EventVideo
	// EventFileOffer announces an inbound transfer.
	EventFileOffer
	// EventFileChunk carries one slice of transfer data.
	EventFileChunk
	// EventFileDone reports a transfer completed with matching size.
	EventFileDone
	// EventFileAbort reports a transfer torn down before completion.
	EventFileAbort
)

var eventTypeNames = map[EventType]string{
	EventText:      "text",
	EventPresence:  "presence",
	EventInvite:    "invite",
	EventAccept:    "accept",
	EventVoice:     "voice",
	EventVideo:     "video",
	EventFileOffer: "file_offer",
	EventFileChunk: "file_chunk",
	EventFileDone:  "file_done",
	EventFileAbort: "file_abort",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Event is one decoded inbound message. From is the originating session;
// Room is empty for direct traffic. The fields beyond From and Room are
// populated per Type.
type Event struct {
	Type EventType
	From uuid.UUID
	Room string

	// Text holds the message for EventText.
	Text string

	// Presence is set for EventPresence.
	Presence *wire.Presence

	// File is set for EventFileOffer.
	File *wire.FileInit
	// Chunk is set for EventFileChunk. Its Data aliases the packet buffer
	// and is only valid until the next Recv call.
	Chunk *wire.FileChunk
	// TransferID is set for all file events.
	TransferID uuid.UUID
	// AbortReason is set for EventFileAbort.
	AbortReason uint8

	// Data holds the raw frame for EventVoice, EventVideo, and EventAccept.
	Data []byte
}

// Recv returns the next event from the server. It returns ErrDisconnected
// after a server-initiated DISCONNECT, *AuthError if the server rejects
// unauthenticated traffic, and the underlying read error once the
// connection drops. Unrecognized packet types are skipped.
func (c *Client) Recv() (*Event, error) {
	for {
		var pkt *wire.Packet
		if len(c.pending) > 0 {
			pkt = c.pending[0]
			c.pending = c.pending[1:]
		} else {
			var err error
			pkt, err = c.readPacket()
			if err != nil {
				return nil, err
			}
		}

		switch pkt.Type {
		case wire.PacketDisconnect:
			return nil, ErrDisconnected
		case wire.PacketAuthFailure:
			var denied wire.AuthDenied
			if err := json.Unmarshal(pkt.Payload, &denied); err != nil {
				return nil, fmt.Errorf("client: decode auth failure: %w", err)
			}
			return nil, &AuthError{Reason: denied.Reason}
		case wire.PacketAuthSuccess:
			continue
		}

		ev, err := decodeEvent(pkt)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			logrus.WithFields(logrus.Fields{
				"function": "Recv",
				"type":     pkt.Type,
			}).Debug("Skipping unhandled packet type")
			continue
		}
		return ev, nil
	}
}

func decodeEvent(pkt *wire.Packet) (*Event, error) {
	switch pkt.Type {
	case wire.PacketTextMessage:
		room, body, err := splitScope(pkt)
		if err != nil {
			return nil, err
		}
		return &Event{Type: EventText, From: pkt.SessionID, Room: room, Text: string(body)}, nil

	case wire.PacketPresenceUpdate:
		room, body, err := wire.DecodeRoomEnvelope(pkt.Payload)
		if err != nil {
			return nil, err
		}
		var p wire.Presence
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("client: decode presence: %w", err)
		}
		return &Event{Type: EventPresence, From: pkt.SessionID, Room: room, Presence: &p}, nil

	case wire.PacketInvite:
		_, body, err := wire.DecodeDirectEnvelope(pkt.Payload)
		if err != nil {
			return nil, err
		}
		room, _, err := wire.DecodeRoomEnvelope(body)
		if err != nil {
			return nil, err
		}
		return &Event{Type: EventInvite, From: pkt.SessionID, Room: room}, nil

	case wire.PacketAccept:
		room, body, err := splitScope(pkt)
		if err != nil {
			return nil, err
		}
		return &Event{Type: EventAccept, From: pkt.SessionID, Room: room, Data: body}, nil

	case wire.PacketVoiceData, wire.PacketVideoData:
		room, body, err := splitScope(pkt)
		if err != nil {
			return nil, err
		}
		t := EventVoice
		if pkt.Type == wire.PacketVideoData {
			t = EventVideo
		}
		return &Event{Type: t, From: pkt.SessionID, Room: room, Data: body}, nil

	case wire.PacketFileInit:
		room, body, err := splitScope(pkt)
		if err != nil {
			return nil, err
		}
		init, err := wire.ParseFileInit(body)
		if err != nil {
			return nil, err
		}
		return &Event{Type: EventFileOffer, From: pkt.SessionID, Room: room,
			File: init, TransferID: init.TransferID}, nil

	case wire.PacketFileChunk:
		room, body, err := splitScope(pkt)
		if err != nil {
			return nil, err
		}
		chunk, err := wire.ParseFileChunk(body)
		if err != nil {
			return nil, err
		}
		return &Event{Type: EventFileChunk, From: pkt.SessionID, Room: room,
			Chunk: chunk, TransferID: chunk.TransferID}, nil

	case wire.PacketFileComplete:
		room, body, err := splitScope(pkt)
		if err != nil {
			return nil, err
		}
		id, err := wire.ParseFileComplete(body)
		if err != nil {
			return nil, err
		}
		return &Event{Type: EventFileDone, From: pkt.SessionID, Room: room, TransferID: id}, nil

	case wire.PacketFileAbort:
		room, body, err := splitScope(pkt)
		if err != nil {
			return nil, err
		}
		id, reason, err := wire.ParseFileAbort(body)
		if err != nil {
			return nil, err
		}
		return &Event{Type: EventFileAbort, From: pkt.SessionID, Room: room,
			TransferID: id, AbortReason: reason}, nil
	}

	return nil, nil
}

// splitScope strips the routing envelope: the room name for room traffic,
// the target session (which is this client) for direct traffic.
func splitScope(pkt *wire.Packet) (string, []byte, error) {
	if pkt.HasFlag(wire.FlagDirect) {
		_, body, err := wire.DecodeDirectEnvelope(pkt.Payload)
		return "", body, err
	}
	return wire.DecodeRoomEnvelope(pkt.Payload)
}
