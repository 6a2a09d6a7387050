// Package room implements the room registry: named groups of sessions that
// receive each other's broadcasts.
//
// Rooms are either public or private. Joining a missing public room creates
// it; private rooms exist only through explicit creation and admit invited
// sessions. Auto-created rooms disappear when their last member leaves,
// explicitly created rooms can be configured to persist empty.
//
// Locking is fine-grained: the registry lock covers only the name lookup
// and a per-room lock covers membership, so no lock is ever held across
// packet delivery. When both are taken, the registry lock comes first.
package room

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Visibility classifies who may join a room.
type Visibility uint8

const (
	// VisibilityPublic means any session can join by name.
	VisibilityPublic Visibility = iota
	// VisibilityPrivate means joining requires an invitation.
	VisibilityPrivate
)

// String returns a stable lowercase name for logging and the admin API.
func (v Visibility) String() string {
	if v == VisibilityPrivate {
		return "private"
	}
	return "public"
}

var (
	// ErrRoomNotFound reports an operation on a room that does not exist.
	ErrRoomNotFound = errors.New("room: not found")

	// ErrRoomExists reports an explicit creation of an existing room.
	ErrRoomExists = errors.New("room: already exists")

	// ErrRoomPrivate reports a join attempt on a private room without an
	// invitation.
	ErrRoomPrivate = errors.New("room: private room requires invitation")

	// ErrNotMember reports an operation requiring membership by a session
	// that is not a member.
	ErrNotMember = errors.New("room: session is not a member")
)

// Room is one named group. All fields behind mu; the registry hands out
// only snapshots.
type Room struct {
	name         string
	visibility   Visibility
	persistEmpty bool
	creator      uuid.UUID
	createdAt    time.Time

	mu      sync.Mutex
	deleted bool
	members map[uuid.UUID]struct{}
	invites map[uuid.UUID]struct{}
}

// Snapshot is a point-in-time view of a room for the admin API.
type Snapshot struct {
	Name         string    `json:"name"`
	Visibility   string    `json:"visibility"`
	Members      int       `json:"members"`
	PersistEmpty bool      `json:"persist_empty,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Registry owns every room in the process. The zero value is not usable;
// call NewRegistry.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
	}
}

// Create adds a room explicitly. Explicit rooms survive emptiness when
// persistEmpty is set, and explicit creation is the only way a private room
// comes into existence.
func (r *Registry) Create(name string, visibility Visibility, persistEmpty bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[name]; exists {
		return ErrRoomExists
	}
	r.rooms[name] = newRoom(name, visibility, persistEmpty)
	return nil
}

// CreatePrivate adds a private room on behalf of a session, typically when
// it invites a peer to a room that does not exist yet. The creator may join
// and invite without holding an invitation itself.
func (r *Registry) CreatePrivate(name string, creator uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[name]; exists {
		return ErrRoomExists
	}
	rm := newRoom(name, VisibilityPrivate, false)
	rm.creator = creator
	r.rooms[name] = rm
	return nil
}

// Join adds a session to a room, creating a public room on demand. It
// returns the membership snapshot including the joiner. Joining twice is
// idempotent: the set never holds duplicates.
func (r *Registry) Join(name string, session uuid.UUID) ([]uuid.UUID, error) {
	for {
		r.mu.Lock()
		rm, exists := r.rooms[name]
		if !exists {
			rm = newRoom(name, VisibilityPublic, false)
			r.rooms[name] = rm
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if rm.deleted {
			// Lost the race against the last member leaving; the room is
			// gone from the map, so look it up (or recreate it) again.
			rm.mu.Unlock()
			continue
		}

		if rm.visibility == VisibilityPrivate && !rm.admitsLocked(session) {
			rm.mu.Unlock()
			return nil, ErrRoomPrivate
		}

		rm.members[session] = struct{}{}
		members := rm.memberListLocked()
		rm.mu.Unlock()
		return members, nil
	}
}

// Leave removes a session from a room. It returns the remaining membership
// for the caller's presence broadcast. Rooms not configured to persist are
// removed when their last member leaves.
func (r *Registry) Leave(name string, session uuid.UUID) ([]uuid.UUID, error) {
	// Registry lock held across the membership change so an emptied room is
	// deleted atomically with respect to concurrent joins.
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, exists := r.rooms[name]
	if !exists {
		return nil, ErrRoomNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, member := rm.members[session]; !member {
		return nil, ErrNotMember
	}
	delete(rm.members, session)

	if len(rm.members) == 0 && !rm.persistEmpty {
		rm.deleted = true
		delete(r.rooms, name)
	}
	return rm.memberListLocked(), nil
}

// LeaveAll removes a session from every room it belongs to, returning for
// each affected room its name and remaining members. Called during
// connection cleanup.
func (r *Registry) LeaveAll(session uuid.UUID) map[string][]uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	left := make(map[string][]uuid.UUID)
	for name, rm := range r.rooms {
		rm.mu.Lock()
		if _, member := rm.members[session]; member {
			delete(rm.members, session)
			left[name] = rm.memberListLocked()
			if len(rm.members) == 0 && !rm.persistEmpty {
				rm.deleted = true
				delete(r.rooms, name)
			}
		}
		delete(rm.invites, session)
		rm.mu.Unlock()
	}
	return left
}

// MembersOf returns the current membership of a room.
func (r *Registry) MembersOf(name string) ([]uuid.UUID, error) {
	r.mu.RLock()
	rm, exists := r.rooms[name]
	r.mu.RUnlock()

	if !exists {
		return nil, ErrRoomNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.deleted {
		return nil, ErrRoomNotFound
	}
	return rm.memberListLocked(), nil
}

// IsMember reports whether a session currently belongs to a room.
func (r *Registry) IsMember(name string, session uuid.UUID) bool {
	r.mu.RLock()
	rm, exists := r.rooms[name]
	r.mu.RUnlock()

	if !exists {
		return false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.deleted {
		return false
	}
	_, member := rm.members[session]
	return member
}

// Invite grants a session the right to join a private room. The inviter
// must already be a member. Inviting to a public room records the grant but
// changes nothing, since anyone can join.
func (r *Registry) Invite(name string, inviter, invitee uuid.UUID) error {
	r.mu.RLock()
	rm, exists := r.rooms[name]
	r.mu.RUnlock()

	if !exists {
		return ErrRoomNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.deleted {
		return ErrRoomNotFound
	}
	_, member := rm.members[inviter]
	if !member && !rm.isCreatorLocked(inviter) {
		return ErrNotMember
	}
	rm.invites[invitee] = struct{}{}
	return nil
}

// Exists reports whether a room is currently registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.rooms[name]
	return exists
}

// Count returns the number of rooms.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Snapshot returns a view of one room.
func (r *Registry) Snapshot(name string) (Snapshot, error) {
	r.mu.RLock()
	rm, exists := r.rooms[name]
	r.mu.RUnlock()

	if !exists {
		return Snapshot{}, ErrRoomNotFound
	}
	return rm.snapshot(), nil
}

// Snapshots returns a view of every room, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(rooms))
	for _, rm := range rooms {
		out = append(out, rm.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func newRoom(name string, visibility Visibility, persistEmpty bool) *Room {
	return &Room{
		name:         name,
		visibility:   visibility,
		persistEmpty: persistEmpty,
		createdAt:    time.Now(),
		members:      make(map[uuid.UUID]struct{}),
		invites:      make(map[uuid.UUID]struct{}),
	}
}

func (rm *Room) memberListLocked() []uuid.UUID {
	members := make([]uuid.UUID, 0, len(rm.members))
	for id := range rm.members {
		members = append(members, id)
	}
	return members
}

func (rm *Room) admitsLocked(session uuid.UUID) bool {
	if _, member := rm.members[session]; member {
		return true
	}
	if _, invited := rm.invites[session]; invited {
		return true
	}
	return rm.isCreatorLocked(session)
}

func (rm *Room) isCreatorLocked(session uuid.UUID) bool {
	return rm.creator != uuid.Nil && session == rm.creator
}

func (rm *Room) snapshot() Snapshot {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return Snapshot{
		Name:         rm.name,
		Visibility:   rm.visibility.String(),
		Members:      len(rm.members),
		PersistEmpty: rm.persistEmpty,
		CreatedAt:    rm.createdAt,
	}
}
