// Package transfer tracks file transfers relayed through the server.
//
// The coordinator never buffers file contents. It observes FILE_* control
// traffic, keeps per-transfer accounting (declared size, received bytes,
// seen chunk indexes) and decides whether each packet is consistent with
// the transfer's announced shape. Chunk forwarding itself stays in the
// routing layer; the coordinator only rules on validity and lifecycle.
//
// Example:
//
//	coord := transfer.NewCoordinator(transfer.DefaultLimits())
//	t, err := coord.Announce(sender, "media", uuid.Nil, init)
//	if err != nil {
//	    // refuse the announcement
//	}
//	if aborted, err := coord.Chunk(sender, chunk); aborted != nil {
//	    // broadcast a FILE_ABORT for aborted.ID() with aborted.AbortReason()
//	}
package transfer

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/adatp/wire"
)

// Announcement and chunk validation failures. Errors that accompany a
// non-nil *Transfer from Chunk or Complete mean the transfer itself was
// aborted; the others reject only the offending packet.
var (
	// ErrUnknownTransfer reports a transfer ID with no live transfer.
	ErrUnknownTransfer = errors.New("transfer: unknown transfer id")

	// ErrTransferExists reports an announcement reusing a live transfer ID.
	ErrTransferExists = errors.New("transfer: transfer id already in use")

	// ErrNotSender reports a packet from a session that does not own the transfer.
	ErrNotSender = errors.New("transfer: session does not own this transfer")

	// ErrFinished reports traffic for a transfer already completed or aborted.
	ErrFinished = errors.New("transfer: transfer already finished")

	// ErrDuplicateChunk reports a chunk index that was already received.
	ErrDuplicateChunk = errors.New("transfer: duplicate chunk index")

	// ErrChunkOutOfRange reports a chunk index outside the declared chunking.
	ErrChunkOutOfRange = errors.New("transfer: chunk index outside declared range")

	// ErrChunkTooLarge reports chunk data longer than the declared chunk size.
	ErrChunkTooLarge = errors.New("transfer: chunk data exceeds declared chunk size")

	// ErrEmptyChunk reports a chunk that carries no data.
	ErrEmptyChunk = errors.New("transfer: chunk carries no data")

	// ErrSizeMismatch reports received bytes disagreeing with the declared size.
	ErrSizeMismatch = errors.New("transfer: received bytes disagree with declared size")

	// ErrScopeMismatch reports a chunk addressed to a different room or
	// peer than the transfer was announced to.
	ErrScopeMismatch = errors.New("transfer: chunk scope differs from announcement")

	// ErrFileTooLarge reports a declared size above the configured limit.
	ErrFileTooLarge = errors.New("transfer: declared file size exceeds limit")

	// ErrNameTooLong reports a file name above the configured limit.
	ErrNameTooLong = errors.New("transfer: file name too long")

	// ErrBadChunkSize reports a declared chunk size of zero or above the limit.
	ErrBadChunkSize = errors.New("transfer: invalid declared chunk size")

	// ErrTooManyChunks reports a declared chunk count above the limit.
	ErrTooManyChunks = errors.New("transfer: declared chunk count exceeds limit")

	// ErrTooManyTransfers reports a sender at its concurrent-transfer cap.
	ErrTooManyTransfers = errors.New("transfer: sender has too many active transfers")
)

// State is the lifecycle position of a transfer.
type State uint8

const (
	// StateAnnounced: FILE_INIT seen, no chunks yet.
	StateAnnounced State = iota
	// StateTransferring: at least one chunk accepted.
	StateTransferring
	// StateCompleted: FILE_COMPLETE accepted with matching byte counts.
	StateCompleted
	// StateAborted: cancelled, size-mismatched, or sender gone.
	StateAborted
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateAnnounced:
		return "announced"
	case StateTransferring:
		return "transferring"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Limits bounds what a single announcement may declare. Zero fields take
// the package defaults.
type Limits struct {
	// MaxFileSize caps the declared total size in bytes.
	MaxFileSize uint64
	// MaxChunkSize caps the declared per-chunk size in bytes.
	MaxChunkSize uint32
	// MaxChunkCount caps ceil(MaxFileSize / chunk size).
	MaxChunkCount uint32
	// MaxNameLen caps the announced file name length in bytes.
	MaxNameLen int
	// MaxPerSender caps concurrent live transfers per sending session.
	MaxPerSender int
	// StallTimeout is how long a transfer may sit idle before Sweep
	// aborts it. Zero disables stall detection.
	StallTimeout time.Duration
}

// DefaultLimits returns the limits used when a field is left zero.
func DefaultLimits() Limits {
	return Limits{
		MaxFileSize:   4 << 30,
		MaxChunkSize:  256 << 10,
		MaxChunkCount: 1 << 20,
		MaxNameLen:    255,
		MaxPerSender:  8,
		StallTimeout:  30 * time.Second,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxFileSize == 0 {
		l.MaxFileSize = d.MaxFileSize
	}
	if l.MaxChunkSize == 0 {
		l.MaxChunkSize = d.MaxChunkSize
	}
	if l.MaxChunkCount == 0 {
		l.MaxChunkCount = d.MaxChunkCount
	}
	if l.MaxNameLen == 0 {
		l.MaxNameLen = d.MaxNameLen
	}
	if l.MaxPerSender == 0 {
		l.MaxPerSender = d.MaxPerSender
	}
	return l
}

// Clock abstracts time for deterministic stall tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Transfer is one announced file transfer. All mutation happens through
// the owning Coordinator; once a transfer reaches StateCompleted or
// StateAborted it is never mutated again, so finished transfers returned
// by coordinator methods may be read without synchronization.
type Transfer struct {
	id         uuid.UUID
	sender     uuid.UUID
	name       string
	totalSize  uint64
	chunkSize  uint32
	chunkCount uint32
	room       string
	target     uuid.UUID
	createdAt  time.Time

	mu           sync.Mutex
	state        State
	received     uint64
	seen         []uint64
	reason       uint8
	lastActivity time.Time
}

// ID returns the transfer identifier.
func (t *Transfer) ID() uuid.UUID { return t.id }

// Sender returns the session that announced the transfer.
func (t *Transfer) Sender() uuid.UUID { return t.sender }

// Name returns the announced file name.
func (t *Transfer) Name() string { return t.name }

// TotalSize returns the declared total size in bytes.
func (t *Transfer) TotalSize() uint64 { return t.totalSize }

// ChunkSize returns the declared per-chunk size in bytes.
func (t *Transfer) ChunkSize() uint32 { return t.chunkSize }

// ChunkCount returns the number of chunks the declaration implies.
func (t *Transfer) ChunkCount() uint32 { return t.chunkCount }

// Room returns the room the transfer was announced to, or "" for a
// direct transfer.
func (t *Transfer) Room() string { return t.room }

// Target returns the peer session of a direct transfer, or uuid.Nil for
// a room transfer.
func (t *Transfer) Target() uuid.UUID { return t.target }

// State returns the current lifecycle state.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Received returns the byte count accepted so far.
func (t *Transfer) Received() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.received
}

// AbortReason returns the wire abort reason of an aborted transfer.
func (t *Transfer) AbortReason() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Progress returns the received fraction as a percentage.
func (t *Transfer) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.totalSize == 0 {
		return 0
	}
	return float64(t.received) / float64(t.totalSize) * 100
}

func (t *Transfer) hasChunk(index uint32) bool {
	return t.seen[index/64]&(1<<(index%64)) != 0
}

func (t *Transfer) markChunk(index uint32) {
	t.seen[index/64] |= 1 << (index % 64)
}

// finishLocked moves the transfer to a terminal state. Caller holds t.mu.
func (t *Transfer) finishLocked(state State, reason uint8) {
	t.state = state
	t.reason = reason
	t.seen = nil
}

// Coordinator tracks every live transfer on the server.
//
// Lock order: Coordinator.mu before Transfer.mu, never the reverse.
type Coordinator struct {
	limits Limits
	clock  Clock

	mu        sync.RWMutex
	transfers map[uuid.UUID]*Transfer
	bySender  map[uuid.UUID]map[uuid.UUID]*Transfer
}

// NewCoordinator creates a coordinator enforcing the given limits.
func NewCoordinator(limits Limits) *Coordinator {
	return &Coordinator{
		limits:    limits.withDefaults(),
		clock:     systemClock{},
		transfers: make(map[uuid.UUID]*Transfer),
		bySender:  make(map[uuid.UUID]map[uuid.UUID]*Transfer),
	}
}

// SetClock replaces the time source. Intended for tests.
func (c *Coordinator) SetClock(clock Clock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

// Active returns the number of live transfers.
func (c *Coordinator) Active() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.transfers)
}

// Announce registers a FILE_INIT from sender. Exactly one of room and
// target is set: room names the destination room, target the peer of a
// direct transfer. The returned transfer is live and owned by the
// coordinator.
func (c *Coordinator) Announce(sender uuid.UUID, room string, target uuid.UUID, init *wire.FileInit) (*Transfer, error) {
	if err := c.validateAnnounce(init); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "Announce",
			"transfer_id": init.TransferID,
			"sender":      sender,
			"error":       err.Error(),
		}).Warn("Rejected transfer announcement")
		return nil, err
	}

	chunkCount := uint32((init.TotalSize + uint64(init.ChunkSize) - 1) / uint64(init.ChunkSize))
	now := c.clock.Now()
	t := &Transfer{
		id:           init.TransferID,
		sender:       sender,
		name:         init.Name,
		totalSize:    init.TotalSize,
		chunkSize:    init.ChunkSize,
		chunkCount:   chunkCount,
		room:         room,
		target:       target,
		createdAt:    now,
		state:        StateAnnounced,
		seen:         make([]uint64, (chunkCount+63)/64),
		lastActivity: now,
	}

	c.mu.Lock()
	if _, exists := c.transfers[t.id]; exists {
		c.mu.Unlock()
		return nil, ErrTransferExists
	}
	if len(c.bySender[sender]) >= c.limits.MaxPerSender {
		c.mu.Unlock()
		return nil, ErrTooManyTransfers
	}
	c.transfers[t.id] = t
	if c.bySender[sender] == nil {
		c.bySender[sender] = make(map[uuid.UUID]*Transfer)
	}
	c.bySender[sender][t.id] = t
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Announce",
		"transfer_id": t.id,
		"sender":      sender,
		"file_name":   t.name,
		"file_size":   t.totalSize,
		"chunk_size":  t.chunkSize,
		"chunks":      t.chunkCount,
	}).Info("Transfer announced")

	return t, nil
}

func (c *Coordinator) validateAnnounce(init *wire.FileInit) error {
	if init.TransferID == uuid.Nil {
		return ErrUnknownTransfer
	}
	if len(init.Name) > c.limits.MaxNameLen {
		return ErrNameTooLong
	}
	if init.TotalSize == 0 || init.TotalSize > c.limits.MaxFileSize {
		return ErrFileTooLarge
	}
	if init.ChunkSize == 0 || init.ChunkSize > c.limits.MaxChunkSize {
		return ErrBadChunkSize
	}
	chunks := (init.TotalSize + uint64(init.ChunkSize) - 1) / uint64(init.ChunkSize)
	if chunks > uint64(c.limits.MaxChunkCount) {
		return ErrTooManyChunks
	}
	return nil
}

// Chunk accounts for a FILE_CHUNK from sender, addressed to the given
// room or peer. A nil error means the chunk is consistent and should be
// forwarded. A non-nil *Transfer means the chunk aborted the transfer;
// the caller must notify recipients with the transfer's AbortReason.
// Errors with a nil transfer reject only the offending chunk.
func (c *Coordinator) Chunk(sender uuid.UUID, room string, target uuid.UUID, chunk *wire.FileChunk) (*Transfer, error) {
	c.mu.RLock()
	t := c.transfers[chunk.TransferID]
	c.mu.RUnlock()
	if t == nil {
		return nil, ErrUnknownTransfer
	}

	t.mu.Lock()
	if t.state == StateCompleted || t.state == StateAborted {
		t.mu.Unlock()
		return nil, ErrFinished
	}
	if sender != t.sender {
		t.mu.Unlock()
		return nil, ErrNotSender
	}

	var fatal error
	switch {
	case room != t.room || target != t.target:
		fatal = ErrScopeMismatch
	case chunk.Index >= t.chunkCount:
		fatal = ErrChunkOutOfRange
	case len(chunk.Data) == 0:
		fatal = ErrEmptyChunk
	case uint32(len(chunk.Data)) > t.chunkSize:
		fatal = ErrChunkTooLarge
	}
	if fatal != nil {
		t.finishLocked(StateAborted, wire.AbortProtocol)
		t.mu.Unlock()
		c.remove(t)
		logrus.WithFields(logrus.Fields{
			"function":    "Chunk",
			"transfer_id": t.id,
			"sender":      sender,
			"index":       chunk.Index,
			"error":       fatal.Error(),
		}).Warn("Transfer aborted by malformed chunk")
		return t, fatal
	}

	if t.hasChunk(chunk.Index) {
		t.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":    "Chunk",
			"transfer_id": t.id,
			"index":       chunk.Index,
		}).Debug("Dropped duplicate chunk")
		return nil, ErrDuplicateChunk
	}

	t.markChunk(chunk.Index)
	t.received += uint64(len(chunk.Data))
	t.state = StateTransferring
	t.lastActivity = c.clock.Now()

	if t.received > t.totalSize {
		t.finishLocked(StateAborted, wire.AbortSizeMismatch)
		t.mu.Unlock()
		c.remove(t)
		logrus.WithFields(logrus.Fields{
			"function":    "Chunk",
			"transfer_id": t.id,
			"received":    t.received,
			"declared":    t.totalSize,
		}).Warn("Transfer aborted: received more bytes than declared")
		return t, ErrSizeMismatch
	}
	t.mu.Unlock()

	return nil, nil
}

// Complete finalizes a transfer on FILE_COMPLETE. On success the transfer
// is returned in StateCompleted and the caller forwards the completion.
// On a byte-count mismatch the transfer is returned in StateAborted with
// ErrSizeMismatch and the caller must notify recipients of the abort.
func (c *Coordinator) Complete(sender uuid.UUID, transferID uuid.UUID) (*Transfer, error) {
	c.mu.RLock()
	t := c.transfers[transferID]
	c.mu.RUnlock()
	if t == nil {
		return nil, ErrUnknownTransfer
	}

	t.mu.Lock()
	if t.state == StateCompleted || t.state == StateAborted {
		t.mu.Unlock()
		return nil, ErrFinished
	}
	if sender != t.sender {
		t.mu.Unlock()
		return nil, ErrNotSender
	}

	if t.received != t.totalSize {
		received := t.received
		t.finishLocked(StateAborted, wire.AbortSizeMismatch)
		t.mu.Unlock()
		c.remove(t)
		logrus.WithFields(logrus.Fields{
			"function":    "Complete",
			"transfer_id": t.id,
			"received":    received,
			"declared":    t.totalSize,
		}).Warn("Transfer aborted: completion with mismatched byte count")
		return t, ErrSizeMismatch
	}

	t.finishLocked(StateCompleted, 0)
	t.mu.Unlock()
	c.remove(t)

	logrus.WithFields(logrus.Fields{
		"function":    "Complete",
		"transfer_id": t.id,
		"file_name":   t.name,
		"file_size":   t.totalSize,
	}).Info("Transfer completed")

	return t, nil
}

// Abort cancels a live transfer at the sender's request. The returned
// transfer carries the given wire abort reason for recipient notification.
func (c *Coordinator) Abort(sender uuid.UUID, transferID uuid.UUID, reason uint8) (*Transfer, error) {
	c.mu.RLock()
	t := c.transfers[transferID]
	c.mu.RUnlock()
	if t == nil {
		return nil, ErrUnknownTransfer
	}

	t.mu.Lock()
	if t.state == StateCompleted || t.state == StateAborted {
		t.mu.Unlock()
		return nil, ErrFinished
	}
	if sender != t.sender {
		t.mu.Unlock()
		return nil, ErrNotSender
	}
	t.finishLocked(StateAborted, reason)
	t.mu.Unlock()
	c.remove(t)

	logrus.WithFields(logrus.Fields{
		"function":    "Abort",
		"transfer_id": t.id,
		"sender":      sender,
		"reason":      reason,
	}).Info("Transfer aborted by sender")

	return t, nil
}

// SenderClosed aborts every live transfer owned by a terminated session
// and returns them so the caller can notify recipients. Each returned
// transfer carries wire.AbortSenderGone.
func (c *Coordinator) SenderClosed(sender uuid.UUID) []*Transfer {
	c.mu.Lock()
	owned := c.bySender[sender]
	delete(c.bySender, sender)
	for id := range owned {
		delete(c.transfers, id)
	}
	c.mu.Unlock()

	aborted := make([]*Transfer, 0, len(owned))
	for _, t := range owned {
		t.mu.Lock()
		if t.state == StateCompleted || t.state == StateAborted {
			t.mu.Unlock()
			continue
		}
		t.finishLocked(StateAborted, wire.AbortSenderGone)
		t.mu.Unlock()
		aborted = append(aborted, t)

		logrus.WithFields(logrus.Fields{
			"function":    "SenderClosed",
			"transfer_id": t.id,
			"sender":      sender,
			"file_name":   t.name,
		}).Info("Transfer aborted: sender session terminated")
	}

	return aborted
}

// Sweep aborts transfers idle longer than the stall timeout and returns
// them for recipient notification. It is a no-op when stall detection is
// disabled. Call it periodically from a maintenance loop.
func (c *Coordinator) Sweep() []*Transfer {
	if c.limits.StallTimeout == 0 {
		return nil
	}

	c.mu.Lock()
	now := c.clock.Now()
	var stalled []*Transfer
	for id, t := range c.transfers {
		t.mu.Lock()
		if now.Sub(t.lastActivity) < c.limits.StallTimeout {
			t.mu.Unlock()
			continue
		}
		t.finishLocked(StateAborted, wire.AbortSenderGone)
		t.mu.Unlock()

		delete(c.transfers, id)
		if owned := c.bySender[t.sender]; owned != nil {
			delete(owned, id)
			if len(owned) == 0 {
				delete(c.bySender, t.sender)
			}
		}
		stalled = append(stalled, t)

		logrus.WithFields(logrus.Fields{
			"function":    "Sweep",
			"transfer_id": t.id,
			"sender":      t.sender,
			"idle":        now.Sub(t.lastActivity),
		}).Warn("Transfer aborted: stalled")
	}
	c.mu.Unlock()

	return stalled
}

// remove drops a finished transfer from the lookup maps.
func (c *Coordinator) remove(t *Transfer) {
	c.mu.Lock()
	delete(c.transfers, t.id)
	if owned := c.bySender[t.sender]; owned != nil {
		delete(owned, t.id)
		if len(owned) == 0 {
			delete(c.bySender, t.sender)
		}
	}
	c.mu.Unlock()
}
