// Package store persists ephemeral rooms, code mappings, participant
// bindings and matchmaking queues.
//
// Two tiers implement the same interface: RedisStore is the durable,
// cross-process source of truth and MemoryStore is a process-private cache.
// FallbackStore composes them so callers never special-case availability:
// writes go to the durable tier first and are mirrored locally, reads prefer
// the durable tier and fall back to the local copy only when the durable tier
// errors (or, on a miss, when the entry was written while degraded).
//
// Errors are apperr values: NotFound for a miss, Unavailable when the durable
// tier cannot be reached, Conflict when an optimistic update keeps losing.
package store

import (
	"context"
	"time"

	"github.com/mossy-p/session-coordinator/internal/models"
)

// UpdateFunc mutates a fresh copy of a room. It may run more than once when
// an optimistic transaction is retried, so it must not have side effects
// beyond the room it is given. Returning an error aborts the update.
type UpdateFunc func(room *models.Room) error

// RoomStore holds room records and the indexes pointing at them.
type RoomStore interface {
	SaveRoom(ctx context.Context, room *models.Room, ttl time.Duration) error
	LoadRoom(ctx context.Context, roomID string) (*models.Room, error)
	UpdateRoom(ctx context.Context, roomID string, fn UpdateFunc) (*models.Room, error)
	DeleteRoom(ctx context.Context, roomID string) error

	// ListRooms returns every stored room of kind in no particular order.
	ListRooms(ctx context.Context, kind models.Kind) ([]*models.Room, error)

	// ReserveCode maps code to roomID only if code is free.
	ReserveCode(ctx context.Context, code, roomID string, ttl time.Duration) (bool, error)
	ResolveCode(ctx context.Context, code string) (string, error)
	// ReleaseCode removes the mapping only while it still points at roomID.
	ReleaseCode(ctx context.Context, code, roomID string) error

	// ClaimParticipant binds participantID to roomID when its current binding
	// is expect ("" for none) or already roomID, in one atomic step. It returns
	// the binding in force afterwards: roomID on success, the holder otherwise.
	ClaimParticipant(ctx context.Context, kind models.Kind, participantID, expect, roomID string, ttl time.Duration) (string, error)
	BoundRoom(ctx context.Context, kind models.Kind, participantID string) (string, error)
	// UnbindParticipant removes the binding only while it still points at roomID.
	UnbindParticipant(ctx context.Context, kind models.Kind, participantID, roomID string) error

	// ExpireRooms removes rooms whose ExpiresAt is before now and returns them.
	ExpireRooms(ctx context.Context, now time.Time) ([]*models.Room, error)
}

// MatchOutcome is the result of an atomic match-or-enqueue.
type MatchOutcome struct {
	// Partner is set when an earlier compatible entry was popped.
	Partner *models.QueueEntry
	// Entry is the caller's queue entry when it was queued.
	Entry *models.QueueEntry
	// AlreadyQueued reports that Entry existed before this call.
	AlreadyQueued bool
}

// QueueStore holds one FIFO per (kind, compatibility class).
type QueueStore interface {
	// MatchOrEnqueue atomically either returns the caller's existing entry,
	// pops the earliest entry among the compatible classes, or appends entry.
	MatchOrEnqueue(ctx context.Context, entry models.QueueEntry, compatible []string) (*MatchOutcome, error)
	QueuedEntry(ctx context.Context, kind models.Kind, participantID string) (*models.QueueEntry, error)
	Dequeue(ctx context.Context, kind models.Kind, participantID string) error
	// ExpireQueue drops entries enqueued before cutoff and returns them.
	ExpireQueue(ctx context.Context, cutoff time.Time) ([]models.QueueEntry, error)
}

// Store is the full persistence surface used by the registry and the queue.
type Store interface {
	RoomStore
	QueueStore
}
