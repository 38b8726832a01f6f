// Package matchmaking pairs waiting participants into new rooms.
package matchmaking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mossy-p/session-coordinator/internal/apperr"
	"github.com/mossy-p/session-coordinator/internal/models"
	"github.com/mossy-p/session-coordinator/internal/registry"
	"github.com/mossy-p/session-coordinator/internal/store"
)

const (
	DefaultQueueTTL = 10 * time.Minute

	// a popped partner may turn out to be busy already; give up after this many
	maxPairAttempts = 3
)

// Result is the outcome of Enqueue or Status.
type Result struct {
	Status    models.MatchStatus
	RoomID    string
	PartnerID string
	Room      *models.Room
	// Created is true only for the call that created Room.
	Created bool
}

// Response converts r to the wire shape.
func (r *Result) Response() models.MatchResponse {
	return models.MatchResponse{Status: r.Status, RoomID: r.RoomID, PartnerID: r.PartnerID}
}

// MatchHook is called once for every room the queue creates.
type MatchHook func(ctx context.Context, room *models.Room)

type Queue struct {
	store    store.QueueStore
	rooms    *registry.Registry
	rule     *Rule
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
	onMatch  MatchHook
	kindLock map[models.Kind]*sync.Mutex
	windows  map[models.Kind]Window
}

type Option func(*Queue)

func WithRule(rule *Rule) Option {
	return func(q *Queue) { q.rule = rule }
}

func WithQueueTTL(ttl time.Duration) Option {
	return func(q *Queue) {
		if ttl > 0 {
			q.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithWindow limits matching for kind to the daily window w.
func WithWindow(kind models.Kind, w Window) Option {
	return func(q *Queue) {
		if !w.always() {
			q.windows[kind] = w
		}
	}
}

func New(st store.QueueStore, rooms *registry.Registry, logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		store:    st,
		rooms:    rooms,
		rule:     OpenRule(),
		ttl:      DefaultQueueTTL,
		now:      time.Now,
		logger:   logger,
		kindLock: make(map[models.Kind]*sync.Mutex),
		windows:  make(map[models.Kind]Window),
	}
	for _, opt := range opts {
		opt(q)
	}
	for _, k := range models.Kinds {
		if k.Matchable() {
			q.kindLock[k] = &sync.Mutex{}
		}
	}
	return q
}

// OnMatch registers the hook that announces new pairs.
func (q *Queue) OnMatch(hook MatchHook) {
	q.onMatch = hook
}

func (q *Queue) Rule() *Rule {
	return q.rule
}

func (q *Queue) lock(kind models.Kind) (func(), error) {
	mu, ok := q.kindLock[kind]
	if !ok {
		return nil, apperr.Validation(fmt.Sprintf("%q rooms are not matched", kind))
	}
	mu.Lock()
	return mu.Unlock, nil
}

// Enqueue pairs participantID with the earliest compatible waiting entry or
// queues it. A participant who already has a live room of kind gets that room
// back, and a participant who is already queued keeps its original entry.
// Anyone else is turned away while the kind's matching window is closed.
func (q *Queue) Enqueue(ctx context.Context, participantID string, verified bool, kind models.Kind, class string, opts ...EnqueueOption) (*Result, error) {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	if participantID == "" {
		return nil, apperr.Validation("missing participant id")
	}
	class, err := q.rule.Normalize(class)
	if err != nil {
		return nil, err
	}
	unlock, err := q.lock(kind)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if res, err := q.existing(ctx, kind, participantID); res != nil || err != nil {
		return res, err
	}
	if err := q.checkWindow(kind, o.utcOffset); err != nil {
		return nil, err
	}

	entry := models.QueueEntry{
		ParticipantID: participantID,
		Kind:          kind,
		Class:         class,
		Verified:      verified,
		EnqueuedAt:    q.now(),
	}
	compatible := q.rule.Compatible(class)

	for attempt := 0; attempt < maxPairAttempts; attempt++ {
		out, err := q.store.MatchOrEnqueue(ctx, entry, compatible)
		if err != nil {
			return nil, err
		}
		if out.Partner == nil {
			if !out.AlreadyQueued {
				q.logger.Info("participant queued", "participant_id", participantID, "kind", kind, "class", class)
			}
			return &Result{Status: models.MatchQueued}, nil
		}

		partner := *out.Partner
		if _, err := q.rooms.ActiveRoom(ctx, kind, partner.ParticipantID); err == nil {
			q.logger.Warn("dropping queue entry of busy participant", "participant_id", partner.ParticipantID, "kind", kind)
			continue
		}

		room, err := q.rooms.CreateRoom(ctx, kind, []models.Member{
			{ParticipantID: partner.ParticipantID, Verified: partner.Verified, Connected: true},
			{ParticipantID: participantID, Verified: verified, Connected: true},
		}, registry.Metadata{CreatorID: partner.ParticipantID, Class: class})
		if err != nil {
			q.requeue(ctx, partner)
			return nil, err
		}

		q.logger.Info("participants matched",
			"room_id", room.ID,
			"kind", kind,
			"first", partner.ParticipantID,
			"second", participantID,
		)
		if q.onMatch != nil {
			q.onMatch(ctx, room)
		}
		return &Result{
			Status:    models.MatchMatched,
			RoomID:    room.ID,
			PartnerID: partner.ParticipantID,
			Room:      room,
			Created:   true,
		}, nil
	}

	// every popped partner was busy; wait for the next arrival
	if _, err := q.store.MatchOrEnqueue(ctx, entry, nil); err != nil {
		return nil, err
	}
	return &Result{Status: models.MatchQueued}, nil
}

// requeue puts back an entry that was popped but could not be seated.
func (q *Queue) requeue(ctx context.Context, entry models.QueueEntry) {
	if _, err := q.store.MatchOrEnqueue(ctx, entry, nil); err != nil {
		q.logger.Error("failed to requeue partner", "participant_id", entry.ParticipantID, "error", err)
	}
}

func (q *Queue) existing(ctx context.Context, kind models.Kind, participantID string) (*Result, error) {
	room, err := q.rooms.ActiveRoom(ctx, kind, participantID)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return matched(room, participantID), nil
}

func matched(room *models.Room, participantID string) *Result {
	res := &Result{Status: models.MatchMatched, RoomID: room.ID, Room: room}
	if others := room.Others(participantID); len(others) > 0 {
		res.PartnerID = others[0]
	}
	return res
}

// Withdraw removes participantID from the queue of kind. It is a no-op when
// the participant is not queued.
func (q *Queue) Withdraw(ctx context.Context, participantID string, kind models.Kind) error {
	unlock, err := q.lock(kind)
	if err != nil {
		return err
	}
	defer unlock()

	if err := q.store.Dequeue(ctx, kind, participantID); err != nil {
		return err
	}
	q.logger.Debug("participant withdrew", "participant_id", participantID, "kind", kind)
	return nil
}

// WithdrawAll removes participantID from every queue, used when its
// connection goes away.
func (q *Queue) WithdrawAll(ctx context.Context, participantID string) error {
	for kind := range q.kindLock {
		if err := q.Withdraw(ctx, participantID, kind); err != nil {
			return err
		}
	}
	return nil
}

// Status reports whether participantID is matched, queued or idle for kind.
// Clients use it only when their event channel is unavailable.
func (q *Queue) Status(ctx context.Context, participantID string, kind models.Kind) (*Result, error) {
	if !kind.Matchable() {
		return nil, apperr.Validation(fmt.Sprintf("%q rooms are not matched", kind))
	}
	if res, err := q.existing(ctx, kind, participantID); res != nil || err != nil {
		return res, err
	}
	_, err := q.store.QueuedEntry(ctx, kind, participantID)
	if apperr.Is(err, apperr.KindNotFound) {
		return &Result{Status: models.MatchIdle}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Result{Status: models.MatchQueued}, nil
}

// Sweep drops entries that waited longer than the queue TTL.
func (q *Queue) Sweep(ctx context.Context) ([]models.QueueEntry, error) {
	expired, err := q.store.ExpireQueue(ctx, q.now().Add(-q.ttl))
	if err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		q.logger.Info("expired queue entries", "count", len(expired))
	}
	return expired, nil
}
