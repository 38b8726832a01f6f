package store

import (
	"context"
	"sync"
	"time"

	"github.com/mossy-p/session-coordinator/internal/apperr"
	"github.com/mossy-p/session-coordinator/internal/models"
)

type memRoom struct {
	room    *models.Room
	expires time.Time
}

type memValue struct {
	value   string
	expires time.Time
}

type memQueue struct {
	entries map[string]models.QueueEntry // participantID -> entry
	classes map[string][]string          // class -> participantIDs in arrival order
	arrival map[string]uint64            // participantID -> sequence number
	seq     uint64
}

// MemoryStore is the process-local tier. It is also a complete Store on its
// own for single-process deployments and tests.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	rooms    map[string]memRoom
	codes    map[string]memValue
	bindings map[string]memValue // kind:participantID -> roomID
	queues   map[models.Kind]*memQueue
}

// NewMemoryStore creates an empty store. A nil clock means time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:      now,
		rooms:    make(map[string]memRoom),
		codes:    make(map[string]memValue),
		bindings: make(map[string]memValue),
		queues:   make(map[models.Kind]*memQueue),
	}
}

func bindingKey(kind models.Kind, participantID string) string {
	return string(kind) + ":" + participantID
}

func (s *MemoryStore) alive(expires time.Time) bool {
	return expires.IsZero() || s.now().Before(expires)
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) SaveRoom(ctx context.Context, room *models.Room, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = memRoom{room: room.Clone(), expires: s.expiry(ttl)}
	return nil
}

func (s *MemoryStore) LoadRoom(ctx context.Context, roomID string) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok || !s.alive(r.expires) {
		return nil, apperr.NotFound("room not found")
	}
	return r.room.Clone(), nil
}

func (s *MemoryStore) UpdateRoom(ctx context.Context, roomID string, fn UpdateFunc) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok || !s.alive(r.expires) {
		return nil, apperr.NotFound("room not found")
	}
	next := r.room.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.rooms[roomID] = memRoom{room: next, expires: r.expires}
	return next.Clone(), nil
}

func (s *MemoryStore) DeleteRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteRoomLocked(roomID)
	return nil
}

func (s *MemoryStore) deleteRoomLocked(roomID string) {
	r, ok := s.rooms[roomID]
	if !ok {
		return
	}
	delete(s.rooms, roomID)
	if c, ok := s.codes[r.room.Code]; ok && c.value == roomID {
		delete(s.codes, r.room.Code)
	}
	for _, m := range r.room.Members {
		key := bindingKey(r.room.Kind, m.ParticipantID)
		if b, ok := s.bindings[key]; ok && b.value == roomID {
			delete(s.bindings, key)
		}
	}
}

func (s *MemoryStore) ListRooms(ctx context.Context, kind models.Kind) ([]*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Room
	for _, r := range s.rooms {
		if r.room.Kind == kind && s.alive(r.expires) {
			out = append(out, r.room.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) ReserveCode(ctx context.Context, code, roomID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.codes[code]; ok && s.alive(c.expires) {
		return c.value == roomID, nil
	}
	s.codes[code] = memValue{value: roomID, expires: s.expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) ResolveCode(ctx context.Context, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok || !s.alive(c.expires) {
		return "", apperr.NotFound("invalid code")
	}
	return c.value, nil
}

// putCode overwrites a code mapping; used when mirroring the durable tier.
func (s *MemoryStore) putCode(code, roomID string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = memValue{value: roomID, expires: s.expiry(ttl)}
}

func (s *MemoryStore) dropCode(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, code)
}

func (s *MemoryStore) ReleaseCode(ctx context.Context, code, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.codes[code]; ok && c.value == roomID {
		delete(s.codes, code)
	}
	return nil
}

func (s *MemoryStore) ClaimParticipant(ctx context.Context, kind models.Kind, participantID, expect, roomID string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bindingKey(kind, participantID)
	current := ""
	if b, ok := s.bindings[key]; ok && s.alive(b.expires) {
		current = b.value
	}
	if current != expect && current != roomID {
		return current, nil
	}
	s.bindings[key] = memValue{value: roomID, expires: s.expiry(ttl)}
	return roomID, nil
}

// putBinding overwrites a binding; used when mirroring the durable tier.
func (s *MemoryStore) putBinding(kind models.Kind, participantID, roomID string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[bindingKey(kind, participantID)] = memValue{value: roomID, expires: s.expiry(ttl)}
}

func (s *MemoryStore) BoundRoom(ctx context.Context, kind models.Kind, participantID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[bindingKey(kind, participantID)]
	if !ok || !s.alive(b.expires) {
		return "", apperr.NotFound("no active room")
	}
	return b.value, nil
}

func (s *MemoryStore) UnbindParticipant(ctx context.Context, kind models.Kind, participantID, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bindingKey(kind, participantID)
	if b, ok := s.bindings[key]; ok && (roomID == "" || b.value == roomID) {
		delete(s.bindings, key)
	}
	return nil
}

func (s *MemoryStore) ExpireRooms(ctx context.Context, now time.Time) ([]*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*models.Room
	for id, r := range s.rooms {
		if r.room.IsExpired(now) || (!r.expires.IsZero() && !now.Before(r.expires)) {
			expired = append(expired, r.room.Clone())
			s.deleteRoomLocked(id)
		}
	}
	for code, c := range s.codes {
		if !c.expires.IsZero() && !now.Before(c.expires) {
			delete(s.codes, code)
		}
	}
	for key, b := range s.bindings {
		if !b.expires.IsZero() && !now.Before(b.expires) {
			delete(s.bindings, key)
		}
	}
	return expired, nil
}

func (s *MemoryStore) queue(kind models.Kind) *memQueue {
	q, ok := s.queues[kind]
	if !ok {
		q = &memQueue{
			entries: make(map[string]models.QueueEntry),
			classes: make(map[string][]string),
			arrival: make(map[string]uint64),
		}
		s.queues[kind] = q
	}
	return q
}

func (s *MemoryStore) MatchOrEnqueue(ctx context.Context, entry models.QueueEntry, compatible []string) (*MatchOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(entry.Kind)
	if existing, ok := q.entries[entry.ParticipantID]; ok {
		return &MatchOutcome{Entry: &existing, AlreadyQueued: true}, nil
	}

	var (
		best      *models.QueueEntry
		bestClass string
	)
	for _, class := range compatible {
		ids := q.classes[class]
		if len(ids) == 0 {
			continue
		}
		head := q.entries[ids[0]]
		if best == nil || q.arrival[head.ParticipantID] < q.arrival[best.ParticipantID] {
			h := head
			best, bestClass = &h, class
		}
	}

	if best != nil {
		q.classes[bestClass] = q.classes[bestClass][1:]
		delete(q.entries, best.ParticipantID)
		delete(q.arrival, best.ParticipantID)
		return &MatchOutcome{Partner: best}, nil
	}

	q.seq++
	q.arrival[entry.ParticipantID] = q.seq
	q.classes[entry.Class] = append(q.classes[entry.Class], entry.ParticipantID)
	q.entries[entry.ParticipantID] = entry

	e := entry
	return &MatchOutcome{Entry: &e}, nil
}

func (s *MemoryStore) QueuedEntry(ctx context.Context, kind models.Kind, participantID string) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue(kind).entries[participantID]
	if !ok {
		return nil, apperr.NotFound("not queued")
	}
	return &e, nil
}

func (s *MemoryStore) Dequeue(ctx context.Context, kind models.Kind, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dequeueLocked(s.queue(kind), participantID)
	return nil
}

func (s *MemoryStore) dequeueLocked(q *memQueue, participantID string) {
	e, ok := q.entries[participantID]
	if !ok {
		return
	}
	delete(q.entries, participantID)
	delete(q.arrival, participantID)
	ids := q.classes[e.Class]
	for i, id := range ids {
		if id == participantID {
			q.classes[e.Class] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

func (s *MemoryStore) ExpireQueue(ctx context.Context, cutoff time.Time) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []models.QueueEntry
	for _, q := range s.queues {
		for id, e := range q.entries {
			if e.EnqueuedAt.Before(cutoff) {
				expired = append(expired, e)
				s.dequeueLocked(q, id)
			}
		}
	}
	return expired, nil
}
