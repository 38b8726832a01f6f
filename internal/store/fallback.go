package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mossy-p/session-coordinator/internal/apperr"
	"github.com/mossy-p/session-coordinator/internal/models"
)

// FallbackStore composes the durable tier with the process-local tier.
//
// Local copies of entries that also reached the durable tier are never served
// while the durable tier answers: a durable miss evicts them. Only entries
// written while the durable tier was unreachable ("degraded" keys) are served
// from the local tier on a miss. This keeps a reachable durable store the only
// authority and makes the local tier a strict fallback.
type FallbackStore struct {
	durable Store
	local   *MemoryStore
	logger  *slog.Logger

	mu       sync.Mutex
	degraded map[string]struct{}
}

func NewFallbackStore(durable Store, local *MemoryStore, logger *slog.Logger) *FallbackStore {
	return &FallbackStore{
		durable:  durable,
		local:    local,
		logger:   logger,
		degraded: make(map[string]struct{}),
	}
}

// DegradedKeys returns how many entries currently live only in the local tier.
func (s *FallbackStore) DegradedKeys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.degraded)
}

func (s *FallbackStore) markDegraded(key string) {
	s.mu.Lock()
	s.degraded[key] = struct{}{}
	s.mu.Unlock()
}

func (s *FallbackStore) clearDegraded(key string) {
	s.mu.Lock()
	delete(s.degraded, key)
	s.mu.Unlock()
}

func (s *FallbackStore) isDegraded(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.degraded[key]
	return ok
}

func isUnavailable(err error) bool {
	return apperr.Is(err, apperr.KindUnavailable)
}

func (s *FallbackStore) warn(op, key string, err error) {
	s.logger.Warn("durable store unavailable, using local cache", "op", op, "key", key, "error", err)
}

func roomKey(id string) string { return "room:" + id }
func codeKey(c string) string  { return "code:" + c }
func bindKey(kind models.Kind, participantID string) string {
	return "bind:" + bindingKey(kind, participantID)
}
func queueKey(kind models.Kind, participantID string) string {
	return "queue:" + bindingKey(kind, participantID)
}

// write folds the result of a durable write. Unavailability is logged and the
// key is remembered as living only in the local tier.
func (s *FallbackStore) write(op, key string, err error) error {
	switch {
	case err == nil:
		s.clearDegraded(key)
		return nil
	case isUnavailable(err):
		s.warn(op, key, err)
		s.markDegraded(key)
		return nil
	default:
		return err
	}
}

// readLocal decides whether a failed durable read should be answered locally.
func (s *FallbackStore) readLocal(op, key string, err error) bool {
	if isUnavailable(err) {
		s.warn(op, key, err)
		return true
	}
	return apperr.Is(err, apperr.KindNotFound) && s.isDegraded(key)
}

func (s *FallbackStore) ttlUntil(t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	ttl := t.Sub(s.local.now())
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	return ttl
}

func (s *FallbackStore) SaveRoom(ctx context.Context, room *models.Room, ttl time.Duration) error {
	err := s.durable.SaveRoom(ctx, room, ttl)
	if lerr := s.local.SaveRoom(ctx, room, ttl); lerr != nil {
		return lerr
	}
	return s.write("save room", roomKey(room.ID), err)
}

func (s *FallbackStore) LoadRoom(ctx context.Context, roomID string) (*models.Room, error) {
	room, err := s.durable.LoadRoom(ctx, roomID)
	if err == nil {
		_ = s.local.SaveRoom(ctx, room, s.ttlUntil(room.ExpiresAt))
		return room, nil
	}
	if s.readLocal("load room", roomKey(roomID), err) {
		return s.local.LoadRoom(ctx, roomID)
	}
	if apperr.Is(err, apperr.KindNotFound) {
		_ = s.local.DeleteRoom(ctx, roomID)
	}
	return nil, err
}

func (s *FallbackStore) UpdateRoom(ctx context.Context, roomID string, fn UpdateFunc) (*models.Room, error) {
	key := roomKey(roomID)
	room, err := s.durable.UpdateRoom(ctx, roomID, fn)
	if err == nil {
		_ = s.local.SaveRoom(ctx, room, s.ttlUntil(room.ExpiresAt))
		return room, nil
	}
	if s.readLocal("update room", key, err) {
		room, lerr := s.local.UpdateRoom(ctx, roomID, fn)
		if lerr == nil && isUnavailable(err) {
			s.markDegraded(key)
		}
		return room, lerr
	}
	if apperr.Is(err, apperr.KindNotFound) {
		_ = s.local.DeleteRoom(ctx, roomID)
	}
	return nil, err
}

func (s *FallbackStore) DeleteRoom(ctx context.Context, roomID string) error {
	err := s.durable.DeleteRoom(ctx, roomID)
	if lerr := s.local.DeleteRoom(ctx, roomID); lerr != nil {
		return lerr
	}
	if err != nil && !isUnavailable(err) {
		return err
	}
	if err != nil {
		s.warn("delete room", roomKey(roomID), err)
	}
	s.clearDegraded(roomKey(roomID))
	return nil
}

// ListRooms answers from the durable tier plus rooms that only reached the
// local tier. With the durable tier down it answers locally.
func (s *FallbackStore) ListRooms(ctx context.Context, kind models.Kind) ([]*models.Room, error) {
	rooms, err := s.durable.ListRooms(ctx, kind)
	if err != nil && !isUnavailable(err) {
		return nil, err
	}
	if err != nil {
		s.warn("list rooms", "room:*", err)
		return s.local.ListRooms(ctx, kind)
	}
	local, lerr := s.local.ListRooms(ctx, kind)
	if lerr != nil {
		return nil, lerr
	}
	seen := make(map[string]bool, len(rooms))
	for _, r := range rooms {
		seen[r.ID] = true
	}
	for _, r := range local {
		if !seen[r.ID] && s.isDegraded(roomKey(r.ID)) {
			rooms = append(rooms, r)
		}
	}
	return rooms, nil
}

func (s *FallbackStore) ReserveCode(ctx context.Context, code, roomID string, ttl time.Duration) (bool, error) {
	key := codeKey(code)
	ok, err := s.durable.ReserveCode(ctx, code, roomID, ttl)
	switch {
	case err == nil:
		if ok {
			s.local.putCode(code, roomID, ttl)
			s.clearDegraded(key)
		}
		return ok, nil
	case isUnavailable(err):
		s.warn("reserve code", key, err)
		ok, lerr := s.local.ReserveCode(ctx, code, roomID, ttl)
		if ok && lerr == nil {
			s.markDegraded(key)
		}
		return ok, lerr
	default:
		return false, err
	}
}

func (s *FallbackStore) ResolveCode(ctx context.Context, code string) (string, error) {
	id, err := s.durable.ResolveCode(ctx, code)
	if err == nil {
		return id, nil
	}
	if s.readLocal("resolve code", codeKey(code), err) {
		return s.local.ResolveCode(ctx, code)
	}
	if apperr.Is(err, apperr.KindNotFound) {
		s.local.dropCode(code)
	}
	return "", err
}

func (s *FallbackStore) ReleaseCode(ctx context.Context, code, roomID string) error {
	err := s.durable.ReleaseCode(ctx, code, roomID)
	if lerr := s.local.ReleaseCode(ctx, code, roomID); lerr != nil {
		return lerr
	}
	if err != nil && !isUnavailable(err) {
		return err
	}
	if err != nil {
		s.warn("release code", codeKey(code), err)
		return nil
	}
	s.clearDegraded(codeKey(code))
	return nil
}

func (s *FallbackStore) ClaimParticipant(ctx context.Context, kind models.Kind, participantID, expect, roomID string, ttl time.Duration) (string, error) {
	key := bindKey(kind, participantID)
	holder, err := s.durable.ClaimParticipant(ctx, kind, participantID, expect, roomID, ttl)
	switch {
	case err == nil:
		if holder == roomID {
			s.local.putBinding(kind, participantID, roomID, ttl)
			s.clearDegraded(key)
		}
		return holder, nil
	case isUnavailable(err):
		s.warn("claim participant", key, err)
		holder, lerr := s.local.ClaimParticipant(ctx, kind, participantID, expect, roomID, ttl)
		if lerr == nil && holder == roomID {
			s.markDegraded(key)
		}
		return holder, lerr
	default:
		return "", err
	}
}

func (s *FallbackStore) BoundRoom(ctx context.Context, kind models.Kind, participantID string) (string, error) {
	id, err := s.durable.BoundRoom(ctx, kind, participantID)
	if err == nil {
		return id, nil
	}
	if s.readLocal("read binding", bindKey(kind, participantID), err) {
		return s.local.BoundRoom(ctx, kind, participantID)
	}
	if apperr.Is(err, apperr.KindNotFound) {
		_ = s.local.UnbindParticipant(ctx, kind, participantID, "")
	}
	return "", err
}

func (s *FallbackStore) UnbindParticipant(ctx context.Context, kind models.Kind, participantID, roomID string) error {
	err := s.durable.UnbindParticipant(ctx, kind, participantID, roomID)
	if lerr := s.local.UnbindParticipant(ctx, kind, participantID, roomID); lerr != nil {
		return lerr
	}
	if err != nil && !isUnavailable(err) {
		return err
	}
	if err != nil {
		s.warn("unbind participant", bindKey(kind, participantID), err)
		return nil
	}
	s.clearDegraded(bindKey(kind, participantID))
	return nil
}

func (s *FallbackStore) ExpireRooms(ctx context.Context, now time.Time) ([]*models.Room, error) {
	expired, err := s.durable.ExpireRooms(ctx, now)
	if err != nil && !isUnavailable(err) {
		return nil, err
	}
	local, lerr := s.local.ExpireRooms(ctx, now)
	if lerr != nil {
		return nil, lerr
	}

	seen := make(map[string]bool, len(expired))
	for _, r := range expired {
		seen[r.ID] = true
	}
	for _, r := range local {
		s.clearDegraded(roomKey(r.ID))
		s.clearDegraded(codeKey(r.Code))
		if !seen[r.ID] {
			expired = append(expired, r)
		}
	}
	return expired, nil
}

// Queue entries are not mirrored: a mirrored entry could be matched locally
// after another process already popped it from the durable queue. The local
// queue only holds entries accepted while the durable tier was unreachable.
func (s *FallbackStore) MatchOrEnqueue(ctx context.Context, entry models.QueueEntry, compatible []string) (*MatchOutcome, error) {
	key := queueKey(entry.Kind, entry.ParticipantID)
	out, err := s.durable.MatchOrEnqueue(ctx, entry, compatible)
	if err == nil {
		if s.isDegraded(key) {
			_ = s.local.Dequeue(ctx, entry.Kind, entry.ParticipantID)
			s.clearDegraded(key)
		}
		return out, nil
	}
	if !isUnavailable(err) {
		return nil, err
	}

	s.warn("match or enqueue", key, err)
	out, lerr := s.local.MatchOrEnqueue(ctx, entry, compatible)
	if lerr != nil {
		return nil, lerr
	}
	if out.Partner != nil {
		s.clearDegraded(queueKey(entry.Kind, out.Partner.ParticipantID))
	} else {
		s.markDegraded(key)
	}
	return out, nil
}

func (s *FallbackStore) QueuedEntry(ctx context.Context, kind models.Kind, participantID string) (*models.QueueEntry, error) {
	e, err := s.durable.QueuedEntry(ctx, kind, participantID)
	if err == nil {
		return e, nil
	}
	if s.readLocal("read queue entry", queueKey(kind, participantID), err) {
		return s.local.QueuedEntry(ctx, kind, participantID)
	}
	return nil, err
}

func (s *FallbackStore) Dequeue(ctx context.Context, kind models.Kind, participantID string) error {
	err := s.durable.Dequeue(ctx, kind, participantID)
	if lerr := s.local.Dequeue(ctx, kind, participantID); lerr != nil {
		return lerr
	}
	if err != nil && !isUnavailable(err) {
		return err
	}
	if err != nil {
		s.warn("dequeue", queueKey(kind, participantID), err)
		return nil
	}
	s.clearDegraded(queueKey(kind, participantID))
	return nil
}

func (s *FallbackStore) ExpireQueue(ctx context.Context, cutoff time.Time) ([]models.QueueEntry, error) {
	expired, err := s.durable.ExpireQueue(ctx, cutoff)
	if err != nil && !isUnavailable(err) {
		return nil, err
	}
	local, lerr := s.local.ExpireQueue(ctx, cutoff)
	if lerr != nil {
		return nil, lerr
	}
	for _, e := range local {
		s.clearDegraded(queueKey(e.Kind, e.ParticipantID))
	}
	return append(expired, local...), nil
}
