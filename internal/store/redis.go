package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mossy-p/session-coordinator/internal/apperr"
	"github.com/mossy-p/session-coordinator/internal/models"
	"github.com/redis/go-redis/v9"
)

const maxUpdateRetries = 8

// matchOrEnqueueScript runs the whole pairing decision inside Redis so two
// processes can never pop the same partner.
//
// KEYS[1] entries hash, KEYS[2] arrival counter, KEYS[3] caller's class zset,
// KEYS[4..] compatible zsets. ARGV[1] participantID, ARGV[2] entry JSON.
// Scores come from the counter so equal timestamps still pop in arrival order.
var matchOrEnqueueScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[1], ARGV[1])
if existing then
  return {'existing', existing}
end
for attempt = 1, 16 do
  local bestKey, bestMember, bestScore
  for i = 4, #KEYS do
    local head = redis.call('ZRANGE', KEYS[i], 0, 0, 'WITHSCORES')
    if head[1] then
      local score = tonumber(head[2])
      if bestScore == nil or score < bestScore then
        bestKey, bestMember, bestScore = KEYS[i], head[1], score
      end
    end
  end
  if not bestMember then
    break
  end
  redis.call('ZREM', bestKey, bestMember)
  local partner = redis.call('HGET', KEYS[1], bestMember)
  redis.call('HDEL', KEYS[1], bestMember)
  if partner then
    return {'matched', partner}
  end
end
local seq = redis.call('INCR', KEYS[2])
redis.call('ZADD', KEYS[3], seq, ARGV[1])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return {'queued', ARGV[2]}
`)

// deleteIfEqualsScript deletes KEYS[1] only while it still holds ARGV[1].
var deleteIfEqualsScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// claimScript sets KEYS[1] to ARGV[2] while it is unset, holds ARGV[1], or
// already holds ARGV[2]. It returns the value in force afterwards.
// ARGV[3] is the TTL in milliseconds, 0 for none.
var claimScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false then
  cur = ''
end
if cur == ARGV[1] or cur == ARGV[2] then
  if tonumber(ARGV[3]) > 0 then
    redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
  else
    redis.call('SET', KEYS[1], ARGV[2])
  end
  return ARGV[2]
end
return cur
`)

// RedisStore is the durable tier. Rooms are JSON values with a key TTL, so
// expiry on this tier needs no sweep.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "coord:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) roomKey(id string) string { return s.prefix + "room:" + id }
func (s *RedisStore) codeKey(code string) string {
	return s.prefix + "code:" + code
}
func (s *RedisStore) bindKey(kind models.Kind, participantID string) string {
	return s.prefix + "bind:" + string(kind) + ":" + participantID
}

// Queue keys of one kind share a hash tag so the match script stays in one slot.
func (s *RedisStore) entriesKey(kind models.Kind) string {
	return s.prefix + "{queue:" + string(kind) + "}:entries"
}
func (s *RedisStore) seqKey(kind models.Kind) string {
	return s.prefix + "{queue:" + string(kind) + "}:seq"
}
func (s *RedisStore) classKey(kind models.Kind, class string) string {
	return s.prefix + "{queue:" + string(kind) + "}:class:" + class
}

func unavailable(op string, err error) error {
	return apperr.Unavailable("durable store "+op+" failed", err)
}

func (s *RedisStore) SaveRoom(ctx context.Context, room *models.Room, ttl time.Duration) error {
	data, err := json.Marshal(room)
	if err != nil {
		return apperr.Internal("failed to encode room", err)
	}
	if err := s.rdb.Set(ctx, s.roomKey(room.ID), data, ttl).Err(); err != nil {
		return unavailable("save room", err)
	}
	return nil
}

func (s *RedisStore) LoadRoom(ctx context.Context, roomID string) (*models.Room, error) {
	data, err := s.rdb.Get(ctx, s.roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperr.NotFound("room not found")
	}
	if err != nil {
		return nil, unavailable("load room", err)
	}
	return decodeRoom(data)
}

func decodeRoom(data []byte) (*models.Room, error) {
	var room models.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, apperr.Internal("corrupt room record", err)
	}
	return &room, nil
}

// UpdateRoom is an optimistic WATCH/MULTI read-modify-write that keeps the key's TTL.
func (s *RedisStore) UpdateRoom(ctx context.Context, roomID string, fn UpdateFunc) (*models.Room, error) {
	key := s.roomKey(roomID)
	var (
		updated *models.Room
		fnErr   error
	)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		room, err := decodeRoom(data)
		if err != nil {
			fnErr = err
			return err
		}
		if err := fn(room); err != nil {
			fnErr = err
			return err
		}
		out, err := json.Marshal(room)
		if err != nil {
			fnErr = apperr.Internal("failed to encode room", err)
			return fnErr
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, redis.KeepTTL)
			return nil
		})
		if err == nil {
			updated = room
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		fnErr = nil
		err := s.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return updated, nil
		case fnErr != nil:
			return nil, fnErr
		case errors.Is(err, redis.Nil):
			return nil, apperr.NotFound("room not found")
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return nil, unavailable("update room", err)
		}
	}
	return nil, apperr.Conflict("room is busy, try again")
}

func (s *RedisStore) DeleteRoom(ctx context.Context, roomID string) error {
	room, err := s.LoadRoom(ctx, roomID)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil
	}
	if apperr.Is(err, apperr.KindInternal) {
		// unreadable record: its code and bindings lapse with their TTL
		if err := s.rdb.Del(ctx, s.roomKey(roomID)).Err(); err != nil {
			return unavailable("delete room", err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.rdb.Del(ctx, s.roomKey(roomID)).Err(); err != nil {
		return unavailable("delete room", err)
	}
	if err := deleteIfEqualsScript.Run(ctx, s.rdb, []string{s.codeKey(room.Code)}, roomID).Err(); err != nil {
		return unavailable("release code", err)
	}
	for _, m := range room.Members {
		if err := s.UnbindParticipant(ctx, room.Kind, m.ParticipantID, roomID); err != nil {
			return err
		}
	}
	return nil
}

const listBatch = 100

// ListRooms walks the room keyspace with SCAN. Unreadable records are skipped.
func (s *RedisStore) ListRooms(ctx context.Context, kind models.Kind) ([]*models.Room, error) {
	var (
		out    []*models.Room
		cursor uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.prefix+"room:*", listBatch).Result()
		if err != nil {
			return nil, unavailable("scan rooms", err)
		}
		if len(keys) > 0 {
			cmds, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, k := range keys {
					pipe.Get(ctx, k)
				}
				return nil
			})
			if err != nil && !errors.Is(err, redis.Nil) {
				return nil, unavailable("list rooms", err)
			}
			for _, c := range cmds {
				raw, err := c.(*redis.StringCmd).Bytes()
				if err != nil {
					continue // expired between SCAN and GET
				}
				room, err := decodeRoom(raw)
				if err != nil || room.Kind != kind {
					continue
				}
				out = append(out, room)
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func (s *RedisStore) ReserveCode(ctx context.Context, code, roomID string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.codeKey(code), roomID, ttl).Result()
	if err != nil {
		return false, unavailable("reserve code", err)
	}
	return ok, nil
}

func (s *RedisStore) ResolveCode(ctx context.Context, code string) (string, error) {
	id, err := s.rdb.Get(ctx, s.codeKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return "", apperr.NotFound("invalid code")
	}
	if err != nil {
		return "", unavailable("resolve code", err)
	}
	return id, nil
}

func (s *RedisStore) ReleaseCode(ctx context.Context, code, roomID string) error {
	if err := deleteIfEqualsScript.Run(ctx, s.rdb, []string{s.codeKey(code)}, roomID).Err(); err != nil {
		return unavailable("release code", err)
	}
	return nil
}

func (s *RedisStore) ClaimParticipant(ctx context.Context, kind models.Kind, participantID, expect, roomID string, ttl time.Duration) (string, error) {
	ms := strconv.FormatInt(ttl.Milliseconds(), 10)
	holder, err := claimScript.Run(ctx, s.rdb, []string{s.bindKey(kind, participantID)}, expect, roomID, ms).Text()
	if err != nil {
		return "", unavailable("claim participant", err)
	}
	return holder, nil
}

func (s *RedisStore) BoundRoom(ctx context.Context, kind models.Kind, participantID string) (string, error) {
	id, err := s.rdb.Get(ctx, s.bindKey(kind, participantID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", apperr.NotFound("no active room")
	}
	if err != nil {
		return "", unavailable("read binding", err)
	}
	return id, nil
}

func (s *RedisStore) UnbindParticipant(ctx context.Context, kind models.Kind, participantID, roomID string) error {
	key := s.bindKey(kind, participantID)
	var err error
	if roomID == "" {
		err = s.rdb.Del(ctx, key).Err()
	} else {
		err = deleteIfEqualsScript.Run(ctx, s.rdb, []string{key}, roomID).Err()
	}
	if err != nil {
		return unavailable("unbind participant", err)
	}
	return nil
}

// ExpireRooms is a no-op: every durable key carries its own TTL.
func (s *RedisStore) ExpireRooms(ctx context.Context, now time.Time) ([]*models.Room, error) {
	return nil, nil
}

func (s *RedisStore) MatchOrEnqueue(ctx context.Context, entry models.QueueEntry, compatible []string) (*MatchOutcome, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, apperr.Internal("failed to encode queue entry", err)
	}

	keys := make([]string, 0, len(compatible)+3)
	keys = append(keys, s.entriesKey(entry.Kind), s.seqKey(entry.Kind), s.classKey(entry.Kind, entry.Class))
	for _, class := range compatible {
		keys = append(keys, s.classKey(entry.Kind, class))
	}

	res, err := matchOrEnqueueScript.Run(ctx, s.rdb, keys, entry.ParticipantID, string(data)).StringSlice()
	if err != nil {
		return nil, unavailable("match or enqueue", err)
	}
	if len(res) != 2 {
		return nil, apperr.Internal("unexpected match script reply", fmt.Errorf("reply %v", res))
	}

	var got models.QueueEntry
	if err := json.Unmarshal([]byte(res[1]), &got); err != nil {
		return nil, apperr.Internal("corrupt queue entry", err)
	}
	switch res[0] {
	case "matched":
		return &MatchOutcome{Partner: &got}, nil
	case "existing":
		return &MatchOutcome{Entry: &got, AlreadyQueued: true}, nil
	default:
		return &MatchOutcome{Entry: &got}, nil
	}
}

func (s *RedisStore) QueuedEntry(ctx context.Context, kind models.Kind, participantID string) (*models.QueueEntry, error) {
	data, err := s.rdb.HGet(ctx, s.entriesKey(kind), participantID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperr.NotFound("not queued")
	}
	if err != nil {
		return nil, unavailable("read queue entry", err)
	}
	var e models.QueueEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, apperr.Internal("corrupt queue entry", err)
	}
	return &e, nil
}

func (s *RedisStore) Dequeue(ctx context.Context, kind models.Kind, participantID string) error {
	e, err := s.QueuedEntry(ctx, kind, participantID)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.classKey(kind, e.Class), participantID)
		pipe.HDel(ctx, s.entriesKey(kind), participantID)
		return nil
	})
	if err != nil {
		return unavailable("dequeue", err)
	}
	return nil
}

func (s *RedisStore) ExpireQueue(ctx context.Context, cutoff time.Time) ([]models.QueueEntry, error) {
	var expired []models.QueueEntry
	for _, kind := range models.Kinds {
		if !kind.Matchable() {
			continue
		}
		all, err := s.rdb.HGetAll(ctx, s.entriesKey(kind)).Result()
		if err != nil {
			return expired, unavailable("scan queue", err)
		}
		for id, raw := range all {
			var e models.QueueEntry
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				if err := s.rdb.HDel(ctx, s.entriesKey(kind), id).Err(); err != nil {
					return expired, unavailable("drop corrupt queue entry", err)
				}
				continue
			}
			if !e.EnqueuedAt.Before(cutoff) {
				continue
			}
			if err := s.Dequeue(ctx, kind, id); err != nil {
				return expired, err
			}
			expired = append(expired, e)
		}
	}
	return expired, nil
}
