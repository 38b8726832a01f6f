package registry

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/session-coordinator/internal/apperr"
	"github.com/mossy-p/session-coordinator/internal/codegen"
	"github.com/mossy-p/session-coordinator/internal/models"
	"github.com/mossy-p/session-coordinator/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRegistry(t *testing.T, opts ...Option) (*Registry, *clock) {
	t.Helper()
	c := newClock()
	opts = append([]Option{WithClock(c.now)}, opts...)
	return New(store.NewMemoryStore(c.now), discardLogger(), opts...), c
}

func members(ids ...string) []models.Member {
	out := make([]models.Member, len(ids))
	for i, id := range ids {
		out[i] = models.Member{ParticipantID: id, Connected: true}
	}
	return out
}

func seat(id string, verified bool) models.Member {
	return models.Member{ParticipantID: id, Verified: verified, Connected: true}
}

func TestCreateRoom_MatchedChat(t *testing.T) {
	ctx := context.Background()
	reg, c := newRegistry(t)

	room, err := reg.CreateRoom(ctx, models.KindChat, members("a", "b"), Metadata{Class: "any"})
	require.NoError(t, err)

	assert.NotEmpty(t, room.ID)
	assert.True(t, codegen.Valid(room.Code))
	assert.Equal(t, models.RoomActive, room.Status)
	assert.Equal(t, "a", room.CreatorID)
	assert.Equal(t, c.t.Add(time.Hour), room.ExpiresAt)
	for _, m := range room.Members {
		assert.Equal(t, models.RolePeer, m.Role)
		assert.True(t, m.Connected)
	}

	active, err := reg.ActiveRoom(ctx, models.KindChat, "b")
	require.NoError(t, err)
	assert.Equal(t, room.ID, active.ID)

	_, err = reg.ActiveRoom(ctx, models.KindGame, "b")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestCreateRoom_Validation(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	tests := []struct {
		name    string
		kind    models.Kind
		members []models.Member
		meta    Metadata
	}{
		{"unknown kind", models.Kind("poker"), members("a"), Metadata{}},
		{"no members", models.KindChat, nil, Metadata{}},
		{"too many for chat", models.KindChat, members("a", "b", "c"), Metadata{}},
		{"duplicate member", models.KindGame, members("a", "a"), Metadata{}},
		{"playback too large", models.KindPlayback, members("a"), Metadata{MaxMembers: 17}},
		{"playback too small", models.KindPlayback, members("a"), Metadata{MaxMembers: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.CreateRoom(ctx, tt.kind, tt.members, tt.meta)
			assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
		})
	}
}

func TestCreateRoom_OneActiveRoomPerKind(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	_, err := reg.CreateRoom(ctx, models.KindGame, members("a"), Metadata{})
	require.NoError(t, err)

	_, err = reg.CreateRoom(ctx, models.KindGame, members("b", "a"), Metadata{})
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	_, err = reg.ActiveRoom(ctx, models.KindGame, "b")
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "a failed create releases the members it claimed")

	_, err = reg.CreateRoom(ctx, models.KindChat, members("a"), Metadata{})
	assert.NoError(t, err, "other kinds are independent")
}

func TestCodeRoundTripUntilExpiry(t *testing.T) {
	ctx := context.Background()
	codes := codegen.New(codegen.WithRandom(bytes.NewReader([]byte{4, 8, 2, 9, 1, 3})))
	reg, c := newRegistry(t, WithCodes(codes), WithTTL(time.Hour))

	room, err := reg.CreateRoom(ctx, models.KindPlayback, members("host"), Metadata{MediaRef: "video-1"})
	require.NoError(t, err)
	require.Equal(t, "482913", room.Code)

	got, err := reg.GetRoomByCode(ctx, "482913")
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.ID)

	c.advance(3599 * time.Second)
	_, err = reg.GetRoomByCode(ctx, "482913")
	require.NoError(t, err)

	c.advance(2 * time.Second)
	_, err = reg.GetRoomByCode(ctx, "482913")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestGetRoom_ExpiredAfterTTL(t *testing.T) {
	ctx := context.Background()
	reg, c := newRegistry(t, WithTTL(3600*time.Second))

	room, err := reg.CreateRoom(ctx, models.KindChat, members("a"), Metadata{})
	require.NoError(t, err)

	c.advance(3601 * time.Second)
	_, err = reg.GetRoom(ctx, room.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	expired, err := reg.Expire(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, room.ID, expired[0].ID)
}

func TestGetRoomByCode_InvalidCode(t *testing.T) {
	reg, _ := newRegistry(t)

	_, err := reg.GetRoomByCode(context.Background(), "abc")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Equal(t, "invalid code", apperr.Reason(err))

	_, err = reg.GetRoomByCode(context.Background(), "000000")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestJoinRoom_GameSeats(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	room, err := reg.CreateRoom(ctx, models.KindGame, members("white"), Metadata{})
	require.NoError(t, err)
	assert.Equal(t, models.RoomWaiting, room.Status)
	assert.Equal(t, models.GameWaiting, room.Game.Status)
	assert.Equal(t, models.RoleWhite, room.Members[0].Role)

	res, err := reg.JoinRoom(ctx, room.Code, seat("black", true))
	require.NoError(t, err)
	assert.Equal(t, models.RoleBlack, res.Role)
	assert.False(t, res.Reconnect)
	assert.Equal(t, models.RoomActive, res.Room.Status)
	assert.Equal(t, models.GameActive, res.Room.Game.Status)

	_, err = reg.JoinRoom(ctx, room.Code, seat("third", false))
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.Equal(t, "room full", apperr.Reason(err))

	active, err := reg.ActiveRoom(ctx, models.KindGame, "black")
	require.NoError(t, err)
	assert.Equal(t, room.ID, active.ID)
}

func TestJoinRoom_ReconnectKeepsSeat(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	room, err := reg.CreateRoom(ctx, models.KindGame, members("a", "b"), Metadata{})
	require.NoError(t, err)

	left, allGone, err := reg.LeaveRoom(ctx, room.ID, "b")
	require.NoError(t, err)
	assert.False(t, allGone)
	m, _ := left.Member("b")
	assert.False(t, m.Connected)

	res, err := reg.JoinRoom(ctx, room.Code, seat("b", false))
	require.NoError(t, err)
	assert.True(t, res.Reconnect)
	assert.Equal(t, models.RoleBlack, res.Role)
	assert.Len(t, res.Room.Members, 2)
	m, _ = res.Room.Member("b")
	assert.True(t, m.Connected)
}

func TestJoinRoom_ConflictWithOtherActiveRoom(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	_, err := reg.CreateRoom(ctx, models.KindChat, members("a"), Metadata{})
	require.NoError(t, err)
	other, err := reg.CreateRoom(ctx, models.KindChat, members("b"), Metadata{})
	require.NoError(t, err)

	_, err = reg.JoinRoom(ctx, other.Code, seat("a", false))
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestJoinRoom_PlaybackCapacity(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	room, err := reg.CreateRoom(ctx, models.KindPlayback, members("host"), Metadata{MaxMembers: 3, MediaRef: "m"})
	require.NoError(t, err)
	assert.Equal(t, models.RoomActive, room.Status)
	assert.Equal(t, models.RoleHost, room.Members[0].Role)
	assert.Equal(t, "host", room.Playback.HostID)

	for _, id := range []string{"f1", "f2"} {
		res, err := reg.JoinRoom(ctx, room.Code, seat(id, false))
		require.NoError(t, err)
		assert.Equal(t, models.RoleFollower, res.Role)
	}
	_, err = reg.JoinRoom(ctx, room.Code, seat("f3", false))
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestLeaveRoom_AllDeparted(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	room, err := reg.CreateRoom(ctx, models.KindPlayback, members("host"), Metadata{})
	require.NoError(t, err)

	_, allGone, err := reg.LeaveRoom(ctx, room.ID, "host")
	require.NoError(t, err)
	assert.True(t, allGone)

	_, _, err = reg.LeaveRoom(ctx, room.ID, "stranger")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestEndRoom_ReleasesCodeAndBindings(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	room, err := reg.CreateRoom(ctx, models.KindChat, members("a", "b"), Metadata{})
	require.NoError(t, err)

	ended, err := reg.EndRoom(ctx, room.ID, "left")
	require.NoError(t, err)
	assert.Equal(t, models.RoomClosed, ended.Status)

	_, err = reg.GetRoom(ctx, room.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = reg.GetRoomByCode(ctx, room.Code)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = reg.ActiveRoom(ctx, models.KindChat, "a")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = reg.CreateRoom(ctx, models.KindChat, members("a", "b"), Metadata{})
	assert.NoError(t, err, "members are free again")
}

func TestUpdate_RejectsClosedRoom(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	room, err := reg.CreateRoom(ctx, models.KindPlayback, members("host"), Metadata{})
	require.NoError(t, err)

	updated, err := reg.Update(ctx, room.ID, func(rm *models.Room) error {
		rm.Playback.IsPlaying = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, updated.Playback.IsPlaying)

	_, err = reg.Update(ctx, room.ID, func(rm *models.Room) error {
		rm.Status = models.RoomClosed
		return nil
	})
	require.NoError(t, err)

	_, err = reg.Update(ctx, room.ID, func(rm *models.Room) error { return nil })
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestCreateRoom_DurableOutageFallsBackLocally(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	st := store.NewFallbackStore(store.NewRedisStore(rdb, ""), store.NewMemoryStore(nil), discardLogger())
	reg := New(st, discardLogger())
	mr.Close()

	room, err := reg.CreateRoom(ctx, models.KindGame, members("a"), Metadata{})
	require.NoError(t, err)

	got, err := reg.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, room.Code, got.Code)

	res, err := reg.JoinRoom(ctx, room.Code, seat("b", false))
	require.NoError(t, err)
	assert.Equal(t, models.RoomActive, res.Room.Status)
}

func TestEndRoom_DiscardsCorruptRecord(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	reg := New(store.NewRedisStore(rdb, ""), discardLogger())

	room, err := reg.CreateRoom(ctx, models.KindChat, members("a", "b"), Metadata{})
	require.NoError(t, err)
	require.NoError(t, mr.Set("coord:room:"+room.ID, "{not json"))

	_, err = reg.GetRoom(ctx, room.ID)
	require.True(t, apperr.Is(err, apperr.KindInternal))

	_, err = reg.EndRoom(ctx, room.ID, "corrupt")
	require.NoError(t, err)
	_, err = reg.GetRoom(ctx, room.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.False(t, mr.Exists("coord:room:"+room.ID))
}

func TestActiveRoom_FinishedGameIsReleased(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	room, err := reg.CreateRoom(ctx, models.KindGame, members("a", "b"), Metadata{})
	require.NoError(t, err)
	_, err = reg.Update(ctx, room.ID, func(rm *models.Room) error {
		rm.Game.Status = models.GameFinished
		return nil
	})
	require.NoError(t, err)

	_, err = reg.ActiveRoom(ctx, models.KindGame, "a")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = reg.CreateRoom(ctx, models.KindGame, members("a", "b"), Metadata{})
	assert.NoError(t, err, "players of a decided game can play again")
}

func TestUnbind(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	room, err := reg.CreateRoom(ctx, models.KindPlayback, members("host"), Metadata{})
	require.NoError(t, err)
	require.NoError(t, reg.Unbind(ctx, models.KindPlayback, "host", room.ID))

	_, err = reg.ActiveRoom(ctx, models.KindPlayback, "host")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = reg.GetRoom(ctx, room.ID)
	assert.NoError(t, err, "the room itself stays")
}

func newFallbackRegistry(t *testing.T, mr *miniredis.Miniredis) *Registry {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.NewFallbackStore(store.NewRedisStore(rdb, ""), store.NewMemoryStore(nil), discardLogger())
	return New(st, discardLogger())
}

func TestCreateRoom_ConcurrentCreatesForOneParticipant(t *testing.T) {
	tests := []struct {
		name       string
		registries int
	}{
		{"one process", 1},
		{"two processes", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			mr := miniredis.RunT(t)
			regs := make([]*Registry, tt.registries)
			for i := range regs {
				regs[i] = newFallbackRegistry(t, mr)
			}

			const n = 20
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				created   int
				conflicts int
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := regs[i%len(regs)].CreateRoom(ctx, models.KindChat, members("alice"), Metadata{})
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						created++
					case apperr.Is(err, apperr.KindConflict):
						conflicts++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			wg.Wait()

			assert.Equal(t, 1, created)
			assert.Equal(t, n-1, conflicts)

			rooms, err := regs[0].ListRooms(ctx, models.KindChat, "")
			require.NoError(t, err)
			holding := 0
			for _, r := range rooms {
				if r.IsMember("alice") {
					holding++
				}
			}
			assert.Equal(t, 1, holding, "losing creates leave no room behind")
		})
	}
}

func TestJoinRoom_ConcurrentJoinsIntoTwoRooms(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	reg := newFallbackRegistry(t, mr)

	first, err := reg.CreateRoom(ctx, models.KindGame, members("w1"), Metadata{})
	require.NoError(t, err)
	second, err := reg.CreateRoom(ctx, models.KindGame, members("w2"), Metadata{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, code := range []string{first.Code, second.Code} {
		wg.Add(1)
		go func(i int, code string) {
			defer wg.Done()
			_, errs[i] = reg.JoinRoom(ctx, code, seat("alice", false))
		}(i, code)
	}
	wg.Wait()

	joined := 0
	for _, err := range errs {
		if err == nil {
			joined++
		} else {
			assert.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)
		}
	}
	require.Equal(t, 1, joined)

	active, err := reg.ActiveRoom(ctx, models.KindGame, "alice")
	require.NoError(t, err)
	for _, id := range []string{first.ID, second.ID} {
		room, err := reg.GetRoom(ctx, id)
		require.NoError(t, err)
		if id == active.ID {
			assert.Equal(t, models.RoomActive, room.Status)
			continue
		}
		assert.False(t, room.IsMember("alice"), "losing join gives the seat back")
		assert.Equal(t, models.RoomWaiting, room.Status)
		assert.Equal(t, models.GameWaiting, room.Game.Status)
	}
}

func TestCreateRoom_TakesOverStaleBinding(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(nil)
	reg := New(st, discardLogger())

	_, err := st.ClaimParticipant(ctx, models.KindChat, "a", "", "gone", time.Hour)
	require.NoError(t, err)

	room, err := reg.CreateRoom(ctx, models.KindChat, members("a"), Metadata{})
	require.NoError(t, err)
	id, err := st.BoundRoom(ctx, models.KindChat, "a")
	require.NoError(t, err)
	assert.Equal(t, room.ID, id)
}

// failingStore breaks selected writes of an otherwise working store.
type failingStore struct {
	store.RoomStore
	failSave  bool
	failClaim string
}

func (f *failingStore) SaveRoom(ctx context.Context, room *models.Room, ttl time.Duration) error {
	if f.failSave {
		return apperr.Internal("failed to encode room", nil)
	}
	return f.RoomStore.SaveRoom(ctx, room, ttl)
}

func (f *failingStore) ClaimParticipant(ctx context.Context, kind models.Kind, participantID, expect, roomID string, ttl time.Duration) (string, error) {
	if participantID == f.failClaim {
		return "", apperr.Unavailable("durable store claim participant failed", nil)
	}
	return f.RoomStore.ClaimParticipant(ctx, kind, participantID, expect, roomID, ttl)
}

func TestCreateRoom_FailedWriteReleasesCodeAndBindings(t *testing.T) {
	tests := []struct {
		name string
		st   func(base store.RoomStore) *failingStore
	}{
		{"save fails", func(base store.RoomStore) *failingStore {
			return &failingStore{RoomStore: base, failSave: true}
		}},
		{"second claim fails", func(base store.RoomStore) *failingStore {
			return &failingStore{RoomStore: base, failClaim: "b"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			base := store.NewMemoryStore(nil)
			codes := codegen.New(codegen.WithRandom(bytes.NewReader([]byte{4, 8, 2, 9, 1, 3})))
			reg := New(tt.st(base), discardLogger(), WithCodes(codes))

			_, err := reg.CreateRoom(ctx, models.KindChat, members("a", "b"), Metadata{})
			require.Error(t, err)

			_, err = base.ResolveCode(ctx, "482913")
			assert.True(t, apperr.Is(err, apperr.KindNotFound), "code is released")
			for _, id := range []string{"a", "b"} {
				_, err = base.BoundRoom(ctx, models.KindChat, id)
				assert.True(t, apperr.Is(err, apperr.KindNotFound), "%s stays unbound", id)
			}
			rooms, err := base.ListRooms(ctx, models.KindChat)
			require.NoError(t, err)
			assert.Empty(t, rooms)
		})
	}
}

func TestJoinRoom_SeatConnectionFlag(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	room, err := reg.CreateRoom(ctx, models.KindChat, members("a"), Metadata{})
	require.NoError(t, err)

	res, err := reg.JoinRoom(ctx, room.Code, models.Member{ParticipantID: "b"})
	require.NoError(t, err)
	m, _ := res.Room.Member("b")
	assert.False(t, m.Connected, "a seat taken without a live connection stays disconnected")

	res, err = reg.JoinRoom(ctx, room.Code, seat("b", false))
	require.NoError(t, err)
	assert.True(t, res.Reconnect)
	m, _ = res.Room.Member("b")
	assert.True(t, m.Connected)

	res, err = reg.JoinRoom(ctx, room.Code, models.Member{ParticipantID: "b"})
	require.NoError(t, err)
	m, _ = res.Room.Member("b")
	assert.True(t, m.Connected, "a rejoin without a connection keeps the existing one")
}

func TestListRooms(t *testing.T) {
	ctx := context.Background()
	reg, c := newRegistry(t)

	open, err := reg.CreateRoom(ctx, models.KindGame, members("a"), Metadata{})
	require.NoError(t, err)
	c.advance(time.Minute)
	full, err := reg.CreateRoom(ctx, models.KindGame, members("b", "c"), Metadata{})
	require.NoError(t, err)
	_, err = reg.CreateRoom(ctx, models.KindPlayback, members("host"), Metadata{})
	require.NoError(t, err)

	all, err := reg.ListRooms(ctx, models.KindGame, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, open.ID, all[0].ID, "oldest first")
	assert.Equal(t, full.ID, all[1].ID)

	waiting, err := reg.ListRooms(ctx, models.KindGame, models.RoomWaiting)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, open.ID, waiting[0].ID)

	c.advance(2 * time.Hour)
	all, err = reg.ListRooms(ctx, models.KindGame, "")
	require.NoError(t, err)
	assert.Empty(t, all, "expired rooms are not listed")

	_, err = reg.ListRooms(ctx, models.Kind("poker"), "")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
