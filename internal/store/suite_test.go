package store

import (
	"context"
	"testing"
	"time"

	"github.com/mossy-p/session-coordinator/internal/apperr"
	"github.com/mossy-p/session-coordinator/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite checks the behaviour every Store implementation shares.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	newRoom := func(id, code string, members ...string) *models.Room {
		r := &models.Room{
			ID:         id,
			Code:       code,
			Kind:       models.KindChat,
			Status:     models.RoomActive,
			MaxMembers: 2,
			CreatedAt:  base,
			ExpiresAt:  base.Add(time.Hour),
		}
		for _, m := range members {
			r.Members = append(r.Members, models.Member{ParticipantID: m, Connected: true})
		}
		return r
	}

	t.Run("save and load", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveRoom(ctx, newRoom("r1", "111111", "a", "b"), time.Hour))

		got, err := s.LoadRoom(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "111111", got.Code)
		assert.Len(t, got.Members, 2)

		_, err = s.LoadRoom(ctx, "missing")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})

	t.Run("update room", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveRoom(ctx, newRoom("r1", "111111", "a"), time.Hour))

		updated, err := s.UpdateRoom(ctx, "r1", func(r *models.Room) error {
			r.Members = append(r.Members, models.Member{ParticipantID: "b", Connected: true})
			return nil
		})
		require.NoError(t, err)
		assert.Len(t, updated.Members, 2)

		_, err = s.UpdateRoom(ctx, "r1", func(r *models.Room) error {
			return apperr.Conflict("room full")
		})
		assert.True(t, apperr.Is(err, apperr.KindConflict))

		got, err := s.LoadRoom(ctx, "r1")
		require.NoError(t, err)
		assert.Len(t, got.Members, 2, "aborted update must not be written")

		_, err = s.UpdateRoom(ctx, "missing", func(r *models.Room) error { return nil })
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})

	t.Run("codes", func(t *testing.T) {
		s := newStore(t)

		ok, err := s.ReserveCode(ctx, "482913", "r1", time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.ReserveCode(ctx, "482913", "r2", time.Hour)
		require.NoError(t, err)
		assert.False(t, ok, "code already taken")

		id, err := s.ResolveCode(ctx, "482913")
		require.NoError(t, err)
		assert.Equal(t, "r1", id)

		_, err = s.ResolveCode(ctx, "000000")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})

	t.Run("bindings", func(t *testing.T) {
		s := newStore(t)
		holder, err := s.ClaimParticipant(ctx, models.KindGame, "a", "", "r1", time.Hour)
		require.NoError(t, err)
		require.Equal(t, "r1", holder)

		id, err := s.BoundRoom(ctx, models.KindGame, "a")
		require.NoError(t, err)
		assert.Equal(t, "r1", id)

		_, err = s.BoundRoom(ctx, models.KindChat, "a")
		assert.True(t, apperr.Is(err, apperr.KindNotFound), "bindings are per kind")

		require.NoError(t, s.UnbindParticipant(ctx, models.KindGame, "a", "other-room"))
		_, err = s.BoundRoom(ctx, models.KindGame, "a")
		assert.NoError(t, err, "unbind for another room keeps the binding")

		require.NoError(t, s.UnbindParticipant(ctx, models.KindGame, "a", "r1"))
		_, err = s.BoundRoom(ctx, models.KindGame, "a")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})

	t.Run("claim only replaces the expected holder", func(t *testing.T) {
		s := newStore(t)
		holder, err := s.ClaimParticipant(ctx, models.KindChat, "a", "", "r1", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, "r1", holder)

		holder, err = s.ClaimParticipant(ctx, models.KindChat, "a", "", "r2", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, "r1", holder, "an unbound claim loses to the current holder")

		holder, err = s.ClaimParticipant(ctx, models.KindChat, "a", "", "r1", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, "r1", holder, "claiming again for the same room succeeds")

		holder, err = s.ClaimParticipant(ctx, models.KindChat, "a", "r1", "r2", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, "r2", holder, "a claim naming the holder takes over")

		id, err := s.BoundRoom(ctx, models.KindChat, "a")
		require.NoError(t, err)
		assert.Equal(t, "r2", id)
	})

	t.Run("release code only for its room", func(t *testing.T) {
		s := newStore(t)
		_, err := s.ReserveCode(ctx, "515151", "r1", time.Hour)
		require.NoError(t, err)

		require.NoError(t, s.ReleaseCode(ctx, "515151", "r2"))
		id, err := s.ResolveCode(ctx, "515151")
		require.NoError(t, err)
		assert.Equal(t, "r1", id)

		require.NoError(t, s.ReleaseCode(ctx, "515151", "r1"))
		_, err = s.ResolveCode(ctx, "515151")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))

		ok, err := s.ReserveCode(ctx, "515151", "r3", time.Hour)
		require.NoError(t, err)
		assert.True(t, ok, "released code is free again")
	})

	t.Run("list rooms by kind", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveRoom(ctx, newRoom("r1", "111111", "a"), time.Hour))
		require.NoError(t, s.SaveRoom(ctx, newRoom("r2", "222222", "b"), time.Hour))
		game := newRoom("g1", "333333", "c")
		game.Kind = models.KindGame
		require.NoError(t, s.SaveRoom(ctx, game, time.Hour))

		rooms, err := s.ListRooms(ctx, models.KindChat)
		require.NoError(t, err)
		ids := make([]string, 0, len(rooms))
		for _, r := range rooms {
			ids = append(ids, r.ID)
		}
		assert.ElementsMatch(t, []string{"r1", "r2"}, ids)

		rooms, err = s.ListRooms(ctx, models.KindPlayback)
		require.NoError(t, err)
		assert.Empty(t, rooms)
	})

	t.Run("delete room clears indexes", func(t *testing.T) {
		s := newStore(t)
		room := newRoom("r1", "222222", "a", "b")
		require.NoError(t, s.SaveRoom(ctx, room, time.Hour))
		_, err := s.ReserveCode(ctx, "222222", "r1", time.Hour)
		require.NoError(t, err)
		for _, pid := range []string{"a", "b"} {
			_, err := s.ClaimParticipant(ctx, models.KindChat, pid, "", "r1", time.Hour)
			require.NoError(t, err)
		}

		require.NoError(t, s.DeleteRoom(ctx, "r1"))

		_, err = s.LoadRoom(ctx, "r1")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
		_, err = s.ResolveCode(ctx, "222222")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
		_, err = s.BoundRoom(ctx, models.KindChat, "a")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
		assert.NoError(t, s.DeleteRoom(ctx, "r1"), "deleting twice is fine")
	})

	t.Run("match or enqueue is FIFO across compatible classes", func(t *testing.T) {
		s := newStore(t)
		entry := func(id, class string, offset time.Duration) models.QueueEntry {
			return models.QueueEntry{ParticipantID: id, Kind: models.KindChat, Class: class, EnqueuedAt: base.Add(offset)}
		}

		out, err := s.MatchOrEnqueue(ctx, entry("f2", "female", 2*time.Second), []string{"male"})
		require.NoError(t, err)
		assert.Nil(t, out.Partner)
		out, err = s.MatchOrEnqueue(ctx, entry("o1", "other", time.Second), []string{"other"})
		require.NoError(t, err)
		assert.Nil(t, out.Partner)
		out, err = s.MatchOrEnqueue(ctx, entry("f3", "female", 3*time.Second), []string{"male"})
		require.NoError(t, err)
		assert.Nil(t, out.Partner)

		out, err = s.MatchOrEnqueue(ctx, entry("m1", "male", 4*time.Second), []string{"female"})
		require.NoError(t, err)
		require.NotNil(t, out.Partner)
		assert.Equal(t, "f2", out.Partner.ParticipantID, "earliest compatible entry wins")

		_, err = s.QueuedEntry(ctx, models.KindChat, "f2")
		assert.True(t, apperr.Is(err, apperr.KindNotFound), "partner is removed")
		_, err = s.QueuedEntry(ctx, models.KindChat, "m1")
		assert.True(t, apperr.Is(err, apperr.KindNotFound), "matched caller is never queued")

		queued, err := s.QueuedEntry(ctx, models.KindChat, "f3")
		require.NoError(t, err)
		assert.Equal(t, "female", queued.Class)
	})

	t.Run("equal timestamps match in arrival order", func(t *testing.T) {
		s := newStore(t)
		for _, id := range []string{"b", "a"} {
			out, err := s.MatchOrEnqueue(ctx, models.QueueEntry{ParticipantID: id, Kind: models.KindChat, Class: "any", EnqueuedAt: base}, nil)
			require.NoError(t, err)
			require.Nil(t, out.Partner)
		}

		out, err := s.MatchOrEnqueue(ctx, models.QueueEntry{ParticipantID: "c", Kind: models.KindChat, Class: "any", EnqueuedAt: base}, []string{"any"})
		require.NoError(t, err)
		require.NotNil(t, out.Partner)
		assert.Equal(t, "b", out.Partner.ParticipantID)
	})

	t.Run("match or enqueue is idempotent", func(t *testing.T) {
		s := newStore(t)
		e := models.QueueEntry{ParticipantID: "a", Kind: models.KindGame, Class: "any", EnqueuedAt: base}

		first, err := s.MatchOrEnqueue(ctx, e, []string{"any"})
		require.NoError(t, err)
		assert.False(t, first.AlreadyQueued)

		e.EnqueuedAt = base.Add(time.Minute)
		second, err := s.MatchOrEnqueue(ctx, e, []string{"any"})
		require.NoError(t, err)
		assert.True(t, second.AlreadyQueued)
		assert.Nil(t, second.Partner, "must not match itself")
		assert.True(t, base.Equal(second.Entry.EnqueuedAt), "original entry is kept")
	})

	t.Run("queues are per kind", func(t *testing.T) {
		s := newStore(t)
		_, err := s.MatchOrEnqueue(ctx, models.QueueEntry{ParticipantID: "a", Kind: models.KindChat, Class: "any", EnqueuedAt: base}, []string{"any"})
		require.NoError(t, err)

		out, err := s.MatchOrEnqueue(ctx, models.QueueEntry{ParticipantID: "b", Kind: models.KindGame, Class: "any", EnqueuedAt: base}, []string{"any"})
		require.NoError(t, err)
		assert.Nil(t, out.Partner)
	})

	t.Run("dequeue and expire", func(t *testing.T) {
		s := newStore(t)
		for i, id := range []string{"a", "b", "c"} {
			_, err := s.MatchOrEnqueue(ctx, models.QueueEntry{
				ParticipantID: id, Kind: models.KindChat, Class: "solo-" + id,
				EnqueuedAt: base.Add(time.Duration(i) * time.Minute),
			}, nil)
			require.NoError(t, err)
		}

		require.NoError(t, s.Dequeue(ctx, models.KindChat, "a"))
		require.NoError(t, s.Dequeue(ctx, models.KindChat, "a"))
		_, err := s.QueuedEntry(ctx, models.KindChat, "a")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))

		expired, err := s.ExpireQueue(ctx, base.Add(90*time.Second))
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "b", expired[0].ParticipantID)

		_, err = s.QueuedEntry(ctx, models.KindChat, "c")
		assert.NoError(t, err)
	})
}
