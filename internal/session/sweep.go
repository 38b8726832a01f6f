package session

import (
	"context"
	"time"

	"github.com/mossy-p/session-coordinator/internal/apperr"
	"github.com/mossy-p/session-coordinator/internal/models"
	"github.com/mossy-p/session-coordinator/internal/playback"
)

// Sweep expires rooms and stale queue entries, and closes local groups whose
// room is gone.
func (m *Manager) Sweep(ctx context.Context) error {
	expired, err := m.rooms.Expire(ctx)
	if err != nil {
		return err
	}
	for _, room := range expired {
		unlock := m.locks.Lock(room.ID)
		for _, mem := range room.Members {
			m.games.CancelForfeit(room.ID, mem.ParticipantID)
		}
		m.closeGroup(ctx, room.Kind, room.ID, "expired")
		unlock()
	}

	if _, err := m.queue.Sweep(ctx); err != nil {
		return err
	}

	// rooms dropped by the store's own TTL never show up in Expire
	for _, g := range m.hub.Groups() {
		_, err := m.rooms.GetRoom(ctx, g.RoomID)
		if !apperr.Is(err, apperr.KindNotFound) {
			continue
		}
		unlock := m.locks.Lock(g.RoomID)
		m.closeGroup(ctx, g.Namespace, g.RoomID, "expired")
		unlock()
	}
	return nil
}

// RunSweeper runs Sweep every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.logger.Warn("sweep failed", "error", err)
			}
		}
	}
}

// SyncPlayback sends the projected position of every playing room to its
// local members.
func (m *Manager) SyncPlayback(ctx context.Context) {
	now := m.now()
	for _, g := range m.hub.Groups() {
		if g.Namespace != models.KindPlayback {
			continue
		}
		room, err := m.rooms.GetRoom(ctx, g.RoomID)
		if err != nil {
			continue
		}
		if room.Playback == nil || !room.Playback.IsPlaying {
			continue
		}
		m.hub.EmitLocal(models.NewEvent(models.KindPlayback, models.EventPlaybackSync, room.ID, playback.Snapshot(room, now)))
	}
}

// RunPlaybackSync runs SyncPlayback every interval until ctx is done.
func (m *Manager) RunPlaybackSync(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPlaybackSyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.SyncPlayback(ctx)
		}
	}
}
