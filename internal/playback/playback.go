// Package playback keeps the host-authoritative media state of playback rooms.
package playback

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/mossy-p/session-coordinator/internal/apperr"
	"github.com/mossy-p/session-coordinator/internal/models"
	"github.com/mossy-p/session-coordinator/internal/registry"
)

const DefaultDriftThreshold = time.Second

// Action is a host control.
type Action string

const (
	ActionPlay        Action = "play"
	ActionPause       Action = "pause"
	ActionSeek        Action = "seek"
	ActionChangeMedia Action = "changeMedia"
)

// Command is one control request. Position is optional for play and pause
// and required for seek.
type Command struct {
	Action   Action
	Position *float64
	MediaRef string
}

type Service struct {
	rooms  *registry.Registry
	now    func() time.Time
	logger *slog.Logger
}

func NewService(rooms *registry.Registry, logger *slog.Logger) *Service {
	return &Service{rooms: rooms, now: time.Now, logger: logger}
}

// WithClock replaces the clock used to stamp state updates.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (c Command) validate() error {
	switch c.Action {
	case ActionPlay, ActionPause:
	case ActionSeek:
		if c.Position == nil {
			return apperr.Validation("seek needs a position")
		}
	case ActionChangeMedia:
		if strings.TrimSpace(c.MediaRef) == "" {
			return apperr.Validation("mediaRef is required")
		}
	default:
		return apperr.Validation("unknown playback action")
	}
	if c.Position != nil {
		p := *c.Position
		if p < 0 || math.IsNaN(p) || math.IsInf(p, 0) {
			return apperr.Validation("position must be a non-negative number of seconds")
		}
	}
	return nil
}

// Control applies a host command. Commands from anyone but the host are
// rejected and leave the state untouched.
func (s *Service) Control(ctx context.Context, roomID, participantID string, cmd Command) (*models.Room, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	room, err := s.rooms.Update(ctx, roomID, func(room *models.Room) error {
		st := room.Playback
		if st == nil {
			return apperr.Validation("not a playback room")
		}
		if st.HostID != participantID {
			return apperr.Permission("only the host controls playback")
		}

		now := s.now()
		pos := Project(*st, now)
		switch cmd.Action {
		case ActionPlay:
			st.IsPlaying = true
		case ActionPause:
			st.IsPlaying = false
		case ActionChangeMedia:
			st.MediaRef = cmd.MediaRef
			st.IsPlaying = false
			pos = 0
		}
		if cmd.Position != nil {
			pos = *cmd.Position
		}
		st.Position = pos
		st.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("playback control",
		"room_id", roomID,
		"action", cmd.Action,
		"position", room.Playback.Position,
		"playing", room.Playback.IsPlaying,
	)
	return room, nil
}

// Project returns the position st has reached at now.
func Project(st models.PlaybackState, now time.Time) float64 {
	if !st.IsPlaying || st.UpdatedAt.IsZero() {
		return st.Position
	}
	elapsed := now.Sub(st.UpdatedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return st.Position + elapsed
}

// Snapshot is the state handed to late joiners and periodic syncs, with the
// position projected to now.
func Snapshot(room *models.Room, now time.Time) *models.PlaybackState {
	if room.Playback == nil {
		return nil
	}
	st := *room.Playback
	st.Position = Project(st, now)
	st.UpdatedAt = now
	return &st
}

// Decision tells a follower how to react to the host state.
type Decision struct {
	Resync   bool
	Position float64
	Drift    time.Duration
}

// Reconcile compares a follower position with the host state. Drift within
// threshold is tolerated so followers do not keep re-seeking on jitter.
func Reconcile(localPosition float64, host models.PlaybackState, now time.Time, threshold time.Duration) Decision {
	if threshold <= 0 {
		threshold = DefaultDriftThreshold
	}
	target := Project(host, now)
	drift := time.Duration(math.Abs(localPosition-target) * float64(time.Second))
	return Decision{
		Resync:   drift > threshold,
		Position: target,
		Drift:    drift,
	}
}
