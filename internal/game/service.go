package game

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mossy-p/session-coordinator/internal/apperr"
	"github.com/mossy-p/session-coordinator/internal/models"
	"github.com/mossy-p/session-coordinator/internal/registry"
)

const DefaultForfeitGrace = 30 * time.Second

// MoveResult is a move accepted by SubmitMove.
type MoveResult struct {
	Room *models.Room
	Move string
	By   models.Role
}

// Finished reports whether the move ended the game.
func (r *MoveResult) Finished() bool {
	return r.Room.Game.Status == models.GameFinished
}

// ForfeitHook is called after a disconnected player loses on time.
type ForfeitHook func(ctx context.Context, room *models.Room)

// Service applies moves, resignations and forfeits to game rooms.
type Service struct {
	rooms     *registry.Registry
	validator *Validator
	grace     time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	timers    map[string]*time.Timer
	onForfeit ForfeitHook
}

func NewService(rooms *registry.Registry, grace time.Duration, logger *slog.Logger) *Service {
	if grace <= 0 {
		grace = DefaultForfeitGrace
	}
	return &Service{
		rooms:     rooms,
		validator: NewValidator(),
		grace:     grace,
		logger:    logger,
		timers:    make(map[string]*time.Timer),
	}
}

func (s *Service) OnForfeit(hook ForfeitHook) {
	s.onForfeit = hook
}

func (s *Service) Grace() time.Duration {
	return s.grace
}

// seat returns the colour participantID plays in room.
func seat(room *models.Room, participantID string) (models.Role, error) {
	if room.Game == nil {
		return "", apperr.Validation("not a game room")
	}
	m, ok := room.Member(participantID)
	if !ok || (m.Role != models.RoleWhite && m.Role != models.RoleBlack) {
		return "", apperr.Permission("not a player in this game")
	}
	return m.Role, nil
}

func winnerID(room *models.Room, role models.Role) string {
	for _, m := range room.Members {
		if m.Role == role {
			return m.ParticipantID
		}
	}
	return ""
}

// SubmitMove validates and applies a UCI move by participantID.
func (s *Service) SubmitMove(ctx context.Context, roomID, participantID, move string) (*MoveResult, error) {
	var by models.Role
	room, err := s.rooms.Update(ctx, roomID, func(room *models.Room) error {
		role, err := seat(room, participantID)
		if err != nil {
			return err
		}
		g := room.Game
		if g.Status != models.GameActive {
			return apperr.Permission("game is not active")
		}
		if g.Turn != role {
			return apperr.Permission("not your turn")
		}

		out, err := s.validator.Apply(g.Moves, move)
		if err != nil {
			return err
		}
		by = role
		g.Moves = append(g.Moves, move)
		g.Board = out.Board
		g.Turn = out.Turn
		if out.Finished {
			g.Status = models.GameFinished
			g.Result = out.Result
			g.Reason = out.Reason
			g.Winner = winnerID(room, out.Winner)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("move applied", "room_id", roomID, "participant_id", participantID, "move", move)
	if room.Game.Status == models.GameFinished {
		s.finished(room)
	}
	return &MoveResult{Room: room, Move: move, By: by}, nil
}

// Resign ends the game in favour of the other seat.
func (s *Service) Resign(ctx context.Context, roomID, participantID string) (*models.Room, error) {
	return s.concede(ctx, roomID, participantID, ReasonResignation)
}

// Forfeit ends the game against participantID, used when it did not come back in time.
func (s *Service) Forfeit(ctx context.Context, roomID, participantID string) (*models.Room, error) {
	return s.concede(ctx, roomID, participantID, ReasonForfeit)
}

func (s *Service) concede(ctx context.Context, roomID, participantID, reason string) (*models.Room, error) {
	room, err := s.rooms.Update(ctx, roomID, func(room *models.Room) error {
		role, err := seat(room, participantID)
		if err != nil {
			return err
		}
		if room.Game.Status != models.GameActive {
			return apperr.Permission("game is not active")
		}
		winner := Opponent(role)
		room.Game.Status = models.GameFinished
		room.Game.Result = ResultFor(winner)
		room.Game.Reason = reason
		room.Game.Winner = winnerID(room, winner)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.finished(room)
	return room, nil
}

func (s *Service) finished(room *models.Room) {
	for _, m := range room.Members {
		s.CancelForfeit(room.ID, m.ParticipantID)
	}
	s.logger.Info("game over",
		"room_id", room.ID,
		"result", room.Game.Result,
		"reason", room.Game.Reason,
		"winner", room.Game.Winner,
	)
}

func timerKey(roomID, participantID string) string {
	return roomID + "/" + participantID
}

// StartForfeitTimer gives a disconnected player the grace period to come
// back before the game is forfeited. Starting an armed timer again is a no-op.
func (s *Service) StartForfeitTimer(roomID, participantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := timerKey(roomID, participantID)
	if _, ok := s.timers[key]; ok {
		return
	}
	s.timers[key] = time.AfterFunc(s.grace, func() {
		s.mu.Lock()
		if _, ok := s.timers[key]; !ok {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()

		ctx := context.Background()
		room, err := s.Forfeit(ctx, roomID, participantID)
		if err != nil {
			s.logger.Debug("forfeit skipped", "room_id", roomID, "participant_id", participantID, "error", err)
			return
		}
		s.logger.Info("player forfeited after disconnect", "room_id", roomID, "participant_id", participantID)
		if s.onForfeit != nil {
			s.onForfeit(ctx, room)
		}
	})
	s.logger.Debug("forfeit timer armed", "room_id", roomID, "participant_id", participantID, "grace", s.grace)
}

// CancelForfeit disarms the timer of a player who came back. It reports
// whether a timer was pending.
func (s *Service) CancelForfeit(roomID, participantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := timerKey(roomID, participantID)
	t, ok := s.timers[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, key)
	return true
}

// Stop disarms every pending forfeit timer.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}
