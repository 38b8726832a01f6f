package models

import "time"

// GameStatus is the state of the turn-based game attached to a room.
type GameStatus string

const (
	GameWaiting  GameStatus = "waiting"
	GameActive   GameStatus = "active"
	GameFinished GameStatus = "finished"
)

// StartingBoard is the FEN of the standard initial chess position.
const StartingBoard = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// GameState is the authoritative chess session of a game room.
// Board is the FEN of the current position; Moves is the UCI history the
// position is replayed from.
type GameState struct {
	Board  string     `json:"board"`
	Moves  []string   `json:"moves"`
	Turn   Role       `json:"turn"`
	Status GameStatus `json:"status"`
	Winner string     `json:"winner,omitempty"`
	Result string     `json:"result,omitempty"` // "1-0", "0-1", "1/2-1/2"
	Reason string     `json:"reason,omitempty"`
}

// PlaybackState is the host-authoritative shared media state.
// Position is in seconds at UpdatedAt.
type PlaybackState struct {
	MediaRef  string    `json:"mediaRef"`
	Position  float64   `json:"position"`
	IsPlaying bool      `json:"isPlaying"`
	HostID    string    `json:"hostId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// QueueEntry is a participant waiting to be paired.
type QueueEntry struct {
	ParticipantID string    `json:"participantId"`
	Kind          Kind      `json:"kind"`
	Class         string    `json:"class"`
	Verified      bool      `json:"verified"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
}

// MatchStatus is the outcome of a matchmaking request.
type MatchStatus string

const (
	MatchQueued  MatchStatus = "queued"
	MatchMatched MatchStatus = "matched"
	MatchIdle    MatchStatus = "idle"
)

// MatchRequest is the body of POST /api/match
type MatchRequest struct {
	Kind      Kind   `json:"kind" binding:"required"`
	Class     string `json:"compatibilityClass"`
	UTCOffset int    `json:"utcOffsetMinutes"` // minutes east of UTC
}

// MatchResponse reports queue status or the room a participant was paired into
type MatchResponse struct {
	Status    MatchStatus `json:"status"`
	RoomID    string      `json:"roomId,omitempty"`
	PartnerID string      `json:"partnerId,omitempty"`
}
