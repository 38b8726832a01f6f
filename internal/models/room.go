package models

import "time"

// Kind is the interaction kind of a room. Each kind has its own event namespace.
type Kind string

const (
	KindChat     Kind = "chat"
	KindGame     Kind = "game"
	KindPlayback Kind = "playback"
)

// Kinds lists every interaction kind.
var Kinds = []Kind{KindChat, KindGame, KindPlayback}

func (k Kind) Valid() bool {
	switch k {
	case KindChat, KindGame, KindPlayback:
		return true
	}
	return false
}

// Matchable reports whether participants of this kind are paired by the queue.
func (k Kind) Matchable() bool {
	return k == KindChat || k == KindGame
}

// Capacity returns the fixed seat count, or 0 when the room decides (playback).
func (k Kind) Capacity() int {
	switch k {
	case KindChat, KindGame:
		return 2
	}
	return 0
}

// RoomStatus tracks the lifecycle of a room
type RoomStatus string

const (
	RoomWaiting RoomStatus = "waiting" // open seats remain
	RoomActive  RoomStatus = "active"  // every seat filled at least once
	RoomClosed  RoomStatus = "closed"
)

// Role is a member's role inside a room.
type Role string

const (
	RolePeer     Role = "peer"
	RoleWhite    Role = "white"
	RoleBlack    Role = "black"
	RoleHost     Role = "host"
	RoleFollower Role = "follower"
)

// Member is one seat of a room
type Member struct {
	ParticipantID string    `json:"participantId"`
	Role          Role      `json:"role"`
	Verified      bool      `json:"verified"`
	Connected     bool      `json:"connected"`
	JoinedAt      time.Time `json:"joinedAt"`
}

// Room is an ephemeral session grouping participants for one interaction kind.
type Room struct {
	ID         string         `json:"id"`
	Code       string         `json:"code"` // Short, shareable numeric code (e.g. "482913")
	Kind       Kind           `json:"kind"`
	Status     RoomStatus     `json:"status"`
	CreatorID  string         `json:"creatorId"`
	Class      string         `json:"class,omitempty"` // compatibility class the pair was matched on
	MaxMembers int            `json:"maxMembers"`
	Members    []Member       `json:"members"`
	CreatedAt  time.Time      `json:"createdAt"`
	ExpiresAt  time.Time      `json:"expiresAt"`
	Game       *GameState     `json:"game,omitempty"`
	Playback   *PlaybackState `json:"playback,omitempty"`
}

// Member returns the seat held by participantID.
func (r *Room) Member(participantID string) (*Member, bool) {
	for i := range r.Members {
		if r.Members[i].ParticipantID == participantID {
			return &r.Members[i], true
		}
	}
	return nil, false
}

func (r *Room) IsMember(participantID string) bool {
	_, ok := r.Member(participantID)
	return ok
}

func (r *Room) IsFull() bool {
	return len(r.Members) >= r.MaxMembers
}

// ConnectedCount returns the number of members that have not departed.
func (r *Room) ConnectedCount() int {
	n := 0
	for _, m := range r.Members {
		if m.Connected {
			n++
		}
	}
	return n
}

// Others returns the participant ids of every member except participantID.
func (r *Room) Others(participantID string) []string {
	out := make([]string, 0, len(r.Members))
	for _, m := range r.Members {
		if m.ParticipantID != participantID {
			out = append(out, m.ParticipantID)
		}
	}
	return out
}

func (r *Room) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Clone returns a deep copy safe to mutate.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	c.Members = append([]Member(nil), r.Members...)
	if r.Game != nil {
		g := *r.Game
		g.Moves = append([]string(nil), r.Game.Moves...)
		c.Game = &g
	}
	if r.Playback != nil {
		p := *r.Playback
		c.Playback = &p
	}
	return &c
}

// CreateRoomRequest is the request body for creating a room
type CreateRoomRequest struct {
	Kind       Kind   `json:"kind" binding:"required"`
	MaxMembers int    `json:"maxMembers" binding:"omitempty,min=2,max=16"`
	MediaRef   string `json:"mediaRef,omitempty"`
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

// JoinRoomRequest joins a room by its shareable code
type JoinRoomRequest struct {
	Code string `json:"code" binding:"required"`
}

// JoinRoomResponse carries the seat and a snapshot of the room
type JoinRoomResponse struct {
	RoomID       string `json:"roomId"`
	Role         Role   `json:"role"`
	Reconnect    bool   `json:"reconnect"`
	CurrentState *Room  `json:"currentState"`
}
