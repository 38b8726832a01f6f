package models

import (
	"encoding/json"
	"time"
)

// EventType names a message on an event channel
type EventType string

// Inbound commands
const (
	CmdSessionAck      EventType = "session.ack"
	CmdPing            EventType = "ping"
	CmdMatchRequest    EventType = "match.request"
	CmdMatchCancel     EventType = "match.cancel"
	CmdRoomCreate      EventType = "room.create"
	CmdRoomJoin        EventType = "room.join"
	CmdRoomLeave       EventType = "room.leave"
	CmdMoveSubmit      EventType = "move.submit"
	CmdGameResign      EventType = "game.resign"
	CmdPlaybackPlay    EventType = "playback.play"
	CmdPlaybackPause   EventType = "playback.pause"
	CmdPlaybackSeek    EventType = "playback.seek"
	CmdPlaybackMedia   EventType = "playback.changeMedia"
	CmdSignalOffer     EventType = "signal.offer"
	CmdSignalAnswer    EventType = "signal.answer"
	CmdSignalCandidate EventType = "signal.candidate"
)

// Outbound events
const (
	EventWelcome             EventType = "session.welcome"
	EventPong                EventType = "pong"
	EventError               EventType = "error"
	EventMatchQueued         EventType = "match.queued"
	EventMatchFound          EventType = "match.found"
	EventRoomCreated         EventType = "room.created"
	EventRoomJoined          EventType = "room.joined"
	EventRoomSnapshot        EventType = "room.snapshot"
	EventRoomEnded           EventType = "room.ended"
	EventMoveSubmitted       EventType = "move.submitted"
	EventMoveApplied         EventType = "move.applied"
	EventGameOver            EventType = "game.over"
	EventPlaybackPlay        EventType = "playback.play"
	EventPlaybackPause       EventType = "playback.pause"
	EventPlaybackSeek        EventType = "playback.seek"
	EventPlaybackMedia       EventType = "playback.mediaChanged"
	EventPlaybackSync        EventType = "playback.sync"
	EventParticipantLeft     EventType = "participant.left"
	EventParticipantReturned EventType = "participant.reconnected"
)

// Namespace for connection-level events that are not tied to a room kind.
const NamespaceSession Kind = "session"

// Event is the envelope for every message on the wire, in both directions.
type Event struct {
	Namespace Kind            `json:"ns,omitempty"`
	Type      EventType       `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *ErrorBody      `json:"error,omitempty"`
	Timestamp int64           `json:"ts,omitempty"`
}

// ErrorBody is a typed rejection sent back to the originating connection.
type ErrorBody struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// NewEvent builds an event with a marshalled payload. A nil payload is omitted.
func NewEvent(ns Kind, typ EventType, roomID string, payload any) Event {
	ev := Event{
		Namespace: ns,
		Type:      typ,
		RoomID:    roomID,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}

// Payloads carried by commands and events.

type MatchRequestPayload struct {
	Class     string `json:"compatibilityClass"`
	UTCOffset int    `json:"utcOffsetMinutes"`
}

type RoomCreatePayload struct {
	MaxMembers int    `json:"maxMembers,omitempty"`
	MediaRef   string `json:"mediaRef,omitempty"`
}

type RoomJoinPayload struct {
	Code string `json:"code"`
}

type MovePayload struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

type PlaybackPayload struct {
	Position *float64 `json:"position,omitempty"`
	MediaRef string   `json:"mediaRef,omitempty"`
}

type MatchFoundPayload struct {
	RoomID    string `json:"roomId"`
	Code      string `json:"code"`
	PartnerID string `json:"partnerId"`
	Role      Role   `json:"role"`
}

type JoinedPayload struct {
	ParticipantID string `json:"participantId"`
	Role          Role   `json:"role"`
	Reconnect     bool   `json:"reconnect"`
	Room          *Room  `json:"room,omitempty"`
}

type LeftPayload struct {
	ParticipantID string `json:"participantId"`
	Reason        string `json:"reason"`
}

type EndedPayload struct {
	Reason string `json:"reason"`
}

type GameOverPayload struct {
	Result string `json:"result"`
	Winner string `json:"winner,omitempty"`
	Reason string `json:"reason"`
}

type WelcomePayload struct {
	ConnectionID  string `json:"connectionId"`
	ParticipantID string `json:"participantId"`
	Verified      bool   `json:"verified"`
}

type MoveAppliedPayload struct {
	Move   string `json:"move"`
	By     Role   `json:"by"`
	Board  string `json:"board"`
	Turn   Role   `json:"turn"`
	Number int    `json:"number"`
}

type ReconnectedPayload struct {
	ParticipantID string `json:"participantId"`
	Role          Role   `json:"role"`
}

type PongPayload struct {
	ServerTime int64 `json:"serverTime"`
}
