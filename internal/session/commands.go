package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mossy-p/session-coordinator/internal/apperr"
	"github.com/mossy-p/session-coordinator/internal/game"
	"github.com/mossy-p/session-coordinator/internal/identity"
	"github.com/mossy-p/session-coordinator/internal/matchmaking"
	"github.com/mossy-p/session-coordinator/internal/models"
	"github.com/mossy-p/session-coordinator/internal/playback"
	"github.com/mossy-p/session-coordinator/internal/registry"
)

func decode(cmd models.Event, v any) error {
	if len(cmd.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(cmd.Payload, v); err != nil {
		return apperr.Validation("malformed payload")
	}
	return nil
}

func roomKind(cmd models.Event) (models.Kind, error) {
	if !cmd.Namespace.Valid() {
		return "", apperr.Validation(fmt.Sprintf("unknown namespace %q", cmd.Namespace))
	}
	return cmd.Namespace, nil
}

// currentRoom resolves the room a command targets: the one named in the
// command, which must be one this connection is in, or else the connection's
// room of that namespace.
func (m *Manager) currentRoom(b *Binding, cmd models.Event) (string, error) {
	kind, err := roomKind(cmd)
	if err != nil {
		return "", err
	}
	bound := b.room(kind)
	if bound == "" {
		return "", apperr.Permission(fmt.Sprintf("not in a %s room", kind))
	}
	if cmd.RoomID != "" && cmd.RoomID != bound {
		return "", apperr.Permission("not in this room")
	}
	return bound, nil
}

func (m *Manager) matchRequest(ctx context.Context, b *Binding, cmd models.Event) error {
	kind, err := roomKind(cmd)
	if err != nil {
		return err
	}
	var p models.MatchRequestPayload
	if err := decode(cmd, &p); err != nil {
		return err
	}

	res, err := m.queue.Enqueue(ctx, b.ParticipantID, b.Verified, kind, p.Class,
		matchmaking.WithUTCOffset(p.UTCOffset))
	if err != nil {
		return err
	}
	switch {
	case res.Status == models.MatchQueued:
		m.reply(b.conn, cmd, models.EventMatchQueued, "", res.Response())
	case !res.Created:
		// already paired earlier; the new pair was announced by the match hook
		m.subscribe(b, res.Room)
		mem, _ := res.Room.Member(b.ParticipantID)
		m.reply(b.conn, cmd, models.EventMatchFound, res.RoomID, models.MatchFoundPayload{
			RoomID:    res.RoomID,
			Code:      res.Room.Code,
			PartnerID: res.PartnerID,
			Role:      mem.Role,
		})
	}
	return nil
}

func (m *Manager) matchCancel(ctx context.Context, b *Binding, cmd models.Event) error {
	kind, err := roomKind(cmd)
	if err != nil {
		return err
	}
	if err := m.queue.Withdraw(ctx, b.ParticipantID, kind); err != nil {
		return err
	}
	m.reply(b.conn, cmd, models.EventMatchQueued, "", models.MatchResponse{Status: models.MatchIdle})
	return nil
}

func (m *Manager) roomCreate(ctx context.Context, b *Binding, cmd models.Event) error {
	kind, err := roomKind(cmd)
	if err != nil {
		return err
	}
	var p models.RoomCreatePayload
	if err := decode(cmd, &p); err != nil {
		return err
	}

	room, err := m.CreateRoom(ctx, b.identity(), kind, registry.Metadata{
		MaxMembers: p.MaxMembers,
		MediaRef:   p.MediaRef,
	})
	if err != nil {
		return err
	}
	m.reply(b.conn, cmd, models.EventRoomCreated, room.ID, m.view(room))
	return nil
}

func (m *Manager) roomJoin(ctx context.Context, b *Binding, cmd models.Event) error {
	var p models.RoomJoinPayload
	if err := decode(cmd, &p); err != nil {
		return err
	}
	if p.Code == "" {
		return apperr.Validation("code is required")
	}
	return m.enterRoom(ctx, b, cmd, p.Code)
}

// enterRoom seats the connection in the room behind code, or reseats it when
// the identity already holds a seat there.
func (m *Manager) enterRoom(ctx context.Context, b *Binding, cmd models.Event, code string) error {
	room, err := m.rooms.GetRoomByCode(ctx, code)
	if err != nil {
		return err
	}

	unlock := m.locks.Lock(room.ID)
	defer unlock()

	res, wasConnected, err := m.seat(ctx, room, code, b.identity(), []*Binding{b})
	if err != nil {
		return err
	}
	room = res.Room

	reply := cmd
	reply.Namespace = room.Kind
	m.reply(b.conn, reply, models.EventRoomJoined, room.ID, models.JoinedPayload{
		ParticipantID: b.ParticipantID,
		Role:          res.Role,
		Reconnect:     res.Reconnect,
		Room:          m.view(room),
	})
	m.reply(b.conn, reply, models.EventRoomSnapshot, room.ID, m.view(room))
	m.announceJoin(ctx, res, b.ParticipantID, wasConnected)
	return nil
}

// seat joins id to room through code and subscribes conns to it. The seat
// counts as connected only when conns is not empty. The caller holds the
// room lock.
func (m *Manager) seat(ctx context.Context, room *models.Room, code string, id identity.Identity, conns []*Binding) (res *registry.JoinResult, wasConnected bool, err error) {
	mem, wasMember := room.Member(id.ID)
	wasConnected = wasMember && mem.Connected

	res, err = m.rooms.JoinRoom(ctx, code, models.Member{
		ParticipantID: id.ID,
		Verified:      id.Verified,
		Connected:     len(conns) > 0,
	})
	if err != nil {
		return nil, false, err
	}
	for _, b := range conns {
		m.subscribe(b, res.Room)
	}
	return res, wasConnected, nil
}

// announceJoin tells the rest of the room about a new seat, or about a
// disconnected seat that came back.
func (m *Manager) announceJoin(ctx context.Context, res *registry.JoinResult, participantID string, wasConnected bool) {
	room := res.Room
	if !res.Reconnect {
		m.hub.Emit(ctx, models.NewEvent(room.Kind, models.EventRoomJoined, room.ID, models.JoinedPayload{
			ParticipantID: participantID,
			Role:          res.Role,
		}), participantID)
		return
	}
	if mem, ok := room.Member(participantID); wasConnected || !ok || !mem.Connected {
		return
	}
	if room.Kind == models.KindGame {
		m.games.CancelForfeit(room.ID, participantID)
	}
	m.hub.Emit(ctx, models.NewEvent(room.Kind, models.EventParticipantReturned, room.ID, models.ReconnectedPayload{
		ParticipantID: participantID,
		Role:          res.Role,
	}), participantID)
}

// roomLeave is a voluntary departure. Leaving an active game concedes it.
func (m *Manager) roomLeave(ctx context.Context, b *Binding, cmd models.Event) error {
	roomID, err := m.currentRoom(b, cmd)
	if err != nil {
		return err
	}
	kind := cmd.Namespace

	if kind == models.KindGame {
		room, err := m.games.Forfeit(ctx, roomID, b.ParticipantID)
		switch {
		case err == nil:
			unlock := m.locks.Lock(roomID)
			m.emitGameOver(ctx, room)
			unlock()
		case !apperr.Is(err, apperr.KindPermission):
			return err
		}
	}

	m.hub.Leave(kind, roomID, b.ConnID)
	b.dropRoom(kind, roomID)
	if err := m.depart(ctx, roomID, b.ParticipantID, "left"); err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return err
	}
	if err := m.rooms.Unbind(ctx, kind, b.ParticipantID, roomID); err != nil {
		m.logger.Warn("failed to release binding", "participant_id", b.ParticipantID, "room_id", roomID, "error", err)
	}
	m.reply(b.conn, cmd, models.EventRoomEnded, roomID, models.EndedPayload{Reason: "left"})
	return nil
}

func (m *Manager) moveSubmit(ctx context.Context, b *Binding, cmd models.Event) error {
	if cmd.Namespace != models.KindGame {
		return apperr.Validation("moves belong to the game namespace")
	}
	roomID, err := m.currentRoom(b, cmd)
	if err != nil {
		return err
	}
	var p models.MovePayload
	if err := decode(cmd, &p); err != nil {
		return err
	}
	move, err := game.NormalizeMove(p.From, p.To, p.Promotion)
	if err != nil {
		return err
	}

	unlock := m.locks.Lock(roomID)
	defer unlock()

	res, err := m.games.SubmitMove(ctx, roomID, b.ParticipantID, move)
	if err != nil {
		return err
	}
	g := res.Room.Game
	m.reply(b.conn, cmd, models.EventMoveSubmitted, roomID, p)
	submitted := models.NewEvent(models.KindGame, models.EventMoveSubmitted, roomID, p)
	submitted.From = b.ParticipantID
	m.hub.Emit(ctx, submitted, b.ParticipantID)
	m.hub.Emit(ctx, models.NewEvent(models.KindGame, models.EventMoveApplied, roomID, models.MoveAppliedPayload{
		Move:   move,
		By:     res.By,
		Board:  g.Board,
		Turn:   g.Turn,
		Number: len(g.Moves),
	}))
	if res.Finished() {
		m.emitGameOver(ctx, res.Room)
	}
	return nil
}

func (m *Manager) gameResign(ctx context.Context, b *Binding, cmd models.Event) error {
	if cmd.Namespace != models.KindGame {
		return apperr.Validation("resignation belongs to the game namespace")
	}
	roomID, err := m.currentRoom(b, cmd)
	if err != nil {
		return err
	}

	unlock := m.locks.Lock(roomID)
	defer unlock()

	room, err := m.games.Resign(ctx, roomID, b.ParticipantID)
	if err != nil {
		return err
	}
	m.emitGameOver(ctx, room)
	return nil
}

var playbackActions = map[models.EventType]struct {
	action playback.Action
	event  models.EventType
}{
	models.CmdPlaybackPlay:  {playback.ActionPlay, models.EventPlaybackPlay},
	models.CmdPlaybackPause: {playback.ActionPause, models.EventPlaybackPause},
	models.CmdPlaybackSeek:  {playback.ActionSeek, models.EventPlaybackSeek},
	models.CmdPlaybackMedia: {playback.ActionChangeMedia, models.EventPlaybackMedia},
}

func (m *Manager) playbackControl(ctx context.Context, b *Binding, cmd models.Event) error {
	if cmd.Namespace != models.KindPlayback {
		return apperr.Validation("playback control belongs to the playback namespace")
	}
	roomID, err := m.currentRoom(b, cmd)
	if err != nil {
		return err
	}
	var p models.PlaybackPayload
	if err := decode(cmd, &p); err != nil {
		return err
	}
	mapping := playbackActions[cmd.Type]

	unlock := m.locks.Lock(roomID)
	defer unlock()

	room, err := m.playback.Control(ctx, roomID, b.ParticipantID, playback.Command{
		Action:   mapping.action,
		Position: p.Position,
		MediaRef: p.MediaRef,
	})
	if err != nil {
		return err
	}
	ev := models.NewEvent(models.KindPlayback, mapping.event, roomID, playback.Snapshot(room, m.now()))
	ev.From = b.ParticipantID
	m.hub.Emit(ctx, ev)
	return nil
}

// signal relays peer-to-peer negotiation messages inside a room. A message
// with a recipient goes to that member only; otherwise to every other member.
func (m *Manager) signal(ctx context.Context, b *Binding, cmd models.Event) error {
	roomID, err := m.currentRoom(b, cmd)
	if err != nil {
		return err
	}

	ev := models.Event{
		Namespace: cmd.Namespace,
		Type:      cmd.Type,
		RoomID:    roomID,
		From:      b.ParticipantID,
		To:        cmd.To,
		Payload:   cmd.Payload,
		Timestamp: m.now().UnixMilli(),
	}
	if cmd.To == "" {
		m.hub.Emit(ctx, ev, b.ParticipantID)
		return nil
	}

	room, err := m.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.IsMember(cmd.To) || cmd.To == b.ParticipantID {
		return apperr.Validation("recipient is not another member of this room")
	}
	m.hub.Notify(ctx, cmd.To, ev)
	return nil
}
