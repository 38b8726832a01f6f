// Package session binds transport connections to identities and rooms.
//
// The Manager owns the command vocabulary clients speak over their event
// channel. It turns commands into calls on the matchmaking queue, the room
// registry and the game and playback services, and fans the outcome out
// through the hub. Admission is permissive: any connection is accepted, and
// every command that changes a room checks the caller's seat on its own.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/mossy-p/session-coordinator/internal/apperr"
	"github.com/mossy-p/session-coordinator/internal/game"
	"github.com/mossy-p/session-coordinator/internal/hub"
	"github.com/mossy-p/session-coordinator/internal/identity"
	"github.com/mossy-p/session-coordinator/internal/matchmaking"
	"github.com/mossy-p/session-coordinator/internal/models"
	"github.com/mossy-p/session-coordinator/internal/playback"
	"github.com/mossy-p/session-coordinator/internal/registry"
)

const (
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultPlaybackSyncInterval = 5 * time.Second
	DefaultSweepInterval        = time.Minute
)

// Conn is a client connection as seen by the manager.
type Conn interface {
	hub.Conn
	Close() error
}

// Binding ties one connection to an identity and to the rooms it is in.
type Binding struct {
	ConnID        string
	ParticipantID string
	Verified      bool

	conn      Conn
	mu        sync.Mutex
	acked     bool
	rooms     map[models.Kind]string
	handshake *time.Timer
}

func (b *Binding) room(kind models.Kind) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rooms[kind]
}

func (b *Binding) setRoom(kind models.Kind, roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if roomID == "" {
		delete(b.rooms, kind)
		return
	}
	b.rooms[kind] = roomID
}

func (b *Binding) dropRoom(kind models.Kind, roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rooms[kind] == roomID {
		delete(b.rooms, kind)
	}
}

func (b *Binding) identity() identity.Identity {
	return identity.Identity{ID: b.ParticipantID, Verified: b.Verified}
}

func (b *Binding) Acked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

type Config struct {
	HandshakeTimeout time.Duration
}

type Manager struct {
	hub      *hub.Hub
	rooms    *registry.Registry
	queue    *matchmaking.Queue
	games    *game.Service
	playback *playback.Service
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	bindings map[string]*Binding
	locks    *keyedMutex
}

func NewManager(
	h *hub.Hub,
	rooms *registry.Registry,
	queue *matchmaking.Queue,
	games *game.Service,
	pb *playback.Service,
	cfg Config,
	logger *slog.Logger,
) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	m := &Manager{
		hub:      h,
		rooms:    rooms,
		queue:    queue,
		games:    games,
		playback: pb,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		bindings: make(map[string]*Binding),
		locks:    newKeyedMutex(),
	}
	queue.OnMatch(m.announceMatch)
	games.OnForfeit(m.announceForfeit)
	return m
}

// Connect registers conn for identity, greets it and arms the handshake
// timer. A connection that does not send session.ack in time is closed.
func (m *Manager) Connect(conn Conn, id identity.Identity) *Binding {
	b := &Binding{
		ConnID:        conn.ID(),
		ParticipantID: id.ID,
		Verified:      id.Verified,
		conn:          conn,
		rooms:         make(map[models.Kind]string),
	}

	m.mu.Lock()
	m.bindings[conn.ID()] = b
	m.mu.Unlock()
	m.hub.Register(conn)

	b.mu.Lock()
	b.handshake = time.AfterFunc(m.cfg.HandshakeTimeout, func() {
		if b.Acked() {
			return
		}
		m.logger.Info("handshake timed out", "connection_id", conn.ID(), "participant_id", id.ID)
		_ = conn.Close()
	})
	b.mu.Unlock()

	m.send(conn, models.NewEvent(models.NamespaceSession, models.EventWelcome, "", models.WelcomePayload{
		ConnectionID:  conn.ID(),
		ParticipantID: id.ID,
		Verified:      id.Verified,
	}))
	m.logger.Info("connection opened", "connection_id", conn.ID(), "participant_id", id.ID, "verified", id.Verified)
	return b
}

func (m *Manager) binding(connID string) (*Binding, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[connID]
	return b, ok
}

// bindingsOf returns every local binding of participantID.
func (m *Manager) bindingsOf(participantID string) []*Binding {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Binding
	for _, b := range m.bindings {
		if b.ParticipantID == participantID {
			out = append(out, b)
		}
	}
	return out
}

// liveBindings returns the local bindings of participantID that finished the
// handshake.
func (m *Manager) liveBindings(participantID string) []*Binding {
	var out []*Binding
	for _, b := range m.bindingsOf(participantID) {
		if b.Acked() {
			out = append(out, b)
		}
	}
	return out
}

// Connections returns the number of bound connections.
func (m *Manager) Connections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bindings)
}

func (m *Manager) send(conn Conn, ev models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("failed to marshal event", "type", ev.Type, "error", err)
		return
	}
	if err := conn.Send(data); err != nil {
		m.logger.Warn("failed to send event", "connection_id", conn.ID(), "type", ev.Type, "error", err)
	}
}

// reply answers a command on the connection that sent it.
func (m *Manager) reply(conn Conn, cmd models.Event, typ models.EventType, roomID string, payload any) {
	ev := models.NewEvent(cmd.Namespace, typ, roomID, payload)
	ev.RequestID = cmd.RequestID
	m.send(conn, ev)
}

// reject sends a typed rejection back to the originating connection.
func (m *Manager) reject(conn Conn, cmd models.Event, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal || kind == apperr.KindUnavailable {
		m.logger.Error("command failed", "connection_id", conn.ID(), "type", cmd.Type, "error", err)
	} else {
		m.logger.Debug("command rejected", "connection_id", conn.ID(), "type", cmd.Type, "error", err)
	}
	m.send(conn, models.Event{
		Namespace: cmd.Namespace,
		Type:      models.EventError,
		RoomID:    cmd.RoomID,
		RequestID: cmd.RequestID,
		Error:     &models.ErrorBody{Code: string(kind), Reason: apperr.Reason(err)},
		Timestamp: m.now().UnixMilli(),
	})
}

// Handle decodes and dispatches one inbound message.
func (m *Manager) Handle(ctx context.Context, conn Conn, data []byte) {
	b, ok := m.binding(conn.ID())
	if !ok {
		return
	}

	var cmd models.Event
	if err := json.Unmarshal(data, &cmd); err != nil {
		m.reject(conn, models.Event{Namespace: models.NamespaceSession}, apperr.Validation("malformed message"))
		return
	}

	if err := m.dispatch(ctx, b, cmd); err != nil {
		m.reject(conn, cmd, err)
		if apperr.Is(err, apperr.KindInternal) && cmd.Namespace.Valid() {
			if roomID := b.room(cmd.Namespace); roomID != "" {
				m.discardRoom(ctx, cmd.Namespace, roomID)
			}
		}
	}
}

// discardRoom tears down a room whose stored state can no longer be read
// and tells its members.
func (m *Manager) discardRoom(ctx context.Context, kind models.Kind, roomID string) {
	unlock := m.locks.Lock(roomID)
	defer unlock()

	if _, err := m.rooms.EndRoom(ctx, roomID, "unreadable"); err != nil && !apperr.Is(err, apperr.KindNotFound) {
		m.logger.Error("failed to discard room", "room_id", roomID, "error", err)
		return
	}
	m.closeGroup(ctx, kind, roomID, "error")
}

func (m *Manager) dispatch(ctx context.Context, b *Binding, cmd models.Event) error {
	switch cmd.Type {
	case models.CmdSessionAck:
		return m.ack(ctx, b, cmd)
	case models.CmdPing:
		m.reply(b.conn, cmd, models.EventPong, "", models.PongPayload{ServerTime: m.now().UnixMilli()})
		return nil
	}

	if !b.Acked() {
		return apperr.Permission("handshake not completed")
	}

	switch cmd.Type {
	case models.CmdMatchRequest:
		return m.matchRequest(ctx, b, cmd)
	case models.CmdMatchCancel:
		return m.matchCancel(ctx, b, cmd)
	case models.CmdRoomCreate:
		return m.roomCreate(ctx, b, cmd)
	case models.CmdRoomJoin:
		return m.roomJoin(ctx, b, cmd)
	case models.CmdRoomLeave:
		return m.roomLeave(ctx, b, cmd)
	case models.CmdMoveSubmit:
		return m.moveSubmit(ctx, b, cmd)
	case models.CmdGameResign:
		return m.gameResign(ctx, b, cmd)
	case models.CmdPlaybackPlay, models.CmdPlaybackPause, models.CmdPlaybackSeek, models.CmdPlaybackMedia:
		return m.playbackControl(ctx, b, cmd)
	case models.CmdSignalOffer, models.CmdSignalAnswer, models.CmdSignalCandidate:
		return m.signal(ctx, b, cmd)
	}
	return apperr.Validation("unknown message type " + string(cmd.Type))
}

// ack completes the handshake and resumes seats the identity still holds.
func (m *Manager) ack(ctx context.Context, b *Binding, cmd models.Event) error {
	b.mu.Lock()
	already := b.acked
	b.acked = true
	if b.handshake != nil {
		b.handshake.Stop()
	}
	b.mu.Unlock()
	if already {
		return nil
	}

	for _, kind := range models.Kinds {
		room, err := m.rooms.ActiveRoom(ctx, kind, b.ParticipantID)
		if apperr.Is(err, apperr.KindNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := m.enterRoom(ctx, b, cmd, room.Code); err != nil {
			m.logger.Warn("failed to resume seat", "participant_id", b.ParticipantID, "room_id", room.ID, "error", err)
		}
	}
	return nil
}

// CreateRoom creates a room of kind with id as its creator and first member.
// Live connections of id are subscribed to it; without one the seat starts
// out disconnected and is resumed on the next handshake.
func (m *Manager) CreateRoom(ctx context.Context, id identity.Identity, kind models.Kind, meta registry.Metadata) (*models.Room, error) {
	live := m.liveBindings(id.ID)
	meta.CreatorID = id.ID
	room, err := m.rooms.CreateRoom(ctx, kind, []models.Member{
		{ParticipantID: id.ID, Verified: id.Verified, Connected: len(live) > 0},
	}, meta)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(room.ID)
	defer unlock()
	for _, b := range live {
		m.subscribe(b, room)
	}
	return room, nil
}

// JoinRoom seats id in the room behind code on behalf of a caller without a
// connection of its own, such as a REST request. The room hears about the new
// seat the same way it does for a websocket join.
func (m *Manager) JoinRoom(ctx context.Context, id identity.Identity, code string) (*registry.JoinResult, error) {
	room, err := m.rooms.GetRoomByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(room.ID)
	defer unlock()

	res, wasConnected, err := m.seat(ctx, room, code, id, m.liveBindings(id.ID))
	if err != nil {
		return nil, err
	}
	m.announceJoin(ctx, res, id.ID, wasConnected)
	return res, nil
}

// Disconnect unwinds a closed connection: queue entries are withdrawn and
// every room the connection was in learns about the departure.
func (m *Manager) Disconnect(ctx context.Context, conn Conn) {
	m.mu.Lock()
	b, ok := m.bindings[conn.ID()]
	delete(m.bindings, conn.ID())
	m.mu.Unlock()
	if !ok {
		return
	}

	b.mu.Lock()
	if b.handshake != nil {
		b.handshake.Stop()
	}
	b.mu.Unlock()

	memberships := m.hub.Unregister(conn)

	if !m.hub.Connected(b.ParticipantID) {
		if err := m.queue.WithdrawAll(ctx, b.ParticipantID); err != nil {
			m.logger.Warn("failed to withdraw queue entries", "participant_id", b.ParticipantID, "error", err)
		}
	}

	for _, ms := range memberships {
		if contains(m.hub.Members(ms.Namespace, ms.RoomID), b.ParticipantID) {
			// another tab of the same participant is still in the room
			continue
		}
		if err := m.depart(ctx, ms.RoomID, b.ParticipantID, "disconnected"); err != nil && !apperr.Is(err, apperr.KindNotFound) {
			m.logger.Warn("failed to process departure", "room_id", ms.RoomID, "participant_id", b.ParticipantID, "error", err)
		}
	}
	m.logger.Info("connection closed", "connection_id", conn.ID(), "participant_id", b.ParticipantID)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// depart applies the departure policy of the room kind: chat rooms end at
// once, game rooms give the player a grace period before forfeit, playback
// rooms keep the seat. A room nobody is connected to any more is ended.
func (m *Manager) depart(ctx context.Context, roomID, participantID, reason string) error {
	unlock := m.locks.Lock(roomID)
	defer unlock()

	room, err := m.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	left := models.NewEvent(room.Kind, models.EventParticipantLeft, roomID, models.LeftPayload{
		ParticipantID: participantID,
		Reason:        reason,
	})

	if room.Kind == models.KindChat {
		m.hub.Emit(ctx, left, participantID)
		return m.endRoomLocked(ctx, room, "participant_left")
	}

	room, allGone, err := m.rooms.LeaveRoom(ctx, roomID, participantID)
	if err != nil {
		return err
	}
	m.hub.Emit(ctx, left, participantID)

	if allGone {
		return m.endRoomLocked(ctx, room, "all_departed")
	}
	if room.Kind == models.KindGame && room.Game != nil && room.Game.Status == models.GameActive {
		m.games.StartForfeitTimer(roomID, participantID)
	}
	return nil
}

// endRoomLocked removes the room and closes its group. The caller holds the room lock.
func (m *Manager) endRoomLocked(ctx context.Context, room *models.Room, reason string) error {
	for _, mem := range room.Members {
		m.games.CancelForfeit(room.ID, mem.ParticipantID)
	}
	if _, err := m.rooms.EndRoom(ctx, room.ID, reason); err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return err
	}
	m.closeGroup(ctx, room.Kind, room.ID, reason)
	return nil
}

// EndRoom ends roomID on behalf of its creator and tells the members.
func (m *Manager) EndRoom(ctx context.Context, roomID, participantID string) error {
	unlock := m.locks.Lock(roomID)
	defer unlock()

	room, err := m.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.CreatorID != participantID {
		return apperr.Permission("only the room creator can end the room")
	}
	return m.endRoomLocked(ctx, room, "deleted")
}

// closeGroup tells the remaining members the room is over and drops the group.
func (m *Manager) closeGroup(ctx context.Context, kind models.Kind, roomID, reason string) {
	m.hub.Emit(ctx, models.NewEvent(kind, models.EventRoomEnded, roomID, models.EndedPayload{Reason: reason}))
	m.hub.Close(kind, roomID)
	m.mu.RLock()
	for _, b := range m.bindings {
		b.dropRoom(kind, roomID)
	}
	m.mu.RUnlock()
}

// announceMatch tells both participants of a new pair about their room and
// subscribes their local connections to it.
func (m *Manager) announceMatch(ctx context.Context, room *models.Room) {
	for _, mem := range room.Members {
		partner := ""
		if others := room.Others(mem.ParticipantID); len(others) > 0 {
			partner = others[0]
		}
		for _, b := range m.bindingsOf(mem.ParticipantID) {
			m.subscribe(b, room)
		}
		m.hub.Notify(ctx, mem.ParticipantID, models.NewEvent(models.NamespaceSession, models.EventMatchFound, room.ID, models.MatchFoundPayload{
			RoomID:    room.ID,
			Code:      room.Code,
			PartnerID: partner,
			Role:      mem.Role,
		}))
	}
}

func (m *Manager) announceForfeit(ctx context.Context, room *models.Room) {
	unlock := m.locks.Lock(room.ID)
	defer unlock()
	m.emitGameOver(ctx, room)
}

func (m *Manager) emitGameOver(ctx context.Context, room *models.Room) {
	m.hub.Emit(ctx, models.NewEvent(models.KindGame, models.EventGameOver, room.ID, models.GameOverPayload{
		Result: room.Game.Result,
		Winner: room.Game.Winner,
		Reason: room.Game.Reason,
	}))
}

func (m *Manager) subscribe(b *Binding, room *models.Room) {
	m.hub.Join(room.Kind, room.ID, b.conn)
	b.setRoom(room.Kind, room.ID)
}

// view is the room as shown to clients, with the playback position projected to now.
func (m *Manager) view(room *models.Room) *models.Room {
	v := room.Clone()
	if v.Playback != nil {
		v.Playback = playback.Snapshot(room, m.now())
	}
	return v
}

// Close stops every pending timer.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bindings {
		b.mu.Lock()
		if b.handshake != nil {
			b.handshake.Stop()
		}
		b.mu.Unlock()
	}
	m.games.Stop()
}
