// Package registry creates, looks up, joins and expires ephemeral rooms.
//
// The registry owns the room invariants: a room never holds more members
// than its kind allows, a code maps to at most one live room, and a
// participant is bound to at most one live room per kind. All persistence
// goes through store.RoomStore; availability of the durable tier is the
// store's concern, not the registry's.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/session-coordinator/internal/apperr"
	"github.com/mossy-p/session-coordinator/internal/codegen"
	"github.com/mossy-p/session-coordinator/internal/models"
	"github.com/mossy-p/session-coordinator/internal/store"
)

const (
	DefaultTTL                = time.Hour
	DefaultPlaybackMaxMembers = 8
	MinMembers                = 2
	MaxPlaybackMembers        = 16
)

// Metadata carries the optional attributes of a new room.
type Metadata struct {
	CreatorID  string
	MaxMembers int    // playback only
	MediaRef   string // playback only
	Class      string // compatibility class a matched pair shared
}

// JoinResult describes the seat a participant obtained.
type JoinResult struct {
	Room      *models.Room
	Role      models.Role
	Reconnect bool
}

type Registry struct {
	store       store.RoomStore
	codes       *codegen.Generator
	ttl         time.Duration
	playbackMax int
	now         func() time.Time
	logger      *slog.Logger
}

type Option func(*Registry)

func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func WithPlaybackMaxMembers(n int) Option {
	return func(r *Registry) {
		if n >= MinMembers && n <= MaxPlaybackMembers {
			r.playbackMax = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithCodes(g *codegen.Generator) Option {
	return func(r *Registry) { r.codes = g }
}

func New(st store.RoomStore, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:       st,
		codes:       codegen.New(),
		ttl:         DefaultTTL,
		playbackMax: DefaultPlaybackMaxMembers,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TTL is the lifetime given to every new room.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// CreateRoom creates a room of kind seating members in order. Every initial
// member must be free of another live room of the same kind. A member's
// Connected flag is kept as given.
func (r *Registry) CreateRoom(ctx context.Context, kind models.Kind, members []models.Member, meta Metadata) (*models.Room, error) {
	if !kind.Valid() {
		return nil, apperr.Validation(fmt.Sprintf("unknown room kind %q", kind))
	}
	capacity, err := r.capacity(kind, meta.MaxMembers)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, apperr.Validation("room needs at least one member")
	}
	if len(members) > capacity {
		return nil, apperr.Validation("too many members for room")
	}

	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if m.ParticipantID == "" {
			return nil, apperr.Validation("member without participant id")
		}
		if seen[m.ParticipantID] {
			return nil, apperr.Validation("duplicate member")
		}
		seen[m.ParticipantID] = true
	}

	now := r.now()
	room := &models.Room{
		ID:         uuid.New().String(),
		Kind:       kind,
		Status:     models.RoomWaiting,
		CreatorID:  meta.CreatorID,
		Class:      meta.Class,
		MaxMembers: capacity,
		CreatedAt:  now,
		ExpiresAt:  now.Add(r.ttl),
	}
	if room.CreatorID == "" {
		room.CreatorID = members[0].ParticipantID
	}
	for _, m := range members {
		m.Role = nextRole(room)
		m.JoinedAt = now
		room.Members = append(room.Members, m)
	}

	switch kind {
	case models.KindGame:
		room.Game = &models.GameState{
			Board:  models.StartingBoard,
			Moves:  []string{},
			Turn:   models.RoleWhite,
			Status: models.GameWaiting,
		}
	case models.KindPlayback:
		room.Playback = &models.PlaybackState{
			MediaRef:  meta.MediaRef,
			HostID:    room.Members[0].ParticipantID,
			UpdatedAt: now,
		}
	}
	activate(room)

	code, err := r.codes.Generate(ctx, func(ctx context.Context, code string) (bool, error) {
		return r.store.ReserveCode(ctx, code, room.ID, r.ttl)
	})
	if err != nil {
		return nil, err
	}
	room.Code = code

	if err := r.store.SaveRoom(ctx, room, r.ttl); err != nil {
		r.discard(ctx, room, false)
		return nil, err
	}
	// the room is stored before anyone is claimed, so a competing claim can
	// always tell a live holder from a stale one
	for _, m := range room.Members {
		if err := r.claim(ctx, kind, m.ParticipantID, room.ID, r.ttl); err != nil {
			r.discard(ctx, room, true)
			return nil, err
		}
	}

	r.logger.Info("room created",
		"room_id", room.ID,
		"code", room.Code,
		"kind", kind,
		"members", len(room.Members),
	)
	return room, nil
}

// discard undoes a CreateRoom that failed part way. Deleting a saved room
// also drops its code and every binding still pointing at it.
func (r *Registry) discard(ctx context.Context, room *models.Room, saved bool) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if saved {
		err = r.store.DeleteRoom(ctx, room.ID)
	} else {
		err = r.store.ReleaseCode(ctx, room.Code, room.ID)
	}
	if err != nil {
		r.logger.Warn("failed to roll back room", "room_id", room.ID, "code", room.Code, "error", err)
	}
}

const maxClaimAttempts = 4

// claim binds participantID to roomID for kind. A binding held by a room that
// is gone, finished, or no longer seats the participant is taken over; a live
// one is a conflict.
func (r *Registry) claim(ctx context.Context, kind models.Kind, participantID, roomID string, ttl time.Duration) error {
	expect := ""
	for i := 0; i < maxClaimAttempts; i++ {
		holder, err := r.store.ClaimParticipant(ctx, kind, participantID, expect, roomID, ttl)
		if err != nil {
			return err
		}
		if holder == roomID {
			return nil
		}
		held, err := r.holds(ctx, holder, participantID)
		if err != nil {
			return err
		}
		if held {
			return apperr.Conflict(fmt.Sprintf("already in an active %s room", kind))
		}
		expect = holder
	}
	return apperr.Conflict("room is busy, try again")
}

// holds reports whether the room roomID still actively seats participantID.
func (r *Registry) holds(ctx context.Context, roomID, participantID string) (bool, error) {
	room, err := r.GetRoom(ctx, roomID)
	if apperr.Is(err, apperr.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return seats(room, participantID), nil
}

// seats is true while room counts as participantID's active room.
// A decided game no longer holds its players.
func seats(room *models.Room, participantID string) bool {
	if !room.IsMember(participantID) {
		return false
	}
	return room.Game == nil || room.Game.Status != models.GameFinished
}

func (r *Registry) capacity(kind models.Kind, requested int) (int, error) {
	if kind != models.KindPlayback {
		return kind.Capacity(), nil
	}
	if requested == 0 {
		return r.playbackMax, nil
	}
	if requested < MinMembers || requested > MaxPlaybackMembers {
		return 0, apperr.Validation(fmt.Sprintf("maxMembers must be between %d and %d", MinMembers, MaxPlaybackMembers))
	}
	return requested, nil
}

// nextRole picks the role for the next seat of room.
func nextRole(room *models.Room) models.Role {
	switch room.Kind {
	case models.KindGame:
		for _, m := range room.Members {
			if m.Role == models.RoleWhite {
				return models.RoleBlack
			}
		}
		return models.RoleWhite
	case models.KindPlayback:
		if len(room.Members) == 0 {
			return models.RoleHost
		}
		return models.RoleFollower
	}
	return models.RolePeer
}

// activate moves a room out of waiting once every seat has been filled.
// Playback rooms are usable by the host alone.
func activate(room *models.Room) {
	if room.Status != models.RoomWaiting {
		return
	}
	if room.Kind == models.KindPlayback || room.IsFull() {
		room.Status = models.RoomActive
		if room.Game != nil && room.Game.Status == models.GameWaiting {
			room.Game.Status = models.GameActive
		}
	}
}

func (r *Registry) live(room *models.Room) error {
	if room.Status == models.RoomClosed || room.IsExpired(r.now()) {
		return apperr.NotFound("room not found")
	}
	return nil
}

// GetRoom returns the live room with id.
func (r *Registry) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	room, err := r.store.LoadRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.live(room); err != nil {
		return nil, err
	}
	return room, nil
}

// GetRoomByCode resolves a shareable code to its live room.
func (r *Registry) GetRoomByCode(ctx context.Context, code string) (*models.Room, error) {
	if !codegen.Valid(code) {
		return nil, apperr.Validation("invalid code")
	}
	id, err := r.store.ResolveCode(ctx, code)
	if err != nil {
		return nil, err
	}
	room, err := r.GetRoom(ctx, id)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, apperr.NotFound("invalid code")
	}
	return room, err
}

// ListRooms returns the live rooms of kind, oldest first. An empty status
// matches every status.
func (r *Registry) ListRooms(ctx context.Context, kind models.Kind, status models.RoomStatus) ([]*models.Room, error) {
	if !kind.Valid() {
		return nil, apperr.Validation(fmt.Sprintf("unknown room kind %q", kind))
	}
	all, err := r.store.ListRooms(ctx, kind)
	if err != nil {
		return nil, err
	}
	rooms := make([]*models.Room, 0, len(all))
	for _, room := range all {
		if r.live(room) != nil {
			continue
		}
		if status != "" && room.Status != status {
			continue
		}
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
	return rooms, nil
}

// Lookup accepts either a room id or a code.
func (r *Registry) Lookup(ctx context.Context, idOrCode string) (*models.Room, error) {
	if codegen.Valid(idOrCode) {
		return r.GetRoomByCode(ctx, idOrCode)
	}
	return r.GetRoom(ctx, idOrCode)
}

// ActiveRoom returns the live room participantID is bound to for kind.
// Bindings left behind by rooms that no longer exist are dropped.
// A finished game does not count as active.
func (r *Registry) ActiveRoom(ctx context.Context, kind models.Kind, participantID string) (*models.Room, error) {
	id, err := r.store.BoundRoom(ctx, kind, participantID)
	if err != nil {
		return nil, err
	}
	room, err := r.GetRoom(ctx, id)
	if apperr.Is(err, apperr.KindNotFound) {
		if uerr := r.store.UnbindParticipant(ctx, kind, participantID, id); uerr != nil {
			r.logger.Warn("failed to drop stale binding", "participant_id", participantID, "room_id", id, "error", uerr)
		}
		return nil, apperr.NotFound("no active room")
	}
	if err != nil {
		return nil, err
	}
	if !seats(room, participantID) {
		return nil, apperr.NotFound("no active room")
	}
	return room, nil
}

// Unbind releases participantID from roomID so it may enter another room of
// kind. Its seat in roomID is kept.
func (r *Registry) Unbind(ctx context.Context, kind models.Kind, participantID, roomID string) error {
	return r.store.UnbindParticipant(ctx, kind, participantID, roomID)
}

// JoinRoom seats seat.ParticipantID in the room behind code. A participant who
// already holds a seat reconnects to it instead. Only seat.ParticipantID,
// seat.Verified and seat.Connected are read; a reconnect never clears an
// existing connection.
func (r *Registry) JoinRoom(ctx context.Context, code string, seat models.Member) (*JoinResult, error) {
	participantID := seat.ParticipantID
	if participantID == "" {
		return nil, apperr.Validation("missing participant id")
	}
	room, err := r.GetRoomByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	if !room.IsMember(participantID) {
		active, err := r.ActiveRoom(ctx, room.Kind, participantID)
		if err == nil && active.ID != room.ID {
			return nil, apperr.Conflict(fmt.Sprintf("already in an active %s room", room.Kind))
		}
		if err != nil && !apperr.Is(err, apperr.KindNotFound) {
			return nil, err
		}
	}

	var (
		role      models.Role
		reconnect bool
	)
	updated, err := r.store.UpdateRoom(ctx, room.ID, func(rm *models.Room) error {
		role, reconnect = "", false
		if err := r.live(rm); err != nil {
			return err
		}
		if m, ok := rm.Member(participantID); ok {
			m.Connected = m.Connected || seat.Connected
			role, reconnect = m.Role, true
			return nil
		}
		if rm.IsFull() {
			return apperr.Conflict("room full")
		}
		role = nextRole(rm)
		rm.Members = append(rm.Members, models.Member{
			ParticipantID: participantID,
			Role:          role,
			Verified:      seat.Verified,
			Connected:     seat.Connected,
			JoinedAt:      r.now(),
		})
		activate(rm)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !reconnect {
		if err := r.claim(ctx, updated.Kind, participantID, updated.ID, r.until(updated)); err != nil {
			r.unseat(ctx, updated.ID, participantID)
			return nil, err
		}
	}

	r.logger.Info("room joined",
		"room_id", updated.ID,
		"participant_id", participantID,
		"role", role,
		"reconnect", reconnect,
	)
	return &JoinResult{Room: updated, Role: role, Reconnect: reconnect}, nil
}

// unseat removes a seat JoinRoom added but could not bind. A room that filled
// up through that seat goes back to waiting unless play already started.
func (r *Registry) unseat(ctx context.Context, roomID, participantID string) {
	ctx = context.WithoutCancel(ctx)
	_, err := r.store.UpdateRoom(ctx, roomID, func(rm *models.Room) error {
		kept := rm.Members[:0]
		for _, m := range rm.Members {
			if m.ParticipantID != participantID {
				kept = append(kept, m)
			}
		}
		rm.Members = kept
		if rm.Kind == models.KindPlayback || rm.Status != models.RoomActive || rm.IsFull() {
			return nil
		}
		if rm.Game != nil {
			if len(rm.Game.Moves) > 0 {
				return nil
			}
			rm.Game.Status = models.GameWaiting
		}
		rm.Status = models.RoomWaiting
		return nil
	})
	if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		r.logger.Warn("failed to remove unbound seat", "room_id", roomID, "participant_id", participantID, "error", err)
	}
}

func (r *Registry) until(room *models.Room) time.Duration {
	ttl := room.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return time.Second
	}
	return ttl
}

// LeaveRoom flags participantID as departed. The seat is kept so the same
// identity can reconnect. allDeparted reports that nobody is left connected.
func (r *Registry) LeaveRoom(ctx context.Context, roomID, participantID string) (room *models.Room, allDeparted bool, err error) {
	room, err = r.store.UpdateRoom(ctx, roomID, func(rm *models.Room) error {
		m, ok := rm.Member(participantID)
		if !ok {
			return apperr.NotFound("not a member of this room")
		}
		m.Connected = false
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return room, room.ConnectedCount() == 0, nil
}

// EndRoom removes the room together with its code and member bindings.
// A room whose record cannot be read is removed as well.
func (r *Registry) EndRoom(ctx context.Context, roomID, reason string) (*models.Room, error) {
	room, err := r.store.LoadRoom(ctx, roomID)
	if apperr.Is(err, apperr.KindInternal) {
		r.logger.Error("discarding unreadable room", "room_id", roomID, "error", err)
		room = &models.Room{ID: roomID}
	} else if err != nil {
		return nil, err
	}
	if err := r.store.DeleteRoom(ctx, roomID); err != nil {
		return nil, err
	}
	room.Status = models.RoomClosed
	r.logger.Info("room ended", "room_id", roomID, "kind", room.Kind, "reason", reason)
	return room, nil
}

// Update applies fn atomically to a live room.
func (r *Registry) Update(ctx context.Context, roomID string, fn store.UpdateFunc) (*models.Room, error) {
	return r.store.UpdateRoom(ctx, roomID, func(rm *models.Room) error {
		if err := r.live(rm); err != nil {
			return err
		}
		return fn(rm)
	})
}

// Expire removes rooms past their ExpiresAt and returns them.
func (r *Registry) Expire(ctx context.Context) ([]*models.Room, error) {
	expired, err := r.store.ExpireRooms(ctx, r.now())
	if err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		r.logger.Info("expired rooms", "count", len(expired))
	}
	return expired, nil
}
