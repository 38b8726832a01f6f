// Package hub fans events out to the connections subscribed to a room.
//
// Every room has one group per namespace, so chat, game and playback events
// never share a channel. A group is locked for the whole fan-out of one
// event, which keeps the emission order of a room identical for every member.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mossy-p/session-coordinator/internal/models"
)

// Conn is the send side of a client connection.
type Conn interface {
	ID() string
	ParticipantID() string
	// Send must not block; a full buffer is reported as an error.
	Send(data []byte) error
}

// Membership names one room group.
type Membership struct {
	Namespace models.Kind
	RoomID    string
}

type group struct {
	mu    sync.Mutex
	conns map[string]Conn
}

type Stats struct {
	Connections  int `json:"connections"`
	Participants int `json:"participants"`
	Groups       int `json:"groups"`
}

type Hub struct {
	mu            sync.RWMutex
	groups        map[Membership]*group
	conns         map[string]Conn
	byParticipant map[string]map[string]Conn
	joined        map[string]map[Membership]bool // connection id -> groups

	relay      Relay
	instanceID string
	logger     *slog.Logger
}

func New(logger *slog.Logger) *Hub {
	return &Hub{
		groups:        make(map[Membership]*group),
		conns:         make(map[string]Conn),
		byParticipant: make(map[string]map[string]Conn),
		joined:        make(map[string]map[Membership]bool),
		logger:        logger,
	}
}

// UseRelay forwards every emission to other instances through relay and
// delivers theirs locally once Run is started.
func (h *Hub) UseRelay(relay Relay, instanceID string) {
	h.relay = relay
	h.instanceID = instanceID
}

// Register makes conn reachable through Notify.
func (h *Hub) Register(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[conn.ID()] = conn
	set, ok := h.byParticipant[conn.ParticipantID()]
	if !ok {
		set = make(map[string]Conn)
		h.byParticipant[conn.ParticipantID()] = set
	}
	set[conn.ID()] = conn
}

// Unregister removes conn from every group and returns the groups it was in.
func (h *Hub) Unregister(conn Conn) []Membership {
	left := h.LeaveAll(conn.ID())

	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn.ID())
	if set, ok := h.byParticipant[conn.ParticipantID()]; ok {
		delete(set, conn.ID())
		if len(set) == 0 {
			delete(h.byParticipant, conn.ParticipantID())
		}
	}
	return left
}

// Join subscribes conn to the group of (ns, roomID).
func (h *Hub) Join(ns models.Kind, roomID string, conn Conn) {
	key := Membership{Namespace: ns, RoomID: roomID}

	h.mu.Lock()
	g, ok := h.groups[key]
	if !ok {
		g = &group{conns: make(map[string]Conn)}
		h.groups[key] = g
	}
	m, ok := h.joined[conn.ID()]
	if !ok {
		m = make(map[Membership]bool)
		h.joined[conn.ID()] = m
	}
	m[key] = true

	g.mu.Lock()
	g.conns[conn.ID()] = conn
	g.mu.Unlock()
	h.mu.Unlock()
}

// Leave unsubscribes a connection. Empty groups are dropped.
func (h *Hub) Leave(ns models.Kind, roomID, connID string) {
	key := Membership{Namespace: ns, RoomID: roomID}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(key, connID)
}

func (h *Hub) leaveLocked(key Membership, connID string) {
	if m, ok := h.joined[connID]; ok {
		delete(m, key)
		if len(m) == 0 {
			delete(h.joined, connID)
		}
	}
	g, ok := h.groups[key]
	if !ok {
		return
	}
	g.mu.Lock()
	delete(g.conns, connID)
	empty := len(g.conns) == 0
	g.mu.Unlock()
	if empty {
		delete(h.groups, key)
	}
}

// LeaveAll unsubscribes a connection from every group.
func (h *Hub) LeaveAll(connID string) []Membership {
	h.mu.Lock()
	defer h.mu.Unlock()

	var left []Membership
	for key := range h.joined[connID] {
		left = append(left, key)
	}
	for _, key := range left {
		h.leaveLocked(key, connID)
	}
	return left
}

// Close drops the group and returns the participants that were in it.
func (h *Hub) Close(ns models.Kind, roomID string) []string {
	key := Membership{Namespace: ns, RoomID: roomID}

	h.mu.Lock()
	defer h.mu.Unlock()

	g, ok := h.groups[key]
	if !ok {
		return nil
	}
	delete(h.groups, key)

	g.mu.Lock()
	defer g.mu.Unlock()
	var participants []string
	for id, c := range g.conns {
		participants = append(participants, c.ParticipantID())
		if m, ok := h.joined[id]; ok {
			delete(m, key)
			if len(m) == 0 {
				delete(h.joined, id)
			}
		}
	}
	return participants
}

// Groups lists every group that currently has subscribers.
func (h *Hub) Groups() []Membership {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Membership, 0, len(h.groups))
	for key := range h.groups {
		out = append(out, key)
	}
	return out
}

// Members returns the participants subscribed to (ns, roomID) on this instance.
func (h *Hub) Members(ns models.Kind, roomID string) []string {
	h.mu.RLock()
	g, ok := h.groups[Membership{Namespace: ns, RoomID: roomID}]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	seen := make(map[string]bool, len(g.conns))
	var out []string
	for _, c := range g.conns {
		if !seen[c.ParticipantID()] {
			seen[c.ParticipantID()] = true
			out = append(out, c.ParticipantID())
		}
	}
	return out
}

// Connected reports whether participantID has a connection on this instance.
func (h *Hub) Connected(participantID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byParticipant[participantID]) > 0
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Connections:  len(h.conns),
		Participants: len(h.byParticipant),
		Groups:       len(h.groups),
	}
}

// Emit delivers ev to every member of the group named by ev.Namespace and
// ev.RoomID, except the excluded participants.
func (h *Hub) Emit(ctx context.Context, ev models.Event, exclude ...string) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal event", "type", ev.Type, "error", err)
		return
	}
	key := Membership{Namespace: ev.Namespace, RoomID: ev.RoomID}
	h.emitLocal(key, data, exclude)

	if h.relay != nil {
		h.publish(ctx, Envelope{
			Origin:    h.instanceID,
			Namespace: key.Namespace,
			RoomID:    key.RoomID,
			Exclude:   exclude,
			Data:      data,
		})
	}
}

// EmitLocal delivers ev to this instance's members of the group only. It is
// used for events every instance produces on its own, such as heartbeats.
func (h *Hub) EmitLocal(ev models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal event", "type", ev.Type, "error", err)
		return
	}
	h.emitLocal(Membership{Namespace: ev.Namespace, RoomID: ev.RoomID}, data, nil)
}

func (h *Hub) emitLocal(key Membership, data []byte, exclude []string) {
	h.mu.RLock()
	g, ok := h.groups[key]
	h.mu.RUnlock()
	if !ok {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.conns {
		if excluded(c.ParticipantID(), exclude) {
			continue
		}
		if err := c.Send(data); err != nil {
			h.logger.Warn("failed to deliver event", "connection_id", c.ID(), "room_id", key.RoomID, "error", err)
		}
	}
}

func excluded(participantID string, exclude []string) bool {
	for _, id := range exclude {
		if id == participantID {
			return true
		}
	}
	return false
}

// Notify delivers ev to every connection of participantID, whatever rooms
// they are in.
func (h *Hub) Notify(ctx context.Context, participantID string, ev models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal event", "type", ev.Type, "error", err)
		return
	}
	h.notifyLocal(participantID, data)

	if h.relay != nil {
		h.publish(ctx, Envelope{Origin: h.instanceID, ParticipantID: participantID, Data: data})
	}
}

func (h *Hub) notifyLocal(participantID string, data []byte) {
	h.mu.RLock()
	conns := make([]Conn, 0, len(h.byParticipant[participantID]))
	for _, c := range h.byParticipant[participantID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.Send(data); err != nil {
			h.logger.Warn("failed to deliver event", "connection_id", c.ID(), "participant_id", participantID, "error", err)
		}
	}
}

func (h *Hub) publish(ctx context.Context, env Envelope) {
	if err := h.relay.Publish(ctx, env); err != nil {
		h.logger.Warn("failed to relay event", "room_id", env.RoomID, "error", err)
	}
}

// Run delivers relayed events from other instances until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.relay == nil {
		<-ctx.Done()
		return nil
	}
	return h.relay.Subscribe(ctx, func(env Envelope) {
		if env.Origin == h.instanceID {
			return
		}
		if env.ParticipantID != "" {
			h.notifyLocal(env.ParticipantID, env.Data)
			return
		}
		h.emitLocal(Membership{Namespace: env.Namespace, RoomID: env.RoomID}, env.Data, env.Exclude)
	})
}
