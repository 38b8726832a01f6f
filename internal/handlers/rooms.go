package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/session-coordinator/internal/models"
	"github.com/mossy-p/session-coordinator/internal/playback"
	"github.com/mossy-p/session-coordinator/internal/registry"
)

// CreateRoom creates a room with the caller as its first member
func (h *Handlers) CreateRoom(c *gin.Context) {
	id, ok := h.caller(c)
	if !ok {
		return
	}

	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room, err := h.sessions.CreateRoom(c.Request.Context(), id, req.Kind, registry.Metadata{
		MaxMembers: req.MaxMembers,
		MediaRef:   req.MediaRef,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: room.ID,
		Code:   room.Code,
	})
}

// GetRoom gets room information by code or ID
func (h *Handlers) GetRoom(c *gin.Context) {
	room, err := h.rooms.Lookup(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view(room))
}

// ListRooms lists the live rooms of one kind, oldest first. Passing
// status=waiting narrows it to rooms with open seats.
func (h *Handlers) ListRooms(c *gin.Context) {
	status := models.RoomStatus(c.Query("status"))
	switch status {
	case "", models.RoomWaiting, models.RoomActive:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be waiting or active"})
		return
	}

	rooms, err := h.rooms.ListRooms(c.Request.Context(), models.Kind(c.Query("kind")), status)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]*models.Room, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, view(room))
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

// JoinRoom takes a seat in the room behind a code. Joining a room the caller
// already sits in reconnects to the same seat.
func (h *Handlers) JoinRoom(c *gin.Context) {
	id, ok := h.caller(c)
	if !ok {
		return
	}

	var req models.JoinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.sessions.JoinRoom(c.Request.Context(), id, req.Code)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, models.JoinRoomResponse{
		RoomID:       res.Room.ID,
		Role:         res.Role,
		Reconnect:    res.Reconnect,
		CurrentState: view(res.Room),
	})
}

// DeleteRoom ends a room (creator only)
func (h *Handlers) DeleteRoom(c *gin.Context) {
	id, ok := h.caller(c)
	if !ok {
		return
	}

	room, err := h.rooms.Lookup(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.sessions.EndRoom(c.Request.Context(), room.ID, id.ID); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

func view(room *models.Room) *models.Room {
	v := room.Clone()
	if v.Playback != nil {
		v.Playback = playback.Snapshot(room, time.Now())
	}
	return v
}
