package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/session-coordinator/internal/apperr"
	"github.com/mossy-p/session-coordinator/internal/matchmaking"
	"github.com/mossy-p/session-coordinator/internal/models"
)

// RequestMatch queues the caller or pairs it with a waiting participant.
// Connected websocket sessions of both participants get match.found.
func (h *Handlers) RequestMatch(c *gin.Context) {
	id, ok := h.caller(c)
	if !ok {
		return
	}

	var req models.MatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.queue.Enqueue(c.Request.Context(), id.ID, id.Verified, req.Kind, req.Class,
		matchmaking.WithUTCOffset(req.UTCOffset))
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusOK
	if res.Status == models.MatchQueued {
		status = http.StatusAccepted
	}
	c.JSON(status, res.Response())
}

func (h *Handlers) MatchStatus(c *gin.Context) {
	id, ok := h.caller(c)
	if !ok {
		return
	}
	kind, err := queryKind(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	res, err := h.queue.Status(c.Request.Context(), id.ID, kind)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res.Response())
}

func (h *Handlers) CancelMatch(c *gin.Context) {
	id, ok := h.caller(c)
	if !ok {
		return
	}
	kind, err := queryKind(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	if err := h.queue.Withdraw(c.Request.Context(), id.ID, kind); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MatchResponse{Status: models.MatchIdle})
}

func queryKind(c *gin.Context) (models.Kind, error) {
	kind := models.Kind(c.Query("kind"))
	if !kind.Matchable() {
		return "", apperr.Validation("kind must be chat or game")
	}
	return kind, nil
}
