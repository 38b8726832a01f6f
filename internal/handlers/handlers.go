// Package handlers exposes the coordinator over HTTP: a small REST surface
// for rooms and matchmaking, and the websocket every live client holds.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/session-coordinator/internal/apperr"
	"github.com/mossy-p/session-coordinator/internal/hub"
	"github.com/mossy-p/session-coordinator/internal/identity"
	"github.com/mossy-p/session-coordinator/internal/matchmaking"
	"github.com/mossy-p/session-coordinator/internal/middleware"
	"github.com/mossy-p/session-coordinator/internal/registry"
	"github.com/mossy-p/session-coordinator/internal/session"
)

// StoreHealth reports how many keys are only held by the local fallback.
type StoreHealth interface {
	DegradedKeys() int
}

type Handlers struct {
	rooms    *registry.Registry
	queue    *matchmaking.Queue
	sessions *session.Manager
	hub      *hub.Hub
	store    StoreHealth
	logger   *slog.Logger
}

func New(
	rooms *registry.Registry,
	queue *matchmaking.Queue,
	sessions *session.Manager,
	h *hub.Hub,
	store StoreHealth,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		rooms:    rooms,
		queue:    queue,
		sessions: sessions,
		hub:      h,
		store:    store,
		logger:   logger,
	}
}

// Register mounts every route on router. Identity admission applies to all
// of them except the health check.
func (h *Handlers) Register(router gin.IRouter, resolver *identity.Resolver) {
	router.GET("/health", h.Health)

	admitted := router.Group("", middleware.Identity(resolver))
	api := admitted.Group("/api")
	{
		api.GET("/stats", h.Stats)

		api.GET("/rooms", h.ListRooms)
		api.POST("/rooms", h.CreateRoom)
		api.POST("/rooms/join", h.JoinRoom)
		api.GET("/rooms/:roomId", h.GetRoom)
		api.DELETE("/rooms/:roomId", h.DeleteRoom)

		api.POST("/match", h.RequestMatch)
		api.GET("/match/status", h.MatchStatus)
		api.DELETE("/match", h.CancelMatch)
	}
	admitted.GET("/ws", h.ServeWS)
}

// fail writes err as a JSON error with the status of its kind.
func (h *Handlers) fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error": apperr.Reason(err),
		"code":  kind,
	})
}

func (h *Handlers) caller(c *gin.Context) (identity.Identity, bool) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "User not identified"})
	}
	return id, ok
}

// Health reports liveness. The durable store being down degrades the
// service but does not make it unhealthy.
func (h *Handlers) Health(c *gin.Context) {
	status := "ok"
	if h.store != nil && h.store.DegradedKeys() > 0 {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (h *Handlers) Stats(c *gin.Context) {
	stats := h.hub.Stats()
	body := gin.H{
		"connections":  stats.Connections,
		"participants": stats.Participants,
		"groups":       stats.Groups,
		"sessions":     h.sessions.Connections(),
		"matchRule":    h.queue.Rule().Name(),
	}
	if h.store != nil {
		body["degradedKeys"] = h.store.DegradedKeys()
	}
	c.JSON(http.StatusOK, body)
}
