package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"onairos/internal/services"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	connManager *services.ConnectionManager
	sessions    *services.SessionService
	redis       *services.RedisService // nil when Redis is disabled
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(connManager *services.ConnectionManager, sessions *services.SessionService, redis *services.RedisService) *HealthHandler {
	return &HealthHandler{
		connManager: connManager,
		sessions:    sessions,
		redis:       redis,
	}
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	redisStatus := "disabled"
	if h.redis != nil {
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()
		if err := h.redis.Ping(ctx); err != nil {
			redisStatus = "down"
		} else {
			redisStatus = "up"
		}
	}

	return c.JSON(fiber.Map{
		"status":      "healthy",
		"connections": h.connManager.Count(),
		"sessions":    h.sessions.Count(),
		"redis":       redisStatus,
		"timestamp":   time.Now().Format(time.RFC3339),
	})
}
