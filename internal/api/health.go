package api

import (
	"context"
	"time"

	"github.com/Egham-7/adaptive-proxy/internal/memcache"
	"github.com/Egham-7/adaptive-proxy/internal/store"

	"github.com/gofiber/fiber/v2"
)

// HealthHandler reports the health of the proxy's own storage layers.
type HealthHandler struct {
	store *store.Store
	cache *memcache.Cache
}

// NewHealthHandler builds the handler from the store and memory cache.
func NewHealthHandler(st *store.Store, cache *memcache.Cache) *HealthHandler {
	return &HealthHandler{store: st, cache: cache}
}

// HealthCheck returns the health status of the proxy and its persistent store.
func (h *HealthHandler) HealthCheck(c *fiber.Ctx) error {
	storeStatus := h.checkStore()

	overallStatus := "healthy"
	statusCode := fiber.StatusOK
	if storeStatus != "healthy" {
		overallStatus = "degraded"
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks": fiber.Map{
			"store":             storeStatus,
			"memory_cache_size": h.cache.Size(),
		},
	})
}

func (h *HealthHandler) checkStore() string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := h.store.Stats(ctx, 0); err != nil {
		return "unhealthy"
	}
	return "healthy"
}
