package api

import (
	"github.com/Egham-7/adaptive-proxy/internal/dispatch"
	"github.com/Egham-7/adaptive-proxy/internal/domain"
	"github.com/Egham-7/adaptive-proxy/internal/models"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// EmbeddingsHandler serves POST /v1/embeddings through the same dispatch
// engine used for chat completions.
type EmbeddingsHandler struct {
	engine *dispatch.Engine
}

// NewEmbeddingsHandler wires the handler to a dispatch engine.
func NewEmbeddingsHandler(engine *dispatch.Engine) *EmbeddingsHandler {
	return &EmbeddingsHandler{engine: engine}
}

// Create handles POST /v1/embeddings and /embeddings.
func (h *EmbeddingsHandler) Create(c *fiber.Ctx) error {
	requestID := requestIDFromContext(c)

	var req domain.EmbeddingsRequest
	if err := c.BodyParser(&req); err != nil {
		return writeAppError(c, models.NewValidationError("invalid request body", err))
	}
	if len(req.Input) == 0 {
		return writeAppError(c, models.NewValidationError("input must not be empty", nil))
	}

	payload, hit, err := h.engine.HandleEmbeddings(c.UserContext(), &req)
	if err != nil {
		fiberlog.Warnf("[%s] embeddings request failed: %v", requestID, err)
		return writeAppError(c, err)
	}

	c.Set("X-Cache", cacheHeader(hit))
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(payload)
}
