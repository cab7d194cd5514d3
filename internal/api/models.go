package api

import (
	"github.com/Egham-7/adaptive-proxy/internal/domain"
	"github.com/Egham-7/adaptive-proxy/internal/models"

	"github.com/gofiber/fiber/v2"
)

// ModelsHandler serves the union of models declared across configured
// upstream endpoints, the supplemented GET /v1/models listing.
type ModelsHandler struct {
	endpoints []domain.Endpoint
}

// NewModelsHandler builds the handler from the static endpoint list.
func NewModelsHandler(endpoints []domain.Endpoint) *ModelsHandler {
	return &ModelsHandler{endpoints: endpoints}
}

// List handles GET /v1/models and /models.
func (h *ModelsHandler) List(c *fiber.Ctx) error {
	seen := make(map[string]struct{})
	var out []domain.ModelInfo

	for _, ep := range h.endpoints {
		names := ep.Models
		if len(names) == 0 && ep.Model != "" {
			names = []string{ep.Model}
		}
		for _, name := range names {
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, domain.ModelInfo{ID: name, Object: "model"})
		}
	}

	if len(out) == 0 {
		return writeAppError(c, models.NewNotFoundError("no upstream endpoints declare any models"))
	}

	return c.JSON(fiber.Map{
		"object": "list",
		"data":   out,
	})
}
