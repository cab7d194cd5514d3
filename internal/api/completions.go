package api

import (
	"github.com/Egham-7/adaptive-proxy/internal/dispatch"
	"github.com/Egham-7/adaptive-proxy/internal/domain"
	"github.com/Egham-7/adaptive-proxy/internal/models"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// CompletionHandler serves the OpenAI-compatible chat completions endpoint,
// delegating fingerprinting, caching, and upstream dispatch to the engine.
type CompletionHandler struct {
	engine         *dispatch.Engine
	enableThinking bool
}

// NewCompletionHandler wires the handler to a dispatch engine.
func NewCompletionHandler(engine *dispatch.Engine, enableThinking bool) *CompletionHandler {
	return &CompletionHandler{engine: engine, enableThinking: enableThinking}
}

// ChatCompletion handles POST /v1/chat/completions and /chat/completions.
func (h *CompletionHandler) ChatCompletion(c *fiber.Ctx) error {
	requestID := requestIDFromContext(c)

	var req domain.ChatCompletionRequest
	if err := c.BodyParser(&req); err != nil {
		return writeAppError(c, models.NewValidationError("invalid request body", err))
	}

	if len(req.Messages) == 0 {
		return writeAppError(c, models.NewValidationError("messages must not be empty", nil))
	}
	if req.Stream {
		return writeAppError(c, models.NewValidationError("streaming responses are not supported by this proxy", nil))
	}

	enableThinking := h.enableThinking
	if req.EnableThinking != nil {
		enableThinking = *req.EnableThinking
	}

	resp, hit, err := h.engine.HandleChat(c.UserContext(), &req, enableThinking)
	if err != nil {
		fiberlog.Warnf("[%s] chat completion failed: %v", requestID, err)
		return writeAppError(c, err)
	}

	c.Set("X-Cache", cacheHeader(hit))
	return c.JSON(resp)
}

func cacheHeader(hit bool) string {
	if hit {
		return "HIT"
	}
	return "MISS"
}

// requestIDFromContext reads the correlation ID set by the request-id
// middleware, falling back to "-" when absent (e.g. in unit tests that
// invoke a handler directly).
func requestIDFromContext(c *fiber.Ctx) string {
	if v, ok := c.Locals(requestIDLocalKey).(string); ok && v != "" {
		return v
	}
	return "-"
}

// writeAppError maps a models.AppError (or any error) onto an HTTP response
// with the project's status-code mapping.
func writeAppError(c *fiber.Ctx, err error) error {
	appErr, ok := err.(*models.AppError)
	if !ok {
		appErr = models.NewInternalError("internal server error", err)
	}
	sanitized := models.SanitizeError(appErr)
	return c.Status(sanitized.GetStatusCode()).JSON(fiber.Map{
		"error": fiber.Map{
			"message": sanitized.Message,
			"type":    string(sanitized.Type),
			"code":    sanitized.Code,
		},
	})
}
