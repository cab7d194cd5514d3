package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// requestIDLocalKey is the shared fiber.Ctx locals key for the per-request
// correlation id set by RequestIDMiddleware.
const requestIDLocalKey = "request_id"

// RequestIDMiddleware assigns a correlation id to every request, reusing an
// inbound X-Request-ID header when present.
func RequestIDMiddleware(c *fiber.Ctx) error {
	id := c.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	c.Locals(requestIDLocalKey, id)
	c.Set("X-Request-ID", id)
	return c.Next()
}
