// Package transport implements the outbound HTTP client used to reach
// upstream endpoints. It exposes one interface so the default fasthttp
// client, an HTTP(S)-proxy-routed variant, and a command-line fallback
// transport are interchangeable inside the dispatch engine.
package transport

import (
	"context"
	"time"
)

// Request is one outbound call to an upstream endpoint.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

// Response is the raw upstream reply; the caller decides how to parse it.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string]string
}

// Transport performs one outbound HTTP call. Implementations must treat a
// deadline expiry as a failed call so the selector can fall through to the
// next candidate endpoint.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}
