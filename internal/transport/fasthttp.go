package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

const defaultTimeout = 60 * time.Second

// FastHTTPTransport is the default transport, used when neither use_curl
// nor use_proxy is configured.
type FastHTTPTransport struct {
	client *fasthttp.Client
}

// NewFastHTTPTransport builds the default transport.
func NewFastHTTPTransport() *FastHTTPTransport {
	return &FastHTTPTransport{
		client: &fasthttp.Client{
			MaxConnsPerHost: 512,
		},
	}
}

func (t *FastHTTPTransport) Do(ctx context.Context, req Request) (*Response, error) {
	freq := fasthttp.AcquireRequest()
	fresp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(freq)
	defer fasthttp.ReleaseResponse(fresp)

	freq.SetRequestURI(req.URL)
	freq.Header.SetMethod(req.Method)
	for k, v := range req.Headers {
		freq.Header.Set(k, v)
	}
	if len(req.Body) > 0 {
		freq.SetBody(req.Body)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = t.client.DoDeadline(freq, fresp, deadline)
	} else {
		err = t.client.DoTimeout(freq, fresp, timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("upstream call failed: %w", err)
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.Write(fresp.Body())
	body := make([]byte, buf.Len())
	copy(body, buf.B)

	headers := make(map[string]string)
	fresp.Header.VisitAll(func(k, v []byte) {
		headers[string(k)] = string(v)
	})

	return &Response{
		StatusCode: fresp.StatusCode(),
		Body:       body,
		Headers:    headers,
	}, nil
}
