package transport

import (
	"os"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpproxy"
)

// NewProxyTransport builds a transport that routes every upstream call
// through the HTTP(S) proxy named by HTTP_PROXY/HTTPS_PROXY, for the
// use_proxy config mode.
func NewProxyTransport() *FastHTTPTransport {
	proxyURL := os.Getenv("HTTPS_PROXY")
	if proxyURL == "" {
		proxyURL = os.Getenv("HTTP_PROXY")
	}

	client := &fasthttp.Client{
		MaxConnsPerHost: 512,
	}
	if proxyURL != "" {
		client.Dial = fasthttpproxy.FasthttpHTTPDialer(proxyURL)
	}

	return &FastHTTPTransport{client: client}
}
