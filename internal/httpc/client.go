// Package httpc provides the shared HTTP transport for backend calls.
//
// The voice pipeline stages carry no timeout of their own; request lifetime is
// bounded by the caller's context and the transport-level timeouts set here.
package httpc

import (
	"net"
	"net/http"
	"time"
)

// Transport-level timeouts.
const (
	DefaultConnectTimeout        = 10 * time.Second
	DefaultKeepAlive             = 30 * time.Second
	DefaultIdleConnTimeout       = 90 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 60 * time.Second
)

// NewTransport returns an http.Transport with production-ready defaults.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DefaultConnectTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Client is the shared HTTP client. It has no overall Timeout so that
// cancellation is driven by request contexts.
var Client = &http.Client{Transport: NewTransport()}

// NewClient creates a new HTTP client. A zero timeout leaves the request
// lifetime to the context.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: NewTransport(),
	}
}
