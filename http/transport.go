// Package http carries shared HTTP client plumbing for the transport
// services.
package http

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// NewDefaultTransport returns the transport used by outbound API clients.
// It mirrors http.DefaultTransport except that the per-host idle pool is
// widened, each transport service talks to a single provider host and the
// default of two idle connections throttles concurrent fan-out.
func NewDefaultTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// NewDefaultTransportWithTLS returns the default transport configured with
// the given TLS settings.
func NewDefaultTransportWithTLS(tlsConfig *tls.Config) *http.Transport {
	t := NewDefaultTransport()
	t.TLSClientConfig = tlsConfig
	return t
}
