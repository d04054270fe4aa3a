// Package http builds the shared HTTP client used by the cloud storage backends.
package http

import (
	"crypto/tls"
	nethttp "net/http"
	"os"

	"golang.org/x/net/http2"

	"github.com/rescale/safedrop/internal/config"
	"github.com/rescale/safedrop/internal/constants"
)

// CreateOptimizedClient creates an HTTP client tuned for many concurrent object
// writes, with proxy support.
//
// Key features:
//   - Proxy support (uses ConfigureHTTPClient as base)
//   - Large connection pool for concurrent writes and probes
//   - HTTP/2 support with runtime toggle (DISABLE_HTTP2 env var)
//   - Disabled compression (no benefit for already-compressed files)
//   - No overall timeout; every request is bounded by its context
func CreateOptimizedClient(p config.ProxyConfig) (*nethttp.Client, error) {
	baseClient, err := ConfigureHTTPClient(p)
	if err != nil {
		return nil, err
	}
	baseClient.Timeout = 0

	tr, ok := baseClient.Transport.(*nethttp.Transport)
	if !ok {
		// NTLM mode wraps the transport in ntlmssp.Negotiator; keep it as-is
		return baseClient, nil
	}

	tr.MaxIdleConns = 512
	tr.MaxIdleConnsPerHost = 100
	tr.MaxConnsPerHost = 100 // must be >= MaxIdleConnsPerHost
	tr.IdleConnTimeout = constants.HTTPIdleConnTimeout
	tr.TLSHandshakeTimeout = constants.HTTPTLSHandshakeTimeout
	tr.ExpectContinueTimeout = constants.HTTPExpectContinueTimeout

	tr.DisableCompression = true
	tr.ForceAttemptHTTP2 = true

	_ = http2.ConfigureTransport(tr)

	// Set DISABLE_HTTP2=true to force HTTP/1.1
	if os.Getenv("DISABLE_HTTP2") == "true" {
		disableHTTP2(tr)
	}

	// Proxies often mishandle HTTP/2 multiplexing; FORCE_HTTP2=true overrides
	if ProxyActive(p) && os.Getenv("FORCE_HTTP2") != "true" {
		disableHTTP2(tr)
	}

	baseClient.Transport = tr
	return baseClient, nil
}

func disableHTTP2(tr *nethttp.Transport) {
	tr.ForceAttemptHTTP2 = false
	tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
}
