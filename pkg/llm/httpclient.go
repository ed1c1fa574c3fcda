package llm

import (
	"io"
	"net"
	"net/http"
	"time"
)

const (
	// DefaultConnectTimeout bounds TCP dial plus TLS handshake.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultRequestTimeout bounds a whole exchange, stream body included.
	DefaultRequestTimeout = 120 * time.Second

	errorBodyLimit = 64 * 1024
	drainLimit     = 4 * 1024
)

// NewHTTPClient builds the client used for provider calls. Zero durations
// fall back to the defaults.
func NewHTTPClient(connectTimeout, requestTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 5,
		ForceAttemptHTTP2:   true,
	}
	return &http.Client{
		Timeout:   requestTimeout,
		Transport: transport,
	}
}

// readErrorBody reads at most limit bytes of an error response.
func readErrorBody(r io.Reader, limit int64) string {
	data, _ := io.ReadAll(io.LimitReader(r, limit))
	return string(data)
}

// drainAndClose lets the transport reuse the connection.
func drainAndClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, drainLimit))
	_ = rc.Close()
}
