// Package httplog wraps outbound HTTP calls with structured request logging.
package httplog

import (
	"net/http"
	"time"

	"github.com/dvloznov/flowix-sync/internal/logger"
)

// Transport logs every round trip through the logger carried by the
// request context.
type Transport struct {
	Base http.RoundTripper
}

// New wraps base; nil means http.DefaultTransport.
func New(base http.RoundTripper) *Transport {
	return &Transport{Base: base}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	log := logger.FromContext(r.Context())
	start := time.Now()

	resp, err := base.RoundTrip(r)
	if err != nil {
		log.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("HTTP request failed")
		return nil, err
	}

	ev := log.Debug()
	if resp.StatusCode >= http.StatusBadRequest {
		ev = log.Warn()
	}
	ev.Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("query", r.URL.RawQuery).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("HTTP request")

	return resp, nil
}
