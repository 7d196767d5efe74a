// Package httpx holds outbound HTTP helpers shared by the proxy and the rule
// loader.
package httpx

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"time"

	"github.com/rs/zerolog"
)

// LoggingTransport logs every round trip with its status and elapsed time.
type LoggingTransport struct {
	base   http.RoundTripper
	logger zerolog.Logger
	now    func() time.Time
}

// NewLoggingTransport wraps base; nil means http.DefaultTransport.
func NewLoggingTransport(base http.RoundTripper, logger zerolog.Logger) *LoggingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &LoggingTransport{
		base:   base,
		logger: logger.With().Str("component", "http_client").Logger(),
		now:    time.Now,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := t.now()
	resp, err := t.base.RoundTrip(req)
	elapsed := t.now().Sub(start)

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(req.Context().Err(), context.Canceled) {
			t.logger.Warn().
				Str("method", req.Method).
				Str("url", req.URL.Redacted()).
				Dur("elapsed", elapsed).
				Msg("http request canceled")
			return nil, err
		}
		t.logger.Error().
			Str("method", req.Method).
			Str("url", req.URL.Redacted()).
			Dur("elapsed", elapsed).
			Err(err).
			Msg("http request failed")
		return nil, err
	}

	t.logger.Info().
		Str("method", req.Method).
		Str("url", req.URL.Redacted()).
		Int("status", resp.StatusCode).
		Dur("elapsed", elapsed).
		Msg("http request completed")
	return resp, nil
}
