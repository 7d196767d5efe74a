package httpx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/relaykit/internal/retry"
)

const maxLoggedBody = 64 << 10

// RequestFunc builds a fresh request for every attempt.
type RequestFunc func(ctx context.Context) (*http.Request, error)

// RetryQuery issues a read-only request, retrying transport errors, timeouts
// and 5xx/408/429/404 responses according to policy (retry.DefaultExponential
// when nil). Discarded responses are drained and closed. When retries run out
// on a retryable status the error is a *retry.StatusError. opts are passed to
// retry.DoValue.
func RetryQuery(ctx context.Context, client *http.Client, newReq RequestFunc, policy retry.Policy, logger zerolog.Logger, opts ...retry.Option) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if policy == nil {
		policy = retry.DefaultExponential()
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	op := func(ctx context.Context) (*http.Response, error) {
		req, err := newReq(ctx)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("httpx: build request: %w", err))
		}
		if !isQueryMethod(req.Method) {
			return nil, retry.Permanent(fmt.Errorf("httpx: %s is not a query method", req.Method))
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		if retry.RetryableStatus(resp.StatusCode) {
			body := readBody(resp.Body)
			resp.Body.Close()
			return nil, &retry.StatusError{Code: resp.StatusCode, Body: body}
		}
		return resp, nil
	}

	opts = append([]retry.Option{retry.WithOnRetry(func(e retry.Event) {
		logger.Warn().
			Int("retry", e.Context.PreviousRetryCount+1).
			Dur("wait", e.Wait).
			Err(e.Err).
			Msg("retrying http query")
	})}, opts...)
	return retry.DoValue(ctx, policy, op, opts...)
}

// EnsureSuccess returns nil for 2xx responses. Otherwise it consumes the
// body, logs it and returns a *retry.StatusError. The caller still closes
// the body.
func EnsureSuccess(resp *http.Response, logger zerolog.Logger) error {
	if resp == nil {
		return fmt.Errorf("httpx: nil response")
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	body := readBody(resp.Body)
	evt := logger.Error().Int("status", resp.StatusCode).Str("body", body)
	if resp.Request != nil && resp.Request.URL != nil {
		evt = evt.Str("url", resp.Request.URL.Redacted())
	}
	evt.Msg("http request returned unsuccessful status")

	return &retry.StatusError{Code: resp.StatusCode, Body: body}
}

func isQueryMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func readBody(r io.Reader) string {
	if r == nil {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(r, maxLoggedBody))
	return strings.TrimSpace(string(b))
}
