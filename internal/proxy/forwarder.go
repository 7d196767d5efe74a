package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/relaykit/internal/httpx"
)

// Outcomes reported to an Observer.
const (
	OutcomePassThrough = "pass_through"
	OutcomeForwarded   = "forwarded"
	OutcomeError       = "error"
)

// Observer receives one call per request seen by the forwarder.
type Observer interface {
	ObserveProxy(outcome string, elapsed time.Duration)
}

// ErrorHandler reacts to a forwarding failure after a rule matched.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// ForwardError describes a failed forward. Started is true once response
// headers have been written to the client.
type ForwardError struct {
	Target  string
	Started bool
	Err     error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("proxy: forward to %s: %v", e.Target, e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }

// Option customises a Forwarder.
type Option func(*Forwarder)

// WithClient replaces the outbound HTTP client. Redirects are relayed rather
// than followed only if the client is configured that way.
func WithClient(c *http.Client) Option {
	return func(f *Forwarder) {
		if c != nil {
			f.client = c
		}
	}
}

// WithErrorHandler overrides how the middleware reports forwarding errors.
func WithErrorHandler(h ErrorHandler) Option {
	return func(f *Forwarder) {
		if h != nil {
			f.onError = h
		}
	}
}

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(f *Forwarder) {
		if o != nil {
			f.observer = o
		}
	}
}

// WithTimeout bounds a forwarded round trip on the default client.
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// Forwarder relays requests matching its Table. It never retries.
type Forwarder struct {
	table    *Table
	client   *http.Client
	logger   zerolog.Logger
	onError  ErrorHandler
	observer Observer
	timeout  time.Duration
	now      func() time.Time
}

// NewForwarder builds a Forwarder. The default client logs every round trip,
// times out after 100s and does not follow redirects.
func NewForwarder(table *Table, logger zerolog.Logger, opts ...Option) (*Forwarder, error) {
	if table == nil {
		return nil, errors.New("proxy: rule table is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	f := &Forwarder{
		table:   table,
		logger:  logger.With().Str("component", "proxy").Logger(),
		timeout: 100 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}

	if f.client == nil {
		// Compression stays off so upstream Content-Encoding reaches the client as sent.
		base := http.DefaultTransport.(*http.Transport).Clone()
		base.DisableCompression = true
		f.client = &http.Client{
			Transport: httpx.NewLoggingTransport(base, logger),
			Timeout:   f.timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if f.onError == nil {
		f.onError = f.defaultErrorHandler
	}
	return f, nil
}

// Forward relays r when a rule matches. handled is false when no rule applies
// and nothing was written to w. Transport errors are returned, not retried.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request) (handled bool, err error) {
	start := f.now()
	dest, matched, err := f.table.Resolve(r)
	if !matched {
		f.observe(OutcomePassThrough, start)
		return false, nil
	}
	defer func() {
		if err != nil {
			f.observe(OutcomeError, start)
			return
		}
		f.observe(OutcomeForwarded, start)
	}()
	if err != nil {
		return true, &ForwardError{Target: "<invalid>", Err: err}
	}

	target := dest.String()
	var body io.Reader
	if hasRequestBody(r.Method) {
		body = r.Body
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		return true, &ForwardError{Target: target, Err: err}
	}
	out.Header = r.Header.Clone()
	out.Host = dest.Host
	if body != nil {
		out.ContentLength = r.ContentLength
	}

	resp, err := f.client.Do(out)
	if err != nil {
		return true, &ForwardError{Target: target, Err: err}
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, vv := range resp.Header {
		header[k] = append([]string(nil), vv...)
	}
	header.Del("Transfer-Encoding")
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		return true, &ForwardError{Target: target, Started: true, Err: err}
	}

	f.logger.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("target", dest.Redacted()).
		Int("status", resp.StatusCode).
		Msg("request forwarded")
	return true, nil
}

// Middleware forwards matching requests and passes everything else to next
// untouched.
func (f *Forwarder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handled, err := f.Forward(w, r)
		if !handled {
			next.ServeHTTP(w, r)
			return
		}
		if err != nil {
			f.onError(w, r, err)
		}
	})
}

func (f *Forwarder) defaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	f.logger.Error().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Err(err).
		Msg("proxy forward failed")

	var fe *ForwardError
	if errors.As(err, &fe) && fe.Started {
		return
	}
	http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
}

func (f *Forwarder) observe(outcome string, start time.Time) {
	if f.observer != nil {
		f.observer.ObserveProxy(outcome, f.now().Sub(start))
	}
}

func hasRequestBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete, http.MethodTrace:
		return false
	default:
		return true
	}
}
