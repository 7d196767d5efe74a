package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"reflect"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/example/relaykit/internal/mail"
	"github.com/example/relaykit/internal/worker"
)

const (
	defaultMaxBodyBytes    = 1 << 20
	defaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

// Deliverer is satisfied by *mail.Coordinator.
type Deliverer interface {
	Deliver(ctx context.Context, msg mail.Message) mail.Report
}

// Parker keeps messages that could not be delivered. *outbox.Store
// satisfies it.
type Parker interface {
	Put(msg mail.Message, reason string) error
}

// Option customises a Server.
type Option func(*Server)

// WithMiddleware wraps the route mux. Middlewares run in the order given,
// so the first one sees the request first.
func WithMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(s *Server) {
		for _, m := range mw {
			if m != nil {
				s.middleware = append(s.middleware, m)
			}
		}
	}
}

// WithMetricsHandler exposes h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithOutbox parks undelivered messages in p.
func WithOutbox(p Parker) Option {
	return func(s *Server) {
		if p != nil {
			s.outbox = p
		}
	}
}

// WithMaxBodyBytes bounds the accepted request body.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithReadiness registers a check consulted by GET /healthz.
func WithReadiness(check func() error) Option {
	return func(s *Server) { s.ready = check }
}

// WithShutdownTimeout bounds graceful shutdown in Run.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// Server exposes the delivery coordinator over HTTP.
type Server struct {
	logger          zerolog.Logger
	deliverer       Deliverer
	validator       worker.Validator
	outbox          Parker
	metrics         http.Handler
	ready           func() error
	middleware      []func(http.Handler) http.Handler
	maxBody         int64
	shutdownTimeout time.Duration
	handler         http.Handler
}

// SendResponse is the JSON body returned by POST /v1/mail.
type SendResponse struct {
	MessageID string `json:"message_id"`
	Delivered bool   `json:"delivered"`
	Provider  string `json:"provider,omitempty"`
	Attempts  int    `json:"attempts"`
	Queued    bool   `json:"queued,omitempty"`
	Error     string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New assembles the handler chain.
func New(deliverer Deliverer, validator worker.Validator, logger zerolog.Logger, opts ...Option) (*Server, error) {
	if deliverer == nil {
		return nil, errors.New("server: deliverer is required")
	}
	if validator == nil {
		return nil, errors.New("server: validator is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	s := &Server{
		logger:          logger.With().Str("component", "http_server").Logger(),
		deliverer:       deliverer,
		validator:       validator,
		maxBody:         defaultMaxBodyBytes,
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/mail", s.handleSend)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	var h http.Handler = mux
	for i := len(s.middleware) - 1; i >= 0; i-- {
		h = s.middleware[i](h)
	}
	h = hlog.AccessHandler(func(r *http.Request, status, size int, elapsed time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("elapsed", elapsed).
			Msg("request handled")
	})(h)
	h = hlog.RequestIDHandler("request_id", "X-Request-Id")(h)
	s.handler = hlog.NewHandler(s.logger)(h)
	return s, nil
}

// Handler returns the full handler chain.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit)})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "could not read body"})
		return
	}

	validated, err := s.validator.ParseAndValidate(r.Context(), payload)
	if err != nil {
		log.Warn().Err(err).Msg("mail request rejected")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	msg := validated.Message
	report := s.deliverer.Deliver(r.Context(), msg)
	resp := SendResponse{
		MessageID: report.MessageID,
		Delivered: report.Delivered,
		Provider:  report.Provider,
		Attempts:  countAttempts(report),
	}
	if resp.MessageID == "" {
		resp.MessageID = msg.ID
	}
	if report.Delivered {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	if report.Err != nil {
		resp.Error = report.Err.Error()
	}
	if s.outbox != nil && !errors.Is(report.Err, context.Canceled) {
		msg.ID = resp.MessageID
		if err := s.outbox.Put(msg, resp.Error); err != nil {
			log.Error().Err(err).Str("message_id", resp.MessageID).Msg("failed to park undelivered message")
		} else {
			resp.Queued = true
		}
	}
	writeJSON(w, http.StatusBadGateway, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil {
		if err := s.ready(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// countAttempts ignores skipped providers.
func countAttempts(r mail.Report) int {
	n := 0
	for _, a := range r.Attempts {
		if !a.Skipped {
			n++
		}
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
