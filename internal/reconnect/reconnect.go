// Package reconnect keeps retrying to open a long-lived connection until it
// succeeds or the context ends.
package reconnect

import (
	"context"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/relaykit/internal/retry"
)

// DefaultPollInterval is how often CanConnect is re-checked.
const DefaultPollInterval = 100 * time.Millisecond

// Starter is a connection that can be (re)started.
type Starter interface {
	// CanConnect gates Start; Connect waits while it reports false.
	CanConnect() bool
	Start(ctx context.Context) error
}

// Funcs adapts plain functions to Starter. A nil CanConnectFunc always allows
// connecting.
type Funcs struct {
	CanConnectFunc func() bool
	StartFunc      func(ctx context.Context) error
}

// CanConnect implements Starter.
func (f Funcs) CanConnect() bool {
	if f.CanConnectFunc == nil {
		return true
	}
	return f.CanConnectFunc()
}

// Start implements Starter.
func (f Funcs) Start(ctx context.Context) error { return f.StartFunc(ctx) }

// Option customises Connect.
type Option func(*settings)

type settings struct {
	policy  retry.Policy
	poll    time.Duration
	onError func(err error, attempt int)
	sleep   func(ctx context.Context, d time.Duration) error
	logger  zerolog.Logger
}

// WithPolicy replaces the staged retry policy.
func WithPolicy(p retry.Policy) Option {
	return func(s *settings) {
		if p != nil {
			s.policy = p
		}
	}
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithOnError registers a callback invoked after every failed Start.
func WithOnError(fn func(err error, attempt int)) Option {
	return func(s *settings) {
		s.onError = fn
	}
}

// WithSleeper replaces the wait function, for tests.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *settings) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

// WithLogger sets the logger used for attempt logging.
func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) {
		if !reflect.ValueOf(l).IsZero() {
			s.logger = l
		}
	}
}

// Connect starts s, retrying failures with retry.Staged by default. It
// returns true once Start succeeds and false when ctx ends first or the
// policy gives up.
func Connect(ctx context.Context, s Starter, opts ...Option) bool {
	cfg := settings{
		policy: retry.Staged{},
		poll:   DefaultPollInterval,
		sleep:  retry.Sleep,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	start := time.Now()
	rc := retry.Context{}
	for {
		for !s.CanConnect() {
			if err := cfg.sleep(ctx, cfg.poll); err != nil {
				return false
			}
		}
		if ctx.Err() != nil {
			return false
		}

		err := s.Start(ctx)
		if err == nil {
			if rc.PreviousRetryCount > 0 {
				cfg.logger.Info().Int("attempts", rc.PreviousRetryCount+1).Msg("connection established after retries")
			}
			return true
		}

		if cfg.onError != nil {
			cfg.onError(err, rc.PreviousRetryCount+1)
		}

		rc.Elapsed = time.Since(start)
		wait, again := cfg.policy.NextDelay(rc, retry.Classify(err))
		if !again {
			cfg.logger.Error().Err(err).Int("attempts", rc.PreviousRetryCount+1).Msg("connection attempts abandoned")
			return false
		}
		cfg.logger.Warn().Err(err).Dur("wait", wait).Int("attempt", rc.PreviousRetryCount+1).Msg("connection failed, retrying")

		if err := cfg.sleep(ctx, wait); err != nil {
			return false
		}
		rc.PreviousRetryCount++
	}
}
