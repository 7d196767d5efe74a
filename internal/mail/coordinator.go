package mail

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"

	emailprovider "github.com/example/relaykit/internal/providers/email"
	"github.com/example/relaykit/internal/retry"
)

// ErrAllProvidersFailed is set on a Report when no provider delivered.
var ErrAllProvidersFailed = errors.New("mail: all providers failed")

// AttemptResult is the outcome of one provider invocation, or of a skipped
// provider whose preconditions were not met.
type AttemptResult struct {
	MessageID string
	Provider  string
	Mode      Mode
	Success   bool
	Skipped   bool
	Code      int
	Err       error
	Retries   int
	Duration  time.Duration
}

// Report summarises a delivery.
type Report struct {
	MessageID string
	Delivered bool
	Provider  string
	Attempts  []AttemptResult
	Err       error
	Duration  time.Duration
}

// Observer receives every attempt and the final report. Implementations must
// be safe for concurrent use.
type Observer interface {
	ObserveAttempt(AttemptResult)
	ObserveDelivery(Report)
}

type nopObserver struct{}

func (nopObserver) ObserveAttempt(AttemptResult) {}
func (nopObserver) ObserveDelivery(Report)       {}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithPolicy sets the per-provider retry policy. nil disables retries.
func WithPolicy(p retry.Policy) Option {
	return func(c *Coordinator) {
		if p == nil {
			p = retry.Never
		}
		c.policy = p
	}
}

// WithProviderTimeout bounds every transport call.
func WithProviderTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithSleeper replaces the retry wait, for tests.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) {
		c.sleeper = fn
	}
}

// WithClock overrides the clock used for durations.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// Coordinator tries providers strictly in registry order and stops at the
// first success. A single Deliver call never has more than one transport call
// in flight. Coordinators hold no per-message state and may be shared.
type Coordinator struct {
	registry *Registry
	logger   zerolog.Logger
	policy   retry.Policy
	timeout  time.Duration
	observer Observer
	sleeper  func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

// NewCoordinator wires a coordinator around reg. By default each provider is
// retried with retry.DefaultExponential and each call is bounded by 30s.
func NewCoordinator(reg *Registry, logger zerolog.Logger, opts ...Option) (*Coordinator, error) {
	if reg == nil {
		return nil, errors.New("mail: registry dependency is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	c := &Coordinator{
		registry: reg,
		logger:   logger.With().Str("component", "mail_coordinator").Logger(),
		policy:   retry.DefaultExponential(),
		timeout:  30 * time.Second,
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Send delivers msg and reports whether any provider accepted it. Failure is
// signalled only through the return value.
func (c *Coordinator) Send(ctx context.Context, msg Message) bool {
	return c.Deliver(ctx, msg).Delivered
}

// Deliver is Send with the full attempt history.
func (c *Coordinator) Deliver(ctx context.Context, msg Message) Report {
	start := c.now()
	msg = msg.withID()
	report := Report{MessageID: msg.ID}

	log := c.logger.With().
		Str("message_id", msg.ID).
		Str("subject", msg.Subject).
		Str("from", msg.From.Email).
		Strs("to", msg.Recipients()).
		Logger()

	defer func() {
		report.Duration = c.now().Sub(start)
		c.observer.ObserveDelivery(report)
	}()

	if err := msg.Validate(); err != nil {
		report.Err = err
		log.Error().Err(err).Msg("mail message rejected")
		return report
	}

	payload := msg.payload()
	var lastErr error

	for _, entry := range c.registry.entries {
		if err := ctx.Err(); err != nil {
			report.Err = err
			log.Warn().Err(err).Msg("mail delivery canceled")
			return report
		}

		name := entry.Provider.Name()
		if pre, ok := entry.Provider.(emailprovider.Preconditioner); ok {
			if err := pre.Ready(); err != nil {
				result := AttemptResult{MessageID: msg.ID, Provider: name, Mode: entry.Mode, Skipped: true, Err: err}
				report.Attempts = append(report.Attempts, result)
				c.observer.ObserveAttempt(result)
				log.Warn().Str("provider", name).Err(err).Msg("mail provider skipped")
				continue
			}
		}

		attempts, err := c.tryProvider(ctx, log, entry, payload)
		report.Attempts = append(report.Attempts, attempts...)
		if err == nil {
			report.Delivered = true
			report.Provider = name
			return report
		}
		lastErr = err

		if ctx.Err() != nil {
			report.Err = ctx.Err()
			log.Warn().Err(ctx.Err()).Msg("mail delivery canceled")
			return report
		}
	}

	if lastErr != nil {
		report.Err = fmt.Errorf("%w: %w", ErrAllProvidersFailed, lastErr)
	} else {
		report.Err = ErrAllProvidersFailed
	}
	log.Error().
		Int("providers", c.registry.Len()).
		Err(report.Err).
		Msg("mail delivery failed on every provider")
	return report
}

func (c *Coordinator) tryProvider(ctx context.Context, log zerolog.Logger, entry Entry, payload *emailprovider.Payload) ([]AttemptResult, error) {
	name := entry.Provider.Name()
	plog := log.With().Str("provider", name).Str("mode", string(entry.Mode)).Logger()

	var attempts []AttemptResult
	op := func(ctx context.Context) error {
		result := c.invoke(ctx, entry, payload)
		result.Retries = len(attempts)
		attempts = append(attempts, result)
		c.observer.ObserveAttempt(result)

		var evt *zerolog.Event
		if result.Success {
			evt = plog.Info()
		} else {
			evt = plog.Warn().Err(result.Err)
		}
		evt.Int("attempt", result.Retries+1).
			Int("code", result.Code).
			Dur("duration", result.Duration).
			Bool("success", result.Success).
			Msg("mail provider attempt")

		return result.Err
	}

	opts := []retry.Option{
		retry.WithOnRetry(func(e retry.Event) {
			plog.Debug().
				Int("retry", e.Context.PreviousRetryCount+1).
				Str("kind", e.Kind.String()).
				Dur("wait", e.Wait).
				Msg("retrying mail provider")
		}),
	}
	if c.sleeper != nil {
		opts = append(opts, retry.WithSleeper(c.sleeper))
	}

	err := retry.Do(ctx, c.policy, op, opts...)
	if err != nil {
		plog.Error().Err(err).Int("attempts", len(attempts)).Msg("mail provider failed")
	}
	return attempts, err
}

// invoke runs one transport call. The call is detached from ctx cancellation
// and bounded by the provider timeout; panics become failed attempts.
func (c *Coordinator) invoke(ctx context.Context, entry Entry, payload *emailprovider.Payload) (result AttemptResult) {
	result = AttemptResult{
		MessageID: payload.MessageID,
		Provider:  entry.Provider.Name(),
		Mode:      entry.Mode,
	}
	start := c.now()

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Err = retry.Permanent(fmt.Errorf("mail: provider %s panicked: %v", result.Provider, r))
		}
		result.Duration = c.now().Sub(start)
	}()

	resp, err := entry.Provider.Send(callCtx, clonePayload(payload))
	if resp != nil {
		result.Code = resp.Code
	}
	if err != nil {
		result.Err = err
		return result
	}
	result.Success = true
	return result
}

// clonePayload isolates providers from each other's mutations.
func clonePayload(p *emailprovider.Payload) *emailprovider.Payload {
	cp := *p
	cp.To = append([]string(nil), p.To...)
	cp.Headers = make(map[string]string, len(p.Headers))
	for k, v := range p.Headers {
		cp.Headers[k] = v
	}
	return &cp
}

// String renders a short outcome, used in log lines and CLI output.
func (r Report) String() string {
	if r.Delivered {
		return fmt.Sprintf("delivered via %s", r.Provider)
	}
	tried := make([]string, 0, len(r.Attempts))
	for _, a := range r.Attempts {
		state := "failed"
		if a.Skipped {
			state = "skipped"
		}
		tried = append(tried, a.Provider+"="+state)
	}
	if r.Err != nil {
		return fmt.Sprintf("not delivered (%s): %v", strings.Join(tried, ", "), r.Err)
	}
	return fmt.Sprintf("not delivered (%s)", strings.Join(tried, ", "))
}
