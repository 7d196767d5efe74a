package email

import (
	"context"
	"fmt"
	"math/rand"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/relaykit/internal/retry"
)

// Scenario selects how the mock answers a send.
type Scenario string

const (
	ScenarioSuccess   Scenario = "success"
	ScenarioTransient Scenario = "transient"
	ScenarioPermanent Scenario = "permanent"
	ScenarioTimeout   Scenario = "timeout"
)

// Per-message control headers, matched case-insensitively. HeaderLatency takes
// a Go duration. HeaderFailureAttempts makes the first N sends of a message id
// fail transiently.
const (
	HeaderScenario        = "X-Mock-Provider-Scenario"
	HeaderLatency         = "X-Mock-Provider-Latency"
	HeaderFailureAttempts = "X-Mock-Provider-Failure-Attempts"
)

// outcome is the canned SMTP-style reply for a scenario. wrap classifies the
// error for the retry policy; nil means success.
type outcome struct {
	code int
	text string
	wrap func(error) error
}

var outcomes = map[Scenario]outcome{
	ScenarioSuccess:   {code: 250, text: "2.0.0 Ok: queued"},
	ScenarioTransient: {code: 451, text: "4.3.0 try again later", wrap: retry.Transient},
	ScenarioPermanent: {code: 550, text: "5.1.1 mailbox unavailable", wrap: retry.Permanent},
}

type Option func(*MockProvider)

func WithName(name string) Option {
	return func(p *MockProvider) {
		if name = strings.TrimSpace(name); name != "" {
			p.name = name
		}
	}
}

// WithLatencyRange sets the simulated latency window. Negative bounds become
// zero and an inverted window collapses to min.
func WithLatencyRange(min, max time.Duration) Option {
	return func(p *MockProvider) {
		p.minLatency = max0(min)
		p.maxLatency = max0(max)
		if p.maxLatency < p.minLatency {
			p.maxLatency = p.minLatency
		}
	}
}

// WithDefaultScenario applies to messages without a HeaderScenario.
func WithDefaultScenario(s Scenario) Option {
	return func(p *MockProvider) { p.fallback = s }
}

// WithRandomSeed makes latency and generated ids reproducible.
func WithRandomSeed(seed int64) Option {
	return func(p *MockProvider) { p.rnd = rand.New(rand.NewSource(seed)) } // #nosec G404
}

func WithClock(now func() time.Time) Option {
	return func(p *MockProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// WithNotReady makes Ready return err so the coordinator skips the mock.
func WithNotReady(err error) Option {
	return func(p *MockProvider) { p.notReady = err }
}

// MockProvider delivers nothing. It answers from a scenario picked by option
// or header, which makes fallback and retry paths reproducible without a
// mail server.
type MockProvider struct {
	name       string
	log        zerolog.Logger
	minLatency time.Duration
	maxLatency time.Duration
	fallback   Scenario
	notReady   error
	now        func() time.Time

	mu     sync.Mutex
	rnd    *rand.Rand
	forced map[string]int // failures served per message id
	calls  int
}

// NewMockProvider returns a mock named "mock" that succeeds after 25 to 75ms.
func NewMockProvider(logger zerolog.Logger, opts ...Option) *MockProvider {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	p := &MockProvider{
		name:       "mock",
		log:        logger,
		minLatency: 25 * time.Millisecond,
		maxLatency: 75 * time.Millisecond,
		fallback:   ScenarioSuccess,
		now:        time.Now,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404
		forced:     map[string]int{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func (p *MockProvider) Name() string { return p.name }

func (p *MockProvider) Ready() error { return p.notReady }

// Calls counts sends that passed payload validation.
func (p *MockProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *MockProvider) Send(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if err := validatePayload("mock provider", payload); err != nil {
		return nil, retry.Permanent(err)
	}

	p.mu.Lock()
	p.calls++
	wait := p.latency(payload.Headers)
	p.mu.Unlock()

	if wait > 0 {
		if err := retry.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	scenario := p.scenario(payload)
	p.log.Debug().
		Str("provider", p.name).
		Str("message_id", payload.MessageID).
		Str("scenario", string(scenario)).
		Msg("mock send")

	if scenario == ScenarioTimeout {
		// Hold the call past the configured latency so only the caller's
		// deadline ends it.
		if err := retry.Sleep(ctx, p.minLatency+p.maxLatency); err != nil {
			return nil, err
		}
		return nil, context.DeadlineExceeded
	}

	o, ok := outcomes[scenario]
	if !ok {
		o = outcomes[ScenarioSuccess]
	}
	resp := &RawResponse{ID: payload.MessageID, Code: o.code, Body: o.text, Timestamp: p.now()}
	if resp.ID == "" {
		resp.ID = p.newID()
	}
	if o.wrap != nil {
		return resp, o.wrap(fmt.Errorf("smtp %d: %s", o.code, o.text))
	}
	return resp, nil
}

// scenario resolves, in order: a pending forced failure, the header, then
// the default. Unknown header values mean success.
func (p *MockProvider) scenario(payload *Payload) Scenario {
	if p.takeForcedFailure(payload) {
		return ScenarioTransient
	}
	v, _ := pickHeader(payload.Headers, HeaderScenario)
	if v = strings.ToLower(strings.TrimSpace(v)); v == "" {
		return p.fallback
	}
	switch s := Scenario(v); s {
	case ScenarioPermanent, ScenarioTransient, ScenarioTimeout:
		return s
	}
	return ScenarioSuccess
}

func (p *MockProvider) takeForcedFailure(payload *Payload) bool {
	v, ok := pickHeader(payload.Headers, HeaderFailureAttempts)
	if !ok {
		return false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.forced[payload.MessageID] >= n {
		return false
	}
	p.forced[payload.MessageID]++
	return true
}

// latency must be called with p.mu held.
func (p *MockProvider) latency(headers map[string]string) time.Duration {
	if v, ok := pickHeader(headers, HeaderLatency); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && d >= 0 {
			return d
		}
	}
	spread := p.maxLatency - p.minLatency
	if spread <= 0 {
		return p.minLatency
	}
	return p.minLatency + time.Duration(p.rnd.Int63n(int64(spread)+1))
}

func (p *MockProvider) newID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("mock-%08x", p.rnd.Uint32())
}

func max0(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
