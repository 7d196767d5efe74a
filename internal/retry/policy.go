package retry

import (
	"math"
	"time"
)

// Context records how many retries have already been made for one logical
// operation. It is owned by a single call chain.
type Context struct {
	PreviousRetryCount int
	Elapsed            time.Duration
}

// Policy decides whether another attempt should be made and how long to wait
// before it. Implementations are pure functions of their inputs.
type Policy interface {
	NextDelay(rc Context, kind Kind) (time.Duration, bool)
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(rc Context, kind Kind) (time.Duration, bool)

// NextDelay implements Policy.
func (f PolicyFunc) NextDelay(rc Context, kind Kind) (time.Duration, bool) {
	return f(rc, kind)
}

const (
	DefaultBase       = time.Second
	DefaultMaxRetries = 6
)

// Exponential waits Base*2^n before the n-th retry and gives up after
// MaxRetries retries or on the first non-transient error.
type Exponential struct {
	Base       time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// DefaultExponential returns the query policy: 2, 4, 8, 16, 32 and 64
// seconds for six retries.
func DefaultExponential() Exponential {
	return Exponential{Base: DefaultBase, MaxRetries: DefaultMaxRetries}
}

// Delay returns the wait before the n-th retry (n starts at 1).
func (p Exponential) Delay(n int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	if n < 0 {
		n = 0
	}

	// Compare in float64 before converting: float64(math.MaxInt64) rounds up
	// to 2^63 and the conversion would wrap negative.
	raw := float64(base) * math.Pow(2, float64(n))
	switch {
	case p.MaxDelay > 0 && raw >= float64(p.MaxDelay):
		return p.MaxDelay
	case raw >= float64(math.MaxInt64):
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(raw)
}

// NextDelay implements Policy.
func (p Exponential) NextDelay(rc Context, kind Kind) (time.Duration, bool) {
	if kind != KindTransient {
		return 0, false
	}
	if rc.PreviousRetryCount >= p.MaxRetries {
		return 0, false
	}
	return p.Delay(rc.PreviousRetryCount + 1), true
}

// Staged delay table used for long-lived connections.
const (
	StagedShortDelay  = 2 * time.Second
	StagedMediumDelay = 30 * time.Second
	StagedLongDelay   = 60 * time.Second

	stagedShortLimit  = 50
	stagedMediumLimit = 250
)

// Staged never gives up: it waits 2s for the first 50 retries, 30s up to the
// 250th and 60s afterwards. Only cancellation stops it.
type Staged struct{}

// StagedDelay returns the staged wait for the given previous retry count.
func StagedDelay(previousRetryCount int) time.Duration {
	switch {
	case previousRetryCount < stagedShortLimit:
		return StagedShortDelay
	case previousRetryCount < stagedMediumLimit:
		return StagedMediumDelay
	default:
		return StagedLongDelay
	}
}

// NextDelay implements Policy.
func (Staged) NextDelay(rc Context, kind Kind) (time.Duration, bool) {
	if kind == KindCanceled {
		return 0, false
	}
	return StagedDelay(rc.PreviousRetryCount), true
}

// Never is a policy that performs exactly one attempt.
var Never Policy = PolicyFunc(func(Context, Kind) (time.Duration, bool) { return 0, false })
