package retry

import (
	"context"
	"time"
)

// Event describes a scheduled retry.
type Event struct {
	Context Context
	Kind    Kind
	Err     error
	Wait    time.Duration
}

// Option customises a single Do call.
type Option func(*runner)

// WithOnRetry registers a hook invoked before every retry wait.
func WithOnRetry(fn func(Event)) Option {
	return func(r *runner) {
		r.onRetry = fn
	}
}

// WithClassifier overrides the error classifier.
func WithClassifier(fn func(error) Kind) Option {
	return func(r *runner) {
		if fn != nil {
			r.classify = fn
		}
	}
}

// WithSleeper replaces the wait function, useful for deterministic tests. The
// sleeper must return ctx.Err() when ctx is done before d elapses.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *runner) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// WithClock overrides the clock used to compute elapsed time.
func WithClock(now func() time.Time) Option {
	return func(r *runner) {
		if now != nil {
			r.now = now
		}
	}
}

type runner struct {
	onRetry  func(Event)
	classify func(error) Kind
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

// Do runs op until it succeeds, the policy stops or ctx is done. Context is
// checked before every attempt and before every wait. The last op error is
// returned unless ctx ended the loop.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) error, opts ...Option) error {
	_, err := DoValue(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}

// DoValue is Do for operations returning a value.
func DoValue[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var zero T
	if policy == nil {
		policy = Never
	}

	r := &runner{
		classify: Classify,
		sleep:    Sleep,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	start := r.now()
	rc := Context{}

	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := op(ctx)
		if err == nil {
			return value, nil
		}

		kind := r.classify(err)
		rc.Elapsed = r.now().Sub(start)
		wait, again := policy.NextDelay(rc, kind)
		if !again {
			return value, err
		}

		if r.onRetry != nil {
			r.onRetry(Event{Context: rc, Kind: kind, Err: err, Wait: wait})
		}

		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if sleepErr := r.sleep(ctx, wait); sleepErr != nil {
			return zero, sleepErr
		}

		rc.PreviousRetryCount++
	}
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
