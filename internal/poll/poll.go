// Package poll waits on asynchronous work from the caller's side.
//
// Background work is never cancelled by a poll timing out; the caller just
// stops waiting and gets ErrClientTimeout.
package poll

import (
	"context"
	"fmt"
	"time"

	"github.com/johndauphine/stack-migrate/internal/migration"
)

// Options bounds a poll loop. A zero Timeout or MaxAttempts means no limit
// on that axis.
type Options struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxAttempts int
}

// DefaultInterval is used when Options.Interval is zero.
const DefaultInterval = time.Second

// Until calls fetch until done reports true for its result and returns that
// result. Fetch errors end the loop immediately. When the budget runs out
// the last fetched value is returned with an error wrapping
// migration.ErrClientTimeout.
func Until[T any](ctx context.Context, fetch func(context.Context) (T, error), done func(T) bool, opts Options) (T, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}

	var last T
	for attempt := 1; ; attempt++ {
		v, err := fetch(ctx)
		if err != nil {
			return v, err
		}
		last = v
		if done(v) {
			return v, nil
		}

		if opts.MaxAttempts > 0 && attempt >= opts.MaxAttempts {
			return last, fmt.Errorf("gave up after %d attempts: %w", attempt, migration.ErrClientTimeout)
		}
		wait := interval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return last, fmt.Errorf("gave up after %s: %w", opts.Timeout, migration.ErrClientTimeout)
			}
			wait = min(wait, remaining)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ctx.Err()
		case <-timer.C:
		}
	}
}
