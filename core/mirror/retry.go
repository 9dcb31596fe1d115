package mirror

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/portal/core"
)

// Backoff is a retry policy for remote calls. The zero value makes a single attempt.
type Backoff struct {
	Attempts int           // total attempts, <= 1 means no retry
	Delay    time.Duration // wait before the 2nd attempt, doubled after each failure
	MaxDelay time.Duration // 0 means no cap
}

// permanent errors are never retried.
func permanent(err error) bool {
	cause := errors.Cause(err)
	return core.IsValidationError(err) ||
		cause == ErrInvalidKey ||
		cause == ErrMissingID ||
		cause == context.Canceled ||
		cause == context.DeadlineExceeded
}

// Do calls fn until it succeeds, fails permanently, ctx is done or the attempts are exhausted.
func (b Backoff) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := b.Delay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil || permanent(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(err, ctx.Err().Error())
		case <-timer.C:
		}

		delay *= 2
		if b.MaxDelay > 0 && delay > b.MaxDelay {
			delay = b.MaxDelay
		}
	}
	if attempts > 1 {
		return errors.Wrapf(err, "giving up after %d attempts", attempts)
	}
	return err
}
