package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// WithTimeout runs fn under a context that expires after timeout. fn must
// honor its context; WithTimeout does not abandon it. An expiry caused by
// the limit surfaces as context.DeadlineExceeded wrapped with name; a
// cancelled parent is reported as such. A non-positive timeout runs fn
// under ctx unchanged.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	limited, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(limited)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("%s: parent context done: %w", name, ctx.Err())
	case limited.Err() != nil && errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: exceeded %v: %w", name, timeout, err)
	case limited.Err() != nil:
		return fmt.Errorf("%s: exceeded %v: %w (%w)", name, timeout, context.DeadlineExceeded, err)
	default:
		return err
	}
}
