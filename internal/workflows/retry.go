package workflows

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/SakethKoona/distributed-dataset-processor/internal/messaging"
	"github.com/SakethKoona/distributed-dataset-processor/internal/storage"
)

// RetryPolicy bounds retries of collaborator calls with exponential backoff
type RetryPolicy struct {
	// Attempts is the total number of tries; 0 or 1 disables retrying
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

// DefaultRetryPolicy tries three times starting at 100ms, capped at 2s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Do runs fn until it succeeds, fails with a non-retryable error, the
// attempts run out, or ctx is done. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(p.Delay),
		retry.MaxDelay(p.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
	)
}

// Missing objects, cancellation, and permanent failures do not improve on retry
func retryable(err error) bool {
	switch {
	case errors.Is(err, storage.ErrObjectNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		messaging.IsPermanent(err):
		return false
	}
	return true
}
