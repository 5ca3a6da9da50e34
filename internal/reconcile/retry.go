package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"brickkit/internal/backend"
	"brickkit/internal/domain"
)

// withRetry runs fn, retrying transient backend failures with exponential
// backoff and jitter. Permission and validation errors never retry. SQL
// errors are classified by SQLSTATE first.
func withRetry(ctx context.Context, maxRetries int, fn func(context.Context) error) error {
	if maxRetries <= 0 {
		return fn(ctx)
	}
	backoff := retry.WithJitter(250*time.Millisecond,
		retry.WithMaxRetries(uint64(maxRetries),
			retry.NewExponential(500*time.Millisecond)))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// isRetryable classifies an error for the retry path.
func isRetryable(err error) bool {
	var sqlErr *domain.SQLError
	if errors.As(err, &sqlErr) {
		code := backend.ClassifySQLState(sqlErr.State)
		return code == backend.CodeUnavailable || code == backend.CodeRateLimited || code == backend.CodeTimeout
	}
	var transient *domain.TransientError
	if errors.As(err, &transient) {
		return true
	}
	return backend.IsTransient(err)
}
