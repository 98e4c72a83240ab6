// Package retry runs an operation a bounded number of times with
// exponential backoff and jitter, and classifies which upstream failures
// are transient.
//
// Transient failures are connection errors, timeouts and the HTTP
// statuses 408, 429, 502, 503 and 504. Anything else is a definitive
// answer and is never retried.
//
// # Usage
//
//	cfg := &retry.Config{MaxAttempts: 2, InitialBackoff: 100 * time.Millisecond}
//	err := retry.Do(ctx, cfg, func(ctx context.Context, attempt int) error {
//	    return fetch(ctx)
//	}, nil)
package retry
