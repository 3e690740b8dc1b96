// Short in-adapter retry for transient HTTP failures. This is distinct
// from the broker-level redelivery retry in internal/delivery: it absorbs
// a single flaky request within one delivery attempt, never outliving the
// few-second budget it's given here.
package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// withRetry runs op up to a handful of times with exponential backoff,
// bailing out immediately if op returns a backoff.Permanent-wrapped error
// (a 4xx or other non-retryable rejection). backoff.Retry unwraps the
// PermanentError before returning, so op should wrap the terminal
// classification inside it; the caller sees the inner error directly.
func withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(op, backoff.WithContext(b, ctx))
}
