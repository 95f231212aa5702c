package volume

import (
	"context"
	"time"

	"github.com/ndlib/vaultkeep/vaulterr"
)

// withRetry retries fn while it returns a Transient-kind error, up to
// m.maxAttempts times, waiting with exponential backoff between attempts
// (spec.md 7: "transient errors are retried with backoff inside the
// remote manager (default up to 5 attempts)"). Grounded on the rate-gated
// retry loop shape of server/fixity.go's background checker, adapted from
// "rate limit a scan" to "back off after a failure".
func (m *Manager) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	wait := 500 * time.Millisecond
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return vaulterr.New("volume.withRetry", vaulterr.Cancelled, err)
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !vaulterr.Retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return vaulterr.New("volume.withRetry", vaulterr.Cancelled, ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
	}
	return vaulterr.New("volume.withRetry", vaulterr.Transient, lastErr)
}
