package transport

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newConnectBackoff builds the retry schedule base*2^(k-1) capped at 5s.
// Jitter is disabled so the schedule stays deterministic and testable.
func newConnectBackoff(base time.Duration) *backoff.ExponentialBackOff {
	if base <= 0 {
		base = time.Second
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = maxReconnectDelay
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// RetryDelay returns the delay before retry attempt k (1-based), the same
// schedule the connect path uses. The print queue reuses it for job
// retries.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}
	if d > maxReconnectDelay {
		d = maxReconnectDelay
	}
	return d
}
