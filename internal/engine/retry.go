package engine

import (
	"time"

	"github.com/jpillora/backoff"
)

// retryDelay returns the wait after failed attempt n (1-based):
// base, 2*base, 4*base, ... capped at max.
func retryDelay(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := backoff.Backoff{Min: cfg.RetryBase, Max: cfg.RetryMaxDelay, Factor: 2}
	return b.ForAttempt(float64(attempt - 1))
}
