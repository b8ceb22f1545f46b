package agent

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// resetThreshold is how long a connection (or poll streak) must survive
// before the backoff interval resets to its initial value.
const resetThreshold = 30 * time.Second

// newDefaultBackoff creates the retry backoff shared by the session
// client and the poller: 1s initial, 60s max, 2x growth, ±20% jitter.
func newDefaultBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 60 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}
