// policy.go implements the reconnect policy: exponential delays capped at
// 64 time units, reset after a successful registration, and a limit on
// consecutive failures.

package transport

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultMaxAttempts is the number of consecutive failed connections
	// after which the transport stops reconnecting.
	DefaultMaxAttempts = 10

	backoffInitialUnits = 2
	backoffMaxUnits     = 64
)

// reconnectPolicy counts consecutive failures and yields the delay before
// the next attempt. It is owned by the background loop and is not safe
// for concurrent use.
type reconnectPolicy struct {
	backoff     *backoff.ExponentialBackOff
	attempt     int
	maxAttempts int
}

func newReconnectPolicy(unit time.Duration, maxAttempts int) *reconnectPolicy {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     backoffInitialUnits * unit,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         backoffMaxUnits * unit,
	}
	b.Reset()
	return &reconnectPolicy{backoff: b, maxAttempts: maxAttempts}
}

// failure records a failed connection and returns the delay before the
// next attempt: min(2^attempt, 64) units. ok is false once more than
// maxAttempts consecutive failures have occurred.
func (p *reconnectPolicy) failure() (delay time.Duration, ok bool) {
	p.attempt++
	if p.maxAttempts > 0 && p.attempt > p.maxAttempts {
		return 0, false
	}
	return p.backoff.NextBackOff(), true
}

// success resets the failure count after a registration.
func (p *reconnectPolicy) success() {
	p.attempt = 0
	p.backoff.Reset()
}
