package conn

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// retryPolicy tracks consecutive failed connection attempts and the delay
// before the next one. It is only touched with Manager.mu held.
type retryPolicy struct {
	bo          *backoff.ExponentialBackOff
	maxDelay    time.Duration
	maxAttempts int
	failures    int
}

func newRetryPolicy(base, maxDelay time.Duration, maxAttempts int) *retryPolicy {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.MaxInterval = maxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()
	return &retryPolicy{bo: bo, maxDelay: maxDelay, maxAttempts: maxAttempts}
}

// afterClose returns the delay before reconnecting a channel that was open
// and closed unexpectedly. It does not count against the attempt budget.
func (p *retryPolicy) afterClose() time.Duration {
	return p.nextDelay()
}

// afterFailure records a failed attempt. ok is false once maxAttempts
// consecutive failures have been recorded.
func (p *retryPolicy) afterFailure() (delay time.Duration, ok bool) {
	p.failures++
	if p.failures >= p.maxAttempts {
		return 0, false
	}
	return p.nextDelay(), true
}

func (p *retryPolicy) nextDelay() time.Duration {
	d := p.bo.NextBackOff()
	if d > p.maxDelay {
		d = p.maxDelay
	}
	return d
}

func (p *retryPolicy) reset() {
	p.failures = 0
	p.bo.Reset()
}

// exhaust spends the whole budget so nothing reconnects until reset.
func (p *retryPolicy) exhaust() {
	p.failures = p.maxAttempts
}

func (p *retryPolicy) exhausted() bool {
	return p.failures >= p.maxAttempts
}
