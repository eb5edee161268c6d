// Package retry provides the backoff policy the worker agent applies to
// outbound HTTP calls before it treats the coordinator as unreachable.
package retry

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// Policy decides whether a failed HTTP attempt should be retried and how
// long to wait before the next attempt.
type Policy interface {
	ShouldRetry(ctx context.Context, resp *http.Response, err error, attempt int) bool
	WaitTime(attempt int) time.Duration
	MaxRetries() int
}

// ExponentialBackoff retries transient network failures and 5xx/429
// responses with jittered exponential backoff.
type ExponentialBackoff struct {
	maxRetries    int
	minWait       time.Duration
	maxWait       time.Duration
	backoffFactor float64
	jitter        bool
}

// NewExponentialBackoff returns a policy with the worker agent's
// defaults: three retries, one second up to thirty seconds, doubling
// each attempt, with jitter to avoid synchronized retry storms across a
// fleet of workers that all lost the coordinator at once.
func NewExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		maxRetries:    3,
		minWait:       1 * time.Second,
		maxWait:       30 * time.Second,
		backoffFactor: 2.0,
		jitter:        true,
	}
}

func (e *ExponentialBackoff) WithMaxRetries(n int) *ExponentialBackoff { e.maxRetries = n; return e }
func (e *ExponentialBackoff) WithMinWait(d time.Duration) *ExponentialBackoff {
	e.minWait = d
	return e
}
func (e *ExponentialBackoff) WithMaxWait(d time.Duration) *ExponentialBackoff {
	e.maxWait = d
	return e
}

func (e *ExponentialBackoff) ShouldRetry(ctx context.Context, resp *http.Response, err error, attempt int) bool {
	if attempt >= e.maxRetries {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	default:
	}
	if err != nil {
		return true
	}
	if resp == nil {
		return false
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func (e *ExponentialBackoff) WaitTime(attempt int) time.Duration {
	if attempt <= 0 {
		return e.minWait
	}
	wait := time.Duration(float64(e.minWait) * math.Pow(e.backoffFactor, float64(attempt-1)))
	if wait > e.maxWait {
		wait = e.maxWait
	}
	if e.jitter {
		wait += time.Duration(rand.Float64() * float64(wait) * 0.1)
	}
	return wait
}

func (e *ExponentialBackoff) MaxRetries() int { return e.maxRetries }

// NoRetry never retries; used by tests that want deterministic single
// attempts.
type NoRetry struct{}

func (NoRetry) ShouldRetry(context.Context, *http.Response, error, int) bool { return false }
func (NoRetry) WaitTime(int) time.Duration                                  { return 0 }
func (NoRetry) MaxRetries() int                                             { return 0 }

// FixedDelay retries the same conditions ExponentialBackoff does —
// transient errors and 429/5xx responses — but waits a constant
// interval between attempts, for callers that want predictable retry
// timing instead of a growing backoff.
type FixedDelay struct {
	Delay   time.Duration
	Retries int
}

// NewFixedDelay returns a policy that retries up to maxRetries times,
// waiting delay between each attempt.
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{Delay: delay, Retries: maxRetries}
}

func (f *FixedDelay) ShouldRetry(ctx context.Context, resp *http.Response, err error, attempt int) bool {
	if attempt >= f.Retries {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	default:
	}
	if err != nil {
		return true
	}
	if resp == nil {
		return false
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func (f *FixedDelay) WaitTime(int) time.Duration { return f.Delay }

func (f *FixedDelay) MaxRetries() int { return f.Retries }
