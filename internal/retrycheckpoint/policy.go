// Package retrycheckpoint supplies the scheduler's real retry policy and
// the build-to-build checkpoint/resume machinery: snapshot {graphDigest,
// per-target status, per-target output fingerprint} to the workspace
// cache directory (forge.Services.Build saves one snapshot when a build
// finishes, not periodically), and on the next invocation decide which
// nodes can be carried over instead of rebuilt.
package retrycheckpoint

import (
	"math/rand"
	"time"

	"github.com/fortyweight/forge/forgeerr"
)

// Policy implements scheduler.RetryPolicy: maxAttempts bounds the number
// of retries, initialBackoff sets the first wait, exponential doubles it
// per attempt, and jitter adds up to half the computed wait at random to
// avoid synchronized retry storms across many failing nodes.
type Policy struct {
	MaxAttempts    int32
	InitialBackoff time.Duration
	Exponential    bool
	Jitter         bool
}

// Default mirrors a conservative, generally-safe retry posture: three
// attempts, starting at 200ms, backing off exponentially with jitter.
var Default = Policy{
	MaxAttempts:    3,
	InitialBackoff: 200 * time.Millisecond,
	Exponential:    true,
	Jitter:         true,
}

// ShouldRetry reports whether a failed node should be re-enqueued, and
// if so, how long the scheduler should wait first. Only forgeerr errors
// of class Transient are ever retried; Fatal and User errors return
// false regardless of attempt count.
func (p Policy) ShouldRetry(err error, attempt int32) (bool, time.Duration) {
	if !forgeerr.IsRetryable(err) {
		return false, 0
	}
	if attempt >= p.MaxAttempts {
		return false, 0
	}

	wait := p.InitialBackoff
	if p.Exponential && attempt > 0 {
		wait = p.InitialBackoff << uint(attempt)
	}
	if p.Jitter && wait > 0 {
		wait += time.Duration(rand.Int63n(int64(wait)/2 + 1))
	}
	return true, wait
}
