// Package ratelimit implements the shared, process-wide token-bucket rate
// limiter: two independent buckets, read and write, each holding up to RPS
// tokens and refilling at RPS tokens per second, a synchronous blocking acquire and
// a cooperative context-aware acquire sharing one mutex-guarded reservation
// primitive.
//
// Each bucket is built on golang.org/x/time/rate.Limiter,
// adapted from a similar pkg/api/middleware.go GlobalRateLimiter (same
// library, generalized here from a per-IP visitor map to two fixed named
// buckets) and pkg/kernel/limiter.go's two-entrypoint/shared-store shape.
// rate.Limiter's Reserve is exactly the reserve-then-decide primitive this
// package factors out: Reserve never blocks, and its Delay() tells the
// caller how long to wait (or whether to give up), which both entry points
// share.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Bucket names one of the two shared buckets.
type Bucket string

const (
	BucketRead  Bucket = "read"
	BucketWrite Bucket = "write"
)

// Config configures both buckets' capacity and the shared wait timeout.
type Config struct {
	ReadRPS         int
	WriteRPS        int
	WaitTimeoutSecs float64
}

// bucketState is one token bucket plus its metrics.
type bucketState struct {
	limiter *rate.Limiter

	mu                sync.Mutex
	throttledRequests int
	droppedRequests   int
}

// Limiter is the process-wide, shared rate limiter. A single instance is
// expected to be constructed by the composition root and injected into every
// caller.
type Limiter struct {
	mu sync.Mutex // guards reconfiguration and is shared across both entry points

	read  *bucketState
	write *bucketState

	waitTimeout time.Duration

	sleep func(ctx context.Context, d time.Duration) error // overridable for tests
}

// New constructs a Limiter from Config.
func New(cfg Config) *Limiter {
	l := &Limiter{
		read:        newBucketState(cfg.ReadRPS),
		write:       newBucketState(cfg.WriteRPS),
		waitTimeout: secondsToDuration(cfg.WaitTimeoutSecs),
		sleep:       ctxSleep,
	}
	return l
}

func newBucketState(rps int) *bucketState {
	if rps < 1 {
		rps = 1
	}
	return &bucketState{limiter: rate.NewLimiter(rate.Limit(rps), rps)}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Reconfigure updates bucket capacity in place. In-flight reservations are
// preserved because rate.Limiter.SetLimit/SetBurst mutate the existing
// limiter rather than replacing it.
func (l *Limiter) Reconfigure(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cfg.ReadRPS >= 1 {
		l.read.limiter.SetLimit(rate.Limit(cfg.ReadRPS))
		l.read.limiter.SetBurst(cfg.ReadRPS)
	}
	if cfg.WriteRPS >= 1 {
		l.write.limiter.SetLimit(rate.Limit(cfg.WriteRPS))
		l.write.limiter.SetBurst(cfg.WriteRPS)
	}
	l.waitTimeout = secondsToDuration(cfg.WaitTimeoutSecs)
}

// Metrics snapshots the throttled/dropped counters for both buckets.
type Metrics struct {
	ThrottledRequests int
	DroppedRequests   int
}

// Metrics returns the current counters for the named bucket.
func (l *Limiter) Metrics(b Bucket) Metrics {
	bs := l.bucket(b)
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return Metrics{ThrottledRequests: bs.throttledRequests, DroppedRequests: bs.droppedRequests}
}

func (l *Limiter) bucket(b Bucket) *bucketState {
	if b == BucketWrite {
		return l.write
	}
	return l.read
}

// ErrRateLimitExceeded is returned when the required wait exceeds the
// configured timeout.
type ErrRateLimitExceeded struct {
	Bucket Bucket
	Wait   time.Duration
}

func (e *ErrRateLimitExceeded) Error() string {
	return fmt.Sprintf("ratelimit: %s bucket exceeded wait timeout (needed %s)", e.Bucket, e.Wait)
}

// reserveDelay is the single shared primitive both entry points call: it
// reserves one slot against the bucket and returns how long the caller must
// wait before it is valid, or an error if that wait exceeds the timeout.
// This is the one place bucket-reservation logic lives
func (l *Limiter) reserveDelay(b Bucket) (time.Duration, error) {
	l.mu.Lock()
	bs := l.bucket(b)
	now := time.Now()
	reservation := bs.limiter.ReserveN(now, 1)
	l.mu.Unlock()

	if !reservation.OK() {
		return 0, fmt.Errorf("ratelimit: %s bucket cannot ever satisfy this request", b)
	}

	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return 0, nil
	}

	bs.mu.Lock()
	timeout := l.waitTimeout
	bs.mu.Unlock()

	if delay > timeout {
		reservation.CancelAt(now)
		bs.mu.Lock()
		bs.droppedRequests++
		bs.mu.Unlock()
		return 0, &ErrRateLimitExceeded{Bucket: b, Wait: delay}
	}

	bs.mu.Lock()
	bs.throttledRequests++
	bs.mu.Unlock()

	return delay, nil
}

// Acquire is the synchronous, blocking entry point: it sleeps on the calling
// goroutine until the reservation is valid, or returns ErrRateLimitExceeded
// immediately without sleeping.
func (l *Limiter) Acquire(b Bucket) error {
	delay, err := l.reserveDelay(b)
	if err != nil {
		return err
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return nil
}

// AcquireContext is the cooperative entry point: it suspends on ctx via a
// timer, returning ctx.Err() if cancelled before the reservation matures.
func (l *Limiter) AcquireContext(ctx context.Context, b Bucket) error {
	delay, err := l.reserveDelay(b)
	if err != nil {
		return err
	}
	if delay <= 0 {
		return nil
	}
	return l.sleep(ctx, delay)
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BucketForMethod selects read or write by HTTP method
// ("GET→read, otherwise→write").
func BucketForMethod(method string) Bucket {
	if method == "GET" {
		return BucketRead
	}
	return BucketWrite
}
