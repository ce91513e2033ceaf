// Package leaseclient builds waiting and keep-alive behaviour on top of the
// lease-server client. The server itself never retries.
package leaseclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/juno-intents/lease-manager/internal/leaseapi"
)

var (
	ErrInvalidConfig = errors.New("leaseclient: invalid config")
	ErrNotAcquired   = errors.New("leaseclient: lease not acquired")
	ErrLeaseLost     = errors.New("leaseclient: lease lost")
)

// Locker is the subset of *leaseapi.Client used here.
type Locker interface {
	Acquire(ctx context.Context, resource, process string) (leaseapi.AcquireResponse, error)
	Release(ctx context.Context, resource, process string) (leaseapi.ReleaseResponse, error)
}

type RetryOptions struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// MaxAttempts <= 0 retries until ctx is done.
	MaxAttempts int

	// Jitter spreads each wait by up to +/- this fraction.
	Jitter float64

	sleep func(context.Context, time.Duration) error
	rand  func() float64
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.Jitter < 0 || o.Jitter >= 1 {
		o.Jitter = 0
	}
	if o.sleep == nil {
		o.sleep = sleepCtx
	}
	if o.rand == nil {
		o.rand = rand.Float64
	}
	return o
}

// AcquireWithRetry polls until the lease is acquired, ctx is done or the
// attempts run out. Denials, transport errors, 429 and 5xx answers are
// retried; other client errors are returned immediately.
func AcquireWithRetry(ctx context.Context, l Locker, resource, process string, opts RetryOptions) (leaseapi.AcquireResponse, error) {
	if l == nil {
		return leaseapi.AcquireResponse{}, fmt.Errorf("%w: nil locker", ErrInvalidConfig)
	}
	opts = opts.withDefaults()

	var (
		last    leaseapi.AcquireResponse
		lastErr error
		backoff = opts.InitialBackoff
	)
	for attempt := 1; ; attempt++ {
		resp, err := l.Acquire(ctx, resource, process)
		switch {
		case err == nil && resp.Acquired():
			return resp, nil
		case err == nil:
			last, lastErr = resp, nil
		case !retryable(err):
			return leaseapi.AcquireResponse{}, err
		default:
			lastErr = err
		}

		if opts.MaxAttempts > 0 && attempt >= opts.MaxAttempts {
			break
		}
		if err := opts.sleep(ctx, jitter(backoff, opts.Jitter, opts.rand)); err != nil {
			return last, err
		}
		backoff = min(2*backoff, opts.MaxBackoff)
	}

	if lastErr != nil {
		return last, fmt.Errorf("%w after %d attempts: %w", ErrNotAcquired, opts.MaxAttempts, lastErr)
	}
	return last, fmt.Errorf("%w after %d attempts: held by %q", ErrNotAcquired, opts.MaxAttempts, last.HolderID)
}

func retryable(err error) bool {
	var se *leaseapi.StatusError
	if !errors.As(err, &se) {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
}

func jitter(d time.Duration, frac float64, rnd func() float64) time.Duration {
	if frac == 0 {
		return d
	}
	delta := (rnd()*2 - 1) * frac * float64(d)
	return d + time.Duration(delta)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
