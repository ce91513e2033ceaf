package leaseclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juno-intents/lease-manager/internal/leaseapi"
)

// scriptedLocker answers Acquire from a script, repeating the last entry.
type scriptedLocker struct {
	mu       sync.Mutex
	script   []acquireStep
	calls    int
	released int
}

type acquireStep struct {
	resp leaseapi.AcquireResponse
	err  error
}

func (l *scriptedLocker) Acquire(_ context.Context, _, _ string) (leaseapi.AcquireResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.calls
	if i >= len(l.script) {
		i = len(l.script) - 1
	}
	l.calls++
	return l.script[i].resp, l.script[i].err
}

func (l *scriptedLocker) Release(_ context.Context, resource, _ string) (leaseapi.ReleaseResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return leaseapi.ReleaseResponse{Status: leaseapi.StatusReleased, ResourceName: resource}, nil
}

func (l *scriptedLocker) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls, l.released
}

var (
	granted = acquireStep{resp: leaseapi.AcquireResponse{Status: leaseapi.StatusAcquired, HolderID: "me"}}
	denied  = acquireStep{resp: leaseapi.AcquireResponse{Status: leaseapi.StatusDenied, HolderID: "other"}}
)

func recordSleeps(out *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*out = append(*out, d)
		return nil
	}
}

func TestAcquireWithRetry_BacksOffUntilGranted(t *testing.T) {
	t.Parallel()

	l := &scriptedLocker{script: []acquireStep{
		denied,
		{err: &leaseapi.StatusError{StatusCode: 503, Code: "unavailable"}},
		denied,
		denied,
		granted,
	}}
	var sleeps []time.Duration
	resp, err := AcquireWithRetry(context.Background(), l, "job-1", "me", RetryOptions{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     300 * time.Millisecond,
		sleep:          recordSleeps(&sleeps),
	})
	if err != nil {
		t.Fatalf("AcquireWithRetry: %v", err)
	}
	if !resp.Acquired() {
		t.Fatalf("response: %+v", resp)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps: got %v want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Fatalf("sleeps: got %v want %v", sleeps, want)
		}
	}
}

func TestAcquireWithRetry_GivesUp(t *testing.T) {
	t.Parallel()

	l := &scriptedLocker{script: []acquireStep{denied}}
	var sleeps []time.Duration
	resp, err := AcquireWithRetry(context.Background(), l, "job-1", "me", RetryOptions{
		MaxAttempts: 3,
		sleep:       recordSleeps(&sleeps),
	})
	if !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
	if resp.HolderID != "other" {
		t.Fatalf("last response should name the holder: %+v", resp)
	}
	if calls, _ := l.counts(); calls != 3 || len(sleeps) != 2 {
		t.Fatalf("calls=%d sleeps=%d", calls, len(sleeps))
	}
}

func TestAcquireWithRetry_StopsOnClientError(t *testing.T) {
	t.Parallel()

	l := &scriptedLocker{script: []acquireStep{{err: &leaseapi.StatusError{StatusCode: 400, Code: leaseapi.CodeInvalidResourceName}}}}
	_, err := AcquireWithRetry(context.Background(), l, " bad", "me", RetryOptions{
		sleep: func(context.Context, time.Duration) error {
			t.Fatalf("must not sleep on a 400")
			return nil
		},
	})
	var se *leaseapi.StatusError
	if !errors.As(err, &se) || se.StatusCode != 400 {
		t.Fatalf("expected 400 StatusError, got %v", err)
	}
}

func TestAcquireWithRetry_HonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := &scriptedLocker{script: []acquireStep{denied}}
	if _, err := AcquireWithRetry(ctx, l, "job-1", "me", RetryOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestJitter(t *testing.T) {
	t.Parallel()

	if got := jitter(time.Second, 0.5, func() float64 { return 0 }); got != 500*time.Millisecond {
		t.Fatalf("low jitter: %s", got)
	}
	if got := jitter(time.Second, 0.5, func() float64 { return 0.5 }); got != time.Second {
		t.Fatalf("mid jitter: %s", got)
	}
	if got := jitter(time.Second, 0, nil); got != time.Second {
		t.Fatalf("no jitter: %s", got)
	}
}

func TestKeeper_ReportsLoss(t *testing.T) {
	t.Parallel()

	l := &scriptedLocker{script: []acquireStep{granted, granted, denied}}
	k, err := NewKeeper(l, "job-1", "me", time.Millisecond)
	if err != nil {
		t.Fatalf("NewKeeper: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := k.Run(ctx); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	if calls, _ := l.counts(); calls != 3 {
		t.Fatalf("calls: got %d want 3", calls)
	}
}

func TestKeeper_LossAfterExpiryOnTransportErrors(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	exp := now.Add(10 * time.Second)
	l := &scriptedLocker{script: []acquireStep{
		{resp: leaseapi.AcquireResponse{Status: leaseapi.StatusAcquired, ExpiresAt: &exp}},
		{err: errors.New("connection refused")},
	}}
	k, err := NewKeeper(l, "job-1", "me", time.Millisecond)
	if err != nil {
		t.Fatalf("NewKeeper: %v", err)
	}
	var mu sync.Mutex
	k.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(4 * time.Second)
		return now
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := k.Run(ctx); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
}

func TestKeeper_ReleasesOnStop(t *testing.T) {
	t.Parallel()

	l := &scriptedLocker{script: []acquireStep{granted}}
	k, err := NewKeeper(l, "job-1", "me", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("NewKeeper: %v", err)
	}
	k.ReleaseOnStop = true

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := k.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	calls, released := l.counts()
	if calls < 2 || released != 1 {
		t.Fatalf("calls=%d released=%d", calls, released)
	}
}

func TestNewKeeper_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewKeeper(nil, "r", "p", time.Second); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil locker: %v", err)
	}
	if _, err := NewKeeper(&scriptedLocker{}, "r", "p", 0); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("zero interval: %v", err)
	}
}
