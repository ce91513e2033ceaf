package leases_test

import (
	"context"
	"testing"
	"time"

	"github.com/juno-intents/lease-manager/internal/leases"
	"github.com/juno-intents/lease-manager/internal/leases/leasestest"
)

func TestMemoryStore_Conformance(t *testing.T) {
	t.Parallel()

	leasestest.Run(t, 30*time.Second, func(t *testing.T) leasestest.Instance {
		clock := leasestest.NewClock(time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC))
		s := leases.NewMemoryStore(clock.Now)
		return leasestest.Instance{
			Store:   s,
			Advance: clock.Advance,
			Rows:    func() (int, error) { return s.Len(), nil },
		}
	})
}

func TestMemoryStore_RenewalKeepsAcquiredAt(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	s := leases.NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	first, err := s.Acquire(ctx, "job-1", "p1", 30*time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	now = now.Add(5 * time.Second)
	again, err := s.Acquire(ctx, "job-1", "p1", 30*time.Second)
	if err != nil {
		t.Fatalf("Acquire renew: %v", err)
	}
	if again.Outcome != leases.Renewed {
		t.Fatalf("outcome: got %s want renewed", again.Outcome)
	}
	if !again.Lease.AcquiredAt.Equal(first.Lease.AcquiredAt) {
		t.Fatalf("acquired_at: got %v want %v", again.Lease.AcquiredAt, first.Lease.AcquiredAt)
	}
	if want := now.Add(30 * time.Second); !again.Lease.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at: got %v want %v", again.Lease.ExpiresAt, want)
	}
}

func TestMemoryStore_ExpiryBoundaryIsExclusive(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	s := leases.NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	if _, err := s.Acquire(ctx, "job-1", "p1", 10*time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	now = now.Add(10*time.Second - time.Nanosecond)
	if _, ok, _ := s.Status(ctx, "job-1"); !ok {
		t.Fatalf("expected lease active one nanosecond before expiry")
	}

	now = now.Add(time.Nanosecond)
	if _, ok, _ := s.Status(ctx, "job-1"); ok {
		t.Fatalf("expected lease expired at expires_at")
	}
	res, err := s.Acquire(ctx, "job-1", "p2", 10*time.Second)
	if err != nil {
		t.Fatalf("Acquire takeover: %v", err)
	}
	if res.Outcome != leases.Granted {
		t.Fatalf("outcome: got %s want granted", res.Outcome)
	}
}
