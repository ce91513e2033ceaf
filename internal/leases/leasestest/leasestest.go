// Package leasestest holds the behavioural suite every leases.Store driver must pass.
package leasestest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juno-intents/lease-manager/internal/leases"
)

// Instance is one empty store under test.
type Instance struct {
	Store leases.Store

	// Advance moves the store's notion of now forward by at least d.
	Advance func(d time.Duration)

	// Rows returns the physical row count, expired rows included. Optional.
	Rows func() (int, error)
}

type Factory func(t *testing.T) Instance

// Clock is a manually advanced clock for stores that accept a now func.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// SleepAdvance is the Advance func for stores that read a real clock. The
// slack keeps boundary checks away from clock granularity.
func SleepAdvance(d time.Duration) {
	time.Sleep(d + 50*time.Millisecond)
}

// Run executes the suite. ttl must be long enough that a store on a real
// clock can complete a handful of round trips well inside it.
func Run(t *testing.T, ttl time.Duration, newInstance Factory) {
	t.Helper()

	t.Run("Scenario", func(t *testing.T) { testScenario(t, ttl, newInstance(t)) })
	t.Run("NonHolderReleaseLeavesLease", func(t *testing.T) { testNonHolderRelease(t, ttl, newInstance(t)) })
	t.Run("ReleaseAbsentCreatesNothing", func(t *testing.T) { testReleaseAbsent(t, newInstance(t)) })
	t.Run("ReleaseExpiredIsNoop", func(t *testing.T) { testReleaseExpired(t, ttl, newInstance(t)) })
	t.Run("StatusReflectsExpiry", func(t *testing.T) { testStatusExpiry(t, ttl, newInstance(t)) })
	t.Run("ReleaseThenReacquire", func(t *testing.T) { testReleaseReacquire(t, ttl, newInstance(t)) })
	t.Run("ConcurrentAcquireSingleWinner", func(t *testing.T) { testRace(t, ttl, newInstance(t)) })
	t.Run("ListsFilterExpired", func(t *testing.T) { testLists(t, ttl, newInstance(t)) })
	t.Run("RejectsInvalidInput", func(t *testing.T) { testInvalidInput(t, ttl, newInstance(t)) })
}

func mustAcquire(t *testing.T, s leases.Store, name, holder string, ttl time.Duration, want leases.AcquireOutcome) leases.AcquireResult {
	t.Helper()
	res, err := s.Acquire(context.Background(), name, holder, ttl)
	if err != nil {
		t.Fatalf("Acquire(%s,%s): %v", name, holder, err)
	}
	if res.Outcome != want {
		t.Fatalf("Acquire(%s,%s): got %s want %s (holder=%q)", name, holder, res.Outcome, want, res.Lease.HolderID)
	}
	return res
}

func mustRelease(t *testing.T, s leases.Store, name, holder string, want leases.ReleaseOutcome) {
	t.Helper()
	got, err := s.Release(context.Background(), name, holder)
	if err != nil {
		t.Fatalf("Release(%s,%s): %v", name, holder, err)
	}
	if got != want {
		t.Fatalf("Release(%s,%s): got %s want %s", name, holder, got, want)
	}
}

func mustStatus(t *testing.T, s leases.Store, name string) (leases.Lease, bool) {
	t.Helper()
	l, ok, err := s.Status(context.Background(), name)
	if err != nil {
		t.Fatalf("Status(%s): %v", name, err)
	}
	return l, ok
}

func checkRows(t *testing.T, inst Instance, want int) {
	t.Helper()
	if inst.Rows == nil {
		return
	}
	got, err := inst.Rows()
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if got != want {
		t.Fatalf("rows: got %d want %d", got, want)
	}
}

func testScenario(t *testing.T, ttl time.Duration, inst Instance) {
	s := inst.Store
	step := ttl / 6

	first := mustAcquire(t, s, "job-1", "p1", ttl, leases.Granted)
	if first.Lease.HolderID != "p1" || first.Lease.ResourceName != "job-1" {
		t.Fatalf("granted lease: %+v", first.Lease)
	}
	if !first.Lease.ExpiresAt.After(first.Lease.AcquiredAt) {
		t.Fatalf("expires_at %v not after acquired_at %v", first.Lease.ExpiresAt, first.Lease.AcquiredAt)
	}

	inst.Advance(step)
	denied := mustAcquire(t, s, "job-1", "p2", ttl, leases.Denied)
	if denied.Lease.HolderID != "p1" {
		t.Fatalf("denied result should report holder p1, got %q", denied.Lease.HolderID)
	}

	renewed := mustAcquire(t, s, "job-1", "p1", ttl, leases.Renewed)
	if !renewed.Lease.AcquiredAt.Equal(first.Lease.AcquiredAt) {
		t.Fatalf("renewal moved acquired_at: got %v want %v", renewed.Lease.AcquiredAt, first.Lease.AcquiredAt)
	}
	if !renewed.Lease.ExpiresAt.After(first.Lease.ExpiresAt) {
		t.Fatalf("renewal did not extend expiry: got %v, was %v", renewed.Lease.ExpiresAt, first.Lease.ExpiresAt)
	}

	// Past the renewed expiry with no further renewal.
	inst.Advance(ttl + step)
	takeover := mustAcquire(t, s, "job-1", "p2", ttl, leases.Granted)
	if takeover.Lease.HolderID != "p2" || !takeover.Lease.AcquiredAt.After(first.Lease.AcquiredAt) {
		t.Fatalf("takeover lease: %+v", takeover.Lease)
	}

	mustRelease(t, s, "job-1", "p1", leases.NotHolder)

	l, ok := mustStatus(t, s, "job-1")
	if !ok || l.HolderID != "p2" {
		t.Fatalf("status after takeover: ok=%v holder=%q", ok, l.HolderID)
	}
}

func testNonHolderRelease(t *testing.T, ttl time.Duration, inst Instance) {
	s := inst.Store
	held := mustAcquire(t, s, "res", "h1", ttl, leases.Granted)

	mustRelease(t, s, "res", "h2", leases.NotHolder)

	l, ok := mustStatus(t, s, "res")
	if !ok || l.HolderID != "h1" || !l.ExpiresAt.Equal(held.Lease.ExpiresAt) {
		t.Fatalf("lease changed after non-holder release: ok=%v lease=%+v", ok, l)
	}
}

func testReleaseAbsent(t *testing.T, inst Instance) {
	mustRelease(t, inst.Store, "never-held", "h1", leases.NotHolder)
	checkRows(t, inst, 0)
	if _, ok := mustStatus(t, inst.Store, "never-held"); ok {
		t.Fatalf("release of absent lease created a locked row")
	}
}

func testReleaseExpired(t *testing.T, ttl time.Duration, inst Instance) {
	s := inst.Store
	mustAcquire(t, s, "res", "h1", ttl, leases.Granted)
	inst.Advance(ttl)

	mustRelease(t, s, "res", "h1", leases.NotHolder)
	checkRows(t, inst, 1)
}

func testStatusExpiry(t *testing.T, ttl time.Duration, inst Instance) {
	s := inst.Store
	got := mustAcquire(t, s, "res", "h1", ttl, leases.Granted)

	l, ok := mustStatus(t, s, "res")
	if !ok || l.HolderID != "h1" || !l.AcquiredAt.Equal(got.Lease.AcquiredAt) {
		t.Fatalf("status while held: ok=%v lease=%+v", ok, l)
	}

	inst.Advance(ttl)
	if _, ok := mustStatus(t, s, "res"); ok {
		t.Fatalf("status should report unlocked once expiry is reached")
	}
	// Expiry is evaluated, not enforced.
	checkRows(t, inst, 1)
}

func testReleaseReacquire(t *testing.T, ttl time.Duration, inst Instance) {
	s := inst.Store
	mustAcquire(t, s, "res", "h1", ttl, leases.Granted)
	mustRelease(t, s, "res", "h1", leases.Released)
	checkRows(t, inst, 0)

	if _, ok := mustStatus(t, s, "res"); ok {
		t.Fatalf("status should be unlocked after release")
	}
	mustRelease(t, s, "res", "h1", leases.NotHolder)
	mustAcquire(t, s, "res", "h2", ttl, leases.Granted)
}

func testRace(t *testing.T, ttl time.Duration, inst Instance) {
	s := inst.Store
	const callers = 16

	race := func(round string) string {
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
			errs    []error
		)
		start := make(chan struct{})
		for i := 0; i < callers; i++ {
			holder := fmt.Sprintf("%s-h%d", round, i)
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				res, err := s.Acquire(context.Background(), "hot", holder, ttl)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				if res.Acquired() {
					winners = append(winners, holder)
				}
			}()
		}
		close(start)
		wg.Wait()

		if len(errs) > 0 {
			t.Fatalf("%s: acquire errors: %v", round, errs)
		}
		if len(winners) != 1 {
			t.Fatalf("%s: want exactly one winner, got %d: %v", round, len(winners), winners)
		}
		l, ok := mustStatus(t, s, "hot")
		if !ok || l.HolderID != winners[0] {
			t.Fatalf("%s: status holder %q (ok=%v), winner %q", round, l.HolderID, ok, winners[0])
		}
		return winners[0]
	}

	race("absent")
	inst.Advance(ttl)
	race("expired")
}

func testLists(t *testing.T, ttl time.Duration, inst Instance) {
	s := inst.Store
	ctx := context.Background()

	mustAcquire(t, s, "old", "h1", ttl, leases.Granted)
	inst.Advance(ttl / 2)
	mustAcquire(t, s, "c", "h1", ttl, leases.Granted)
	mustAcquire(t, s, "a", "h1", ttl, leases.Granted)
	mustAcquire(t, s, "b", "h2", ttl, leases.Granted)
	inst.Advance(ttl / 2)

	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if got := names(active); got != "a,b,c" {
		t.Fatalf("ListActive: got %s want a,b,c", got)
	}

	byHolder, err := s.ListByHolder(ctx, "h1")
	if err != nil {
		t.Fatalf("ListByHolder: %v", err)
	}
	if got := names(byHolder); got != "a,c" {
		t.Fatalf("ListByHolder(h1): got %s want a,c", got)
	}
	for _, l := range byHolder {
		if l.HolderID != "h1" || !l.ExpiresAt.After(l.AcquiredAt) {
			t.Fatalf("ListByHolder(h1) returned %+v", l)
		}
	}

	none, err := s.ListByHolder(ctx, "h3")
	if err != nil {
		t.Fatalf("ListByHolder(h3): %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("ListByHolder(h3): got %d leases", len(none))
	}

	checkRows(t, inst, 4)
	n, err := s.DeleteExpired(ctx)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("DeleteExpired: got %d want 1", n)
	}
	checkRows(t, inst, 3)

	after, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive after reap: %v", err)
	}
	if got := names(after); got != "a,b,c" {
		t.Fatalf("ListActive after reap: got %s", got)
	}
}

func testInvalidInput(t *testing.T, ttl time.Duration, inst Instance) {
	s := inst.Store
	ctx := context.Background()

	if _, err := s.Acquire(ctx, "", "h1", ttl); !errors.Is(err, leases.ErrInvalidInput) {
		t.Fatalf("Acquire empty name: %v", err)
	}
	if _, err := s.Acquire(ctx, "res", "", ttl); !errors.Is(err, leases.ErrInvalidInput) {
		t.Fatalf("Acquire empty holder: %v", err)
	}
	if _, err := s.Acquire(ctx, "res", "h1", 0); !errors.Is(err, leases.ErrInvalidInput) {
		t.Fatalf("Acquire zero ttl: %v", err)
	}
	if _, err := s.Release(ctx, "res", " h1"); !errors.Is(err, leases.ErrInvalidInput) {
		t.Fatalf("Release padded holder: %v", err)
	}
	if _, _, err := s.Status(ctx, ""); !errors.Is(err, leases.ErrInvalidInput) {
		t.Fatalf("Status empty name: %v", err)
	}
	if _, err := s.ListByHolder(ctx, ""); !errors.Is(err, leases.ErrInvalidInput) {
		t.Fatalf("ListByHolder empty holder: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	checkRows(t, inst, 0)
}

func names(ls []leases.Lease) string {
	out := ""
	for i, l := range ls {
		if i > 0 {
			out += ","
		}
		out += l.ResourceName
	}
	return out
}
