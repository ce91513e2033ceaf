package leases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInput  = errors.New("leases: invalid input")
	ErrInvalidConfig = errors.New("leases: invalid config")
)

// MaxIDBytes bounds resource names and holder ids.
const MaxIDBytes = 255

// ReservedPrefix marks resource names the service keeps for itself, such as
// the reaper election lease. Clients cannot use them and lists hide them.
const ReservedPrefix = "lease-manager/"

func IsReserved(name string) bool {
	return strings.HasPrefix(name, ReservedPrefix)
}

// ValidateResourceName is ValidateID plus the reserved-prefix rule, for
// names coming from clients.
func ValidateResourceName(name string) error {
	if err := ValidateID("resource_name", name); err != nil {
		return err
	}
	if IsReserved(name) {
		return fmt.Errorf("%w: resource_name prefix %q is reserved", ErrInvalidInput, ReservedPrefix)
	}
	return nil
}

// WithoutReserved drops reserved leases, reusing ls.
func WithoutReserved(ls []Lease) []Lease {
	out := ls[:0]
	for _, l := range ls {
		if !IsReserved(l.ResourceName) {
			out = append(out, l)
		}
	}
	return out
}

// Lease is a time-bounded grant of exclusive ownership over a named resource.
type Lease struct {
	ResourceName string
	HolderID     string
	AcquiredAt   time.Time
	ExpiresAt    time.Time
}

// ActiveAt reports whether the lease is still valid at now. A lease whose
// expiry equals now is already expired.
func (l Lease) ActiveAt(now time.Time) bool {
	return l.HolderID != "" && l.ExpiresAt.After(now)
}

type AcquireOutcome int

const (
	Denied AcquireOutcome = iota
	Granted
	Renewed
)

func (o AcquireOutcome) String() string {
	switch o {
	case Granted:
		return "granted"
	case Renewed:
		return "renewed"
	default:
		return "denied"
	}
}

// AcquireResult carries the outcome of an Acquire call. Lease is the caller's
// lease when granted or renewed, and the competing holder's lease (if the
// store could still read it) when denied.
type AcquireResult struct {
	Outcome AcquireOutcome
	Lease   Lease
}

func (r AcquireResult) Acquired() bool {
	return r.Outcome == Granted || r.Outcome == Renewed
}

type ReleaseOutcome int

const (
	NotHolder ReleaseOutcome = iota
	Released
)

func (o ReleaseOutcome) String() string {
	if o == Released {
		return "released"
	}
	return "not_holder"
}

// Store is the Lock Table. Every mutating call is a single atomic operation
// against the backing store:
//
//   - Acquire grants the lease if the row is absent or expired, renews it
//     (refreshing ExpiresAt, keeping AcquiredAt) if the caller is the active
//     holder, and otherwise reports Denied without mutating anything.
//   - Release deletes the row only if the caller is the active holder.
//   - Status, ListActive and ListByHolder evaluate expiry without deleting.
//   - DeleteExpired removes expired rows; it never changes observable state.
type Store interface {
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (AcquireResult, error)
	Release(ctx context.Context, name, holder string) (ReleaseOutcome, error)
	Status(ctx context.Context, name string) (Lease, bool, error)
	ListActive(ctx context.Context) ([]Lease, error)
	ListByHolder(ctx context.Context, holder string) ([]Lease, error)
	DeleteExpired(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// ValidateID checks a resource name or holder id.
func ValidateID(field, v string) error {
	if v == "" || strings.TrimSpace(v) != v {
		return fmt.Errorf("%w: %s must be non-empty without surrounding whitespace", ErrInvalidInput, field)
	}
	if len(v) > MaxIDBytes {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidInput, field, MaxIDBytes)
	}
	for _, r := range v {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: %s contains control characters", ErrInvalidInput, field)
		}
	}
	return nil
}

// ValidateAcquire is shared by every driver so they reject the same inputs.
func ValidateAcquire(name, holder string, ttl time.Duration) error {
	if err := ValidateID("resource_name", name); err != nil {
		return err
	}
	if err := ValidateID("holder_id", holder); err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be > 0", ErrInvalidInput)
	}
	return nil
}

func ValidateRelease(name, holder string) error {
	if err := ValidateID("resource_name", name); err != nil {
		return err
	}
	return ValidateID("holder_id", holder)
}
