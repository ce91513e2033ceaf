package leases

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory lease store intended for unit tests and single-process usage.
// It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]Lease
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:    now,
		leases: make(map[string]Lease),
	}
}

func (s *MemoryStore) Acquire(_ context.Context, name, holder string, ttl time.Duration) (AcquireResult, error) {
	if err := ValidateAcquire(name, holder, ttl); err != nil {
		return AcquireResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	cur, ok := s.leases[name]
	switch {
	case !ok || !cur.ActiveAt(now):
		out := Lease{
			ResourceName: name,
			HolderID:     holder,
			AcquiredAt:   now,
			ExpiresAt:    now.Add(ttl),
		}
		s.leases[name] = out
		return AcquireResult{Outcome: Granted, Lease: out}, nil
	case cur.HolderID == holder:
		cur.ExpiresAt = now.Add(ttl)
		s.leases[name] = cur
		return AcquireResult{Outcome: Renewed, Lease: cur}, nil
	default:
		return AcquireResult{Outcome: Denied, Lease: cur}, nil
	}
}

func (s *MemoryStore) Release(_ context.Context, name, holder string) (ReleaseOutcome, error) {
	if err := ValidateRelease(name, holder); err != nil {
		return NotHolder, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[name]
	if !ok || cur.HolderID != holder || !cur.ActiveAt(s.now().UTC()) {
		return NotHolder, nil
	}
	delete(s.leases, name)
	return Released, nil
}

func (s *MemoryStore) Status(_ context.Context, name string) (Lease, bool, error) {
	if err := ValidateID("resource_name", name); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[name]
	if !ok || !cur.ActiveAt(s.now().UTC()) {
		return Lease{}, false, nil
	}
	return cur, true, nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]Lease, error) {
	return s.list(""), nil
}

func (s *MemoryStore) ListByHolder(_ context.Context, holder string) ([]Lease, error) {
	if err := ValidateID("holder_id", holder); err != nil {
		return nil, err
	}
	return s.list(holder), nil
}

func (s *MemoryStore) list(holder string) []Lease {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	out := make([]Lease, 0, len(s.leases))
	for _, l := range s.leases {
		if !l.ActiveAt(now) {
			continue
		}
		if holder != "" && l.HolderID != holder {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceName < out[j].ResourceName })
	return out
}

func (s *MemoryStore) DeleteExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	var n int64
	for name, l := range s.leases {
		if !l.ActiveAt(now) {
			delete(s.leases, name)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Len reports the number of stored rows, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leases)
}
