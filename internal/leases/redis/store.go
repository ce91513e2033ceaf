// Package redis is a leases.Store backed by Redis hashes mutated only
// through Lua scripts.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/juno-intents/lease-manager/internal/leases"
	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "leases"

const scanCount = 256

var (
	ErrInvalidConfig = errors.New("leases/redis: invalid config")
	errBadReply      = errors.New("leases/redis: unexpected script reply")
)

// Store keeps one hash per resource plus an index set of resource names.
// Every script names the keys it touches in KEYS; listing and sweeping walk
// the index with SSCAN and run one script per resource.
type Store struct {
	client redis.Cmdable
	prefix string
}

func New(client redis.Cmdable, prefix string) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}, nil
}

func (s *Store) lockKeyPrefix() string {
	return "{" + s.prefix + "}:lock:"
}

func (s *Store) lockKey(name string) string {
	return s.lockKeyPrefix() + name
}

func (s *Store) indexKey() string {
	return "{" + s.prefix + "}:index"
}

func (s *Store) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (leases.AcquireResult, error) {
	if err := leases.ValidateAcquire(name, holder, ttl); err != nil {
		return leases.AcquireResult{}, err
	}
	ttlMS := ttl.Milliseconds()
	if ttlMS <= 0 {
		ttlMS = 1
	}

	v, err := acquireScript.Run(ctx, s.client, []string{s.lockKey(name), s.indexKey()}, name, holder, ttlMS).Slice()
	if err != nil {
		return leases.AcquireResult{}, fmt.Errorf("leases/redis: acquire: %w", err)
	}
	if len(v) != 4 {
		return leases.AcquireResult{}, fmt.Errorf("%w: acquire returned %d values", errBadReply, len(v))
	}
	code, ok := v[0].(int64)
	if !ok {
		return leases.AcquireResult{}, fmt.Errorf("%w: acquire outcome %T", errBadReply, v[0])
	}
	l, err := parseLease(name, v[1:])
	if err != nil {
		return leases.AcquireResult{}, err
	}

	switch code {
	case 1:
		return leases.AcquireResult{Outcome: leases.Granted, Lease: l}, nil
	case 2:
		return leases.AcquireResult{Outcome: leases.Renewed, Lease: l}, nil
	default:
		return leases.AcquireResult{Outcome: leases.Denied, Lease: l}, nil
	}
}

func (s *Store) Release(ctx context.Context, name, holder string) (leases.ReleaseOutcome, error) {
	if err := leases.ValidateRelease(name, holder); err != nil {
		return leases.NotHolder, err
	}
	n, err := releaseScript.Run(ctx, s.client, []string{s.lockKey(name), s.indexKey()}, name, holder).Int()
	if err != nil {
		return leases.NotHolder, fmt.Errorf("leases/redis: release: %w", err)
	}
	if n == 1 {
		return leases.Released, nil
	}
	return leases.NotHolder, nil
}

func (s *Store) Status(ctx context.Context, name string) (leases.Lease, bool, error) {
	if err := leases.ValidateID("resource_name", name); err != nil {
		return leases.Lease{}, false, err
	}
	v, err := statusScript.Run(ctx, s.client, []string{s.lockKey(name)}).Slice()
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/redis: status: %w", err)
	}
	if len(v) == 0 {
		return leases.Lease{}, false, nil
	}
	l, err := parseLease(name, v)
	if err != nil {
		return leases.Lease{}, false, err
	}
	return l, true, nil
}

func (s *Store) ListActive(ctx context.Context) ([]leases.Lease, error) {
	return s.list(ctx, "")
}

func (s *Store) ListByHolder(ctx context.Context, holder string) ([]leases.Lease, error) {
	if err := leases.ValidateID("holder_id", holder); err != nil {
		return nil, err
	}
	return s.list(ctx, holder)
}

func (s *Store) list(ctx context.Context, holder string) ([]leases.Lease, error) {
	names, err := s.names(ctx)
	if err != nil {
		return nil, fmt.Errorf("leases/redis: list: %w", err)
	}
	out := make([]leases.Lease, 0, len(names))
	for _, name := range names {
		v, err := statusScript.Run(ctx, s.client, []string{s.lockKey(name)}).Slice()
		if err != nil {
			return nil, fmt.Errorf("leases/redis: list %s: %w", name, err)
		}
		if len(v) == 0 {
			continue
		}
		l, err := parseLease(name, v)
		if err != nil {
			return nil, err
		}
		if holder != "" && l.HolderID != holder {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceName < out[j].ResourceName })
	return out, nil
}

func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	names, err := s.names(ctx)
	if err != nil {
		return 0, fmt.Errorf("leases/redis: delete expired: %w", err)
	}
	var total int64
	for _, name := range names {
		n, err := reapScript.Run(ctx, s.client, []string{s.lockKey(name), s.indexKey()}, name).Int64()
		if err != nil {
			return total, fmt.Errorf("leases/redis: delete expired %s: %w", name, err)
		}
		total += n
	}
	return total, nil
}

// names walks the index set. SSCAN may repeat members, so they are deduped.
func (s *Store) names(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := s.client.SScan(ctx, s.indexKey(), cursor, "", scanCount).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("leases/redis: ping: %w", err)
	}
	return nil
}

// Rows counts indexed resources, expired ones included.
func (s *Store) Rows(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("leases/redis: rows: %w", err)
	}
	return n, nil
}

// parseLease reads {holder, acquired_ms, expires_ms}.
func parseLease(name string, v []interface{}) (leases.Lease, error) {
	if len(v) != 3 {
		return leases.Lease{}, fmt.Errorf("%w: lease has %d fields", errBadReply, len(v))
	}
	holder, ok := v[0].(string)
	if !ok {
		return leases.Lease{}, fmt.Errorf("%w: holder %T", errBadReply, v[0])
	}
	acquired, err := parseMillis(v[1])
	if err != nil {
		return leases.Lease{}, err
	}
	expires, err := parseMillis(v[2])
	if err != nil {
		return leases.Lease{}, err
	}
	return leases.Lease{
		ResourceName: name,
		HolderID:     holder,
		AcquiredAt:   acquired,
		ExpiresAt:    expires,
	}, nil
}

func parseMillis(v interface{}) (time.Time, error) {
	var (
		ms  int64
		err error
	)
	switch x := v.(type) {
	case string:
		ms, err = strconv.ParseInt(x, 10, 64)
	case int64:
		ms = x
	default:
		err = fmt.Errorf("type %T", v)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp: %v", errBadReply, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}
