package leaseclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Keeper renews a held lease by re-acquiring it on an interval. The interval
// must stay well below the server's lease duration.
type Keeper struct {
	locker   Locker
	resource string
	process  string
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time

	// ReleaseOnStop gives the lease back when Run's ctx is cancelled.
	ReleaseOnStop bool
}

func NewKeeper(l Locker, resource, process string, interval time.Duration) (*Keeper, error) {
	if l == nil || resource == "" || process == "" || interval <= 0 {
		return nil, fmt.Errorf("%w: invalid keeper config", ErrInvalidConfig)
	}
	return &Keeper{
		locker:   l,
		resource: resource,
		process:  process,
		interval: interval,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      time.Now,
	}, nil
}

func (k *Keeper) WithLogger(log *slog.Logger) *Keeper {
	if log != nil {
		k.log = log
	}
	return k
}

// Run renews until ctx is done (returning nil) or the lease is lost
// (returning an error wrapping ErrLeaseLost). A renewal that fails on
// transport is retried on the next tick as long as the last known expiry
// has not passed.
func (k *Keeper) Run(ctx context.Context) error {
	t := time.NewTicker(k.interval)
	defer t.Stop()

	var expiresAt time.Time
	for {
		resp, err := k.locker.Acquire(ctx, k.resource, k.process)
		switch {
		case err != nil && ctx.Err() != nil:
			return k.stop(ctx)
		case err != nil:
			k.log.Warn("lease renewal failed", "resource_name", k.resource, "err", err)
			if !expiresAt.IsZero() && !k.now().Before(expiresAt) {
				return fmt.Errorf("%w: %s expired at %s: %w", ErrLeaseLost, k.resource, expiresAt.Format(time.RFC3339), err)
			}
		case !resp.Acquired():
			return fmt.Errorf("%w: %s now held by %q", ErrLeaseLost, k.resource, resp.HolderID)
		default:
			if resp.ExpiresAt != nil {
				expiresAt = *resp.ExpiresAt
			}
		}

		select {
		case <-ctx.Done():
			return k.stop(ctx)
		case <-t.C:
		}
	}
}

func (k *Keeper) stop(ctx context.Context) error {
	if !k.ReleaseOnStop {
		return nil
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := k.locker.Release(rctx, k.resource, k.process); err != nil {
		k.log.Warn("release on stop", "resource_name", k.resource, "err", err)
	}
	return nil
}
