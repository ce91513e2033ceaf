package leasemanager

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/juno-intents/lease-manager/internal/leases"
	"github.com/juno-intents/lease-manager/internal/metrics"
)

// ReaperLeaseName is the lease reaper instances compete for so that only one
// of several servers sharing a store sweeps at a time. It sits under the
// reserved prefix, so clients can neither take it nor see it.
const ReaperLeaseName = leases.ReservedPrefix + "reaper"

// Reaper deletes expired rows. Expired rows are already invisible to every
// read, so sweeping only bounds table growth.
type Reaper struct {
	store    leases.Store
	owner    string
	interval time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewReaper builds a reaper identified by owner among its peers.
func NewReaper(store leases.Store, owner string, interval time.Duration) (*Reaper, error) {
	if store == nil || owner == "" || interval <= 0 {
		return nil, fmt.Errorf("%w: invalid reaper config", ErrInvalidConfig)
	}
	return &Reaper{
		store:    store,
		owner:    owner,
		interval: interval,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

func (r *Reaper) WithLogger(log *slog.Logger) *Reaper {
	if log != nil {
		r.log = log
	}
	return r
}

func (r *Reaper) WithMetrics(m *metrics.Metrics) *Reaper {
	r.metrics = m
	return r
}

// Tick sweeps once if this reaper holds (or can take) the reaper lease. The
// lease outlives two intervals so a healthy leader keeps it across ticks.
func (r *Reaper) Tick(ctx context.Context) (bool, int64, error) {
	res, err := r.store.Acquire(ctx, ReaperLeaseName, r.owner, 2*r.interval+time.Second)
	if err != nil {
		return false, 0, err
	}
	if !res.Acquired() {
		return false, 0, nil
	}

	n, err := r.store.DeleteExpired(ctx)
	if err != nil {
		return true, 0, err
	}
	r.metrics.AddReaped(n)

	active, err := r.store.ListActive(ctx)
	if err != nil {
		return true, n, err
	}
	r.metrics.SetActive(len(leases.WithoutReserved(active)))
	return true, n, nil
}

// Run ticks until ctx is done and then gives up the reaper lease.
func (r *Reaper) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		start := time.Now()
		leader, n, err := r.Tick(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			r.log.Error("reaper sweep", "err", err)
		case n > 0:
			r.log.Info("reaped expired leases", "deleted", n, "latency_ms", time.Since(start).Milliseconds())
		case leader:
			r.log.Debug("reaper sweep", "deleted", 0)
		}

		select {
		case <-ctx.Done():
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			_, _ = r.store.Release(rctx, ReaperLeaseName, r.owner)
			cancel()
			return ctx.Err()
		case <-t.C:
		}
	}
}
