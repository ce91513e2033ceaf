// Package leasemanager applies the process-wide lease duration on top of a
// leases.Store and reports what happened through logs, metrics and events.
package leasemanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/juno-intents/lease-manager/internal/leaseevents"
	"github.com/juno-intents/lease-manager/internal/leases"
	"github.com/juno-intents/lease-manager/internal/metrics"
)

const (
	DefaultLeaseDuration = 30 * time.Second
	defaultEventTimeout  = 2 * time.Second
)

var ErrInvalidConfig = errors.New("leasemanager: invalid config")

type Config struct {
	LeaseDuration time.Duration

	// EventTimeout bounds a single event publish.
	EventTimeout time.Duration
}

// Manager holds no lease state of its own; every call goes to the store.
type Manager struct {
	cfg     Config
	store   leases.Store
	log     *slog.Logger
	metrics *metrics.Metrics
	events  leaseevents.Publisher
	now     func() time.Time
}

func New(cfg Config, store leases.Store) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.LeaseDuration < time.Millisecond {
		return nil, fmt.Errorf("%w: lease duration must be >= 1ms", ErrInvalidConfig)
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = defaultEventTimeout
	}
	return &Manager{
		cfg:   cfg,
		store: store,
		log:   slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})),
		now:   time.Now,
	}, nil
}

func (m *Manager) WithLogger(log *slog.Logger) *Manager {
	if log != nil {
		m.log = log
	}
	return m
}

func (m *Manager) WithMetrics(mt *metrics.Metrics) *Manager {
	m.metrics = mt
	return m
}

// WithPublisher enables lease events. Publishing is best effort.
func (m *Manager) WithPublisher(p leaseevents.Publisher) *Manager {
	m.events = p
	return m
}

func (m *Manager) LeaseDuration() time.Duration {
	return m.cfg.LeaseDuration
}

func (m *Manager) Acquire(ctx context.Context, name, holder string) (leases.AcquireResult, error) {
	start := time.Now()
	if err := leases.ValidateResourceName(name); err != nil {
		m.observe("acquire", "", start, err)
		return leases.AcquireResult{}, err
	}
	res, err := m.store.Acquire(ctx, name, holder, m.cfg.LeaseDuration)
	m.observe("acquire", res.Outcome.String(), start, err)
	if err != nil {
		return leases.AcquireResult{}, err
	}

	m.log.Debug("acquire",
		"resource_name", name,
		"holder_id", holder,
		"outcome", res.Outcome.String(),
		"current_holder", res.Lease.HolderID,
		"expires_at", res.Lease.ExpiresAt,
	)
	if e, ok := leaseevents.FromAcquire(res, m.now()); ok {
		m.publish(ctx, e)
	}
	return res, nil
}

func (m *Manager) Release(ctx context.Context, name, holder string) (leases.ReleaseOutcome, error) {
	start := time.Now()
	if err := leases.ValidateResourceName(name); err != nil {
		m.observe("release", "", start, err)
		return leases.NotHolder, err
	}
	out, err := m.store.Release(ctx, name, holder)
	m.observe("release", out.String(), start, err)
	if err != nil {
		return leases.NotHolder, err
	}

	m.log.Debug("release", "resource_name", name, "holder_id", holder, "outcome", out.String())
	if out == leases.Released {
		m.publish(ctx, leaseevents.Released(name, holder, m.now()))
	}
	return out, nil
}

func (m *Manager) Status(ctx context.Context, name string) (leases.Lease, bool, error) {
	start := time.Now()
	if err := leases.ValidateResourceName(name); err != nil {
		m.observe("status", "", start, err)
		return leases.Lease{}, false, err
	}
	l, ok, err := m.store.Status(ctx, name)
	result := "unlocked"
	if ok {
		result = "locked"
	}
	m.observe("status", result, start, err)
	return l, ok, err
}

func (m *Manager) ListActive(ctx context.Context) ([]leases.Lease, error) {
	start := time.Now()
	out, err := m.store.ListActive(ctx)
	m.observe("list_active", "ok", start, err)
	if err != nil {
		return nil, err
	}
	return leases.WithoutReserved(out), nil
}

func (m *Manager) ListByHolder(ctx context.Context, holder string) ([]leases.Lease, error) {
	start := time.Now()
	out, err := m.store.ListByHolder(ctx, holder)
	m.observe("list_by_holder", "ok", start, err)
	if err != nil {
		return nil, err
	}
	return leases.WithoutReserved(out), nil
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

func (m *Manager) observe(op, result string, start time.Time, err error) {
	switch {
	case errors.Is(err, leases.ErrInvalidInput):
		result = "invalid"
	case err != nil:
		result = "error"
	}
	m.metrics.ObserveOp(op, result, time.Since(start))
}

func (m *Manager) publish(ctx context.Context, e leaseevents.Event) {
	if m.events == nil {
		return
	}
	// Detached so a client hanging up does not drop the event.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.EventTimeout)
	defer cancel()
	if err := m.events.Publish(pctx, e); err != nil {
		m.metrics.EventFailed(string(e.Type))
		m.log.Warn("publish lease event", "type", e.Type, "resource_name", e.ResourceName, "err", err)
	}
}
