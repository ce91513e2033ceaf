// Package leaseevents publishes lease state transitions as lease.event.v1
// JSON records keyed by resource name.
package leaseevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/juno-intents/lease-manager/internal/leases"
	"github.com/juno-intents/lease-manager/internal/queue"
)

const (
	Version = "lease.event.v1"

	DefaultTopic = "lease-events"

	DriverNone = "none"
)

type Type string

const (
	TypeGranted  Type = "granted"
	TypeRenewed  Type = "renewed"
	TypeReleased Type = "released"
)

var ErrInvalidEvent = errors.New("leaseevents: invalid event")

// Event times are nil when unknown; released events carry neither.
type Event struct {
	Version      string     `json:"version"`
	Type         Type       `json:"type"`
	ResourceName string     `json:"resource_name"`
	HolderID     string     `json:"holder_id"`
	AcquiredAt   *time.Time `json:"acquired_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Time         time.Time  `json:"time"`
}

// FromAcquire maps a successful acquire to its event. Denials produce none.
func FromAcquire(res leases.AcquireResult, at time.Time) (Event, bool) {
	var typ Type
	switch res.Outcome {
	case leases.Granted:
		typ = TypeGranted
	case leases.Renewed:
		typ = TypeRenewed
	default:
		return Event{}, false
	}
	return newEvent(typ, res.Lease, at), true
}

// Released builds the event for a successful release. Release does not read
// the row back, so the lease times are left out.
func Released(name, holder string, at time.Time) Event {
	return newEvent(TypeReleased, leases.Lease{ResourceName: name, HolderID: holder}, at)
}

func newEvent(typ Type, l leases.Lease, at time.Time) Event {
	return Event{
		Version:      Version,
		Type:         typ,
		ResourceName: l.ResourceName,
		HolderID:     l.HolderID,
		AcquiredAt:   optionalTime(l.AcquiredAt),
		ExpiresAt:    optionalTime(l.ExpiresAt),
		Time:         at.UTC(),
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func Decode(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if e.Version != Version {
		return Event{}, fmt.Errorf("%w: version %q", ErrInvalidEvent, e.Version)
	}
	switch e.Type {
	case TypeGranted, TypeRenewed, TypeReleased:
	default:
		return Event{}, fmt.Errorf("%w: type %q", ErrInvalidEvent, e.Type)
	}
	if e.ResourceName == "" {
		return Event{}, fmt.Errorf("%w: missing resource_name", ErrInvalidEvent)
	}
	return e, nil
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// QueuePublisher writes events to a queue.Producer.
type QueuePublisher struct {
	producer queue.Producer
	topic    string
}

func NewQueuePublisher(p queue.Producer, topic string) (*QueuePublisher, error) {
	if p == nil {
		return nil, fmt.Errorf("leaseevents: nil producer")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = DefaultTopic
	}
	return &QueuePublisher{producer: p, topic: topic}, nil
}

func (p *QueuePublisher) Publish(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("leaseevents: marshal: %w", err)
	}
	if err := p.producer.Publish(ctx, p.topic, []byte(e.ResourceName), b); err != nil {
		return fmt.Errorf("leaseevents: publish %s: %w", e.Type, err)
	}
	return nil
}

func (p *QueuePublisher) Close() error {
	return p.producer.Close()
}

type Config struct {
	Driver  string
	Brokers []string
	Topic   string

	// Writer receives stdio events; nil means stdout.
	Writer io.Writer
}

// Open returns nil, nil for the none driver.
func Open(cfg Config) (*QueuePublisher, error) {
	driver := strings.TrimSpace(strings.ToLower(cfg.Driver))
	if driver == "" || driver == DriverNone {
		return nil, nil
	}
	prod, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  driver,
		Brokers: cfg.Brokers,
		Writer:  cfg.Writer,
	})
	if err != nil {
		return nil, fmt.Errorf("leaseevents: %w", err)
	}
	return NewQueuePublisher(prod, cfg.Topic)
}
