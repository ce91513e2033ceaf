package leaseevents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/juno-intents/lease-manager/internal/leases"
)

type recordingProducer struct {
	topic   string
	keys    []string
	records [][]byte
	err     error
}

func (p *recordingProducer) Publish(_ context.Context, topic string, key, payload []byte) error {
	if p.err != nil {
		return p.err
	}
	p.topic = topic
	p.keys = append(p.keys, string(key))
	p.records = append(p.records, append([]byte(nil), payload...))
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func TestFromAcquire(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 2, 9, 0, 0, 5, 0, time.UTC)
	l := leases.Lease{
		ResourceName: "job-1",
		HolderID:     "p1",
		AcquiredAt:   at.Add(-5 * time.Second),
		ExpiresAt:    at.Add(25 * time.Second),
	}

	e, ok := FromAcquire(leases.AcquireResult{Outcome: leases.Renewed, Lease: l}, at)
	if !ok || e.Type != TypeRenewed || e.Version != Version || e.HolderID != "p1" {
		t.Fatalf("renewed event: ok=%v %+v", ok, e)
	}
	if e.AcquiredAt == nil || !e.AcquiredAt.Equal(l.AcquiredAt) || e.ExpiresAt == nil || !e.ExpiresAt.Equal(l.ExpiresAt) {
		t.Fatalf("renewed event times: %v %v", e.AcquiredAt, e.ExpiresAt)
	}
	if _, ok := FromAcquire(leases.AcquireResult{Outcome: leases.Denied, Lease: l}, at); ok {
		t.Fatalf("denied acquire must not produce an event")
	}
}

func TestQueuePublisher_KeysByResource(t *testing.T) {
	t.Parallel()

	prod := &recordingProducer{}
	p, err := NewQueuePublisher(prod, "")
	if err != nil {
		t.Fatalf("NewQueuePublisher: %v", err)
	}

	at := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	if err := p.Publish(context.Background(), Released("job-1", "p1", at)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if prod.topic != DefaultTopic {
		t.Fatalf("topic: got %q want %q", prod.topic, DefaultTopic)
	}
	if len(prod.keys) != 1 || prod.keys[0] != "job-1" {
		t.Fatalf("keys: %#v", prod.keys)
	}
	got, err := Decode(prod.records[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != TypeReleased || got.ResourceName != "job-1" || !got.Time.Equal(at) {
		t.Fatalf("decoded: %+v", got)
	}
}

func TestReleased_OmitsLeaseTimes(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	b, err := json.Marshal(Released("job-1", "p1", at))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(b)
	if strings.Contains(s, "acquired_at") || strings.Contains(s, "expires_at") || strings.Contains(s, "0001-01-01") {
		t.Fatalf("released event carries lease times: %s", s)
	}

	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.AcquiredAt != nil || got.ExpiresAt != nil {
		t.Fatalf("decoded times: %v %v", got.AcquiredAt, got.ExpiresAt)
	}
}

func TestQueuePublisher_WrapsProducerError(t *testing.T) {
	t.Parallel()

	boom := errors.New("broker down")
	p, err := NewQueuePublisher(&recordingProducer{err: boom}, "t")
	if err != nil {
		t.Fatalf("NewQueuePublisher: %v", err)
	}
	if err := p.Publish(context.Background(), Released("r", "h", time.Now())); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped producer error, got %v", err)
	}
}

func TestDecode_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not json":      `{`,
		"wrong version": `{"version":"lease.event.v0","type":"granted","resource_name":"r"}`,
		"unknown type":  `{"version":"lease.event.v1","type":"stolen","resource_name":"r"}`,
		"no resource":   `{"version":"lease.event.v1","type":"granted"}`,
	}
	for name, in := range cases {
		if _, err := Decode([]byte(in)); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("%s: expected ErrInvalidEvent, got %v", name, err)
		}
	}
}

func TestOpen_Drivers(t *testing.T) {
	t.Parallel()

	p, err := Open(Config{Driver: "none"})
	if err != nil || p != nil {
		t.Fatalf("none driver: p=%v err=%v", p, err)
	}

	var out bytes.Buffer
	p, err = Open(Config{Driver: "stdio", Writer: &out})
	if err != nil {
		t.Fatalf("stdio driver: %v", err)
	}
	at := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	if err := p.Publish(context.Background(), Released("job-1", "p1", at)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !strings.Contains(out.String(), `"type":"released"`) || !strings.HasSuffix(out.String(), "\n") {
		t.Fatalf("stdio output: %q", out.String())
	}
	_ = p.Close()

	if _, err := Open(Config{Driver: "kafka"}); err == nil {
		t.Fatalf("kafka driver without brokers should fail")
	}
}
