package queue

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestNewConsumer_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  ConsumerConfig
	}{
		{name: "unsupported driver", cfg: ConsumerConfig{Driver: "nats"}},
		{name: "kafka missing brokers", cfg: ConsumerConfig{Driver: DriverKafka, Topics: []string{"lease-events"}}},
		{name: "kafka missing topics", cfg: ConsumerConfig{Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}}},
		{
			name: "kafka tail needs one topic",
			cfg: ConsumerConfig{
				Driver:  DriverKafka,
				Brokers: []string{"127.0.0.1:9092"},
				Topics:  []string{"a", "b"},
			},
		},
		{
			name: "kafka bytes inverted",
			cfg: ConsumerConfig{
				Driver:        DriverKafka,
				Brokers:       []string{"127.0.0.1:9092"},
				Group:         "g1",
				Topics:        []string{"lease-events"},
				KafkaMinBytes: 10,
				KafkaMaxBytes: 5,
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			c, err := NewConsumer(ctx, tc.cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if c != nil {
				t.Fatalf("expected nil consumer on error")
			}
		})
	}
}

func TestNewProducer_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	for _, cfg := range []ProducerConfig{{Driver: "nats"}, {Driver: DriverKafka}, {}} {
		p, err := NewProducer(cfg)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%+v: expected ErrInvalidConfig, got %v", cfg, err)
		}
		if p != nil {
			t.Fatalf("%+v: expected nil producer on error", cfg)
		}
	}
}

func TestStdioConsumer_ReadsLinesSkippingBlank(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := NewConsumer(ctx, ConsumerConfig{
		Driver:       DriverStdio,
		Reader:       strings.NewReader("first\n\nsecond\n"),
		MaxLineBytes: 1024,
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer func() { _ = c.Close() }()

	var got []string
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case m, ok := <-c.Messages():
			if !ok {
				t.Fatalf("messages channel closed early")
			}
			got = append(got, string(m.Value))
			if err := m.Ack(context.Background()); err != nil {
				t.Fatalf("Ack: %v", err)
			}
		case err := <-c.Errors():
			if err != nil {
				t.Fatalf("consumer error: %v", err)
			}
		case <-deadline:
			t.Fatalf("timeout waiting for lines")
		}
	}
	if got[0] != "first" || got[1] != "second" {
		t.Fatalf("unexpected lines: %#v", got)
	}
}

func TestStdioProducer_WritesOneLinePerPayload(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p, err := NewProducer(ProducerConfig{Driver: DriverStdio, Writer: &out})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer func() { _ = p.Close() }()

	ctx := context.Background()
	if err := p.Publish(ctx, "lease-events", []byte("job-1"), []byte(`{"type":"granted"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Publish(ctx, "lease-events", nil, []byte(`{"type":"released"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	want := "{\"type\":\"granted\"}\n{\"type\":\"released\"}\n"
	if got := out.String(); got != want {
		t.Fatalf("output mismatch: got %q want %q", got, want)
	}
}

func TestSplitCommaList(t *testing.T) {
	t.Parallel()

	got := SplitCommaList(" b1:9092, ,b2:9092 ")
	if len(got) != 2 || got[0] != "b1:9092" || got[1] != "b2:9092" {
		t.Fatalf("SplitCommaList: %#v", got)
	}
	if SplitCommaList("  ") != nil {
		t.Fatalf("blank list should be nil")
	}
}

func TestKafkaTLSEnabled(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{value: "", want: false},
		{value: "false", want: false},
		{value: "0", want: false},
		{value: "true", want: true},
		{value: "1", want: true},
		{value: "yes", want: true},
		{value: "  On  ", want: true},
	}

	for _, tc := range cases {
		t.Setenv(envKafkaTLS, tc.value)
		if got := kafkaTLSEnabled(); got != tc.want {
			t.Fatalf("kafkaTLSEnabled(%q) = %t, want %t", tc.value, got, tc.want)
		}
	}
}

func TestStopOnFetchError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want bool
	}{
		{err: context.Canceled, want: true},
		{err: context.DeadlineExceeded, want: true},
		{err: io.EOF, want: false},
		{err: io.ErrClosedPipe, want: false},
	}
	for _, tc := range cases {
		if got := stopOnFetchError(tc.err); got != tc.want {
			t.Fatalf("stopOnFetchError(%v) = %t, want %t", tc.err, got, tc.want)
		}
	}
}
