package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestParseConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := parseConfig(nil, envOf(nil))
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.Listen != ":5000" {
		t.Fatalf("listen: got %q", cfg.Listen)
	}
	if cfg.LeaseDuration != 30*time.Second {
		t.Fatalf("lease duration: got %v", cfg.LeaseDuration)
	}
	if cfg.Store != storeMemory || cfg.EventsDriver != "none" || cfg.ReapInterval != 0 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.LogLevel != slog.LevelInfo || cfg.LogFormat != "text" {
		t.Fatalf("log defaults: format=%q level=%v", cfg.LogFormat, cfg.LogLevel)
	}
}

func TestParseConfig_EnvFallbacks(t *testing.T) {
	t.Parallel()

	cfg, err := parseConfig(nil, envOf(map[string]string{"PORT": "8080", "TTL_SECONDS": "5"}))
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.Listen != ":8080" || cfg.LeaseDuration != 5*time.Second {
		t.Fatalf("env fallbacks not applied: listen=%q ttl=%v", cfg.Listen, cfg.LeaseDuration)
	}

	cfg, err = parseConfig([]string{"--listen", "127.0.0.1:9000", "--lease-seconds", "12"}, envOf(map[string]string{"PORT": "8080", "TTL_SECONDS": "5"}))
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9000" || cfg.LeaseDuration != 12*time.Second {
		t.Fatalf("flags must win over env: listen=%q ttl=%v", cfg.Listen, cfg.LeaseDuration)
	}
}

func TestParseConfig_Full(t *testing.T) {
	t.Parallel()

	cfg, err := parseConfig([]string{
		"--store", "Redis",
		"--redis-addr", "redis:6379",
		"--redis-password", "env:REDIS_PASSWORD",
		"--auth-token", "aws-sm:lease/token",
		"--rate-limit-per-second", "50",
		"--reap-interval", "15s",
		"--events-driver", "kafka",
		"--events-brokers", "k1:9092, k2:9092",
		"--log-format", "json",
		"--log-level", "debug",
	}, envOf(nil))
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.Store != storeRedis || cfg.RedisAddr != "redis:6379" {
		t.Fatalf("store config: %+v", cfg)
	}
	if cfg.RedisPassword != "env:REDIS_PASSWORD" || cfg.AuthToken != "aws-sm:lease/token" {
		t.Fatalf("secret references must be kept unresolved: %+v", cfg)
	}
	if strings.Join(cfg.EventsBrokers, ",") != "k1:9092,k2:9092" || cfg.EventsTopic != "lease-events" {
		t.Fatalf("events config: brokers=%v topic=%q", cfg.EventsBrokers, cfg.EventsTopic)
	}
	if cfg.ReapInterval != 15*time.Second || cfg.RateLimitPerSecond != 50 {
		t.Fatalf("reaper/rate config: %+v", cfg)
	}
	if cfg.LogLevel != slog.LevelDebug || cfg.LogFormat != "json" {
		t.Fatalf("log config: format=%q level=%v", cfg.LogFormat, cfg.LogLevel)
	}
}

func TestParseConfig_Rejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{name: "bad TTL_SECONDS", env: map[string]string{"TTL_SECONDS": "soon"}},
		{name: "zero lease", args: []string{"--lease-seconds", "0"}},
		{name: "unknown store", args: []string{"--store", "etcd"}},
		{name: "postgres without dsn", args: []string{"--store", "postgres"}},
		{name: "sqlite without path", args: []string{"--store", "sqlite", "--sqlite-path", ""}},
		{name: "kafka without brokers", args: []string{"--events-driver", "kafka"}},
		{name: "unknown events driver", args: []string{"--events-driver", "nats"}},
		{name: "negative reap interval", args: []string{"--reap-interval", "-1s"}},
		{name: "zero timeout", args: []string{"--read-timeout", "0s"}},
		{name: "bad log format", args: []string{"--log-format", "xml"}},
		{name: "bad log level", args: []string{"--log-level", "loud"}},
		{name: "unknown flag", args: []string{"--nope"}},
		{name: "positional", args: []string{"extra"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := parseConfig(tc.args, envOf(tc.env)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestNewLogger_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	newLogger(&buf, "json", slog.LevelInfo).Info("hello", "resource_name", "job-1")
	if !strings.Contains(buf.String(), `"resource_name":"job-1"`) {
		t.Fatalf("expected json output, got %q", buf.String())
	}
}

func TestServe_ShutdownLetsInFlightRequestsFinish(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	proceed := make(chan struct{})
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-proceed
		if err := r.Context().Err(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, "done")
	})}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	served := make(chan error, 1)
	go func() {
		served <- serve(ctx, srv, ln, 5*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	type result struct {
		code int
		body string
		err  error
	}
	got := make(chan result, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/locks/request")
		if err != nil {
			got <- result{err: err}
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		got <- result{code: resp.StatusCode, body: string(b)}
	}()

	<-entered
	cancel()
	close(proceed)

	res := <-got
	if res.err != nil {
		t.Fatalf("in-flight request: %v", res.err)
	}
	if res.code != http.StatusOK || res.body != "done" {
		t.Fatalf("in-flight request was cut short: %d %q", res.code, res.body)
	}
	if err := <-served; err != nil {
		t.Fatalf("serve: %v", err)
	}
}
