package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/lease-manager/internal/leaseapi"
	"github.com/juno-intents/lease-manager/internal/leaseevents"
	"github.com/juno-intents/lease-manager/internal/leasemanager"
	"github.com/juno-intents/lease-manager/internal/leases"
	leasepg "github.com/juno-intents/lease-manager/internal/leases/postgres"
	leaseredis "github.com/juno-intents/lease-manager/internal/leases/redis"
	leasesqlite "github.com/juno-intents/lease-manager/internal/leases/sqlite"
	"github.com/juno-intents/lease-manager/internal/metrics"
	"github.com/juno-intents/lease-manager/internal/queue"
	"github.com/juno-intents/lease-manager/internal/secrets"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const (
	storeMemory   = "memory"
	storePostgres = "postgres"
	storeSQLite   = "sqlite"
	storeRedis    = "redis"

	defaultPort         = "5000"
	defaultLeaseSeconds = 30
)

type config struct {
	Listen        string
	LeaseDuration time.Duration

	Store         string
	PostgresDSN   string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	AuthToken          string
	RateLimitPerSecond float64
	RateLimitBurst     int
	RateLimitMaxIPs    int
	TrustProxyHeaders  bool

	ReapInterval time.Duration

	EventsDriver  string
	EventsBrokers []string
	EventsTopic   string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration

	LogFormat string
	LogLevel  slog.Level
}

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	log := newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("lease-server exited", "err", err)
		os.Exit(1)
	}
}

func parseConfig(args []string, getenv func(string) string) (config, error) {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}

	listenDefault := ":" + defaultPort
	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		listenDefault = ":" + port
	}
	leaseSecondsDefault := defaultLeaseSeconds
	if v := strings.TrimSpace(getenv("TTL_SECONDS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return config{}, fmt.Errorf("TTL_SECONDS must be an integer: %q", v)
		}
		leaseSecondsDefault = n
	}

	var (
		cfg          config
		leaseSeconds int
		brokers      string
		logLevel     string
	)
	fs := flag.NewFlagSet("lease-server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.Listen, "listen", listenDefault, "HTTP listen address (env PORT sets the port)")
	fs.IntVar(&leaseSeconds, "lease-seconds", leaseSecondsDefault, "lease duration in seconds (env TTL_SECONDS)")

	fs.StringVar(&cfg.Store, "store", storeMemory, "lock table backend: postgres|sqlite|redis|memory")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", "", "Postgres DSN or secret reference (env:NAME, aws-sm:ID)")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", "leases.db", "SQLite database file")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "127.0.0.1:6379", "Redis address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "Redis password or secret reference")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "Redis logical database")
	fs.StringVar(&cfg.RedisPrefix, "redis-prefix", "leases", "Redis key prefix")

	fs.StringVar(&cfg.AuthToken, "auth-token", "", "bearer token required on /locks routes, or secret reference; empty disables auth")
	fs.Float64Var(&cfg.RateLimitPerSecond, "rate-limit-per-second", 0, "per-client refill rate; 0 disables rate limiting")
	fs.IntVar(&cfg.RateLimitBurst, "rate-limit-burst", 0, "per-client burst capacity (default 2x rate)")
	fs.IntVar(&cfg.RateLimitMaxIPs, "rate-limit-max-tracked-clients", 10_000, "maximum tracked clients in rate limiter")
	fs.BoolVar(&cfg.TrustProxyHeaders, "trust-proxy-headers", false, "key rate limiting on X-Forwarded-For")

	fs.DurationVar(&cfg.ReapInterval, "reap-interval", 0, "expired row sweep interval; 0 disables the reaper")

	fs.StringVar(&cfg.EventsDriver, "events-driver", leaseevents.DriverNone, "lease event sink: kafka|stdio|none")
	fs.StringVar(&brokers, "events-brokers", "", "comma-separated Kafka brokers")
	fs.StringVar(&cfg.EventsTopic, "events-topic", leaseevents.DefaultTopic, "lease event topic")

	fs.DurationVar(&cfg.ReadHeaderTimeout, "read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", 10*time.Second, "http.Server ReadTimeout")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", 10*time.Second, "http.Server WriteTimeout")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown deadline")

	fs.StringVar(&cfg.LogFormat, "log-format", "text", "log format: text|json")
	fs.StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	if fs.NArg() > 0 {
		return config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	if strings.TrimSpace(cfg.Listen) == "" {
		return config{}, errors.New("--listen must be non-empty")
	}
	if leaseSeconds <= 0 {
		return config{}, errors.New("--lease-seconds must be > 0")
	}
	cfg.LeaseDuration = time.Duration(leaseSeconds) * time.Second

	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	switch cfg.Store {
	case storeMemory:
	case storePostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return config{}, errors.New("--postgres-dsn is required for --store=postgres")
		}
	case storeSQLite:
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return config{}, errors.New("--sqlite-path is required for --store=sqlite")
		}
	case storeRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return config{}, errors.New("--redis-addr is required for --store=redis")
		}
	default:
		return config{}, fmt.Errorf("--store must be one of postgres|sqlite|redis|memory, got %q", cfg.Store)
	}

	if cfg.RateLimitPerSecond < 0 || cfg.RateLimitBurst < 0 || cfg.RateLimitMaxIPs <= 0 {
		return config{}, errors.New("rate limit settings must be >= 0")
	}
	if cfg.ReapInterval < 0 {
		return config{}, errors.New("--reap-interval must be >= 0")
	}

	cfg.EventsDriver = strings.ToLower(strings.TrimSpace(cfg.EventsDriver))
	cfg.EventsBrokers = queue.SplitCommaList(brokers)
	switch cfg.EventsDriver {
	case leaseevents.DriverNone, queue.DriverStdio:
	case queue.DriverKafka:
		if len(cfg.EventsBrokers) == 0 {
			return config{}, errors.New("--events-brokers is required for --events-driver=kafka")
		}
	default:
		return config{}, fmt.Errorf("--events-driver must be one of kafka|stdio|none, got %q", cfg.EventsDriver)
	}
	if cfg.EventsDriver != leaseevents.DriverNone && strings.TrimSpace(cfg.EventsTopic) == "" {
		return config{}, errors.New("--events-topic must be non-empty")
	}

	if cfg.ReadHeaderTimeout <= 0 || cfg.ReadTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 || cfg.ShutdownTimeout <= 0 {
		return config{}, errors.New("timeouts must be > 0")
	}

	switch cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat)); cfg.LogFormat {
	case "text", "json":
	default:
		return config{}, fmt.Errorf("--log-format must be text or json, got %q", cfg.LogFormat)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(logLevel)); err != nil {
		return config{}, fmt.Errorf("--log-level: %w", err)
	}
	return cfg, nil
}

func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(parent context.Context, cfg config, log *slog.Logger) error {
	ctx, cancelRun := context.WithCancel(parent)
	defer cancelRun()

	resolver := secrets.NewResolver(nil, nil)
	resolveCtx, cancelResolve := context.WithTimeout(ctx, 30*time.Second)
	defer cancelResolve()
	for _, ref := range []*string{&cfg.PostgresDSN, &cfg.RedisPassword, &cfg.AuthToken} {
		v, err := resolver.Resolve(resolveCtx, *ref)
		if err != nil {
			return fmt.Errorf("resolve secret: %w", err)
		}
		*ref = v
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	mgr, err := leasemanager.New(leasemanager.Config{LeaseDuration: cfg.LeaseDuration}, store)
	if err != nil {
		return err
	}
	mgr.WithLogger(log).WithMetrics(m)

	pub, err := leaseevents.Open(leaseevents.Config{
		Driver:  cfg.EventsDriver,
		Brokers: cfg.EventsBrokers,
		Topic:   cfg.EventsTopic,
	})
	if err != nil {
		return fmt.Errorf("init lease events: %w", err)
	}
	if pub != nil {
		defer func() { _ = pub.Close() }()
		mgr.WithPublisher(pub)
		log.Info("lease events enabled", "driver", cfg.EventsDriver, "topic", cfg.EventsTopic)
	}

	if cfg.ReapInterval > 0 {
		owner := "lease-server/" + uuid.NewString()
		if host, herr := os.Hostname(); herr == nil {
			owner = host + "/" + uuid.NewString()
		}
		reaper, err := leasemanager.NewReaper(store, owner, cfg.ReapInterval)
		if err != nil {
			return err
		}
		reaper.WithLogger(log).WithMetrics(m)
		reaperDone := make(chan struct{})
		go func() {
			defer close(reaperDone)
			_ = reaper.Run(ctx)
		}()
		defer func() {
			cancelRun()
			<-reaperDone
		}()
		log.Info("reaper enabled", "interval", cfg.ReapInterval, "owner", owner)
	}

	handler, err := leaseapi.NewHandler(leaseapi.Config{
		AuthToken:           cfg.AuthToken,
		RateLimitPerSecond:  cfg.RateLimitPerSecond,
		RateLimitBurst:      cfg.RateLimitBurst,
		RateLimitMaxClients: cfg.RateLimitMaxIPs,
		TrustProxyHeaders:   cfg.TrustProxyHeaders,
		MetricsHandler:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:              log,
		Now:                 time.Now,
	}, mgr)
	if err != nil {
		return err
	}

	// Requests get their own contexts; a signal only starts Shutdown, which
	// lets in-flight store writes finish and answer.
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.Info("lease-server listening",
		"addr", ln.Addr().String(),
		"store", cfg.Store,
		"lease_duration", cfg.LeaseDuration,
		"auth", cfg.AuthToken != "",
	)
	return serve(ctx, srv, ln, cfg.ShutdownTimeout, log)
}

// serve runs srv on ln until ctx is done, then drains it within
// shutdownTimeout.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, shutdownTimeout time.Duration, log *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config) (leases.Store, func(), error) {
	switch cfg.Store {
	case storePostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("init pgx pool: %w", err)
		}
		s, err := leasepg.New(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil
	case storeSQLite:
		s, err := leasesqlite.Open(ctx, leasesqlite.Config{Path: cfg.SQLitePath})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case storeRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		s, err := leaseredis.New(client, cfg.RedisPrefix)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.Ping(pingCtx); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return s, func() { _ = client.Close() }, nil
	default:
		return leases.NewMemoryStore(nil), func() {}, nil
	}
}
