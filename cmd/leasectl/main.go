package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/juno-intents/lease-manager/internal/blobstore"
	"github.com/juno-intents/lease-manager/internal/leaseapi"
	"github.com/juno-intents/lease-manager/internal/leaseclient"
	"github.com/juno-intents/lease-manager/internal/leaseevents"
	"github.com/juno-intents/lease-manager/internal/queue"
	"github.com/juno-intents/lease-manager/internal/secrets"
	"github.com/juno-intents/lease-manager/internal/snapshot"
)

const usage = `usage: leasectl [global flags] <command> [flags]

commands:
  acquire   --resource R --process P
  release   --resource R --process P
  status    --resource R
  list      [--process P]
  wait      --resource R --process P [--max-attempts N] [--hold]
  watch     [--queue-driver kafka|stdio] [--queue-brokers B] [--topic T] [--resource R]
  snapshot  --bucket B [--prefix P] [--region R] [--show]

global flags:
  --server URL       lease-server base URL (env LEASE_SERVER, default http://127.0.0.1:5000)
  --auth-token REF   bearer token or secret reference (env LEASE_AUTH_TOKEN)
  --timeout D        per-request timeout (default 10s)
`

var (
	errUsage       = errors.New("invalid usage")
	errNotAcquired = errors.New("lock not acquired")
	errNotReleased = errors.New("lock not held by process")
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runMain(ctx, os.Args[1:], os.Getenv, os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type globals struct {
	server  string
	token   string
	timeout time.Duration
	getenv  func(string) string
	stdin   io.Reader
	stdout  io.Writer

	openSnapshots func(ctx context.Context, bucket, prefix, region string) (blobstore.Store, error)
}

func runMain(ctx context.Context, args []string, getenv func(string) string, stdin io.Reader, stdout io.Writer) error {
	return runWith(ctx, globals{getenv: getenv, stdin: stdin, stdout: stdout, openSnapshots: openS3Snapshots}, args)
}

func runWith(ctx context.Context, g globals, args []string) error {
	if g.getenv == nil {
		g.getenv = func(string) string { return "" }
	}
	getenv := g.getenv

	serverDefault := "http://127.0.0.1:5000"
	if v := strings.TrimSpace(getenv("LEASE_SERVER")); v != "" {
		serverDefault = v
	}

	fs := flag.NewFlagSet("leasectl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&g.server, "server", serverDefault, "lease-server base URL")
	fs.StringVar(&g.token, "auth-token", getenv("LEASE_AUTH_TOKEN"), "bearer token or secret reference")
	fs.DurationVar(&g.timeout, "timeout", 10*time.Second, "per-request timeout")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}
	if g.timeout <= 0 {
		return fmt.Errorf("%w: --timeout must be > 0", errUsage)
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "acquire":
		return runAcquire(ctx, g, rest)
	case "release":
		return runRelease(ctx, g, rest)
	case "status":
		return runStatus(ctx, g, rest)
	case "list":
		return runList(ctx, g, rest)
	case "wait":
		return runWait(ctx, g, rest)
	case "watch":
		return runWatch(ctx, g, rest)
	case "snapshot":
		return runSnapshot(ctx, g, rest)
	case "help":
		return flag.ErrHelp
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func (g globals) client(ctx context.Context) (*leaseapi.Client, error) {
	token, err := secrets.NewResolver(secrets.NewEnv(g.getenv), nil).Resolve(ctx, g.token)
	if err != nil {
		return nil, err
	}
	return leaseapi.NewClient(g.server, leaseapi.WithAuthToken(token))
}

func (g globals) print(v any) error {
	enc := json.NewEncoder(g.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSubFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseSub(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %s: %v", errUsage, fs.Name(), err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: %s: unexpected arguments %v", errUsage, fs.Name(), fs.Args())
	}
	return nil
}

func requireFlags(cmd string, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("%w: %s: --%s is required", errUsage, cmd, pairs[i])
		}
	}
	return nil
}

func runAcquire(ctx context.Context, g globals, args []string) error {
	fs := newSubFlags("acquire")
	resource := fs.String("resource", "", "resource name")
	process := fs.String("process", "", "process id")
	if err := parseSub(fs, args); err != nil {
		return err
	}
	if err := requireFlags("acquire", "resource", *resource, "process", *process); err != nil {
		return err
	}

	c, err := g.client(ctx)
	if err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	resp, err := c.Acquire(rctx, *resource, *process)
	if err != nil {
		return err
	}
	if err := g.print(resp); err != nil {
		return err
	}
	if !resp.Acquired() {
		return fmt.Errorf("%w: held by %s", errNotAcquired, resp.HolderID)
	}
	return nil
}

func runRelease(ctx context.Context, g globals, args []string) error {
	fs := newSubFlags("release")
	resource := fs.String("resource", "", "resource name")
	process := fs.String("process", "", "process id")
	if err := parseSub(fs, args); err != nil {
		return err
	}
	if err := requireFlags("release", "resource", *resource, "process", *process); err != nil {
		return err
	}

	c, err := g.client(ctx)
	if err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	resp, err := c.Release(rctx, *resource, *process)
	if err != nil {
		return err
	}
	if err := g.print(resp); err != nil {
		return err
	}
	if !resp.Released() {
		return errNotReleased
	}
	return nil
}

func runStatus(ctx context.Context, g globals, args []string) error {
	fs := newSubFlags("status")
	resource := fs.String("resource", "", "resource name")
	if err := parseSub(fs, args); err != nil {
		return err
	}
	if err := requireFlags("status", "resource", *resource); err != nil {
		return err
	}

	c, err := g.client(ctx)
	if err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	resp, err := c.Status(rctx, *resource)
	if err != nil {
		return err
	}
	return g.print(resp)
}

func runList(ctx context.Context, g globals, args []string) error {
	fs := newSubFlags("list")
	process := fs.String("process", "", "only list locks held by this process")
	if err := parseSub(fs, args); err != nil {
		return err
	}

	c, err := g.client(ctx)
	if err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var locks []leaseapi.LockInfo
	if *process != "" {
		locks, err = c.ListByProcess(rctx, *process)
	} else {
		locks, err = c.ListActive(rctx)
	}
	if err != nil {
		return err
	}
	if locks == nil {
		locks = []leaseapi.LockInfo{}
	}
	return g.print(locks)
}

func runWait(ctx context.Context, g globals, args []string) error {
	fs := newSubFlags("wait")
	resource := fs.String("resource", "", "resource name")
	process := fs.String("process", "", "process id")
	maxAttempts := fs.Int("max-attempts", 0, "give up after N attempts; 0 waits until interrupted")
	initialBackoff := fs.Duration("initial-backoff", 100*time.Millisecond, "first retry delay")
	maxBackoff := fs.Duration("max-backoff", 5*time.Second, "retry delay cap")
	hold := fs.Bool("hold", false, "after acquiring, keep renewing until interrupted and then release")
	renewEvery := fs.Duration("renew-every", 10*time.Second, "renewal interval with --hold")
	if err := parseSub(fs, args); err != nil {
		return err
	}
	if err := requireFlags("wait", "resource", *resource, "process", *process); err != nil {
		return err
	}
	if *hold && *renewEvery <= 0 {
		return fmt.Errorf("%w: wait: --renew-every must be > 0", errUsage)
	}

	c, err := g.client(ctx)
	if err != nil {
		return err
	}
	resp, err := leaseclient.AcquireWithRetry(ctx, c, *resource, *process, leaseclient.RetryOptions{
		InitialBackoff: *initialBackoff,
		MaxBackoff:     *maxBackoff,
		MaxAttempts:    *maxAttempts,
		Jitter:         0.2,
	})
	if err != nil {
		return err
	}
	if err := g.print(resp); err != nil {
		return err
	}
	if !*hold {
		return nil
	}

	k, err := leaseclient.NewKeeper(c, *resource, *process, *renewEvery)
	if err != nil {
		return err
	}
	k.ReleaseOnStop = true
	return k.Run(ctx)
}

func runWatch(ctx context.Context, g globals, args []string) error {
	fs := newSubFlags("watch")
	driver := fs.String("queue-driver", queue.DriverKafka, "event source: kafka|stdio")
	brokers := fs.String("queue-brokers", g.getenv("LEASE_EVENTS_BROKERS"), "comma-separated Kafka brokers")
	topic := fs.String("topic", leaseevents.DefaultTopic, "lease event topic")
	group := fs.String("group", "", "Kafka consumer group; empty tails from the newest offset")
	resource := fs.String("resource", "", "only print events for this resource")
	if err := parseSub(fs, args); err != nil {
		return err
	}

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:  *driver,
		Brokers: queue.SplitCommaList(*brokers),
		Group:   *group,
		Topics:  []string{*topic},
		Reader:  g.stdin,
	})
	if err != nil {
		return err
	}
	defer func() { _ = consumer.Close() }()

	enc := json.NewEncoder(g.stdout)
	msgs, errs := consumer.Messages(), consumer.Errors()
	for msgs != nil || errs != nil {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			return fmt.Errorf("watch: %w", err)
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			ev, err := leaseevents.Decode(msg.Value)
			if err != nil {
				fmt.Fprintf(os.Stderr, "skip malformed event: %v\n", err)
				_ = msg.Ack(ctx)
				continue
			}
			if *resource == "" || ev.ResourceName == *resource {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			if err := msg.Ack(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("watch: ack: %w", err)
			}
		}
	}
	return nil
}

func runSnapshot(ctx context.Context, g globals, args []string) error {
	fs := newSubFlags("snapshot")
	bucket := fs.String("bucket", g.getenv("LEASE_SNAPSHOT_BUCKET"), "S3 bucket")
	prefix := fs.String("prefix", "lease-manager", "key prefix inside the bucket")
	region := fs.String("region", "", "AWS region; empty uses the default chain")
	show := fs.Bool("show", false, "print the latest snapshot and the archived keys instead of taking one")
	if err := parseSub(fs, args); err != nil {
		return err
	}
	if err := requireFlags("snapshot", "bucket", *bucket); err != nil {
		return err
	}

	store, err := g.openSnapshots(ctx, *bucket, *prefix, *region)
	if err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if *show {
		history, err := snapshot.History(rctx, store)
		if err != nil {
			return err
		}
		latest, err := snapshot.Latest(rctx, store)
		if err != nil {
			return err
		}
		return g.print(struct {
			Latest  snapshot.Document `json:"latest"`
			History []string          `json:"history"`
		}{Latest: latest, History: history})
	}

	c, err := g.client(ctx)
	if err != nil {
		return err
	}
	w, err := snapshot.NewWriter(c, store, time.Now)
	if err != nil {
		return err
	}
	key, doc, err := w.Take(rctx)
	if err != nil {
		return err
	}
	return g.print(struct {
		Key     string    `json:"key"`
		TakenAt time.Time `json:"taken_at"`
		Count   int       `json:"count"`
	}{Key: key, TakenAt: doc.TakenAt, Count: doc.Count})
}

func openS3Snapshots(ctx context.Context, bucket, prefix, region string) (blobstore.Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return blobstore.New(blobstore.Config{
		Driver:   blobstore.DriverS3,
		Prefix:   prefix,
		Bucket:   bucket,
		S3Client: s3.NewFromConfig(awsCfg),
	})
}
