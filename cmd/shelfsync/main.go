package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"shelfsync/internal/config"
	"shelfsync/internal/metrics"
	"shelfsync/internal/util"
	"shelfsync/pkg/blobcache"
	"shelfsync/pkg/scheduler"
	"shelfsync/pkg/store"
	"shelfsync/pkg/syncqueue"
)

func main() {
	app := &cli.App{
		Name:  "shelfsync",
		Usage: "Inspect and drive the offline reading cache and sync queue",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to the YAML config file",
				Value:   config.ConfigPath,
				Aliases: []string{"c"},
			},
			&cli.StringFlag{
				Name:    "user",
				Usage:   "User id to scope queue queries to",
				Aliases: []string{"u"},
			},
			&cli.BoolFlag{
				Name:  "log-json",
				Usage: "Emit JSON logs instead of colorized terminal output",
			},
		},
		Commands: []*cli.Command{
			{Name: "run", Usage: "Run the delivery scheduler until interrupted", Action: runCommand},
			{Name: "status", Usage: "Show queue counts and cache usage", Action: statusCommand},
			{Name: "drain", Usage: "Drain all pending operations now", Action: drainCommand},
			{Name: "retry-failed", Usage: "Reset failed operations and drain", Action: retryFailedCommand},
			{Name: "clear-failed", Usage: "Delete failed operations", Action: clearFailedCommand},
			{Name: "sweep", Usage: "Prune expired chapters and revoke stale handles", Action: sweepCommand},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type env struct {
	cfg   config.FileConfig
	store *store.GormStore
	cache *blobcache.BlobCache
	queue *syncqueue.Queue
	sched *scheduler.Scheduler
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.Bool("log-json") {
		util.InitLogger(cfg.LogLevel)
	} else {
		util.InitPrettyLogger(cfg.LogLevel)
	}
	metrics.Register()

	st, err := store.NewGormStore(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	cache, err := blobcache.New(st, blobcache.Config{
		BudgetBytes:  cfg.CacheBudgetBytes,
		AssetTTL:     config.ParseDuration(cfg.AssetTTL, 7*24*time.Hour),
		HandleMaxAge: config.ParseDuration(cfg.HandleMaxAge, 30*time.Minute),
		SweepSpec:    cfg.SweepSpec,
	})
	if err != nil {
		return nil, err
	}
	queue, err := syncqueue.New(st, syncqueue.Config{
		Deliverer:     syncqueue.NewHTTPDeliverer(nil),
		RemoteBaseURL: cfg.RemoteBaseURL,
		MaxRetries:    cfg.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(queue, scheduler.Config{
		PollInterval: config.ParseDuration(cfg.PollInterval, 30*time.Second),
		SnapshotPath: cfg.SnapshotPath,
	})
	return &env{cfg: cfg, store: st, cache: cache, queue: queue, sched: sched}, nil
}

func (e *env) close() {
	e.cache.Destroy()
	_ = e.store.Close()
}

func runCommand(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e.sched.Start(ctx)
	slog.Info("scheduler running", "pollInterval", e.cfg.PollInterval)
	<-ctx.Done()

	e.sched.Stop()
	// Headless hosts have no teardown signal; flush on the way out.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.sched.LastChanceFlush(flushCtx)
	return nil
}

func statusCommand(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	ctx := context.Background()
	user := c.String("user")
	if user == "" {
		return fmt.Errorf("user must be specified")
	}
	pending, err := e.queue.PendingCount(ctx, user)
	if err != nil {
		return err
	}
	failed, err := e.queue.FailedCount(ctx, user)
	if err != nil {
		return err
	}
	cached, err := e.store.AssetBytes(ctx, user)
	if err != nil {
		return err
	}
	books, err := e.store.ListOfflineBooks(ctx, user)
	if err != nil {
		return err
	}
	fmt.Printf("pending operations: %d\n", pending)
	fmt.Printf("failed operations:  %d\n", failed)
	fmt.Printf("cached asset bytes: %d\n", cached)
	fmt.Printf("offline books:      %d\n", len(books))
	return nil
}

func drainCommand(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	res, err := e.queue.ProcessQueue(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("delivered %d, requeued %d, failed %d\n", res.Delivered, res.Requeued, res.Failed)
	return nil
}

func retryFailedCommand(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	res, err := e.queue.RetryFailed(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("delivered %d, requeued %d, failed %d\n", res.Delivered, res.Requeued, res.Failed)
	return nil
}

func clearFailedCommand(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()
	return e.queue.ClearFailed(context.Background())
}

func sweepCommand(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	ctx := context.Background()
	user := c.String("user")
	if user == "" {
		return fmt.Errorf("user must be specified")
	}
	cutoff := time.Now().UTC().Add(-config.ParseDuration(e.cfg.ChapterTTL, 30*24*time.Hour))
	pruned, err := e.store.PruneExpiredChapters(ctx, user, cutoff)
	if err != nil {
		return err
	}
	e.cache.SweepHandles()
	fmt.Printf("pruned %d expired chapters\n", pruned)
	return nil
}
