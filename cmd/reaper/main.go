package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"

	"github.com/flowdb/reaper/internal/cleaner"
	"github.com/flowdb/reaper/internal/config"
	"github.com/flowdb/reaper/internal/health"
	"github.com/flowdb/reaper/internal/liveness"
	"github.com/flowdb/reaper/internal/retention"
	"github.com/flowdb/reaper/internal/retry"
	"github.com/flowdb/reaper/internal/scheduler"
	"github.com/flowdb/reaper/internal/store"
	"github.com/flowdb/reaper/internal/web"
)

func main() {
	// Check for subcommands before flag parsing.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "inspect":
			os.Exit(runInspect(os.Args[2:]))
		}
	}

	configPath := flag.String("config", "", "path to configuration file (optional)")
	dbURL := flag.String("db-url", "", "database connection URL")
	redisURL := flag.String("redis-url", "", "liveness store URL")
	retentionDays := flag.Int("retention-days", 0, "retention period in days")
	batchSize := flag.Int("batch-size", 0, "rows per delete batch")
	sleepSeconds := flag.Float64("sleep-seconds", -1, "pause between batches in seconds")
	dryRun := flag.Bool("dry-run", false, "report what would be deleted without deleting")
	runInterval := flag.Int("run-interval", 0, "minutes between runs; 0 runs once and exits")
	healthPort := flag.Int("healthcheck-port", 0, "port for the health endpoint; 0 disables")
	scope := flag.String("scope", "", "limit cleanup to one lane")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	// Flags set on the command line win over file and environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "db-url":
			cfg.DatabaseURL = *dbURL
		case "redis-url":
			cfg.RedisURL = *redisURL
		case "retention-days":
			cfg.RetentionDays = *retentionDays
		case "batch-size":
			cfg.BatchSize = *batchSize
		case "sleep-seconds":
			cfg.SleepSeconds = *sleepSeconds
		case "dry-run":
			cfg.DryRun = *dryRun
		case "run-interval":
			cfg.RunIntervalMinutes = *runInterval
		case "healthcheck-port":
			cfg.HealthcheckPort = *healthPort
		case "scope":
			cfg.Scope = *scope
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	instanceID := ulid.Make().String()
	log.Printf("reaper starting (instance %s): retention=%dd batch=%d scope=%s dry_run=%v",
		instanceID, cfg.RetentionDays, cfg.BatchSize, cfg.Scope, cfg.DryRun)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open datastore: %v", err)
	}
	defer st.Close()

	healthState := health.NewState()
	retrier := &retry.Retrier{
		MaxRetries: cfg.MaxRetries,
		Delay:      cfg.RetryDelay(),
		Policy:     retry.Policy(cfg.Backoff),
		Health:     healthState,
		Reconnect:  st.Reconnect,
	}

	err = retrier.Do(ctx, "datastore ping", func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return st.Ping(pctx)
	})
	if err != nil {
		log.Fatalf("datastore unreachable: %v", err)
	}
	log.Printf("connected to datastore")

	if err := st.EnsureIndexes(ctx); err != nil {
		log.Printf("WARN: failed to ensure cleanup indexes, continuing: %v", err)
	}

	keys := liveness.Keys{Prefix: cfg.RedisKeyPrefix}
	var live liveness.Store
	var checker *liveness.Checker
	if cfg.RedisURL != "" {
		rs, err := liveness.Open(cfg.RedisURL)
		if err != nil {
			log.Fatalf("invalid liveness store URL: %v", err)
		}
		defer rs.Close()
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rs.Ping(pctx)
		cancel()
		if err != nil {
			// Checks against an unreachable store fail closed, so starting
			// anyway only means incomplete runs are kept.
			log.Printf("WARN: liveness store unreachable, incomplete runs will be kept: %v", err)
		} else {
			log.Printf("connected to liveness store")
		}
		live = rs
		checker = liveness.NewChecker(rs, keys)
	} else {
		log.Printf("no liveness store configured, incomplete runs judged on age alone")
	}

	var srv *web.Server
	if cfg.HealthcheckPort > 0 {
		srv = web.NewServer(":"+strconv.Itoa(cfg.HealthcheckPort), healthState)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("healthcheck server error: %v", err)
			}
		}()
	}

	cl, err := cleaner.New(cleaner.Options{
		Store:             st,
		Oracle:            retention.New(st, checker),
		Retrier:           retrier,
		Liveness:          live,
		Keys:              keys,
		Retention:         cfg.Retention(),
		ExtendedRetention: cfg.ExtendedRetention(),
		BatchSize:         cfg.BatchSize,
		Sleep:             cfg.SleepInterval(),
		DryRun:            cfg.DryRun,
		Scope:             cfg.Scope,
		Strategy:          cleaner.Strategy(cfg.Strategy),
		ReadTimeout:       cfg.ReadTimeout(),
		DeleteTimeout:     cfg.DeleteTimeout(),
		Budget:            cfg.RunBudget(),
	})
	if err != nil {
		log.Fatalf("invalid cleanup options: %v", err)
	}

	logInitialStats(ctx, st, cfg)

	exitCode := 0
	if cfg.RunIntervalMinutes > 0 || cfg.Schedule != "" {
		runLoop(ctx, cl, cfg)
	} else {
		summary := cl.Run(ctx)
		summary.Log()
		recordSuccess(cfg, summary)
		if summary.Failed() {
			exitCode = 1
		}
	}

	if srv != nil {
		healthState.MarkUnhealthy(nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("ERROR: healthcheck server shutdown error: %v", err)
		}
	}

	log.Printf("reaper stopped (instance %s)", instanceID)
	os.Exit(exitCode)
}

// runLoop executes cleanup runs on the configured cadence until the context
// is cancelled. A cron schedule takes precedence over the fixed interval.
func runLoop(ctx context.Context, cl *cleaner.Cleaner, cfg *config.Config) {
	var sched cron.Schedule
	if cfg.Schedule != "" {
		var err error
		sched, err = scheduler.Parse(cfg.Schedule)
		if err != nil {
			log.Fatalf("invalid schedule %q: %v", cfg.Schedule, err)
		}
		log.Printf("running on schedule %q", cfg.Schedule)
	} else {
		sched = scheduler.Every(time.Duration(cfg.RunIntervalMinutes) * time.Minute)
		log.Printf("running every %d minute(s)", cfg.RunIntervalMinutes)
	}

	for {
		summary := cl.Run(ctx)
		summary.Log()
		recordSuccess(cfg, summary)

		if ctx.Err() != nil {
			log.Println("shutting down...")
			return
		}
		next := scheduler.Next(sched, time.Now())
		log.Printf("next run at %s", next.Format(time.RFC3339))
		if err := scheduler.Wait(ctx, next); err != nil {
			log.Println("shutting down...")
			return
		}
	}
}

// logInitialStats prints a sampled picture of the events table before work
// starts. Failures are not worth aborting over.
func logInitialStats(ctx context.Context, st *store.Store, cfg *config.Config) {
	sctx, cancel := context.WithTimeout(ctx, cfg.ReadTimeout())
	defer cancel()
	stats, err := st.EventStats(sctx, time.Now().Add(-cfg.Retention()))
	if err != nil {
		log.Printf("WARN: failed to gather initial stats: %v", err)
		return
	}
	suffix := ""
	if stats.OlderSampled || stats.EligibleSampled {
		suffix = " (sampled)"
	}
	log.Printf("events: oldest=%s newest=%s past_cutoff=%d deletable=%d%s",
		orNone(stats.Oldest), orNone(stats.Newest), stats.OlderThanCutoff, stats.Eligible, suffix)
}

func recordSuccess(cfg *config.Config, summary *cleaner.Summary) {
	if cfg.LastSuccessFile == "" || summary.Failed() {
		return
	}
	if err := health.WriteLastSuccess(cfg.LastSuccessFile, time.Now()); err != nil {
		log.Printf("WARN: failed to write last-success marker: %v", err)
	}
}
