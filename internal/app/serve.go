package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"horse.fit/clearoid/internal/cli"
	"horse.fit/clearoid/internal/httpapi"
	"horse.fit/clearoid/internal/jobs"
	"horse.fit/clearoid/internal/logging"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	addr := fs.String("addr", "", "Listen address (defaults to HTTP_ADDR)")
	readTimeout := fs.Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	writeTimeout := fs.Duration("write-timeout", 60*time.Second, "HTTP write timeout")
	shutdownTimeout := fs.Duration("shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")
	workers := fs.Int("workers", 1, "In-process batch workers (0 leaves queued runs to `clearoid worker`)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *workers < 0 {
		fmt.Fprintln(os.Stderr, "--workers must be >= 0")
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := openServices(ctx, envLoader, servicesOptions{Metrics: true})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer rt.close()
	logger := rt.logger

	if rt.redis == nil && *workers == 0 {
		logger.Warn().Msg("--workers=0 without REDIS_URL; uploads would never be processed, starting one worker")
		*workers = 1
	}

	archive, err := rt.buildArchive(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("serve failed to prepare archive")
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	deps := httpapi.Dependencies{
		Engine:  rt.engine,
		Queue:   rt.buildQueue(),
		Archive: archive,
		Metrics: rt.metrics,
	}
	authRequired := rt.cfg.AuthRequired
	if rt.pool != nil {
		deps.AuthStore = rt.pool
		deps.Pinger = rt.pool
		if err := ensureDefaultAdmin(ctx, rt.pool, rt.cfg, logger); err != nil {
			logger.Warn().Err(err).Msg("default admin was not created")
		}
	} else if authRequired {
		logger.Warn().Msg("auth disabled: the memory store has no user table")
		authRequired = false
	}

	listenAddr := strings.TrimSpace(*addr)
	if listenAddr == "" {
		listenAddr = rt.cfg.HTTPAddr
	}

	srv := httpapi.NewServer(deps, logging.Component(logger, "http"), httpapi.Options{
		Addr:               listenAddr,
		ReadTimeout:        *readTimeout,
		WriteTimeout:       *writeTimeout,
		ShutdownTimeout:    *shutdownTimeout,
		SessionCookie:      rt.cfg.SessionCookieName,
		SessionSecure:      rt.cfg.SessionCookieSecure,
		SessionTTL:         rt.cfg.SessionTTL(),
		AuthRequired:       authRequired,
		UploadMaxBytes:     rt.cfg.UploadMaxBytes,
		CORSAllowedOrigins: rt.cfg.CORSAllowedOriginsList(),
		MetricsEnabled:     rt.metrics != nil,
	})

	if *workers > 0 {
		abandonStaleRuns(ctx, rt)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer cancel()
		return srv.Start(groupCtx)
	})
	for i := 0; i < *workers; i++ {
		worker := jobs.NewWorker(deps.Queue, rt.engine, logger)
		group.Go(func() error {
			return worker.Run(groupCtx)
		})
	}

	err = group.Wait()
	if memQueue, ok := deps.Queue.(*jobs.MemoryQueue); ok {
		jobs.AbandonBuffered(context.Background(), memQueue, rt.engine, logger)
	}
	if err != nil {
		logger.Error().Err(err).Str("addr", listenAddr).Msg("server failed")
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		return 1
	}
	return 0
}

// abandonStaleRuns fails runs left processing by a process that died before
// finishing them.
func abandonStaleRuns(ctx context.Context, rt *services) {
	abandoned, err := rt.engine.AbandonStaleBatches(ctx)
	if err != nil {
		rt.logger.Warn().Err(err).Msg("stale batch sweep failed")
		return
	}
	if abandoned > 0 {
		rt.logger.Warn().
			Int("abandoned", abandoned).
			Dur("stale_after", rt.cfg.BatchStaleAfter).
			Msg("stale batches abandoned")
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
