package app

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"horse.fit/clearoid/internal/cli"
	"horse.fit/clearoid/internal/config"
	"horse.fit/clearoid/internal/jobs"
)

func runWorker(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	concurrency := fs.Int("concurrency", 1, "Batch runs processed in parallel")
	metricsAddr := fs.String("metrics-addr", "", "Serve /metrics on this address (empty disables)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *concurrency < 1 {
		fmt.Fprintln(os.Stderr, "--concurrency must be >= 1")
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := openServices(ctx, envLoader, servicesOptions{Metrics: strings.TrimSpace(*metricsAddr) != ""})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer rt.close()
	logger := rt.logger

	// An in-memory queue or store cannot see runs accepted by serve.
	if rt.redis == nil || rt.cfg.StoreDriver == config.StoreDriverMemory {
		logger.Error().Msg("worker requires REDIS_URL and STORE_DRIVER=postgres")
		fmt.Fprintln(os.Stderr, "worker requires REDIS_URL and STORE_DRIVER=postgres")
		return 1
	}

	abandonStaleRuns(ctx, rt)

	queue := rt.buildQueue()
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < *concurrency; i++ {
		worker := jobs.NewWorker(queue, rt.engine, logger)
		group.Go(func() error {
			return worker.Run(groupCtx)
		})
	}

	if rt.metrics != nil {
		metricsServer := &http.Server{
			Addr:              strings.TrimSpace(*metricsAddr),
			Handler:           rt.metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			return metricsServer.Close()
		})
	}

	logger.Info().Int("concurrency", *concurrency).Str("queue", rt.cfg.RedisQueueKey).Msg("worker started")
	if err := group.Wait(); err != nil {
		logger.Error().Err(err).Msg("worker failed")
		fmt.Fprintf(os.Stderr, "Worker failed: %v\n", err)
		return 1
	}
	return 0
}
