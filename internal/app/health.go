package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/clearoid/internal/config"
)

// healthProbeText is embedded to prove the embedding backend answers.
const healthProbeText = "clearoid health probe"

func runHealth(args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	common := addCommandFlags(fs, 10*time.Second)
	skipEmbedder := fs.Bool("skip-embedder", false, "Do not probe the embedding backend")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	// openServices already pings postgres and redis.
	ctx, done, rt, err := common.open()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer done()

	if rt.cfg.StoreDriver == config.StoreDriverPostgres {
		if err := rt.pool.Ping(ctx); err != nil {
			rt.logger.Error().Err(err).Msg("health check failed")
			fmt.Fprintf(os.Stderr, "Health check failed: database ping: %v\n", err)
			return 1
		}
		fmt.Println("ok: database ping successful")
	} else {
		fmt.Println("ok: memory store")
	}
	if rt.redis != nil {
		fmt.Println("ok: redis ping successful")
	}

	if !*skipEmbedder {
		if err := probeEmbedder(ctx, rt); err != nil {
			rt.logger.Error().Err(err).Msg("embedder health check failed")
			fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
			return 1
		}
		fmt.Println("ok: embedder answered")
	}

	rt.logger.Info().
		Dur("timeout", *common.timeout).
		Str("store", rt.cfg.StoreDriver).
		Msg("health check passed")
	return 0
}

// probeEmbedder runs a throwaway check so the full normalize + embed path is
// exercised without storing anything.
func probeEmbedder(ctx context.Context, rt *services) error {
	if _, err := rt.engine.Check(ctx, healthProbeText); err != nil {
		return fmt.Errorf("embedding probe: %w", err)
	}
	return nil
}
