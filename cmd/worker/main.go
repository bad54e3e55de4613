package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Logicbevers/AI-Voice/internal/app"
	"github.com/Logicbevers/AI-Voice/internal/config"
	"github.com/Logicbevers/AI-Voice/internal/lease"
	"github.com/Logicbevers/AI-Voice/internal/logging"
	"github.com/Logicbevers/AI-Voice/internal/store"
	"github.com/Logicbevers/AI-Voice/internal/telemetry"
	"github.com/Logicbevers/AI-Voice/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.Env, "worker")
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	orch, _, err := app.NewOrchestrator(st, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init orchestrator")
	}

	opts := worker.SweeperOptions{
		Interval:         cfg.SweepInterval,
		BatchSize:        cfg.SweepBatchSize,
		Concurrency:      cfg.SweepConcurrency,
		StaleQueuedAfter: cfg.StaleQueuedAfter,
		Logger:           log,
	}

	rdb, err := app.NewRedis(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("connect redis")
	}
	if rdb != nil {
		defer rdb.Close()
		opts.Lease = lease.New(rdb, "sweep", cfg.SweepLeaseTTL)
	} else {
		log.Info().Msg("REDIS_ADDR not set, sweeping without a lease")
	}

	var archiver *worker.Archiver
	if cfg.ArchiveEnabled {
		archiveOpts := worker.ArchiveOptions{
			Dir:            cfg.ArchiveDir,
			S3Bucket:       cfg.ArchiveS3Bucket,
			S3Region:       cfg.ArchiveS3Region,
			S3Endpoint:     cfg.ArchiveS3Endpoint,
			S3PathStyle:    cfg.ArchiveS3PathStyle,
			MaxBytes:       cfg.ArchiveMaxBytes,
			Timeout:        cfg.ArchiveTimeout,
			ThumbnailWidth: cfg.ThumbnailWidth,
			Interval:       cfg.ArchiveInterval,
			PassTimeout:    cfg.ArchivePassTimeout,
			Logger:         log,
		}
		if rdb != nil {
			archiveOpts.Lease = lease.New(rdb, "archive", cfg.ArchiveLeaseTTL)
		}
		archiver, err = worker.NewArchiver(ctx, st, archiveOpts)
		if err != nil {
			log.Fatal().Err(err).Msg("init archiver")
		}
	}

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Dur("interval", cfg.SweepInterval).
		Int("batch_size", cfg.SweepBatchSize).
		Int("concurrency", cfg.SweepConcurrency).
		Bool("archive", cfg.ArchiveEnabled).
		Msg("worker started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.NewSweeper(orch, st, opts).Run(gctx) })
	if archiver != nil {
		g.Go(func() error { return archiver.Run(gctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	log.Info().Msg("worker stopped")
}
