package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Logicbevers/AI-Voice/internal/api"
	"github.com/Logicbevers/AI-Voice/internal/app"
	"github.com/Logicbevers/AI-Voice/internal/config"
	"github.com/Logicbevers/AI-Voice/internal/logging"
	"github.com/Logicbevers/AI-Voice/internal/ratelimit"
	"github.com/Logicbevers/AI-Voice/internal/store"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.Env, "api")
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	orch, rec, err := app.NewOrchestrator(st, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init orchestrator")
	}

	opts := api.Options{APIKey: cfg.APIKey, Logger: log}
	rdb, err := app.NewRedis(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("connect redis")
	}
	if rdb != nil {
		defer rdb.Close()
		opts.Limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	} else {
		log.Warn().Msg("REDIS_ADDR not set, generation requests are not rate limited")
	}
	if cfg.APIKey == "" {
		log.Warn().Msg("API_KEY not set, the API accepts unauthenticated requests")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(st, orch, rec, opts).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	log.Info().Msg("api stopped")
}
