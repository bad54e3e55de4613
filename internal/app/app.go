// Package app assembles the shared runtime pieces the binaries build from Config.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Logicbevers/AI-Voice/internal/classify"
	"github.com/Logicbevers/AI-Voice/internal/config"
	"github.com/Logicbevers/AI-Voice/internal/orchestrator"
	"github.com/Logicbevers/AI-Voice/internal/provider"
	"github.com/Logicbevers/AI-Voice/internal/worker"
)

// mockReadyAfter is how long mock renders stay in processing.
const mockReadyAfter = 20 * time.Second

// NewProvider returns the configured provider wrapped in a circuit breaker.
func NewProvider(cfg config.Config) (provider.Client, error) {
	var client provider.Client
	switch cfg.ProviderName() {
	case config.ProviderHeyGen:
		hg, err := provider.NewHeyGen(provider.HeyGenOptions{
			APIKey:   cfg.HeyGenAPIKey,
			BaseURL:  cfg.ProviderBaseURL,
			Width:    cfg.VideoWidth,
			Height:   cfg.VideoHeight,
			TestMode: cfg.ProviderTestMode,
		})
		if err != nil {
			return nil, err
		}
		client = hg
	case config.ProviderMock:
		client = provider.NewMock(mockReadyAfter)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.ProviderName())
	}
	return provider.NewGuarded(client, provider.BreakerConfig{
		Name:      cfg.ProviderName(),
		Threshold: cfg.BreakerThreshold,
		Cooldown:  cfg.BreakerCooldown,
	}), nil
}

// NewOrchestrator builds the orchestrator and its on-demand reconciler.
func NewOrchestrator(st orchestrator.Store, cfg config.Config, log zerolog.Logger) (*orchestrator.Orchestrator, *worker.Reconciler, error) {
	client, err := NewProvider(cfg)
	if err != nil {
		return nil, nil, err
	}
	policy, err := classify.NewPolicy(cfg.BenignPatterns)
	if err != nil {
		return nil, nil, fmt.Errorf("benign failure patterns: %w", err)
	}
	orch := orchestrator.New(st, client, policy, orchestrator.Options{
		DefaultVoiceID:   cfg.DefaultVoiceID,
		FallbackMediaURL: cfg.FallbackMediaURL,
		SubmitTimeout:    cfg.SubmitTimeout,
		QueryTimeout:     cfg.QueryTimeout,
		Logger:           log,
	})
	rec := worker.NewReconciler(orch, worker.ReconcilerOptions{
		Interval:    cfg.PollInterval,
		MaxAttempts: cfg.PollMaxAttempts,
		Logger:      log,
	})
	log.Info().Str("provider", cfg.ProviderName()).Int("benign_patterns", len(policy.Patterns())).Msg("orchestrator ready")
	return orch, rec, nil
}

// NewRedis connects to Redis when REDIS_ADDR is set. It returns nil otherwise, and callers
// run without the features Redis backs.
func NewRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}
