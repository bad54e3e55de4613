package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Logicbevers/AI-Voice/internal/app"
	"github.com/Logicbevers/AI-Voice/internal/config"
	"github.com/Logicbevers/AI-Voice/internal/logging"
	"github.com/Logicbevers/AI-Voice/internal/models"
	"github.com/Logicbevers/AI-Voice/internal/orchestrator"
	"github.com/Logicbevers/AI-Voice/internal/store"
	"github.com/Logicbevers/AI-Voice/internal/worker"
)

type ctlStore interface {
	orchestrator.Store
	worker.JobLister
	ListJobEvents(ctx context.Context, jobID string) ([]models.JobEvent, error)
}

// runtime is everything a command needs once connected.
type runtime struct {
	store      ctlStore
	orch       *orchestrator.Orchestrator
	reconciler *worker.Reconciler
	cfg        config.Config
	log        zerolog.Logger
	close      func()
}

type openFunc func(ctx context.Context) (*runtime, error)

type commandContext struct {
	open       openFunc
	jsonOutput bool
	tenant     string
}

func newCommandContext(open openFunc) *commandContext {
	return &commandContext{open: open}
}

// withRuntime connects, scopes ctx to --tenant when given, and runs fn.
func (c *commandContext) withRuntime(ctx context.Context, fn func(context.Context, *runtime) error) error {
	rt, err := c.open(ctx)
	if err != nil {
		return err
	}
	if rt.close != nil {
		defer rt.close()
	}
	return fn(orchestrator.WithTenant(ctx, c.tenant), rt)
}

func openRuntime(ctx context.Context) (*runtime, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	// the CLI only logs warnings so table output stays readable
	log := logging.New(cfg.Env, "videoctl").Level(zerolog.WarnLevel)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	st, err := store.New(connectCtx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	orch, rec, err := app.NewOrchestrator(st, cfg, log)
	if err != nil {
		st.Close()
		return nil, err
	}
	return &runtime{
		store:      st,
		orch:       orch,
		reconciler: rec,
		cfg:        cfg,
		log:        log,
		close:      st.Close,
	}, nil
}
