// Package worker drives reconciliation of generation jobs: on demand for a caller who is
// waiting, and in the background so jobs finish even when nobody is watching.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Logicbevers/AI-Voice/internal/apperrors"
	"github.com/Logicbevers/AI-Voice/internal/orchestrator"
)

// Orchestrator is the part of orchestrator.Orchestrator the drivers need.
type Orchestrator interface {
	Reconcile(ctx context.Context, jobID string) (orchestrator.Result, error)
	GetStatus(ctx context.Context, workItemID string) (orchestrator.StatusView, error)
	Abandon(ctx context.Context, jobID, reason string) (orchestrator.Result, error)
}

// ReconcilerOptions bounds Await. Zero values use defaults.
type ReconcilerOptions struct {
	Interval    time.Duration
	MaxAttempts int
	Logger      zerolog.Logger
}

// Reconciler is the on-demand driver.
type Reconciler struct {
	orch        Orchestrator
	interval    time.Duration
	maxAttempts int
	log         zerolog.Logger
}

func NewReconciler(orch Orchestrator, opts ReconcilerOptions) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 60
	}
	return &Reconciler{
		orch:        orch,
		interval:    opts.Interval,
		maxAttempts: opts.MaxAttempts,
		log:         opts.Logger.With().Str("component", "reconciler").Logger(),
	}
}

// CheckNow performs exactly one reconcile of a job.
func (r *Reconciler) CheckNow(ctx context.Context, jobID string) (orchestrator.Result, error) {
	return r.orch.Reconcile(ctx, jobID)
}

// CheckLatest reconciles the most recent job of a work item.
func (r *Reconciler) CheckLatest(ctx context.Context, workItemID string) (orchestrator.Result, error) {
	view, err := r.orch.GetStatus(ctx, workItemID)
	if err != nil {
		return orchestrator.Result{}, err
	}
	if view.JobID == "" {
		return orchestrator.Result{}, apperrors.Validation("project_id", "no video generation has been started for this project")
	}
	return r.orch.Reconcile(ctx, view.JobID)
}

// Await reconciles a job until it is terminal or the attempt budget is spent. Transient
// provider errors only consume an attempt. Running out of attempts returns the last seen
// state with apperrors.ErrTimeout; the job itself is left as it is.
func (r *Reconciler) Await(ctx context.Context, jobID string) (orchestrator.Result, error) {
	var last orchestrator.Result
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		res, err := r.orch.Reconcile(ctx, jobID)
		switch {
		case err == nil:
			last = res
			if res.Status.IsTerminal() {
				return res, nil
			}
		case errors.Is(err, apperrors.ErrTransient):
			last = res
			r.log.Debug().Err(err).Str("job_id", jobID).Int("attempt", attempt).Msg("transient provider error while waiting")
		default:
			return res, err
		}

		if attempt == r.maxAttempts {
			break
		}
		timer := time.NewTimer(r.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, fmt.Errorf("await job %s: %w", jobID, ctx.Err())
		case <-timer.C:
		}
	}
	return last, apperrors.Timeout("await job "+jobID, r.maxAttempts)
}
