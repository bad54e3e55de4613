package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Logicbevers/AI-Voice/internal/apperrors"
	"github.com/Logicbevers/AI-Voice/internal/lease"
	"github.com/Logicbevers/AI-Voice/internal/models"
	"github.com/Logicbevers/AI-Voice/internal/orchestrator"
	"github.com/Logicbevers/AI-Voice/internal/telemetry"
)

const abandonReason = "submission was interrupted before the provider confirmed it"

// JobLister lists jobs for the sweep.
type JobLister interface {
	ListJobsByStatus(ctx context.Context, status models.JobStatus, updatedBefore time.Time, limit int) ([]models.GenerationJob, error)
	ListJobsPage(ctx context.Context, status models.JobStatus, after models.JobCursor, limit int) ([]models.GenerationJob, error)
}

// SweeperOptions configures the background driver. Zero values use defaults.
type SweeperOptions struct {
	Interval time.Duration
	// BatchSize is the page size; every sweep walks all processing jobs.
	BatchSize   int
	Concurrency int
	BackoffMax  time.Duration
	// StaleQueuedAfter fails queued jobs older than this; zero disables it.
	StaleQueuedAfter time.Duration
	// Lease, when set, limits sweeping to one replica per tick. It is extended
	// after every page.
	Lease  *lease.Lease
	Logger zerolog.Logger
}

// Sweeper periodically reconciles every processing job.
type Sweeper struct {
	orch  Orchestrator
	jobs  JobLister
	opts  SweeperOptions
	log   zerolog.Logger
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Report summarises one sweep.
type Report struct {
	Listed       int
	Pages        int
	Completed    int
	Reclassified int
	Failed       int
	Pending      int
	Transient    int
	Errors       int
	Abandoned    int
	// Skipped is set when another replica holds the sweep lease.
	Skipped bool
}

var errLeaseLost = errors.New("sweep lease lost")

func NewSweeper(orch Orchestrator, jobs JobLister, opts SweeperOptions) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 10 * opts.Interval
	}
	return &Sweeper{
		orch:  orch,
		jobs:  jobs,
		opts:  opts,
		log:   opts.Logger.With().Str("component", "sweeper").Logger(),
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Run sweeps until ctx is cancelled. Consecutive failed sweeps back off with jitter.
func (s *Sweeper) Run(ctx context.Context) error {
	failures := 0
	for {
		rep, err := s.SweepOnce(ctx)
		wait := s.opts.Interval
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			failures++
			wait = backoffWithJitter(s.opts.Interval, s.opts.BackoffMax, failures+1)
			s.log.Warn().Err(err).Int("consecutive_failures", failures).Dur("retry_in", wait).Msg("sweep failed")
		default:
			failures = 0
			if rep.Listed > 0 || rep.Abandoned > 0 {
				s.log.Info().
					Int("listed", rep.Listed).
					Int("pages", rep.Pages).
					Int("completed", rep.Completed).
					Int("reclassified", rep.Reclassified).
					Int("failed", rep.Failed).
					Int("pending", rep.Pending).
					Int("transient", rep.Transient).
					Int("abandoned", rep.Abandoned).
					Msg("sweep finished")
			}
		}
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// SweepOnce reconciles every processing job, a page of BatchSize at a time in
// (updated_at, id) order, then fails stale queued jobs. A failure of one job does not
// stop the others.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	defer func() { telemetry.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var rep Report
	var held *lease.Handle
	if s.opts.Lease != nil {
		h, ok, err := s.opts.Lease.TryAcquire(ctx)
		if err != nil {
			return rep, fmt.Errorf("sweep lease: %w", err)
		}
		if !ok {
			rep.Skipped = true
			return rep, nil
		}
		held = h
		defer func() {
			if err := h.Release(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn().Err(err).Msg("release sweep lease")
			}
		}()
	}

	var cursor models.JobCursor
	for {
		page, err := s.jobs.ListJobsPage(ctx, models.JobProcessing, cursor, s.opts.BatchSize)
		if err != nil {
			return rep, fmt.Errorf("list processing jobs: %w", err)
		}
		rep.Pages++
		rep.Listed += len(page)
		s.reconcilePage(ctx, page, &rep)
		if len(page) < s.opts.BatchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if held != nil {
			ok, err := held.Extend(ctx)
			if err != nil {
				return rep, fmt.Errorf("sweep lease: %w", err)
			}
			if !ok {
				return rep, errLeaseLost
			}
		}
		cursor = cursor.After(page[len(page)-1])
	}
	telemetry.ProcessingGauge.Set(float64(rep.Listed))

	if err := s.abandonStale(ctx, &rep); err != nil {
		return rep, err
	}

	if rep.Listed > 0 && rep.Transient == rep.Listed {
		return rep, apperrors.Transient("sweep", fmt.Errorf("provider unreachable for all %d jobs", rep.Listed))
	}
	return rep, nil
}

func (s *Sweeper) reconcilePage(ctx context.Context, page []models.GenerationJob, rep *Report) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, job := range page {
		jobID := job.ID
		g.Go(func() error {
			res, err := s.orch.Reconcile(gctx, jobID)
			if err != nil && !errors.Is(err, apperrors.ErrTransient) {
				s.log.Error().Err(err).Str("job_id", jobID).Msg("reconcile failed")
			}
			mu.Lock()
			rep.record(res, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Sweeper) abandonStale(ctx context.Context, rep *Report) error {
	if s.opts.StaleQueuedAfter <= 0 {
		return nil
	}
	stale, err := s.jobs.ListJobsByStatus(ctx, models.JobQueued, s.now().Add(-s.opts.StaleQueuedAfter), s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("list stale queued jobs: %w", err)
	}
	for _, job := range stale {
		res, err := s.orch.Abandon(ctx, job.ID, abandonReason)
		if err != nil {
			s.log.Error().Err(err).Str("job_id", job.ID).Msg("abandon stale job")
			continue
		}
		if res.Status == models.JobFailed {
			rep.Abandoned++
		}
	}
	return nil
}

func (r *Report) record(res orchestrator.Result, err error) {
	switch {
	case errors.Is(err, apperrors.ErrTransient):
		r.Transient++
	case err != nil:
		r.Errors++
	case res.Status == models.JobCompleted && res.Reclassified:
		r.Reclassified++
	case res.Status == models.JobCompleted:
		r.Completed++
	case res.Status == models.JobFailed:
		r.Failed++
	default:
		r.Pending++
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
