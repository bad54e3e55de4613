package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Logicbevers/AI-Voice/internal/apperrors"
	"github.com/Logicbevers/AI-Voice/internal/models"
	"github.com/Logicbevers/AI-Voice/internal/orchestrator"
	"github.com/Logicbevers/AI-Voice/internal/worker"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <project-id>",
		Short: "Show a project's status and its latest job, without contacting the provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd.Context(), func(c context.Context, rt *runtime) error {
				view, err := rt.orch.GetStatus(c, args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput {
					return writeJSON(cmd, view)
				}
				rows := [][]string{
					{"Project", view.WorkItemID},
					{"Status", string(view.Status)},
					{"Job", dash(view.JobID)},
					{"Job status", dash(string(view.JobStatus))},
					{"Provider job", dash(view.ProviderJobID)},
					{"Media", dash(view.MediaURL)},
					{"Duration", formatDuration(view.Duration)},
					{"Error", dash(view.ErrorDetail)},
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
				return nil
			})
		},
	}
}

func newCheckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check <project-id>",
		Short: "Ask the provider once about a project's latest job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd.Context(), func(c context.Context, rt *runtime) error {
				res, err := rt.reconciler.CheckLatest(c, args[0])
				return reportResult(cmd, ctx, res, err)
			})
		},
	}
}

func newReconcileCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <job-id>",
		Short: "Ask the provider once about a job and record the answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd.Context(), func(c context.Context, rt *runtime) error {
				res, err := rt.reconciler.CheckNow(c, args[0])
				return reportResult(cmd, ctx, res, err)
			})
		},
	}
}

func newWaitCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Poll a job until it completes or fails",
		Long:  "Poll a job every POLL_INTERVAL until it is terminal. Giving up after POLL_MAX_ATTEMPTS leaves the job untouched.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd.Context(), func(c context.Context, rt *runtime) error {
				res, err := rt.reconciler.Await(c, args[0])
				return reportResult(cmd, ctx, res, err)
			})
		},
	}
}

// reportResult prints whatever state is known, including after a transient error or a
// wait timeout, and then returns the error.
func reportResult(cmd *cobra.Command, ctx *commandContext, res orchestrator.Result, err error) error {
	if res.JobID != "" && (err == nil || errors.Is(err, apperrors.ErrTransient) || errors.Is(err, apperrors.ErrTimeout)) {
		if perr := printResult(cmd, ctx, res); perr != nil {
			return perr
		}
	}
	return err
}

func newEventsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "events <job-id>",
		Short: "Show a job's status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd.Context(), func(c context.Context, rt *runtime) error {
				job, err := rt.orch.Job(c, args[0])
				if err != nil {
					return err
				}
				events, err := rt.store.ListJobEvents(c, job.ID)
				if err != nil {
					return err
				}
				if ctx.jsonOutput {
					if events == nil {
						events = []models.JobEvent{}
					}
					return writeJSON(cmd, events)
				}
				rows := make([][]string, 0, len(events))
				for _, ev := range events {
					rows = append(rows, []string{formatTime(ev.Recorded), dash(string(ev.From)), string(ev.To), dash(ev.Detail)})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Time", "From", "To", "Detail"}, rows, nil))
				return nil
			})
		},
	}
}

func newAbandonCommand(ctx *commandContext) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abandon <job-id>",
		Short: "Fail a job that never reached the provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd.Context(), func(c context.Context, rt *runtime) error {
				res, err := rt.orch.Abandon(c, args[0], strings.TrimSpace(reason))
				if err != nil {
					return err
				}
				return printResult(cmd, ctx, res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "abandoned by operator", "Error detail recorded on the job")
	return cmd
}

func newSweepCommand(ctx *commandContext) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one background sweep in the foreground",
		Long:  "Reconcile every processing job, a page of --batch jobs at a time, then fail stale queued jobs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd.Context(), func(c context.Context, rt *runtime) error {
				if batch <= 0 {
					batch = rt.cfg.SweepBatchSize
				}
				sweeper := worker.NewSweeper(rt.orch, rt.store, worker.SweeperOptions{
					BatchSize:        batch,
					Concurrency:      rt.cfg.SweepConcurrency,
					StaleQueuedAfter: rt.cfg.StaleQueuedAfter,
					Logger:           rt.log,
				})
				rep, err := sweeper.SweepOnce(c)
				if ctx.jsonOutput {
					if jerr := writeJSON(cmd, rep); jerr != nil {
						return jerr
					}
					return err
				}
				rows := [][]string{
					{"Listed", strconv.Itoa(rep.Listed)},
					{"Pages", strconv.Itoa(rep.Pages)},
					{"Completed", strconv.Itoa(rep.Completed)},
					{"Reclassified", strconv.Itoa(rep.Reclassified)},
					{"Failed", strconv.Itoa(rep.Failed)},
					{"Pending", strconv.Itoa(rep.Pending)},
					{"Transient", strconv.Itoa(rep.Transient)},
					{"Errors", strconv.Itoa(rep.Errors)},
					{"Abandoned", strconv.Itoa(rep.Abandoned)},
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Outcome", "Jobs"}, rows, []columnAlignment{alignLeft, alignRight}))
				return err
			})
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "Jobs listed per page (defaults to SWEEP_BATCH_SIZE)")
	return cmd
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in one status, least recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			js := models.JobStatus(strings.ToLower(strings.TrimSpace(status)))
			switch js {
			case models.JobQueued, models.JobProcessing, models.JobCompleted, models.JobFailed:
			default:
				return apperrors.Validation("status", fmt.Sprintf("unknown job status %q", status))
			}
			return ctx.withRuntime(cmd.Context(), func(c context.Context, rt *runtime) error {
				jobs, err := rt.store.ListJobsByStatus(c, js, time.Time{}, limit)
				if err != nil {
					return err
				}
				jobs, err = visibleJobs(c, rt, jobs)
				if err != nil {
					return err
				}
				if ctx.jsonOutput {
					return writeJSON(cmd, jobs)
				}
				if len(jobs) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "No %s jobs\n", js)
					return nil
				}
				rows := make([][]string, 0, len(jobs))
				for _, j := range jobs {
					rows = append(rows, []string{j.ID, j.WorkItemID, dash(models.Deref(j.ProviderJobID)), formatTime(j.UpdatedAt)})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Job", "Project", "Provider job", "Updated"}, rows, nil))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(models.JobProcessing), "Job status to list")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum jobs to show")
	return cmd
}

// visibleJobs drops jobs outside the --tenant scope.
func visibleJobs(ctx context.Context, rt *runtime, jobs []models.GenerationJob) ([]models.GenerationJob, error) {
	if orchestrator.TenantFrom(ctx) == "" {
		return jobs, nil
	}
	out := jobs[:0]
	for _, j := range jobs {
		if _, err := rt.orch.Job(ctx, j.ID); err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}
