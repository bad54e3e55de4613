// Package orchestrator owns the lifecycle of generation jobs: it creates them, hands them
// to the provider, and folds provider state back into the store.
//
// Every status write is a compare-and-swap on the status the orchestrator last read, so
// concurrent callers (HTTP handlers, the background sweep, the CLI) can drive the same job
// without losing or reversing transitions. Provider calls are never made inside a store
// transaction.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Logicbevers/AI-Voice/internal/apperrors"
	"github.com/Logicbevers/AI-Voice/internal/classify"
	"github.com/Logicbevers/AI-Voice/internal/models"
	"github.com/Logicbevers/AI-Voice/internal/provider"
	"github.com/Logicbevers/AI-Voice/internal/telemetry"
)

const (
	defaultSubmitTimeout = 30 * time.Second
	defaultQueryTimeout  = 15 * time.Second

	// DefaultFallbackMediaURL is used for reclassified jobs when the provider returns no URL.
	DefaultFallbackMediaURL = "https://heygen.com/video/%s"

	genericFailure = "video generation failed"
)

// Reconcile outcomes, used as metric labels.
const (
	OutcomeCompleted    = "completed"
	OutcomeFailed       = "failed"
	OutcomeReclassified = "reclassified"
	OutcomePending      = "pending"
	OutcomeTransient    = "transient"
	OutcomeNoop         = "noop"
	OutcomeLostRace     = "lost_race"
)

// Store is the persistence the orchestrator needs. Implementations must apply a
// Transition only when the job is still in Transition.From, and must project the new job
// status onto the owning work item in the same write.
type Store interface {
	GetWorkItem(ctx context.Context, id string) (models.WorkItem, error)
	GetJob(ctx context.Context, id string) (models.GenerationJob, error)
	LatestJob(ctx context.Context, workItemID string) (models.GenerationJob, bool, error)
	// CreateJob inserts a queued job and moves the work item to processing. It returns
	// an apperrors conflict when the work item already has an active job.
	CreateJob(ctx context.Context, workItemID string) (models.GenerationJob, error)
	ApplyTransition(ctx context.Context, t models.Transition) (bool, error)
}

// Options tunes the orchestrator. Zero values use defaults.
type Options struct {
	DefaultVoiceID   string
	FallbackMediaURL string
	SubmitTimeout    time.Duration
	QueryTimeout     time.Duration
	Logger           zerolog.Logger
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	store  Store
	client provider.Client
	policy *classify.Policy
	opts   Options
	log    zerolog.Logger
}

// New wires an orchestrator. A nil policy treats every provider failure as genuine.
func New(st Store, client provider.Client, policy *classify.Policy, opts Options) *Orchestrator {
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = defaultSubmitTimeout
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	if opts.FallbackMediaURL == "" {
		opts.FallbackMediaURL = DefaultFallbackMediaURL
	}
	return &Orchestrator{
		store:  st,
		client: client,
		policy: policy,
		opts:   opts,
		log:    opts.Logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Result is the state of one job as seen by a caller.
type Result struct {
	JobID         string           `json:"jobId"`
	WorkItemID    string           `json:"projectId"`
	ProviderJobID string           `json:"providerJobId,omitempty"`
	Status        models.JobStatus `json:"status"`
	MediaURL      string           `json:"mediaUrl,omitempty"`
	ThumbnailURL  string           `json:"thumbnailUrl,omitempty"`
	Duration      *float64         `json:"duration,omitempty"`
	ErrorDetail   string           `json:"errorDetail,omitempty"`
	Reclassified  bool             `json:"reclassified,omitempty"`
}

// StatusView is the read model returned by GetStatus.
type StatusView struct {
	WorkItemID    string                `json:"projectId"`
	Status        models.WorkItemStatus `json:"status"`
	JobID         string                `json:"jobId,omitempty"`
	JobStatus     models.JobStatus      `json:"jobStatus,omitempty"`
	ProviderJobID string                `json:"providerJobId,omitempty"`
	MediaURL      string                `json:"mediaUrl,omitempty"`
	Duration      *float64              `json:"duration,omitempty"`
	ErrorDetail   string                `json:"errorDetail,omitempty"`
}

// Enqueue starts a new generation for a work item and waits only for the provider to
// accept it. A provider that refuses or times out leaves a failed job and a Result with
// status failed; that is not returned as an error.
func (o *Orchestrator) Enqueue(ctx context.Context, workItemID string) (Result, error) {
	wi, err := o.workItem(ctx, workItemID)
	if err != nil {
		return Result{}, err
	}
	req, err := o.submitRequest(wi)
	if err != nil {
		return Result{}, err
	}

	job, err := o.store.CreateJob(ctx, wi.ID)
	if err != nil {
		return Result{}, fmt.Errorf("create job: %w", err)
	}
	telemetry.JobsEnqueued.Inc()
	logger := o.log.With().Str("project_id", wi.ID).Str("job_id", job.ID).Logger()

	submitCtx, cancel := context.WithTimeout(ctx, o.opts.SubmitTimeout)
	providerJobID, err := o.client.Submit(submitCtx, req)
	cancel()

	if err != nil {
		telemetry.SubmissionFailures.Inc()
		logger.Warn().Err(err).Msg("provider did not accept submission")
		detail := submissionFailure(err)
		return o.commit(ctx, job, models.Transition{
			JobID:       job.ID,
			From:        models.JobQueued,
			To:          models.JobFailed,
			ErrorDetail: &detail,
			Detail:      "submission failed",
		})
	}

	logger.Info().Str("provider_job_id", providerJobID).Msg("submission accepted")
	return o.commit(ctx, job, models.Transition{
		JobID:         job.ID,
		From:          models.JobQueued,
		To:            models.JobProcessing,
		ProviderJobID: &providerJobID,
		Detail:        "accepted by provider",
	})
}

// Reconcile pulls the provider's view of a job and applies it. It is idempotent: terminal
// jobs are returned as stored without touching the provider. A provider query error is
// returned as apperrors.ErrTransient together with the unchanged job state.
func (o *Orchestrator) Reconcile(ctx context.Context, jobID string) (Result, error) {
	job, err := o.job(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	if job.Status != models.JobProcessing || job.ProviderJobID == nil {
		telemetry.ReconcileOutcomes.WithLabelValues(OutcomeNoop).Inc()
		return resultFromJob(job), nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, o.opts.QueryTimeout)
	st, err := o.client.Query(queryCtx, *job.ProviderJobID)
	cancel()
	if err != nil {
		telemetry.ReconcileOutcomes.WithLabelValues(OutcomeTransient).Inc()
		o.log.Debug().Err(err).Str("job_id", job.ID).Msg("provider query failed, job left processing")
		return resultFromJob(job), apperrors.Transient("query provider", err)
	}

	t, outcome := o.decide(job, st)
	if t == nil {
		telemetry.ReconcileOutcomes.WithLabelValues(outcome).Inc()
		return resultFromJob(job), nil
	}
	res, err := o.commit(ctx, job, *t)
	if err != nil {
		return res, err
	}
	if res.Status == t.To {
		telemetry.ReconcileOutcomes.WithLabelValues(outcome).Inc()
		if outcome == OutcomeReclassified {
			telemetry.Reclassified.Inc()
		}
		o.log.Info().
			Str("job_id", job.ID).
			Str("project_id", job.WorkItemID).
			Str("status", string(res.Status)).
			Str("outcome", outcome).
			Msg("job reconciled")
	}
	return res, nil
}

// Abandon fails a job that never got past queued, e.g. because the process submitting it
// died. It is a no-op for jobs in any other state.
func (o *Orchestrator) Abandon(ctx context.Context, jobID, reason string) (Result, error) {
	job, err := o.job(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	if job.Status != models.JobQueued {
		return resultFromJob(job), nil
	}
	o.log.Warn().Str("job_id", job.ID).Str("reason", reason).Msg("abandoning queued job")
	return o.commit(ctx, job, models.Transition{
		JobID:       job.ID,
		From:        models.JobQueued,
		To:          models.JobFailed,
		ErrorDetail: &reason,
		Detail:      "abandoned",
	})
}

// GetStatus reports a work item's status and its latest job. It has no side effects.
func (o *Orchestrator) GetStatus(ctx context.Context, workItemID string) (StatusView, error) {
	wi, err := o.workItem(ctx, workItemID)
	if err != nil {
		return StatusView{}, err
	}
	view := StatusView{WorkItemID: wi.ID, Status: wi.Status}
	job, found, err := o.store.LatestJob(ctx, wi.ID)
	if err != nil {
		return StatusView{}, fmt.Errorf("latest job: %w", err)
	}
	if !found {
		return view, nil
	}
	view.JobID = job.ID
	view.JobStatus = job.Status
	view.ProviderJobID = models.Deref(job.ProviderJobID)
	view.MediaURL = models.Deref(job.MediaURL)
	view.Duration = job.Duration
	view.ErrorDetail = models.Deref(job.ErrorDetail)
	return view, nil
}

// Job returns the stored state of one job.
func (o *Orchestrator) Job(ctx context.Context, jobID string) (models.GenerationJob, error) {
	return o.job(ctx, jobID)
}

func (o *Orchestrator) decide(job models.GenerationJob, st provider.Status) (*models.Transition, string) {
	providerJobID := models.Deref(job.ProviderJobID)
	t := &models.Transition{JobID: job.ID, From: models.JobProcessing}

	switch st.State {
	case provider.StateCompleted:
		media := o.mediaURL(st.MediaURL, providerJobID)
		t.To = models.JobCompleted
		t.MediaURL = &media
		t.ThumbnailURL = models.StringPtr(st.ThumbnailURL)
		t.Duration = st.Duration
		t.Detail = "completed by provider"
		return t, OutcomeCompleted

	case provider.StateFailed:
		verdict := o.policy.Classify(st.ErrorMessage)
		if verdict.Benign {
			media := o.mediaURL(st.MediaURL, providerJobID)
			note := verdict.Note
			t.To = models.JobCompleted
			t.MediaURL = &media
			t.ThumbnailURL = models.StringPtr(st.ThumbnailURL)
			t.Duration = st.Duration
			t.ErrorDetail = &note
			t.Detail = fmt.Sprintf("provider failure reclassified (pattern %q)", verdict.Pattern)
			return t, OutcomeReclassified
		}
		msg := st.ErrorMessage
		if strings.TrimSpace(msg) == "" {
			msg = genericFailure
		}
		t.To = models.JobFailed
		t.ErrorDetail = &msg
		t.Detail = "failed by provider"
		return t, OutcomeFailed

	default:
		return nil, OutcomePending
	}
}

// commit applies t and returns the resulting state. Writes are detached from the
// caller's cancellation so a disconnected client cannot strand a job mid-transition.
// When another caller already moved the job, its state is re-read and returned.
func (o *Orchestrator) commit(ctx context.Context, job models.GenerationJob, t models.Transition) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	applied, err := o.store.ApplyTransition(ctx, t)
	if err != nil {
		return resultFromJob(job), fmt.Errorf("apply transition %s->%s: %w", t.From, t.To, err)
	}
	if !applied {
		telemetry.ReconcileOutcomes.WithLabelValues(OutcomeLostRace).Inc()
		current, err := o.store.GetJob(ctx, job.ID)
		if err != nil {
			return resultFromJob(job), fmt.Errorf("re-read job: %w", err)
		}
		return resultFromJob(current), nil
	}
	telemetry.Transitions.WithLabelValues(string(t.From), string(t.To)).Inc()
	return resultFromJob(applyTransition(job, t)), nil
}

func (o *Orchestrator) submitRequest(wi models.WorkItem) (provider.SubmitRequest, error) {
	script := strings.TrimSpace(models.Deref(wi.Script))
	if script == "" {
		return provider.SubmitRequest{}, apperrors.Validation("script", "project must have a script")
	}
	avatar := strings.TrimSpace(models.Deref(wi.AvatarID))
	if avatar == "" {
		return provider.SubmitRequest{}, apperrors.Validation("avatar_id", "avatar is required for video generation")
	}
	voice := strings.TrimSpace(models.Deref(wi.VoiceID))
	if voice == "" {
		voice = o.opts.DefaultVoiceID
	}
	return provider.SubmitRequest{
		Script:   script,
		AvatarID: avatar,
		VoiceID:  voice,
		Title:    wi.Title,
	}, nil
}

// mediaURL returns the provider URL, or a URL built from the provider job id. The built
// URL points at the provider's web app and may not be directly playable.
func (o *Orchestrator) mediaURL(fromProvider, providerJobID string) string {
	if fromProvider != "" {
		return fromProvider
	}
	return fmt.Sprintf(o.opts.FallbackMediaURL, providerJobID)
}

func (o *Orchestrator) workItem(ctx context.Context, id string) (models.WorkItem, error) {
	wi, err := o.store.GetWorkItem(ctx, id)
	if err != nil {
		return models.WorkItem{}, err
	}
	if tenant := TenantFrom(ctx); tenant != "" && tenant != wi.TenantID {
		return models.WorkItem{}, apperrors.NotFound("project", id)
	}
	return wi, nil
}

func (o *Orchestrator) job(ctx context.Context, id string) (models.GenerationJob, error) {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return models.GenerationJob{}, err
	}
	if TenantFrom(ctx) != "" {
		if _, err := o.workItem(ctx, job.WorkItemID); err != nil {
			return models.GenerationJob{}, apperrors.NotFound("job", id)
		}
	}
	return job, nil
}

func submissionFailure(err error) string {
	return "video submission failed: " + err.Error()
}

func applyTransition(job models.GenerationJob, t models.Transition) models.GenerationJob {
	job.Status = t.To
	if t.ProviderJobID != nil {
		job.ProviderJobID = t.ProviderJobID
	}
	if t.MediaURL != nil {
		job.MediaURL = t.MediaURL
	}
	if t.ThumbnailURL != nil {
		job.ThumbnailURL = t.ThumbnailURL
	}
	if t.Duration != nil {
		job.Duration = t.Duration
	}
	if t.ErrorDetail != nil {
		job.ErrorDetail = t.ErrorDetail
	}
	return job
}

func resultFromJob(job models.GenerationJob) Result {
	return Result{
		JobID:         job.ID,
		WorkItemID:    job.WorkItemID,
		ProviderJobID: models.Deref(job.ProviderJobID),
		Status:        job.Status,
		MediaURL:      models.Deref(job.MediaURL),
		ThumbnailURL:  models.Deref(job.ThumbnailURL),
		Duration:      job.Duration,
		ErrorDetail:   models.Deref(job.ErrorDetail),
		Reclassified:  job.Status == models.JobCompleted && job.ErrorDetail != nil,
	}
}
