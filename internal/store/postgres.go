package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Logicbevers/AI-Voice/internal/apperrors"
	"github.com/Logicbevers/AI-Voice/internal/models"
)

const uniqueViolation = "23505"

const jobColumns = `id, work_item_id, provider_job_id, status, media_url, thumbnail_url, duration_seconds, error_detail, created_at, updated_at`

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping is used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateWorkItemParams collects inputs required to insert a work item.
type CreateWorkItemParams struct {
	TenantID string
	Title    string
	Script   string
	AvatarID string
	VoiceID  string
}

// CreateWorkItem inserts a draft work item.
func (s *Store) CreateWorkItem(ctx context.Context, p CreateWorkItemParams) (models.WorkItem, error) {
	if strings.TrimSpace(p.Title) == "" {
		return models.WorkItem{}, apperrors.Validation("title", "title is required")
	}
	now := time.Now().UTC()
	wi := models.WorkItem{
		ID:        uuid.New().String(),
		TenantID:  p.TenantID,
		Title:     p.Title,
		Script:    models.StringPtr(p.Script),
		AvatarID:  models.StringPtr(p.AvatarID),
		VoiceID:   models.StringPtr(p.VoiceID),
		Status:    models.WorkItemDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO work_items (id, tenant_id, title, script, avatar_id, voice_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, wi.ID, wi.TenantID, wi.Title, wi.Script, wi.AvatarID, wi.VoiceID, wi.Status, now)
	if err != nil {
		return models.WorkItem{}, fmt.Errorf("insert work item: %w", err)
	}
	return wi, nil
}

// GetWorkItem fetches a work item by id.
func (s *Store) GetWorkItem(ctx context.Context, id string) (models.WorkItem, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, title, script, avatar_id, voice_id, status, created_at, updated_at
		FROM work_items WHERE id = $1
	`, id)

	var wi models.WorkItem
	var script, avatar, voice pgtype.Text
	if err := row.Scan(&wi.ID, &wi.TenantID, &wi.Title, &script, &avatar, &voice, &wi.Status, &wi.CreatedAt, &wi.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WorkItem{}, apperrors.NotFound("project", id)
		}
		return models.WorkItem{}, fmt.Errorf("scan work item: %w", err)
	}
	wi.Script = textPtr(script)
	wi.AvatarID = textPtr(avatar)
	wi.VoiceID = textPtr(voice)
	return wi, nil
}

// CreateJob inserts a queued job and moves the work item to processing in one
// transaction. The partial unique index on active jobs turns a concurrent second
// enqueue into a conflict.
func (s *Store) CreateJob(ctx context.Context, workItemID string) (models.GenerationJob, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.GenerationJob{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM work_items WHERE id = $1 FOR UPDATE`, workItemID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GenerationJob{}, apperrors.NotFound("project", workItemID)
	}
	if err != nil {
		return models.GenerationJob{}, fmt.Errorf("lock work item: %w", err)
	}

	now := time.Now().UTC()
	job := models.GenerationJob{
		ID:         uuid.New().String(),
		WorkItemID: workItemID,
		Status:     models.JobQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO generation_jobs (id, work_item_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, job.ID, job.WorkItemID, job.Status, now)
	if err != nil {
		if isUniqueViolation(err) {
			return models.GenerationJob{}, apperrors.Conflict("project", "a generation job is already in progress")
		}
		return models.GenerationJob{}, fmt.Errorf("insert job: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE work_items SET status = $2, updated_at = $3 WHERE id = $1
	`, workItemID, models.WorkItemProcessing, now); err != nil {
		return models.GenerationJob{}, fmt.Errorf("project work item status: %w", err)
	}
	if err := appendEvent(ctx, tx, job.ID, nil, models.JobQueued, "job created", now); err != nil {
		return models.GenerationJob{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.GenerationJob{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.GenerationJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GenerationJob{}, apperrors.NotFound("job", id)
	}
	return job, err
}

// LatestJob returns the most recently created job of a work item.
func (s *Store) LatestJob(ctx context.Context, workItemID string) (models.GenerationJob, bool, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM generation_jobs
		WHERE work_item_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, workItemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GenerationJob{}, false, nil
	}
	if err != nil {
		return models.GenerationJob{}, false, err
	}
	return job, true, nil
}

// ApplyTransition moves a job from t.From to t.To. It reports false without error when
// the job is no longer in t.From. Nil fields in t leave the stored column untouched.
func (s *Store) ApplyTransition(ctx context.Context, t models.Transition) (bool, error) {
	if !models.CanTransition(t.From, t.To) {
		return false, apperrors.Internal("apply transition", fmt.Errorf("illegal transition %s -> %s", t.From, t.To))
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	var workItemID string
	err = tx.QueryRow(ctx, `
		UPDATE generation_jobs
		SET status = $3,
		    provider_job_id = COALESCE($4, provider_job_id),
		    media_url = COALESCE($5, media_url),
		    thumbnail_url = COALESCE($6, thumbnail_url),
		    duration_seconds = COALESCE($7, duration_seconds),
		    error_detail = COALESCE($8, error_detail),
		    updated_at = $9
		WHERE id = $1 AND status = $2
		RETURNING work_item_id
	`, t.JobID, t.From, t.To, t.ProviderJobID, t.MediaURL, t.ThumbnailURL, t.Duration, t.ErrorDetail, now).Scan(&workItemID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update job: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE work_items SET status = $2, updated_at = $3 WHERE id = $1
	`, workItemID, models.ProjectStatus(t.To), now); err != nil {
		return false, fmt.Errorf("project work item status: %w", err)
	}
	from := t.From
	if err := appendEvent(ctx, tx, t.JobID, &from, t.To, t.Detail, now); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// ListJobsByStatus returns up to limit jobs in status, least recently updated first. A
// non-zero updatedBefore restricts the result to jobs untouched since then.
func (s *Store) ListJobsByStatus(ctx context.Context, status models.JobStatus, updatedBefore time.Time, limit int) ([]models.GenerationJob, error) {
	before := pgtype.Timestamptz{Time: updatedBefore, Valid: !updatedBefore.IsZero()}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM generation_jobs
		WHERE status = $1 AND ($2::timestamptz IS NULL OR updated_at < $2)
		ORDER BY updated_at ASC
		LIMIT $3
	`, status, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListJobsPage returns up to limit jobs in status ordered by (updated_at, id), starting
// strictly after the cursor. Callers page until a short page comes back.
func (s *Store) ListJobsPage(ctx context.Context, status models.JobStatus, after models.JobCursor, limit int) ([]models.GenerationJob, error) {
	start := after.UpdatedAt.IsZero() && after.ID == ""
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM generation_jobs
		WHERE status = $1 AND ($2 OR (updated_at, id) > ($3, $4))
		ORDER BY updated_at ASC, id ASC
		LIMIT $5
	`, status, start, after.UpdatedAt, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs page: %w", err)
	}
	return collectJobs(rows)
}

// ListUnarchived returns completed jobs updated after since that have no archive row,
// newest first, so media that keeps failing to archive ages out of the window.
func (s *Store) ListUnarchived(ctx context.Context, since time.Time, limit int) ([]models.GenerationJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM generation_jobs
		WHERE status = $1 AND updated_at > $2
		  AND NOT EXISTS (SELECT 1 FROM media_archives a WHERE a.job_id = generation_jobs.id)
		ORDER BY updated_at DESC
		LIMIT $3
	`, models.JobCompleted, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list unarchived jobs: %w", err)
	}
	return collectJobs(rows)
}

// RecordArchive stores where a job's media was copied. A second record for the same job
// is ignored.
func (s *Store) RecordArchive(ctx context.Context, a models.MediaArchive) error {
	if a.ArchivedAt.IsZero() {
		a.ArchivedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO media_archives (job_id, media_location, thumbnail_location, archived_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id) DO NOTHING
	`, a.JobID, a.MediaLocation, a.ThumbnailLocation, a.ArchivedAt)
	if err != nil {
		return fmt.Errorf("insert media archive: %w", err)
	}
	return nil
}

// GetArchive returns the archive record of a job, if any.
func (s *Store) GetArchive(ctx context.Context, jobID string) (models.MediaArchive, bool, error) {
	var a models.MediaArchive
	var thumb pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, media_location, thumbnail_location, archived_at FROM media_archives WHERE job_id = $1
	`, jobID).Scan(&a.JobID, &a.MediaLocation, &thumb, &a.ArchivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MediaArchive{}, false, nil
	}
	if err != nil {
		return models.MediaArchive{}, false, fmt.Errorf("scan media archive: %w", err)
	}
	a.ThumbnailLocation = textPtr(thumb)
	return a, true, nil
}

// ListJobEvents returns the transition history of a job in the order it was recorded.
func (s *Store) ListJobEvents(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, from_status, to_status, detail, recorded_at
		FROM job_events WHERE job_id = $1 ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		var ev models.JobEvent
		var from pgtype.Text
		if err := rows.Scan(&ev.JobID, &from, &ev.To, &ev.Detail, &ev.Recorded); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		ev.From = models.JobStatus(from.String)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func appendEvent(ctx context.Context, tx pgx.Tx, jobID string, from *models.JobStatus, to models.JobStatus, detail string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO job_events (job_id, from_status, to_status, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, jobID, from, to, detail, at)
	if err != nil {
		return fmt.Errorf("append job event: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (models.GenerationJob, error) {
	var job models.GenerationJob
	var providerID, media, thumb, detail pgtype.Text
	var duration pgtype.Float8
	if err := row.Scan(&job.ID, &job.WorkItemID, &providerID, &job.Status, &media, &thumb, &duration, &detail, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.GenerationJob{}, err
		}
		return models.GenerationJob{}, fmt.Errorf("scan job: %w", err)
	}
	job.ProviderJobID = textPtr(providerID)
	job.MediaURL = textPtr(media)
	job.ThumbnailURL = textPtr(thumb)
	job.ErrorDetail = textPtr(detail)
	if duration.Valid {
		d := duration.Float64
		job.Duration = &d
	}
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.GenerationJob, error) {
	defer rows.Close()
	var jobs []models.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
