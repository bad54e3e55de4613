// Package testutil holds in-memory doubles shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Logicbevers/AI-Voice/internal/apperrors"
	"github.com/Logicbevers/AI-Voice/internal/models"
	"github.com/Logicbevers/AI-Voice/internal/store"
)

// MemStore mirrors the Postgres store's semantics in memory, including the
// compare-and-swap on job status and the single-active-job rule.
type MemStore struct {
	mu       sync.Mutex
	items    map[string]models.WorkItem
	jobs     map[string]models.GenerationJob
	seq      map[string]int
	events   []models.JobEvent
	archives map[string]models.MediaArchive
	clock    time.Time
	writes   int
	pingErr  error
}

func NewMemStore() *MemStore {
	return &MemStore{
		items:    map[string]models.WorkItem{},
		jobs:     map[string]models.GenerationJob{},
		seq:      map[string]int{},
		archives: map[string]models.MediaArchive{},
		clock:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// tick returns a strictly increasing timestamp so ordering is deterministic.
func (m *MemStore) tick() time.Time {
	m.clock = m.clock.Add(time.Millisecond)
	return m.clock
}

func (m *MemStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

// SetPingErr makes Ping fail with err until reset with nil.
func (m *MemStore) SetPingErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// Writes counts successful mutations of job rows.
func (m *MemStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MemStore) CreateWorkItem(_ context.Context, p store.CreateWorkItemParams) (models.WorkItem, error) {
	if strings.TrimSpace(p.Title) == "" {
		return models.WorkItem{}, apperrors.Validation("title", "title is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.tick()
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
	m.items[wi.ID] = wi
	return wi, nil
}

func (m *MemStore) GetWorkItem(_ context.Context, id string) (models.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wi, ok := m.items[id]
	if !ok {
		return models.WorkItem{}, apperrors.NotFound("project", id)
	}
	return wi, nil
}

func (m *MemStore) CreateJob(_ context.Context, workItemID string) (models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wi, ok := m.items[workItemID]
	if !ok {
		return models.GenerationJob{}, apperrors.NotFound("project", workItemID)
	}
	for _, j := range m.jobs {
		if j.WorkItemID == workItemID && j.Status.IsActive() {
			return models.GenerationJob{}, apperrors.Conflict("project", "a generation job is already in progress")
		}
	}
	now := m.tick()
	job := models.GenerationJob{
		ID:         uuid.New().String(),
		WorkItemID: workItemID,
		Status:     models.JobQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.jobs[job.ID] = job
	m.seq[job.ID] = len(m.seq)
	wi.Status = models.WorkItemProcessing
	wi.UpdatedAt = now
	m.items[workItemID] = wi
	m.events = append(m.events, models.JobEvent{JobID: job.ID, To: models.JobQueued, Detail: "job created", Recorded: now})
	m.writes++
	return job, nil
}

func (m *MemStore) GetJob(_ context.Context, id string) (models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.GenerationJob{}, apperrors.NotFound("job", id)
	}
	return job, nil
}

func (m *MemStore) LatestJob(_ context.Context, workItemID string) (models.GenerationJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest models.GenerationJob
	found := false
	for id, j := range m.jobs {
		if j.WorkItemID != workItemID {
			continue
		}
		if !found || m.seq[id] > m.seq[latest.ID] {
			latest, found = j, true
		}
	}
	return latest, found, nil
}

func (m *MemStore) ApplyTransition(_ context.Context, t models.Transition) (bool, error) {
	if !models.CanTransition(t.From, t.To) {
		return false, apperrors.Internal("apply transition", fmt.Errorf("illegal transition %s -> %s", t.From, t.To))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[t.JobID]
	if !ok || job.Status != t.From {
		return false, nil
	}
	now := m.tick()
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
	if err := checkRow(job); err != nil {
		return false, err
	}
	job.UpdatedAt = now
	m.jobs[job.ID] = job

	wi := m.items[job.WorkItemID]
	wi.Status = models.ProjectStatus(t.To)
	wi.UpdatedAt = now
	m.items[wi.ID] = wi
	m.events = append(m.events, models.JobEvent{JobID: job.ID, From: t.From, To: t.To, Detail: t.Detail, Recorded: now})
	m.writes++
	return true, nil
}

// checkRow applies the same row constraints as the Postgres schema.
func checkRow(j models.GenerationJob) error {
	switch {
	case j.Status != models.JobQueued && j.Status != models.JobFailed && j.ProviderJobID == nil:
		return apperrors.Internal("apply transition", fmt.Errorf("job %s: provider id required in %s", j.ID, j.Status))
	case (j.Status == models.JobCompleted) != (j.MediaURL != nil):
		return apperrors.Internal("apply transition", fmt.Errorf("job %s: media url must be set iff completed", j.ID))
	case j.ErrorDetail != nil && !j.Status.IsTerminal():
		return apperrors.Internal("apply transition", fmt.Errorf("job %s: error detail on non-terminal job", j.ID))
	}
	return nil
}

func (m *MemStore) ListJobsByStatus(_ context.Context, status models.JobStatus, updatedBefore time.Time, limit int) ([]models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.GenerationJob
	for _, j := range m.jobs {
		if j.Status != status {
			continue
		}
		if !updatedBefore.IsZero() && !j.UpdatedAt.Before(updatedBefore) {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) ListJobsPage(_ context.Context, status models.JobStatus, after models.JobCursor, limit int) ([]models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.GenerationJob
	for _, j := range m.jobs {
		if j.Status == status && after.Before(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].UpdatedAt.Equal(out[b].UpdatedAt) {
			return out[a].UpdatedAt.Before(out[b].UpdatedAt)
		}
		return out[a].ID < out[b].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) ListUnarchived(_ context.Context, since time.Time, limit int) ([]models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.GenerationJob
	for id, j := range m.jobs {
		if j.Status != models.JobCompleted || !j.UpdatedAt.After(since) {
			continue
		}
		if _, done := m.archives[id]; done {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.After(out[b].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) RecordArchive(_ context.Context, a models.MediaArchive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.archives[a.JobID]; exists {
		return nil
	}
	if a.ArchivedAt.IsZero() {
		a.ArchivedAt = m.tick()
	}
	m.archives[a.JobID] = a
	return nil
}

func (m *MemStore) GetArchive(_ context.Context, jobID string) (models.MediaArchive, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.archives[jobID]
	return a, ok, nil
}

func (m *MemStore) ListJobEvents(_ context.Context, jobID string) ([]models.JobEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.JobEvent
	for _, ev := range m.events {
		if ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Backdate shifts a job's UpdatedAt into the past, for staleness tests.
func (m *MemStore) Backdate(jobID string, by time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[jobID]
	j.UpdatedAt = j.UpdatedAt.Add(-by)
	m.jobs[jobID] = j
}
