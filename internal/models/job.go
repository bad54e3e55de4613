package models

import (
	"time"
)

// JobStatus enumerates GenerationJob lifecycle states persisted in Postgres.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// IsActive reports whether the job still counts as the work item's active job.
func (s JobStatus) IsActive() bool {
	return s == JobQueued || s == JobProcessing
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobQueued:
		return to == JobProcessing || to == JobFailed
	case JobProcessing:
		return to == JobCompleted || to == JobFailed
	default:
		return false
	}
}

// WorkItemStatus is the user-facing status of a project. It mirrors the latest job.
type WorkItemStatus string

const (
	WorkItemDraft      WorkItemStatus = "draft"
	WorkItemProcessing WorkItemStatus = "processing"
	WorkItemCompleted  WorkItemStatus = "completed"
	WorkItemFailed     WorkItemStatus = "failed"
)

// ProjectStatus maps a job status onto the work item status it projects to.
func ProjectStatus(s JobStatus) WorkItemStatus {
	switch s {
	case JobCompleted:
		return WorkItemCompleted
	case JobFailed:
		return WorkItemFailed
	default:
		return WorkItemProcessing
	}
}

// WorkItem is one requested video ("project").
type WorkItem struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenantId"`
	Title     string         `json:"title"`
	Script    *string        `json:"script,omitempty"`
	AvatarID  *string        `json:"avatarId,omitempty"`
	VoiceID   *string        `json:"voiceId,omitempty"`
	Status    WorkItemStatus `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// GenerationJob is one attempt to render a WorkItem via the provider.
type GenerationJob struct {
	ID            string    `json:"id"`
	WorkItemID    string    `json:"projectId"`
	ProviderJobID *string   `json:"providerJobId,omitempty"`
	Status        JobStatus `json:"status"`
	MediaURL      *string   `json:"mediaUrl,omitempty"`
	ThumbnailURL  *string   `json:"thumbnailUrl,omitempty"`
	Duration      *float64  `json:"duration,omitempty"`
	ErrorDetail   *string   `json:"errorDetail,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// JobCursor is a keyset position in (updated_at, id) order. The zero value starts
// from the beginning.
type JobCursor struct {
	UpdatedAt time.Time
	ID        string
}

// After returns the cursor positioned on job.
func (c JobCursor) After(job GenerationJob) JobCursor {
	return JobCursor{UpdatedAt: job.UpdatedAt, ID: job.ID}
}

// Before reports whether the cursor sorts strictly before job.
func (c JobCursor) Before(job GenerationJob) bool {
	if c.UpdatedAt.IsZero() && c.ID == "" {
		return true
	}
	if !job.UpdatedAt.Equal(c.UpdatedAt) {
		return job.UpdatedAt.After(c.UpdatedAt)
	}
	return job.ID > c.ID
}

// Transition describes a conditional status change of a job. The store applies it only
// if the job is still in From, and projects To onto the owning work item in the same write.
type Transition struct {
	JobID         string
	From          JobStatus
	To            JobStatus
	ProviderJobID *string
	MediaURL      *string
	ThumbnailURL  *string
	Duration      *float64
	ErrorDetail   *string
	Detail        string
}

// JobEvent is an audit row recorded for every applied transition.
type JobEvent struct {
	JobID    string    `json:"jobId"`
	From     JobStatus `json:"fromStatus,omitempty"`
	To       JobStatus `json:"toStatus"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recordedAt"`
}

// MediaArchive records where a completed job's media was copied to.
type MediaArchive struct {
	JobID             string    `json:"jobId"`
	MediaLocation     string    `json:"mediaLocation"`
	ThumbnailLocation *string   `json:"thumbnailLocation,omitempty"`
	ArchivedAt        time.Time `json:"archivedAt"`
}

// StringPtr returns nil for empty strings.
func StringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// Deref returns the pointed-to string or "".
func Deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
