// Package provider is the narrow boundary to the external video generation service.
// Calls are plain request/response; retries and state live in the orchestrator.
package provider

import (
	"context"
	"errors"
)

// State is the provider-reported state of a generation.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// IsTerminal reports whether the provider has finished with the job.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

var (
	// ErrRejected means the provider refused the request; repeating it will not help.
	ErrRejected = errors.New("provider rejected request")
	// ErrUnavailable covers transport errors, timeouts, 5xx and throttling.
	ErrUnavailable = errors.New("provider unavailable")
)

// SubmitRequest carries the presentation parameters of one render.
type SubmitRequest struct {
	Script   string
	AvatarID string
	VoiceID  string
	Title    string
}

// Status is the result of a provider status query.
type Status struct {
	State        State
	MediaURL     string
	ThumbnailURL string
	Duration     *float64
	ErrorMessage string
}

// Client submits renders and queries their state.
type Client interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Query(ctx context.Context, providerJobID string) (Status, error)
}
