package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SampleMediaURL is served by the mock provider for every completed render.
const SampleMediaURL = "https://commondatastorage.googleapis.com/gtv-videos-bucket/sample/BigBuckBunny.mp4"

// Mock completes every render after ReadyAfter. It stands in for the real provider when no
// API key is configured. The submit time travels inside the provider job id, so the API
// and the worker agree on a job's state without sharing memory.
type Mock struct {
	ReadyAfter time.Duration
	Duration   float64
	Now        func() time.Time
}

// NewMock returns a mock provider that finishes renders after readyAfter.
func NewMock(readyAfter time.Duration) *Mock {
	return &Mock{
		ReadyAfter: readyAfter,
		Duration:   60,
		Now:        time.Now,
	}
}

func (m *Mock) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if req.AvatarID == "" {
		return "", fmt.Errorf("%w: avatar_id is required", ErrRejected)
	}
	return fmt.Sprintf("mock-%d-%s", m.Now().UnixMilli(), uuid.NewString()), nil
}

func (m *Mock) Query(ctx context.Context, providerJobID string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	at, ok := mockSubmittedAt(providerJobID)
	if !ok {
		return Status{State: StateFailed, ErrorMessage: "video not found"}, nil
	}
	if m.Now().Sub(at) < m.ReadyAfter {
		return Status{State: StateProcessing}, nil
	}
	d := m.Duration
	return Status{State: StateCompleted, MediaURL: SampleMediaURL, Duration: &d}, nil
}

func mockSubmittedAt(id string) (time.Time, bool) {
	parts := strings.SplitN(id, "-", 3)
	if len(parts) != 3 || parts[0] != "mock" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

var _ Client = (*Mock)(nil)
