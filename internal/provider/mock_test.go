package provider

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMockLifecycle(t *testing.T) {
	m := NewMock(time.Minute)
	now := time.Unix(0, 0)
	m.Now = func() time.Time { return now }

	id, err := m.Submit(context.Background(), SubmitRequest{Script: "Hello", AvatarID: "A1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	st, _ := m.Query(context.Background(), id)
	if st.State != StateProcessing {
		t.Fatalf("expected processing, got %s", st.State)
	}
	now = now.Add(2 * time.Minute)
	st, _ = m.Query(context.Background(), id)
	if st.State != StateCompleted || st.MediaURL != SampleMediaURL {
		t.Fatalf("expected completed with sample url, got %+v", st)
	}
}

func TestMockStateSurvivesInstances(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	api, worker := NewMock(time.Minute), NewMock(time.Minute)
	api.Now, worker.Now = clock, clock

	id, err := api.Submit(context.Background(), SubmitRequest{Script: "Hello", AvatarID: "A1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if st, _ := worker.Query(context.Background(), id); st.State != StateCompleted {
		t.Fatalf("second instance saw %s, want completed", st.State)
	}
	if st, _ := worker.Query(context.Background(), "heygen-123"); st.State != StateFailed {
		t.Fatalf("unknown id state %s, want failed", st.State)
	}
}

func TestMockRejectsMissingAvatar(t *testing.T) {
	if _, err := NewMock(0).Submit(context.Background(), SubmitRequest{Script: "x"}); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}
