package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type countingClient struct {
	calls int
	err   error
}

func (c *countingClient) Submit(context.Context, SubmitRequest) (string, error) {
	c.calls++
	return "P1", c.err
}

func (c *countingClient) Query(context.Context, string) (Status, error) {
	c.calls++
	return Status{State: StateProcessing}, c.err
}

func TestGuardedOpensAfterThreshold(t *testing.T) {
	inner := &countingClient{err: fmt.Errorf("%w: boom", ErrUnavailable)}
	g := NewGuarded(inner, BreakerConfig{Threshold: 2, Cooldown: 20 * time.Millisecond})

	for i := 0; i < 2; i++ {
		if _, err := g.Query(context.Background(), "P1"); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected unavailable, got %v", err)
		}
	}
	if g.State() != BreakerOpen {
		t.Fatalf("expected open, got %s", g.State())
	}
	if _, err := g.Query(context.Background(), "P1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected fast failure, got %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected open circuit to skip the provider, calls=%d", inner.calls)
	}

	time.Sleep(40 * time.Millisecond)
	if g.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", g.State())
	}
	inner.err = nil
	if _, err := g.Query(context.Background(), "P1"); err != nil {
		t.Fatalf("expected probe to succeed: %v", err)
	}
	if g.State() != BreakerClosed {
		t.Fatalf("expected closed after successful probe, got %s", g.State())
	}
}

func TestGuardedFailedProbeReopens(t *testing.T) {
	inner := &countingClient{err: fmt.Errorf("%w: boom", ErrUnavailable)}
	g := NewGuarded(inner, BreakerConfig{Threshold: 1, Cooldown: 20 * time.Millisecond})

	_, _ = g.Submit(context.Background(), SubmitRequest{})
	if g.State() != BreakerOpen {
		t.Fatalf("expected open, got %s", g.State())
	}
	time.Sleep(40 * time.Millisecond)
	if _, err := g.Submit(context.Background(), SubmitRequest{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("probe err = %v, want unavailable", err)
	}
	if g.State() != BreakerOpen || inner.calls != 2 {
		t.Fatalf("state=%s calls=%d, want open after one failed probe", g.State(), inner.calls)
	}
}

func TestGuardedIgnoresRejections(t *testing.T) {
	inner := &countingClient{err: fmt.Errorf("%w: bad avatar", ErrRejected)}
	g := NewGuarded(inner, BreakerConfig{Threshold: 1})
	for i := 0; i < 3; i++ {
		if _, err := g.Submit(context.Background(), SubmitRequest{}); !errors.Is(err, ErrRejected) {
			t.Fatalf("rejection lost through the guard: %v", err)
		}
	}
	if g.State() != BreakerClosed {
		t.Fatalf("rejections must not open the circuit")
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", inner.calls)
	}
}

func TestGuardedRejectionResetsFailureRun(t *testing.T) {
	unavailable := fmt.Errorf("%w: boom", ErrUnavailable)
	inner := &countingClient{}
	g := NewGuarded(inner, BreakerConfig{Threshold: 2, Cooldown: time.Minute})

	for _, err := range []error{unavailable, fmt.Errorf("%w: bad avatar", ErrRejected), unavailable} {
		inner.err = err
		_, _ = g.Query(context.Background(), "P1")
	}
	if g.State() != BreakerClosed {
		t.Fatalf("expected closed, a rejection proves the provider is reachable")
	}
	_, _ = g.Query(context.Background(), "P1")
	if g.State() != BreakerOpen {
		t.Fatalf("expected open after two consecutive unavailable errors, got %s", g.State())
	}
}
