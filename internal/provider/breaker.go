package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/Logicbevers/AI-Voice/internal/telemetry"
)

// BreakerState is the state of the guard's circuit.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func stateOf(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// BreakerConfig controls when the guard stops calling the provider.
type BreakerConfig struct {
	Name      string
	Threshold int           // consecutive unavailability errors before opening (default 5)
	Cooldown  time.Duration // time open before a probe is let through (default 30s)
}

// Guarded wraps a Client with a circuit breaker. Only ErrUnavailable counts as a failure;
// a rejection proves the provider is reachable.
type Guarded struct {
	next Client
	cb   *gobreaker.CircuitBreaker
}

// NewGuarded wraps next. Zero config values use defaults.
func NewGuarded(next Client, cfg BreakerConfig) *Guarded {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "provider"
	}
	threshold := uint32(cfg.Threshold)
	return &Guarded{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.Name,
			MaxRequests: 1,
			Timeout:     cfg.Cooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !errors.Is(err, ErrUnavailable)
			},
			OnStateChange: func(_ string, from, to gobreaker.State) {
				telemetry.BreakerChanges.WithLabelValues(stateOf(from).String(), stateOf(to).String()).Inc()
			},
		}),
	}
}

// State returns the current breaker state.
func (g *Guarded) State() BreakerState {
	return stateOf(g.cb.State())
}

func (g *Guarded) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	out, err := g.cb.Execute(func() (interface{}, error) {
		return g.next.Submit(ctx, req)
	})
	if err != nil {
		return "", guardErr(err)
	}
	return out.(string), nil
}

func (g *Guarded) Query(ctx context.Context, providerJobID string) (Status, error) {
	out, err := g.cb.Execute(func() (interface{}, error) {
		return g.next.Query(ctx, providerJobID)
	})
	if err != nil {
		return Status{}, guardErr(err)
	}
	return out.(Status), nil
}

// guardErr reports a short-circuited call as the provider being unavailable.
func guardErr(err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return fmt.Errorf("%w: circuit open", ErrUnavailable)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: circuit half-open", ErrUnavailable)
	default:
		return err
	}
}

var _ Client = (*Guarded)(nil)
