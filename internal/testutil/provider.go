package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/Logicbevers/AI-Voice/internal/provider"
)

// Step is one scripted answer to Query.
type Step struct {
	Status provider.Status
	Err    error
}

// FakeProvider is a scripted provider.Client. Query answers for a provider job id are
// consumed in order; the last one repeats. Ids without a script report processing.
type FakeProvider struct {
	mu          sync.Mutex
	SubmitErr   error
	BlockSubmit bool
	blockQuery  bool
	submits     []provider.SubmitRequest
	queries     int
	scripts     map[string][]Step
	next        int
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{scripts: map[string][]Step{}}
}

// Script sets the Query answers for a provider job id.
func (f *FakeProvider) Script(providerJobID string, steps ...Step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[providerJobID] = steps
}

// FailSubmits makes every later Submit return err. Safe to call while a server is
// using the provider.
func (f *FakeProvider) FailSubmits(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SubmitErr = err
}

// BlockQueries makes every later Query wait for its context to end.
func (f *FakeProvider) BlockQueries() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockQuery = true
}

// NextID is the id the next successful Submit will return.
func (f *FakeProvider) NextID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("prov-%d", f.next+1)
}

func (f *FakeProvider) Submit(ctx context.Context, req provider.SubmitRequest) (string, error) {
	f.mu.Lock()
	f.submits = append(f.submits, req)
	block, err := f.BlockSubmit, f.SubmitErr
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", fmt.Errorf("%w: %v", provider.ErrUnavailable, ctx.Err())
	}
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return fmt.Sprintf("prov-%d", f.next), nil
}

func (f *FakeProvider) Query(ctx context.Context, providerJobID string) (provider.Status, error) {
	f.mu.Lock()
	f.queries++
	block := f.blockQuery
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return provider.Status{}, fmt.Errorf("%w: %v", provider.ErrUnavailable, ctx.Err())
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	steps := f.scripts[providerJobID]
	if len(steps) == 0 {
		return provider.Status{State: provider.StateProcessing}, nil
	}
	step := steps[0]
	if len(steps) > 1 {
		f.scripts[providerJobID] = steps[1:]
	}
	return step.Status, step.Err
}

// Submits returns the requests Submit received.
func (f *FakeProvider) Submits() []provider.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.SubmitRequest(nil), f.submits...)
}

func (f *FakeProvider) Queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}
