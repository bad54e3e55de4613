package worker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Logicbevers/AI-Voice/internal/classify"
	"github.com/Logicbevers/AI-Voice/internal/models"
	"github.com/Logicbevers/AI-Voice/internal/orchestrator"
	"github.com/Logicbevers/AI-Voice/internal/store"
	"github.com/Logicbevers/AI-Voice/internal/testutil"
)

type env struct {
	orch  *orchestrator.Orchestrator
	store *testutil.MemStore
	prov  *testutil.FakeProvider
}

func newEnv(t *testing.T) env {
	t.Helper()
	st := testutil.NewMemStore()
	prov := testutil.NewFakeProvider()
	orch := orchestrator.New(st, prov, classify.MustPolicy(classify.DefaultPatterns), orchestrator.Options{
		SubmitTimeout: 50 * time.Millisecond,
		QueryTimeout:  50 * time.Millisecond,
		Logger:        zerolog.Nop(),
	})
	return env{orch: orch, store: st, prov: prov}
}

func (e env) workItem(t *testing.T) models.WorkItem {
	t.Helper()
	wi, err := e.store.CreateWorkItem(context.Background(), store.CreateWorkItemParams{
		Title:    "Weekly digest",
		Script:   "Hello",
		AvatarID: "A1",
	})
	if err != nil {
		t.Fatalf("create work item: %v", err)
	}
	return wi
}

// processing returns a job accepted by the provider and its provider job id.
func (e env) processing(t *testing.T) (orchestrator.Result, string) {
	t.Helper()
	res, err := e.orch.Enqueue(context.Background(), e.workItem(t).ID)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return res, res.ProviderJobID
}
