package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Logicbevers/AI-Voice/internal/apperrors"
	"github.com/Logicbevers/AI-Voice/internal/classify"
	"github.com/Logicbevers/AI-Voice/internal/models"
	"github.com/Logicbevers/AI-Voice/internal/provider"
	"github.com/Logicbevers/AI-Voice/internal/store"
	"github.com/Logicbevers/AI-Voice/internal/testutil"
)

const defaultVoice = "voice-default"

type fixture struct {
	orch  *Orchestrator
	store *testutil.MemStore
	prov  *testutil.FakeProvider
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := testutil.NewMemStore()
	prov := testutil.NewFakeProvider()
	orch := New(st, prov, classify.MustPolicy(classify.DefaultPatterns), Options{
		DefaultVoiceID: defaultVoice,
		SubmitTimeout:  50 * time.Millisecond,
		QueryTimeout:   50 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	return fixture{orch: orch, store: st, prov: prov}
}

func (f fixture) workItem(t *testing.T, script, avatar, voice string) models.WorkItem {
	t.Helper()
	wi, err := f.store.CreateWorkItem(context.Background(), store.CreateWorkItemParams{
		TenantID: "tenant-a",
		Title:    "Launch video",
		Script:   script,
		AvatarID: avatar,
		VoiceID:  voice,
	})
	if err != nil {
		t.Fatalf("create work item: %v", err)
	}
	return wi
}

// processingJob enqueues a work item and returns the job id and its provider id.
func (f fixture) processingJob(t *testing.T) (string, string) {
	t.Helper()
	wi := f.workItem(t, "Hello", "A1", "")
	res, err := f.orch.Enqueue(context.Background(), wi.ID)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if res.Status != models.JobProcessing {
		t.Fatalf("enqueue status = %s, want processing", res.Status)
	}
	return res.JobID, res.ProviderJobID
}

func (f fixture) workItemStatus(t *testing.T, id string) models.WorkItemStatus {
	t.Helper()
	wi, err := f.store.GetWorkItem(context.Background(), id)
	if err != nil {
		t.Fatalf("get work item: %v", err)
	}
	return wi.Status
}

func TestEnqueueSubmitsAndMovesToProcessing(t *testing.T) {
	f := newFixture(t)
	wi := f.workItem(t, "Hello", "A1", "")

	res, err := f.orch.Enqueue(context.Background(), wi.ID)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if res.Status != models.JobProcessing || res.ProviderJobID != "prov-1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := f.workItemStatus(t, wi.ID); got != models.WorkItemProcessing {
		t.Fatalf("work item status = %s, want processing", got)
	}

	submits := f.prov.Submits()
	if len(submits) != 1 {
		t.Fatalf("got %d submits, want 1", len(submits))
	}
	if submits[0].VoiceID != defaultVoice {
		t.Fatalf("voice = %q, want default %q", submits[0].VoiceID, defaultVoice)
	}
	if submits[0].Script != "Hello" || submits[0].AvatarID != "A1" {
		t.Fatalf("unexpected submit %+v", submits[0])
	}
}

func TestEnqueueKeepsExplicitVoice(t *testing.T) {
	f := newFixture(t)
	wi := f.workItem(t, "Hello", "A1", "voice-7")
	if _, err := f.orch.Enqueue(context.Background(), wi.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := f.prov.Submits()[0].VoiceID; got != "voice-7" {
		t.Fatalf("voice = %q, want voice-7", got)
	}
}

func TestEnqueueValidation(t *testing.T) {
	cases := []struct {
		name   string
		script string
		avatar string
		field  string
	}{
		{"no avatar", "Hello", "", "avatar_id"},
		{"blank script", "   ", "A1", "script"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			wi := f.workItem(t, tc.script, tc.avatar, "")

			_, err := f.orch.Enqueue(context.Background(), wi.ID)
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("err = %v, want validation", err)
			}
			var appErr *apperrors.Error
			if !errors.As(err, &appErr) || appErr.Field != tc.field {
				t.Fatalf("field = %+v, want %s", appErr, tc.field)
			}
			if _, found, _ := f.store.LatestJob(context.Background(), wi.ID); found {
				t.Fatalf("job created despite validation failure")
			}
			if len(f.prov.Submits()) != 0 {
				t.Fatalf("provider called despite validation failure")
			}
			if got := f.workItemStatus(t, wi.ID); got != models.WorkItemDraft {
				t.Fatalf("work item status = %s, want draft", got)
			}
		})
	}
}

func TestEnqueueUnknownWorkItem(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orch.Enqueue(context.Background(), "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestEnqueueRejectsSecondActiveJob(t *testing.T) {
	f := newFixture(t)
	wi := f.workItem(t, "Hello", "A1", "")
	if _, err := f.orch.Enqueue(context.Background(), wi.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := f.orch.Enqueue(context.Background(), wi.ID); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("second enqueue err = %v, want conflict", err)
	}
	if len(f.prov.Submits()) != 1 {
		t.Fatalf("conflicting enqueue reached the provider")
	}
}

func TestEnqueueSubmissionFailureFailsJob(t *testing.T) {
	t.Run("rejected", func(t *testing.T) {
		f := newFixture(t)
		f.prov.SubmitErr = fmt.Errorf("%w: avatar not found", provider.ErrRejected)
		wi := f.workItem(t, "Hello", "A1", "")

		res, err := f.orch.Enqueue(context.Background(), wi.ID)
		if err != nil {
			t.Fatalf("enqueue returned error %v, want failed result", err)
		}
		if res.Status != models.JobFailed || !strings.Contains(res.ErrorDetail, "avatar not found") {
			t.Fatalf("unexpected result %+v", res)
		}
		if res.JobID == "" {
			t.Fatalf("failed result must carry the job id")
		}
		if got := f.workItemStatus(t, wi.ID); got != models.WorkItemFailed {
			t.Fatalf("work item status = %s, want failed", got)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		f := newFixture(t)
		f.prov.BlockSubmit = true
		wi := f.workItem(t, "Hello", "A1", "")

		res, err := f.orch.Enqueue(context.Background(), wi.ID)
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if res.Status != models.JobFailed {
			t.Fatalf("status = %s, want failed", res.Status)
		}
	})
}

func TestEnqueueSurvivesCallerCancellationDuringSubmit(t *testing.T) {
	f := newFixture(t)
	f.prov.BlockSubmit = true
	wi := f.workItem(t, "Hello", "A1", "")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res, err := f.orch.Enqueue(ctx, wi.ID)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, _ := f.store.GetJob(context.Background(), res.JobID)
	if job.Status != models.JobFailed {
		t.Fatalf("job left in %s after cancelled submit", job.Status)
	}
}

func TestReconcileCompleted(t *testing.T) {
	f := newFixture(t)
	jobID, pid := f.processingJob(t)
	duration := 42.0
	f.prov.Script(pid, testutil.Step{Status: provider.Status{
		State:    provider.StateCompleted,
		MediaURL: "https://x/video.mp4",
		Duration: &duration,
	}})

	res, err := f.orch.Reconcile(context.Background(), jobID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Status != models.JobCompleted || res.MediaURL != "https://x/video.mp4" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Duration == nil || *res.Duration != 42 {
		t.Fatalf("duration = %v, want 42", res.Duration)
	}
	if res.Reclassified || res.ErrorDetail != "" {
		t.Fatalf("plain completion marked reclassified: %+v", res)
	}
	if got := f.workItemStatus(t, res.WorkItemID); got != models.WorkItemCompleted {
		t.Fatalf("work item status = %s, want completed", got)
	}
}

func TestReconcileCompletedWithoutURLUsesFallback(t *testing.T) {
	f := newFixture(t)
	jobID, pid := f.processingJob(t)
	f.prov.Script(pid, testutil.Step{Status: provider.Status{State: provider.StateCompleted}})

	res, err := f.orch.Reconcile(context.Background(), jobID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if want := "https://heygen.com/video/" + pid; res.MediaURL != want {
		t.Fatalf("media url = %q, want %q", res.MediaURL, want)
	}
}

func TestReconcileReclassifiesBenignFailure(t *testing.T) {
	f := newFixture(t)
	jobID, pid := f.processingJob(t)
	msg := "Please subscribe to unlock 1080p resolution"
	f.prov.Script(pid, testutil.Step{Status: provider.Status{State: provider.StateFailed, ErrorMessage: msg}})

	res, err := f.orch.Reconcile(context.Background(), jobID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Status != models.JobCompleted || !res.Reclassified {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.MediaURL == "" {
		t.Fatalf("reclassified job must carry a media url")
	}
	if !strings.Contains(res.ErrorDetail, "limited tier") || !strings.Contains(res.ErrorDetail, msg) {
		t.Fatalf("error detail = %q, want reclassification note", res.ErrorDetail)
	}
	if got := f.workItemStatus(t, res.WorkItemID); got != models.WorkItemCompleted {
		t.Fatalf("work item status = %s, want completed", got)
	}

	stored, _ := f.store.GetJob(context.Background(), jobID)
	if !resultFromJob(stored).Reclassified {
		t.Fatalf("reclassification not recoverable from stored job")
	}
}

func TestReconcileHardFailure(t *testing.T) {
	cases := []struct {
		name string
		msg  string
		want string
	}{
		{"verbatim", "Renderer crashed: invalid avatar", "Renderer crashed: invalid avatar"},
		{"empty message", "", genericFailure},
		{"word containing a pattern", "industrial backdrop failed to load", "industrial backdrop failed to load"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			jobID, pid := f.processingJob(t)
			f.prov.Script(pid, testutil.Step{Status: provider.Status{State: provider.StateFailed, ErrorMessage: tc.msg}})

			res, err := f.orch.Reconcile(context.Background(), jobID)
			if err != nil {
				t.Fatalf("reconcile: %v", err)
			}
			if res.Status != models.JobFailed || res.ErrorDetail != tc.want {
				t.Fatalf("unexpected result %+v", res)
			}
			if res.MediaURL != "" {
				t.Fatalf("failed job has media url %q", res.MediaURL)
			}
			if got := f.workItemStatus(t, res.WorkItemID); got != models.WorkItemFailed {
				t.Fatalf("work item status = %s, want failed", got)
			}
		})
	}
}

func TestReconcileWithoutPolicyNeverReclassifies(t *testing.T) {
	st := testutil.NewMemStore()
	prov := testutil.NewFakeProvider()
	orch := New(st, prov, nil, Options{Logger: zerolog.Nop()})
	f := fixture{orch: orch, store: st, prov: prov}
	jobID, pid := f.processingJob(t)
	prov.Script(pid, testutil.Step{Status: provider.Status{State: provider.StateFailed, ErrorMessage: "upgrade your plan"}})

	res, err := orch.Reconcile(context.Background(), jobID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Status != models.JobFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
}

func TestReconcileTransientLeavesProcessing(t *testing.T) {
	f := newFixture(t)
	jobID, pid := f.processingJob(t)
	f.prov.Script(pid, testutil.Step{Err: fmt.Errorf("%w: i/o timeout", provider.ErrUnavailable)})
	writes := f.store.Writes()

	res, err := f.orch.Reconcile(context.Background(), jobID)
	if !errors.Is(err, apperrors.ErrTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
	if !errors.Is(err, provider.ErrUnavailable) {
		t.Fatalf("transient error lost its cause: %v", err)
	}
	if res.Status != models.JobProcessing {
		t.Fatalf("status = %s, want processing", res.Status)
	}
	if f.store.Writes() != writes {
		t.Fatalf("transient query wrote to the store")
	}
}

func TestReconcileQueryIsBoundedByTimeout(t *testing.T) {
	f := newFixture(t)
	jobID, _ := f.processingJob(t)
	f.prov.BlockQueries()
	writes := f.store.Writes()

	start := time.Now()
	res, err := f.orch.Reconcile(context.Background(), jobID)
	elapsed := time.Since(start)
	if !errors.Is(err, apperrors.ErrTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
	if !strings.Contains(err.Error(), context.DeadlineExceeded.Error()) {
		t.Fatalf("err = %v, want the query deadline as cause", err)
	}
	if elapsed < 50*time.Millisecond || elapsed > time.Second {
		t.Fatalf("reconcile took %s, want about the 50ms query timeout", elapsed)
	}
	if res.Status != models.JobProcessing {
		t.Fatalf("status = %s, want processing", res.Status)
	}
	if f.store.Writes() != writes {
		t.Fatalf("timed out query wrote to the store")
	}
	stored, _ := f.store.GetJob(context.Background(), jobID)
	if stored.Status != models.JobProcessing {
		t.Fatalf("stored status = %s, want processing", stored.Status)
	}
}

func TestReconcilePendingIsNoop(t *testing.T) {
	f := newFixture(t)
	jobID, pid := f.processingJob(t)
	f.prov.Script(pid, testutil.Step{Status: provider.Status{State: provider.StatePending}})
	writes := f.store.Writes()

	res, err := f.orch.Reconcile(context.Background(), jobID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Status != models.JobProcessing || f.store.Writes() != writes {
		t.Fatalf("pending provider state changed the job: %+v", res)
	}
}

func TestReconcileQueuedIsNoop(t *testing.T) {
	f := newFixture(t)
	wi := f.workItem(t, "Hello", "A1", "")
	job, err := f.store.CreateJob(context.Background(), wi.ID)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	res, err := f.orch.Reconcile(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Status != models.JobQueued || f.prov.Queries() != 0 {
		t.Fatalf("queued job reconciled against provider: %+v", res)
	}
}

func TestReconcileTerminalIsIdempotent(t *testing.T) {
	f := newFixture(t)
	jobID, pid := f.processingJob(t)
	f.prov.Script(pid, testutil.Step{Status: provider.Status{State: provider.StateCompleted, MediaURL: "https://x/v.mp4"}})

	first, err := f.orch.Reconcile(context.Background(), jobID)
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	writes, queries := f.store.Writes(), f.prov.Queries()

	second, err := f.orch.Reconcile(context.Background(), jobID)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if first != second {
		t.Fatalf("results differ: %+v vs %+v", first, second)
	}
	if f.store.Writes() != writes || f.prov.Queries() != queries {
		t.Fatalf("terminal reconcile touched store or provider")
	}
}

func TestConcurrentReconcileAppliesOnce(t *testing.T) {
	f := newFixture(t)
	jobID, pid := f.processingJob(t)
	f.prov.Script(pid, testutil.Step{Status: provider.Status{State: provider.StateCompleted, MediaURL: "https://x/v.mp4"}})
	writes := f.store.Writes()

	const n = 16
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.orch.Reconcile(context.Background(), jobID)
			if err != nil {
				t.Errorf("reconcile %d: %v", i, err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	if got := f.store.Writes() - writes; got != 1 {
		t.Fatalf("persisted %d transitions, want 1", got)
	}
	for i, res := range results {
		if res != results[0] || res.Status != models.JobCompleted {
			t.Fatalf("result %d = %+v, want %+v", i, res, results[0])
		}
	}
}

func TestTransitionsAreMonotonic(t *testing.T) {
	f := newFixture(t)
	jobID, pid := f.processingJob(t)
	f.prov.Script(pid,
		testutil.Step{Status: provider.Status{State: provider.StateProcessing}},
		testutil.Step{Err: provider.ErrUnavailable},
		testutil.Step{Status: provider.Status{State: provider.StateFailed, ErrorMessage: "boom"}},
		testutil.Step{Status: provider.Status{State: provider.StateCompleted, MediaURL: "https://x/late.mp4"}},
	)
	for i := 0; i < 6; i++ {
		_, _ = f.orch.Reconcile(context.Background(), jobID)
	}

	events, _ := f.store.ListJobEvents(context.Background(), jobID)
	var seen []models.JobStatus
	for _, ev := range events {
		seen = append(seen, ev.To)
	}
	want := []models.JobStatus{models.JobQueued, models.JobProcessing, models.JobFailed}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
}

func TestRegenerateAfterTerminal(t *testing.T) {
	f := newFixture(t)
	jobID, pid := f.processingJob(t)
	f.prov.Script(pid, testutil.Step{Status: provider.Status{State: provider.StateFailed, ErrorMessage: "boom"}})
	first, _ := f.orch.Reconcile(context.Background(), jobID)

	second, err := f.orch.Enqueue(context.Background(), first.WorkItemID)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if second.JobID == first.JobID {
		t.Fatalf("regeneration reused the terminal job")
	}
	old, _ := f.store.GetJob(context.Background(), first.JobID)
	if old.Status != models.JobFailed {
		t.Fatalf("terminal job changed to %s", old.Status)
	}

	view, err := f.orch.GetStatus(context.Background(), first.WorkItemID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.JobID != second.JobID || view.Status != models.WorkItemProcessing {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestGetStatusDraft(t *testing.T) {
	f := newFixture(t)
	wi := f.workItem(t, "Hello", "A1", "")
	view, err := f.orch.GetStatus(context.Background(), wi.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Status != models.WorkItemDraft || view.JobID != "" {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestTenantScoping(t *testing.T) {
	f := newFixture(t)
	jobID, _ := f.processingJob(t)
	job, _ := f.store.GetJob(context.Background(), jobID)

	other := WithTenant(context.Background(), "tenant-b")
	if _, err := f.orch.GetStatus(other, job.WorkItemID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("cross-tenant status err = %v, want not found", err)
	}
	if _, err := f.orch.Reconcile(other, jobID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("cross-tenant reconcile err = %v, want not found", err)
	}

	own := WithTenant(context.Background(), "tenant-a")
	if _, err := f.orch.Job(own, jobID); err != nil {
		t.Fatalf("own-tenant job: %v", err)
	}
}

func TestAbandonQueued(t *testing.T) {
	f := newFixture(t)
	wi := f.workItem(t, "Hello", "A1", "")
	job, _ := f.store.CreateJob(context.Background(), wi.ID)

	res, err := f.orch.Abandon(context.Background(), job.ID, "submission interrupted")
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if res.Status != models.JobFailed || res.ErrorDetail != "submission interrupted" {
		t.Fatalf("unexpected result %+v", res)
	}

	jobID, _ := f.processingJob(t)
	res, err = f.orch.Abandon(context.Background(), jobID, "ignored")
	if err != nil || res.Status != models.JobProcessing {
		t.Fatalf("abandon of processing job: %+v %v", res, err)
	}
}
