package guard

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tobyms/foreman/internal/domain"
	"github.com/tobyms/foreman/internal/store"
	"github.com/tobyms/foreman/tests/helpers"
)

func testRun(t *testing.T, s store.Store) *domain.Run {
	t.Helper()
	run := &domain.Run{
		RunID:     "r1",
		TraceID:   "tr1",
		Status:    domain.RunStatusRunning,
		StartedAt: time.Now(),
	}
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return run
}

func delegateCall(id, task string) domain.ToolCall {
	args, _ := json.Marshal(domain.DelegateArgs{Task: task})
	return domain.ToolCall{
		ID:   id,
		Type: "function",
		Function: domain.ToolCallFunction{
			Name:      domain.DelegateToolName,
			Arguments: string(args),
		},
	}
}

func plainCall(id, name string) domain.ToolCall {
	return domain.ToolCall{
		ID:       id,
		Type:     "function",
		Function: domain.ToolCallFunction{Name: name, Arguments: "{}"},
	}
}

func TestViolatesSoloDelegation(t *testing.T) {
	if ViolatesSoloDelegation([]domain.ToolCall{delegateCall("tc1", "task")}) {
		t.Fatal("a lone delegation is fine")
	}
	if ViolatesSoloDelegation([]domain.ToolCall{plainCall("tc1", "clock.now"), plainCall("tc2", "clock.now")}) {
		t.Fatal("a batch without delegation is fine")
	}
	if !ViolatesSoloDelegation([]domain.ToolCall{delegateCall("tc1", "task"), plainCall("tc2", "clock.now")}) {
		t.Fatal("mixing delegation with other calls must violate")
	}
	if !ViolatesSoloDelegation([]domain.ToolCall{delegateCall("tc1", "a"), delegateCall("tc2", "b")}) {
		t.Fatal("two delegations in one batch must violate")
	}
}

func TestParseTask(t *testing.T) {
	task, err := ParseTask(delegateCall("tc1", "check disk"))
	if err != nil {
		t.Fatalf("ParseTask failed: %v", err)
	}
	if task != "check disk" {
		t.Fatalf("unexpected task: %q", task)
	}

	if _, err := ParseTask(delegateCall("tc1", "  ")); err == nil {
		t.Fatal("expected error for empty task")
	}
	bad := domain.ToolCall{ID: "tc1", Function: domain.ToolCallFunction{Name: domain.DelegateToolName, Arguments: "not json"}}
	if _, err := ParseTask(bad); err == nil {
		t.Fatal("expected error for malformed arguments")
	}
}

func TestGuardCreateThenLookupByToolCall(t *testing.T) {
	ctx := context.Background()
	s := helpers.NewTestStore(t)
	g := New(s)
	run := testRun(t, s)

	job, err := g.Create(ctx, run, "tc1", "check disk")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if job.Status != domain.JobStatusQueued {
		t.Fatalf("expected QUEUED job, got %s", job.Status)
	}

	// Replaying the same tool call resolves to the existing job.
	res, err := g.Lookup(ctx, run.RunID, "tc1", "check disk")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if res == nil || res.Job == nil || res.Job.JobID != job.JobID {
		t.Fatalf("expected existing job, got: %+v", res)
	}
	if res.CachedResult != nil {
		t.Fatal("in-flight job must not produce a cached result")
	}
}

func TestGuardCreateDuplicateResolvesToExisting(t *testing.T) {
	ctx := context.Background()
	s := helpers.NewTestStore(t)
	g := New(s)
	run := testRun(t, s)

	first, err := g.Create(ctx, run, "tc1", "check disk")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	second, err := g.Create(ctx, run, "tc1", "check disk")
	if err != nil {
		t.Fatalf("duplicate Create must resolve, got: %v", err)
	}
	if second.JobID != first.JobID {
		t.Fatalf("duplicate Create returned a different job: %s vs %s", second.JobID, first.JobID)
	}
}

func TestGuardLookupCachesExactTaskOnly(t *testing.T) {
	ctx := context.Background()
	s := helpers.NewTestStore(t)
	g := New(s)
	run := testRun(t, s)

	job, err := g.Create(ctx, run, "tc1", "Check disk on cube")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	result := json.RawMessage(`{"status":"success","output":"42% used"}`)
	if _, err := s.CompleteJob(ctx, job.JobID, domain.JobStatusSuccess, result); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	// New tool call, byte-identical task: cached.
	res, err := g.Lookup(ctx, run.RunID, "tc2", "Check disk on cube")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if res == nil || string(res.CachedResult) != string(result) {
		t.Fatalf("expected cached result, got: %+v", res)
	}

	// Near-duplicate task: no match, a fresh job is warranted.
	res, err = g.Lookup(ctx, run.RunID, "tc3", "Check disk on cube real quick")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if res != nil {
		t.Fatalf("near-duplicate task must not hit the cache: %+v", res)
	}
}

func TestGuardFailedJobIsNotCached(t *testing.T) {
	ctx := context.Background()
	s := helpers.NewTestStore(t)
	g := New(s)
	run := testRun(t, s)

	job, err := g.Create(ctx, run, "tc1", "flaky task")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.CompleteJob(ctx, job.JobID, domain.JobStatusFailed, json.RawMessage(`{"status":"failed"}`)); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	res, err := g.Lookup(ctx, run.RunID, "tc2", "flaky task")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if res != nil {
		t.Fatalf("failed jobs must not satisfy later delegations: %+v", res)
	}
}
