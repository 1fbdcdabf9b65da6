package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestratord/internal/adapter"
	"github.com/kandev/orchestratord/internal/domain"
	"github.com/kandev/orchestratord/internal/eventbus"
	"github.com/kandev/orchestratord/internal/logging"
	"github.com/kandev/orchestratord/internal/repository"
	"github.com/kandev/orchestratord/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *repository.Repository, *eventbus.Hub) {
	t.Helper()
	pool, err := store.OpenSQLitePool(":memory:")
	require.NoError(t, err)
	st, err := store.Open(pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log, err := logging.New(logging.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	repo := repository.New(st)
	hub := eventbus.New(repo, log)
	eng := New(repo, hub, nil, adapter.NewMockAdapter(), log, 0, "")
	return eng, repo, hub
}

// happyPathPackage is a package whose mock-adapter-driven run satisfies its
// only done criterion (log_excerpt evidence) on the first PLAN/ACT/CHECK
// pass, matching spec.md's scenario S3.
func happyPathPackage() domain.OrchestrationPackage {
	return domain.OrchestrationPackage{
		PackageVersion: "0.1.0",
		Objective: domain.Objective{
			Title: "ship the feature",
			DoneCriteria: []domain.DoneCriterion{
				{ID: "done", Description: "work is complete", RequiredEvidenceTypes: []string{"log_excerpt"}},
			},
		},
		Agents: domain.Agents{
			Orchestrator: domain.AgentSpec{Model: "mock-orchestrator"},
			Worker:       domain.AgentSpec{Model: "mock-worker"},
		},
		RunPolicy: domain.RunPolicy{
			Limits:      domain.Limits{MaxOrchestratorIterations: 1, MaxWorkerIterations: 1, MaxRunWallClockMs: 30000},
			Retries:     domain.Retries{MaxWorkerTaskRetries: 1, MaxMalformedOutputRetries: 1},
			Concurrency: domain.Concurrency{MaxWorkers: 2},
			Timeouts:    domain.Timeouts{WorkerTaskMs: 5000, OrchestratorStepMs: 5000},
			Determinism: domain.Determinism{RequireStrictJson: true, SingleSessionPerRun: true},
		},
	}
}

func drainEventTypes(t *testing.T, sub *eventbus.Subscription, wantTerminal string) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var types []string
	for {
		ev, ok := sub.Next(ctx)
		if !ok {
			t.Fatalf("subscription closed before seeing terminal event %q; saw %v", wantTerminal, types)
		}
		types = append(types, ev.Type)
		if ev.Type == wantTerminal {
			return types
		}
	}
}

func TestEngine_HappyPath_RunSucceedsWithExpectedEventSequence(t *testing.T) {
	eng, repo, hub := newTestEngine(t)

	run, err := repo.CreateRun(happyPathPackage(), map[string]string{"env": "test"})
	require.NoError(t, err)

	sub, err := hub.Subscribe(run.ID, 0)
	require.NoError(t, err)
	defer sub.Close()

	eng.Schedule(run.ID)

	types := drainEventTypes(t, sub, "run.succeeded")

	require.Contains(t, types, "run.started")
	require.Contains(t, types, "orchestrator.plan.completed")
	require.Contains(t, types, "orchestrator.act.completed")
	require.Contains(t, types, "worker.task.created")
	require.Contains(t, types, "worker.task.completed")
	require.Contains(t, types, "evidence.recorded")
	require.Contains(t, types, "orchestrator.check.completed")
	require.Contains(t, types, "orchestrator.report.completed")
	require.Contains(t, types, "artifact.recorded")

	require.Less(t, indexOf(types, "run.started"), indexOf(types, "orchestrator.plan.completed"))
	require.Less(t, indexOf(types, "orchestrator.plan.completed"), indexOf(types, "orchestrator.act.completed"))
	require.Less(t, indexOf(types, "orchestrator.act.completed"), indexOf(types, "worker.task.created"))
	require.Less(t, indexOf(types, "worker.task.completed"), indexOf(types, "orchestrator.check.completed"))
	require.Less(t, indexOf(types, "orchestrator.check.completed"), indexOf(types, "orchestrator.report.completed"))
	require.Less(t, indexOf(types, "orchestrator.report.completed"), indexOf(types, "run.succeeded"))

	final, err := repo.GetRunOrThrow(run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunSucceeded, final.Status)

	artifacts, err := repo.ListArtifacts(run.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
}

// fakeAdapter is a programmable AgentAdapter for tests that need a stage
// response the deterministic MockAdapter can't produce (e.g. a dispatched
// taskId absent from the plan checklist).
type fakeAdapter struct {
	respond func(prompt string) string
}

func (a *fakeAdapter) Kind() string { return "fake" }

func (a *fakeAdapter) CreateSession(ctx context.Context, cfg adapter.SessionConfig) (string, error) {
	return "fake-session", nil
}

func (a *fakeAdapter) CancelSession(ctx context.Context, sessionID string) error { return nil }

func (a *fakeAdapter) SendPrompt(ctx context.Context, sessionID, prompt, model, directory string) (<-chan adapter.StreamItem, error) {
	out := make(chan adapter.StreamItem, 4)
	go func() {
		defer close(out)
		out <- adapter.StreamItem{Chunk: &adapter.AssistantChunk{Kind: adapter.ChunkText, Text: a.respond(prompt)}}
		out <- adapter.StreamItem{Chunk: &adapter.AssistantChunk{Kind: adapter.ChunkUsage, Usage: &adapter.Usage{InputTokens: 1, OutputTokens: 1}}}
		out <- adapter.StreamItem{Chunk: &adapter.AssistantChunk{Kind: adapter.ChunkFinish, FinishReason: "end_turn"}}
	}()
	return out, nil
}

func TestEngine_InvalidTaskId_FailsRunWithTaxonomyReason(t *testing.T) {
	fa := &fakeAdapter{respond: func(prompt string) string {
		switch {
		case strings.Contains(prompt, "STAGE=PLAN"):
			return `{"implementationPlanMd":"- [ ] task-1: do it\n","tasks":[{"taskId":"task-1","description":"do it"}],"summary":"one task"}`
		case strings.Contains(prompt, "STAGE=ACT"):
			return `{"workerDispatch":[{"taskId":"not-in-plan"}],"notes":"oops"}`
		default:
			return `{"resultJson":{},"evidence":[]}`
		}
	}}

	pool, err := store.OpenSQLitePool(":memory:")
	require.NoError(t, err)
	st, err := store.Open(pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	log, err := logging.New(logging.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	repo := repository.New(st)
	hub := eventbus.New(repo, log)
	eng := New(repo, hub, nil, fa, log, 0, "")

	run, err := repo.CreateRun(happyPathPackage(), nil)
	require.NoError(t, err)

	sub, err := hub.Subscribe(run.ID, 0)
	require.NoError(t, err)
	defer sub.Close()

	eng.Schedule(run.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var failedEvent *domain.Event
	for {
		ev, ok := sub.Next(ctx)
		require.True(t, ok, "expected a terminal run event")
		if ev.Type == "run.failed" {
			e := ev
			failedEvent = &e
			break
		}
	}

	require.Contains(t, failedEvent.Data, "invalid_task_id")

	final, err := repo.GetRunOrThrow(run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunFailed, final.Status)
}

func TestEngine_RequestCancel_QueuedRunTerminatesWithoutStarting(t *testing.T) {
	eng, repo, hub := newTestEngine(t)

	run, err := repo.CreateRun(happyPathPackage(), nil)
	require.NoError(t, err)

	sub, err := hub.Subscribe(run.ID, 0)
	require.NoError(t, err)
	defer sub.Close()

	updated, err := eng.RequestCancel(run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunCanceled, updated.Status)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := sub.Next(ctx)
	require.True(t, ok)
	require.Equal(t, "run.cancel.requested", ev.Type)

	ev, ok = sub.Next(ctx)
	require.True(t, ok)
	require.Equal(t, "run.canceled", ev.Type)
}

func indexOf(items []string, target string) int {
	for i, s := range items {
		if s == target {
			return i
		}
	}
	return -1
}
