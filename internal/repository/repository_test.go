package repository

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestratord/internal/domain"
	"github.com/kandev/orchestratord/internal/store"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	pool, err := store.OpenSQLitePool(":memory:")
	require.NoError(t, err)
	st, err := store.Open(pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st)
}

func samplePackage() domain.OrchestrationPackage {
	return domain.OrchestrationPackage{
		PackageVersion: "0.1.0",
		Objective: domain.Objective{
			Title: "demo",
			DoneCriteria: []domain.DoneCriterion{
				{ID: "done", RequiredEvidenceTypes: []string{"log_excerpt"}},
			},
		},
		RunPolicy: domain.RunPolicy{
			Limits:      domain.Limits{MaxOrchestratorIterations: 1, MaxWorkerIterations: 1, MaxRunWallClockMs: 60000},
			Concurrency: domain.Concurrency{MaxWorkers: 1},
		},
	}
}

func TestCreateRun_SeedsQueuedStatus(t *testing.T) {
	repo := newTestRepository(t)

	run, err := repo.CreateRun(samplePackage(), map[string]string{"env": "test"})
	require.NoError(t, err)
	require.Equal(t, domain.RunQueued, run.Status)
	require.Nil(t, run.StartedAt)
	require.Nil(t, run.FinishedAt)

	fetched, err := repo.GetRunOrThrow(run.ID)
	require.NoError(t, err)
	require.Equal(t, "demo", fetched.OrchestrationPackage.Objective.Title)
	require.Equal(t, "test", fetched.Labels["env"])
}

func TestGetRun_UnknownReturnsNilNotError(t *testing.T) {
	repo := newTestRepository(t)
	run, err := repo.GetRun("nope")
	require.NoError(t, err)
	require.Nil(t, run)

	_, err = repo.GetRunOrThrow("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateRunStatus_RejectsTransitionOutOfTerminal(t *testing.T) {
	repo := newTestRepository(t)
	run, err := repo.CreateRun(samplePackage(), nil)
	require.NoError(t, err)

	_, err = repo.UpdateRunStatus(run.ID, domain.RunRunning, "")
	require.NoError(t, err)
	_, err = repo.UpdateRunStatus(run.ID, domain.RunSucceeded, "")
	require.NoError(t, err)

	_, err = repo.UpdateRunStatus(run.ID, domain.RunRunning, "")
	require.ErrorIs(t, err, ErrIllegalTransition)

	final, err := repo.GetRunOrThrow(run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunSucceeded, final.Status)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.FinishedAt)
}

func TestRequestCancel_Idempotence(t *testing.T) {
	repo := newTestRepository(t)
	run, err := repo.CreateRun(samplePackage(), nil)
	require.NoError(t, err)

	updated, err := repo.RequestCancel(run.ID)
	require.NoError(t, err)
	require.True(t, updated.CancelRequested)

	_, err = repo.UpdateRunStatus(run.ID, domain.RunCanceled, "canceled_by_user")
	require.NoError(t, err)

	_, err = repo.RequestCancel(run.ID)
	require.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestAppendEvent_MonotonicAcrossRuns(t *testing.T) {
	repo := newTestRepository(t)
	runA, err := repo.CreateRun(samplePackage(), nil)
	require.NoError(t, err)
	runB, err := repo.CreateRun(samplePackage(), nil)
	require.NoError(t, err)

	e1, err := repo.AppendEvent(runA.ID, "run.created", map[string]any{"runId": runA.ID})
	require.NoError(t, err)
	e2, err := repo.AppendEvent(runB.ID, "run.created", map[string]any{"runId": runB.ID})
	require.NoError(t, err)
	e3, err := repo.AppendEvent(runA.ID, "run.started", map[string]any{"runId": runA.ID})
	require.NoError(t, err)

	require.Less(t, e1.EventID, e2.EventID)
	require.Less(t, e2.EventID, e3.EventID)

	runAEvents, err := repo.ListRunEvents(runA.ID, 0)
	require.NoError(t, err)
	require.Len(t, runAEvents, 2)
	require.Less(t, runAEvents[0].EventID, runAEvents[1].EventID)

	counters, err := repo.GetRunCounters(runA.ID)
	require.NoError(t, err)
	require.Equal(t, e3.EventID, counters.LatestEventID)
}

func TestListRunEvents_Replay_NoGapsNoDuplicates(t *testing.T) {
	repo := newTestRepository(t)
	run, err := repo.CreateRun(samplePackage(), nil)
	require.NoError(t, err)

	var ids []int64
	for i := 0; i < 5; i++ {
		e, err := repo.AppendEvent(run.ID, "worker.task.created", map[string]any{"i": i})
		require.NoError(t, err)
		ids = append(ids, e.EventID)
	}

	suffix, err := repo.ListRunEvents(run.ID, ids[1])
	require.NoError(t, err)
	require.Len(t, suffix, 3)
	require.Equal(t, ids[2], suffix[0].EventID)
	require.Equal(t, ids[4], suffix[len(suffix)-1].EventID)
}

func TestRecordResultAndEvidence_UpdateCounters(t *testing.T) {
	repo := newTestRepository(t)
	run, err := repo.CreateRun(samplePackage(), nil)
	require.NoError(t, err)

	require.NoError(t, repo.RecordTask(domain.Task{RunID: run.ID, TaskID: "task-1", Status: domain.TaskQueued}))
	require.NoError(t, repo.RecordEvidence(domain.Evidence{
		RunID: run.ID, EvidenceID: "ev-1", Type: domain.EvidenceLogExcerpt, LinkedTaskID: "task-1",
	}))
	require.NoError(t, repo.RecordResult(domain.Result{
		RunID: run.ID, TaskID: "task-1", Attempt: 1, OutputJSON: "{}", EvidenceIDs: []string{"ev-1"},
	}))

	counters, err := repo.GetRunCounters(run.ID)
	require.NoError(t, err)
	require.Equal(t, 1, counters.EvidenceItems)
	require.Equal(t, 1, counters.WorkersSpawned)

	results, err := repo.ListResults(run.ID, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, []string{"ev-1"}, results[0].EvidenceIDs)

	tasks, err := repo.ListTasks(run.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, domain.TaskQueued, tasks[0].Status)
}

func TestRecordArtifact(t *testing.T) {
	repo := newTestRepository(t)
	run, err := repo.CreateRun(samplePackage(), nil)
	require.NoError(t, err)

	require.NoError(t, repo.RecordArtifact(domain.Artifact{RunID: run.ID, ArtifactID: "a1", Kind: "report", URI: "file:///a1"}))

	artifacts, err := repo.ListArtifacts(run.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	require.Equal(t, "report", artifacts[0].Kind)
}

func TestListRuns_FiltersByStatus(t *testing.T) {
	repo := newTestRepository(t)
	run1, err := repo.CreateRun(samplePackage(), nil)
	require.NoError(t, err)
	run2, err := repo.CreateRun(samplePackage(), nil)
	require.NoError(t, err)
	_, err = repo.UpdateRunStatus(run2.ID, domain.RunRunning, "")
	require.NoError(t, err)

	queued, err := repo.ListRuns(ListRunsFilter{Status: string(domain.RunQueued)})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, run1.ID, queued[0].ID)

	all, err := repo.ListRuns(ListRunsFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
}
