// Package repository implements typed operations over the store: it owns
// monotonic eventId allocation and enforces run-state invariants, so every
// externally visible state change flows through one place.
package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kandev/orchestratord/internal/domain"
	"github.com/kandev/orchestratord/internal/store"
	"github.com/kandev/orchestratord/internal/store/dialect"
)

// ErrNotFound is returned by *OrThrow accessors when the row does not
// exist.
var ErrNotFound = errors.New("not found")

// ErrIllegalTransition is returned by UpdateRunStatus when `from -> to` is
// not a legal edge of the run state machine.
var ErrIllegalTransition = errors.New("illegal run status transition")

// ErrAlreadyTerminal is returned by RequestCancel when the run has already
// reached a terminal status.
var ErrAlreadyTerminal = errors.New("already terminal")

// Repository is the sole mutator of Run/Task/Result/Evidence/Artifact/Event
// rows. All of its methods are safe to call concurrently: writes serialize
// through the store's single writer connection (or Postgres row locking),
// while reads may run concurrently against the reader pool.
type Repository struct {
	st  *store.Store
	now func() time.Time
}

// New builds a Repository over an already-open Store.
func New(st *store.Store) *Repository {
	return &Repository{st: st, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Repository) nowString() string {
	return r.now().Format(time.RFC3339Nano)
}

// rw rebinds a `?`-placeholder query for the writer connection's dialect
// (SQLite keeps `?`; Postgres becomes `$1, $2, ...`).
func (r *Repository) rw(query string) string { return r.st.Pool().Writer().Rebind(query) }

// rr rebinds a `?`-placeholder query for the reader connection's dialect.
func (r *Repository) rr(query string) string { return r.st.Pool().Reader().Rebind(query) }

// CreateRun seeds a new Run row with status=queued and stores the embedded
// package JSON.
func (r *Repository) CreateRun(pkg domain.OrchestrationPackage, labels map[string]string) (*domain.Run, error) {
	run := &domain.Run{
		ID:                   uuid.NewString(),
		Status:               domain.RunQueued,
		CreatedAt:            r.nowString(),
		UpdatedAt:            r.nowString(),
		Labels:               labels,
		OrchestrationPackage: pkg,
	}
	if err := run.MarshalPackage(); err != nil {
		return nil, fmt.Errorf("marshal package: %w", err)
	}

	_, err := r.st.Pool().Writer().Exec(r.rw(`
INSERT INTO runs (id, status, reason, cancel_requested, created_at, updated_at,
	started_at, finished_at, session_id, budget_tokens_used, budget_cost_used,
	labels_json, package_json)
VALUES (?, ?, '', 0, ?, ?, NULL, NULL, '', 0, 0, ?, ?)`),
		run.ID, run.Status, run.CreatedAt, run.UpdatedAt, run.LabelsJSON, run.PackageJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	_, err = r.st.Pool().Writer().Exec(
		r.rw(`INSERT INTO run_counters (run_id) VALUES (?)`), run.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run_counters: %w", err)
	}

	return run, nil
}

// GetRun returns the run, or (nil, nil) if it does not exist.
func (r *Repository) GetRun(runID string) (*domain.Run, error) {
	var run domain.Run
	err := r.st.Pool().Reader().Get(&run, r.rr(`
SELECT id, status, reason, cancel_requested, created_at, updated_at,
	started_at, finished_at, session_id, budget_tokens_used, budget_cost_used,
	labels_json, package_json
FROM runs WHERE id = ?`), runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if err := run.UnmarshalPackage(); err != nil {
		return nil, fmt.Errorf("unmarshal package: %w", err)
	}
	return &run, nil
}

// GetRunOrThrow returns ErrNotFound if the run does not exist.
func (r *Repository) GetRunOrThrow(runID string) (*domain.Run, error) {
	run, err := r.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrNotFound
	}
	return run, nil
}

// ListRunsFilter selects a page of runs for GET /runs.
type ListRunsFilter struct {
	Status string
	Limit  int
	Offset int
}

// ListRuns returns a page of runs ordered by most-recently-created first.
func (r *Repository) ListRuns(f ListRunsFilter) ([]domain.Run, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []domain.Run
	var err error
	if f.Status != "" {
		err = r.st.Pool().Reader().Select(&rows, r.rr(`
SELECT id, status, reason, cancel_requested, created_at, updated_at,
	started_at, finished_at, session_id, budget_tokens_used, budget_cost_used,
	labels_json, package_json
FROM runs WHERE status = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`),
			f.Status, limit, f.Offset)
	} else {
		err = r.st.Pool().Reader().Select(&rows, r.rr(`
SELECT id, status, reason, cancel_requested, created_at, updated_at,
	started_at, finished_at, session_id, budget_tokens_used, budget_cost_used,
	labels_json, package_json
FROM runs ORDER BY created_at DESC LIMIT ? OFFSET ?`), limit, f.Offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	for i := range rows {
		if err := rows[i].UnmarshalPackage(); err != nil {
			return nil, fmt.Errorf("unmarshal package: %w", err)
		}
	}
	return rows, nil
}

// UpdateRunStatus asserts `from -> to` is a legal transition, then updates
// status/reason/timestamps. started_at is stamped the first time the run
// leaves queued; finished_at is stamped on any terminal transition.
func (r *Repository) UpdateRunStatus(runID string, to domain.RunStatus, reason string) (*domain.Run, error) {
	run, err := r.GetRunOrThrow(runID)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransitionRun(run.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, run.Status, to)
	}

	now := r.nowString()
	startedAt := run.StartedAt
	if startedAt == nil && run.Status == domain.RunQueued && to != domain.RunQueued {
		v := now
		startedAt = &v
	}
	var finishedAt *string
	if to.Terminal() {
		v := now
		finishedAt = &v
	}

	_, err = r.st.Pool().Writer().Exec(r.rw(`
UPDATE runs SET status = ?, reason = ?, updated_at = ?, started_at = COALESCE(?, started_at), finished_at = ?
WHERE id = ?`), to, reason, now, startedAt, finishedAt, runID)
	if err != nil {
		return nil, fmt.Errorf("update run status: %w", err)
	}
	return r.GetRunOrThrow(runID)
}

// RequestCancel flips cancel_requested. It does not itself transition
// status; the caller decides the resulting status (Engine.RequestCancel
// moves a queued run to canceled; the run loop ends a running one).
func (r *Repository) RequestCancel(runID string) (*domain.Run, error) {
	run, err := r.GetRunOrThrow(runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	_, err = r.st.Pool().Writer().Exec(
		r.rw(`UPDATE runs SET cancel_requested = 1, updated_at = ? WHERE id = ?`), r.nowString(), runID)
	if err != nil {
		return nil, fmt.Errorf("request cancel: %w", err)
	}
	return r.GetRunOrThrow(runID)
}

// SetSessionID stores the adapter session id for a run. Per the data model
// invariant it is set once and only once; callers that violate this do so
// at their own risk (the engine enforces single-session semantics by
// calling this exactly once per run in practice).
func (r *Repository) SetSessionID(runID, sessionID string) error {
	_, err := r.st.Pool().Writer().Exec(
		r.rw(`UPDATE runs SET session_id = ?, updated_at = ? WHERE id = ? AND session_id = ''`),
		sessionID, r.nowString(), runID)
	return err
}

// AddBudget atomically increments a run's cumulative token/cost usage.
func (r *Repository) AddBudget(runID string, tokens int64, costUsd float64) error {
	_, err := r.st.Pool().Writer().Exec(r.rw(`
UPDATE runs SET budget_tokens_used = budget_tokens_used + ?, budget_cost_used = budget_cost_used + ?, updated_at = ?
WHERE id = ?`), tokens, costUsd, r.nowString(), runID)
	return err
}

// AppendEvent atomically allocates the next globally monotonic eventId and
// inserts the event row, then advances the run's latest_event_id counter.
// This is the only path that produces an Event row.
func (r *Repository) AppendEvent(runID, eventType string, data map[string]any) (*domain.Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	var event *domain.Event
	err = r.withTx(func(tx *sqlx.Tx) error {
		var nextID int64
		seqQuery := `SELECT next_event_id FROM event_sequence WHERE id = 1`
		if dialect.IsPostgres(r.st.Pool().Driver()) {
			seqQuery += ` FOR UPDATE`
		}
		if err := tx.Get(&nextID, tx.Rebind(seqQuery)); err != nil {
			return fmt.Errorf("read event sequence: %w", err)
		}
		if _, err := tx.Exec(tx.Rebind(`UPDATE event_sequence SET next_event_id = ? WHERE id = 1`), nextID+1); err != nil {
			return fmt.Errorf("advance event sequence: %w", err)
		}

		ts := r.nowString()
		if _, err := tx.Exec(tx.Rebind(`INSERT INTO events (event_id, run_id, type, data, ts) VALUES (?, ?, ?, ?, ?)`),
			nextID, runID, eventType, string(payload), ts); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		if _, err := tx.Exec(tx.Rebind(`
UPDATE run_counters SET latest_event_id = ? WHERE run_id = ?`), nextID, runID); err != nil {
			return fmt.Errorf("update latest_event_id: %w", err)
		}

		event = &domain.Event{RunID: runID, EventID: nextID, Type: eventType, Data: string(payload), Ts: ts}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// ListRunEvents returns events for runID with eventId > sinceEventID, in
// increasing order. Used both by the replay path and by plain history
// reads.
func (r *Repository) ListRunEvents(runID string, sinceEventID int64) ([]domain.Event, error) {
	var rows []domain.Event
	err := r.st.Pool().Reader().Select(&rows, r.rr(`
SELECT event_id, run_id, type, data, ts FROM events
WHERE run_id = ? AND event_id > ? ORDER BY event_id ASC`), runID, sinceEventID)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	return rows, nil
}

// RecordTask upserts a task row and keeps its updated_at current.
func (r *Repository) RecordTask(t domain.Task) error {
	now := r.nowString()
	_, err := r.st.Pool().Writer().Exec(r.rw(`
INSERT INTO tasks (run_id, task_id, description, status, attempts, last_error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, task_id) DO UPDATE SET
	description = excluded.description,
	status = excluded.status,
	attempts = excluded.attempts,
	last_error = excluded.last_error,
	updated_at = excluded.updated_at`),
		t.RunID, t.TaskID, t.Description, t.Status, t.Attempts, t.LastError, now, now)
	return err
}

// ListTasks returns all tasks for a run.
func (r *Repository) ListTasks(runID string) ([]domain.Task, error) {
	var rows []domain.Task
	err := r.st.Pool().Reader().Select(&rows, r.rr(`
SELECT run_id, task_id, description, status, attempts, last_error, created_at, updated_at
FROM tasks WHERE run_id = ? ORDER BY created_at ASC`), runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return rows, nil
}

// RecordResult inserts a (task, attempt) result row and bumps
// workers_spawned.
func (r *Repository) RecordResult(res domain.Result) error {
	evJSON, err := json.Marshal(res.EvidenceIDs)
	if err != nil {
		return fmt.Errorf("marshal evidence ids: %w", err)
	}
	return r.withTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(tx.Rebind(`
INSERT INTO results (run_id, task_id, attempt, output_json, evidence_ids_json, created_at)
VALUES (?, ?, ?, ?, ?, ?)`),
			res.RunID, res.TaskID, res.Attempt, res.OutputJSON, string(evJSON), r.nowString()); err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
		_, err := tx.Exec(tx.Rebind(`UPDATE run_counters SET workers_spawned = workers_spawned + 1 WHERE run_id = ?`), res.RunID)
		return err
	})
}

// ListResults returns up to limit results for a run, most recent first.
// limit<=0 means unlimited.
func (r *Repository) ListResults(runID string, limit int) ([]domain.Result, error) {
	q := `
SELECT run_id, task_id, attempt, output_json, evidence_ids_json, created_at
FROM results WHERE run_id = ? ORDER BY created_at DESC`
	args := []any{runID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []domain.Result
	if err := r.st.Pool().Reader().Select(&rows, r.rr(q), args...); err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	for i := range rows {
		_ = json.Unmarshal([]byte(rows[i].EvidenceIDsJSON), &rows[i].EvidenceIDs)
	}
	return rows, nil
}

// RecordWorkerFailure increments the derived worker_failures counter,
// separate from RecordTask since a failed attempt still upserts the task
// row with status=failed.
func (r *Repository) RecordWorkerFailure(runID string) error {
	_, err := r.st.Pool().Writer().Exec(
		r.rw(`UPDATE run_counters SET worker_failures = worker_failures + 1 WHERE run_id = ?`), runID)
	return err
}

// RecordEvidence inserts an evidence row and bumps evidence_items.
func (r *Repository) RecordEvidence(ev domain.Evidence) error {
	return r.withTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(tx.Rebind(`
INSERT INTO evidence (run_id, evidence_id, type, payload, linked_task_id, created_at)
VALUES (?, ?, ?, ?, ?, ?)`),
			ev.RunID, ev.EvidenceID, ev.Type, ev.Payload, ev.LinkedTaskID, r.nowString()); err != nil {
			return fmt.Errorf("insert evidence: %w", err)
		}
		_, err := tx.Exec(tx.Rebind(`UPDATE run_counters SET evidence_items = evidence_items + 1 WHERE run_id = ?`), ev.RunID)
		return err
	})
}

// ListEvidence returns all evidence for a run.
func (r *Repository) ListEvidence(runID string) ([]domain.Evidence, error) {
	var rows []domain.Evidence
	err := r.st.Pool().Reader().Select(&rows, r.rr(`
SELECT run_id, evidence_id, type, payload, linked_task_id, created_at
FROM evidence WHERE run_id = ? ORDER BY created_at ASC`), runID)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	return rows, nil
}

// RecordArtifact inserts an artifact row, typically during REPORT.
func (r *Repository) RecordArtifact(a domain.Artifact) error {
	_, err := r.st.Pool().Writer().Exec(r.rw(`
INSERT INTO artifacts (run_id, artifact_id, kind, uri, checksum, created_at)
VALUES (?, ?, ?, ?, ?, ?)`), a.RunID, a.ArtifactID, a.Kind, a.URI, a.Checksum, r.nowString())
	return err
}

// ListArtifacts returns all artifacts for a run.
func (r *Repository) ListArtifacts(runID string) ([]domain.Artifact, error) {
	var rows []domain.Artifact
	err := r.st.Pool().Reader().Select(&rows, r.rr(`
SELECT run_id, artifact_id, kind, uri, checksum, created_at
FROM artifacts WHERE run_id = ? ORDER BY created_at ASC`), runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return rows, nil
}

// IncrementOrchestratorIterations bumps the iteration counter on entry to
// PLAN, before the engine checks it against limits.maxOrchestratorIterations.
func (r *Repository) IncrementOrchestratorIterations(runID string) (int, error) {
	var n int
	err := r.withTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(tx.Rebind(`UPDATE run_counters SET orchestrator_iterations = orchestrator_iterations + 1 WHERE run_id = ?`), runID); err != nil {
			return err
		}
		return tx.Get(&n, tx.Rebind(`SELECT orchestrator_iterations FROM run_counters WHERE run_id = ?`), runID)
	})
	return n, err
}

// GetRunCounters returns the derived counters row for a run.
func (r *Repository) GetRunCounters(runID string) (*domain.RunCounters, error) {
	var c domain.RunCounters
	err := r.st.Pool().Reader().Get(&c, r.rr(`
SELECT run_id, orchestrator_iterations, workers_spawned, worker_failures, evidence_items, latest_event_id
FROM run_counters WHERE run_id = ?`), runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run counters: %w", err)
	}
	return &c, nil
}

// withTx runs fn inside a transaction on the writer connection, committing
// on success and rolling back on error or panic.
func (r *Repository) withTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := r.st.Pool().Writer().Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
