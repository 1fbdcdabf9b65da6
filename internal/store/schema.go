package store

import "fmt"

// Store owns the pooled connections and schema for the orchestration
// server's durable tables.
type Store struct {
	pool *Pool
}

// Open creates a Store from an already-opened Pool and ensures its schema
// exists.
func Open(pool *Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *Pool { return s.pool }

// Close releases the underlying connections.
func (s *Store) Close() error { return s.pool.Close() }

func (s *Store) initSchema() error {
	if err := s.initRunsSchema(); err != nil {
		return err
	}
	if err := s.initTasksSchema(); err != nil {
		return err
	}
	if err := s.initResultsSchema(); err != nil {
		return err
	}
	if err := s.initEvidenceSchema(); err != nil {
		return err
	}
	if err := s.initArtifactsSchema(); err != nil {
		return err
	}
	if err := s.initEventsSchema(); err != nil {
		return err
	}
	if err := s.initCountersSchema(); err != nil {
		return err
	}
	return s.runMigrations()
}

func (s *Store) initRunsSchema() error {
	_, err := s.pool.Writer().Exec(`
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT,
	session_id TEXT NOT NULL DEFAULT '',
	budget_tokens_used INTEGER NOT NULL DEFAULT 0,
	budget_cost_used REAL NOT NULL DEFAULT 0,
	labels_json TEXT NOT NULL DEFAULT '{}',
	package_json TEXT NOT NULL
)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Writer().Exec(`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`)
	return err
}

func (s *Store) initTasksSchema() error {
	_, err := s.pool.Writer().Exec(`
CREATE TABLE IF NOT EXISTS tasks (
	run_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (run_id, task_id)
)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Writer().Exec(`CREATE INDEX IF NOT EXISTS idx_tasks_run_id ON tasks(run_id)`)
	return err
}

func (s *Store) initResultsSchema() error {
	_, err := s.pool.Writer().Exec(`
CREATE TABLE IF NOT EXISTS results (
	run_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	output_json TEXT NOT NULL DEFAULT '',
	evidence_ids_json TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	PRIMARY KEY (run_id, task_id, attempt)
)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Writer().Exec(`CREATE INDEX IF NOT EXISTS idx_results_run_id ON results(run_id)`)
	return err
}

func (s *Store) initEvidenceSchema() error {
	_, err := s.pool.Writer().Exec(`
CREATE TABLE IF NOT EXISTS evidence (
	run_id TEXT NOT NULL,
	evidence_id TEXT NOT NULL,
	type TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '',
	linked_task_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	PRIMARY KEY (run_id, evidence_id)
)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Writer().Exec(`CREATE INDEX IF NOT EXISTS idx_evidence_run_id ON evidence(run_id)`)
	return err
}

func (s *Store) initArtifactsSchema() error {
	_, err := s.pool.Writer().Exec(`
CREATE TABLE IF NOT EXISTS artifacts (
	run_id TEXT NOT NULL,
	artifact_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	uri TEXT NOT NULL,
	checksum TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	PRIMARY KEY (run_id, artifact_id)
)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Writer().Exec(`CREATE INDEX IF NOT EXISTS idx_artifacts_run_id ON artifacts(run_id)`)
	return err
}

func (s *Store) initEventsSchema() error {
	// event_id is allocated from the event_sequence table, not AUTOINCREMENT,
	// so it stays a single global monotonic sequence shared across runs
	// (the invariant in section 3 of the data model).
	_, err := s.pool.Writer().Exec(`
CREATE TABLE IF NOT EXISTS events (
	event_id INTEGER PRIMARY KEY,
	run_id TEXT NOT NULL,
	type TEXT NOT NULL,
	data TEXT NOT NULL,
	ts TEXT NOT NULL
)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Writer().Exec(`CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id, event_id)`)
	return err
}

func (s *Store) initCountersSchema() error {
	_, err := s.pool.Writer().Exec(`
CREATE TABLE IF NOT EXISTS run_counters (
	run_id TEXT PRIMARY KEY,
	orchestrator_iterations INTEGER NOT NULL DEFAULT 0,
	workers_spawned INTEGER NOT NULL DEFAULT 0,
	worker_failures INTEGER NOT NULL DEFAULT 0,
	evidence_items INTEGER NOT NULL DEFAULT 0,
	latest_event_id INTEGER NOT NULL DEFAULT 0
)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Writer().Exec(`
CREATE TABLE IF NOT EXISTS event_sequence (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	next_event_id INTEGER NOT NULL
)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Writer().Exec(`INSERT INTO event_sequence (id, next_event_id) VALUES (1, 1) ON CONFLICT (id) DO NOTHING`)
	return err
}

// runMigrations applies idempotent schema evolutions. SQLite errors from a
// column that already exists are ignored, matching the teacher's migration
// convention of ALTER TABLE ... ADD COLUMN guarded by "ignore if present".
func (s *Store) runMigrations() error {
	_, _ = s.pool.Writer().Exec(`ALTER TABLE runs ADD COLUMN labels_json TEXT NOT NULL DEFAULT '{}'`)
	return nil
}
