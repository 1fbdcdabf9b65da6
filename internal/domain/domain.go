// Package domain holds the data model shared by the store, repository,
// engine and HTTP surface: the OrchestrationPackage input schema and the
// persisted Run/Task/Result/Evidence/Artifact/Event rows.
package domain

import "encoding/json"

// RunStatus is the high-level run lifecycle status.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
	RunTimedOut  RunStatus = "timed_out"
)

// Terminal reports whether s is one of the run's terminal statuses.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled, RunTimedOut:
		return true
	default:
		return false
	}
}

// legalRunTransitions enumerates the run-status edges allowed by the state
// machine in spec.md section 4.6. Anything not listed here is rejected by
// the repository's updateRunStatus.
var legalRunTransitions = map[RunStatus]map[RunStatus]bool{
	RunQueued: {
		RunRunning:  true,
		RunCanceled: true,
	},
	RunRunning: {
		RunSucceeded: true,
		RunFailed:    true,
		RunCanceled:  true,
		RunTimedOut:  true,
	},
}

// CanTransitionRun reports whether moving a run from `from` to `to` is a
// legal edge of the run state machine.
func CanTransitionRun(from, to RunStatus) bool {
	if from.Terminal() {
		return false
	}
	return legalRunTransitions[from][to]
}

// TaskStatus is the lifecycle status of a single dispatched worker task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// EvidenceType enumerates the kinds of supporting evidence a worker result
// may attach.
type EvidenceType string

const (
	EvidenceLogExcerpt EvidenceType = "log_excerpt"
	EvidenceDiff       EvidenceType = "diff"
	EvidenceFileRef    EvidenceType = "file_ref"
	EvidenceTestReport EvidenceType = "test_report"
	EvidenceURL        EvidenceType = "url"
)

// Stage is one of the five fixed orchestrator stages.
type Stage string

const (
	StagePlan   Stage = "plan"
	StageAct    Stage = "act"
	StageCheck  Stage = "check"
	StageFix    Stage = "fix"
	StageReport Stage = "report"
)

// DoneCriterion is a named predicate the run must satisfy, backed by at
// least one evidence item of each of its required types.
type DoneCriterion struct {
	ID                   string   `json:"id"`
	Description          string   `json:"description"`
	RequiredEvidenceTypes []string `json:"requiredEvidenceTypes"`
}

// AgentSpec configures one logical agent role (orchestrator or worker).
type AgentSpec struct {
	Name           string   `json:"name"`
	Model          string   `json:"model"`
	SystemPromptRef string  `json:"systemPromptRef"`
	Temperature    *float64 `json:"temperature,omitempty"`
}

// Objective describes what the run is meant to accomplish.
type Objective struct {
	Title        string                 `json:"title"`
	Description  string                 `json:"description"`
	Inputs       map[string]any         `json:"inputs,omitempty"`
	DoneCriteria []DoneCriterion        `json:"doneCriteria"`
}

// Registries are the ordered lookup lists an orchestrator package references.
type Registries struct {
	Skills    []RegistryEntry `json:"skills"`
	Variables []RegistryEntry `json:"variables"`
}

// RegistryEntry is one named entry of a skills or variables registry.
type RegistryEntry struct {
	ID    string `json:"id"`
	Value any    `json:"value,omitempty"`
}

// Limits bounds iteration counts and wall-clock duration.
type Limits struct {
	MaxOrchestratorIterations int   `json:"maxOrchestratorIterations"`
	MaxWorkerIterations       int   `json:"maxWorkerIterations"`
	MaxRunWallClockMs         int64 `json:"maxRunWallClockMs"`
}

// Retries bounds retry counts for worker tasks and malformed output.
type Retries struct {
	MaxWorkerTaskRetries       int `json:"maxWorkerTaskRetries"`
	MaxMalformedOutputRetries int `json:"maxMalformedOutputRetries"`
}

// Concurrency bounds the number of workers running at once for a run.
type Concurrency struct {
	MaxWorkers int `json:"maxWorkers"`
}

// Timeouts bounds how long a worker task or orchestrator step may run.
type Timeouts struct {
	WorkerTaskMs       int64 `json:"workerTaskMs"`
	OrchestratorStepMs int64 `json:"orchestratorStepMs"`
}

// Budget bounds adapter token/cost usage for the run.
type Budget struct {
	MaxTokens  int64   `json:"maxTokens"`
	MaxCostUsd float64 `json:"maxCostUsd"`
}

// Determinism toggles strictness knobs for the engine.
type Determinism struct {
	EnforceStageOrder  bool `json:"enforceStageOrder"`
	RequireStrictJson  bool `json:"requireStrictJson"`
	SingleSessionPerRun bool `json:"singleSessionPerRun"`
}

// RunPolicy bundles the limits/retries/concurrency/timeouts/budget/
// determinism knobs that govern one run.
type RunPolicy struct {
	Limits      Limits      `json:"limits"`
	Retries     Retries     `json:"retries"`
	Concurrency Concurrency `json:"concurrency"`
	Timeouts    Timeouts    `json:"timeouts"`
	Budget      Budget      `json:"budget"`
	Determinism Determinism `json:"determinism"`
}

// PreviewConfig configures the optional preview child process.
type PreviewConfig struct {
	Enabled           bool     `json:"enabled"`
	Command           string   `json:"command"`
	Args              []string `json:"args"`
	Cwd               string   `json:"cwd"`
	ReadyPath         string   `json:"readyPath"`
	AutoStopOnTerminal bool    `json:"autoStopOnTerminal"`
}

// PackageMetadata carries the package's own identity, separate from the run
// row's identity.
type PackageMetadata struct {
	PackageID string `json:"packageId"`
	CreatedAt string `json:"createdAt"`
	CreatedBy string `json:"createdBy"`
}

// Agents bundles the orchestrator and worker agent specs.
type Agents struct {
	Orchestrator AgentSpec `json:"orchestrator"`
	Worker       AgentSpec `json:"worker"`
}

// OrchestrationPackage is the immutable input accepted by POST /runs.
type OrchestrationPackage struct {
	PackageVersion string          `json:"packageVersion"`
	Metadata       PackageMetadata `json:"metadata"`
	Objective      Objective       `json:"objective"`
	Agents         Agents          `json:"agents"`
	Registries     Registries      `json:"registries"`
	RunPolicy      RunPolicy       `json:"runPolicy"`
	Preview        *PreviewConfig  `json:"preview,omitempty"`
}

// Run is the persisted row tracking one orchestration run end to end.
type Run struct {
	ID                string               `json:"id" db:"id"`
	Status            RunStatus            `json:"status" db:"status"`
	Reason            string               `json:"reason,omitempty" db:"reason"`
	CancelRequested   bool                 `json:"cancelRequested" db:"cancel_requested"`
	CreatedAt         string               `json:"createdAt" db:"created_at"`
	UpdatedAt         string               `json:"updatedAt" db:"updated_at"`
	StartedAt         *string              `json:"startedAt,omitempty" db:"started_at"`
	FinishedAt        *string              `json:"finishedAt,omitempty" db:"finished_at"`
	SessionID         string               `json:"sessionId,omitempty" db:"session_id"`
	BudgetTokensUsed  int64                `json:"budgetTokensUsed" db:"budget_tokens_used"`
	BudgetCostUsed    float64              `json:"budgetCostUsed" db:"budget_cost_used"`
	Labels            map[string]string    `json:"labels,omitempty" db:"-"`
	LabelsJSON        string               `json:"-" db:"labels_json"`
	PackageJSON       string               `json:"-" db:"package_json"`
	OrchestrationPackage OrchestrationPackage `json:"orchestrationPackage" db:"-"`
}

// MarshalPackage serializes r.OrchestrationPackage into r.PackageJSON, and
// r.Labels into r.LabelsJSON, ready for storage.
func (r *Run) MarshalPackage() error {
	b, err := json.Marshal(r.OrchestrationPackage)
	if err != nil {
		return err
	}
	r.PackageJSON = string(b)
	if r.Labels == nil {
		r.LabelsJSON = "{}"
		return nil
	}
	lb, err := json.Marshal(r.Labels)
	if err != nil {
		return err
	}
	r.LabelsJSON = string(lb)
	return nil
}

// UnmarshalPackage populates r.OrchestrationPackage from r.PackageJSON, and
// r.Labels from r.LabelsJSON, after a row is loaded from storage.
func (r *Run) UnmarshalPackage() error {
	if r.PackageJSON != "" {
		if err := json.Unmarshal([]byte(r.PackageJSON), &r.OrchestrationPackage); err != nil {
			return err
		}
	}
	if r.LabelsJSON != "" {
		if err := json.Unmarshal([]byte(r.LabelsJSON), &r.Labels); err != nil {
			return err
		}
	}
	return nil
}

// Task is one dispatched worker unit of work.
type Task struct {
	RunID       string     `json:"runId" db:"run_id"`
	TaskID      string     `json:"taskId" db:"task_id"`
	Description string     `json:"description" db:"description"`
	Status      TaskStatus `json:"status" db:"status"`
	Attempts    int        `json:"attempts" db:"attempts"`
	LastError   string     `json:"lastError,omitempty" db:"last_error"`
	CreatedAt   string     `json:"createdAt" db:"created_at"`
	UpdatedAt   string     `json:"updatedAt" db:"updated_at"`
}

// Result is one (task, attempt) worker output.
type Result struct {
	RunID         string   `json:"runId" db:"run_id"`
	TaskID        string   `json:"taskId" db:"task_id"`
	Attempt       int      `json:"attempt" db:"attempt"`
	OutputJSON    string   `json:"outputJson" db:"output_json"`
	EvidenceIDs   []string `json:"evidenceIds" db:"-"`
	EvidenceIDsJSON string `json:"-" db:"evidence_ids_json"`
	CreatedAt     string   `json:"createdAt" db:"created_at"`
}

// Evidence is one piece of supporting material recorded against a run and
// optionally a task.
type Evidence struct {
	RunID        string       `json:"runId" db:"run_id"`
	EvidenceID   string       `json:"evidenceId" db:"evidence_id"`
	Type         EvidenceType `json:"type" db:"type"`
	Payload      string       `json:"payload" db:"payload"`
	LinkedTaskID string       `json:"linkedTaskId,omitempty" db:"linked_task_id"`
	CreatedAt    string       `json:"createdAt" db:"created_at"`
}

// Artifact is one produced output of the run, typically recorded during
// REPORT.
type Artifact struct {
	RunID      string `json:"runId" db:"run_id"`
	ArtifactID string `json:"artifactId" db:"artifact_id"`
	Kind       string `json:"kind" db:"kind"`
	URI        string `json:"uri" db:"uri"`
	Checksum   string `json:"checksum,omitempty" db:"checksum"`
	CreatedAt  string `json:"createdAt" db:"created_at"`
}

// Event is one append-only, globally ordered log entry.
type Event struct {
	RunID   string `json:"runId" db:"run_id"`
	EventID int64  `json:"eventId" db:"event_id"`
	Type    string `json:"type" db:"type"`
	Data    string `json:"data" db:"data"`
	Ts      string `json:"ts" db:"ts"`
}

// RunCounters are the derived, Repository-maintained rollups for a run.
type RunCounters struct {
	RunID                  string `json:"-" db:"run_id"`
	OrchestratorIterations int    `json:"orchestratorIterations" db:"orchestrator_iterations"`
	WorkersSpawned         int    `json:"workersSpawned" db:"workers_spawned"`
	WorkerFailures         int    `json:"workerFailures" db:"worker_failures"`
	EvidenceItems          int    `json:"evidenceItems" db:"evidence_items"`
	LatestEventID          int64  `json:"latestEventId" db:"latest_event_id"`
}
