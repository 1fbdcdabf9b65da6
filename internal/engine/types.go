package engine

import (
	"context"
	"encoding/json"
	"fmt"
)

// planOutput is the parsed PLAN stage JSON payload.
type planOutput struct {
	ImplementationPlanMd string        `json:"implementationPlanMd"`
	Tasks                []planTaskRef `json:"tasks"`
	Summary              string        `json:"summary"`
}

type planTaskRef struct {
	TaskID      string `json:"taskId"`
	Description string `json:"description"`
}

// actOutput is the parsed ACT/FIX stage JSON payload (same shape per
// spec.md §4.6: "FIX (only if CHECK=fail): {workerDispatch, notes}").
type actOutput struct {
	WorkerDispatch []dispatchRef `json:"workerDispatch"`
	Notes          string        `json:"notes"`
}

type dispatchRef struct {
	TaskID string `json:"taskId"`
}

// checkOutput is the parsed CHECK stage JSON payload.
type checkOutput struct {
	Status         string   `json:"status"`
	FailedCriteria []string `json:"failedCriteria"`
	Summary        string   `json:"summary"`
}

// reportOutput is the parsed REPORT stage JSON payload.
type reportOutput struct {
	Summary   string          `json:"summary"`
	Artifacts []artifactEntry `json:"artifacts"`
}

type artifactEntry struct {
	Kind     string `json:"kind"`
	URI      string `json:"uri"`
	Checksum string `json:"checksum,omitempty"`
}

// workerOutput is the parsed worker-task JSON payload.
type workerOutput struct {
	ResultJSON json.RawMessage  `json:"resultJson"`
	Evidence   []evidenceOutput `json:"evidence"`
}

type evidenceOutput struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// runFailure is a sentinel error carrying one of the reason codes from
// spec.md §4.6's failure taxonomy. promptStage/dispatch helpers return it
// to signal the run (not just one stage call) must terminate as failed.
type runFailure struct {
	reason string
}

func (f *runFailure) Error() string { return f.reason }

func failRun(reason string, detail string) *runFailure {
	if detail != "" {
		return &runFailure{reason: fmt.Sprintf("%s: %s", reason, detail)}
	}
	return &runFailure{reason: reason}
}

// errRunCanceled is returned internally when a suspension point observes
// ctx.Err() or the run's cancelRequested flag, to short-circuit the stage
// machine without being mistaken for a runFailure.
var errRunCanceled = fmt.Errorf("run canceled")

// runContext is the engine's in-memory bookkeeping for one active run,
// discarded on terminal transition per spec.md §3 ("Ownership &
// lifecycle").
type runContext struct {
	runID  string
	cancel context.CancelFunc
	done   chan struct{}
}
