// Package engine implements the run engine: the scheduler and fixed
// PLAN→ACT→CHECK→FIX→REPORT state machine that drives one run to a
// terminal status, enforcing the package's iteration/retry/budget/
// concurrency/determinism policy and emitting every state change through
// the repository's event log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kandev/orchestratord/internal/adapter"
	"github.com/kandev/orchestratord/internal/domain"
	"github.com/kandev/orchestratord/internal/eventbus"
	"github.com/kandev/orchestratord/internal/logging"
	"github.com/kandev/orchestratord/internal/preview"
	"github.com/kandev/orchestratord/internal/repository"
)

// defaultGlobalConcurrency bounds total worker concurrency across every
// active run, independent of any single run's concurrency.maxWorkers.
const defaultGlobalConcurrency = 64

// Engine schedules runs and drives each to a terminal status. One
// goroutine executes the stage machine per active run; a process-wide
// semaphore additionally bounds total worker concurrency across runs.
type Engine struct {
	repo    *repository.Repository
	hub     *eventbus.Hub
	preview *preview.Supervisor
	adapter adapter.AgentAdapter
	log     *logging.Logger
	workDir string

	globalSem *semaphore.Weighted

	mu     sync.Mutex
	active map[string]*runContext
}

// New builds an Engine. globalConcurrency<=0 falls back to
// defaultGlobalConcurrency. workDir, if set, is passed to the adapter as
// every session's default working directory.
func New(repo *repository.Repository, hub *eventbus.Hub, prev *preview.Supervisor, ad adapter.AgentAdapter, log *logging.Logger, globalConcurrency int64, workDir string) *Engine {
	if globalConcurrency <= 0 {
		globalConcurrency = defaultGlobalConcurrency
	}
	return &Engine{
		repo:      repo,
		hub:       hub,
		preview:   prev,
		adapter:   ad,
		log:       log,
		workDir:   workDir,
		globalSem: semaphore.NewWeighted(globalConcurrency),
		active:    make(map[string]*runContext),
	}
}

// runtimeState is the per-run working set threaded through the stage
// helpers; it is never persisted, matching spec.md §3's "Ownership &
// lifecycle" note that the engine's RunContext is discarded on terminal
// transition.
type runtimeState struct {
	run       *domain.Run
	pkg       domain.OrchestrationPackage
	sessionID string
	deadline  time.Time
	workerSem *semaphore.Weighted

	// planTasks and checklistIDs are populated by doPlan and consumed by
	// doAct/doFix to validate every dispatched taskId was actually
	// produced by the most recent PLAN (spec.md §4.4's provenance rule).
	planTasks    map[string]string
	checklistIDs map[string]bool
	planMarkdown string
}

// Schedule enqueues runID for execution. It is a no-op if the run is
// already active in this process. The caller (HTTP handler) is
// responsible for having created the run in status=queued beforehand.
func (e *Engine) Schedule(runID string) {
	e.mu.Lock()
	if _, exists := e.active[runID]; exists {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	rc := &runContext{runID: runID, cancel: cancel, done: make(chan struct{})}
	e.active[runID] = rc
	e.mu.Unlock()

	go e.execute(ctx, rc)
}

// RequestCancel flips the run's cancelRequested flag via the repository
// and, for a running engine-owned context, cancels it immediately so
// every suspension point observes cancellation within the spec's ~2s
// target instead of waiting for the next polling interval.
func (e *Engine) RequestCancel(runID string) (*domain.Run, error) {
	run, err := e.repo.RequestCancel(runID)
	if err != nil {
		return nil, err
	}
	e.emit(runID, "run.cancel.requested", nil)

	if run.Status == domain.RunQueued {
		updated, err := e.repo.UpdateRunStatus(runID, domain.RunCanceled, "canceled_by_user")
		if err != nil {
			return nil, err
		}
		e.emit(runID, "run.canceled", map[string]any{"reason": "canceled_by_user"})
		return updated, nil
	}

	e.mu.Lock()
	rc, ok := e.active[runID]
	e.mu.Unlock()
	if ok {
		rc.cancel()
	}
	return run, nil
}

// execute is the goroutine body for one active run: it recovers panics
// at the outermost boundary per spec.md §9 and always removes the run
// from the active set on return.
func (e *Engine) execute(ctx context.Context, rc *runContext) {
	defer func() {
		e.mu.Lock()
		delete(e.active, rc.runID)
		e.mu.Unlock()
		close(rc.done)
	}()
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("engine: recovered panic", zap.String("run_id", rc.runID), zap.Any("panic", p))
			e.finishRun(rc.runID, domain.RunFailed, fmt.Sprintf("internal_error: %v", p))
		}
	}()
	e.runLoop(ctx, rc)
}

func (e *Engine) runLoop(ctx context.Context, rc *runContext) {
	runID := rc.runID
	run, err := e.repo.GetRunOrThrow(runID)
	if err != nil {
		e.log.Error("engine: load run failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	pkg := run.OrchestrationPackage

	if _, err := e.repo.UpdateRunStatus(runID, domain.RunRunning, ""); err != nil {
		e.log.Error("engine: transition to running failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	e.emit(runID, "run.started", nil)

	deadline := time.Now().Add(time.Duration(pkg.RunPolicy.Limits.MaxRunWallClockMs) * time.Millisecond)

	var sessionID string
	if pkg.RunPolicy.Determinism.SingleSessionPerRun {
		sid, err := e.adapter.CreateSession(ctx, adapter.SessionConfig{
			Model:   pkg.Agents.Orchestrator.Model,
			WorkDir: e.workDir,
			Labels:  run.Labels,
		})
		if err != nil {
			e.finishRun(runID, domain.RunFailed, "session_create_failed: "+err.Error())
			return
		}
		sessionID = sid
		if err := e.repo.SetSessionID(runID, sessionID); err != nil {
			e.log.Warn("engine: set session id failed", zap.String("run_id", runID), zap.Error(err))
		}
	}

	rt := &runtimeState{
		run:       run,
		pkg:       pkg,
		sessionID: sessionID,
		deadline:  deadline,
		workerSem: semaphore.NewWeighted(int64(maxInt(pkg.RunPolicy.Concurrency.MaxWorkers, 1))),
	}

	for {
		if e.isCanceled(runID) {
			e.cancelRun(ctx, rt)
			return
		}
		if time.Now().After(deadline) {
			e.timeoutRun(runID)
			return
		}

		iter, err := e.repo.IncrementOrchestratorIterations(runID)
		if err != nil {
			e.finishRun(runID, domain.RunFailed, "internal_error: "+err.Error())
			return
		}
		if iter > pkg.RunPolicy.Limits.MaxOrchestratorIterations {
			e.finishRun(runID, domain.RunFailed, "max_orchestrator_iterations_exceeded")
			return
		}

		done, err := e.runIteration(ctx, rt)
		if err != nil {
			if errors.Is(err, errRunCanceled) {
				e.cancelRun(ctx, rt)
				return
			}
			var rf *runFailure
			if errors.As(err, &rf) {
				e.finishRun(runID, domain.RunFailed, rf.reason)
				return
			}
			e.finishRun(runID, domain.RunFailed, "internal_error: "+err.Error())
			return
		}
		if done {
			e.finishRun(runID, domain.RunSucceeded, "")
			return
		}
	}
}

// runIteration executes one PLAN→ACT→(CHECK→FIX)*→REPORT traversal.
func (e *Engine) runIteration(ctx context.Context, rt *runtimeState) (bool, error) {
	plan, err := e.doPlan(ctx, rt)
	if err != nil {
		return false, err
	}

	if err := e.doAct(ctx, rt, plan); err != nil {
		return false, err
	}

	const maxFixRounds = 5
	for round := 0; ; round++ {
		check, err := e.doCheck(ctx, rt)
		if err != nil {
			return false, err
		}
		if check.Status == "pass" {
			if missing := e.missingEvidenceTypes(rt); len(missing) > 0 {
				return false, failRun("evidence_missing", fmt.Sprintf("missing required evidence types: %v", missing))
			}
			break
		}
		if round >= maxFixRounds {
			return false, failRun("worker_fatal", "check did not pass after maximum fix rounds")
		}
		if err := e.doFix(ctx, rt, check); err != nil {
			return false, err
		}
	}

	if err := e.doReport(ctx, rt); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) finishRun(runID string, status domain.RunStatus, reason string) {
	if _, err := e.repo.UpdateRunStatus(runID, status, reason); err != nil {
		e.log.Error("engine: finish run transition failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	eventType := map[domain.RunStatus]string{
		domain.RunSucceeded: "run.succeeded",
		domain.RunFailed:    "run.failed",
		domain.RunCanceled:  "run.canceled",
		domain.RunTimedOut:  "run.timed_out",
	}[status]
	data := map[string]any{}
	if reason != "" {
		data["reason"] = reason
	}
	e.emit(runID, eventType, data)
	e.stopPreviewIfAuto(runID)
}

func (e *Engine) cancelRun(ctx context.Context, rt *runtimeState) {
	if rt.sessionID != "" {
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = e.adapter.CancelSession(cancelCtx, rt.sessionID)
		cancel()
	}
	e.finishRun(rt.run.ID, domain.RunCanceled, "canceled_by_user")
}

func (e *Engine) timeoutRun(runID string) {
	e.finishRun(runID, domain.RunTimedOut, "run_wall_clock_exceeded")
}

func (e *Engine) stopPreviewIfAuto(runID string) {
	if e.preview == nil {
		return
	}
	run, err := e.repo.GetRun(runID)
	if err != nil || run == nil {
		return
	}
	if run.OrchestrationPackage.Preview != nil && run.OrchestrationPackage.Preview.AutoStopOnTerminal {
		e.preview.Stop(runID)
	}
}

func (e *Engine) isCanceled(runID string) bool {
	run, err := e.repo.GetRun(runID)
	if err != nil || run == nil {
		return false
	}
	return run.CancelRequested
}

func (e *Engine) emit(runID, eventType string, data map[string]any) {
	ev, err := e.repo.AppendEvent(runID, eventType, data)
	if err != nil {
		e.log.Error("engine: append event failed", zap.String("run_id", runID), zap.String("type", eventType), zap.Error(err))
		return
	}
	e.hub.Publish(*ev)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
