package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/orchestratord/internal/domain"
	"github.com/kandev/orchestratord/internal/engine/prompts"
)

// dispatchWorkers runs taskIDs concurrently, bounded by both the run's
// own worker semaphore (concurrency.maxWorkers) and the engine's
// process-wide semaphore. It waits for every task's outcome before
// returning, matching spec.md §4.6 ("their completions are collected
// before the stage proceeds to CHECK").
func (e *Engine) dispatchWorkers(ctx context.Context, rt *runtimeState, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	var fatal atomic.Bool
	var fatalMsg atomic.Pointer[string]

	for _, taskID := range taskIDs {
		description := rt.planTasks[taskID]

		if err := e.repo.RecordTask(domain.Task{
			RunID: rt.run.ID, TaskID: taskID, Description: description, Status: domain.TaskQueued,
		}); err != nil {
			return fmt.Errorf("record task: %w", err)
		}
		e.emit(rt.run.ID, "worker.task.created", map[string]any{"taskId": taskID})

		if e.isCanceled(rt.run.ID) {
			return errRunCanceled
		}

		if err := rt.workerSem.Acquire(ctx, 1); err != nil {
			return errRunCanceled
		}
		if err := e.globalSem.Acquire(ctx, 1); err != nil {
			rt.workerSem.Release(1)
			return errRunCanceled
		}

		wg.Add(1)
		go func(taskID, description string) {
			defer wg.Done()
			defer rt.workerSem.Release(1)
			defer e.globalSem.Release(1)

			outcome := e.runWorkerTask(ctx, rt, taskID, description)
			if outcome == workerOutcomeFatal {
				fatal.Store(true)
				msg := fmt.Sprintf("worker task %q failed fatally while persisting its state", taskID)
				fatalMsg.Store(&msg)
			}
		}(taskID, description)
	}

	wg.Wait()

	if e.isCanceled(rt.run.ID) {
		return errRunCanceled
	}
	if fatal.Load() {
		msg := "worker task failed fatally"
		if p := fatalMsg.Load(); p != nil {
			msg = *p
		}
		return failRun("worker_fatal", msg)
	}
	return nil
}

type workerOutcome int

const (
	workerOutcomeOK workerOutcome = iota
	workerOutcomeFailed
	workerOutcomeFatal
)

// runWorkerTask drives one task through its attempt/retry loop: prompt
// the worker agent, parse {resultJson, evidence[]}, and record a Result
// or a retry per spec.md §4.6 step 7. It does not check a result's
// evidence against the done criteria's required types: any parsed result
// is recorded as a success. The required types are checked only run-wide,
// by missingEvidenceTypes after CHECK passes.
func (e *Engine) runWorkerTask(ctx context.Context, rt *runtimeState, taskID, description string) workerOutcome {
	if err := e.repo.RecordTask(domain.Task{
		RunID: rt.run.ID, TaskID: taskID, Description: description, Status: domain.TaskRunning,
	}); err != nil {
		e.log.Error("engine: record task running failed", zap.String("task_id", taskID), zap.Error(err))
		return workerOutcomeFatal
	}
	e.emit(rt.run.ID, "worker.task.started", map[string]any{"taskId": taskID})

	maxAttempts := rt.pkg.RunPolicy.Retries.MaxWorkerTaskRetries + 1
	retryHint := ""

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if e.isCanceled(rt.run.ID) {
			return workerOutcomeFailed
		}

		prompt := prompts.WorkerTask(rt.pkg, taskID, description, retryHint)
		text, err := e.promptAndCollect(ctx, rt, rt.pkg.Agents.Worker.Model, prompt, rt.pkg.RunPolicy.Timeouts.WorkerTaskMs)
		if err != nil {
			if err == errRunCanceled {
				return workerOutcomeFailed
			}
			if _, ok := err.(*runFailure); ok {
				return e.recordWorkerAttemptFailure(rt, taskID, attempt, err.Error())
			}
			retryHint = err.Error()
			continue
		}

		var out workerOutput
		if parseErr := parseStrictJSON(text, &out); parseErr != nil {
			retryHint = parseErr.Error()
			if attempt == maxAttempts {
				return e.recordWorkerAttemptFailure(rt, taskID, attempt, "malformed worker output: "+parseErr.Error())
			}
			continue
		}

		evidenceIDs, evErr := e.recordTaskEvidence(rt, taskID, out.Evidence)
		if evErr != nil {
			e.log.Error("engine: record evidence failed", zap.String("task_id", taskID), zap.Error(evErr))
			return workerOutcomeFatal
		}

		resultJSON := string(out.ResultJSON)
		if resultJSON == "" {
			resultJSON = "{}"
		}
		if err := e.repo.RecordResult(domain.Result{
			RunID: rt.run.ID, TaskID: taskID, Attempt: attempt, OutputJSON: resultJSON, EvidenceIDs: evidenceIDs,
		}); err != nil {
			e.log.Error("engine: record result failed", zap.String("task_id", taskID), zap.Error(err))
			return workerOutcomeFatal
		}

		if err := e.repo.RecordTask(domain.Task{
			RunID: rt.run.ID, TaskID: taskID, Description: description, Status: domain.TaskSucceeded, Attempts: attempt,
		}); err != nil {
			e.log.Error("engine: record task succeeded failed", zap.String("task_id", taskID), zap.Error(err))
		}
		e.emit(rt.run.ID, "worker.task.completed", map[string]any{"taskId": taskID, "attempt": attempt})
		return workerOutcomeOK
	}

	return e.recordWorkerAttemptFailure(rt, taskID, maxAttempts, "exhausted retries")
}

// recordTaskEvidence persists every evidence item a worker's result
// attached, linked to taskID.
func (e *Engine) recordTaskEvidence(rt *runtimeState, taskID string, items []evidenceOutput) ([]string, error) {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ev := domain.Evidence{
			RunID:        rt.run.ID,
			EvidenceID:   uuid.NewString(),
			Type:         domain.EvidenceType(item.Type),
			Payload:      item.Payload,
			LinkedTaskID: taskID,
		}
		if err := e.repo.RecordEvidence(ev); err != nil {
			return nil, err
		}
		ids = append(ids, ev.EvidenceID)
		e.emit(rt.run.ID, "evidence.recorded", map[string]any{
			"evidenceId": ev.EvidenceID, "type": ev.Type, "taskId": taskID,
		})
	}
	return ids, nil
}

// recordWorkerAttemptFailure marks the task failed, bumps the run's
// derived worker_failures counter, and emits worker.task.failed. It
// always returns workerOutcomeFailed: a single exhausted task does not
// fail the run by itself (CHECK decides, per spec.md §4.6 step 8).
func (e *Engine) recordWorkerAttemptFailure(rt *runtimeState, taskID string, attempts int, lastError string) workerOutcome {
	if err := e.repo.RecordTask(domain.Task{
		RunID: rt.run.ID, TaskID: taskID, Status: domain.TaskFailed, Attempts: attempts, LastError: lastError,
	}); err != nil {
		e.log.Error("engine: record task failed failed", zap.String("task_id", taskID), zap.Error(err))
	}
	if err := e.repo.RecordWorkerFailure(rt.run.ID); err != nil {
		e.log.Error("engine: record worker failure counter failed", zap.String("task_id", taskID), zap.Error(err))
	}
	e.emit(rt.run.ID, "worker.task.failed", map[string]any{"taskId": taskID, "attempts": attempts, "error": lastError})
	return workerOutcomeFailed
}

