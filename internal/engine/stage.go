package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestratord/internal/adapter"
	"github.com/kandev/orchestratord/internal/domain"
	"github.com/kandev/orchestratord/internal/engine/prompts"
	"github.com/kandev/orchestratord/internal/validate"
)

// doPlan runs the PLAN stage, keeps the parsed tasks in rt for dispatch
// (they are persisted as queued when dispatchWorkers picks them up), and
// records the checklist IDs parsed from implementationPlanMd for later
// provenance checks.
func (e *Engine) doPlan(ctx context.Context, rt *runtimeState) (*planOutput, error) {
	e.emit(rt.run.ID, "orchestrator.plan.started", nil)

	var out planOutput
	err := e.promptStage(ctx, rt, domain.StagePlan, rt.pkg.Agents.Orchestrator.Model, rt.pkg.RunPolicy.Timeouts.OrchestratorStepMs,
		func(retryHint string) string { return prompts.Plan(rt.pkg, retryHint) },
		func(raw string) error { return parseStrictJSON(raw, &out) },
	)
	if err != nil {
		return nil, err
	}

	checklist := validate.ParseChecklistIDs(out.ImplementationPlanMd)
	checklistSet := make(map[string]bool, len(checklist))
	for _, id := range checklist {
		checklistSet[id] = true
	}
	for _, t := range out.Tasks {
		if !checklistSet[t.TaskID] {
			return nil, failRun("invalid_task_id", fmt.Sprintf("plan task %q is not in the implementation plan checklist", t.TaskID))
		}
	}

	rt.planTasks = make(map[string]string, len(out.Tasks))
	for _, t := range out.Tasks {
		rt.planTasks[t.TaskID] = t.Description
	}
	rt.checklistIDs = checklistSet
	rt.planMarkdown = out.ImplementationPlanMd

	e.emit(rt.run.ID, "orchestrator.plan.completed", map[string]any{
		"output": map[string]any{
			"implementationPlanMd": out.ImplementationPlanMd,
			"tasks":                out.Tasks,
			"summary":              out.Summary,
		},
	})
	return &out, nil
}

// doAct runs the ACT stage and dispatches every task it names to a
// worker.
func (e *Engine) doAct(ctx context.Context, rt *runtimeState, plan *planOutput) error {
	e.emit(rt.run.ID, "orchestrator.act.started", nil)

	tasks := make([]prompts.TaskRef, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		tasks = append(tasks, prompts.TaskRef{TaskID: t.TaskID, Description: t.Description})
	}

	var out actOutput
	err := e.promptStage(ctx, rt, domain.StageAct, rt.pkg.Agents.Orchestrator.Model, rt.pkg.RunPolicy.Timeouts.OrchestratorStepMs,
		func(retryHint string) string { return prompts.Act(rt.pkg, rt.planMarkdown, tasks, retryHint) },
		func(raw string) error { return parseStrictJSON(raw, &out) },
	)
	if err != nil {
		return err
	}

	if err := e.validateDispatch(rt, out.WorkerDispatch); err != nil {
		return err
	}

	e.emit(rt.run.ID, "orchestrator.act.completed", map[string]any{
		"output": map[string]any{"workerDispatch": out.WorkerDispatch, "notes": out.Notes},
	})

	taskIDs := make([]string, 0, len(out.WorkerDispatch))
	for _, d := range out.WorkerDispatch {
		taskIDs = append(taskIDs, d.TaskID)
	}
	return e.dispatchWorkers(ctx, rt, taskIDs)
}

// doCheck runs the CHECK stage.
func (e *Engine) doCheck(ctx context.Context, rt *runtimeState) (*checkOutput, error) {
	e.emit(rt.run.ID, "orchestrator.check.started", nil)

	results, err := e.repo.ListResults(rt.run.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("list results for check: %w", err)
	}
	refs := make([]prompts.ResultRef, 0, len(results))
	for _, r := range results {
		refs = append(refs, prompts.ResultRef{TaskID: r.TaskID, Attempt: r.Attempt, OutputJSON: r.OutputJSON})
	}

	var out checkOutput
	err = e.promptStage(ctx, rt, domain.StageCheck, rt.pkg.Agents.Orchestrator.Model, rt.pkg.RunPolicy.Timeouts.OrchestratorStepMs,
		func(retryHint string) string { return prompts.Check(rt.pkg, refs, retryHint) },
		func(raw string) error { return parseStrictJSON(raw, &out) },
	)
	if err != nil {
		return nil, err
	}
	if out.Status != "pass" && out.Status != "fail" {
		return nil, failRun("malformed_orchestrator_output", "check stage status must be pass or fail")
	}

	e.emit(rt.run.ID, "orchestrator.check.completed", map[string]any{
		"output": map[string]any{"status": out.Status, "failedCriteria": out.FailedCriteria, "summary": out.Summary},
	})
	return &out, nil
}

// doFix runs the FIX stage and dispatches any additional workers it
// names.
func (e *Engine) doFix(ctx context.Context, rt *runtimeState, check *checkOutput) error {
	e.emit(rt.run.ID, "orchestrator.fix.started", nil)

	var out actOutput
	err := e.promptStage(ctx, rt, domain.StageFix, rt.pkg.Agents.Orchestrator.Model, rt.pkg.RunPolicy.Timeouts.OrchestratorStepMs,
		func(retryHint string) string { return prompts.Fix(rt.pkg, check.FailedCriteria, retryHint) },
		func(raw string) error { return parseStrictJSON(raw, &out) },
	)
	if err != nil {
		return err
	}

	if err := e.validateDispatch(rt, out.WorkerDispatch); err != nil {
		return err
	}

	e.emit(rt.run.ID, "orchestrator.fix.completed", map[string]any{
		"output": map[string]any{"workerDispatch": out.WorkerDispatch, "notes": out.Notes},
	})

	if len(out.WorkerDispatch) == 0 {
		return nil
	}
	taskIDs := make([]string, 0, len(out.WorkerDispatch))
	for _, d := range out.WorkerDispatch {
		taskIDs = append(taskIDs, d.TaskID)
	}
	return e.dispatchWorkers(ctx, rt, taskIDs)
}

// doReport runs the REPORT stage and records every artifact it names.
func (e *Engine) doReport(ctx context.Context, rt *runtimeState) error {
	e.emit(rt.run.ID, "orchestrator.report.started", nil)

	var out reportOutput
	err := e.promptStage(ctx, rt, domain.StageReport, rt.pkg.Agents.Orchestrator.Model, rt.pkg.RunPolicy.Timeouts.OrchestratorStepMs,
		func(retryHint string) string { return prompts.Report(rt.pkg, retryHint) },
		func(raw string) error { return parseStrictJSON(raw, &out) },
	)
	if err != nil {
		return err
	}

	e.emit(rt.run.ID, "orchestrator.report.completed", map[string]any{
		"output": map[string]any{"summary": out.Summary, "artifacts": out.Artifacts},
	})

	for i, a := range out.Artifacts {
		artifact := domain.Artifact{
			RunID:      rt.run.ID,
			ArtifactID: fmt.Sprintf("%s-artifact-%d", rt.run.ID, i+1),
			Kind:       a.Kind,
			URI:        a.URI,
			Checksum:   a.Checksum,
		}
		if err := e.repo.RecordArtifact(artifact); err != nil {
			return fmt.Errorf("record artifact: %w", err)
		}
		e.emit(rt.run.ID, "artifact.recorded", map[string]any{
			"artifactId": artifact.ArtifactID, "kind": artifact.Kind, "uri": artifact.URI,
		})
	}
	return nil
}

// validateDispatch rejects any dispatched taskId that did not appear in
// the most recent PLAN's parsed checklist, per spec.md §4.4.
func (e *Engine) validateDispatch(rt *runtimeState, dispatch []dispatchRef) error {
	for _, d := range dispatch {
		if !rt.checklistIDs[d.TaskID] {
			return failRun("invalid_task_id", fmt.Sprintf("dispatched taskId %q not present in the plan checklist", d.TaskID))
		}
	}
	return nil
}

// missingEvidenceTypes reports which of the package's required evidence
// types (union across all done criteria) have no matching Evidence row
// anywhere in the run yet. Per spec.md §9's Open Question resolution,
// the gate is evaluated cumulatively across the whole run rather than
// per iteration.
func (e *Engine) missingEvidenceTypes(rt *runtimeState) []string {
	required := make(map[string]bool)
	for _, dc := range rt.pkg.Objective.DoneCriteria {
		for _, t := range dc.RequiredEvidenceTypes {
			required[t] = true
		}
	}
	if len(required) == 0 {
		return nil
	}
	evidence, err := e.repo.ListEvidence(rt.run.ID)
	if err != nil {
		e.log.Warn("engine: list evidence for gate check failed", zap.Error(err))
		return nil
	}
	present := make(map[string]bool)
	for _, ev := range evidence {
		present[string(ev.Type)] = true
	}
	var missing []string
	for t := range required {
		if !present[t] {
			missing = append(missing, t)
		}
	}
	return missing
}

// promptStage drives one stage's malformed-output retry loop: it builds
// a prompt (carrying the previous attempt's parse error as a hint),
// collects the adapter's streamed text, and hands it to parse. Exceeding
// retries.maxMalformedOutputRetries surfaces malformed_orchestrator_output.
func (e *Engine) promptStage(ctx context.Context, rt *runtimeState, stage domain.Stage, model string, timeoutMs int64, buildPrompt func(retryHint string) string, parse func(raw string) error) error {
	maxAttempts := rt.pkg.RunPolicy.Retries.MaxMalformedOutputRetries + 1
	retryHint := ""
	var lastParseErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if e.isCanceled(rt.run.ID) {
			return errRunCanceled
		}
		prompt := buildPrompt(retryHint)
		text, err := e.promptAndCollect(ctx, rt, model, prompt, timeoutMs)
		if err != nil {
			return err
		}
		if parseErr := parse(text); parseErr != nil {
			lastParseErr = parseErr
			retryHint = parseErr.Error()
			continue
		}
		return nil
	}
	detail := fmt.Sprintf("stage=%s", stage)
	if lastParseErr != nil {
		detail += ": " + lastParseErr.Error()
	}
	return failRun("malformed_orchestrator_output", detail)
}

// parseStrictJSON unmarshals raw (trimmed of code-fence wrapping a model
// sometimes adds despite instructions) into target.
func parseStrictJSON(raw string, target any) error {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if trimmed == "" {
		return fmt.Errorf("empty response body")
	}
	if err := json.Unmarshal([]byte(trimmed), target); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// promptAndCollect sends one prompt on rt's session and accumulates the
// assistant's text chunks, applying budget accounting to every usage
// chunk it observes. A transport-level failure is retried once before
// surfacing adapter_unavailable.
func (e *Engine) promptAndCollect(ctx context.Context, rt *runtimeState, model, prompt string, timeoutMs int64) (string, error) {
	if err := e.checkBudget(rt); err != nil {
		return "", err
	}

	text, err := e.sendOnce(ctx, rt, model, prompt, timeoutMs)
	if err == nil {
		return text, nil
	}
	if isTerminalStageErr(err) {
		return "", err
	}

	// One retry for transport/IO failures per spec.md §7.
	text, err = e.sendOnce(ctx, rt, model, prompt, timeoutMs)
	if err == nil {
		return text, nil
	}
	if isTerminalStageErr(err) {
		return "", err
	}
	return "", failRun("adapter_unavailable", err.Error())
}

func isTerminalStageErr(err error) bool {
	if err == errRunCanceled {
		return true
	}
	_, ok := err.(*runFailure)
	return ok
}

func (e *Engine) checkBudget(rt *runtimeState) error {
	run, err := e.repo.GetRunOrThrow(rt.run.ID)
	if err != nil {
		return err
	}
	budget := rt.pkg.RunPolicy.Budget
	if budget.MaxTokens > 0 && run.BudgetTokensUsed >= budget.MaxTokens {
		return failRun("budget_exceeded", "token budget already exhausted")
	}
	if budget.MaxCostUsd > 0 && run.BudgetCostUsed >= budget.MaxCostUsd {
		return failRun("budget_exceeded", "cost budget already exhausted")
	}
	return nil
}

func (e *Engine) sendOnce(ctx context.Context, rt *runtimeState, model, prompt string, timeoutMs int64) (string, error) {
	stepCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	stream, err := e.adapter.SendPrompt(stepCtx, rt.sessionID, prompt, model, "")
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for {
		select {
		case item, ok := <-stream:
			if !ok {
				return text.String(), nil
			}
			if item.Err != nil {
				return "", item.Err
			}
			switch item.Chunk.Kind {
			case adapter.ChunkText:
				text.WriteString(item.Chunk.Text)
			case adapter.ChunkUsage:
				if item.Chunk.Usage == nil {
					continue
				}
				if err := e.applyUsage(rt, item.Chunk.Usage); err != nil {
					cancel()
					return "", err
				}
			}
		case <-stepCtx.Done():
			if ctx.Err() != nil && e.isCanceled(rt.run.ID) {
				return "", errRunCanceled
			}
			return "", fmt.Errorf("stage step timed out after %dms", timeoutMs)
		}
	}
}

func (e *Engine) applyUsage(rt *runtimeState, usage *adapter.Usage) error {
	tokens := usage.InputTokens + usage.OutputTokens
	if err := e.repo.AddBudget(rt.run.ID, tokens, usage.CostUsdDelta); err != nil {
		return fmt.Errorf("record budget usage: %w", err)
	}
	return e.checkBudget(rt)
}
