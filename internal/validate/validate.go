// Package validate implements the pure OrchestrationPackage validator:
// it rejects missing or ill-typed fields with precise JSON-pointer-style
// paths instead of panicking or returning a single flat error message.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kandev/orchestratord/internal/domain"
)

// checklistIDPattern matches an implementation-plan checklist line; the
// captured group is the task ID.
var checklistIDPattern = regexp.MustCompile(`^[-*]\s+\[[ xX]\]\s+([A-Za-z][A-Za-z0-9_-]{0,31})(?:\b|:)`)

var modelPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+/[a-zA-Z0-9_.:-]+$`)

// FieldError describes one invalid field.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Path, e.Message) }

// Result is the outcome of Validate.
type Result struct {
	OK     bool                        `json:"ok"`
	Value  *domain.OrchestrationPackage `json:"value,omitempty"`
	Errors []FieldError                `json:"errors,omitempty"`
}

// Validate parses and validates raw as an OrchestrationPackage.
func Validate(raw json.RawMessage) Result {
	var pkg domain.OrchestrationPackage
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&pkg); err != nil {
		path := ""
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			path = "/" + strings.ReplaceAll(typeErr.Field, ".", "/")
		}
		return Result{Errors: []FieldError{{Path: path, Message: "malformed package JSON: " + err.Error()}}}
	}

	var errs []FieldError
	check := func(cond bool, path, message string) {
		if !cond {
			errs = append(errs, FieldError{Path: path, Message: message})
		}
	}

	check(pkg.PackageVersion != "", "/packageVersion", "required")
	check(pkg.Objective.Title != "", "/objective/title", "required")

	seenDoneCriteria := make(map[string]bool)
	for i, dc := range pkg.Objective.DoneCriteria {
		path := fmt.Sprintf("/objective/doneCriteria/%d", i)
		check(dc.ID != "", path+"/id", "required")
		if dc.ID != "" {
			check(!seenDoneCriteria[dc.ID], path+"/id", "duplicate doneCriteria id")
			seenDoneCriteria[dc.ID] = true
		}
		for j, et := range dc.RequiredEvidenceTypes {
			check(isValidEvidenceType(et), fmt.Sprintf("%s/requiredEvidenceTypes/%d", path, j), "unknown evidence type")
		}
	}

	validateAgentSpec(pkg.Agents.Orchestrator, "/agents/orchestrator", check)
	validateAgentSpec(pkg.Agents.Worker, "/agents/worker", check)

	seenSkills := make(map[string]bool)
	for i, s := range pkg.Registries.Skills {
		path := fmt.Sprintf("/registries/skills/%d/id", i)
		check(s.ID != "", path, "required")
		if s.ID != "" {
			check(!seenSkills[s.ID], path, "duplicate skill id")
			seenSkills[s.ID] = true
		}
	}

	limits := pkg.RunPolicy.Limits
	check(limits.MaxOrchestratorIterations >= 1, "/runPolicy/limits/maxOrchestratorIterations", "must be >= 1")
	check(limits.MaxWorkerIterations >= 1, "/runPolicy/limits/maxWorkerIterations", "must be >= 1")
	check(limits.MaxRunWallClockMs > 0, "/runPolicy/limits/maxRunWallClockMs", "must be positive")

	retries := pkg.RunPolicy.Retries
	check(retries.MaxWorkerTaskRetries >= 0, "/runPolicy/retries/maxWorkerTaskRetries", "must be >= 0")
	check(retries.MaxMalformedOutputRetries >= 0, "/runPolicy/retries/maxMalformedOutputRetries", "must be >= 0")

	check(pkg.RunPolicy.Concurrency.MaxWorkers >= 1, "/runPolicy/concurrency/maxWorkers", "must be >= 1")

	timeouts := pkg.RunPolicy.Timeouts
	check(timeouts.WorkerTaskMs > 0, "/runPolicy/timeouts/workerTaskMs", "must be positive")
	check(timeouts.OrchestratorStepMs > 0, "/runPolicy/timeouts/orchestratorStepMs", "must be positive")

	budget := pkg.RunPolicy.Budget
	check(budget.MaxTokens >= 0, "/runPolicy/budget/maxTokens", "must be >= 0")
	check(budget.MaxCostUsd >= 0, "/runPolicy/budget/maxCostUsd", "must be >= 0")

	if pkg.Preview != nil && pkg.Preview.Enabled {
		check(pkg.Preview.Command != "", "/preview/command", "required when preview.enabled")
		check(pkg.Preview.ReadyPath != "", "/preview/readyPath", "required when preview.enabled")
	}

	if len(errs) > 0 {
		return Result{Errors: errs}
	}
	return Result{OK: true, Value: &pkg}
}

func validateAgentSpec(spec domain.AgentSpec, path string, check func(cond bool, path, message string)) {
	check(spec.Name != "", path+"/name", "required")
	check(spec.Model != "", path+"/model", "required")
	if spec.Model != "" {
		check(modelPattern.MatchString(spec.Model), path+"/model", `must match "<provider>/<id>"`)
	}
	check(spec.SystemPromptRef != "", path+"/systemPromptRef", "required")
}

func isValidEvidenceType(t string) bool {
	switch domain.EvidenceType(t) {
	case domain.EvidenceLogExcerpt, domain.EvidenceDiff, domain.EvidenceFileRef, domain.EvidenceTestReport, domain.EvidenceURL:
		return true
	default:
		return false
	}
}

// ParseChecklistIDs extracts every implementation-plan checklist task ID
// from markdown, in document order, de-duplicated.
func ParseChecklistIDs(markdown string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(markdown, "\n") {
		m := checklistIDPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		id := m[1]
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}
