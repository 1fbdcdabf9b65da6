package validate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func validPackageJSON() string {
	return `{
		"packageVersion": "0.1.0",
		"metadata": {"packageId": "pkg-1", "createdAt": "2026-07-31T00:00:00Z", "createdBy": "tester"},
		"objective": {
			"title": "Demo",
			"description": "demo objective",
			"doneCriteria": [{"id": "done", "description": "done", "requiredEvidenceTypes": ["log_excerpt"]}]
		},
		"agents": {
			"orchestrator": {"name": "orc", "model": "anthropic/claude", "systemPromptRef": "orc.md"},
			"worker": {"name": "wrk", "model": "anthropic/claude", "systemPromptRef": "wrk.md"}
		},
		"registries": {"skills": [{"id": "skill-1"}], "variables": []},
		"runPolicy": {
			"limits": {"maxOrchestratorIterations": 3, "maxWorkerIterations": 3, "maxRunWallClockMs": 600000},
			"retries": {"maxWorkerTaskRetries": 1, "maxMalformedOutputRetries": 1},
			"concurrency": {"maxWorkers": 2},
			"timeouts": {"workerTaskMs": 60000, "orchestratorStepMs": 60000},
			"budget": {"maxTokens": 100000, "maxCostUsd": 5.0},
			"determinism": {"enforceStageOrder": true, "requireStrictJson": true, "singleSessionPerRun": true}
		}
	}`
}

func TestValidate_AcceptsWellFormedPackage(t *testing.T) {
	result := Validate(json.RawMessage(validPackageJSON()))
	require.True(t, result.OK, "errors: %+v", result.Errors)
	require.NotNil(t, result.Value)
	require.Equal(t, "Demo", result.Value.Objective.Title)
}

func TestValidate_RejectsMissingTitle(t *testing.T) {
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(validPackageJSON()), &raw))
	raw["objective"].(map[string]any)["title"] = ""
	b, err := json.Marshal(raw)
	require.NoError(t, err)

	result := Validate(b)
	require.False(t, result.OK)
	require.Contains(t, pathsOf(result.Errors), "/objective/title")
}

func TestValidate_RejectsZeroMaxWorkers(t *testing.T) {
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(validPackageJSON()), &raw))
	raw["runPolicy"].(map[string]any)["concurrency"].(map[string]any)["maxWorkers"] = 0
	b, err := json.Marshal(raw)
	require.NoError(t, err)

	result := Validate(b)
	require.False(t, result.OK)
	require.Contains(t, pathsOf(result.Errors), "/runPolicy/concurrency/maxWorkers")
}

func TestValidate_RejectsMalformedModel(t *testing.T) {
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(validPackageJSON()), &raw))
	raw["agents"].(map[string]any)["orchestrator"].(map[string]any)["model"] = "no-slash-here"
	b, err := json.Marshal(raw)
	require.NoError(t, err)

	result := Validate(b)
	require.False(t, result.OK)
	require.Contains(t, pathsOf(result.Errors), "/agents/orchestrator/model")
}

func TestValidate_RejectsDuplicateDoneCriteriaIDs(t *testing.T) {
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(validPackageJSON()), &raw))
	obj := raw["objective"].(map[string]any)
	obj["doneCriteria"] = []any{
		map[string]any{"id": "done", "requiredEvidenceTypes": []string{}},
		map[string]any{"id": "done", "requiredEvidenceTypes": []string{}},
	}
	b, err := json.Marshal(raw)
	require.NoError(t, err)

	result := Validate(b)
	require.False(t, result.OK)
	require.Contains(t, pathsOf(result.Errors), "/objective/doneCriteria/1/id")
}

func TestValidate_RejectsMalformedJSON(t *testing.T) {
	result := Validate(json.RawMessage(`{not json`))
	require.False(t, result.OK)
	require.Len(t, result.Errors, 1)
}

func pathsOf(errs []FieldError) []string {
	paths := make([]string, len(errs))
	for i, e := range errs {
		paths[i] = e.Path
	}
	return paths
}

func TestParseChecklistIDs(t *testing.T) {
	md := "- [ ] task-1: do the thing\n* [x] task_2 another\nnot a checklist line\n- [ ] bad id with spaces\n"
	ids := ParseChecklistIDs(md)
	require.Equal(t, []string{"task-1", "task_2", "bad"}, ids)
}
