// Package prompts renders the five fixed orchestrator stage templates
// (PLAN/ACT/CHECK/FIX/REPORT) plus the worker task template. Each is a
// Go text/template string parameterized by the run's objective, done
// criteria, and prior-stage outputs; the engine never builds prompts by
// ad-hoc string concatenation.
package prompts

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/kandev/orchestratord/internal/domain"
)

var funcs = template.FuncMap{
	"join": strings.Join,
}

func render(name, body string, data any) string {
	tmpl := template.Must(template.New(name).Funcs(funcs).Parse(body))
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		// Template data is always built by this package from validated
		// domain types, so a render failure means a template/data
		// mismatch introduced by a code change, not bad input.
		panic("prompts: " + name + ": " + err.Error())
	}
	return buf.String()
}

// PackageView is the subset of an OrchestrationPackage every stage
// template can reference.
type PackageView struct {
	ObjectiveTitle       string
	ObjectiveDescription string
	DoneCriteria         []domain.DoneCriterion
	RequireStrictJSON    bool
}

func packageView(pkg domain.OrchestrationPackage) PackageView {
	return PackageView{
		ObjectiveTitle:       pkg.Objective.Title,
		ObjectiveDescription: pkg.Objective.Description,
		DoneCriteria:         pkg.Objective.DoneCriteria,
		RequireStrictJSON:    pkg.RunPolicy.Determinism.RequireStrictJson,
	}
}

const retryHintBlock = `{{if .RetryHint}}
The previous response could not be parsed: {{.RetryHint}}
Respond again with ONLY the JSON object described above, no prose, no code fences.
{{end}}`

const planBody = `STAGE=PLAN
Objective: {{.Pkg.ObjectiveTitle}}
{{.Pkg.ObjectiveDescription}}

Done criteria:
{{range .Pkg.DoneCriteria}}- {{.ID}}: {{.Description}} (requires evidence: {{join .RequiredEvidenceTypes ", "}})
{{end}}
Produce an implementation plan. {{if .Pkg.RequireStrictJSON}}Respond with strict JSON only, matching:
{"implementationPlanMd": string, "tasks": [{"taskId": string, "description": string}], "summary": string}
implementationPlanMd must contain one markdown checklist line per task, formatted as
"- [ ] <taskId>: <description>", using the same taskId values as the tasks array.{{end}}` + retryHintBlock

const actBody = `STAGE=ACT
Objective: {{.Pkg.ObjectiveTitle}}

Implementation plan:
{{.PlanMarkdown}}

Tasks available for dispatch:
{{range .Tasks}}- {{.TaskID}}: {{.Description}}
{{end}}
Decide which tasks to dispatch to workers this round. {{if .Pkg.RequireStrictJSON}}Respond with strict JSON only, matching:
{"workerDispatch": [{"taskId": string}], "notes": string}
Every taskId must be one of the tasks listed above.{{end}}` + retryHintBlock

const checkBody = `STAGE=CHECK
Objective: {{.Pkg.ObjectiveTitle}}

Done criteria:
{{range .Pkg.DoneCriteria}}- {{.ID}}: {{.Description}} (requires evidence: {{join .RequiredEvidenceTypes ", "}})
{{end}}
Worker results recorded for this run so far:
{{range .Results}}- {{.TaskID}} (attempt {{.Attempt}}): {{.OutputJSON}}
{{end}}
Evaluate whether the done criteria are satisfied. {{if .Pkg.RequireStrictJSON}}Respond with strict JSON only, matching:
{"status": "pass"|"fail", "failedCriteria": [string], "summary": string}{{end}}` + retryHintBlock

const fixBody = `STAGE=FIX
Objective: {{.Pkg.ObjectiveTitle}}

Failed criteria from the last check:
{{range .FailedCriteria}}- {{.}}
{{end}}
Decide what additional worker tasks will address the failures. {{if .Pkg.RequireStrictJSON}}Respond with strict JSON only, matching:
{"workerDispatch": [{"taskId": string}], "notes": string}{{end}}` + retryHintBlock

const reportBody = `STAGE=REPORT
Objective: {{.Pkg.ObjectiveTitle}}

The run has passed its done criteria. Summarize the work performed and list
artifacts produced. {{if .Pkg.RequireStrictJSON}}Respond with strict JSON only, matching:
{"summary": string, "artifacts": [{"kind": string, "uri": string, "checksum": string}]}{{end}}` + retryHintBlock

const workerTaskBody = `STAGE=WORKER_TASK
Task {{.TaskID}}: {{.TaskDescription}}

Objective: {{.Pkg.ObjectiveTitle}}
{{.Pkg.ObjectiveDescription}}

Perform the task and report your result. {{if .Pkg.RequireStrictJSON}}Respond with strict JSON only, matching:
{"resultJson": object, "evidence": [{"type": "log_excerpt"|"diff"|"file_ref"|"test_report"|"url", "payload": string}]}{{end}}` + retryHintBlock

// Plan renders the PLAN stage prompt.
func Plan(pkg domain.OrchestrationPackage, retryHint string) string {
	return render("plan", planBody, struct {
		Pkg       PackageView
		RetryHint string
	}{packageView(pkg), retryHint})
}

// TaskRef names one plan-produced task available for ACT/FIX to dispatch.
type TaskRef struct {
	TaskID      string
	Description string
}

// Act renders the ACT stage prompt.
func Act(pkg domain.OrchestrationPackage, planMarkdown string, tasks []TaskRef, retryHint string) string {
	return render("act", actBody, struct {
		Pkg          PackageView
		PlanMarkdown string
		Tasks        []TaskRef
		RetryHint    string
	}{packageView(pkg), planMarkdown, tasks, retryHint})
}

// ResultRef summarizes one worker result for the CHECK prompt.
type ResultRef struct {
	TaskID     string
	Attempt    int
	OutputJSON string
}

// Check renders the CHECK stage prompt.
func Check(pkg domain.OrchestrationPackage, results []ResultRef, retryHint string) string {
	return render("check", checkBody, struct {
		Pkg       PackageView
		Results   []ResultRef
		RetryHint string
	}{packageView(pkg), results, retryHint})
}

// Fix renders the FIX stage prompt.
func Fix(pkg domain.OrchestrationPackage, failedCriteria []string, retryHint string) string {
	return render("fix", fixBody, struct {
		Pkg            PackageView
		FailedCriteria []string
		RetryHint      string
	}{packageView(pkg), failedCriteria, retryHint})
}

// Report renders the REPORT stage prompt.
func Report(pkg domain.OrchestrationPackage, retryHint string) string {
	return render("report", reportBody, struct {
		Pkg       PackageView
		RetryHint string
	}{packageView(pkg), retryHint})
}

// WorkerTask renders the prompt sent to the worker agent for one task.
func WorkerTask(pkg domain.OrchestrationPackage, taskID, description, retryHint string) string {
	return render("worker_task", workerTaskBody, struct {
		Pkg             PackageView
		TaskID          string
		TaskDescription string
		RetryHint       string
	}{packageView(pkg), taskID, description, retryHint})
}
