package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/orchestratord/internal/apierr"
	"github.com/kandev/orchestratord/internal/repository"
	"github.com/kandev/orchestratord/internal/validate"
)

// createRunRequest is the POST /runs body: an OrchestrationPackage plus
// optional free-form labels carried on the run row.
type createRunRequest struct {
	Labels map[string]string `json:"labels,omitempty"`
}

// stripLabelsField removes the request body's sibling "labels" key before
// handing the rest to validate.Validate, whose strict decoder rejects any
// field OrchestrationPackage doesn't declare.
func stripLabelsField(body []byte) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	if _, ok := fields["labels"]; !ok {
		return body, nil
	}
	delete(fields, "labels")
	return json.Marshal(fields)
}

// CreateRun validates and accepts a new OrchestrationPackage, creating a
// queued run and scheduling it for execution.
// POST /runs
func (h *Handler) CreateRun(c *gin.Context) {
	if h.adapter.Kind() == "mock" && !h.allowMockRuns {
		writeError(c, apierr.Conflict(apierr.CodeMockAdapterDisabled, "mock adapter runs are disabled"))
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		writeError(c, apierr.Invalid("could not read request body", nil))
		return
	}

	var req createRunRequest
	_ = json.Unmarshal(body, &req)

	packageBody, err := stripLabelsField(body)
	if err != nil {
		writeError(c, apierr.Invalid("could not read request body", nil))
		return
	}

	result := validate.Validate(packageBody)
	if !result.OK {
		writeError(c, apierr.Invalid("orchestration package failed validation", result.Errors))
		return
	}

	run, err := h.repo.CreateRun(*result.Value, req.Labels)
	if err != nil {
		writeError(c, err)
		return
	}

	ev, err := h.repo.AppendEvent(run.ID, "run.created", nil)
	if err != nil {
		h.log.Error("append run.created failed", zap.String("run_id", run.ID), zap.Error(err))
	} else {
		h.hub.Publish(*ev)
	}

	h.engine.Schedule(run.ID)

	c.JSON(http.StatusCreated, run)
}

// ListRuns returns a page of runs.
// GET /runs?status=&limit=&offset=
func (h *Handler) ListRuns(c *gin.Context) {
	filter := repository.ListRunsFilter{
		Status: c.Query("status"),
		Limit:  atoiOr(c.Query("limit"), 0),
		Offset: atoiOr(c.Query("offset"), 0),
	}
	runs, err := h.repo.ListRuns(filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// runDetail is the GET /runs/{id} response body: the run, its derived
// counters, and every sub-resource collection spec.md says it embeds.
type runDetail struct {
	Run           any `json:"run"`
	Counters      any `json:"counters"`
	Tasks         any `json:"tasks"`
	Results       any `json:"results"`
	Evidence      any `json:"evidence"`
	Artifacts     any `json:"artifacts"`
	LatestEventID int64 `json:"latestEventId"`
}

// GetRun returns a run's full detail view: run, counters, tasks, up to
// 200 results, evidence, and artifacts.
// GET /runs/{id}
func (h *Handler) GetRun(c *gin.Context) {
	runID := c.Param("id")
	run, err := h.repo.GetRun(runID)
	if err != nil {
		writeError(c, err)
		return
	}
	if run == nil {
		writeError(c, apierr.NotFound("run not found"))
		return
	}

	counters, err := h.repo.GetRunCounters(runID)
	if err != nil {
		writeError(c, err)
		return
	}
	tasks, err := h.repo.ListTasks(runID)
	if err != nil {
		writeError(c, err)
		return
	}
	results, err := h.repo.ListResults(runID, 200)
	if err != nil {
		writeError(c, err)
		return
	}
	evidence, err := h.repo.ListEvidence(runID)
	if err != nil {
		writeError(c, err)
		return
	}
	artifacts, err := h.repo.ListArtifacts(runID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, runDetail{
		Run: run, Counters: counters, Tasks: tasks, Results: results,
		Evidence: evidence, Artifacts: artifacts, LatestEventID: counters.LatestEventID,
	})
}

// CancelRun requests cancellation of a run.
// POST /runs/{id}/cancel
func (h *Handler) CancelRun(c *gin.Context) {
	runID := c.Param("id")
	run, err := h.engine.RequestCancel(runID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(c, apierr.NotFound("run not found"))
			return
		}
		if errors.Is(err, repository.ErrAlreadyTerminal) {
			writeError(c, apierr.Conflict(apierr.CodeAlreadyTerminal, "run has already reached a terminal status"))
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

// ListTasks returns every task dispatched for a run.
// GET /runs/{id}/tasks
func (h *Handler) ListTasks(c *gin.Context) {
	runID := c.Param("id")
	if !h.requireRunExists(c, runID) {
		return
	}
	tasks, err := h.repo.ListTasks(runID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// ListResults returns up to ?limit= results for a run, most recent first.
// GET /runs/{id}/results
func (h *Handler) ListResults(c *gin.Context) {
	runID := c.Param("id")
	if !h.requireRunExists(c, runID) {
		return
	}
	results, err := h.repo.ListResults(runID, atoiOr(c.Query("limit"), 0))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// ListEvidence returns every evidence item recorded for a run.
// GET /runs/{id}/evidence
func (h *Handler) ListEvidence(c *gin.Context) {
	runID := c.Param("id")
	if !h.requireRunExists(c, runID) {
		return
	}
	evidence, err := h.repo.ListEvidence(runID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evidence": evidence})
}

// ListArtifacts returns every artifact recorded for a run.
// GET /runs/{id}/artifacts
func (h *Handler) ListArtifacts(c *gin.Context) {
	runID := c.Param("id")
	if !h.requireRunExists(c, runID) {
		return
	}
	artifacts, err := h.repo.ListArtifacts(runID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": artifacts})
}

func (h *Handler) requireRunExists(c *gin.Context, runID string) bool {
	run, err := h.repo.GetRun(runID)
	if err != nil {
		writeError(c, err)
		return false
	}
	if run == nil {
		writeError(c, apierr.NotFound("run not found"))
		return false
	}
	return true
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
