package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/orchestratord/internal/apierr"
)

// GetPreview returns the current preview status for a run.
// GET /runs/{id}/preview
func (h *Handler) GetPreview(c *gin.Context) {
	runID := c.Param("id")
	if !h.requireRunExists(c, runID) {
		return
	}
	c.JSON(http.StatusOK, h.preview.Get(runID))
}

// StartPreview starts a run's declared preview process, if it has one.
// POST /runs/{id}/preview/start
func (h *Handler) StartPreview(c *gin.Context) {
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
	if run.OrchestrationPackage.Preview == nil || !run.OrchestrationPackage.Preview.Enabled {
		writeError(c, apierr.Conflict(apierr.CodePreviewDisabled, "this run's package does not declare a preview"))
		return
	}

	// Start failures (bad command, port allocation, etc) never fail the
	// request: they surface as state=error in the returned status, per
	// spec.md §7 ("Preview errors... never fail the run").
	status, _ := h.preview.Start(c.Request.Context(), runID, *run.OrchestrationPackage.Preview)
	c.JSON(http.StatusOK, status)
}

// StopPreview stops a run's preview process. Idempotent.
// POST /runs/{id}/preview/stop
func (h *Handler) StopPreview(c *gin.Context) {
	runID := c.Param("id")
	if !h.requireRunExists(c, runID) {
		return
	}
	c.JSON(http.StatusOK, h.preview.Stop(runID))
}

// ProxyPreview reverse-proxies a GET/HEAD request to the run's preview
// child process; POST/PUT/etc return 405 per spec.md's proxy hardening
// property.
// GET/HEAD /runs/{id}/preview/*path
func (h *Handler) ProxyPreview(c *gin.Context) {
	runID := c.Param("id")
	if !h.requireRunExists(c, runID) {
		return
	}
	h.preview.ProxyToRun(c.Writer, c.Request, runID)
}
