package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/orchestratord/internal/httpmw"
	"github.com/kandev/orchestratord/internal/logging"
)

// NewRouter builds the gin engine serving every endpoint of SPEC_FULL.md
// §6/§6A, wired with the teacher's CORS/RequestLogger middleware.
func NewRouter(h *Handler, log *logging.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log))
	router.Use(httpmw.CORS())

	router.GET("/health", h.Health)

	runs := router.Group("/runs")
	{
		runs.POST("", h.CreateRun)
		runs.GET("", h.ListRuns)
		runs.GET("/:id", h.GetRun)
		runs.POST("/:id/cancel", h.CancelRun)
		runs.GET("/:id/events", h.StreamEvents)
		runs.GET("/:id/tasks", h.ListTasks)
		runs.GET("/:id/results", h.ListResults)
		runs.GET("/:id/evidence", h.ListEvidence)
		runs.GET("/:id/artifacts", h.ListArtifacts)

		runs.GET("/:id/preview", h.GetPreview)
		runs.POST("/:id/preview/start", h.StartPreview)
		runs.POST("/:id/preview/stop", h.StopPreview)
		runs.Any("/:id/preview/*path", h.routePreviewProxy)
	}

	return router
}

// routePreviewProxy enforces the GET/HEAD-only proxy hardening property
// (testable property 10) before delegating to the supervisor's proxy.
func (h *Handler) routePreviewProxy(c *gin.Context) {
	switch c.Request.Method {
	case "GET", "HEAD":
		h.ProxyPreview(c)
	default:
		c.Header("Allow", "GET, HEAD")
		c.JSON(405, gin.H{"error": gin.H{"code": "method_not_allowed", "message": "preview proxy only accepts GET and HEAD"}})
	}
}
