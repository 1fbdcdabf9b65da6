// Package httpapi exposes the orchestrator's HTTP surface: run lifecycle,
// the SSE event stream, and the preview proxy. Handlers are thin: every
// invariant lives in the repository or the engine, and a handler's only
// job is to translate an HTTP request into a call and an apierr.Error
// into a response body.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/orchestratord/internal/adapter"
	"github.com/kandev/orchestratord/internal/apierr"
	"github.com/kandev/orchestratord/internal/engine"
	"github.com/kandev/orchestratord/internal/eventbus"
	"github.com/kandev/orchestratord/internal/logging"
	"github.com/kandev/orchestratord/internal/preview"
	"github.com/kandev/orchestratord/internal/repository"
)

// Handler holds every dependency the run HTTP surface needs.
type Handler struct {
	repo          *repository.Repository
	hub           *eventbus.Hub
	engine        *engine.Engine
	preview       *preview.Supervisor
	adapter       adapter.AgentAdapter
	allowMockRuns bool
	log           *logging.Logger
}

// New builds a Handler.
func New(repo *repository.Repository, hub *eventbus.Hub, eng *engine.Engine, prev *preview.Supervisor, ad adapter.AgentAdapter, allowMockRuns bool, log *logging.Logger) *Handler {
	return &Handler{
		repo:          repo,
		hub:           hub,
		engine:        eng,
		preview:       prev,
		adapter:       ad,
		allowMockRuns: allowMockRuns,
		log:           log.WithFields(zap.String("component", "httpapi")),
	}
}

// writeError renders err as the standard {"error": {...}} body, mapping
// plain (non-apierr) errors to 500 internal_error.
func writeError(c *gin.Context, err error) {
	if apiErr, ok := apierr.As(err); ok {
		c.JSON(apiErr.Status(), gin.H{"error": apiErr})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": apierr.New(http.StatusInternalServerError, apierr.CodeInternal, err.Error(), nil)})
}

// Health reports service liveness and adapter configuration.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":            true,
		"adapter":       h.adapter.Kind(),
		"allowMockRuns": h.allowMockRuns,
	})
}
