package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kandev/orchestratord/internal/apierr"
	"github.com/kandev/orchestratord/internal/domain"
)

const sseKeepalive = 15 * time.Second

// StreamEvents serves the run's event log as Server-Sent Events: replay
// of everything after Last-Event-ID, then live events, with a comment
// keepalive every 15s so idle connections aren't reaped by proxies.
// GET /runs/{id}/events
func (h *Handler) StreamEvents(c *gin.Context) {
	runID := c.Param("id")
	if !h.requireRunExists(c, runID) {
		return
	}

	since := parseLastEventID(c)
	sub, err := h.hub.Subscribe(runID, since)
	if err != nil {
		writeError(c, err)
		return
	}
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, apierr.New(http.StatusInternalServerError, apierr.CodeInternal, "streaming unsupported", nil))
		return
	}

	ctx := c.Request.Context()
	events := make(chan domain.Event)
	go func() {
		defer close(events)
		for {
			ev, ok := sub.Next(ctx)
			if !ok {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(sseKeepalive)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSEEvent(c.Writer, ev)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(c.Writer, ": ping\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev domain.Event) {
	fmt.Fprintf(w, "id: %d\n", ev.EventID)
	fmt.Fprintf(w, "event: %s\n", ev.Type)
	fmt.Fprintf(w, "data: %s\n\n", ev.Data)
}

func parseLastEventID(c *gin.Context) int64 {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("lastEventId")
	}
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
