package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	stateStreamPollInterval = 500 * time.Millisecond
	stateStreamKeepAlive    = 15 * time.Second
)

type stateEvent struct {
	State string `json:"state"`
	Busy  bool   `json:"busy"`
}

// StreamState pushes orchestrator state changes via SSE so a UI can show
// whether the backend is occupied without polling /health.
func (h *Handler) StreamState(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "streaming unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	last := h.currentState()
	if !writeStateEvent(c.Writer, flusher, last) {
		return
	}

	ticker := time.NewTicker(stateStreamPollInterval)
	defer ticker.Stop()
	keepAliveTicker := time.NewTicker(stateStreamKeepAlive)
	defer keepAliveTicker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			latest := h.currentState()
			if latest != last {
				if !writeStateEvent(c.Writer, flusher, latest) {
					return
				}
				last = latest
			}
		case <-keepAliveTicker.C:
			if _, err := fmt.Fprintf(c.Writer, "event: ping\ndata: {}\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) currentState() stateEvent {
	return stateEvent{State: string(h.generator.State()), Busy: h.generator.Busy()}
}

func writeStateEvent(w http.ResponseWriter, flusher http.Flusher, ev stateEvent) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
