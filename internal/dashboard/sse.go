package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

// handleEvents streams the snapshot followed by every update until the
// client goes away or the orchestrator closes.
func (h *handlers) handleEvents(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	// Subscribe before the snapshot so nothing falls between them.
	updates, unsubscribe := h.ctl.Subscribe()
	defer unsubscribe()

	writeSSE(c.Writer, "snapshot", h.ctl.Snapshot())
	c.Writer.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case u, ok := <-updates:
			if !ok {
				writeSSE(c.Writer, "closed", map[string]string{"type": "closed"})
				c.Writer.Flush()
				return
			}
			writeSSE(c.Writer, string(u.Kind), u)
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
