package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/coordhub/hub/pkg/cursor"
	"github.com/coordhub/hub/pkg/hub"
	"github.com/coordhub/hub/pkg/waitloop"
)

// eventsHandler serves GET /events:
// hello with the initial cursor, update on every watermark advance,
// heartbeat every SSEHeartbeatSeconds of idle, cleanup on client
// disconnect. The update channel is one-way, so a Server-Sent Events
// stream is enough; no socket upgrade is needed.
func (s *Server) eventsHandler(c *gin.Context) {
	agentID := c.Query("agent_id")
	responseMode := c.Query("response_mode")
	if responseMode == "" {
		responseMode = "compact"
	}

	sel, herr := hub.ParseStreams(splitCSV(c.Query("streams")))
	if herr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error_code": herr.Code, "error": herr.Message})
		return
	}

	if token := c.Query("auth_token"); token != "" {
		if herr := s.hub.CheckAuthToken(c.Request.Context(), agentID, token); herr != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error_code": herr.Code, "error": herr.Message})
			return
		}
	}

	since, err := parseInitialCursor(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error_code": "CURSOR_INVALID", "error": err.Error()})
		return
	}

	pollMS, _ := strconv.ParseInt(c.Query("poll_ms"), 10, 64)
	pollInterval := time.Duration(pollMS) * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = s.cfg.MinPollIntervalMS
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "streaming unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	s.hub.IncSSEConnections()
	defer s.hub.DecSSEConnections()

	writeSSE(c.Writer, "hello", gin.H{"cursor": since.Format(), "watermark": since})
	flusher.Flush()

	heartbeat := s.cfg.SSEHeartbeatSeconds
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}

	ctx := c.Request.Context()
	streak := 0
	for {
		result, err := s.hub.WaitLoop.Wait(ctx, agentID, waitloop.Options{
			Streams: sel, Since: since,
			WaitFor:      heartbeat,
			PollInterval: pollInterval,
			MinWait:      0, MaxWait: heartbeat,
			MinPoll: s.cfg.MinPollIntervalMS, MaxPoll: s.cfg.MaxPollIntervalMS,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			writeSSE(c.Writer, "error", gin.H{"error": err.Error()})
			flusher.Flush()
			return
		}

		if result.Changed {
			streak = 0
			since = result.Cursor
			writeSSE(c.Writer, "update", hub.RenderWaitResult(responseMode, result, 0, sel))
		} else {
			streak++
			retryMS := s.hub.WaitLoop.NextRetry(streak).Milliseconds()
			writeSSE(c.Writer, "heartbeat", gin.H{"retry_after_ms": retryMS})
		}
		flusher.Flush()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInitialCursor(raw string) (cursor.Watermark, error) {
	if raw == "" {
		return cursor.Watermark{}, nil
	}
	return cursor.ParseWatermark(raw)
}
