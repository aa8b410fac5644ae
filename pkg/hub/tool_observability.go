package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coordhub/hub/pkg/cursor"
	"github.com/coordhub/hub/pkg/herrors"
	"github.com/coordhub/hub/pkg/metrics"
	"github.com/coordhub/hub/pkg/waitloop"
)

type getActivityLogRequest struct {
	Kind    string `json:"kind"`
	AgentID string `json:"agent_id"`
	TaskID  *int64 `json:"task_id"`
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
}

func handleGetActivityLog(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req getActivityLogRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	rows, err := s.listActivity(ctx, req.Kind, req.AgentID, req.TaskID, req.Limit, req.Offset)
	if err != nil {
		return nil, herrors.New(herrors.CodeInternal, err.Error())
	}
	return map[string]any{"entries": rows}, nil
}

// kpiSnapshot computes the plain-value counts backing both
// get_kpi_snapshot and the hub_* Prometheus gauges. Computed fresh on every call; it is a point-in-time
// read, not cached like ClockWatermarks.
func (s *Server) kpiSnapshot(ctx context.Context) (metrics.Snapshot, error) {
	var snap metrics.Snapshot
	counts := []struct {
		query string
		dst   *float64
	}{
		{`SELECT COUNT(*) FROM tasks WHERE status='pending'`, &snap.TasksPending},
		{`SELECT COUNT(*) FROM tasks WHERE status='in_progress'`, &snap.TasksInProgress},
		{`SELECT COUNT(*) FROM tasks WHERE status='done'`, &snap.TasksDone},
		{`SELECT COUNT(*) FROM tasks WHERE status='blocked'`, &snap.TasksBlocked},
		{`SELECT COUNT(*) FROM agents WHERE status='online'`, &snap.AgentsOnline},
		{`SELECT COUNT(*) FROM slo_alerts WHERE resolved_at IS NULL`, &snap.OpenSLOAlerts},
	}
	for _, c := range counts {
		var n int64
		if err := s.st.Reader().GetContext(ctx, &n, c.query); err != nil {
			return snap, err
		}
		*c.dst = float64(n)
	}
	var activeClaims int64
	if err := s.st.Reader().GetContext(ctx, &activeClaims, `
		SELECT COUNT(*) FROM task_claims WHERE lease_expires_at > ?`, s.now()); err != nil {
		return snap, err
	}
	snap.ClaimsActive = float64(activeClaims)
	snap.SSEConnections = float64(s.sseConnectionCount())
	snap.LongPollWaiters = float64(s.longPollWaiterCount())
	return snap, nil
}

func (s *Server) sseConnectionCount() int64  { return readAtomic(&s.sseConnections) }
func (s *Server) longPollWaiterCount() int64 { return readAtomic(&s.longPollWaiters) }

// SSEConnectionCount/LongPollWaiterCount/KPISnapshot are pkg/api's
// read-only window into the counters and query this package already
// maintains for get_transport_snapshot/get_kpi_snapshot, so /health
// doesn't need its own copy of either.
func (s *Server) SSEConnectionCount() int64  { return s.sseConnectionCount() }
func (s *Server) LongPollWaiterCount() int64 { return s.longPollWaiterCount() }
func (s *Server) KPISnapshot(ctx context.Context) (metrics.Snapshot, error) {
	return s.kpiSnapshot(ctx)
}

func handleGetKPISnapshot(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	snap, err := s.kpiSnapshot(ctx)
	if err != nil {
		return nil, herrors.New(herrors.CodeInternal, err.Error())
	}
	s.Metrics.Apply(snap)
	return map[string]any{"snapshot": snap}, nil
}

func handleGetTransportSnapshot(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	return map[string]any{
		"sse_connections":   s.sseConnectionCount(),
		"long_poll_waiters": s.longPollWaiterCount(),
	}, nil
}

type waitForUpdatesRequest struct {
	AgentID          string  `json:"agent_id"`
	Streams          []string `json:"streams"`
	Cursor           string  `json:"cursor"`
	MessagesSinceTS  *int64  `json:"messages_since_ts"`
	TasksSinceTS     *int64  `json:"tasks_since_ts"`
	ContextSinceTS   *int64  `json:"context_since_ts"`
	ActivitySinceTS  *int64  `json:"activity_since_ts"`
	WaitMS           int64   `json:"wait_ms"`
	PollIntervalMS   int64   `json:"poll_interval_ms"`
	ResponseMode     string  `json:"response_mode"`
}

func parseStreamSelection(names []string) (waitloop.Streams, *herrors.Error) {
	return ParseStreams(names)
}

// ParseStreams validates a stream-name list against the four known
// watermark streams. Exported
// for pkg/api's /events query-string parsing.
func ParseStreams(names []string) (waitloop.Streams, *herrors.Error) {
	if len(names) == 0 {
		return waitloop.AllStreams(), nil
	}
	var sel waitloop.Streams
	for _, n := range names {
		switch n {
		case "messages":
			sel.Messages = true
		case "tasks":
			sel.Tasks = true
		case "context":
			sel.Context = true
		case "activity":
			sel.Activity = true
		default:
			return sel, herrors.WithDetail(herrors.CodeStreamsInvalid, "unknown stream name", map[string]any{"stream": n})
		}
	}
	return sel, nil
}

func handleWaitForUpdates(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req waitForUpdatesRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	if req.ResponseMode == "full" {
		return nil, herrors.New(herrors.CodeFullModeForbiddenInPolling, "response_mode=full is only available over the /events SSE stream")
	}
	sel, herr := parseStreamSelection(req.Streams)
	if herr != nil {
		return nil, herr
	}

	var since cursor.Watermark
	if req.Cursor != "" {
		wm, err := cursor.ParseWatermark(req.Cursor)
		if err != nil {
			return nil, err.(*herrors.Error)
		}
		since = wm
	} else {
		if req.MessagesSinceTS != nil {
			since.Messages = *req.MessagesSinceTS
		}
		if req.TasksSinceTS != nil {
			since.Tasks = *req.TasksSinceTS
		}
		if req.ContextSinceTS != nil {
			since.Context = *req.ContextSinceTS
		}
		if req.ActivitySinceTS != nil {
			since.Activity = *req.ActivitySinceTS
		}
	}

	s.IncLongPollWaiters()
	defer s.DecLongPollWaiters()

	result, err := s.WaitLoop.Wait(ctx, req.AgentID, waitloop.Options{
		Streams: sel, Since: since,
		WaitFor:      time.Duration(req.WaitMS) * time.Millisecond,
		PollInterval: time.Duration(req.PollIntervalMS) * time.Millisecond,
		MinWait: s.cfg.MinWaitMS, MaxWait: s.cfg.MaxWaitMS,
		MinPoll: s.cfg.MinPollIntervalMS, MaxPoll: s.cfg.MaxPollIntervalMS,
	})
	if err != nil {
		return nil, herrors.New(herrors.CodeInternal, err.Error())
	}

	streak := s.waitStreak(req.AgentID, result.Changed)
	var retryMS int64
	if !result.Changed {
		retryMS = s.WaitLoop.NextRetry(streak).Milliseconds()
	}
	return waitResponseFields(req.ResponseMode, result, retryMS, sel), nil
}

// waitResponseFields renders the Wait result at the requested size
// tier (nano, micro, tiny, compact, full; compact is the default).
// Each tier is a strict superset of the previous one's information at
// increasing key verbosity; "full" is rejected above for the polling
// tool (FULL_MODE_FORBIDDEN_IN_POLLING) and only reachable through
// RenderWaitResult, which pkg/api's /events handler calls directly.
func waitResponseFields(mode string, r *waitloop.Result, retryMS int64, sel waitloop.Streams) map[string]any {
	cur := r.Cursor.Format()
	switch mode {
	case "nano":
		return map[string]any{"c": r.Changed, "s": r.Streams, "u": cur, "r": retryMS}
	case "micro":
		return map[string]any{"changed": r.Changed, "streams": r.Streams, "cursor": cur, "retry_after_ms": retryMS}
	case "tiny":
		return map[string]any{
			"changed": r.Changed, "streams": r.Streams, "cursor": cur,
			"retry_after_ms": retryMS, "elapsed_ms": r.Elapsed.Milliseconds(),
		}
	case "full":
		changed := map[string]bool{}
		for _, s := range r.Streams {
			changed[s] = true
		}
		return map[string]any{
			"changed": r.Changed, "streams": r.Streams, "cursor": cur,
			"retry_after_ms": retryMS, "elapsed_ms": r.Elapsed.Milliseconds(),
			"watermark": r.Cursor,
			"stream_flags": map[string]bool{
				"messages": sel.Messages && changed["messages"],
				"tasks":    sel.Tasks && changed["tasks"],
				"context":  sel.Context && changed["context"],
				"activity": sel.Activity && changed["activity"],
			},
		}
	default: // "compact"
		return map[string]any{
			"changed": r.Changed, "streams": r.Streams, "cursor": cur,
			"retry_after_ms": retryMS, "elapsed_ms": r.Elapsed.Milliseconds(),
			"watermark": r.Cursor,
		}
	}
}

// RenderWaitResult is the exported form of waitResponseFields, used by
// pkg/api's /events SSE handler to render "update" events (the one
// place response_mode=full is accepted).
func RenderWaitResult(mode string, r *waitloop.Result, retryMS int64, sel waitloop.Streams) map[string]any {
	return waitResponseFields(mode, r, retryMS, sel)
}

type readSnapshotRequest struct {
	AgentID string `json:"agent_id"`
}

func handleReadSnapshot(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req readSnapshotRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	wm, err := s.Watermark.Snapshot(ctx, req.AgentID, watermarkNoFallback())
	if err != nil {
		return nil, herrors.New(herrors.CodeInternal, err.Error())
	}
	return map[string]any{"cursor": wm.Format(), "watermark": wm}, nil
}

func handleEvaluateSLOAlerts(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	raised, resolved, err := s.Maintenance.EvaluateSLOs(ctx)
	if err != nil {
		return nil, herrors.New(herrors.CodeInternal, err.Error())
	}
	s.Watermark.Invalidate()
	return map[string]any{"raised": raised, "resolved": resolved}, nil
}

type listSLOAlertsRequest struct {
	OpenOnly bool `json:"open_only"`
	Limit    int  `json:"limit"`
	Offset   int  `json:"offset"`
}

type sloAlertRow struct {
	ID         int64   `db:"id" json:"id"`
	Code       string  `db:"code" json:"code"`
	Severity   string  `db:"severity" json:"severity"`
	Message    string  `db:"message" json:"message"`
	Details    string  `db:"details" json:"details"`
	CreatedAt  string  `db:"created_at" json:"created_at"`
	ResolvedAt *string `db:"resolved_at" json:"resolved_at,omitempty"`
}

func handleListSLOAlerts(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req listSLOAlertsRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	q := `SELECT * FROM slo_alerts WHERE 1=1`
	var args []any
	if req.OpenOnly {
		q += ` AND resolved_at IS NULL`
	}
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, req.Offset)

	var rows []sloAlertRow
	if err := s.st.Reader().SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, herrors.New(herrors.CodeInternal, err.Error())
	}
	return map[string]any{"alerts": rows}, nil
}

func handleGetAuthCoverage(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	cov, err := s.authCoverage(ctx)
	if err != nil {
		return nil, herrors.New(herrors.CodeInternal, err.Error())
	}
	return map[string]any{"coverage": cov}, nil
}

func handleRunMaintenance(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	report, err := s.Maintenance.RunOnce(ctx)
	if err != nil {
		return nil, herrors.New(herrors.CodeInternal, err.Error())
	}
	return map[string]any{"report": report}, nil
}
