package hub

import (
	"context"
	"encoding/json"
)

// recordActivity appends one row to activity_log. Every mutating
// handler calls this after its own transaction commits; the watermark
// clock's "activity" stream and the maintenance claim_churn SLO check
// both read this table, so a tool call that changes no other watched
// stream (e.g. consensus resolution) still advances the watermark.
func (s *Server) recordActivity(ctx context.Context, kind, agentID string, taskID *int64, detail map[string]any) {
	if detail == nil {
		detail = map[string]any{}
	}
	b, err := json.Marshal(detail)
	if err != nil {
		b = []byte("{}")
	}
	now := s.now()
	_, err = s.st.Writer().ExecContext(ctx, `
		INSERT INTO activity_log (kind, agent_id, task_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`, kind, agentID, taskID, string(b), now)
	if err != nil {
		s.log.Error("record activity failed", "kind", kind, "error", err)
	}
}

// ActivityEntry is one row as returned by get_activity_log.
type ActivityEntry struct {
	ID        int64          `db:"id" json:"id"`
	Kind      string         `db:"kind" json:"kind"`
	AgentID   string         `db:"agent_id" json:"agent_id"`
	TaskID    *int64         `db:"task_id" json:"task_id,omitempty"`
	Detail    string         `db:"detail" json:"detail"`
	CreatedAt string         `db:"created_at" json:"created_at"`
}

func (s *Server) listActivity(ctx context.Context, kind string, agentID string, taskID *int64, limit, offset int) ([]ActivityEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id, kind, agent_id, task_id, detail, created_at FROM activity_log WHERE 1=1`
	var args []any
	if kind != "" {
		q += ` AND kind = ?`
		args = append(args, kind)
	}
	if agentID != "" {
		q += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	if taskID != nil {
		q += ` AND task_id = ?`
		args = append(args, *taskID)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var rows []ActivityEntry
	if err := s.st.Reader().SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
