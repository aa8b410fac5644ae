package hub

import (
	"context"

	"github.com/coordhub/hub/pkg/store"
	"github.com/coordhub/hub/pkg/tasks"
)

// recordQualityTransition increments an agent's completed_count or
// rollback_count on a done<->non-done task status change.
func (s *Server) recordQualityTransition(ctx context.Context, agentID, fromStatus, toStatus string) {
	if agentID == "" || fromStatus == toStatus {
		return
	}
	becameDone := toStatus == tasks.StatusDone && fromStatus != tasks.StatusDone
	leftDone := fromStatus == tasks.StatusDone && toStatus != tasks.StatusDone
	if !becameDone && !leftDone {
		return
	}
	err := s.st.RunInTx(ctx, func(tx *store.Tx) error {
		if becameDone {
			return s.Agents.RecordCompletion(ctx, tx, agentID)
		}
		return s.Agents.RecordRollback(ctx, tx, agentID)
	})
	if err != nil {
		s.log.Error("record quality transition failed", "agent_id", agentID, "error", err)
	}
}
