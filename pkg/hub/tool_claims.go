package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coordhub/hub/pkg/claims"
	"github.com/coordhub/hub/pkg/donegate"
	"github.com/coordhub/hub/pkg/herrors"
	"github.com/coordhub/hub/pkg/store"
	"github.com/coordhub/hub/pkg/tasks"
)

func claimCandidateFilter(namespace, profile string) claims.CandidateFilter {
	return claims.CandidateFilter{Namespace: namespace, Profile: profile}
}

func pollBackoffDuration(activeAgents, streak int, otherActive bool) time.Duration {
	return claims.PollBackoff(activeAgents, streak, otherActive)
}

type pollAndClaimRequest struct {
	AgentID      string `json:"agent_id"`
	Namespace    string `json:"namespace"`
	Profile      string `json:"profile"`
	LeaseSeconds int64  `json:"lease_seconds"`
}

// hasOtherActiveClaims reports whether any agent other than agentID
// currently holds a claim; when one does, empty-poll retry advice is
// capped at 5s so a busy board is re-checked promptly.
func (s *Server) hasOtherActiveClaims(ctx context.Context, agentID string) bool {
	var n int
	if err := s.st.Reader().GetContext(ctx, &n, `SELECT COUNT(*) FROM task_claims WHERE agent_id != ? LIMIT 1`, agentID); err != nil {
		return false
	}
	return n > 0
}

// activeAgents5m counts agents seen in the last five minutes, the input
// to claims.PollBackoff's bucket selection.
func (s *Server) activeAgents5m(ctx context.Context) int {
	var n int
	cutoff := s.now().Add(-5 * time.Minute)
	if err := s.st.Reader().GetContext(ctx, &n, `SELECT COUNT(*) FROM agents WHERE last_seen >= ?`, cutoff); err != nil {
		return 0
	}
	return n
}

func handlePollAndClaim(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req pollAndClaimRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	profile := req.Profile
	if profile == "" {
		agent, err := s.Agents.Get(ctx, req.AgentID)
		if err != nil {
			return nil, asHerr(err)
		}
		profile = agent.WorkspaceMode
	}
	// Polling is proof of life; it keeps active_agents_5m (the backoff
	// bucket input) honest for agents that never send anything else.
	if err := s.Agents.Heartbeat(ctx, req.AgentID); err != nil {
		return nil, asHerr(err)
	}
	lease := time.Duration(req.LeaseSeconds) * time.Second
	claim, task, err := s.Claims.PollAndClaim(ctx, req.AgentID, claimCandidateFilter(req.Namespace, profile), lease)
	if err != nil {
		return nil, asHerr(err)
	}
	if claim == nil {
		streak := s.pollStreak(req.AgentID, false)
		retry := pollBackoffMS(s, ctx, req.AgentID, streak, s.hasOtherActiveClaims(ctx, req.AgentID))
		return map[string]any{"task": nil, "claim": nil, "retry_after_ms": retry}, nil
	}
	s.pollStreak(req.AgentID, true)
	s.recordActivity(ctx, "poll_and_claim", req.AgentID, &task.ID, map[string]any{"claim_id": claim.ClaimID})
	return map[string]any{"task": task, "claim": claim}, nil
}

type claimTaskRequest struct {
	TaskID       int64  `json:"task_id"`
	AgentID      string `json:"agent_id"`
	Namespace    string `json:"namespace"`
	Profile      string `json:"profile"`
	LeaseSeconds int64  `json:"lease_seconds"`
}

func handleClaimTask(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req claimTaskRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}

	task, err := s.Tasks.Get(ctx, req.TaskID)
	if err != nil {
		return nil, asHerr(err)
	}
	if task.Status == tasks.StatusDone {
		return nil, herrors.New(herrors.CodeTaskAlreadyDone, "task is already done")
	}
	if req.Namespace != "" && task.Namespace != req.Namespace {
		return nil, herrors.WithDetail(herrors.CodeNamespaceMismatch, "task belongs to a different namespace",
			map[string]any{"task_namespace": task.Namespace})
	}
	if req.Profile != "" && task.ExecutionMode != tasks.ExecAny && task.ExecutionMode != req.Profile {
		return nil, herrors.WithDetail(herrors.CodeProfileMismatch, "agent profile does not match task execution_mode",
			map[string]any{"task_execution_mode": task.ExecutionMode})
	}
	if unmet := unmetDependencyIDs(ctx, s, req.TaskID); len(unmet) > 0 {
		return nil, herrors.WithDetail(herrors.CodeDependenciesNotMet, "task has unmet dependencies",
			map[string]any{"unmet_dependencies": unmet})
	}

	lease := time.Duration(req.LeaseSeconds) * time.Second

	existing, err := s.Claims.Get(ctx, req.TaskID)
	if err != nil {
		return nil, asHerr(err)
	}
	if existing != nil {
		if existing.AgentID == req.AgentID {
			claim, err := s.Claims.Reclaim(ctx, req.TaskID, req.AgentID, existing.ClaimID, lease)
			if err != nil {
				return nil, asHerr(err)
			}
			s.recordActivity(ctx, "claim_task", req.AgentID, &req.TaskID, map[string]any{"claim_id": claim.ClaimID, "reclaim": true})
			return map[string]any{"task": task, "claim": claim}, nil
		}
		return nil, herrors.WithDetail(herrors.CodeAlreadyClaimed, "task is already claimed by another agent",
			map[string]any{"current_claim": existing})
	}

	claim, claimedTask, err := s.Claims.ClaimTask(ctx, req.TaskID, req.AgentID, lease)
	if err != nil {
		if herr, ok := asHubError(err); ok && herr.Code == herrors.CodeAlreadyClaimed {
			if current, gerr := s.Claims.Get(ctx, req.TaskID); gerr == nil && current != nil {
				return nil, herrors.WithDetail(herrors.CodeAlreadyClaimed, "task is already claimed by another agent",
					map[string]any{"current_claim": current})
			}
		}
		return nil, asHerr(err)
	}
	s.recordActivity(ctx, "claim_task", req.AgentID, &req.TaskID, map[string]any{"claim_id": claim.ClaimID})
	return map[string]any{"task": claimedTask, "claim": claim}, nil
}

type renewTaskClaimRequest struct {
	TaskID       int64  `json:"task_id"`
	AgentID      string `json:"agent_id"`
	ClaimID      string `json:"claim_id"`
	LeaseSeconds int64  `json:"lease_seconds"`
}

func handleRenewTaskClaim(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req renewTaskClaimRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	lease := time.Duration(req.LeaseSeconds) * time.Second
	claim, err := s.Claims.RenewClaim(ctx, req.TaskID, req.AgentID, req.ClaimID, lease)
	if err != nil {
		return nil, asHerr(err)
	}
	s.recordActivity(ctx, "renew_task_claim", req.AgentID, &req.TaskID, map[string]any{"claim_id": claim.ClaimID})
	return map[string]any{"claim": claim}, nil
}

type releaseTaskClaimRequest struct {
	TaskID             int64    `json:"task_id"`
	AgentID            string   `json:"agent_id"`
	ClaimID            string   `json:"claim_id"`
	NextStatus         string   `json:"next_status"`
	ConsistencyMode    string   `json:"consistency_mode"`
	Confidence         float64  `json:"confidence"`
	VerificationPassed bool     `json:"verification_passed"`
	VerifiedBy         string   `json:"verified_by"`
	EvidenceRefs       []string `json:"evidence_refs"`
}

func handleReleaseTaskClaim(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req releaseTaskClaimRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}

	claim, err := s.Claims.Get(ctx, req.TaskID)
	if err != nil {
		return nil, asHerr(err)
	}
	if claim == nil {
		return nil, herrors.New(herrors.CodeClaimExpired, "no active claim for task")
	}
	if claim.AgentID != req.AgentID || claim.ClaimID != req.ClaimID {
		return nil, herrors.New(herrors.CodeNotClaimOwner, "agent does not own this claim")
	}

	next := req.NextStatus
	if next == "" {
		next = tasks.StatusPending
	}

	if next != tasks.StatusDone {
		if err := s.Claims.ReleaseClaim(ctx, req.TaskID, req.AgentID, req.ClaimID); err != nil {
			return nil, asHerr(err)
		}
		if next != tasks.StatusPending {
			if _, err := s.Tasks.Update(ctx, req.TaskID, tasks.UpdateInput{
				Status: &next, ChangedBy: req.AgentID, Source: "release_task_claim",
			}); err != nil {
				return nil, asHerr(err)
			}
		}
		s.recordActivity(ctx, "release_task_claim", req.AgentID, &req.TaskID, map[string]any{"next_status": next})
		return map[string]any{"released": true, "status": next}, nil
	}

	task, err := s.Tasks.Get(ctx, req.TaskID)
	if err != nil {
		return nil, asHerr(err)
	}
	agent, err := s.Agents.Get(ctx, req.AgentID)
	if err != nil {
		return nil, asHerr(err)
	}

	mode := donegate.ResolveMode(req.ConsistencyMode, task.ConsistencyMode, task.Priority == tasks.PriorityCritical, s.cfg.DefaultConsistencyMode)

	var existingRefs []string
	if err := s.st.Reader().SelectContext(ctx, &existingRefs, `SELECT evidence_ref FROM task_evidence WHERE task_id=?`, req.TaskID); err != nil {
		return nil, herrors.New(herrors.CodeInternal, err.Error())
	}

	result, gerr := donegate.Evaluate(donegate.Input{
		TaskID: req.TaskID, AgentID: req.AgentID, Mode: mode,
		Confidence: req.Confidence, VerificationPassed: req.VerificationPassed, VerifiedBy: req.VerifiedBy,
		EvidenceRefs: req.EvidenceRefs, ExistingEvidenceRefs: existingRefs, AgentRollbackRate: agent.RollbackRate(),
	}, s.gate)
	if gerr != nil {
		return nil, asHerr(gerr)
	}

	now := s.now()
	err = s.st.RunInTx(ctx, func(tx *store.Tx) error {
		res, execErr := tx.ExecContext(ctx, `DELETE FROM task_claims WHERE task_id=? AND agent_id=? AND claim_id=?`, req.TaskID, req.AgentID, req.ClaimID)
		if execErr != nil {
			return execErr
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return herrors.New(herrors.CodeClaimStolen, "claim was stolen before release")
		}
		if _, execErr := tx.ExecContext(ctx, `UPDATE tasks SET status='done', updated_at=? WHERE id=?`, now, req.TaskID); execErr != nil {
			return execErr
		}
		if _, execErr := tx.ExecContext(ctx, `
			INSERT INTO task_status_history (task_id, from_status, to_status, changed_by, source, created_at)
			VALUES (?, ?, 'done', ?, 'release_task_claim', ?)`, req.TaskID, task.Status, req.AgentID, now); execErr != nil {
			return execErr
		}
		for _, ref := range result.NewEvidenceRefs {
			if _, execErr := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_evidence (task_id, evidence_ref) VALUES (?, ?)`, req.TaskID, ref); execErr != nil {
				return execErr
			}
		}
		return s.Agents.RecordCompletion(ctx, tx, req.AgentID)
	})
	if err != nil {
		return nil, asHerr(err)
	}

	s.recordActivity(ctx, "release_task_claim", req.AgentID, &req.TaskID, map[string]any{"next_status": "done", "consistency_mode": mode})
	return map[string]any{"released": true, "status": "done", "threshold": result.Threshold}, nil
}

type listTaskClaimsRequest struct {
	TaskID  *int64 `json:"task_id"`
	AgentID string `json:"agent_id"`
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
}

func handleListTaskClaims(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req listTaskClaimsRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	q := `SELECT * FROM task_claims WHERE 1=1`
	var args []any
	if req.TaskID != nil {
		q += ` AND task_id = ?`
		args = append(args, *req.TaskID)
	}
	if req.AgentID != "" {
		q += ` AND agent_id = ?`
		args = append(args, req.AgentID)
	}
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, req.Offset)

	type claimRow struct {
		TaskID         int64     `db:"task_id" json:"task_id"`
		AgentID        string    `db:"agent_id" json:"agent_id"`
		ClaimID        string    `db:"claim_id" json:"claim_id"`
		ClaimedAt      time.Time `db:"claimed_at" json:"claimed_at"`
		LeaseExpiresAt time.Time `db:"lease_expires_at" json:"lease_expires_at"`
		UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
	}
	var rows []claimRow
	if err := s.st.Reader().SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, herrors.New(herrors.CodeInternal, err.Error())
	}
	return map[string]any{"claims": rows}, nil
}

func unmetDependencyIDs(ctx context.Context, s *Server, taskID int64) []int64 {
	var ids []int64
	_ = s.st.Reader().SelectContext(ctx, &ids, `
		SELECT td.depends_on_task_id FROM task_dependencies td JOIN tasks dep ON dep.id = td.depends_on_task_id
		WHERE td.task_id = ? AND dep.status != 'done'`, taskID)
	return ids
}

func pollBackoffMS(s *Server, ctx context.Context, agentID string, streak int, otherActive bool) int64 {
	active := s.activeAgents5m(ctx)
	return pollBackoffDuration(active, streak, otherActive).Milliseconds()
}
