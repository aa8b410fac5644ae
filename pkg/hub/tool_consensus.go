package hub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/coordhub/hub/pkg/consensus"
	"github.com/coordhub/hub/pkg/ctxstore"
	"github.com/coordhub/hub/pkg/herrors"
)

type consensusOptsRequest struct {
	DisagreementThreshold *float64 `json:"disagreement_threshold"`
	MinNonAbstainVotes    *int     `json:"min_non_abstain_votes"`
	TokenBudgetCap        *int     `json:"token_budget_cap"`
	DedupeByAgent         *bool    `json:"dedupe_by_agent"`
	QualityWeighting      *bool    `json:"quality_weighting"`
	EmitBlobRefPolicy     string   `json:"emit_blob_ref_policy"`
}

func (r consensusOptsRequest) toOptions() consensus.Options {
	o := consensus.DefaultOptions()
	if r.DisagreementThreshold != nil {
		o.DisagreementThreshold = *r.DisagreementThreshold
	}
	if r.MinNonAbstainVotes != nil {
		o.MinNonAbstainVotes = *r.MinNonAbstainVotes
	}
	if r.TokenBudgetCap != nil {
		o.TokenBudgetCap = *r.TokenBudgetCap
	}
	if r.DedupeByAgent != nil {
		o.DedupeByAgent = *r.DedupeByAgent
	}
	if r.QualityWeighting != nil {
		o.QualityWeighting = *r.QualityWeighting
	}
	if r.EmitBlobRefPolicy != "" {
		o.EmitBlobRefPolicy = r.EmitBlobRefPolicy
	}
	return o
}

// shouldEmitDecisionBlob decides whether a decision blob is written for
// the given policy. Emission lives here rather than in the resolver,
// which has no blobstore dependency.
func shouldEmitDecisionBlob(policy string, d *consensus.Decision) bool {
	conflict := d.AcceptCount > 0 && d.RejectCount > 0
	switch policy {
	case consensus.EmitAlways:
		return true
	case consensus.EmitOnEscalate:
		return d.Outcome == consensus.OutcomeEscalateVerifier
	case consensus.EmitOnConflict:
		return conflict
	default:
		return false
	}
}

func (s *Server) emitDecisionBlob(ctx context.Context, d *consensus.Decision, policy string) (string, *herrors.Error) {
	if !shouldEmitDecisionBlob(policy, d) {
		return "", nil
	}
	body := map[string]any{
		"outcome": d.Outcome, "reasons": d.Reasons,
		"weighted_accept": d.WeightedAccept, "weighted_reject": d.WeightedReject,
		"accept_count": d.AcceptCount, "reject_count": d.RejectCount,
		"abstain_count": d.AbstainCount, "invalid_count": d.InvalidCount,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", herrors.New(herrors.CodeInternal, err.Error())
	}
	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])
	stored := s.Blobs.LosslessAuto(string(raw))
	if _, err := s.Blobs.Put(ctx, hash, stored); err != nil {
		return "", asHerr(err)
	}
	return hash, nil
}

type resolveConsensusRequest struct {
	ProposalID      string                  `json:"proposal_id"`
	RequestingAgent string                  `json:"requesting_agent"`
	Votes           []consensus.Vote        `json:"votes"`
	Opts            consensusOptsRequest    `json:"options"`
}

func handleResolveConsensus(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req resolveConsensusRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	opts := req.Opts.toOptions()
	decision, err := s.Consensus.Resolve(ctx, consensus.Input{
		ProposalID: req.ProposalID, RequestingAgent: req.RequestingAgent, InlineVotes: req.Votes, Opts: opts,
	})
	if err != nil {
		return nil, asHerr(err)
	}
	hash, herr := s.emitDecisionBlob(ctx, decision, opts.EmitBlobRefPolicy)
	if herr != nil {
		return nil, herr
	}
	decision.EmittedBlobHash = hash
	s.recordActivity(ctx, "resolve_consensus", req.RequestingAgent, nil, map[string]any{"outcome": decision.Outcome})
	return map[string]any{"decision": decision}, nil
}

type resolveConsensusFromContextRequest struct {
	ProposalID      string               `json:"proposal_id"`
	RequestingAgent string               `json:"requesting_agent"`
	AgentID         string               `json:"agent_id"`
	Key             string               `json:"key"`
	Namespace       string               `json:"namespace"`
	Opts            consensusOptsRequest `json:"options"`
}

func handleResolveConsensusFromContext(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req resolveConsensusFromContextRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	entries, err := s.Context.Read(ctx, ctxstore.ReadFilter{AgentID: req.AgentID, Key: req.Key, Namespace: req.Namespace, Limit: 1})
	if err != nil {
		return nil, asHerr(err)
	}
	if len(entries) == 0 {
		return nil, herrors.New(herrors.CodeContextNotFound, "context entry not found")
	}
	value := entries[0].Value

	var ref struct {
		H string `json:"h"`
	}
	var votesBlobRef, votesBlobHash string
	if err := json.Unmarshal([]byte(value), &ref); err == nil && ref.H != "" {
		votesBlobRef = value
	} else {
		var asArray []consensus.Vote
		if err := json.Unmarshal([]byte(value), &asArray); err != nil {
			return nil, herrors.New(herrors.CodeUnsupportedContextVotesSource, "context value is neither a BlobRef nor a votes array")
		}
		opts := req.Opts.toOptions()
		decision, err := s.Consensus.Resolve(ctx, consensus.Input{
			ProposalID: req.ProposalID, RequestingAgent: req.RequestingAgent, InlineVotes: asArray, Opts: opts,
		})
		if err != nil {
			return nil, asHerr(err)
		}
		hash, herr := s.emitDecisionBlob(ctx, decision, opts.EmitBlobRefPolicy)
		if herr != nil {
			return nil, herr
		}
		decision.EmittedBlobHash = hash
		s.recordActivity(ctx, "resolve_consensus_from_context", req.RequestingAgent, nil, map[string]any{"outcome": decision.Outcome})
		return map[string]any{"decision": decision}, nil
	}

	opts := req.Opts.toOptions()
	decision, err := s.Consensus.Resolve(ctx, consensus.Input{
		ProposalID: req.ProposalID, RequestingAgent: req.RequestingAgent,
		VotesBlobHash: votesBlobHash, VotesBlobRef: votesBlobRef, Opts: opts,
	})
	if err != nil {
		return nil, asHerr(err)
	}
	hash, herr := s.emitDecisionBlob(ctx, decision, opts.EmitBlobRefPolicy)
	if herr != nil {
		return nil, herr
	}
	decision.EmittedBlobHash = hash
	s.recordActivity(ctx, "resolve_consensus_from_context", req.RequestingAgent, nil, map[string]any{"outcome": decision.Outcome})
	return map[string]any{"decision": decision}, nil
}

type resolveConsensusFromMessageRequest struct {
	ProposalID      string               `json:"proposal_id"`
	RequestingAgent string               `json:"requesting_agent"`
	Agent           string               `json:"agent"`
	MessageID       int64                `json:"message_id"`
	Opts            consensusOptsRequest `json:"options"`
}

func handleResolveConsensusFromMessage(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req resolveConsensusFromMessageRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	msg, err := s.Messages.GetForAgent(ctx, req.Agent, req.MessageID)
	if err != nil {
		return nil, asHerr(err)
	}
	if msg == nil {
		return nil, herrors.New(herrors.CodeMessageNotFoundOrForbidden, "message not found or not visible to agent")
	}

	var ref struct {
		H string `json:"h"`
	}
	var votesBlobRef string
	var inline []consensus.Vote
	if err := json.Unmarshal([]byte(msg.Content), &ref); err == nil && ref.H != "" {
		votesBlobRef = msg.Content
	} else if err := json.Unmarshal([]byte(msg.Content), &inline); err != nil {
		return nil, herrors.New(herrors.CodeUnsupportedMessageVotesSource, "message content is neither a BlobRef nor a votes array")
	}

	opts := req.Opts.toOptions()
	decision, err := s.Consensus.Resolve(ctx, consensus.Input{
		ProposalID: req.ProposalID, RequestingAgent: req.RequestingAgent,
		InlineVotes: inline, VotesBlobRef: votesBlobRef, Opts: opts,
	})
	if err != nil {
		return nil, asHerr(err)
	}
	hash, herr := s.emitDecisionBlob(ctx, decision, opts.EmitBlobRefPolicy)
	if herr != nil {
		return nil, herr
	}
	decision.EmittedBlobHash = hash
	s.recordActivity(ctx, "resolve_consensus_from_message", req.RequestingAgent, nil, map[string]any{"outcome": decision.Outcome})
	return map[string]any{"decision": decision}, nil
}

type listConsensusDecisionsRequest struct {
	ProposalID string `json:"proposal_id"`
	Outcome    string `json:"outcome"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
}

type consensusDecisionRow struct {
	ID              int64     `db:"id" json:"id"`
	ProposalID      string    `db:"proposal_id" json:"proposal_id"`
	RequestingAgent string    `db:"requesting_agent" json:"requesting_agent"`
	Outcome         string    `db:"outcome" json:"outcome"`
	Stats           string    `db:"stats" json:"stats"`
	Reasons         string    `db:"reasons" json:"reasons"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

func handleListConsensusDecisions(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req listConsensusDecisionsRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	q := `SELECT * FROM consensus_decisions WHERE 1=1`
	var args []any
	if req.ProposalID != "" {
		q += ` AND proposal_id = ?`
		args = append(args, req.ProposalID)
	}
	if req.Outcome != "" {
		q += ` AND outcome = ?`
		args = append(args, req.Outcome)
	}
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, req.Offset)

	var rows []consensusDecisionRow
	if err := s.st.Reader().SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, herrors.New(herrors.CodeInternal, err.Error())
	}
	return map[string]any{"decisions": rows}, nil
}
