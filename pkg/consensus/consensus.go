// Package consensus implements the confidence-weighted consensus
// resolver: votes are normalized, deduped per agent, weighted by each
// agent's quality history, and scored into an accept/reject/escalate
// decision that is persisted alongside its stats and reasons.
package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coordhub/hub/pkg/herrors"
	"github.com/coordhub/hub/pkg/store"
)

// Decision outcomes.
const (
	OutcomeAccept           = "accept"
	OutcomeReject           = "reject"
	OutcomeEscalateVerifier = "escalate_verifier"
)

// Emit-blob-ref policies.
const (
	EmitNever      = "never"
	EmitAlways     = "always"
	EmitOnEscalate = "on_escalate"
	EmitOnConflict = "on_conflict"
)

// Vote is a single normalized ballot.
type Vote struct {
	AgentID    string  `json:"agent_id"`
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
}

// UnmarshalJSON marks a missing confidence as NaN; normalizeVotes later
// turns NaN into 0.5 and clamps explicit values into [0,1].
func (v *Vote) UnmarshalJSON(b []byte) error {
	type plain Vote
	p := plain{Confidence: math.NaN()}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*v = Vote(p)
	return nil
}

type voteEnvelope struct {
	Votes []Vote `json:"votes"`
}

// Options carries the per-call resolution knobs.
type Options struct {
	DisagreementThreshold float64
	MinNonAbstainVotes    int
	TokenBudgetCap        int // 0 => no cap
	DedupeByAgent         bool
	QualityWeighting      bool
	EmitBlobRefPolicy     string
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		DisagreementThreshold: 0.35,
		MinNonAbstainVotes:    2,
		DedupeByAgent:         true,
		QualityWeighting:      true,
		EmitBlobRefPolicy:     EmitNever,
	}
}

// Clamp normalizes caller-supplied knobs into their valid ranges;
// disagreement_threshold is clamped to [0.1, 0.9].
func (o Options) Clamp() Options {
	if o.DisagreementThreshold < 0.1 {
		o.DisagreementThreshold = 0.1
	}
	if o.DisagreementThreshold > 0.9 {
		o.DisagreementThreshold = 0.9
	}
	if o.MinNonAbstainVotes <= 0 {
		o.MinNonAbstainVotes = 2
	}
	return o
}

// MaxVotes is the hard cap on total votes per call.
const MaxVotes = 1000

// QualityLookup resolves an agent's completed/rollback counts for the
// quality-weight formula. Implemented by pkg/agents.Registry without an
// import cycle.
type QualityLookup func(ctx context.Context, agentID string) (completed, rollback int, err error)

// BlobFetcher resolves a 64-hex blob hash to its decoded raw string
// value. Implemented by pkg/blobstore.Store + blobstore.LosslessDecode.
type BlobFetcher func(ctx context.Context, hash string) (value string, found bool, integrityOK bool, err error)

// Resolver runs weighted vote resolution and persists decisions.
type Resolver struct {
	st       *store.Store
	quality  QualityLookup
	fetchBlob BlobFetcher
	now      func() time.Time

	decisions *prometheus.CounterVec
}

// New constructs a Resolver. reg may be nil to skip metrics registration
// (e.g. in unit tests that don't care about Prometheus).
func New(st *store.Store, quality QualityLookup, fetchBlob BlobFetcher, reg prometheus.Registerer) *Resolver {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consensus_decisions_total",
		Help: "Consensus decisions by outcome.",
	}, []string{"outcome"})
	if reg != nil {
		reg.MustRegister(counter)
	}
	return &Resolver{st: st, quality: quality, fetchBlob: fetchBlob, now: time.Now, decisions: counter}
}

// Input is the payload for Resolve.
type Input struct {
	ProposalID      string
	RequestingAgent string
	InlineVotes     []Vote
	VotesBlobHash   string
	VotesBlobRef    string // BlobRef envelope string; hash extracted from it
	Opts            Options
}

// Decision is the result of Resolve.
type Decision struct {
	Outcome         string   `json:"outcome"`
	Reasons         []string `json:"reasons"`
	WeightedAccept  float64  `json:"weighted_accept"`
	WeightedReject  float64  `json:"weighted_reject"`
	AcceptCount     int      `json:"accept_count"`
	RejectCount     int      `json:"reject_count"`
	AbstainCount    int      `json:"abstain_count"`
	InvalidCount    int      `json:"invalid_count"`
	EmittedBlobHash string   `json:"emitted_blob_hash,omitempty"`
}

var hex64 = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Resolve runs vote resolution, normalization, scoring, and the
// escalation policy, in that order.
func (r *Resolver) Resolve(ctx context.Context, in Input) (*Decision, error) {
	opts := in.Opts.Clamp()

	votes, err := r.resolveVotes(ctx, in)
	if err != nil {
		return nil, err
	}

	if len(votes) > MaxVotes {
		return nil, herrors.New(herrors.CodeVotesTooLarge, "too many votes in one call")
	}
	normalized, invalidCount := normalizeVotes(votes)
	if opts.DedupeByAgent {
		normalized = dedupeByAgent(normalized)
	}

	var weightedAccept, weightedReject float64
	var acceptN, rejectN, abstainN int
	for _, v := range normalized {
		weight := 1.0
		if opts.QualityWeighting {
			w, err := r.qualityWeight(ctx, v.AgentID)
			if err != nil {
				return nil, err
			}
			weight = w
		}
		effective := v.Confidence * weight
		switch v.Decision {
		case "accept":
			weightedAccept += effective
			acceptN++
		case "reject":
			weightedReject += effective
			rejectN++
		case "abstain":
			abstainN++
		}
	}

	decision := &Decision{
		WeightedAccept: weightedAccept, WeightedReject: weightedReject,
		AcceptCount: acceptN, RejectCount: rejectN, AbstainCount: abstainN, InvalidCount: invalidCount,
	}

	nonAbstain := acceptN + rejectN
	n := len(normalized)
	estimatedTokenCost := 40 + 5*n

	switch {
	case opts.TokenBudgetCap > 0 && estimatedTokenCost > opts.TokenBudgetCap:
		decision.Outcome = OutcomeEscalateVerifier
		decision.Reasons = append(decision.Reasons, "estimated_token_cost_exceeds_cap")
	case nonAbstain < opts.MinNonAbstainVotes:
		decision.Outcome = OutcomeEscalateVerifier
		decision.Reasons = append(decision.Reasons, "insufficient_non_abstain_votes")
	default:
		if nonAbstain > 0 {
			disagreement := float64(min(acceptN, rejectN)) / float64(nonAbstain)
			if disagreement > opts.DisagreementThreshold {
				decision.Outcome = OutcomeEscalateVerifier
				decision.Reasons = append(decision.Reasons, fmt.Sprintf("high_disagreement:%.4f", disagreement))
				break
			}
		}
		if weightedAccept >= weightedReject {
			decision.Outcome = OutcomeAccept
		} else {
			decision.Outcome = OutcomeReject
		}
	}

	if err := r.persist(ctx, in, decision); err != nil {
		return nil, err
	}
	if r.decisions != nil {
		r.decisions.WithLabelValues(decision.Outcome).Inc()
	}

	return decision, nil
}

func (r *Resolver) resolveVotes(ctx context.Context, in Input) ([]Vote, error) {
	if len(in.InlineVotes) > 0 {
		return in.InlineVotes, nil
	}

	hash := in.VotesBlobHash
	if hash == "" && in.VotesBlobRef != "" {
		var ref struct {
			H string `json:"h"`
		}
		if err := json.Unmarshal([]byte(in.VotesBlobRef), &ref); err != nil || ref.H == "" {
			return nil, herrors.New(herrors.CodeInvalidVotesBlobRef, "votes_blob_ref is not a valid BlobRef envelope")
		}
		hash = ref.H
	}
	if hash == "" {
		return nil, herrors.New(herrors.CodeVotesEmpty, "no votes provided")
	}
	if !hex64.MatchString(hash) {
		return nil, herrors.New(herrors.CodeInvalidVotesBlobRef, "votes hash must be 64 lowercase hex characters")
	}

	value, found, integrityOK, err := r.fetchBlob(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("consensus: fetch votes blob: %w", err)
	}
	if !found {
		return nil, herrors.New(herrors.CodeVotesBlobNotFound, "votes blob not found")
	}
	if !integrityOK {
		return nil, herrors.New(herrors.CodeVotesBlobIntegrityFailed, "votes blob failed integrity check")
	}

	var asArray []Vote
	if err := json.Unmarshal([]byte(value), &asArray); err == nil {
		return asArray, nil
	}
	var asEnvelope voteEnvelope
	if err := json.Unmarshal([]byte(value), &asEnvelope); err == nil && asEnvelope.Votes != nil {
		return asEnvelope.Votes, nil
	}
	var probe any
	if err := json.Unmarshal([]byte(value), &probe); err != nil {
		return nil, herrors.New(herrors.CodeVotesBlobInvalidJSON, "votes blob is not valid JSON")
	}
	return nil, herrors.New(herrors.CodeVotesBlobInvalidFormat, "votes blob is neither an array nor {votes:[...]}")
}

func normalizeVotes(raw []Vote) (valid []Vote, invalidCount int) {
	for _, v := range raw {
		if v.AgentID == "" {
			invalidCount++
			continue
		}
		switch v.Decision {
		case "accept", "reject", "abstain":
		default:
			invalidCount++
			continue
		}
		if math.IsNaN(v.Confidence) {
			v.Confidence = 0.5 // absent in the source JSON
		}
		if v.Confidence < 0 {
			v.Confidence = 0
		}
		if v.Confidence > 1 {
			v.Confidence = 1
		}
		valid = append(valid, v)
	}
	return valid, invalidCount
}

func dedupeByAgent(votes []Vote) []Vote {
	last := make(map[string]int, len(votes))
	for i, v := range votes {
		last[v.AgentID] = i
	}
	out := make([]Vote, 0, len(last))
	seen := make(map[string]bool, len(last))
	for i, v := range votes {
		if last[v.AgentID] != i {
			continue
		}
		if seen[v.AgentID] {
			continue
		}
		seen[v.AgentID] = true
		out = append(out, v)
	}
	return out
}

// qualityWeight computes an agent's vote weight:
//
//	stability = 1 − min(0.35, rollbackRate·0.7)
//	experienceBoost = min(0.12, log10(completed+1)·0.06)
//	weight = clamp(stability + experienceBoost, 0.7, 1.2)
func (r *Resolver) qualityWeight(ctx context.Context, agentID string) (float64, error) {
	completed, rollback, err := r.quality(ctx, agentID)
	if err != nil {
		return 1.0, nil // agents with no history carry neutral weight
	}
	total := completed + rollback
	var rollbackRate float64
	if total > 0 {
		rollbackRate = float64(rollback) / float64(total)
	}
	stability := 1 - math.Min(0.35, rollbackRate*0.7)
	experienceBoost := math.Min(0.12, math.Log10(float64(completed+1))*0.06)
	weight := stability + experienceBoost
	if weight < 0.7 {
		weight = 0.7
	}
	if weight > 1.2 {
		weight = 1.2
	}
	return weight, nil
}

func (r *Resolver) persist(ctx context.Context, in Input, d *Decision) error {
	stats := map[string]any{
		"weighted_accept": d.WeightedAccept, "weighted_reject": d.WeightedReject,
		"accept_count": d.AcceptCount, "reject_count": d.RejectCount,
		"abstain_count": d.AbstainCount, "invalid_count": d.InvalidCount,
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	reasonsJSON, err := json.Marshal(d.Reasons)
	if err != nil {
		return err
	}
	_, err = r.st.Writer().ExecContext(ctx, `
		INSERT INTO consensus_decisions (proposal_id, requesting_agent, outcome, stats, reasons, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		in.ProposalID, in.RequestingAgent, d.Outcome, string(statsJSON), string(reasonsJSON), r.now())
	if err != nil {
		return fmt.Errorf("consensus: persist decision: %w", err)
	}
	return nil
}
