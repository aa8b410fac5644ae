// Package donegate implements the done gate: the confidence, verifier,
// and evidence validator a task must pass before a release to "done" is
// allowed. Validation is pure functions over typed inputs; the two
// consistency regimes (cheap, strict) differ only in their thresholds.
package donegate

import (
	"math"
	"strings"

	"github.com/coordhub/hub/pkg/herrors"
)

// Consistency modes.
const (
	ModeCheap  = "cheap"
	ModeStrict = "strict"
)

// Thresholds carries the config-layer knobs the gate evaluates against.
type Thresholds struct {
	CheapConfidenceFloor   float64
	StrictConfidenceFloor  float64
	BaseConfidenceThresh   float64
	MaxReliabilityPenalty  float64
	CheapMinEvidenceRefs   int
	StrictMinEvidenceRefs  int
	MaxEvidenceRefsPerCall int
}

// Input is the payload evaluated by Evaluate.
type Input struct {
	TaskID              int64
	AgentID             string
	Mode                string // resolved consistency mode: cheap|strict
	Confidence          float64
	VerificationPassed  bool
	VerifiedBy          string
	EvidenceRefs        []string
	ExistingEvidenceRefs []string // already persisted for this task
	AgentRollbackRate   float64
}

// Result is returned on a passing evaluation.
type Result struct {
	NewEvidenceRefs []string // normalized, deduped against existing, ready to persist
	Threshold       float64
}

// ResolveMode picks the effective consistency mode: caller override
// → task's stored mode → critical priority defaults to strict → env
// default.
func ResolveMode(callerOverride, taskStoredMode string, isCriticalPriority bool, envDefault string) string {
	if callerOverride != "" {
		return callerOverride
	}
	if taskStoredMode != "" {
		return taskStoredMode
	}
	if isCriticalPriority {
		return ModeStrict
	}
	return envDefault
}

// Evaluate runs every gate check in order, returning the first
// failure as a *herrors.Error (always DONE_GATE_FAILED except the three
// explicitly distinct codes: VERIFIER_REQUIRED, EVIDENCE_REQUIRED,
// EVIDENCE_TOO_MANY).
func Evaluate(in Input, th Thresholds) (*Result, error) {
	if len(in.EvidenceRefs) > th.MaxEvidenceRefsPerCall {
		return nil, herrors.New(herrors.CodeEvidenceTooMany, "too many evidence refs in one call")
	}

	if !in.VerificationPassed {
		return nil, herrors.New(herrors.CodeDoneGateFailed, "verification_passed must be true")
	}

	penalty := math.Min(th.MaxReliabilityPenalty, in.AgentRollbackRate*th.MaxReliabilityPenalty)
	threshold := th.BaseConfidenceThresh + penalty
	if in.Mode == ModeStrict {
		threshold = math.Max(threshold, th.StrictConfidenceFloor)
	}

	// The verifier checks run before the floor check: a caller who is
	// missing an independent verifier gets VERIFIER_REQUIRED, which is
	// actionable, rather than a generic confidence failure.
	verifierProvided := in.VerifiedBy != "" && in.VerifiedBy != in.AgentID
	if in.Mode == ModeStrict && !verifierProvided {
		return nil, herrors.WithDetail(herrors.CodeVerifierRequired, "strict mode requires an independent verifier",
			map[string]any{"consistency_mode": in.Mode})
	}
	if in.Confidence < threshold && !verifierProvided {
		return nil, herrors.WithDetail(herrors.CodeVerifierRequired, "confidence below threshold requires an independent verifier",
			map[string]any{"required_confidence": threshold, "consistency_mode": in.Mode})
	}

	floor := th.CheapConfidenceFloor
	if in.Mode == ModeStrict {
		floor = th.StrictConfidenceFloor
	}
	if math.IsNaN(in.Confidence) || math.IsInf(in.Confidence, 0) || in.Confidence < floor {
		return nil, herrors.WithDetail(herrors.CodeDoneGateFailed, "confidence below floor for consistency mode",
			map[string]any{"consistency_mode": in.Mode, "required_confidence": floor})
	}

	normalized := normalizeRefs(in.EvidenceRefs)
	existing := make(map[string]bool, len(in.ExistingEvidenceRefs))
	for _, r := range in.ExistingEvidenceRefs {
		existing[r] = true
	}
	var fresh []string
	union := len(existing)
	for _, r := range normalized {
		if existing[r] {
			continue
		}
		existing[r] = true
		union++
		fresh = append(fresh, r)
	}

	minRefs := th.CheapMinEvidenceRefs
	if in.Mode == ModeStrict {
		minRefs = th.StrictMinEvidenceRefs
	}
	if union < minRefs {
		return nil, herrors.WithDetail(herrors.CodeEvidenceRequired, "not enough evidence refs for consistency mode",
			map[string]any{"consistency_mode": in.Mode, "required_evidence_refs": minRefs})
	}

	return &Result{NewEvidenceRefs: fresh, Threshold: threshold}, nil
}

// normalizeRefs trims, truncates to 256 chars, and dedupes, preserving
// first-seen order.
func normalizeRefs(refs []string) []string {
	seen := make(map[string]bool, len(refs))
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if len(r) > 256 {
			r = r[:256]
		}
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}
