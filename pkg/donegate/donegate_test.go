package donegate_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coordhub/hub/pkg/donegate"
	"github.com/coordhub/hub/pkg/herrors"
)

func thresholds() donegate.Thresholds {
	return donegate.Thresholds{
		CheapConfidenceFloor:   0.75,
		StrictConfidenceFloor:  0.95,
		BaseConfidenceThresh:   0.9,
		MaxReliabilityPenalty:  0.07,
		CheapMinEvidenceRefs:   1,
		StrictMinEvidenceRefs:  2,
		MaxEvidenceRefsPerCall: 16,
	}
}

func TestEvaluateCheapPassesWithHighConfidenceAndOneRef(t *testing.T) {
	res, err := donegate.Evaluate(donegate.Input{
		AgentID: "w1", Mode: donegate.ModeCheap, Confidence: 0.96,
		VerificationPassed: true, EvidenceRefs: []string{"e1"},
	}, thresholds())
	require.NoError(t, err)
	require.Equal(t, []string{"e1"}, res.NewEvidenceRefs)
}

func TestEvaluateRequiresVerifierBelowThreshold(t *testing.T) {
	_, err := donegate.Evaluate(donegate.Input{
		AgentID: "w1", Mode: donegate.ModeCheap, Confidence: 0.8,
		VerificationPassed: true, EvidenceRefs: []string{"e1"},
	}, thresholds())
	require.Error(t, err)
	herr := err.(*herrors.Error)
	require.Equal(t, herrors.CodeVerifierRequired, herr.Code)
}

func TestEvaluateStrictAlwaysRequiresVerifier(t *testing.T) {
	_, err := donegate.Evaluate(donegate.Input{
		AgentID: "w1", Mode: donegate.ModeStrict, Confidence: 0.99,
		VerificationPassed: true, VerifiedBy: "", EvidenceRefs: []string{"e1", "e2"},
	}, thresholds())
	require.Error(t, err)
	herr := err.(*herrors.Error)
	require.Equal(t, herrors.CodeVerifierRequired, herr.Code)

	res, err := donegate.Evaluate(donegate.Input{
		AgentID: "w1", Mode: donegate.ModeStrict, Confidence: 0.96,
		VerificationPassed: true, VerifiedBy: "w2", EvidenceRefs: []string{"e1", "e2"},
	}, thresholds())
	require.NoError(t, err)
	require.Len(t, res.NewEvidenceRefs, 2)
}

func TestEvaluateVerifierCheckPrecedesFloor(t *testing.T) {
	// Self-verification in strict mode reports the missing verifier even
	// when the confidence is also below the strict floor.
	_, err := donegate.Evaluate(donegate.Input{
		AgentID: "w1", Mode: donegate.ModeStrict, Confidence: 0.9,
		VerificationPassed: true, VerifiedBy: "w1", EvidenceRefs: []string{"e1", "e2"},
	}, thresholds())
	require.Error(t, err)
	herr := err.(*herrors.Error)
	require.Equal(t, herrors.CodeVerifierRequired, herr.Code)
}

func TestEvaluateEvidenceRequiredCountsUnionWithExisting(t *testing.T) {
	th := thresholds()
	_, err := donegate.Evaluate(donegate.Input{
		AgentID: "w1", Mode: donegate.ModeStrict, Confidence: 0.97, VerifiedBy: "w2",
		VerificationPassed: true, EvidenceRefs: []string{"e1"},
	}, th)
	require.Error(t, err)
	herr := err.(*herrors.Error)
	require.Equal(t, herrors.CodeEvidenceRequired, herr.Code)

	res, err := donegate.Evaluate(donegate.Input{
		AgentID: "w1", Mode: donegate.ModeStrict, Confidence: 0.97, VerifiedBy: "w2",
		VerificationPassed: true, EvidenceRefs: []string{"e2"},
		ExistingEvidenceRefs: []string{"e1"},
	}, th)
	require.NoError(t, err)
	require.Equal(t, []string{"e2"}, res.NewEvidenceRefs)
}

func TestEvaluateTooManyRefs(t *testing.T) {
	refs := make([]string, 17)
	for i := range refs {
		refs[i] = "e"
	}
	_, err := donegate.Evaluate(donegate.Input{
		AgentID: "w1", Mode: donegate.ModeCheap, Confidence: 0.96,
		VerificationPassed: true, EvidenceRefs: refs,
	}, thresholds())
	require.Error(t, err)
	herr := err.(*herrors.Error)
	require.Equal(t, herrors.CodeEvidenceTooMany, herr.Code)
}

func TestResolveModePrecedence(t *testing.T) {
	require.Equal(t, "strict", donegate.ResolveMode("strict", "cheap", false, "cheap"))
	require.Equal(t, "cheap", donegate.ResolveMode("", "cheap", true, "cheap"))
	require.Equal(t, "strict", donegate.ResolveMode("", "", true, "cheap"))
	require.Equal(t, "cheap", donegate.ResolveMode("", "", false, "cheap"))
}
