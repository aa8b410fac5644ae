package consensus_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coordhub/hub/pkg/consensus"
	"github.com/coordhub/hub/pkg/herrors"
	"github.com/coordhub/hub/pkg/store"
)

func newResolver(t *testing.T, quality consensus.QualityLookup, fetch consensus.BlobFetcher) *consensus.Resolver {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	if quality == nil {
		quality = func(ctx context.Context, agentID string) (int, int, error) { return 0, 0, nil }
	}
	return consensus.New(st, quality, fetch, nil)
}

func TestResolveAcceptsOnWeightedMajority(t *testing.T) {
	r := newResolver(t, nil, nil)
	d, err := r.Resolve(context.Background(), consensus.Input{
		ProposalID: "p1", RequestingAgent: "w1",
		InlineVotes: []consensus.Vote{
			{AgentID: "a", Decision: "accept", Confidence: 0.9},
			{AgentID: "b", Decision: "accept", Confidence: 0.9},
		},
		Opts: consensus.DefaultOptions(),
	})
	require.NoError(t, err)
	require.Equal(t, consensus.OutcomeAccept, d.Outcome)
}

func TestResolveEscalatesOnHighDisagreement(t *testing.T) {
	r := newResolver(t, nil, nil)
	d, err := r.Resolve(context.Background(), consensus.Input{
		ProposalID: "p1", RequestingAgent: "w1",
		InlineVotes: []consensus.Vote{
			{AgentID: "a", Decision: "accept", Confidence: 0.9},
			{AgentID: "b", Decision: "reject", Confidence: 0.9},
			{AgentID: "c", Decision: "accept", Confidence: 0.1},
		},
		Opts: consensus.Options{DisagreementThreshold: 0.2, MinNonAbstainVotes: 2, DedupeByAgent: true, QualityWeighting: true},
	})
	require.NoError(t, err)
	require.Equal(t, consensus.OutcomeEscalateVerifier, d.Outcome)
	require.Len(t, d.Reasons, 1)
	require.Contains(t, d.Reasons[0], "high_disagreement:")
}

func TestResolveEscalatesOnInsufficientNonAbstain(t *testing.T) {
	r := newResolver(t, nil, nil)
	d, err := r.Resolve(context.Background(), consensus.Input{
		ProposalID: "p1", RequestingAgent: "w1",
		InlineVotes: []consensus.Vote{
			{AgentID: "a", Decision: "abstain", Confidence: 0.9},
		},
		Opts: consensus.DefaultOptions(),
	})
	require.NoError(t, err)
	require.Equal(t, consensus.OutcomeEscalateVerifier, d.Outcome)
	require.Equal(t, "insufficient_non_abstain_votes", d.Reasons[0])
}

func TestResolveDedupeKeepsLastVotePerAgent(t *testing.T) {
	r := newResolver(t, nil, nil)
	d, err := r.Resolve(context.Background(), consensus.Input{
		ProposalID: "p1", RequestingAgent: "w1",
		InlineVotes: []consensus.Vote{
			{AgentID: "a", Decision: "accept", Confidence: 0.9},
			{AgentID: "a", Decision: "reject", Confidence: 0.9},
			{AgentID: "b", Decision: "reject", Confidence: 0.9},
		},
		Opts: consensus.DefaultOptions(),
	})
	require.NoError(t, err)
	require.Equal(t, consensus.OutcomeReject, d.Outcome)
	require.Equal(t, 0, d.AcceptCount)
	require.Equal(t, 2, d.RejectCount)
}

func TestResolveRejectsInvalidBlobHash(t *testing.T) {
	r := newResolver(t, nil, nil)
	_, err := r.Resolve(context.Background(), consensus.Input{
		ProposalID: "p1", RequestingAgent: "w1",
		VotesBlobHash: "not-hex",
		Opts:          consensus.DefaultOptions(),
	})
	require.Error(t, err)
	herr := err.(*herrors.Error)
	require.Equal(t, herrors.CodeInvalidVotesBlobRef, herr.Code)
}

func TestResolveBlobSourcedVotesArrayAndEnvelope(t *testing.T) {
	votes := []consensus.Vote{
		{AgentID: "a", Decision: "accept", Confidence: 0.9},
		{AgentID: "b", Decision: "accept", Confidence: 0.9},
	}
	arrayJSON, _ := json.Marshal(votes)
	hash := "a" + fixedHex(63)

	fetch := func(ctx context.Context, h string) (string, bool, bool, error) {
		require.Equal(t, hash, h)
		return string(arrayJSON), true, true, nil
	}
	r := newResolver(t, nil, fetch)
	d, err := r.Resolve(context.Background(), consensus.Input{
		ProposalID: "p1", RequestingAgent: "w1", VotesBlobHash: hash,
		Opts: consensus.DefaultOptions(),
	})
	require.NoError(t, err)
	require.Equal(t, consensus.OutcomeAccept, d.Outcome)
}

func TestResolveBlobIntegrityFailure(t *testing.T) {
	hash := "b" + fixedHex(63)
	fetch := func(ctx context.Context, h string) (string, bool, bool, error) {
		return "", true, false, nil
	}
	r := newResolver(t, nil, fetch)
	_, err := r.Resolve(context.Background(), consensus.Input{
		ProposalID: "p1", RequestingAgent: "w1", VotesBlobHash: hash,
		Opts: consensus.DefaultOptions(),
	})
	require.Error(t, err)
	herr := err.(*herrors.Error)
	require.Equal(t, herrors.CodeVotesBlobIntegrityFailed, herr.Code)
}

func fixedHex(n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = 'a'
	}
	return string(out)
}
