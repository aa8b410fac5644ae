package claims_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coordhub/hub/pkg/claims"
	"github.com/coordhub/hub/pkg/herrors"
	"github.com/coordhub/hub/pkg/store"
	"github.com/coordhub/hub/pkg/tasks"
)

func newHarness(t *testing.T) (*store.Store, *tasks.Board, *claims.Engine) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	board := tasks.New(st)
	engine := claims.New(st, claims.Options{MinLease: 5 * time.Second, MaxLease: time.Hour, DefaultLease: time.Minute})
	return st, board, engine
}

func TestPollAndClaimPicksHighestPriorityReadyTask(t *testing.T) {
	_, board, engine := newHarness(t)
	ctx := context.Background()

	low, err := board.Create(ctx, tasks.CreateInput{Title: "low", Priority: tasks.PriorityLow})
	require.NoError(t, err)
	high, err := board.Create(ctx, tasks.CreateInput{Title: "high", Priority: tasks.PriorityHigh})
	require.NoError(t, err)
	_ = low

	claim, task, err := engine.PollAndClaim(ctx, "agent-1", claims.CandidateFilter{}, 0)
	require.NoError(t, err)
	require.NotNil(t, claim)
	require.Equal(t, high.ID, task.ID)
	require.Equal(t, "agent-1", claim.AgentID)
}

func TestPollAndClaimSkipsUnreadyDependents(t *testing.T) {
	_, board, engine := newHarness(t)
	ctx := context.Background()

	parent, err := board.Create(ctx, tasks.CreateInput{Title: "parent", Priority: tasks.PriorityLow})
	require.NoError(t, err)
	_, err = board.Create(ctx, tasks.CreateInput{Title: "child", Priority: tasks.PriorityCritical, DependsOn: []int64{parent.ID}})
	require.NoError(t, err)

	claim, task, err := engine.PollAndClaim(ctx, "agent-1", claims.CandidateFilter{}, 0)
	require.NoError(t, err)
	require.NotNil(t, claim)
	require.Equal(t, parent.ID, task.ID, "child is blocked despite higher priority")
}

func TestClaimTaskRejectsDoubleClaim(t *testing.T) {
	_, board, engine := newHarness(t)
	ctx := context.Background()
	task, err := board.Create(ctx, tasks.CreateInput{Title: "t"})
	require.NoError(t, err)

	_, _, err = engine.ClaimTask(ctx, task.ID, "agent-1", 0)
	require.NoError(t, err)

	_, _, err = engine.ClaimTask(ctx, task.ID, "agent-2", 0)
	require.Error(t, err)
	herr, ok := err.(*herrors.Error)
	require.True(t, ok)
	require.Equal(t, herrors.CodeAlreadyClaimed, herr.Code)
}

func TestRenewClaimDetectsStolenLease(t *testing.T) {
	_, board, engine := newHarness(t)
	ctx := context.Background()
	task, err := board.Create(ctx, tasks.CreateInput{Title: "t"})
	require.NoError(t, err)
	claim, _, err := engine.ClaimTask(ctx, task.ID, "agent-1", 0)
	require.NoError(t, err)

	_, err = engine.RenewClaim(ctx, task.ID, "agent-1", "wrong-claim-id", time.Minute)
	require.Error(t, err)
	herr, ok := err.(*herrors.Error)
	require.True(t, ok)
	require.Equal(t, herrors.CodeClaimIDMismatch, herr.Code)

	renewed, err := engine.RenewClaim(ctx, task.ID, "agent-1", claim.ClaimID, time.Minute)
	require.NoError(t, err)
	require.True(t, renewed.LeaseExpiresAt.After(claim.LeaseExpiresAt) || renewed.LeaseExpiresAt.Equal(claim.LeaseExpiresAt))
}

func TestReleaseClaimReturnsTaskToPending(t *testing.T) {
	_, board, engine := newHarness(t)
	ctx := context.Background()
	task, err := board.Create(ctx, tasks.CreateInput{Title: "t"})
	require.NoError(t, err)
	claim, _, err := engine.ClaimTask(ctx, task.ID, "agent-1", 0)
	require.NoError(t, err)

	require.NoError(t, engine.ReleaseClaim(ctx, task.ID, "agent-1", claim.ClaimID))

	reloaded, err := board.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, tasks.StatusPending, reloaded.Status)
	require.Nil(t, reloaded.AssignedTo)
}

func TestExpireStaleKeepsUnexpiredLeases(t *testing.T) {
	_, board, engine := newHarness(t)
	ctx := context.Background()
	task, err := board.Create(ctx, tasks.CreateInput{Title: "t"})
	require.NoError(t, err)
	_, _, err = engine.ClaimTask(ctx, task.ID, "agent-1", 5*time.Second)
	require.NoError(t, err)

	// The 5s lease (equal to MinLease) is still live, so even a forced
	// sweep must leave the claim in place.
	n, err := engine.ExpireStale(ctx, 100, true)
	require.NoError(t, err)
	require.Equal(t, 0, n, "lease has not expired yet")
}

func TestPollBackoffScalesWithAgentCountAndStreak(t *testing.T) {
	small := claims.PollBackoff(3, 1, false)
	require.Greater(t, small, time.Duration(0))
	require.LessOrEqual(t, small, 3*time.Second)

	large := claims.PollBackoff(50, 1, false)
	require.LessOrEqual(t, large, 12*time.Second)

	grown := claims.PollBackoff(3, 6, false)
	require.LessOrEqual(t, grown, 3*time.Second)
	require.GreaterOrEqual(t, grown, small)
}

func TestPollBackoffCapsAtFiveSecondsWithOtherActiveClaims(t *testing.T) {
	d := claims.PollBackoff(50, 6, true)
	require.LessOrEqual(t, d, 5*time.Second)
}
