package tasks_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coordhub/hub/pkg/herrors"
	"github.com/coordhub/hub/pkg/store"
	"github.com/coordhub/hub/pkg/tasks"
)

func newTestBoard(t *testing.T) *tasks.Board {
	t.Helper()
	_, b := newTestBoardWithStore(t)
	return b
}

func newTestBoardWithStore(t *testing.T) (*store.Store, *tasks.Board) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st, tasks.New(st)
}

func TestCreateDefaultsAndCriticalUpgrade(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	task, err := b.Create(ctx, tasks.CreateInput{Title: "plain"})
	require.NoError(t, err)
	require.Equal(t, tasks.PriorityMedium, task.Priority)
	require.Equal(t, tasks.ConsistencyCheap, task.ConsistencyMode)
	require.Equal(t, tasks.StatusPending, task.Status)
	require.Equal(t, "default", task.Namespace)

	critical, err := b.Create(ctx, tasks.CreateInput{Title: "urgent", Priority: tasks.PriorityCritical})
	require.NoError(t, err)
	require.Equal(t, tasks.ConsistencyStrict, critical.ConsistencyMode, "critical tasks default to strict consistency")

	pinned, err := b.Create(ctx, tasks.CreateInput{
		Title: "urgent-but-cheap", Priority: tasks.PriorityCritical,
		ConsistencyMode: tasks.ConsistencyCheap, ConsistencyPinned: true,
	})
	require.NoError(t, err)
	require.Equal(t, tasks.ConsistencyCheap, pinned.ConsistencyMode)
}

func TestCreateRejectsUnknownDependency(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	_, err := b.Create(ctx, tasks.CreateInput{Title: "child", DependsOn: []int64{999}})
	require.Error(t, err)
	herr, ok := err.(*herrors.Error)
	require.True(t, ok)
	require.Equal(t, herrors.CodeInvalidDependency, herr.Code)
}

func TestUpdateRecordsStatusHistoryOnlyOnChange(t *testing.T) {
	st, b := newTestBoardWithStore(t)
	ctx := context.Background()
	task, err := b.Create(ctx, tasks.CreateInput{Title: "t"})
	require.NoError(t, err)

	inProgress := tasks.StatusInProgress
	_, err = b.Update(ctx, task.ID, tasks.UpdateInput{Status: &inProgress, ChangedBy: "agent-1", Source: "claim"})
	require.NoError(t, err)

	// Updating something else must not add a second history row.
	title := "retitled"
	updated, err := b.Update(ctx, task.ID, tasks.UpdateInput{Title: &title})
	require.NoError(t, err)
	require.Equal(t, "retitled", updated.Title)
	require.Equal(t, tasks.StatusInProgress, updated.Status)

	var historyRows int
	require.NoError(t, st.Reader().GetContext(ctx, &historyRows,
		`SELECT COUNT(*) FROM task_status_history WHERE task_id = ?`, task.ID))
	require.Equal(t, 1, historyRows)
}

func TestListReadyOnlyExcludesBlockedByIncompleteDeps(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	parent, err := b.Create(ctx, tasks.CreateInput{Title: "parent"})
	require.NoError(t, err)
	child, err := b.Create(ctx, tasks.CreateInput{Title: "child", DependsOn: []int64{parent.ID}})
	require.NoError(t, err)

	ready, err := b.List(ctx, tasks.ListFilter{ReadyOnly: true})
	require.NoError(t, err)
	ids := make(map[int64]bool)
	for _, r := range ready {
		ids[r.ID] = true
	}
	require.True(t, ids[parent.ID])
	require.False(t, ids[child.ID])

	done := tasks.StatusDone
	_, err = b.Update(ctx, parent.ID, tasks.UpdateInput{Status: &done})
	require.NoError(t, err)

	ready, err = b.List(ctx, tasks.ListFilter{ReadyOnly: true})
	require.NoError(t, err)
	ids = make(map[int64]bool)
	for _, r := range ready {
		ids[r.ID] = true
	}
	require.True(t, ids[child.ID])
}

func TestDeleteRejectsClaimedTaskAndArchivesOtherwise(t *testing.T) {
	st, b := newTestBoardWithStore(t)
	ctx := context.Background()
	task, err := b.Create(ctx, tasks.CreateInput{Title: "t"})
	require.NoError(t, err)

	now := time.Now()
	_, err = st.Writer().ExecContext(ctx, `
		INSERT INTO task_claims (task_id, agent_id, claim_id, claimed_at, lease_expires_at, updated_at)
		VALUES (?, 'w1', 'c1', ?, ?, ?)`, task.ID, now, now.Add(time.Minute), now)
	require.NoError(t, err)

	err = b.Delete(ctx, task.ID, true, "manual")
	require.Error(t, err)
	herr, ok := err.(*herrors.Error)
	require.True(t, ok)
	require.Equal(t, herrors.CodeTaskClaimed, herr.Code)

	_, err = st.Writer().ExecContext(ctx, `DELETE FROM task_claims WHERE task_id = ?`, task.ID)
	require.NoError(t, err)

	require.NoError(t, b.Delete(ctx, task.ID, true, "manual"))
	_, err = b.Get(ctx, task.ID)
	require.Error(t, err)
	herr, ok = err.(*herrors.Error)
	require.True(t, ok)
	require.Equal(t, herrors.CodeTaskNotFound, herr.Code)
}

func TestArchiveDoneMovesOldDoneTasks(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	task, err := b.Create(ctx, tasks.CreateInput{Title: "t"})
	require.NoError(t, err)
	done := tasks.StatusDone
	_, err = b.Update(ctx, task.ID, tasks.UpdateInput{Status: &done})
	require.NoError(t, err)

	n, err := b.ArchiveDone(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = b.Get(ctx, task.ID)
	require.Error(t, err)
}
