package watermark_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coordhub/hub/pkg/store"
	"github.com/coordhub/hub/pkg/watermark"
)

func newClock(t *testing.T) (*store.Store, *watermark.Clock) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	clk, err := watermark.New(st, 0, 100)
	require.NoError(t, err)
	return st, clk
}

func TestSnapshotAdvancesOnTaskInsert(t *testing.T) {
	st, clk := newClock(t)
	ctx := context.Background()

	before, err := clk.Snapshot(ctx, "w1", watermark.Fallback{})
	require.NoError(t, err)

	now := time.Now()
	_, err = st.Writer().ExecContext(ctx, `
		INSERT INTO tasks (title, description, namespace, priority, execution_mode, consistency_mode,
			status, creator, trace_id, span_id, created_at, updated_at)
		VALUES ('t', '', 'default', 'medium', 'any', 'cheap', 'pending', '', '', '', ?, ?)`, now, now)
	require.NoError(t, err)

	after, err := clk.Snapshot(ctx, "w1", watermark.Fallback{})
	require.NoError(t, err)
	require.Greater(t, after.Tasks, before.Tasks)
}

func TestSnapshotFallbackOverridesRecompute(t *testing.T) {
	_, clk := newClock(t)
	ctx := context.Background()
	override := int64(999)

	snap, err := clk.Snapshot(ctx, "w1", watermark.Fallback{Tasks: &override})
	require.NoError(t, err)
	require.Equal(t, int64(999), snap.Tasks)
}
