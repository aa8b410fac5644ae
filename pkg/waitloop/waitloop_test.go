package waitloop_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coordhub/hub/pkg/cursor"
	"github.com/coordhub/hub/pkg/store"
	"github.com/coordhub/hub/pkg/waitloop"
	"github.com/coordhub/hub/pkg/watermark"
)

func newLoop(t *testing.T) (*store.Store, *waitloop.Loop) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	clk, err := watermark.New(st, 0, 256)
	require.NoError(t, err)
	return st, waitloop.NewLoop(clk, 2.0, 5*time.Second, 0.1)
}

func TestWaitDetectsAdvanceWithinDeadline(t *testing.T) {
	st, l := newLoop(t)
	ctx := context.Background()

	since := cursor.Watermark{}
	done := make(chan *waitloop.Result, 1)
	go func() {
		res, err := l.Wait(ctx, "agent-1", waitloop.Options{
			Streams: waitloop.AllStreams(), Since: since,
			WaitFor: 2 * time.Second, PollInterval: 20 * time.Millisecond,
			MinWait: 10 * time.Millisecond, MaxWait: 5 * time.Second,
			MinPoll: 10 * time.Millisecond, MaxPoll: time.Second,
		})
		require.NoError(t, err)
		done <- res
	}()

	time.Sleep(40 * time.Millisecond)
	_, err := st.Writer().ExecContext(ctx, `
		INSERT INTO tasks (title, namespace, execution_mode, priority, consistency_mode, status, created_at, updated_at)
		VALUES ('task', 'default', 'any', 'medium', 'cheap', 'pending', datetime('now'), datetime('now'))`)
	require.NoError(t, err)

	select {
	case res := <-done:
		require.True(t, res.Changed)
		require.Contains(t, res.Streams, "tasks")
	case <-time.After(3 * time.Second):
		t.Fatal("Wait did not return after task insert")
	}
}

func TestWaitTimesOutWhenNothingAdvances(t *testing.T) {
	_, l := newLoop(t)
	ctx := context.Background()

	start := time.Now()
	res, err := l.Wait(ctx, "agent-1", waitloop.Options{
		Streams: waitloop.AllStreams(), Since: cursor.Watermark{},
		WaitFor: 60 * time.Millisecond, PollInterval: 15 * time.Millisecond,
		MinWait: 10 * time.Millisecond, MaxWait: time.Second,
		MinPoll: 10 * time.Millisecond, MaxPoll: time.Second,
	})
	require.NoError(t, err)
	require.False(t, res.Changed)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitClampsDurationsToBounds(t *testing.T) {
	_, l := newLoop(t)
	ctx := context.Background()

	start := time.Now()
	res, err := l.Wait(ctx, "agent-1", waitloop.Options{
		Streams: waitloop.AllStreams(), Since: cursor.Watermark{},
		WaitFor: time.Nanosecond, PollInterval: time.Nanosecond,
		MinWait: 40 * time.Millisecond, MaxWait: time.Second,
		MinPoll: 10 * time.Millisecond, MaxPoll: time.Second,
	})
	require.NoError(t, err)
	require.False(t, res.Changed)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	_, l := newLoop(t)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := l.Wait(ctx, "agent-1", waitloop.Options{
		Streams: waitloop.AllStreams(), Since: cursor.Watermark{},
		WaitFor: time.Second, PollInterval: time.Second,
		MinWait: 10 * time.Millisecond, MaxWait: time.Second,
		MinPoll: 10 * time.Millisecond, MaxPoll: time.Second,
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNextRetryGrowsWithStreakAndRespectsCap(t *testing.T) {
	_, l := newLoop(t)

	first := l.NextRetry(0)
	require.Greater(t, first, time.Duration(0))

	later := l.NextRetry(10)
	require.LessOrEqual(t, later, 5*time.Second)

	for i := 0; i < 20; i++ {
		require.LessOrEqual(t, l.NextRetry(i), 5*time.Second)
	}
}
