package maintenance_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coordhub/hub/pkg/artifacts"
	"github.com/coordhub/hub/pkg/blobstore"
	"github.com/coordhub/hub/pkg/claims"
	"github.com/coordhub/hub/pkg/idempotency"
	"github.com/coordhub/hub/pkg/maintenance"
	"github.com/coordhub/hub/pkg/store"
	"github.com/coordhub/hub/pkg/tasks"
)

func testConfig() maintenance.Config {
	return maintenance.Config{
		PersistentOfflineAfter:  30 * time.Minute,
		EphemeralOfflineAfter:   5 * time.Minute,
		EphemeralClaimReapAfter: 60 * time.Second,
		PersistentAgentTTL:      7 * 24 * time.Hour,
		EphemeralAgentTTL:       2 * time.Hour,

		IdempotencyTTL:      10 * time.Minute,
		MessageTTL:          24 * time.Hour,
		ActivityLogTTL:      24 * time.Hour,
		ProtocolBlobTTL:     7 * 24 * time.Hour,
		ArtifactDefaultTTL:  7 * 24 * time.Hour,
		AuthEventTTL:        7 * 24 * time.Hour,
		ResolvedSLOAlertTTL: 14 * 24 * time.Hour,

		TaskArchiveTTL:        7 * 24 * time.Hour,
		TaskArchiveBatchLimit: 200,

		SLOPendingAgeThreshold:      30 * time.Minute,
		SLOStaleInProgressThreshold: 20 * time.Minute,
		SLOClaimChurnWindow:         10 * time.Minute,
		SLOClaimChurnThreshold:      120,
	}
}

func newHarness(t *testing.T) (*store.Store, *maintenance.Service) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	board := tasks.New(st)
	claimEngine := claims.New(st, claims.Options{MinLease: 5 * time.Second, MaxLease: time.Hour, DefaultLease: time.Minute})
	blobs := blobstore.New(st, 256, 10)
	arts := artifacts.New(st, time.Minute, time.Hour)
	idem := idempotency.New(st)

	svc := maintenance.New(st, claimEngine, board, blobs, arts, idem, testConfig(), nil, nil)
	return st, svc
}

func TestRunOnceCompletesCleanOnEmptyStore(t *testing.T) {
	_, svc := newHarness(t)
	report, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)
}

func TestRunOnceMarksInactiveEphemeralAgentOffline(t *testing.T) {
	st, svc := newHarness(t)
	ctx := context.Background()

	stale := time.Now().Add(-10 * time.Minute)
	_, err := st.Writer().ExecContext(ctx, `
		INSERT INTO agents (id, name, lifecycle, status, last_seen, created_at)
		VALUES ('agent-1', 'a1', 'ephemeral', 'online', ?, ?)`, stale, stale)
	require.NoError(t, err)

	_, err = svc.RunOnce(ctx)
	require.NoError(t, err)

	var status string
	require.NoError(t, st.Reader().GetContext(ctx, &status, `SELECT status FROM agents WHERE id='agent-1'`))
	require.Equal(t, "offline", status)
}

func TestRunOnceDeletesStaleOfflineAgentAndFreesItsTask(t *testing.T) {
	st, board := st0(t)
	svc := board.svc
	ctx := context.Background()

	longGone := time.Now().Add(-3 * 24 * time.Hour)
	_, err := st.Writer().ExecContext(ctx, `
		INSERT INTO agents (id, name, lifecycle, status, last_seen, created_at)
		VALUES ('agent-old', 'old', 'ephemeral', 'offline', ?, ?)`, longGone, longGone)
	require.NoError(t, err)

	task, err := board.board.Create(ctx, tasks.CreateInput{Title: "t"})
	require.NoError(t, err)
	_, err = st.Writer().ExecContext(ctx, `UPDATE tasks SET status='in_progress', assigned_to='agent-old' WHERE id=?`, task.ID)
	require.NoError(t, err)
	_, err = st.Writer().ExecContext(ctx, `
		INSERT INTO task_claims (task_id, agent_id, claim_id, claimed_at, lease_expires_at, updated_at)
		VALUES (?, 'agent-old', 'claim-1', ?, ?, ?)`, task.ID, longGone, longGone, longGone)
	require.NoError(t, err)

	_, err = svc.RunOnce(ctx)
	require.NoError(t, err)

	var count int
	require.NoError(t, st.Reader().GetContext(ctx, &count, `SELECT COUNT(*) FROM agents WHERE id='agent-old'`))
	require.Equal(t, 0, count)

	reloaded, err := board.board.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, tasks.StatusPending, reloaded.Status)
}

func TestRunOnceRaisesHighPendingAgeAlertAndResolvesWhenCleared(t *testing.T) {
	st, svc := newHarness(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	_, err := st.Writer().ExecContext(ctx, `
		INSERT INTO tasks (title, namespace, execution_mode, priority, consistency_mode, status, created_at, updated_at)
		VALUES ('task', 'default', 'any', 'medium', 'cheap', 'pending', ?, ?)`, old, old)
	require.NoError(t, err)

	report, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	require.Contains(t, report.SLOAlertsRaised, "high_pending_age")

	report2, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	require.Empty(t, report2.SLOAlertsRaised, "already-open alert should not re-raise")

	_, err = st.Writer().ExecContext(ctx, `UPDATE tasks SET status='done'`)
	require.NoError(t, err)

	report3, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	require.Contains(t, report3.SLOAlertsResolved, "high_pending_age")
}

func TestRunOnceReleasesBlobRefsOfSweptMessages(t *testing.T) {
	st, svc := newHarness(t)
	ctx := context.Background()

	blobs := blobstore.New(st, 256, 10)
	_, err := blobs.Put(ctx, "sweephash", "payload")
	require.NoError(t, err)
	require.NoError(t, blobs.IncrementRef(ctx, "sweephash"))

	old := time.Now().Add(-48 * time.Hour)
	_, err = st.Writer().ExecContext(ctx, `
		INSERT INTO messages (from_agent, content, metadata, trace_id, span_id, created_at)
		VALUES ('w1', '{"v":"caep-1","k":"blob","h":"sweephash","c":7}', '{}', '', '', ?)`, old)
	require.NoError(t, err)

	report, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.MessagesSwept)

	var refCount int
	require.NoError(t, st.Reader().GetContext(ctx, &refCount, `
		SELECT reference_count FROM protocol_blobs WHERE hash = 'sweephash'`))
	require.Equal(t, 0, refCount)
}

func TestRunOnceSweepsArtifactsPastExplicitTTL(t *testing.T) {
	st, svc := newHarness(t)
	ctx := context.Background()

	arts := artifacts.New(st, time.Minute, time.Hour)
	// Fresh row whose explicit retention window is already over; the
	// default 7d retention alone would keep it.
	expired, err := arts.Create(ctx, artifacts.CreateInput{ID: "art-expired", CreatedBy: "w1", Name: "a", RetainFor: time.Nanosecond})
	require.NoError(t, err)
	require.NotNil(t, expired.TTLExpiresAt)
	kept, err := arts.Create(ctx, artifacts.CreateInput{ID: "art-kept", CreatedBy: "w1", Name: "b", RetainFor: 48 * time.Hour})
	require.NoError(t, err)
	require.NotNil(t, kept.TTLExpiresAt)

	time.Sleep(5 * time.Millisecond)
	report, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.ArtifactsSwept)

	var remaining []string
	require.NoError(t, st.Reader().SelectContext(ctx, &remaining, `SELECT id FROM artifacts`))
	require.Equal(t, []string{"art-kept"}, remaining)
}

func TestRunOnceSweepsExpiredIdempotencyKeys(t *testing.T) {
	st, svc := newHarness(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	_, err := st.Writer().ExecContext(ctx, `
		INSERT INTO idempotency_keys (agent_id, tool, key, response, created_at)
		VALUES ('a1', 'create_task', 'k1', '{}', ?)`, old)
	require.NoError(t, err)

	report, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.IdempotencySwept)
}

// st0 is a small helper bundling the store and board together for the
// cascade-delete test, which needs both the raw store handle and the
// board's Create/Get API.
type boardHarness struct {
	board *tasks.Board
	svc   *maintenance.Service
}

func st0(t *testing.T) (*store.Store, boardHarness) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	board := tasks.New(st)
	claimEngine := claims.New(st, claims.Options{MinLease: 5 * time.Second, MaxLease: time.Hour, DefaultLease: time.Minute})
	blobs := blobstore.New(st, 256, 10)
	arts := artifacts.New(st, time.Minute, time.Hour)
	idem := idempotency.New(st)
	svc := maintenance.New(st, claimEngine, board, blobs, arts, idem, testConfig(), nil, nil)

	return st, boardHarness{board: board, svc: svc}
}
