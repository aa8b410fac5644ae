// Package maintenance implements the periodic background
// sweep that expires stale claims, garbage-collects agents, archives
// done tasks, sweeps TTL-bounded tables, and evaluates SLO alerts.
// A ticker loop runs every step in one pass; each step is individually
// callable (and unit-testable) on its own.
package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coordhub/hub/pkg/agents"
	"github.com/coordhub/hub/pkg/artifacts"
	"github.com/coordhub/hub/pkg/blobstore"
	"github.com/coordhub/hub/pkg/claims"
	"github.com/coordhub/hub/pkg/idempotency"
	"github.com/coordhub/hub/pkg/store"
	"github.com/coordhub/hub/pkg/tasks"
)

// Config bundles the TTLs and thresholds Run needs.
type Config struct {
	PersistentOfflineAfter time.Duration
	EphemeralOfflineAfter  time.Duration
	EphemeralClaimReapAfter time.Duration
	PersistentAgentTTL     time.Duration
	EphemeralAgentTTL      time.Duration

	IdempotencyTTL      time.Duration
	MessageTTL          time.Duration
	ActivityLogTTL      time.Duration
	ProtocolBlobTTL     time.Duration
	ArtifactDefaultTTL  time.Duration
	AuthEventTTL        time.Duration
	ResolvedSLOAlertTTL time.Duration

	TaskArchiveTTL        time.Duration
	TaskArchiveBatchLimit int

	SLOPendingAgeThreshold      time.Duration
	SLOStaleInProgressThreshold time.Duration
	SLOClaimChurnWindow         time.Duration
	SLOClaimChurnThreshold      int
}

// Service runs the maintenance sweep.
type Service struct {
	st      *store.Store
	claims  *claims.Engine
	tasks   *tasks.Board
	blobs   *blobstore.Store
	arts    *artifacts.Manager
	idem    *idempotency.Ledger
	cfg     Config
	now     func() time.Time
	log     *slog.Logger
	onTick  func() // invalidates watermark caches after a mutating pass

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Service.
func New(st *store.Store, claimEngine *claims.Engine, board *tasks.Board, blobs *blobstore.Store,
	arts *artifacts.Manager, idem *idempotency.Ledger, cfg Config, log *slog.Logger, onTick func()) *Service {
	if log == nil {
		log = slog.Default()
	}
	if onTick == nil {
		onTick = func() {}
	}
	return &Service{
		st: st, claims: claimEngine, tasks: board, blobs: blobs, arts: arts, idem: idem,
		cfg: cfg, now: time.Now, log: log, onTick: onTick, stopCh: make(chan struct{}),
	}
}

// Start runs RunOnce every interval until Stop is called.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil {
					s.log.Error("maintenance pass failed", "error", err)
				}
			}
		}
	}()
}

// Stop signals the background loop to exit and waits for it.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Report summarizes one RunOnce pass (used by the run_maintenance tool).
type Report struct {
	ExpiredClaims       int
	AgentsMarkedOffline int
	ReapedEphemeralClaims int
	AgentsDeleted       int
	OrphanedRequeued    int
	IdempotencySwept    int
	MessagesSwept       int
	ActivityLogSwept    int
	BlobsSwept          int
	ArtifactsSwept      int
	AuthEventsSwept     int
	SLOAlertsSwept      int
	TasksArchived       int
	SLOAlertsRaised     []string
	SLOAlertsResolved   []string
}

// RunOnce executes the eight maintenance steps in order.
func (s *Service) RunOnce(ctx context.Context) (*Report, error) {
	now := s.now()
	var report Report

	n, err := s.claims.ExpireStale(ctx, 500, true)
	if err != nil {
		return nil, fmt.Errorf("maintenance: expire claims: %w", err)
	}
	report.ExpiredClaims = n

	offline, err := s.markInactiveAgentsOffline(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("maintenance: mark offline: %w", err)
	}
	report.AgentsMarkedOffline = offline

	reaped, err := s.reapEphemeralClaims(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("maintenance: reap ephemeral claims: %w", err)
	}
	report.ReapedEphemeralClaims = reaped

	deleted, err := s.deleteStaleAgents(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("maintenance: delete stale agents: %w", err)
	}
	report.AgentsDeleted = deleted

	requeued, err := s.requeueOrphanedAssignments(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("maintenance: requeue orphans: %w", err)
	}
	report.OrphanedRequeued = requeued

	if report.IdempotencySwept, err = s.idem.Sweep(ctx, now.Add(-s.cfg.IdempotencyTTL)); err != nil {
		return nil, fmt.Errorf("maintenance: sweep idempotency: %w", err)
	}
	if report.MessagesSwept, err = s.sweepMessages(ctx, now); err != nil {
		return nil, fmt.Errorf("maintenance: sweep messages: %w", err)
	}
	if report.ActivityLogSwept, err = s.sweepActivityLog(ctx, now); err != nil {
		return nil, fmt.Errorf("maintenance: sweep activity log: %w", err)
	}
	if report.BlobsSwept, err = s.blobs.GC(ctx, now.Add(-s.cfg.ProtocolBlobTTL), 500); err != nil {
		return nil, fmt.Errorf("maintenance: blob gc: %w", err)
	}
	if report.ArtifactsSwept, err = s.sweepArtifacts(ctx, now); err != nil {
		return nil, fmt.Errorf("maintenance: sweep artifacts: %w", err)
	}
	if report.AuthEventsSwept, err = s.sweepAuthEvents(ctx, now); err != nil {
		return nil, fmt.Errorf("maintenance: sweep auth events: %w", err)
	}
	if report.SLOAlertsSwept, err = s.sweepResolvedSLOAlerts(ctx, now); err != nil {
		return nil, fmt.Errorf("maintenance: sweep slo alerts: %w", err)
	}

	archived, err := s.tasks.ArchiveDone(ctx, now.Add(-s.cfg.TaskArchiveTTL), s.cfg.TaskArchiveBatchLimit)
	if err != nil {
		return nil, fmt.Errorf("maintenance: archive done tasks: %w", err)
	}
	report.TasksArchived = archived

	raised, resolved, err := s.evaluateSLOs(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("maintenance: evaluate slos: %w", err)
	}
	report.SLOAlertsRaised = raised
	report.SLOAlertsResolved = resolved

	s.onTick()
	return &report, nil
}

// step 2: mark inactive agents offline.
func (s *Service) markInactiveAgentsOffline(ctx context.Context, now time.Time) (int, error) {
	res, err := s.st.Writer().ExecContext(ctx, `
		UPDATE agents SET status = ?
		WHERE status = ? AND (
			(lifecycle = ? AND last_seen < ?) OR
			(lifecycle = ? AND last_seen < ?)
		)`,
		agents.StatusOffline, agents.StatusOnline,
		agents.LifecyclePersistent, now.Add(-s.cfg.PersistentOfflineAfter),
		agents.LifecycleEphemeral, now.Add(-s.cfg.EphemeralOfflineAfter))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// step 3: reap offline ephemeral agents' lingering claims.
func (s *Service) reapEphemeralClaims(ctx context.Context, now time.Time) (int, error) {
	var taskIDs []int64
	err := s.st.Reader().SelectContext(ctx, &taskIDs, `
		SELECT c.task_id FROM task_claims c
		JOIN agents a ON a.id = c.agent_id
		WHERE a.lifecycle = ? AND a.status = ? AND a.last_seen < ?`,
		agents.LifecycleEphemeral, agents.StatusOffline, now.Add(-s.cfg.EphemeralClaimReapAfter))
	if err != nil {
		return 0, err
	}
	if len(taskIDs) == 0 {
		return 0, nil
	}
	err = s.st.RunInTx(ctx, func(tx *store.Tx) error {
		for _, id := range taskIDs {
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_claims WHERE task_id = ?`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status='pending', assigned_to=NULL, updated_at=? WHERE id=? AND status='in_progress'`, now, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(taskIDs), nil
}

// step 4: delete stale offline agents, cascading claims/assignments/tokens.
func (s *Service) deleteStaleAgents(ctx context.Context, now time.Time) (int, error) {
	var ids []string
	err := s.st.Reader().SelectContext(ctx, &ids, `
		SELECT id FROM agents WHERE status = ? AND (
			(lifecycle = ? AND last_seen < ?) OR
			(lifecycle = ? AND last_seen < ?)
		)`,
		agents.StatusOffline,
		agents.LifecyclePersistent, now.Add(-s.cfg.PersistentAgentTTL),
		agents.LifecycleEphemeral, now.Add(-s.cfg.EphemeralAgentTTL))
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	err = s.st.RunInTx(ctx, func(tx *store.Tx) error {
		for _, id := range ids {
			var taskIDs []int64
			if err := tx.SelectContext(ctx, &taskIDs, `SELECT task_id FROM task_claims WHERE agent_id=?`, id); err != nil {
				return err
			}
			for _, tid := range taskIDs {
				if _, err := tx.ExecContext(ctx, `
					UPDATE tasks SET status='pending', assigned_to=NULL, updated_at=? WHERE id=? AND status='in_progress'`, now, tid); err != nil {
					return err
				}
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_claims WHERE agent_id=?`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM agent_tokens WHERE agent_id=?`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id=?`, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// step 5: requeue assignments pointing at an agent id no longer present.
func (s *Service) requeueOrphanedAssignments(ctx context.Context, now time.Time) (int, error) {
	res, err := s.st.Writer().ExecContext(ctx, `
		UPDATE tasks SET status='pending', assigned_to=NULL, updated_at=?
		WHERE status='in_progress' AND assigned_to IS NOT NULL
		AND assigned_to NOT IN (SELECT id FROM agents)
		AND id NOT IN (SELECT task_id FROM task_claims)`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// sweepMessages deletes expired messages, first releasing the blob
// references their contents hold so the reference count falls with the
// delete, not just with the insert.
func (s *Service) sweepMessages(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.cfg.MessageTTL)
	var contents []string
	if err := s.st.Reader().SelectContext(ctx, &contents, `
		SELECT content FROM messages WHERE created_at < ? AND content LIKE '%"caep-1"%'`, cutoff); err != nil {
		return 0, err
	}
	for _, content := range contents {
		ref, ok := blobstore.ParseBlobRef(content)
		if !ok {
			continue
		}
		if err := s.blobs.DecrementRef(ctx, ref.H); err != nil {
			return 0, err
		}
	}

	res, err := s.st.Writer().ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Service) sweepActivityLog(ctx context.Context, now time.Time) (int, error) {
	res, err := s.st.Writer().ExecContext(ctx, `DELETE FROM activity_log WHERE created_at < ?`, now.Add(-s.cfg.ActivityLogTTL))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// sweepArtifacts removes artifacts past their TTL (explicit
// ttl_expires_at, else the default). File unlink is best-effort and
// left to the caller wiring ARTIFACT_STORAGE_DIR; pkg/hub's artifact
// manager owns the storage path, this sweep only drops the metadata
// row.
func (s *Service) sweepArtifacts(ctx context.Context, now time.Time) (int, error) {
	res, err := s.st.Writer().ExecContext(ctx, `
		DELETE FROM artifacts WHERE
			(ttl_expires_at IS NOT NULL AND ttl_expires_at < ?) OR
			(ttl_expires_at IS NULL AND created_at < ?)`,
		now, now.Add(-s.cfg.ArtifactDefaultTTL))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	s.arts.Sweep() // in-memory ticket sweep rides along with the DB sweep pass
	return int(n), nil
}

func (s *Service) sweepAuthEvents(ctx context.Context, now time.Time) (int, error) {
	res, err := s.st.Writer().ExecContext(ctx, `DELETE FROM auth_events WHERE created_at < ?`, now.Add(-s.cfg.AuthEventTTL))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Service) sweepResolvedSLOAlerts(ctx context.Context, now time.Time) (int, error) {
	res, err := s.st.Writer().ExecContext(ctx, `
		DELETE FROM slo_alerts WHERE resolved_at IS NOT NULL AND resolved_at < ?`, now.Add(-s.cfg.ResolvedSLOAlertTTL))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// sloCheck is one alert code's evaluation result: active means the
// condition currently holds, so the alert should be open (raised if
// not already open, left alone if already open); !active resolves any
// currently-open alert with that code.
type sloCheck struct {
	code     string
	severity string
	message  string
	active   bool
}

// evaluateSLOs runs the three SLO checks, dedupe-by-code via the unique partial index `(code) WHERE
// resolved_at IS NULL`: an `INSERT ... WHERE NOT EXISTS`
// against the open-alert set, rather than a read-then-write check, so
// raising an already-open alert is a race-free no-op.
func (s *Service) evaluateSLOs(ctx context.Context, now time.Time) (raised, resolved []string, err error) {
	checks, err := s.buildSLOChecks(ctx, now)
	if err != nil {
		return nil, nil, err
	}

	for _, c := range checks {
		if c.active {
			res, err := s.st.Writer().ExecContext(ctx, `
				INSERT INTO slo_alerts (code, severity, message, details, created_at)
				SELECT ?, ?, ?, '{}', ?
				WHERE NOT EXISTS (SELECT 1 FROM slo_alerts WHERE code = ? AND resolved_at IS NULL)`,
				c.code, c.severity, c.message, now, c.code)
			if err != nil {
				return nil, nil, err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				raised = append(raised, c.code)
			}
		} else {
			res, err := s.st.Writer().ExecContext(ctx, `
				UPDATE slo_alerts SET resolved_at = ? WHERE code = ? AND resolved_at IS NULL`, now, c.code)
			if err != nil {
				return nil, nil, err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				resolved = append(resolved, c.code)
			}
		}
	}
	return raised, resolved, nil
}

// EvaluateSLOs runs the SLO checks on demand, outside a
// full RunOnce pass (used by the evaluate_slo_alerts tool).
func (s *Service) EvaluateSLOs(ctx context.Context) (raised, resolved []string, err error) {
	return s.evaluateSLOs(ctx, s.now())
}

// buildSLOChecks computes the three SLO conditions. Each is
// independent; a later check's query does not depend on an earlier
// one's result.
func (s *Service) buildSLOChecks(ctx context.Context, now time.Time) ([]sloCheck, error) {
	var checks []sloCheck

	var oldestPendingAgeMS sql.NullInt64
	if err := s.st.Reader().GetContext(ctx, &oldestPendingAgeMS, `
		SELECT MAX(CAST((julianday(?) - julianday(created_at)) * 86400000 AS INTEGER))
		FROM tasks WHERE status = 'pending'`, now); err != nil {
		return nil, err
	}
	highPendingAge := oldestPendingAgeMS.Valid &&
		time.Duration(oldestPendingAgeMS.Int64)*time.Millisecond > s.cfg.SLOPendingAgeThreshold
	checks = append(checks, sloCheck{
		code: "high_pending_age", severity: "high",
		message: "oldest pending task exceeds the age threshold",
		active:  highPendingAge,
	})

	var staleInProgress int
	if err := s.st.Reader().GetContext(ctx, &staleInProgress, `
		SELECT COUNT(*) FROM tasks t
		WHERE t.status = 'in_progress' AND t.updated_at < ?
		AND t.id NOT IN (SELECT task_id FROM task_claims)`,
		now.Add(-s.cfg.SLOStaleInProgressThreshold)); err != nil {
		return nil, err
	}
	checks = append(checks, sloCheck{
		code: "stale_in_progress", severity: "critical",
		message: "in-progress task with no active claim has gone stale",
		active:  staleInProgress >= 1,
	})

	var claimChurn int
	if err := s.st.Reader().GetContext(ctx, &claimChurn, `
		SELECT COUNT(*) FROM activity_log
		WHERE created_at >= ? AND kind IN ('claim_task', 'renew_task_claim', 'release_task_claim', 'poll_and_claim')`,
		now.Add(-s.cfg.SLOClaimChurnWindow)); err != nil {
		return nil, err
	}
	checks = append(checks, sloCheck{
		code: "claim_churn", severity: "medium",
		message: "claim/renew/release activity rate exceeds the churn threshold",
		active:  claimChurn >= s.cfg.SLOClaimChurnThreshold,
	})

	return checks, nil
}
