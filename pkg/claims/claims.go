// Package claims implements the claim engine: lease-based task
// claiming, renewal, release, and staleness detection. Claiming is a
// transaction wrapping a conditional UPDATE whose rows-affected count
// is the race signal; there is no optimistic-locking column. The four
// agent-count-bucketed adaptive poll backoffs are
// cenkalti/backoff/v4 ExponentialBackOff configurations selected by
// PollBackoff at poll time; the WaitLoop's own retry backoff
// (pkg/waitloop) is a separate, streak-only schedule for long-poll
// timeouts, not for empty pollAndClaim results.
package claims

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/coordhub/hub/pkg/herrors"
	"github.com/coordhub/hub/pkg/store"
	"github.com/coordhub/hub/pkg/tasks"
)

// Claim is the persisted lease row.
type Claim struct {
	TaskID         int64     `json:"task_id"`
	AgentID        string    `json:"agent_id"`
	ClaimID        string    `json:"claim_id"`
	ClaimedAt      time.Time `json:"claimed_at"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Engine owns the task_claims table and the poll-and-claim scheduler.
type Engine struct {
	st           *store.Store
	now          func() time.Time
	minLease     time.Duration
	maxLease     time.Duration
	defaultLease time.Duration

	expireMu       sync.Mutex
	lastExpire     time.Time
	expireThrottle time.Duration
}

// Options configures an Engine from the config-layer lease bounds.
type Options struct {
	MinLease       time.Duration
	MaxLease       time.Duration
	DefaultLease   time.Duration
	ExpireThrottle time.Duration // min gap between un-forced stale-claim sweeps
}

// New constructs an Engine.
func New(st *store.Store, opts Options) *Engine {
	throttle := opts.ExpireThrottle
	if throttle <= 0 {
		throttle = 5 * time.Second
	}
	return &Engine{
		st: st, now: time.Now,
		minLease: opts.MinLease, maxLease: opts.MaxLease, defaultLease: opts.DefaultLease,
		expireThrottle: throttle,
	}
}

func (e *Engine) clampLease(requested time.Duration) time.Duration {
	if requested <= 0 {
		return e.defaultLease
	}
	if requested < e.minLease {
		return e.minLease
	}
	if requested > e.maxLease {
		return e.maxLease
	}
	return requested
}

// CandidateFilter narrows which pending tasks an agent may claim.
type CandidateFilter struct {
	Namespace string
	Profile   string // repo | isolated | unknown, matched against task.execution_mode
}

// candidateRow is the subset of task + unblock-count data the scheduler
// ranks on.
type candidateRow struct {
	ID            int64  `db:"id"`
	Priority      string `db:"priority"`
	ExecutionMode string `db:"execution_mode"`
	CreatedAt     time.Time `db:"created_at"`
}

var priorityRank = map[string]int{
	"critical": 0,
	"high":      1,
	"medium":    2,
	"low":       3,
}

// PollAndClaim finds the best unclaimed, dependency-ready task matching
// filter and atomically claims it, ordered by priority then unblock
// count (descending) then age.
func (e *Engine) PollAndClaim(ctx context.Context, agentID string, filter CandidateFilter, leaseFor time.Duration) (*Claim, *tasks.Task, error) {
	lease := e.clampLease(leaseFor)
	if _, err := e.ExpireStale(ctx, 200, false); err != nil {
		return nil, nil, err
	}

	var rows []candidateRow
	q := `
		SELECT t.id, t.priority, t.execution_mode, t.created_at
		FROM tasks t
		LEFT JOIN task_claims c ON c.task_id = t.id
		WHERE t.status = 'pending' AND c.task_id IS NULL
		AND NOT EXISTS (
			SELECT 1 FROM task_dependencies td JOIN tasks dep ON dep.id = td.depends_on_task_id
			WHERE td.task_id = t.id AND dep.status != 'done'
		)`
	var args []any
	if filter.Namespace != "" {
		q += ` AND t.namespace = ?`
		args = append(args, filter.Namespace)
	}
	if filter.Profile != "" {
		q += ` AND (t.execution_mode = 'any' OR t.execution_mode = ?)`
		args = append(args, filter.Profile)
	}
	q += ` LIMIT 200`

	if err := e.st.Reader().SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, nil, fmt.Errorf("claims: candidates: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}

	unblockCounts := make(map[int64]int, len(rows))
	for _, r := range rows {
		var n int
		if err := e.st.Reader().GetContext(ctx, &n, `
			SELECT COUNT(*) FROM task_dependencies td JOIN tasks t ON t.id = td.task_id
			WHERE td.depends_on_task_id = ? AND t.status != 'done'`, r.ID); err != nil {
			return nil, nil, fmt.Errorf("claims: unblock count: %w", err)
		}
		unblockCounts[r.ID] = n
	}

	sort.SliceStable(rows, func(i, j int) bool {
		pi, pj := priorityRank[rows[i].Priority], priorityRank[rows[j].Priority]
		if pi != pj {
			return pi < pj
		}
		ui, uj := unblockCounts[rows[i].ID], unblockCounts[rows[j].ID]
		if ui != uj {
			return ui > uj
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})

	for _, cand := range rows {
		claim, task, err := e.tryClaim(ctx, cand.ID, agentID, lease)
		if err != nil {
			return nil, nil, err
		}
		if claim != nil {
			return claim, task, nil
		}
		// rows-affected was 0: another agent won the race, try the next candidate.
	}
	return nil, nil, nil
}

// ClaimTask claims a specific task by id, used by callers that already
// picked a task out-of-band.
func (e *Engine) ClaimTask(ctx context.Context, taskID int64, agentID string, leaseFor time.Duration) (*Claim, *tasks.Task, error) {
	lease := e.clampLease(leaseFor)
	claim, task, err := e.tryClaim(ctx, taskID, agentID, lease)
	if err != nil {
		return nil, nil, err
	}
	if claim == nil {
		return nil, nil, herrors.WithDetail(herrors.CodeAlreadyClaimed, "task is already claimed", map[string]any{"task_id": taskID})
	}
	return claim, task, nil
}

func (e *Engine) tryClaim(ctx context.Context, taskID int64, agentID string, lease time.Duration) (*Claim, *tasks.Task, error) {
	var claim *Claim
	var task *tasks.Task
	now := e.now()
	err := e.st.RunInTx(ctx, func(tx *store.Tx) error {
		var status string
		var ready int
		if err := tx.GetContext(ctx, &status, `SELECT status FROM tasks WHERE id = ?`, taskID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return herrors.New(herrors.CodeTaskNotFound, "task not found")
			}
			return err
		}
		if status == tasks.StatusDone {
			return herrors.New(herrors.CodeTaskAlreadyDone, "task is already done")
		}
		if status != tasks.StatusPending {
			return herrors.New(herrors.CodeAlreadyClaimed, "task is not pending")
		}
		if err := tx.GetContext(ctx, &ready, `
			SELECT COUNT(*) FROM task_dependencies td JOIN tasks dep ON dep.id = td.depends_on_task_id
			WHERE td.task_id = ? AND dep.status != 'done'`, taskID); err != nil {
			return err
		}
		if ready > 0 {
			return herrors.New(herrors.CodeDependenciesNotMet, "task has unmet dependencies")
		}

		claimID := uuid.NewString()
		expires := now.Add(lease)
		res, err := tx.ExecContext(ctx, `
			INSERT INTO task_claims (task_id, agent_id, claim_id, claimed_at, lease_expires_at, updated_at)
			SELECT ?, ?, ?, ?, ?, ?
			WHERE NOT EXISTS (SELECT 1 FROM task_claims WHERE task_id = ?)`,
			taskID, agentID, claimID, now, expires, now, taskID)
		if err != nil {
			return fmt.Errorf("claims: insert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil // lost the race; caller tries next candidate
		}

		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status='in_progress', assigned_to=?, updated_at=? WHERE id=?`, agentID, now, taskID); err != nil {
			return fmt.Errorf("claims: update task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_status_history (task_id, from_status, to_status, changed_by, source, created_at)
			VALUES (?, 'pending', 'in_progress', ?, 'claim', ?)`, taskID, agentID, now); err != nil {
			return err
		}

		var row taskRow
		if err := tx.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id=?`, taskID); err != nil {
			return err
		}
		t := row.toTask()
		task = &t
		claim = &Claim{TaskID: taskID, AgentID: agentID, ClaimID: claimID, ClaimedAt: now, LeaseExpiresAt: expires, UpdatedAt: now}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return claim, task, nil
}

// Reclaim refreshes an owning agent's own claim with a fresh claim_id,
// updating the lease atomically via UPDATE ... WHERE claim_id=<old>.
// Losing the race (another caller renewed/stole the claim between the
// caller's read and this call) reports CLAIM_STOLEN, same as RenewClaim.
func (e *Engine) Reclaim(ctx context.Context, taskID int64, agentID, oldClaimID string, leaseFor time.Duration) (*Claim, error) {
	lease := e.clampLease(leaseFor)
	now := e.now()
	newClaimID := uuid.NewString()
	expires := now.Add(lease)
	var claim Claim
	err := e.st.RunInTx(ctx, func(tx *store.Tx) error {
		var existing claimRow
		if err := tx.GetContext(ctx, &existing, `SELECT * FROM task_claims WHERE task_id=? AND agent_id=? AND claim_id=?`, taskID, agentID, oldClaimID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return herrors.New(herrors.CodeClaimStolen, "claim was stolen before reclaim")
			}
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE task_claims SET claim_id=?, lease_expires_at=?, updated_at=?
			WHERE task_id=? AND agent_id=? AND claim_id=?`,
			newClaimID, expires, now, taskID, agentID, oldClaimID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return herrors.New(herrors.CodeClaimStolen, "claim was stolen before reclaim")
		}
		claim = Claim{TaskID: taskID, AgentID: agentID, ClaimID: newClaimID, ClaimedAt: existing.ClaimedAt, LeaseExpiresAt: expires, UpdatedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &claim, nil
}

// RenewClaim extends the lease for the owning agent, rejecting a
// mismatched claim_id (stolen-claim detection) or an expired
// lease.
func (e *Engine) RenewClaim(ctx context.Context, taskID int64, agentID, claimID string, leaseFor time.Duration) (*Claim, error) {
	lease := e.clampLease(leaseFor)
	now := e.now()
	var claim Claim
	err := e.st.RunInTx(ctx, func(tx *store.Tx) error {
		var row claimRow
		if err := tx.GetContext(ctx, &row, `SELECT * FROM task_claims WHERE task_id = ?`, taskID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return herrors.New(herrors.CodeClaimExpired, "no active claim for task")
			}
			return err
		}
		if row.AgentID != agentID {
			return herrors.New(herrors.CodeNotClaimOwner, "agent does not own this claim")
		}
		if row.ClaimID != claimID {
			return herrors.New(herrors.CodeClaimIDMismatch, "claim id does not match current lease")
		}
		if row.LeaseExpiresAt.Before(now) {
			return herrors.New(herrors.CodeClaimExpired, "lease already expired")
		}

		expires := now.Add(lease)
		if expires.Before(row.LeaseExpiresAt) {
			expires = row.LeaseExpiresAt // a renewal never shortens the lease
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE task_claims SET lease_expires_at=?, updated_at=? WHERE task_id=? AND claim_id=?`,
			expires, now, taskID, claimID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return herrors.New(herrors.CodeClaimStolen, "claim was stolen during renewal")
		}
		claim = Claim{TaskID: taskID, AgentID: agentID, ClaimID: claimID, ClaimedAt: row.ClaimedAt, LeaseExpiresAt: expires, UpdatedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &claim, nil
}

// ReleaseClaim drops the lease and returns the task to pending, unless
// the agent is not the current owner.
func (e *Engine) ReleaseClaim(ctx context.Context, taskID int64, agentID, claimID string) error {
	now := e.now()
	return e.st.RunInTx(ctx, func(tx *store.Tx) error {
		var row claimRow
		if err := tx.GetContext(ctx, &row, `SELECT * FROM task_claims WHERE task_id = ?`, taskID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil // already released; idempotent
			}
			return err
		}
		if row.AgentID != agentID || row.ClaimID != claimID {
			return herrors.New(herrors.CodeNotClaimOwner, "agent does not own this claim")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_claims WHERE task_id=?`, taskID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status='pending', assigned_to=NULL, updated_at=? WHERE id=?`, now, taskID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_status_history (task_id, from_status, to_status, changed_by, source, created_at)
			VALUES (?, 'in_progress', 'pending', ?, 'release', ?)`, taskID, agentID, now)
		return err
	})
}

// ExpireStale finds claims whose lease has passed and returns the
// underlying task to pending. Un-forced calls are throttled so hot poll
// loops do not rescan on every empty poll. Returns the count of reaped
// claims.
func (e *Engine) ExpireStale(ctx context.Context, limit int, force bool) (int, error) {
	now := e.now()
	if !force {
		e.expireMu.Lock()
		if now.Sub(e.lastExpire) < e.expireThrottle {
			e.expireMu.Unlock()
			return 0, nil
		}
		e.lastExpire = now
		e.expireMu.Unlock()
	}
	var ids []int64
	if err := e.st.Reader().SelectContext(ctx, &ids, `
		SELECT task_id FROM task_claims WHERE lease_expires_at < ? LIMIT ?`, now, limit); err != nil {
		return 0, fmt.Errorf("claims: expire candidates: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	err := e.st.RunInTx(ctx, func(tx *store.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_claims WHERE task_id=?`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status='pending', assigned_to=NULL, updated_at=? WHERE id=? AND status='in_progress'`, now, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_status_history (task_id, from_status, to_status, changed_by, source, created_at)
				VALUES (?, 'in_progress', 'pending', '', 'lease_expiry', ?)`, id, now); err != nil {
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

// Get fetches the active claim for a task, if any.
func (e *Engine) Get(ctx context.Context, taskID int64) (*Claim, error) {
	var row claimRow
	if err := e.st.Reader().GetContext(ctx, &row, `SELECT * FROM task_claims WHERE task_id=?`, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &Claim{TaskID: row.TaskID, AgentID: row.AgentID, ClaimID: row.ClaimID, ClaimedAt: row.ClaimedAt, LeaseExpiresAt: row.LeaseExpiresAt, UpdatedAt: row.UpdatedAt}, nil
}

type claimRow struct {
	TaskID         int64     `db:"task_id"`
	AgentID        string    `db:"agent_id"`
	ClaimID        string    `db:"claim_id"`
	ClaimedAt      time.Time `db:"claimed_at"`
	LeaseExpiresAt time.Time `db:"lease_expires_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

type taskRow struct {
	ID              int64          `db:"id"`
	Title           string         `db:"title"`
	Description     string         `db:"description"`
	Namespace       string         `db:"namespace"`
	Priority        string         `db:"priority"`
	ExecutionMode   string         `db:"execution_mode"`
	ConsistencyMode string         `db:"consistency_mode"`
	Status          string         `db:"status"`
	AssignedTo      sql.NullString `db:"assigned_to"`
	Creator         string         `db:"creator"`
	TraceID         string         `db:"trace_id"`
	SpanID          string         `db:"span_id"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r taskRow) toTask() tasks.Task {
	t := tasks.Task{
		ID: r.ID, Title: r.Title, Description: r.Description, Namespace: r.Namespace,
		Priority: r.Priority, ExecutionMode: r.ExecutionMode, ConsistencyMode: r.ConsistencyMode,
		Status: r.Status, Creator: r.Creator,
		TraceID: r.TraceID, SpanID: r.SpanID, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	if r.AssignedTo.Valid {
		t.AssignedTo = &r.AssignedTo.String
	}
	return t
}

// pollBucket is one of the four agent-count-bucketed backoff configs.
type pollBucket struct {
	maxAgents int // bucket applies when active_agents_5m <= maxAgents; 0 means "else"
	initial   time.Duration
	factor    float64
	cap       time.Duration
	jitter    float64
}

var pollBuckets = []pollBucket{
	{maxAgents: 5, initial: 800 * time.Millisecond, factor: 1.30, cap: 3 * time.Second, jitter: 0.30},
	{maxAgents: 10, initial: 1200 * time.Millisecond, factor: 1.45, cap: 5 * time.Second, jitter: 0.40},
	{maxAgents: 20, initial: 2000 * time.Millisecond, factor: 1.60, cap: 8 * time.Second, jitter: 0.55},
	{maxAgents: 0, initial: 2600 * time.Millisecond, factor: 1.70, cap: 12 * time.Second, jitter: 0.60},
}

func bucketFor(activeAgents int) pollBucket {
	for _, b := range pollBuckets {
		if b.maxAgents != 0 && activeAgents <= b.maxAgents {
			return b
		}
	}
	return pollBuckets[len(pollBuckets)-1]
}

// PollBackoff computes the advisory retry_after returned to a caller
// whose PollAndClaim found no task. activeAgents scales the bucket; streak is the caller's
// consecutive-empty-poll counter (exponent = min(streak-1, 6)); when
// otherActiveClaims is true the result is capped at 5s regardless of
// bucket.
func PollBackoff(activeAgents, streak int, otherActiveClaims bool) time.Duration {
	b := bucketFor(activeAgents)
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.initial
	eb.Multiplier = b.factor
	eb.MaxInterval = b.cap
	eb.RandomizationFactor = b.jitter
	eb.MaxElapsedTime = 0

	exponent := streak - 1
	if exponent < 0 {
		exponent = 0
	}
	if exponent > 6 {
		exponent = 6
	}
	var interval time.Duration
	for i := 0; i <= exponent; i++ {
		interval = eb.NextBackOff()
	}
	if interval > b.cap {
		interval = b.cap
	}
	if otherActiveClaims && interval > 5*time.Second {
		interval = 5 * time.Second
	}
	return interval
}
