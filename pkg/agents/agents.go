// Package agents implements the agent registry: agent lifecycle
// (persistent/ephemeral), runtime profile inference, heartbeat,
// auth-token binding, and quality counters.
package agents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coordhub/hub/pkg/herrors"
	"github.com/coordhub/hub/pkg/store"
)

// Lifecycle values.
const (
	LifecyclePersistent = "persistent"
	LifecycleEphemeral  = "ephemeral"
)

// WorkspaceMode values.
const (
	WorkspaceRepo     = "repo"
	WorkspaceIsolated = "isolated"
	WorkspaceUnknown  = "unknown"
)

// Status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// RuntimeProfile describes the caller-reported workspace shape used to
// infer WorkspaceMode.
type RuntimeProfile struct {
	CWD        string    `json:"cwd"`
	HasGit     bool      `json:"has_git"`
	FileCount  int       `json:"file_count"`
	EmptyDir   bool      `json:"empty_dir"`
	Source     string    `json:"source"`
	DetectedAt time.Time `json:"detected_at"`
}

// Agent is the persisted agent row.
type Agent struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Type           string         `json:"type"`
	Capabilities   string         `json:"capabilities"`
	Lifecycle      string         `json:"lifecycle"`
	WorkspaceMode  string         `json:"workspace_mode"`
	Profile        RuntimeProfile `json:"profile"`
	Status         string         `json:"status"`
	LastSeen       time.Time      `json:"last_seen"`
	CompletedCount int            `json:"completed_count"`
	RollbackCount  int            `json:"rollback_count"`
	CreatedAt      time.Time      `json:"created_at"`
}

// RollbackRate returns rollback_count / (completed_count + rollback_count),
// 0 when the agent has no history (used by DoneGate's reliability penalty
// and ConsensusResolver's quality weight).
func (a Agent) RollbackRate() float64 {
	total := a.CompletedCount + a.RollbackCount
	if total == 0 {
		return 0
	}
	return float64(a.RollbackCount) / float64(total)
}

type agentRow struct {
	ID                string    `db:"id"`
	Name              string    `db:"name"`
	Type              string    `db:"type"`
	Capabilities      string    `db:"capabilities"`
	Lifecycle         string    `db:"lifecycle"`
	WorkspaceMode     string    `db:"workspace_mode"`
	ProfileCWD        string    `db:"profile_cwd"`
	ProfileHasGit     bool      `db:"profile_has_git"`
	ProfileFileCount  int       `db:"profile_file_count"`
	ProfileEmptyDir   bool      `db:"profile_empty_dir"`
	ProfileSource     string    `db:"profile_source"`
	ProfileDetectedAt sql.NullTime `db:"profile_detected_at"`
	Status            string    `db:"status"`
	LastSeen          time.Time `db:"last_seen"`
	CompletedCount    int       `db:"completed_count"`
	RollbackCount     int       `db:"rollback_count"`
	CreatedAt         time.Time `db:"created_at"`
}

func (r agentRow) toAgent() Agent {
	a := Agent{
		ID: r.ID, Name: r.Name, Type: r.Type, Capabilities: r.Capabilities,
		Lifecycle: r.Lifecycle, WorkspaceMode: r.WorkspaceMode,
		Status: r.Status, LastSeen: r.LastSeen,
		CompletedCount: r.CompletedCount, RollbackCount: r.RollbackCount,
		CreatedAt: r.CreatedAt,
		Profile: RuntimeProfile{
			CWD: r.ProfileCWD, HasGit: r.ProfileHasGit,
			FileCount: r.ProfileFileCount, EmptyDir: r.ProfileEmptyDir,
			Source: r.ProfileSource,
		},
	}
	if r.ProfileDetectedAt.Valid {
		a.Profile.DetectedAt = r.ProfileDetectedAt.Time
	}
	return a
}

// Registry manages agent rows and their auth tokens.
type Registry struct {
	st  *store.Store
	now func() time.Time
}

// New constructs a Registry.
func New(st *store.Store) *Registry {
	return &Registry{st: st, now: time.Now}
}

// RegisterInput is the payload for Register.
type RegisterInput struct {
	ID           string
	Name         string
	Type         string
	Capabilities string
	Lifecycle    string // defaults to ephemeral
}

// RegisterResult is returned by Register.
type RegisterResult struct {
	Agent Agent
	Token string
}

// Register upserts the agent. On first registration it mints a fresh
// auth token; on re-registration the existing token is reused.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (*RegisterResult, error) {
	if in.ID == "" {
		return nil, herrors.New(herrors.CodeInvalidPayload, "agent id is required")
	}
	lifecycle := in.Lifecycle
	if lifecycle == "" {
		lifecycle = LifecycleEphemeral
	}

	var result RegisterResult
	now := r.now()
	err := r.st.RunInTx(ctx, func(tx *store.Tx) error {
		var existing agentRow
		err := tx.GetContext(ctx, &existing, `SELECT * FROM agents WHERE id = ?`, in.ID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err := tx.ExecContext(ctx, `
				INSERT INTO agents (id, name, type, capabilities, lifecycle, workspace_mode,
					profile_cwd, profile_has_git, profile_file_count, profile_empty_dir, profile_source,
					status, last_seen, completed_count, rollback_count, created_at)
				VALUES (?, ?, ?, ?, ?, ?, '', 0, 0, 0, '', ?, ?, 0, 0, ?)`,
				in.ID, in.Name, in.Type, in.Capabilities, lifecycle, WorkspaceUnknown,
				StatusOnline, now, now)
			if err != nil {
				return fmt.Errorf("agents: insert: %w", err)
			}
		case err != nil:
			return fmt.Errorf("agents: lookup: %w", err)
		default:
			_, err := tx.ExecContext(ctx, `
				UPDATE agents SET name=?, type=?, capabilities=?, lifecycle=?, status=?, last_seen=?
				WHERE id=?`,
				in.Name, in.Type, in.Capabilities, lifecycle, StatusOnline, now, in.ID)
			if err != nil {
				return fmt.Errorf("agents: update: %w", err)
			}
		}

		var tok string
		err = tx.GetContext(ctx, &tok, `SELECT token FROM agent_tokens WHERE agent_id = ?`, in.ID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			tok = uuid.NewString()
			if _, err := tx.ExecContext(ctx, `INSERT INTO agent_tokens (agent_id, token, created_at) VALUES (?, ?, ?)`, in.ID, tok, now); err != nil {
				return fmt.Errorf("agents: insert token: %w", err)
			}
		case err != nil:
			return fmt.Errorf("agents: lookup token: %w", err)
		}
		result.Token = tok

		var row agentRow
		if err := tx.GetContext(ctx, &row, `SELECT * FROM agents WHERE id = ?`, in.ID); err != nil {
			return fmt.Errorf("agents: reload: %w", err)
		}
		result.Agent = row.toAgent()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Heartbeat sets last_seen=now, status=online.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	res, err := r.st.Writer().ExecContext(ctx, `UPDATE agents SET last_seen=?, status=? WHERE id=?`, r.now(), StatusOnline, agentID)
	if err != nil {
		return fmt.Errorf("agents: heartbeat: %w", err)
	}
	return requireRowsAffected(res, agentID)
}

// UpdateRuntimeProfile normalizes and persists the caller's workspace
// profile. WorkspaceMode is inferred: has_git means repo; an empty dir,
// or zero files without git, means isolated; anything else is unknown.
func (r *Registry) UpdateRuntimeProfile(ctx context.Context, agentID string, p RuntimeProfile) (*Agent, error) {
	mode := inferWorkspaceMode(p)
	now := r.now()
	res, err := r.st.Writer().ExecContext(ctx, `
		UPDATE agents SET workspace_mode=?, profile_cwd=?, profile_has_git=?,
			profile_file_count=?, profile_empty_dir=?, profile_source=?, profile_detected_at=?
		WHERE id=?`,
		mode, p.CWD, p.HasGit, p.FileCount, p.EmptyDir, p.Source, now, agentID)
	if err != nil {
		return nil, fmt.Errorf("agents: update profile: %w", err)
	}
	if err := requireRowsAffected(res, agentID); err != nil {
		return nil, err
	}
	return r.Get(ctx, agentID)
}

func inferWorkspaceMode(p RuntimeProfile) string {
	switch {
	case p.HasGit:
		return WorkspaceRepo
	case p.EmptyDir:
		return WorkspaceIsolated
	case p.FileCount == 0 && !p.HasGit:
		return WorkspaceIsolated
	default:
		return WorkspaceUnknown
	}
}

// Get fetches a single agent.
func (r *Registry) Get(ctx context.Context, agentID string) (*Agent, error) {
	var row agentRow
	if err := r.st.Reader().GetContext(ctx, &row, `SELECT * FROM agents WHERE id=?`, agentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, herrors.New(herrors.CodeAgentNotFound, "agent not found")
		}
		return nil, fmt.Errorf("agents: get: %w", err)
	}
	a := row.toAgent()
	return &a, nil
}

// ListFilter narrows List.
type ListFilter struct {
	Status    string
	Lifecycle string
	Limit     int
	Offset    int
}

// List returns agents matching filter, ordered by last_seen desc.
func (r *Registry) List(ctx context.Context, f ListFilter) ([]Agent, error) {
	q := `SELECT * FROM agents WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Lifecycle != "" {
		q += ` AND lifecycle = ?`
		args = append(args, f.Lifecycle)
	}
	q += ` ORDER BY last_seen DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	var rows []agentRow
	if err := r.st.Reader().SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("agents: list: %w", err)
	}
	out := make([]Agent, len(rows))
	for i, row := range rows {
		out[i] = row.toAgent()
	}
	return out, nil
}

// RecordCompletion atomically increments completed_count. Called by the
// task board on a done transition.
func (r *Registry) RecordCompletion(ctx context.Context, tx *store.Tx, agentID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE agents SET completed_count = completed_count + 1 WHERE id = ?`, agentID)
	return err
}

// RecordRollback atomically increments rollback_count.
func (r *Registry) RecordRollback(ctx context.Context, tx *store.Tx, agentID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE agents SET rollback_count = rollback_count + 1 WHERE id = ?`, agentID)
	return err
}

// ValidateToken checks an auth token against an agent id.
func (r *Registry) ValidateToken(ctx context.Context, agentID, token string) (bool, error) {
	var tok string
	err := r.st.Reader().GetContext(ctx, &tok, `SELECT token FROM agent_tokens WHERE agent_id=?`, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return tok == token, nil
}

func requireRowsAffected(res sql.Result, agentID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("agents: rows affected: %w", err)
	}
	if n == 0 {
		return herrors.New(herrors.CodeAgentNotFound, "agent not found: "+agentID)
	}
	return nil
}
