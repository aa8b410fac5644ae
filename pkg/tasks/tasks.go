// Package tasks implements the task board: task CRUD, the dependency
// DAG, status history, and TTL archival.
package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coordhub/hub/pkg/herrors"
	"github.com/coordhub/hub/pkg/store"
)

// Priority values, ordered critical < high < medium < low for scheduling.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// ExecutionMode values.
const (
	ExecAny      = "any"
	ExecRepo     = "repo"
	ExecIsolated = "isolated"
)

// ConsistencyMode values.
const (
	ConsistencyCheap  = "cheap"
	ConsistencyStrict = "strict"
)

// Status values.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusBlocked    = "blocked"
)

// priorityRank maps priority to its scheduling rank (lower sorts first).
var priorityRank = map[string]int{
	PriorityCritical: 0,
	PriorityHigh:      1,
	PriorityMedium:    2,
	PriorityLow:       3,
}

// Task is the persisted task row.
type Task struct {
	ID              int64     `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Namespace       string    `json:"namespace"`
	Priority        string    `json:"priority"`
	ExecutionMode   string    `json:"execution_mode"`
	ConsistencyMode string    `json:"consistency_mode"`
	Status          string    `json:"status"`
	AssignedTo      *string   `json:"assigned_to"`
	Creator         string    `json:"creator"`
	TraceID         string    `json:"trace_id"`
	SpanID          string    `json:"span_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	DependsOn       []int64   `json:"depends_on"`
}

// Board owns the tasks table and its dependency edges.
type Board struct {
	st  *store.Store
	now func() time.Time
}

// New constructs a Board.
func New(st *store.Store) *Board {
	return &Board{st: st, now: time.Now}
}

// CreateInput is the payload for Create.
type CreateInput struct {
	Title           string
	Description     string
	Namespace       string
	Priority        string
	ExecutionMode   string
	ConsistencyMode string // empty => normalized per rules below
	ConsistencyPinned bool // caller explicitly set ConsistencyMode; suppresses critical->strict upgrade
	Creator         string
	TraceID         string
	SpanID          string
	DependsOn       []int64
}

// Create inserts a task and its dependency edges in one transaction.
func (b *Board) Create(ctx context.Context, in CreateInput) (*Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, herrors.New(herrors.CodeInvalidPayload, "title is required")
	}

	namespace := in.Namespace
	if namespace == "" {
		namespace = "default"
	}
	execMode := in.ExecutionMode
	if execMode == "" {
		execMode = ExecAny
	}
	priority := in.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	consistency := in.ConsistencyMode
	if consistency == "" {
		consistency = ConsistencyCheap
	}
	if priority == PriorityCritical && !in.ConsistencyPinned {
		consistency = ConsistencyStrict
	}

	deps := dedupeDeps(in.DependsOn)

	var task Task
	now := b.now()
	err := b.st.RunInTx(ctx, func(tx *store.Tx) error {
		if len(deps) > 0 {
			count := 0
			q, args, err := inClause(`SELECT COUNT(*) FROM tasks WHERE id IN (%s)`, deps)
			if err != nil {
				return err
			}
			if err := tx.GetContext(ctx, &count, q, args...); err != nil {
				return fmt.Errorf("tasks: validate deps: %w", err)
			}
			if count != len(deps) {
				return herrors.New(herrors.CodeInvalidDependency, "one or more depends_on ids do not exist")
			}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (title, description, namespace, priority, execution_mode,
				consistency_mode, status, assigned_to, creator, trace_id, span_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?)`,
			in.Title, in.Description, namespace, priority, execMode, consistency,
			StatusPending, in.Creator, in.TraceID, in.SpanID, now, now)
		if err != nil {
			return fmt.Errorf("tasks: insert: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}

		for _, dep := range deps {
			if dep == id {
				continue // filter self-reference
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_task_id) VALUES (?, ?)`,
				id, dep); err != nil {
				return fmt.Errorf("tasks: insert dep: %w", err)
			}
		}

		loaded, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		task = *loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateInput is the payload for Update; nil pointers mean "leave unchanged".
type UpdateInput struct {
	Title           *string
	Description     *string
	Priority        *string
	ExecutionMode   *string
	ConsistencyMode *string
	Status          *string
	DependsOn       *[]int64 // full replacement when non-nil
	ChangedBy       string
	Source          string
}

// Update applies a patch, recomputing dependency edges on full
// replacement and recording a status-history row on status change.
func (b *Board) Update(ctx context.Context, id int64, in UpdateInput) (*Task, error) {
	var result Task
	now := b.now()
	err := b.st.RunInTx(ctx, func(tx *store.Tx) error {
		current, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}

		sets := []string{"updated_at = ?"}
		args := []any{now}
		if in.Title != nil {
			sets = append(sets, "title = ?")
			args = append(args, *in.Title)
		}
		if in.Description != nil {
			sets = append(sets, "description = ?")
			args = append(args, *in.Description)
		}
		if in.Priority != nil {
			sets = append(sets, "priority = ?")
			args = append(args, *in.Priority)
		}
		if in.ExecutionMode != nil {
			sets = append(sets, "execution_mode = ?")
			args = append(args, *in.ExecutionMode)
		}
		if in.ConsistencyMode != nil {
			sets = append(sets, "consistency_mode = ?")
			args = append(args, *in.ConsistencyMode)
		}
		statusChanged := in.Status != nil && *in.Status != current.Status
		if in.Status != nil {
			sets = append(sets, "status = ?")
			args = append(args, *in.Status)
		}

		args = append(args, id)
		q := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = ?`, strings.Join(sets, ", "))
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("tasks: update: %w", err)
		}

		if statusChanged {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_status_history (task_id, from_status, to_status, changed_by, source, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				id, current.Status, *in.Status, in.ChangedBy, in.Source, now); err != nil {
				return fmt.Errorf("tasks: history: %w", err)
			}
		}

		if in.DependsOn != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, id); err != nil {
				return err
			}
			for _, dep := range dedupeDeps(*in.DependsOn) {
				if dep == id {
					continue
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_task_id) VALUES (?, ?)`,
					id, dep); err != nil {
					return err
				}
			}
		}

		loaded, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		result = *loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Get fetches a single task with its dependency list.
func (b *Board) Get(ctx context.Context, id int64) (*Task, error) {
	return scanOne(ctx, b.st.Reader(), id)
}

// ListFilter narrows List.
type ListFilter struct {
	Status        string
	AssignedTo    string
	Namespace     string
	ExecutionMode string
	ReadyOnly     bool
	UpdatedAfter  *time.Time
	Cursor        *struct {
		UpdatedAt int64
		ID        int64
	}
	Limit  int
	Offset int
}

// List applies the board filters, including delta reads via
// updated_after or a <updated_at>:<id> cursor (ascending, stable
// pagination) vs. default descending-by-created_at ordering.
func (b *Board) List(ctx context.Context, f ListFilter) ([]Task, error) {
	q := `SELECT * FROM tasks WHERE 1=1`
	var args []any

	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.AssignedTo != "" {
		q += ` AND assigned_to = ?`
		args = append(args, f.AssignedTo)
	}
	if f.Namespace != "" {
		q += ` AND namespace = ?`
		args = append(args, f.Namespace)
	}
	if f.ExecutionMode != "" {
		q += ` AND execution_mode = ?`
		args = append(args, f.ExecutionMode)
	}
	if f.ReadyOnly {
		q += ` AND id NOT IN (
			SELECT td.task_id FROM task_dependencies td
			JOIN tasks dep ON dep.id = td.depends_on_task_id
			WHERE dep.status != 'done'
		)`
	}

	delta := false
	if f.UpdatedAfter != nil {
		q += ` AND updated_at > ?`
		args = append(args, *f.UpdatedAfter)
		delta = true
	}
	if f.Cursor != nil {
		q += ` AND (updated_at > ? OR (updated_at = ? AND id > ?))`
		args = append(args, time.UnixMilli(f.Cursor.UpdatedAt), time.UnixMilli(f.Cursor.UpdatedAt), f.Cursor.ID)
		delta = true
	}

	if delta {
		q += ` ORDER BY updated_at ASC, id ASC`
	} else {
		q += ` ORDER BY created_at DESC, id DESC`
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	var rows []taskRow
	if err := b.st.Reader().SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("tasks: list: %w", err)
	}
	out := make([]Task, len(rows))
	for i, r := range rows {
		out[i] = r.toTask()
	}
	return attachDeps(ctx, b.st.Reader(), out)
}

// ArchiveDone moves done tasks older than the cutoff with no dependents
// into tasks_archive, deleting the live row.
func (b *Board) ArchiveDone(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	var ids []int64
	err := b.st.Reader().SelectContext(ctx, &ids, `
		SELECT id FROM tasks t
		WHERE t.status = 'done' AND t.updated_at < ?
		AND NOT EXISTS (SELECT 1 FROM task_dependencies td WHERE td.depends_on_task_id = t.id)
		LIMIT ?`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("tasks: archive candidates: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	now := b.now()
	err = b.st.RunInTx(ctx, func(tx *store.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks_archive (id, title, description, namespace, priority, execution_mode,
					consistency_mode, status, assigned_to, creator, created_at, updated_at, archived_at, archive_reason)
				SELECT id, title, description, namespace, priority, execution_mode,
					consistency_mode, status, assigned_to, creator, created_at, updated_at, ?, 'ttl'
				FROM tasks WHERE id = ?`, now, id); err != nil {
				return fmt.Errorf("tasks: archive insert %d: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
				return fmt.Errorf("tasks: archive delete %d: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Delete removes a task, archiving it first unless opts say otherwise.
// Fails TASK_CLAIMED if an active claim row exists.
func (b *Board) Delete(ctx context.Context, id int64, archive bool, reason string) error {
	return b.st.RunInTx(ctx, func(tx *store.Tx) error {
		var claimed int
		if err := tx.GetContext(ctx, &claimed, `SELECT COUNT(*) FROM task_claims WHERE task_id = ?`, id); err != nil {
			return err
		}
		if claimed > 0 {
			return herrors.New(herrors.CodeTaskClaimed, "task has an active claim")
		}

		if _, err := getTx(ctx, tx, id); err != nil {
			return err
		}

		if archive {
			now := b.now()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks_archive (id, title, description, namespace, priority, execution_mode,
					consistency_mode, status, assigned_to, creator, created_at, updated_at, archived_at, archive_reason)
				SELECT id, title, description, namespace, priority, execution_mode,
					consistency_mode, status, assigned_to, creator, created_at, updated_at, ?, ?
				FROM tasks WHERE id = ?`, now, reason, id); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		return err
	})
}

// UnblockCount returns how many not-yet-done tasks depend on id; the
// scheduler uses it as the secondary priority key.
func UnblockCount(ctx context.Context, reader interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
}, id int64) (int, error) {
	var n int
	err := reader.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM task_dependencies td JOIN tasks t ON t.id = td.task_id
		WHERE td.depends_on_task_id = ? AND t.status != 'done'`, id)
	return n, err
}

// IsReady reports whether every dependency of id has status=done.
func IsReady(ctx context.Context, reader interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
}, id int64) (bool, error) {
	var n int
	err := reader.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM task_dependencies td JOIN tasks dep ON dep.id = td.depends_on_task_id
		WHERE td.task_id = ? AND dep.status != 'done'`, id)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func dedupeDeps(in []int64) []int64 {
	seen := make(map[int64]bool, len(in))
	out := make([]int64, 0, len(in))
	for _, id := range in {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func inClause(q string, ids []int64) (string, []any, error) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return fmt.Sprintf(q, strings.Join(placeholders, ", ")), args, nil
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

func (r taskRow) toTask() Task {
	t := Task{
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

// getTx fetches a task by id inside a transaction, with its dependency list.
func getTx(ctx context.Context, tx *store.Tx, id int64) (*Task, error) {
	var row taskRow
	if err := tx.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, herrors.New(herrors.CodeTaskNotFound, "task not found")
		}
		return nil, fmt.Errorf("tasks: get: %w", err)
	}
	t := row.toTask()
	var deps []int64
	if err := tx.SelectContext(ctx, &deps, `SELECT depends_on_task_id FROM task_dependencies WHERE task_id = ?`, id); err != nil {
		return nil, err
	}
	t.DependsOn = deps
	return &t, nil
}

func scanOne(ctx context.Context, reader interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}, id int64) (*Task, error) {
	var row taskRow
	if err := reader.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, herrors.New(herrors.CodeTaskNotFound, "task not found")
		}
		return nil, fmt.Errorf("tasks: get: %w", err)
	}
	t := row.toTask()
	var deps []int64
	if err := reader.SelectContext(ctx, &deps, `SELECT depends_on_task_id FROM task_dependencies WHERE task_id = ?`, id); err != nil {
		return nil, err
	}
	t.DependsOn = deps
	return &t, nil
}

func attachDeps(ctx context.Context, reader interface {
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}, ts []Task) ([]Task, error) {
	for i := range ts {
		var deps []int64
		if err := reader.SelectContext(ctx, &deps, `SELECT depends_on_task_id FROM task_dependencies WHERE task_id = ?`, ts[i].ID); err != nil {
			return nil, err
		}
		ts[i].DependsOn = deps
	}
	return ts, nil
}
