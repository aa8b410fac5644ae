// Package ctxstore implements the shared context store: key/value
// state scoped per (agent_id, key), upserted in place via
// INSERT ... ON CONFLICT DO UPDATE.
package ctxstore

import (
	"context"
	"fmt"
	"time"

	"github.com/coordhub/hub/pkg/herrors"
	"github.com/coordhub/hub/pkg/store"
)

// Entry is a persisted context row.
type Entry struct {
	AgentID   string    `json:"agent_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Namespace string    `json:"namespace"`
	TraceID   string    `json:"trace_id"`
	SpanID    string    `json:"span_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store owns the context table.
type Store struct {
	st            *store.Store
	now           func() time.Time
	maxValueChars int
}

// New constructs a Store.
func New(st *store.Store, maxValueChars int) *Store {
	return &Store{st: st, now: time.Now, maxValueChars: maxValueChars}
}

// UpsertInput is the payload for Upsert.
type UpsertInput struct {
	AgentID   string
	Key       string
	Value     string
	Namespace string
	TraceID   string
	SpanID    string
}

// Upsert replaces the value, namespace, trace/span, and updated_at for
// (agent_id, key).
func (s *Store) Upsert(ctx context.Context, in UpsertInput) (*Entry, error) {
	if len(in.Value) > s.maxValueChars {
		return nil, herrors.WithDetail(herrors.CodeValueTooLong, "context value exceeds limit",
			map[string]any{"max_context_value_chars": s.maxValueChars})
	}
	namespace := in.Namespace
	if namespace == "" {
		namespace = "default"
	}
	now := s.now()

	_, err := s.st.Writer().ExecContext(ctx, `
		INSERT INTO context (agent_id, key, value, namespace, trace_id, span_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, key) DO UPDATE SET
			value=excluded.value, namespace=excluded.namespace,
			trace_id=excluded.trace_id, span_id=excluded.span_id, updated_at=excluded.updated_at`,
		in.AgentID, in.Key, in.Value, namespace, in.TraceID, in.SpanID, now)
	if err != nil {
		return nil, fmt.Errorf("ctxstore: upsert: %w", err)
	}
	return &Entry{AgentID: in.AgentID, Key: in.Key, Value: in.Value, Namespace: namespace,
		TraceID: in.TraceID, SpanID: in.SpanID, UpdatedAt: now}, nil
}

// ReadFilter narrows Read.
type ReadFilter struct {
	AgentID      string
	Key          string
	Namespace    string
	UpdatedAfter *time.Time
	Limit        int
	Offset       int
}

// Read lists entries, default ordering updated_at DESC.
func (s *Store) Read(ctx context.Context, f ReadFilter) ([]Entry, error) {
	q := `SELECT agent_id, key, value, namespace, trace_id, span_id, updated_at FROM context WHERE 1=1`
	var args []any
	if f.AgentID != "" {
		q += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.Key != "" {
		q += ` AND key = ?`
		args = append(args, f.Key)
	}
	if f.Namespace != "" {
		q += ` AND namespace = ?`
		args = append(args, f.Namespace)
	}
	if f.UpdatedAfter != nil {
		q += ` AND updated_at > ?`
		args = append(args, *f.UpdatedAfter)
	}
	q += ` ORDER BY updated_at DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	var rows []entryRow
	if err := s.st.Reader().SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("ctxstore: read: %w", err)
	}
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = Entry(r)
	}
	return out, nil
}

type entryRow struct {
	AgentID   string    `db:"agent_id"`
	Key       string    `db:"key"`
	Value     string    `db:"value"`
	Namespace string    `db:"namespace"`
	TraceID   string    `db:"trace_id"`
	SpanID    string    `db:"span_id"`
	UpdatedAt time.Time `db:"updated_at"`
}
