// Package messages implements the message bus: point-to-point
// and broadcast agent messaging with per-agent read marks.
package messages

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/coordhub/hub/pkg/cursor"
	"github.com/coordhub/hub/pkg/herrors"
	"github.com/coordhub/hub/pkg/store"
)

// Message is a persisted row.
type Message struct {
	ID        int64     `json:"id"`
	FromAgent string    `json:"from_agent"`
	ToAgent   *string   `json:"to_agent"` // nil means broadcast
	Content   string    `json:"content"`
	Metadata  string    `json:"metadata"`
	TraceID   string    `json:"trace_id"`
	SpanID    string    `json:"span_id"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read"`
}

// Bus owns the messages and message_reads tables.
type Bus struct {
	st             *store.Store
	now            func() time.Time
	maxContentChars int
}

// New constructs a Bus.
func New(st *store.Store, maxContentChars int) *Bus {
	return &Bus{st: st, now: time.Now, maxContentChars: maxContentChars}
}

// SendInput is the payload for Send.
type SendInput struct {
	From     string
	To       string // empty => broadcast
	Content  string
	Metadata string
	TraceID  string
	SpanID   string
}

// Send inserts a message, rejecting oversized content.
func (b *Bus) Send(ctx context.Context, in SendInput) (*Message, error) {
	if len(in.Content) > b.maxContentChars {
		return nil, herrors.WithDetail(herrors.CodeContentTooLong, "message content exceeds limit",
			map[string]any{"max_content_chars": b.maxContentChars})
	}
	metadata := in.Metadata
	if metadata == "" {
		metadata = "{}"
	}
	now := b.now()

	var to sql.NullString
	if in.To != "" {
		to = sql.NullString{String: in.To, Valid: true}
	}

	res, err := b.st.Writer().ExecContext(ctx, `
		INSERT INTO messages (from_agent, to_agent, content, metadata, trace_id, span_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.From, to, in.Content, metadata, in.TraceID, in.SpanID, now)
	if err != nil {
		return nil, fmt.Errorf("messages: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	msg := &Message{ID: id, FromAgent: in.From, Content: in.Content, Metadata: metadata,
		TraceID: in.TraceID, SpanID: in.SpanID, CreatedAt: now}
	if to.Valid {
		msg.ToAgent = &to.String
	}
	return msg, nil
}

// ReadFilter narrows Read.
type ReadFilter struct {
	From       string
	UnreadOnly bool
	SinceTS    *time.Time
	Cursor     *cursor.RowCursor
	Limit      int
	Offset     int
}

// Read lists messages visible to agent (to=agent OR to IS NULL),
// ascending by (created_at,id) when paginating forward via cursor or
// since_ts, else descending.
func (b *Bus) Read(ctx context.Context, agent string, f ReadFilter) ([]Message, error) {
	q := `
		SELECT m.id, m.from_agent, m.to_agent, m.content, m.metadata, m.trace_id, m.span_id, m.created_at,
			CASE WHEN r.message_id IS NULL THEN 0 ELSE 1 END AS read
		FROM messages m
		LEFT JOIN message_reads r ON r.message_id = m.id AND r.agent_id = ?
		WHERE (m.to_agent = ? OR m.to_agent IS NULL)`
	args := []any{agent, agent}

	if f.From != "" {
		q += ` AND m.from_agent = ?`
		args = append(args, f.From)
	}
	if f.UnreadOnly {
		q += ` AND r.message_id IS NULL`
	}

	forward := f.Cursor != nil || f.SinceTS != nil
	if f.SinceTS != nil {
		q += ` AND m.created_at > ?`
		args = append(args, *f.SinceTS)
	}
	if f.Cursor != nil {
		q += ` AND (m.created_at > ? OR (m.created_at = ? AND m.id > ?))`
		ts := time.UnixMilli(f.Cursor.Timestamp)
		args = append(args, ts, ts, f.Cursor.ID)
	}

	if forward {
		q += ` ORDER BY m.created_at ASC, m.id ASC`
	} else {
		q += ` ORDER BY m.created_at DESC, m.id DESC`
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	var rows []messageRow
	if err := b.st.Reader().SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("messages: read: %w", err)
	}
	out := make([]Message, len(rows))
	for i, r := range rows {
		out[i] = r.toMessage()
	}

	// Reading marks delivery: every returned message gets a read mark so
	// a later unread_only read no longer surfaces it. The returned Read
	// flag still reflects the state at read time.
	for _, m := range out {
		if m.Read {
			continue
		}
		if err := b.MarkRead(ctx, agent, m.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// MarkRead inserts a per-(message,agent) read mark if absent.
func (b *Bus) MarkRead(ctx context.Context, agent string, messageID int64) error {
	_, err := b.st.Writer().ExecContext(ctx, `
		INSERT OR IGNORE INTO message_reads (message_id, agent_id, read_at) VALUES (?, ?, ?)`,
		messageID, agent, b.now())
	if err != nil {
		return fmt.Errorf("messages: mark read: %w", err)
	}
	return nil
}

// GetForAgent returns a message iff visible to agent, marking it read
// as a side effect.
func (b *Bus) GetForAgent(ctx context.Context, agent string, messageID int64) (*Message, error) {
	var row messageRow
	err := b.st.Reader().GetContext(ctx, &row, `
		SELECT m.id, m.from_agent, m.to_agent, m.content, m.metadata, m.trace_id, m.span_id, m.created_at,
			CASE WHEN r.message_id IS NULL THEN 0 ELSE 1 END AS read
		FROM messages m
		LEFT JOIN message_reads r ON r.message_id = m.id AND r.agent_id = ?
		WHERE m.id = ? AND (m.to_agent = ? OR m.to_agent IS NULL)`,
		agent, messageID, agent)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, herrors.New(herrors.CodeMessageNotFoundOrForbidden, "message not found or not visible to agent")
		}
		return nil, fmt.Errorf("messages: get: %w", err)
	}
	if err := b.MarkRead(ctx, agent, messageID); err != nil {
		return nil, err
	}
	msg := row.toMessage()
	msg.Read = true
	return &msg, nil
}

type messageRow struct {
	ID        int64          `db:"id"`
	FromAgent string         `db:"from_agent"`
	ToAgent   sql.NullString `db:"to_agent"`
	Content   string         `db:"content"`
	Metadata  string         `db:"metadata"`
	TraceID   string         `db:"trace_id"`
	SpanID    string         `db:"span_id"`
	CreatedAt time.Time      `db:"created_at"`
	Read      bool           `db:"read"`
}

func (r messageRow) toMessage() Message {
	m := Message{
		ID: r.ID, FromAgent: r.FromAgent, Content: r.Content,
		Metadata: r.Metadata, TraceID: r.TraceID, SpanID: r.SpanID, CreatedAt: r.CreatedAt, Read: r.Read,
	}
	if r.ToAgent.Valid {
		m.ToAgent = &r.ToAgent.String
	}
	return m
}
