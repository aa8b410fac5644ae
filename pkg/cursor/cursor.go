// Package cursor implements the three cursor grammars:
// message cursors ("<created_at>:<id>"), task cursors
// ("<updated_at>:<id>"), and the four-stream watermark/snapshot/SSE
// cursor ("<msg_b36>.<task_b36>.<ctx_b36>.<activity_b36>").
package cursor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/coordhub/hub/pkg/herrors"
)

// RowCursor is the "<timestamp>:<id>" shape used by messages and tasks.
type RowCursor struct {
	Timestamp int64
	ID        int64
}

// ParseRow parses a "<created_at>:<id>" or "<updated_at>:<id>" cursor.
// Any other shape is rejected.
func ParseRow(s string) (RowCursor, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return RowCursor{}, herrors.New(herrors.CodeCursorInvalid, "cursor must be \"<timestamp>:<id>\"")
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return RowCursor{}, herrors.New(herrors.CodeCursorInvalid, "cursor timestamp is not an integer")
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return RowCursor{}, herrors.New(herrors.CodeCursorInvalid, "cursor id is not an integer")
	}
	return RowCursor{Timestamp: ts, ID: id}, nil
}

// Format renders a RowCursor back to its string form.
func (c RowCursor) Format() string {
	return fmt.Sprintf("%d:%d", c.Timestamp, c.ID)
}

// Watermark is the four-stream cursor: messages, tasks, context, activity.
type Watermark struct {
	Messages int64 `json:"messages"`
	Tasks    int64 `json:"tasks"`
	Context  int64 `json:"context"`
	Activity int64 `json:"activity"`
}

// Format renders the watermark as four base-36 integers joined by ".".
func (w Watermark) Format() string {
	return strings.Join([]string{
		strconv.FormatInt(w.Messages, 36),
		strconv.FormatInt(w.Tasks, 36),
		strconv.FormatInt(w.Context, 36),
		strconv.FormatInt(w.Activity, 36),
	}, ".")
}

// ParseWatermark parses the four-stream cursor, rejecting any shape other
// than exactly four dot-separated base-36 integers.
func ParseWatermark(s string) (Watermark, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return Watermark{}, herrors.New(herrors.CodeCursorInvalid, "watermark cursor must have 4 dot-separated fields")
	}
	vals := make([]int64, 4)
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 36, 64)
		if err != nil {
			return Watermark{}, herrors.New(herrors.CodeCursorInvalid, "watermark cursor field is not base-36")
		}
		vals[i] = n
	}
	return Watermark{Messages: vals[0], Tasks: vals[1], Context: vals[2], Activity: vals[3]}, nil
}

// Advanced reports whether w has any stream strictly greater than prev,
// and which stream names advanced.
func (w Watermark) Advanced(prev Watermark) (bool, []string) {
	var changed []string
	if w.Messages > prev.Messages {
		changed = append(changed, "messages")
	}
	if w.Tasks > prev.Tasks {
		changed = append(changed, "tasks")
	}
	if w.Context > prev.Context {
		changed = append(changed, "context")
	}
	if w.Activity > prev.Activity {
		changed = append(changed, "activity")
	}
	return len(changed) > 0, changed
}
