// Package idempotency implements the idempotency-key ledger:
// every mutating tool call that carries an idempotency_key replays the
// byte-identical response if the same (agent_id, tool, key) triple is
// seen again within the TTL, instead of re-running the mutation.
//
// The replay check is a plain lookup-then-insert over the
// idempotency_keys table.
package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/coordhub/hub/pkg/store"
)

// Ledger is the idempotency-key store.
type Ledger struct {
	st  *store.Store
	now func() time.Time
}

// New constructs a Ledger.
func New(st *store.Store) *Ledger {
	return &Ledger{st: st, now: time.Now}
}

// Lookup returns the previously stored response for (agentID, tool, key)
// if one exists, so the caller can replay it verbatim instead of
// re-running the mutation.
func (l *Ledger) Lookup(ctx context.Context, agentID, tool, key string) (response string, found bool, err error) {
	if key == "" {
		return "", false, nil
	}
	var resp string
	err = l.st.Reader().GetContext(ctx, &resp, `
		SELECT response FROM idempotency_keys WHERE agent_id = ? AND tool = ? AND key = ?`,
		agentID, tool, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("idempotency: lookup: %w", err)
	}
	return resp, true, nil
}

// Record stores the response produced for (agentID, tool, key) so a
// later replay of the same call is served without re-executing it. A
// concurrent duplicate insert (two callers racing on the same key) is
// silently ignored; whichever response landed first wins.
func (l *Ledger) Record(ctx context.Context, agentID, tool, key, response string) error {
	if key == "" {
		return nil
	}
	_, err := l.st.Writer().ExecContext(ctx, `
		INSERT OR IGNORE INTO idempotency_keys (agent_id, tool, key, response, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		agentID, tool, key, response, l.now())
	if err != nil {
		return fmt.Errorf("idempotency: record: %w", err)
	}
	return nil
}

// Sweep deletes ledger rows older than cutoff.
// Returns the count removed.
func (l *Ledger) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := l.st.Writer().ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("idempotency: sweep: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
