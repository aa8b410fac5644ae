package idempotency_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coordhub/hub/pkg/idempotency"
	"github.com/coordhub/hub/pkg/store"
)

func newLedger(t *testing.T) *idempotency.Ledger {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return idempotency.New(st)
}

func TestLookupMissReturnsFalse(t *testing.T) {
	l := newLedger(t)
	_, found, err := l.Lookup(context.Background(), "a1", "createTask", "k1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestRecordThenLookupReplaysResponse(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Record(ctx, "a1", "createTask", "k1", `{"id":1}`))

	resp, found, err := l.Lookup(ctx, "a1", "createTask", "k1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, `{"id":1}`, resp)
}

func TestRecordIsFirstWriteWinsOnDuplicate(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Record(ctx, "a1", "createTask", "k1", `{"id":1}`))
	require.NoError(t, l.Record(ctx, "a1", "createTask", "k1", `{"id":2}`))

	resp, found, err := l.Lookup(ctx, "a1", "createTask", "k1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, `{"id":1}`, resp)
}

func TestLookupEmptyKeyIsAlwaysMiss(t *testing.T) {
	l := newLedger(t)
	_, found, err := l.Lookup(context.Background(), "a1", "createTask", "")
	require.NoError(t, err)
	require.False(t, found)
}

func TestSweepRemovesOldEntries(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Record(ctx, "a1", "createTask", "k1", `{}`))

	n, err := l.Sweep(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, found, err := l.Lookup(ctx, "a1", "createTask", "k1")
	require.NoError(t, err)
	require.False(t, found)
}
