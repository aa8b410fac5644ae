package ctxstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coordhub/hub/pkg/ctxstore"
	"github.com/coordhub/hub/pkg/herrors"
	"github.com/coordhub/hub/pkg/store"
)

func newStore(t *testing.T) *ctxstore.Store {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return ctxstore.New(st, 2048)
}

func TestUpsertReplacesValue(t *testing.T) {
	cs := newStore(t)
	ctx := context.Background()

	_, err := cs.Upsert(ctx, ctxstore.UpsertInput{AgentID: "w1", Key: "k", Value: "v1"})
	require.NoError(t, err)
	_, err = cs.Upsert(ctx, ctxstore.UpsertInput{AgentID: "w1", Key: "k", Value: "v2"})
	require.NoError(t, err)

	rows, err := cs.Read(ctx, ctxstore.ReadFilter{AgentID: "w1", Key: "k"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "v2", rows[0].Value)
}

func TestUpsertRejectsOversizedValue(t *testing.T) {
	cs := newStore(t)
	big := make([]byte, 4096)
	_, err := cs.Upsert(context.Background(), ctxstore.UpsertInput{AgentID: "w1", Key: "k", Value: string(big)})
	require.Error(t, err)
	herr := err.(*herrors.Error)
	require.Equal(t, herrors.CodeValueTooLong, herr.Code)
}

func TestReadFiltersByNamespace(t *testing.T) {
	cs := newStore(t)
	ctx := context.Background()
	_, err := cs.Upsert(ctx, ctxstore.UpsertInput{AgentID: "w1", Key: "a", Value: "1", Namespace: "ns1"})
	require.NoError(t, err)
	_, err = cs.Upsert(ctx, ctxstore.UpsertInput{AgentID: "w1", Key: "b", Value: "1", Namespace: "ns2"})
	require.NoError(t, err)

	rows, err := cs.Read(ctx, ctxstore.ReadFilter{Namespace: "ns1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "a", rows[0].Key)
}
