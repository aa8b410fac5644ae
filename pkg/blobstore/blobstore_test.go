package blobstore_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coordhub/hub/pkg/blobstore"
	"github.com/coordhub/hub/pkg/store"
)

func newBlobStore(t *testing.T, minPayload int, minGain float64) *blobstore.Store {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return blobstore.New(st, minPayload, minGain)
}

func TestPutCreatedFlagAndIdempotentReinsert(t *testing.T) {
	bs := newBlobStore(t, 256, 10)
	ctx := context.Background()

	res, err := bs.Put(ctx, "abc123", "hello")
	require.NoError(t, err)
	require.True(t, res.Created)

	res2, err := bs.Put(ctx, "abc123", "hello")
	require.NoError(t, err)
	require.False(t, res2.Created)
}

func TestGetIncrementsAccessCount(t *testing.T) {
	bs := newBlobStore(t, 256, 10)
	ctx := context.Background()
	_, err := bs.Put(ctx, "h1", "value")
	require.NoError(t, err)

	b, ok, err := bs.Get(ctx, "h1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, b.AccessCount)

	b, ok, err = bs.Get(ctx, "h1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, b.AccessCount)
}

func TestBlobRefRoundTrip(t *testing.T) {
	ref := blobstore.NewBlobRef("deadbeef", 42)
	js, err := json.Marshal(ref)
	require.NoError(t, err)

	parsed, ok := blobstore.ParseBlobRef(string(js))
	require.True(t, ok)
	require.Equal(t, "deadbeef", parsed.H)
	require.Equal(t, 42, parsed.C)

	_, ok = blobstore.ParseBlobRef(`{"not":"a blob ref"}`)
	require.False(t, ok)
}

func TestLosslessAutoRoundTripsLargeCompressiblePayload(t *testing.T) {
	bs := newBlobStore(t, 64, 5)
	payload := strings.Repeat("the quick brown fox jumps over the lazy dog ", 50)

	stored := bs.LosslessAuto(payload)
	require.NotEqual(t, payload, stored, "large repetitive text should compress")

	decoded, ok := blobstore.LosslessDecode(stored)
	require.True(t, ok)
	require.Equal(t, payload, decoded)
}

func TestLosslessAutoLeavesSmallPayloadRaw(t *testing.T) {
	bs := newBlobStore(t, 256, 10)
	small := "tiny"
	stored := bs.LosslessAuto(small)
	require.Equal(t, small, stored)
}

func TestGCSkipsReferencedBlobs(t *testing.T) {
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	bs := blobstore.New(st, 256, 10)
	ctx := context.Background()

	_, err = bs.Put(ctx, "gchash", "value")
	require.NoError(t, err)
	_, err = st.Writer().ExecContext(ctx, `
		INSERT INTO messages (from_agent, content, metadata, trace_id, span_id, created_at)
		VALUES ('w1', '{"v":"caep-1","k":"blob","h":"gchash","c":5}', '{}', '', '', ?)`, time.Now())
	require.NoError(t, err)
	require.NoError(t, bs.IncrementRef(ctx, "gchash"))

	n, err := bs.GC(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, 0, n, "textually referenced blob must be retained")

	// Once the referencing message is gone, the textual probe is the
	// deletion gate even if the counter never fell.
	_, err = st.Writer().ExecContext(ctx, `DELETE FROM messages`)
	require.NoError(t, err)

	n, err = bs.GC(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

