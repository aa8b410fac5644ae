package artifacts_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coordhub/hub/pkg/artifacts"
	"github.com/coordhub/hub/pkg/herrors"
	"github.com/coordhub/hub/pkg/store"
)

func newManager(t *testing.T) (*store.Store, *artifacts.Manager) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st, artifacts.New(st, 30*time.Second, 86400*time.Second)
}

func TestConsumeRejectsMismatchedArtifact(t *testing.T) {
	_, m := newManager(t)
	token := m.Issue(artifacts.KindUpload, "art-1", "w1", time.Minute, 1024)

	_, _, err := m.Consume(token, artifacts.KindUpload, "art-2")
	require.Error(t, err)
	herr := err.(*herrors.Error)
	require.Equal(t, herrors.CodeArtifactAccessDenied, herr.Code)
}

func TestConsumeIsSingleUse(t *testing.T) {
	_, m := newManager(t)
	token := m.Issue(artifacts.KindUpload, "art-1", "w1", time.Minute, 1024)

	agent, maxBytes, err := m.Consume(token, artifacts.KindUpload, "art-1")
	require.NoError(t, err)
	require.Equal(t, "w1", agent)
	require.EqualValues(t, 1024, maxBytes)

	_, _, err = m.Consume(token, artifacts.KindUpload, "art-1")
	require.Error(t, err)
}

func TestFinalizeUploadRejectsOversizedPayload(t *testing.T) {
	st, m := newManager(t)
	ctx := context.Background()
	art, err := m.Create(ctx, artifacts.CreateInput{ID: "art-1", CreatedBy: "w1", Name: "out.txt"})
	require.NoError(t, err)
	_ = st

	_, err = m.FinalizeUpload(ctx, art.ID, 2000, "deadbeef", "/tmp/out.txt", "text/plain", 1024)
	require.Error(t, err)
	herr := err.(*herrors.Error)
	require.Equal(t, herrors.CodeArtifactAccessDenied, herr.Code)

	finalized, err := m.FinalizeUpload(ctx, art.ID, 512, "deadbeef", "/tmp/out.txt", "text/plain", 1024)
	require.NoError(t, err)
	require.True(t, finalized.Uploaded)
}

func TestHasAccessCreatorOrShareOrWildcard(t *testing.T) {
	_, m := newManager(t)
	ctx := context.Background()
	_, err := m.Create(ctx, artifacts.CreateInput{ID: "art-1", CreatedBy: "w1", Name: "out.txt"})
	require.NoError(t, err)

	ok, err := m.HasAccess(ctx, "art-1", "w1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.HasAccess(ctx, "art-1", "w2")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.Share(ctx, "art-1", "w2"))
	ok, err = m.HasAccess(ctx, "art-1", "w2")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.HasAccess(ctx, "art-1", "w3")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.Share(ctx, "art-1", "*"))
	ok, err = m.HasAccess(ctx, "art-1", "w3")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCreateSetsExplicitRetentionTTL(t *testing.T) {
	_, m := newManager(t)
	ctx := context.Background()

	art, err := m.Create(ctx, artifacts.CreateInput{ID: "art-ttl", CreatedBy: "w1", Name: "out.txt", RetainFor: time.Hour})
	require.NoError(t, err)
	require.NotNil(t, art.TTLExpiresAt)
	require.WithinDuration(t, time.Now().Add(time.Hour), *art.TTLExpiresAt, time.Minute)

	plain, err := m.Create(ctx, artifacts.CreateInput{ID: "art-plain", CreatedBy: "w1", Name: "out.txt"})
	require.NoError(t, err)
	require.Nil(t, plain.TTLExpiresAt, "no explicit TTL leaves retention to the maintenance default")
}

func TestSweepKeepsUnexpiredTickets(t *testing.T) {
	_, m := newManager(t)
	m.Issue(artifacts.KindUpload, "art-1", "w1", 30*time.Second, 1024)
	n := m.Sweep()
	require.Equal(t, 0, n, "ticket has not expired yet")
}
