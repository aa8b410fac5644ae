package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coordhub/hub/pkg/artifacts"
	"github.com/coordhub/hub/pkg/config"
	"github.com/coordhub/hub/pkg/hub"
	"github.com/coordhub/hub/pkg/store"
)

func newTestServer(t *testing.T) (*Server, *hub.Server) {
	t.Helper()
	cfg := config.Defaults()
	cfg.DatabasePath = ":memory:"
	cfg.ArtifactStorageDir = t.TempDir()

	st, err := store.Open(context.Background(), cfg.DatabasePath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	hubSrv, err := hub.New(st, &cfg, nil)
	require.NoError(t, err)

	return NewServer(hubSrv, st, &cfg, nil), hubSrv
}

func TestHealthHandlerReportsOK(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.engine)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestArtifactUploadDownloadRoundTrip(t *testing.T) {
	s, hubSrv := newTestServer(t)
	ts := httptest.NewServer(s.engine)
	defer ts.Close()
	ctx := context.Background()

	art, err := hubSrv.Artifacts.Create(ctx, artifacts.CreateInput{CreatedBy: "w1", Name: "out.txt"})
	require.NoError(t, err)

	uploadToken := hubSrv.Artifacts.Issue(artifacts.KindUpload, art.ID, "w1", 0, 0)
	payload := "hello from the coordination hub"

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/artifacts/upload/"+art.ID+"?token="+uploadToken, strings.NewReader(payload))
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	downloadToken := hubSrv.Artifacts.Issue(artifacts.KindDownload, art.ID, "w1", 0, 0)
	resp, err = http.Get(ts.URL + "/artifacts/download/" + art.ID + "?token=" + downloadToken)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, payload, string(body))
	require.Contains(t, resp.Header.Get("Content-Disposition"), "out.txt")
}

func TestArtifactDownloadRejectsUnsharedAgent(t *testing.T) {
	s, hubSrv := newTestServer(t)
	ts := httptest.NewServer(s.engine)
	defer ts.Close()
	ctx := context.Background()

	art, err := hubSrv.Artifacts.Create(ctx, artifacts.CreateInput{CreatedBy: "w1", Name: "out.txt"})
	require.NoError(t, err)
	uploadToken := hubSrv.Artifacts.Issue(artifacts.KindUpload, art.ID, "w1", 0, 0)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/artifacts/upload/"+art.ID+"?token="+uploadToken, strings.NewReader("data"))
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	downloadToken := hubSrv.Artifacts.Issue(artifacts.KindDownload, art.ID, "w2", 0, 0)
	resp, err = http.Get(ts.URL + "/artifacts/download/" + art.ID + "?token=" + downloadToken)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestArtifactUploadRejectsInvalidToken(t *testing.T) {
	s, hubSrv := newTestServer(t)
	ts := httptest.NewServer(s.engine)
	defer ts.Close()
	ctx := context.Background()

	art, err := hubSrv.Artifacts.Create(ctx, artifacts.CreateInput{CreatedBy: "w1", Name: "out.txt"})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/artifacts/upload/"+art.ID+"?token=bogus", strings.NewReader("x"))
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestArtifactUploadRejectsOversizedBody(t *testing.T) {
	s, hubSrv := newTestServer(t)
	ts := httptest.NewServer(s.engine)
	defer ts.Close()
	ctx := context.Background()

	art, err := hubSrv.Artifacts.Create(ctx, artifacts.CreateInput{CreatedBy: "w1", Name: "out.txt"})
	require.NoError(t, err)
	uploadToken := hubSrv.Artifacts.Issue(artifacts.KindUpload, art.ID, "w1", 0, 4)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/artifacts/upload/"+art.ID+"?token="+uploadToken, strings.NewReader("way too many bytes"))
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}
