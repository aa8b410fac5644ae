package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coordhub/hub/pkg/artifacts"
	"github.com/coordhub/hub/pkg/herrors"
)

type createArtifactUploadRequest struct {
	AgentID   string `json:"agent_id"`
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Summary   string `json:"summary"`
	MimeType  string `json:"mime_type"`
	// TTLSec bounds the one-shot upload ticket; RetainSec sets the
	// artifact row's own ttl_expires_at (0 leaves retention to the
	// maintenance default).
	TTLSec    int64 `json:"ttl_sec"`
	RetainSec int64 `json:"retain_sec"`
	MaxBytes  int64 `json:"max_bytes"`
}

func handleCreateArtifactUpload(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req createArtifactUploadRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	art, err := s.Artifacts.Create(ctx, artifacts.CreateInput{
		CreatedBy: req.AgentID, Name: req.Name, Namespace: req.Namespace,
		Summary: req.Summary, MimeType: req.MimeType,
		RetainFor: time.Duration(req.RetainSec) * time.Second,
	})
	if err != nil {
		return nil, asHerr(err)
	}
	token := s.Artifacts.Issue(artifacts.KindUpload, art.ID, req.AgentID, time.Duration(req.TTLSec)*time.Second, req.MaxBytes)
	s.recordActivity(ctx, "create_artifact_upload", req.AgentID, nil, map[string]any{"artifact_id": art.ID})
	return map[string]any{"artifact": art, "upload_token": token}, nil
}

type createArtifactDownloadRequest struct {
	AgentID    string `json:"agent_id"`
	ArtifactID string `json:"artifact_id"`
	TTLSec     int64  `json:"ttl_sec"`
	MaxBytes   int64  `json:"max_bytes"`
}

func handleCreateArtifactDownload(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req createArtifactDownloadRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	if req.ArtifactID == "" {
		return nil, herrors.New(herrors.CodeArtifactIDRequired, "artifact_id is required")
	}
	art, err := s.Artifacts.Get(ctx, req.ArtifactID)
	if err != nil {
		return nil, asHerr(err)
	}
	if !art.Uploaded {
		return nil, herrors.New(herrors.CodeArtifactNotUploaded, "artifact has no uploaded bytes yet")
	}
	ok, err := s.Artifacts.HasAccess(ctx, req.ArtifactID, req.AgentID)
	if err != nil {
		return nil, asHerr(err)
	}
	if !ok {
		return nil, herrors.New(herrors.CodeArtifactAccessDenied, "agent does not have access to this artifact")
	}
	token := s.Artifacts.Issue(artifacts.KindDownload, req.ArtifactID, req.AgentID, time.Duration(req.TTLSec)*time.Second, req.MaxBytes)
	s.recordActivity(ctx, "create_artifact_download", req.AgentID, nil, map[string]any{"artifact_id": req.ArtifactID})
	return map[string]any{"artifact": art, "download_token": token}, nil
}

type createTaskArtifactDownloadsRequest struct {
	TaskID  int64  `json:"task_id"`
	AgentID string `json:"agent_id"`
	TTLSec  int64  `json:"ttl_sec"`
}

type taskArtifactDownload struct {
	Artifact *artifacts.Artifact `json:"artifact"`
	Token    string              `json:"download_token"`
}

func handleCreateTaskArtifactDownloads(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req createTaskArtifactDownloadsRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	ids, err := s.taskArtifactIDs(ctx, req.TaskID)
	if err != nil {
		return nil, herrors.New(herrors.CodeInternal, err.Error())
	}
	var out []taskArtifactDownload
	for _, id := range ids {
		art, err := s.Artifacts.Get(ctx, id)
		if err != nil || !art.Uploaded {
			continue
		}
		ok, err := s.Artifacts.HasAccess(ctx, id, req.AgentID)
		if err != nil || !ok {
			continue
		}
		token := s.Artifacts.Issue(artifacts.KindDownload, id, req.AgentID, time.Duration(req.TTLSec)*time.Second, 0)
		out = append(out, taskArtifactDownload{Artifact: art, Token: token})
	}
	s.recordActivity(ctx, "create_task_artifact_downloads", req.AgentID, &req.TaskID, map[string]any{"count": len(out)})
	return map[string]any{"downloads": out}, nil
}

type shareArtifactRequest struct {
	ArtifactID      string `json:"artifact_id"`
	RequestingAgent string `json:"requesting_agent"`
	AgentID         string `json:"agent_id"`
}

func handleShareArtifact(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req shareArtifactRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	if req.ArtifactID == "" {
		return nil, herrors.New(herrors.CodeArtifactIDRequired, "artifact_id is required")
	}
	art, err := s.Artifacts.Get(ctx, req.ArtifactID)
	if err != nil {
		return nil, asHerr(err)
	}
	if art.CreatedBy != req.RequestingAgent {
		return nil, herrors.New(herrors.CodeArtifactAccessDenied, "only the creator may share an artifact")
	}
	if err := s.Artifacts.Share(ctx, req.ArtifactID, req.AgentID); err != nil {
		return nil, asHerr(err)
	}
	s.recordActivity(ctx, "share_artifact", req.RequestingAgent, nil, map[string]any{"artifact_id": req.ArtifactID, "grantee": req.AgentID})
	return map[string]any{"shared": true}, nil
}

type listArtifactsRequest struct {
	Namespace string `json:"namespace"`
	CreatedBy string `json:"created_by"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

func handleListArtifacts(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req listArtifactsRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	q := `SELECT * FROM artifacts WHERE 1=1`
	var args []any
	if req.Namespace != "" {
		q += ` AND namespace = ?`
		args = append(args, req.Namespace)
	}
	if req.CreatedBy != "" {
		q += ` AND created_by = ?`
		args = append(args, req.CreatedBy)
	}
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, req.Offset)

	var rows []artifactListRow
	if err := s.st.Reader().SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, herrors.New(herrors.CodeInternal, err.Error())
	}
	return map[string]any{"artifacts": rows}, nil
}

type attachTaskArtifactRequest struct {
	TaskID     int64  `json:"task_id"`
	ArtifactID string `json:"artifact_id"`
	AgentID    string `json:"agent_id"`
}

func handleAttachTaskArtifact(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req attachTaskArtifactRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	if req.ArtifactID == "" {
		return nil, herrors.New(herrors.CodeArtifactIDRequired, "artifact_id is required")
	}
	if _, err := s.Tasks.Get(ctx, req.TaskID); err != nil {
		return nil, asHerr(err)
	}
	if _, err := s.Artifacts.Get(ctx, req.ArtifactID); err != nil {
		return nil, asHerr(err)
	}
	_, err := s.st.Writer().ExecContext(ctx, `
		INSERT OR IGNORE INTO task_artifacts (task_id, artifact_id, created_at) VALUES (?, ?, ?)`,
		req.TaskID, req.ArtifactID, s.now())
	if err != nil {
		return nil, herrors.New(herrors.CodeInternal, err.Error())
	}
	s.recordActivity(ctx, "attach_task_artifact", req.AgentID, &req.TaskID, map[string]any{"artifact_id": req.ArtifactID})
	return map[string]any{"attached": true}, nil
}

type listTaskArtifactsRequest struct {
	TaskID int64 `json:"task_id"`
}

func handleListTaskArtifacts(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req listTaskArtifactsRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	var rows []artifactListRow
	err := s.st.Reader().SelectContext(ctx, &rows, `
		SELECT a.* FROM artifacts a
		JOIN task_artifacts ta ON ta.artifact_id = a.id
		WHERE ta.task_id = ?
		ORDER BY ta.created_at DESC`, req.TaskID)
	if err != nil {
		return nil, herrors.New(herrors.CodeInternal, err.Error())
	}
	return map[string]any{"artifacts": rows}, nil
}

type getTaskHandoffRequest struct {
	AgentID string `json:"agent_id"`
	TaskID  int64  `json:"task_id"`
	TTLSec  int64  `json:"ttl_sec"`
}

// handleGetTaskHandoff bundles everything an agent needs to pick up a
// task's prior work: the task row, its current claim (if any), and a
// fresh download ticket for every attached artifact the caller can
// read. The artifact side of the handoff reuses the same
// ticket-issuing path as create_task_artifact_downloads.
func handleGetTaskHandoff(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req getTaskHandoffRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	task, err := s.Tasks.Get(ctx, req.TaskID)
	if err != nil {
		return nil, asHerr(err)
	}
	claim, err := s.Claims.Get(ctx, req.TaskID)
	if err != nil {
		return nil, asHerr(err)
	}

	ids, err := s.taskArtifactIDs(ctx, req.TaskID)
	if err != nil {
		return nil, herrors.New(herrors.CodeInternal, err.Error())
	}
	var downloads []taskArtifactDownload
	for _, id := range ids {
		art, err := s.Artifacts.Get(ctx, id)
		if err != nil || !art.Uploaded {
			continue
		}
		ok, err := s.Artifacts.HasAccess(ctx, id, req.AgentID)
		if err != nil || !ok {
			continue
		}
		token := s.Artifacts.Issue(artifacts.KindDownload, id, req.AgentID, time.Duration(req.TTLSec)*time.Second, 0)
		downloads = append(downloads, taskArtifactDownload{Artifact: art, Token: token})
	}

	var evidence []string
	if err := s.st.Reader().SelectContext(ctx, &evidence, `SELECT evidence_ref FROM task_evidence WHERE task_id=?`, req.TaskID); err != nil {
		return nil, herrors.New(herrors.CodeInternal, err.Error())
	}

	s.recordActivity(ctx, "get_task_handoff", req.AgentID, &req.TaskID, map[string]any{})
	return map[string]any{
		"task": task, "claim": claim, "evidence_refs": evidence, "artifacts": downloads,
	}, nil
}

func (s *Server) taskArtifactIDs(ctx context.Context, taskID int64) ([]string, error) {
	var ids []string
	err := s.st.Reader().SelectContext(ctx, &ids, `
		SELECT artifact_id FROM task_artifacts WHERE task_id = ? ORDER BY created_at DESC`, taskID)
	return ids, err
}

type artifactListRow struct {
	ID           string  `db:"id" json:"id"`
	CreatedBy    string  `db:"created_by" json:"created_by"`
	Name         string  `db:"name" json:"name"`
	MimeType     string  `db:"mime_type" json:"mime_type"`
	SizeBytes    int64   `db:"size_bytes" json:"size_bytes"`
	SHA256       string  `db:"sha256" json:"sha256"`
	StoragePath  string  `db:"storage_path" json:"-"`
	Namespace    string  `db:"namespace" json:"namespace"`
	Summary      string  `db:"summary" json:"summary"`
	AccessCount  int     `db:"access_count" json:"access_count"`
	TTLExpiresAt *string `db:"ttl_expires_at" json:"ttl_expires_at,omitempty"`
	CreatedAt    string  `db:"created_at" json:"created_at"`
	UpdatedAt    string  `db:"updated_at" json:"updated_at"`
}
