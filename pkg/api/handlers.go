package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/coordhub/hub/pkg/artifacts"
	"github.com/coordhub/hub/pkg/herrors"
)

// statusForCode maps a domain error code to the HTTP status the
// artifact endpoints answer with: 400 missing id, 403 access denied,
// 404 unknown or not-yet-uploaded artifact, 500 anything else. The 401
// (invalid ticket) and 413 (oversize) answers are written by the
// handlers directly.
func statusForCode(code herrors.Code) int {
	switch code {
	case herrors.CodeArtifactIDRequired:
		return http.StatusBadRequest
	case herrors.CodeArtifactNotFound:
		return http.StatusNotFound
	case herrors.CodeArtifactNotUploaded:
		return http.StatusNotFound
	case herrors.CodeArtifactAccessDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeHerr(c *gin.Context, status int, herr *herrors.Error) {
	c.JSON(status, gin.H{"success": false, "error_code": herr.Code, "error": herr.Message})
}

// uploadArtifactHandler handles POST /artifacts/upload/:id?token=<tok>.
// The body is raw bytes, not JSON; everything about the
// artifact (name, namespace, mime type) was already recorded by the
// create_artifact_upload tool call that minted the ticket.
func (s *Server) uploadArtifactHandler(c *gin.Context) {
	id := c.Param("id")
	token := c.Query("token")
	if id == "" || token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "id and token are required"})
		return
	}

	agentID, maxBytes, err := s.hub.Artifacts.Consume(token, artifacts.KindUpload, id)
	if err != nil {
		var herr *herrors.Error
		if errors.As(err, &herr) {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error_code": herr.Code, "error": herr.Message})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	art, err := s.hub.Artifacts.Get(c.Request.Context(), id)
	if err != nil {
		var herr *herrors.Error
		if errors.As(err, &herr) {
			writeHerr(c, statusForCode(herr.Code), herr)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	if art.CreatedBy != agentID {
		writeHerr(c, http.StatusForbidden, herrors.New(herrors.CodeArtifactAccessDenied, "ticket agent does not own this artifact"))
		return
	}

	limit := maxBytes
	if limit <= 0 {
		limit = s.cfg.ArtifactUploadSafetyCapBytes
	}
	body := http.MaxBytesReader(c.Writer, c.Request.Body, limit+1)

	if err := os.MkdirAll(s.cfg.ArtifactStorageDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	path := filepath.Join(s.cfg.ArtifactStorageDir, id)
	f, err := os.Create(path)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), body)
	if err != nil {
		os.Remove(path)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": "upload exceeds ticket's max_bytes"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	if n > limit {
		os.Remove(path)
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": "upload exceeds ticket's max_bytes"})
		return
	}

	mimeType := c.ContentType()
	if mimeType == "" {
		mimeType = art.MimeType
	}
	updated, err := s.hub.Artifacts.FinalizeUpload(c.Request.Context(), id, n, hex.EncodeToString(h.Sum(nil)), path, mimeType, maxBytes)
	if err != nil {
		var herr *herrors.Error
		if errors.As(err, &herr) {
			writeHerr(c, statusForCode(herr.Code), herr)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"artifact_id": updated.ID,
		"size_bytes":  updated.SizeBytes,
		"sha256":      updated.SHA256,
		"name":        updated.Name,
	})
}

// downloadArtifactHandler handles GET /artifacts/download/:id?token=<tok>,
// streaming the stored bytes straight off disk.
func (s *Server) downloadArtifactHandler(c *gin.Context) {
	id := c.Param("id")
	token := c.Query("token")
	if id == "" || token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "id and token are required"})
		return
	}

	agentID, _, err := s.hub.Artifacts.Consume(token, artifacts.KindDownload, id)
	if err != nil {
		var herr *herrors.Error
		if errors.As(err, &herr) {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error_code": herr.Code, "error": herr.Message})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	art, err := s.hub.Artifacts.Get(c.Request.Context(), id)
	if err != nil {
		var herr *herrors.Error
		if errors.As(err, &herr) {
			writeHerr(c, statusForCode(herr.Code), herr)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	if art.SHA256 == "" {
		writeHerr(c, http.StatusNotFound, herrors.New(herrors.CodeArtifactNotUploaded, "artifact has no uploaded bytes yet"))
		return
	}
	ok, err := s.hub.Artifacts.HasAccess(c.Request.Context(), id, agentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	if !ok {
		writeHerr(c, http.StatusForbidden, herrors.New(herrors.CodeArtifactAccessDenied, "agent does not have access to this artifact"))
		return
	}

	f, err := os.Open(art.StoragePath)
	if err != nil {
		writeHerr(c, http.StatusNotFound, herrors.New(herrors.CodeArtifactNotFound, "stored artifact bytes are missing"))
		return
	}
	defer f.Close()

	_ = s.hub.Artifacts.BumpAccessCount(c.Request.Context(), id)

	c.Header("Content-Type", art.MimeType)
	c.Header("Content-Length", fmt.Sprint(art.SizeBytes))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Name))
	c.Status(http.StatusOK)
	_, _ = io.Copy(c.Writer, f)
}
