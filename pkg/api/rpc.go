package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/coordhub/hub/pkg/herrors"
)

// rpcHandler serves POST /rpc/:tool, the HTTP framing of the tool-call
// surface. The body is passed to hub.Server.Dispatch untouched so
// idempotent replays stay byte-identical. Contract errors come back as
// 200 responses carrying {success:false, error_code, ...}; only genuine
// system faults surface as 500.
func (s *Server) rpcHandler(c *gin.Context) {
	tool := c.Param("tool")
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"success": false, "error_code": herrors.CodeInvalidPayload, "error": "request body too large",
		})
		return
	}

	raw, herr := s.hub.Dispatch(c.Request.Context(), tool, json.RawMessage(body))
	status := http.StatusOK
	if herr != nil && herr.Code == herrors.CodeInternal {
		status = http.StatusInternalServerError
	}
	if raw == nil {
		c.JSON(status, gin.H{"success": false, "error_code": herr.Code, "error": herr.Message})
		return
	}
	c.Data(status, "application/json", raw)
}
