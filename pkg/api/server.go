// Package api is the HTTP side channel: the /rpc tool endpoint,
// artifact upload/download, the /events SSE stream, and /health.
// It exists for the parts of the surface that are intrinsically
// byte-stream or push-based; everything else reaches the hub through
// hub.Server.Dispatch regardless of transport.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/coordhub/hub/pkg/config"
	"github.com/coordhub/hub/pkg/hub"
	"github.com/coordhub/hub/pkg/store"
)

// Server is the HTTP API server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	hub        *hub.Server
	st         *store.Store
	cfg        *config.Config
	log        *slog.Logger
}

// NewServer builds the gin router and registers every route.
func NewServer(hubSrv *hub.Server, st *store.Store, cfg *config.Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery())

	s := &Server{engine: e, hub: hubSrv, st: st, cfg: cfg, log: log}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.POST("/rpc/:tool", s.rpcHandler)
	s.engine.POST("/artifacts/upload/:id", s.uploadArtifactHandler)
	s.engine.GET("/artifacts/download/:id", s.downloadArtifactHandler)
	s.engine.GET("/events", s.eventsHandler)
	s.engine.GET("/health", s.healthHandler)
}

// Start starts the HTTP server on addr and blocks until shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts on a pre-created listener (test infra: a
// random OS-assigned port).
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.engine}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully drains in-flight requests, including open SSE
// streams, before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "ok"
	dbHealth, err := s.st.Health(reqCtx)
	if err != nil {
		status = "unhealthy"
	}

	snap, snapErr := s.hub.KPISnapshot(reqCtx)
	body := gin.H{
		"status":   status,
		"database": dbHealth,
		// auth-token issuance and namespace quota enforcement are
		// external wrappers; this process only
		// surfaces AUTH_TOKEN_*/NAMESPACE_QUOTA_EXCEEDED for a
		// front door to report against.
		"auth_mode":            "external",
		"namespace_quota_mode": "external",
		"sse_connections":      s.hub.SSEConnectionCount(),
		"long_poll_waiters":    s.hub.LongPollWaiterCount(),
	}
	if snapErr == nil {
		body["sessions"] = gin.H{
			"tasks_pending":     snap.TasksPending,
			"tasks_in_progress": snap.TasksInProgress,
			"agents_online":     snap.AgentsOnline,
		}
	}

	httpStatus := http.StatusOK
	if status != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, body)
}
