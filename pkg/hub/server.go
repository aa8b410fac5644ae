// Package hub is the server wiring layer: it holds one instance of
// every component plus the idempotency ledger and metrics registry, and
// exposes the full tool surface through Dispatch. Every service is
// constructed once, by hand, in dependency order; a missing dependency
// is caught at construction time rather than at first use.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coordhub/hub/pkg/agents"
	"github.com/coordhub/hub/pkg/artifacts"
	"github.com/coordhub/hub/pkg/blobstore"
	"github.com/coordhub/hub/pkg/claims"
	"github.com/coordhub/hub/pkg/config"
	"github.com/coordhub/hub/pkg/consensus"
	"github.com/coordhub/hub/pkg/ctxstore"
	"github.com/coordhub/hub/pkg/donegate"
	"github.com/coordhub/hub/pkg/herrors"
	"github.com/coordhub/hub/pkg/idempotency"
	"github.com/coordhub/hub/pkg/maintenance"
	"github.com/coordhub/hub/pkg/messages"
	"github.com/coordhub/hub/pkg/metrics"
	"github.com/coordhub/hub/pkg/store"
	"github.com/coordhub/hub/pkg/tasks"
	"github.com/coordhub/hub/pkg/waitloop"
	"github.com/coordhub/hub/pkg/watermark"
)

// Server bundles every component the tool surface dispatches against.
type Server struct {
	st *store.Store

	Agents      *agents.Registry
	Tasks       *tasks.Board
	Claims      *claims.Engine
	Messages    *messages.Bus
	Context     *ctxstore.Store
	Blobs       *blobstore.Store
	Consensus   *consensus.Resolver
	Artifacts   *artifacts.Manager
	Watermark   *watermark.Clock
	WaitLoop    *waitloop.Loop
	Maintenance *maintenance.Service
	Idempotency *idempotency.Ledger
	Metrics     *metrics.Registry

	cfg  *config.Config
	log  *slog.Logger
	gate donegate.Thresholds
	now  func() time.Time

	// pollStreaks tracks each agent's consecutive-empty-poll count for
	// claims.PollBackoff; advisory, not persisted.
	pollStreaks sync.Map

	// waitStreaks tracks each agent's consecutive-timed-out-wait count for
	// waitloop.Loop.NextRetry; advisory, not persisted.
	waitStreaks sync.Map

	// sseConnections/longPollWaiters back get_transport_snapshot and the
	// hub_sse_connections/hub_long_poll_waiters gauges; pkg/api's /events
	// handler and this package's wait_for_updates handler bump these
	// around their blocking sections.
	sseConnections  int64
	longPollWaiters int64
}

// IncSSEConnections/DecSSEConnections track live /events streams.
func (s *Server) IncSSEConnections() { atomic.AddInt64(&s.sseConnections, 1) }
func (s *Server) DecSSEConnections() { atomic.AddInt64(&s.sseConnections, -1) }

// IncLongPollWaiters/DecLongPollWaiters track in-flight wait_for_updates calls.
func (s *Server) IncLongPollWaiters() { atomic.AddInt64(&s.longPollWaiters, 1) }
func (s *Server) DecLongPollWaiters() { atomic.AddInt64(&s.longPollWaiters, -1) }

func (s *Server) pollStreak(agentID string, hit bool) int {
	if hit {
		s.pollStreaks.Delete(agentID)
		return 0
	}
	v, _ := s.pollStreaks.LoadOrStore(agentID, 0)
	n := v.(int) + 1
	s.pollStreaks.Store(agentID, n)
	return n
}

func (s *Server) waitStreak(agentID string, hit bool) int {
	if hit {
		s.waitStreaks.Delete(agentID)
		return 0
	}
	v, _ := s.waitStreaks.LoadOrStore(agentID, 0)
	n := v.(int) + 1
	s.waitStreaks.Store(agentID, n)
	return n
}

// New constructs a Server, wiring every component against a single
// already-migrated Store.
func New(st *store.Store, cfg *config.Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}

	reg := metrics.New()

	agentReg := agents.New(st)
	board := tasks.New(st)
	claimEngine := claims.New(st, claims.Options{
		MinLease:     time.Duration(cfg.MinLeaseSeconds) * time.Second,
		MaxLease:     time.Duration(cfg.MaxLeaseSeconds) * time.Second,
		DefaultLease: time.Duration(cfg.DefaultLeaseSeconds) * time.Second,
	})
	msgBus := messages.New(st, cfg.MaxMessageContentChars)
	ctxStore := ctxstore.New(st, cfg.MaxContextValueChars)
	blobs := blobstore.New(st, cfg.BlobMinPayloadChars, cfg.BlobMinGainPercent)

	quality := func(ctx context.Context, agentID string) (completed, rollback int, err error) {
		a, err := agentReg.Get(ctx, agentID)
		if err != nil {
			if herr, ok := asHubError(err); ok && herr.Code == herrors.CodeAgentNotFound {
				return 0, 0, nil
			}
			return 0, 0, err
		}
		return a.CompletedCount, a.RollbackCount, nil
	}
	fetchBlob := func(ctx context.Context, hash string) (value string, found, integrityOK bool, err error) {
		blob, ok, err := blobs.Get(ctx, hash)
		if err != nil || !ok {
			return "", ok, false, err
		}
		raw, ok := blobstore.LosslessDecode(blob.Value)
		return raw, true, ok, nil
	}
	resolver := consensus.New(st, quality, fetchBlob, reg.Registerer)

	arts := artifacts.New(st, time.Duration(cfg.MinTicketTTLSeconds)*time.Second, time.Duration(cfg.MaxTicketTTLSeconds)*time.Second)

	clk, err := watermark.New(st, cfg.WatermarkCacheMS, cfg.WatermarkAgentCacheMax)
	if err != nil {
		return nil, fmt.Errorf("hub: new watermark clock: %w", err)
	}
	loop := waitloop.NewLoop(clk, cfg.RetryBackoffFactor, cfg.RetryBackoffCapMS, cfg.RetryBackoffJitter)

	idem := idempotency.New(st)

	maint := maintenance.New(st, claimEngine, board, blobs, arts, idem, maintenance.Config{
		PersistentOfflineAfter:      cfg.PersistentOfflineAfter,
		EphemeralOfflineAfter:       cfg.EphemeralOfflineAfter,
		EphemeralClaimReapAfter:     cfg.EphemeralClaimReapAfter,
		PersistentAgentTTL:          cfg.PersistentAgentTTL,
		EphemeralAgentTTL:           cfg.EphemeralAgentTTL,
		IdempotencyTTL:              cfg.IdempotencyTTL,
		MessageTTL:                  cfg.MessageTTL,
		ActivityLogTTL:              cfg.ActivityLogTTL,
		ProtocolBlobTTL:             cfg.ProtocolBlobTTL,
		ArtifactDefaultTTL:          cfg.ArtifactDefaultTTL,
		AuthEventTTL:                cfg.AuthEventTTL,
		ResolvedSLOAlertTTL:         cfg.ResolvedSLOAlertTTL,
		TaskArchiveTTL:              cfg.TaskArchiveTTL,
		TaskArchiveBatchLimit:       cfg.TaskArchiveBatchLimit,
		SLOPendingAgeThreshold:      cfg.SLOPendingAgeThreshold,
		SLOStaleInProgressThreshold: cfg.SLOStaleInProgressThreshold,
		SLOClaimChurnWindow:         cfg.SLOClaimChurnWindow,
		SLOClaimChurnThreshold:      cfg.SLOClaimChurnThreshold,
	}, log.With("component", "maintenance"), clk.Invalidate)

	s := &Server{
		st:          st,
		Agents:      agentReg,
		Tasks:       board,
		Claims:      claimEngine,
		Messages:    msgBus,
		Context:     ctxStore,
		Blobs:       blobs,
		Consensus:   resolver,
		Artifacts:   arts,
		Watermark:   clk,
		WaitLoop:    loop,
		Maintenance: maint,
		Idempotency: idem,
		Metrics:     reg,
		cfg:         cfg,
		log:         log,
		now:         time.Now,
		gate: donegate.Thresholds{
			CheapConfidenceFloor:   cfg.CheapConfidenceFloor,
			StrictConfidenceFloor:  cfg.StrictConfidenceFloor,
			BaseConfidenceThresh:   cfg.BaseConfidenceThresh,
			MaxReliabilityPenalty:  cfg.MaxReliabilityPenalty,
			CheapMinEvidenceRefs:   cfg.CheapMinEvidenceRefs,
			StrictMinEvidenceRefs:  cfg.StrictMinEvidenceRefs,
			MaxEvidenceRefsPerCall: cfg.MaxEvidenceRefsPerCall,
		},
	}
	return s, nil
}

// Start launches the background maintenance ticker.
func (s *Server) Start(ctx context.Context) {
	s.Maintenance.Start(ctx, s.cfg.MaintenanceInterval)
}

// Stop shuts the maintenance ticker down.
func (s *Server) Stop() {
	s.Maintenance.Stop()
}

// handler is the shape every tool implementation takes: decode payload,
// do the work, return the fields that go alongside "success":true.
type handler func(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error)

// mutating lists the tools that accept an idempotency key.
var mutating = map[string]bool{
	"register_agent": true, "update_runtime_profile": true,
	"send_message": true, "send_blob_message": true,
	"create_task": true, "update_task": true, "delete_task": true,
	"poll_and_claim": true, "claim_task": true, "renew_task_claim": true, "release_task_claim": true,
	"attach_task_artifact": true,
	"share_context": true, "share_blob_context": true,
	"resolve_consensus": true, "resolve_consensus_from_context": true, "resolve_consensus_from_message": true,
	"store_protocol_blob": true,
	"create_artifact_upload": true, "create_artifact_download": true, "create_task_artifact_downloads": true,
	"share_artifact": true,
	"run_maintenance": true, "evaluate_slo_alerts": true,
}

var routes = map[string]handler{
	"register_agent":          handleRegisterAgent,
	"update_runtime_profile":  handleUpdateRuntimeProfile,
	"list_agents":             handleListAgents,
	"send_message":            handleSendMessage,
	"send_blob_message":       handleSendBlobMessage,
	"read_messages":           handleReadMessages,
	"create_task":             handleCreateTask,
	"update_task":             handleUpdateTask,
	"list_tasks":              handleListTasks,
	"poll_and_claim":          handlePollAndClaim,
	"claim_task":              handleClaimTask,
	"renew_task_claim":        handleRenewTaskClaim,
	"release_task_claim":      handleReleaseTaskClaim,
	"list_task_claims":        handleListTaskClaims,
	"delete_task":             handleDeleteTask,
	"attach_task_artifact":    handleAttachTaskArtifact,
	"list_task_artifacts":     handleListTaskArtifacts,
	"get_task_handoff":        handleGetTaskHandoff,
	"share_context":           handleShareContext,
	"share_blob_context":      handleShareBlobContext,
	"get_context":             handleGetContext,
	"resolve_consensus":              handleResolveConsensus,
	"resolve_consensus_from_context": handleResolveConsensusFromContext,
	"resolve_consensus_from_message": handleResolveConsensusFromMessage,
	"list_consensus_decisions":       handleListConsensusDecisions,
	"pack_protocol_message":   handlePackProtocolMessage,
	"unpack_protocol_message": handleUnpackProtocolMessage,
	"hash_payload":            handleHashPayload,
	"store_protocol_blob":     handleStoreProtocolBlob,
	"get_protocol_blob":       handleGetProtocolBlob,
	"list_protocol_blobs":     handleListProtocolBlobs,
	"create_artifact_upload":          handleCreateArtifactUpload,
	"create_artifact_download":        handleCreateArtifactDownload,
	"create_task_artifact_downloads":  handleCreateTaskArtifactDownloads,
	"share_artifact":                  handleShareArtifact,
	"list_artifacts":                  handleListArtifacts,
	"get_activity_log":       handleGetActivityLog,
	"get_kpi_snapshot":       handleGetKPISnapshot,
	"get_transport_snapshot": handleGetTransportSnapshot,
	"wait_for_updates":       handleWaitForUpdates,
	"read_snapshot":          handleReadSnapshot,
	"evaluate_slo_alerts":    handleEvaluateSLOAlerts,
	"list_slo_alerts":        handleListSLOAlerts,
	"get_auth_coverage":      handleGetAuthCoverage,
	"run_maintenance":        handleRunMaintenance,
}

// idempotencyEnvelope peeks at the two fields every mutating payload may
// carry, without needing to know the rest of the tool's shape.
type idempotencyEnvelope struct {
	AgentID        string `json:"agent_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Dispatch routes a tool call to its handler, replaying a prior response
// byte-for-byte when the same (agent, tool, idempotency_key) was already
// recorded. Returning json.RawMessage rather than `any` is
// what makes that replay byte-exact: the stored response is exactly the
// bytes handed back here, no re-marshaling in between.
func (s *Server) Dispatch(ctx context.Context, tool string, payload json.RawMessage) (json.RawMessage, *herrors.Error) {
	h, ok := routes[tool]
	if !ok {
		return nil, herrors.New(herrors.CodeInvalidPayload, "unknown tool: "+tool)
	}

	var env idempotencyEnvelope
	if mutating[tool] && len(payload) > 0 {
		_ = json.Unmarshal(payload, &env)
		if env.IdempotencyKey != "" {
			if cached, found, err := s.Idempotency.Lookup(ctx, env.AgentID, tool, env.IdempotencyKey); err == nil && found {
				return json.RawMessage(cached), nil
			}
		}
	}

	fields, herr := h(ctx, s, payload)
	var raw json.RawMessage
	var errCode string
	if herr != nil {
		errCode = string(herr.Code)
		raw = errorJSON(herr)
	} else {
		if fields == nil {
			fields = map[string]any{}
		}
		fields["success"] = true
		b, err := json.Marshal(fields)
		if err != nil {
			return nil, herrors.New(herrors.CodeInternal, "marshal response: "+err.Error())
		}
		raw = b
	}

	s.Metrics.RecordToolCall(tool, errCode)

	if herr == nil && mutating[tool] && env.IdempotencyKey != "" {
		_ = s.Idempotency.Record(ctx, env.AgentID, tool, env.IdempotencyKey, string(raw))
	}
	return raw, herr
}

func errorJSON(e *herrors.Error) json.RawMessage {
	body := map[string]any{
		"success":    false,
		"error_code": e.Code,
		"error":      e.Message,
	}
	for k, v := range e.Detail {
		body[k] = v
	}
	b, err := json.Marshal(body)
	if err != nil {
		return json.RawMessage(`{"success":false,"error_code":"INVALID_PAYLOAD","error":"failed to marshal error"}`)
	}
	return b
}

func asHubError(err error) (*herrors.Error, bool) {
	herr, ok := err.(*herrors.Error)
	return herr, ok
}

func decodePayload(payload json.RawMessage, dst any) *herrors.Error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return herrors.New(herrors.CodeInvalidPayload, "invalid payload: "+err.Error())
	}
	return nil
}

// asHerr converts a plain error (typically returned by a component as
// `error` while actually wrapping *herrors.Error) into a *herrors.Error,
// falling back to a generic internal marker for genuine system faults.
func asHerr(err error) *herrors.Error {
	if err == nil {
		return nil
	}
	if herr, ok := asHubError(err); ok {
		return herr
	}
	return herrors.New(herrors.CodeInternal, err.Error())
}
