package hub

import (
	"context"
	"encoding/json"

	"github.com/coordhub/hub/pkg/agents"
	"github.com/coordhub/hub/pkg/herrors"
)

type registerAgentRequest struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Type           string   `json:"type"`
	Capabilities   string   `json:"capabilities"`
	Lifecycle      string   `json:"lifecycle"`
	IdempotencyKey string   `json:"idempotency_key"`
}

func handleRegisterAgent(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req registerAgentRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	res, err := s.Agents.Register(ctx, agents.RegisterInput{
		ID: req.ID, Name: req.Name, Type: req.Type,
		Capabilities: req.Capabilities, Lifecycle: req.Lifecycle,
	})
	if err != nil {
		return nil, asHerr(err)
	}
	s.recordActivity(ctx, "register_agent", res.Agent.ID, nil, map[string]any{"name": res.Agent.Name})
	return map[string]any{"agent": res.Agent, "token": res.Token}, nil
}

type updateRuntimeProfileRequest struct {
	AgentID   string              `json:"agent_id"`
	CWD       string              `json:"cwd"`
	HasGit    bool                `json:"has_git"`
	FileCount int                 `json:"file_count"`
	EmptyDir  bool                `json:"empty_dir"`
	Source    string              `json:"source"`
}

func handleUpdateRuntimeProfile(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req updateRuntimeProfileRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	a, err := s.Agents.UpdateRuntimeProfile(ctx, req.AgentID, agents.RuntimeProfile{
		CWD: req.CWD, HasGit: req.HasGit, FileCount: req.FileCount,
		EmptyDir: req.EmptyDir, Source: req.Source, DetectedAt: s.now(),
	})
	if err != nil {
		return nil, asHerr(err)
	}
	s.recordActivity(ctx, "update_runtime_profile", req.AgentID, nil, map[string]any{"workspace_mode": a.WorkspaceMode})
	return map[string]any{"agent": a}, nil
}

type listAgentsRequest struct {
	Status    string `json:"status"`
	Lifecycle string `json:"lifecycle"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

func handleListAgents(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req listAgentsRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	list, err := s.Agents.List(ctx, agents.ListFilter{
		Status: req.Status, Lifecycle: req.Lifecycle, Limit: req.Limit, Offset: req.Offset,
	})
	if err != nil {
		return nil, asHerr(err)
	}
	return map[string]any{"agents": list}, nil
}
