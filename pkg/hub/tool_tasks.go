package hub

import (
	"context"
	"encoding/json"

	"github.com/coordhub/hub/pkg/cursor"
	"github.com/coordhub/hub/pkg/herrors"
	"github.com/coordhub/hub/pkg/tasks"
)

type createTaskRequest struct {
	Title             string  `json:"title"`
	Description       string  `json:"description"`
	Namespace         string  `json:"namespace"`
	Priority          string  `json:"priority"`
	ExecutionMode     string  `json:"execution_mode"`
	ConsistencyMode   string  `json:"consistency_mode"`
	ConsistencyPinned bool    `json:"consistency_pinned"`
	Creator           string  `json:"creator"`
	TraceID           string  `json:"trace_id"`
	SpanID            string  `json:"span_id"`
	DependsOn         []int64 `json:"depends_on"`
}

func handleCreateTask(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req createTaskRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	t, err := s.Tasks.Create(ctx, tasks.CreateInput{
		Title: req.Title, Description: req.Description, Namespace: req.Namespace,
		Priority: req.Priority, ExecutionMode: req.ExecutionMode,
		ConsistencyMode: req.ConsistencyMode, ConsistencyPinned: req.ConsistencyPinned,
		Creator: req.Creator, TraceID: req.TraceID, SpanID: req.SpanID, DependsOn: req.DependsOn,
	})
	if err != nil {
		return nil, asHerr(err)
	}
	tid := t.ID
	s.recordActivity(ctx, "create_task", req.Creator, &tid, map[string]any{"priority": t.Priority})
	return map[string]any{"task": t}, nil
}

type updateTaskRequest struct {
	ID              int64    `json:"id"`
	Title           *string  `json:"title"`
	Description     *string  `json:"description"`
	Priority        *string  `json:"priority"`
	ExecutionMode   *string  `json:"execution_mode"`
	ConsistencyMode *string  `json:"consistency_mode"`
	Status          *string  `json:"status"`
	DependsOn       *[]int64 `json:"depends_on"`
	ChangedBy       string   `json:"changed_by"`
	Source          string   `json:"source"`
}

func handleUpdateTask(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req updateTaskRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	source := req.Source
	if source == "" {
		source = "update_task"
	}
	before, err := s.Tasks.Get(ctx, req.ID)
	if err != nil {
		return nil, asHerr(err)
	}
	t, err := s.Tasks.Update(ctx, req.ID, tasks.UpdateInput{
		Title: req.Title, Description: req.Description, Priority: req.Priority,
		ExecutionMode: req.ExecutionMode, ConsistencyMode: req.ConsistencyMode,
		Status: req.Status, DependsOn: req.DependsOn, ChangedBy: req.ChangedBy, Source: source,
	})
	if err != nil {
		return nil, asHerr(err)
	}
	if req.Status != nil && before.AssignedTo != nil {
		s.recordQualityTransition(ctx, *before.AssignedTo, before.Status, t.Status)
	}
	s.recordActivity(ctx, "update_task", req.ChangedBy, &req.ID, map[string]any{})
	return map[string]any{"task": t}, nil
}

type listTasksRequest struct {
	Status        string `json:"status"`
	AssignedTo    string `json:"assigned_to"`
	Namespace     string `json:"namespace"`
	ExecutionMode string `json:"execution_mode"`
	ReadyOnly     bool   `json:"ready_only"`
	UpdatedAfter  *int64 `json:"updated_after"`
	Cursor        string `json:"cursor"`
	Limit         int    `json:"limit"`
	Offset        int    `json:"offset"`
}

func handleListTasks(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req listTasksRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	f := tasks.ListFilter{
		Status: req.Status, AssignedTo: req.AssignedTo, Namespace: req.Namespace,
		ExecutionMode: req.ExecutionMode, ReadyOnly: req.ReadyOnly, Limit: req.Limit, Offset: req.Offset,
	}
	if req.UpdatedAfter != nil {
		t := epochToTime(*req.UpdatedAfter)
		f.UpdatedAfter = &t
	}
	if req.Cursor != "" {
		c, err := cursor.ParseRow(req.Cursor)
		if err != nil {
			return nil, asHerr(err)
		}
		f.Cursor = &struct {
			UpdatedAt int64
			ID        int64
		}{UpdatedAt: c.Timestamp, ID: c.ID}
	}
	list, err := s.Tasks.List(ctx, f)
	if err != nil {
		return nil, asHerr(err)
	}
	return map[string]any{"tasks": list}, nil
}

type deleteTaskRequest struct {
	ID        int64  `json:"id"`
	Archive   *bool  `json:"archive"` // nil means archive
	Reason    string `json:"reason"`
	ChangedBy string `json:"changed_by"`
}

func handleDeleteTask(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req deleteTaskRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	archive := req.Archive == nil || *req.Archive
	if err := s.Tasks.Delete(ctx, req.ID, archive, req.Reason); err != nil {
		return nil, asHerr(err)
	}
	s.recordActivity(ctx, "delete_task", req.ChangedBy, &req.ID, map[string]any{"reason": req.Reason})
	return map[string]any{"deleted": true}, nil
}
