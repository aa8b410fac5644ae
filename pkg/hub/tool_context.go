package hub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/coordhub/hub/pkg/blobstore"
	"github.com/coordhub/hub/pkg/ctxstore"
	"github.com/coordhub/hub/pkg/herrors"
)

type shareContextRequest struct {
	AgentID   string `json:"agent_id"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	Namespace string `json:"namespace"`
	TraceID   string `json:"trace_id"`
	SpanID    string `json:"span_id"`
}

func handleShareContext(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req shareContextRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	if herr := s.releaseContextBlobRef(ctx, req.AgentID, req.Key); herr != nil {
		return nil, herr
	}
	entry, err := s.Context.Upsert(ctx, ctxstore.UpsertInput{
		AgentID: req.AgentID, Key: req.Key, Value: req.Value,
		Namespace: req.Namespace, TraceID: req.TraceID, SpanID: req.SpanID,
	})
	if err != nil {
		return nil, asHerr(err)
	}
	if ref, ok := blobstore.ParseBlobRef(req.Value); ok {
		if err := s.Blobs.IncrementRef(ctx, ref.H); err != nil {
			return nil, asHerr(err)
		}
	}
	s.recordActivity(ctx, "share_context", req.AgentID, nil, map[string]any{"key": req.Key})
	return map[string]any{"context": entry}, nil
}

// releaseContextBlobRef drops the reference a key's current value holds
// on a blob, called before an upsert replaces that value. The counter
// must fall on every overwrite or a once-referenced blob would carry a
// phantom reference for the rest of its life.
func (s *Server) releaseContextBlobRef(ctx context.Context, agentID, key string) *herrors.Error {
	existing, err := s.Context.Read(ctx, ctxstore.ReadFilter{AgentID: agentID, Key: key, Limit: 1})
	if err != nil {
		return asHerr(err)
	}
	if len(existing) == 0 {
		return nil
	}
	ref, ok := blobstore.ParseBlobRef(existing[0].Value)
	if !ok {
		return nil
	}
	if err := s.Blobs.DecrementRef(ctx, ref.H); err != nil {
		return asHerr(err)
	}
	return nil
}

type shareBlobContextRequest struct {
	AgentID   string `json:"agent_id"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	Namespace string `json:"namespace"`
	TraceID   string `json:"trace_id"`
	SpanID    string `json:"span_id"`
}

func handleShareBlobContext(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req shareBlobContextRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	sum := sha256.Sum256([]byte(req.Value))
	hash := hex.EncodeToString(sum[:])
	stored := s.Blobs.LosslessAuto(req.Value)
	if _, err := s.Blobs.Put(ctx, hash, stored); err != nil {
		return nil, asHerr(err)
	}
	ref := blobstore.NewBlobRef(hash, len(req.Value))
	refJSON, err := json.Marshal(ref)
	if err != nil {
		return nil, herrors.New(herrors.CodeInternal, err.Error())
	}
	if herr := s.releaseContextBlobRef(ctx, req.AgentID, req.Key); herr != nil {
		return nil, herr
	}
	entry, err := s.Context.Upsert(ctx, ctxstore.UpsertInput{
		AgentID: req.AgentID, Key: req.Key, Value: string(refJSON),
		Namespace: req.Namespace, TraceID: req.TraceID, SpanID: req.SpanID,
	})
	if err != nil {
		return nil, asHerr(err)
	}
	if err := s.Blobs.IncrementRef(ctx, hash); err != nil {
		return nil, asHerr(err)
	}
	s.recordActivity(ctx, "share_blob_context", req.AgentID, nil, map[string]any{"key": req.Key, "hash": hash})
	return map[string]any{"context": entry, "blob_hash": hash}, nil
}

type getContextRequest struct {
	AgentID      string `json:"agent_id"`
	Key          string `json:"key"`
	Namespace    string `json:"namespace"`
	UpdatedAfter *int64 `json:"updated_after"`
	Limit        int    `json:"limit"`
	Offset       int    `json:"offset"`
}

func handleGetContext(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req getContextRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	f := ctxstore.ReadFilter{AgentID: req.AgentID, Key: req.Key, Namespace: req.Namespace, Limit: req.Limit, Offset: req.Offset}
	if req.UpdatedAfter != nil {
		t := epochToTime(*req.UpdatedAfter)
		f.UpdatedAfter = &t
	}
	entries, err := s.Context.Read(ctx, f)
	if err != nil {
		return nil, asHerr(err)
	}
	return map[string]any{"context": entries}, nil
}
