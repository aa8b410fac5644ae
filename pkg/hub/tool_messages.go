package hub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/coordhub/hub/pkg/blobstore"
	"github.com/coordhub/hub/pkg/cursor"
	"github.com/coordhub/hub/pkg/herrors"
	"github.com/coordhub/hub/pkg/messages"
)

type sendMessageRequest struct {
	From     string          `json:"from"`
	To       string          `json:"to"`
	Content  string          `json:"content"`
	Metadata json.RawMessage `json:"metadata"`
	TraceID  string          `json:"trace_id"`
	SpanID   string          `json:"span_id"`
}

func handleSendMessage(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req sendMessageRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	meta := "{}"
	if len(req.Metadata) > 0 {
		meta = string(req.Metadata)
	}
	msg, err := s.Messages.Send(ctx, messages.SendInput{
		From: req.From, To: req.To, Content: req.Content, Metadata: meta,
		TraceID: req.TraceID, SpanID: req.SpanID,
	})
	if err != nil {
		return nil, asHerr(err)
	}
	// A caller may relay a BlobRef it obtained earlier through the plain
	// send path; the reference count has to see that insert too.
	if ref, ok := blobstore.ParseBlobRef(req.Content); ok {
		if err := s.Blobs.IncrementRef(ctx, ref.H); err != nil {
			return nil, asHerr(err)
		}
	}
	s.recordActivity(ctx, "send_message", req.From, nil, map[string]any{"to": req.To})
	return map[string]any{"message": msg}, nil
}

type sendBlobMessageRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Content string `json:"content"`
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`
}

// handleSendBlobMessage content-addresses a large payload into the blob
// store and sends the small BlobRef envelope as the message content
// instead of the raw bytes.
func handleSendBlobMessage(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req sendBlobMessageRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	sum := sha256.Sum256([]byte(req.Content))
	hash := hex.EncodeToString(sum[:])
	stored := s.Blobs.LosslessAuto(req.Content)
	if _, err := s.Blobs.Put(ctx, hash, stored); err != nil {
		return nil, asHerr(err)
	}
	ref := blobstore.NewBlobRef(hash, len(req.Content))
	refJSON, err := json.Marshal(ref)
	if err != nil {
		return nil, herrors.New(herrors.CodeInternal, err.Error())
	}
	msg, err := s.Messages.Send(ctx, messages.SendInput{
		From: req.From, To: req.To, Content: string(refJSON), Metadata: "{}",
		TraceID: req.TraceID, SpanID: req.SpanID,
	})
	if err != nil {
		return nil, asHerr(err)
	}
	if err := s.Blobs.IncrementRef(ctx, hash); err != nil {
		return nil, asHerr(err)
	}
	s.recordActivity(ctx, "send_blob_message", req.From, nil, map[string]any{"to": req.To, "hash": hash})
	return map[string]any{"message": msg, "blob_hash": hash}, nil
}

type readMessagesRequest struct {
	Agent      string `json:"agent"`
	From       string `json:"from"`
	UnreadOnly bool   `json:"unread_only"`
	SinceTS    *int64 `json:"since_ts"`
	Cursor     string `json:"cursor"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
}

func handleReadMessages(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req readMessagesRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	f := messages.ReadFilter{From: req.From, UnreadOnly: req.UnreadOnly, Limit: req.Limit, Offset: req.Offset}
	if req.SinceTS != nil {
		t := epochToTime(*req.SinceTS)
		f.SinceTS = &t
	}
	if req.Cursor != "" {
		c, err := cursor.ParseRow(req.Cursor)
		if err != nil {
			return nil, asHerr(err)
		}
		f.Cursor = &c
	}
	list, err := s.Messages.Read(ctx, req.Agent, f)
	if err != nil {
		return nil, asHerr(err)
	}
	return map[string]any{"messages": list}, nil
}
