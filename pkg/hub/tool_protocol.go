package hub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/coordhub/hub/pkg/blobstore"
	"github.com/coordhub/hub/pkg/herrors"
)

// packProtocolMessageRequest wraps an arbitrary JSON payload into a
// BlobRef, always content-addressing it into the blob store;
// LosslessAuto compresses the stored value only when it is large enough
// to be worth it. Tools pass the resulting
// small envelope around instead of the raw payload.
type packProtocolMessageRequest struct {
	Payload json.RawMessage `json:"payload"`
}

func handlePackProtocolMessage(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req packProtocolMessageRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	raw := string(req.Payload)
	sum := sha256.Sum256([]byte(raw))
	hash := hex.EncodeToString(sum[:])
	stored := s.Blobs.LosslessAuto(raw)
	if _, err := s.Blobs.Put(ctx, hash, stored); err != nil {
		return nil, asHerr(err)
	}
	ref := blobstore.NewBlobRef(hash, len(raw))
	return map[string]any{"blob_ref": ref}, nil
}

type unpackProtocolMessageRequest struct {
	BlobRef json.RawMessage `json:"blob_ref"`
}

func handleUnpackProtocolMessage(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req unpackProtocolMessageRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	ref, ok := blobstore.ParseBlobRef(string(req.BlobRef))
	if !ok {
		return nil, herrors.New(herrors.CodeInvalidVotesBlobRef, "blob_ref is not a valid BlobRef envelope")
	}
	blob, found, err := s.Blobs.Get(ctx, ref.H)
	if err != nil {
		return nil, herrors.New(herrors.CodeInternal, err.Error())
	}
	if !found {
		return nil, herrors.New(herrors.CodeVotesBlobNotFound, "blob not found")
	}
	raw, ok := blobstore.LosslessDecode(blob.Value)
	if !ok {
		return nil, herrors.New(herrors.CodeVotesBlobIntegrityFailed, "blob failed integrity check")
	}
	return map[string]any{"payload": json.RawMessage(raw)}, nil
}

type hashPayloadRequest struct {
	Payload json.RawMessage `json:"payload"`
}

func handleHashPayload(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req hashPayloadRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	sum := sha256.Sum256(req.Payload)
	return map[string]any{"hash": hex.EncodeToString(sum[:])}, nil
}

type storeProtocolBlobRequest struct {
	Hash  string `json:"hash"`
	Value string `json:"value"`
}

func handleStoreProtocolBlob(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req storeProtocolBlobRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	hash := req.Hash
	if hash == "" {
		sum := sha256.Sum256([]byte(req.Value))
		hash = hex.EncodeToString(sum[:])
	}
	stored := s.Blobs.LosslessAuto(req.Value)
	result, err := s.Blobs.Put(ctx, hash, stored)
	if err != nil {
		return nil, asHerr(err)
	}
	return map[string]any{"hash": hash, "created": result.Created}, nil
}

type getProtocolBlobRequest struct {
	Hash string `json:"hash"`
}

func handleGetProtocolBlob(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req getProtocolBlobRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	blob, found, err := s.Blobs.Get(ctx, req.Hash)
	if err != nil {
		return nil, herrors.New(herrors.CodeInternal, err.Error())
	}
	if !found {
		return nil, herrors.New(herrors.CodeVotesBlobNotFound, "blob not found")
	}
	raw, ok := blobstore.LosslessDecode(blob.Value)
	if !ok {
		return nil, herrors.New(herrors.CodeVotesBlobIntegrityFailed, "blob failed integrity check")
	}
	return map[string]any{"value": raw, "blob": blob}, nil
}

type listProtocolBlobsRequest struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func handleListProtocolBlobs(ctx context.Context, s *Server, payload json.RawMessage) (map[string]any, *herrors.Error) {
	var req listProtocolBlobsRequest
	if herr := decodePayload(payload, &req); herr != nil {
		return nil, herr
	}
	blobs, err := s.Blobs.List(ctx, req.Limit, req.Offset)
	if err != nil {
		return nil, herrors.New(herrors.CodeInternal, err.Error())
	}
	return map[string]any{"blobs": blobs}, nil
}
