// Package blobstore implements the content-addressed, deduplicated
// payload store, the LosslessAuto compression policy, and the
// BlobRef/LosslessEnvelope wire formats that let messages and context
// values carry large payloads by hash reference.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/coordhub/hub/pkg/store"
)

// BlobRef is the wire envelope embedded in message/context values
// pointing at a BlobStore entry.
type BlobRef struct {
	V string `json:"v"`
	K string `json:"k"`
	H string `json:"h"`
	C int    `json:"c"`
}

const blobRefVersion = "caep-1"
const blobRefKind = "blob"

// NewBlobRef builds the canonical BlobRef envelope for a hash and char count.
func NewBlobRef(hash string, declaredChars int) BlobRef {
	return BlobRef{V: blobRefVersion, K: blobRefKind, H: hash, C: declaredChars}
}

// ParseBlobRef returns the BlobRef only if s matches the exact envelope
// shape; otherwise ok is false.
func ParseBlobRef(s string) (ref BlobRef, ok bool) {
	var r BlobRef
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil || dec.More() {
		return BlobRef{}, false
	}
	if r.V != blobRefVersion || r.K != blobRefKind || r.H == "" || r.C < 0 {
		return BlobRef{}, false
	}
	return r, true
}

// losslessEnvelope is the exact JSON shape stored in the BlobStore value
// when LosslessAuto compresses.
type losslessEnvelope struct {
	V         string `json:"v"`
	Alg       string `json:"alg"`
	RawChars  int    `json:"raw_chars"`
	RawSHA256 string `json:"raw_sha256"`
	Data      string `json:"data"`
}

const envelopeVersion = "caep-blobz-1"
const envelopeAlg = "brotli-base64"

// Blob is a persisted row.
type Blob struct {
	Hash           string
	Value          string
	ReferenceCount int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	AccessCount    int
}

// Store is the content-addressed blob store.
type Store struct {
	st              *store.Store
	now             func() time.Time
	minPayloadChars int
	minGainPercent  float64
}

// New constructs a Store.
func New(st *store.Store, minPayloadChars int, minGainPercent float64) *Store {
	return &Store{st: st, now: time.Now, minPayloadChars: minPayloadChars, minGainPercent: minGainPercent}
}

// PutResult reports whether Put inserted a new row.
type PutResult struct {
	Created bool
	Blob    Blob
}

// Put inserts the blob if hash is unseen, otherwise bumps updated_at.
// Hash is caller-supplied; the store never re-hashes.
func (s *Store) Put(ctx context.Context, hash, value string) (*PutResult, error) {
	now := s.now()
	var result PutResult
	err := s.st.RunInTx(ctx, func(tx *store.Tx) error {
		var existing blobRow
		err := tx.GetContext(ctx, &existing, `SELECT * FROM protocol_blobs WHERE hash = ?`, hash)
		switch {
		case err == nil:
			if _, err := tx.ExecContext(ctx, `UPDATE protocol_blobs SET updated_at = ? WHERE hash = ?`, now, hash); err != nil {
				return fmt.Errorf("blobstore: bump updated_at: %w", err)
			}
			result.Created = false
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("blobstore: lookup: %w", err)
		default:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO protocol_blobs (hash, value, reference_count, created_at, updated_at, access_count)
				VALUES (?, ?, 0, ?, ?, 0)`, hash, value, now, now); err != nil {
				return fmt.Errorf("blobstore: insert: %w", err)
			}
			result.Created = true
		}

		var row blobRow
		if err := tx.GetContext(ctx, &row, `SELECT * FROM protocol_blobs WHERE hash = ?`, hash); err != nil {
			return fmt.Errorf("blobstore: reload: %w", err)
		}
		result.Blob = row.toBlob()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Get fetches a blob and increments access_count.
func (s *Store) Get(ctx context.Context, hash string) (*Blob, bool, error) {
	var row blobRow
	err := s.st.Reader().GetContext(ctx, &row, `SELECT * FROM protocol_blobs WHERE hash = ?`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("blobstore: get: %w", err)
	}
	if _, err := s.st.Writer().ExecContext(ctx, `UPDATE protocol_blobs SET access_count = access_count + 1 WHERE hash = ?`, hash); err != nil {
		return nil, false, fmt.Errorf("blobstore: bump access: %w", err)
	}
	row.AccessCount++
	b := row.toBlob()
	return &b, true, nil
}

// List returns blobs ordered by updated_at desc.
func (s *Store) List(ctx context.Context, limit, offset int) ([]Blob, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []blobRow
	if err := s.st.Reader().SelectContext(ctx, &rows, `
		SELECT * FROM protocol_blobs ORDER BY updated_at DESC LIMIT ? OFFSET ?`, limit, offset); err != nil {
		return nil, fmt.Errorf("blobstore: list: %w", err)
	}
	out := make([]Blob, len(rows))
	for i, r := range rows {
		out[i] = r.toBlob()
	}
	return out, nil
}

// LosslessAuto compresses with brotli (quality 4) into a
// LosslessEnvelope only if the
// payload is large enough and the gain clears the configured threshold;
// otherwise the raw value is returned unchanged.
func (s *Store) LosslessAuto(value string) string {
	if len(value) < s.minPayloadChars {
		return value
	}
	// andybalholm/brotli does not expose a separate text-mode flag; the
	// encoder's literal-context modeling already favors text at quality 4.
	var buf bytes.Buffer
	w := brotli.NewWriterOptions(&buf, brotli.WriterOptions{Quality: 4})
	if _, err := w.Write([]byte(value)); err != nil {
		_ = w.Close()
		return value
	}
	if err := w.Close(); err != nil {
		return value
	}

	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())
	sum := sha256.Sum256([]byte(value))
	env := losslessEnvelope{
		V: envelopeVersion, Alg: envelopeAlg,
		RawChars: len(value), RawSHA256: hex.EncodeToString(sum[:]), Data: encoded,
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return value
	}

	gain := 100 * (1 - float64(len(envJSON))/float64(len(value)))
	if gain < s.minGainPercent {
		return value
	}
	return string(envJSON)
}

// LosslessDecode reverses LosslessAuto, verifying the declared SHA-256
// and char count. If stored is not an envelope, it is returned as-is.
// On integrity mismatch, ok is false and stored is returned unchanged.
func LosslessDecode(stored string) (value string, ok bool) {
	var env losslessEnvelope
	if err := json.Unmarshal([]byte(stored), &env); err != nil {
		return stored, true // not an envelope; caller treats as raw
	}
	if env.V != envelopeVersion || env.Alg != envelopeAlg {
		return stored, true
	}

	raw, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return stored, false
	}
	decompressed, err := io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return stored, false
	}
	if len(decompressed) != env.RawChars {
		return stored, false
	}
	sum := sha256.Sum256(decompressed)
	if hex.EncodeToString(sum[:]) != env.RawSHA256 {
		return stored, false
	}
	return string(decompressed), true
}

// GC deletes blobs untouched since cutoff that are no longer referenced
// by any message content or context value. The textual probe in
// isReferenced is the only deletion gate; reference_count is not read
// here, so a count that stayed high (a missed decrement) does not pin
// the blob.
func (s *Store) GC(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	var hashes []string
	if err := s.st.Reader().SelectContext(ctx, &hashes, `
		SELECT hash FROM protocol_blobs WHERE updated_at < ? LIMIT ?`, cutoff, limit); err != nil {
		return 0, fmt.Errorf("blobstore: gc candidates: %w", err)
	}
	deleted := 0
	for _, hash := range hashes {
		referenced, err := s.isReferenced(ctx, hash)
		if err != nil {
			return deleted, err
		}
		if referenced {
			continue
		}
		if _, err := s.st.Writer().ExecContext(ctx, `DELETE FROM protocol_blobs WHERE hash = ?`, hash); err != nil {
			return deleted, fmt.Errorf("blobstore: gc delete: %w", err)
		}
		deleted++
	}
	return deleted, nil
}

func (s *Store) isReferenced(ctx context.Context, hash string) (bool, error) {
	needle := `"h":"` + hash + `"`
	var n int
	if err := s.st.Reader().GetContext(ctx, &n, `
		SELECT COUNT(*) FROM messages WHERE content LIKE '%' || ? || '%'`, needle); err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if err := s.st.Reader().GetContext(ctx, &n, `
		SELECT COUNT(*) FROM context WHERE value LIKE '%' || ? || '%'`, needle); err != nil {
		return false, err
	}
	return n > 0, nil
}

// IncrementRef bumps reference_count, used when a caller binds a new
// BlobRef into a message/context value.
func (s *Store) IncrementRef(ctx context.Context, hash string) error {
	_, err := s.st.Writer().ExecContext(ctx, `UPDATE protocol_blobs SET reference_count = reference_count + 1 WHERE hash = ?`, hash)
	return err
}

// DecrementRef drops reference_count, floored at zero.
func (s *Store) DecrementRef(ctx context.Context, hash string) error {
	_, err := s.st.Writer().ExecContext(ctx, `
		UPDATE protocol_blobs SET reference_count = MAX(0, reference_count - 1) WHERE hash = ?`, hash)
	return err
}

type blobRow struct {
	Hash           string    `db:"hash"`
	Value          string    `db:"value"`
	ReferenceCount int       `db:"reference_count"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
	AccessCount    int       `db:"access_count"`
}

func (r blobRow) toBlob() Blob {
	return Blob(r)
}
