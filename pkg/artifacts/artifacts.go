// Package artifacts implements the artifact side channel: one-shot
// upload/download tickets held in an in-memory map under a mutex, and
// the persisted artifact metadata rows they point at.
package artifacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coordhub/hub/pkg/herrors"
	"github.com/coordhub/hub/pkg/store"
)

// Ticket kinds.
const (
	KindUpload   = "upload"
	KindDownload = "download"
)

type ticket struct {
	Kind       string
	ArtifactID string
	AgentID    string
	MaxBytes   int64
	ExpiresAt  time.Time
}

// Artifact is a persisted metadata row.
type Artifact struct {
	ID           string     `json:"id"`
	CreatedBy    string     `json:"created_by"`
	Name         string     `json:"name"`
	MimeType     string     `json:"mime_type"`
	SizeBytes    int64      `json:"size_bytes"`
	SHA256       string     `json:"sha256"`
	StoragePath  string     `json:"storage_path"`
	Namespace    string     `json:"namespace"`
	Summary      string     `json:"summary"`
	AccessCount  int        `json:"access_count"`
	TTLExpiresAt *time.Time `json:"ttl_expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Uploaded     bool       `json:"uploaded"`
}

// Manager issues and consumes tickets and owns artifact metadata.
type Manager struct {
	st  *store.Store
	now func() time.Time

	mu      sync.Mutex
	tickets map[string]ticket

	minTTL time.Duration
	maxTTL time.Duration
}

// New constructs a Manager. minTTL/maxTTL bound the ticket TTL window.
func New(st *store.Store, minTTL, maxTTL time.Duration) *Manager {
	return &Manager{st: st, now: time.Now, tickets: make(map[string]ticket), minTTL: minTTL, maxTTL: maxTTL}
}

// CreateInput is the payload for Create (persisted artifact metadata
// row, distinct from the ticket that authorizes upload/download).
type CreateInput struct {
	ID        string
	CreatedBy string
	Name      string
	Namespace string
	Summary   string
	MimeType  string
	// RetainFor sets an explicit ttl_expires_at on the row; 0 leaves it
	// NULL and the artifact falls under the maintenance sweep's default
	// retention instead.
	RetainFor time.Duration
}

// Create inserts the artifact metadata row before a ticket is issued.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*Artifact, error) {
	if in.Name == "" {
		return nil, herrors.New(herrors.CodeArtifactNameRequired, "artifact name is required")
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	namespace := in.Namespace
	if namespace == "" {
		namespace = "default"
	}
	now := m.now()
	var ttlExpiresAt any
	if in.RetainFor > 0 {
		ttlExpiresAt = now.Add(in.RetainFor)
	}
	_, err := m.st.Writer().ExecContext(ctx, `
		INSERT INTO artifacts (id, created_by, name, mime_type, size_bytes, sha256, storage_path,
			namespace, summary, access_count, ttl_expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, '', '', ?, ?, 0, ?, ?, ?)`,
		id, in.CreatedBy, in.Name, in.MimeType, namespace, in.Summary, ttlExpiresAt, now, now)
	if err != nil {
		return nil, fmt.Errorf("artifacts: create: %w", err)
	}
	return m.Get(ctx, id)
}

func (m *Manager) clampTTL(requested time.Duration) time.Duration {
	if requested < m.minTTL {
		return m.minTTL
	}
	if requested > m.maxTTL {
		return m.maxTTL
	}
	return requested
}

// Issue mints an opaque ticket token for kind (upload|download) scoped
// to artifactID and agentID.
func (m *Manager) Issue(kind, artifactID, agentID string, ttl time.Duration, maxBytes int64) string {
	ttl = m.clampTTL(ttl)
	token := uuid.NewString() + uuid.NewString()
	m.mu.Lock()
	m.tickets[token] = ticket{Kind: kind, ArtifactID: artifactID, AgentID: agentID, MaxBytes: maxBytes, ExpiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
	return token
}

// Consume validates and single-use-consumes a ticket: kind and
// artifact_id must match, the ticket must not be
// expired. The ticket is deleted whether consumption succeeds or the
// ticket was already expired.
func (m *Manager) Consume(token, kind, artifactID string) (agentID string, maxBytes int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[token]
	if !ok {
		return "", 0, herrors.New(herrors.CodeArtifactNotFound, "ticket not found")
	}
	delete(m.tickets, token)
	if m.now().After(t.ExpiresAt) {
		return "", 0, herrors.New(herrors.CodeArtifactNotFound, "ticket expired")
	}
	if t.Kind != kind || t.ArtifactID != artifactID {
		return "", 0, herrors.New(herrors.CodeArtifactAccessDenied, "ticket does not match kind/artifact")
	}
	return t.AgentID, t.MaxBytes, nil
}

// Sweep removes expired tickets, returning the count removed.
func (m *Manager) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for tok, t := range m.tickets {
		if now.After(t.ExpiresAt) {
			delete(m.tickets, tok)
			removed++
		}
	}
	return removed
}

// FinalizeUpload records the uploaded bytes' metadata after the caller
// has written them and computed the SHA-256. Rejects uploads exceeding
// maxBytes.
func (m *Manager) FinalizeUpload(ctx context.Context, id string, sizeBytes int64, sha256Hex, storagePath, mimeType string, maxBytes int64) (*Artifact, error) {
	if maxBytes > 0 && sizeBytes > maxBytes {
		return nil, herrors.WithDetail(herrors.CodeArtifactAccessDenied, "upload exceeds ticket's max_bytes",
			map[string]any{"max_bytes": maxBytes})
	}
	now := m.now()
	res, err := m.st.Writer().ExecContext(ctx, `
		UPDATE artifacts SET size_bytes=?, sha256=?, storage_path=?, mime_type=?, updated_at=?
		WHERE id=?`,
		sizeBytes, sha256Hex, storagePath, mimeType, now, id)
	if err != nil {
		return nil, fmt.Errorf("artifacts: finalize: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, herrors.New(herrors.CodeArtifactNotFound, "artifact not found")
	}
	return m.Get(ctx, id)
}

// Get fetches artifact metadata by id.
func (m *Manager) Get(ctx context.Context, id string) (*Artifact, error) {
	var row artifactRow
	if err := m.st.Reader().GetContext(ctx, &row, `SELECT * FROM artifacts WHERE id=?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, herrors.New(herrors.CodeArtifactNotFound, "artifact not found")
		}
		return nil, fmt.Errorf("artifacts: get: %w", err)
	}
	a := row.toArtifact()
	return &a, nil
}

// BumpAccessCount increments access_count on a successful download.
func (m *Manager) BumpAccessCount(ctx context.Context, id string) error {
	_, err := m.st.Writer().ExecContext(ctx, `UPDATE artifacts SET access_count = access_count + 1 WHERE id=?`, id)
	return err
}

// Share grants agentID access to artifactID; agentID of "*" grants
// everyone access.
func (m *Manager) Share(ctx context.Context, artifactID, agentID string) error {
	_, err := m.st.Writer().ExecContext(ctx, `
		INSERT OR IGNORE INTO artifact_shares (artifact_id, agent_id, created_at) VALUES (?, ?, ?)`,
		artifactID, agentID, m.now())
	if err != nil {
		return fmt.Errorf("artifacts: share: %w", err)
	}
	return nil
}

// HasAccess reports whether agent may read artifactID: creator, an
// explicit share, or a wildcard "*" share.
func (m *Manager) HasAccess(ctx context.Context, artifactID, agent string) (bool, error) {
	var creator string
	if err := m.st.Reader().GetContext(ctx, &creator, `SELECT created_by FROM artifacts WHERE id=?`, artifactID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, herrors.New(herrors.CodeArtifactNotFound, "artifact not found")
		}
		return false, err
	}
	if creator == agent {
		return true, nil
	}
	var n int
	if err := m.st.Reader().GetContext(ctx, &n, `
		SELECT COUNT(*) FROM artifact_shares WHERE artifact_id = ? AND agent_id IN (?, '*')`, artifactID, agent); err != nil {
		return false, err
	}
	return n > 0, nil
}

type artifactRow struct {
	ID           string        `db:"id"`
	CreatedBy    string        `db:"created_by"`
	Name         string        `db:"name"`
	MimeType     string        `db:"mime_type"`
	SizeBytes    int64         `db:"size_bytes"`
	SHA256       string        `db:"sha256"`
	StoragePath  string        `db:"storage_path"`
	Namespace    string        `db:"namespace"`
	Summary      string        `db:"summary"`
	AccessCount  int           `db:"access_count"`
	TTLExpiresAt sql.NullTime  `db:"ttl_expires_at"`
	CreatedAt    time.Time     `db:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at"`
}

func (r artifactRow) toArtifact() Artifact {
	a := Artifact{
		ID: r.ID, CreatedBy: r.CreatedBy, Name: r.Name, MimeType: r.MimeType, SizeBytes: r.SizeBytes,
		SHA256: r.SHA256, StoragePath: r.StoragePath, Namespace: r.Namespace, Summary: r.Summary,
		AccessCount: r.AccessCount, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
		Uploaded: r.SHA256 != "",
	}
	if r.TTLExpiresAt.Valid {
		a.TTLExpiresAt = &r.TTLExpiresAt.Time
	}
	return a
}
