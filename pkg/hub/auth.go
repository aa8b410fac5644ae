package hub

import (
	"context"

	"github.com/coordhub/hub/pkg/herrors"
)

// checkAuthToken validates an optional bearer token against the
// registered agent and records the outcome to auth_events. Full
// token-issuance and request-gating middleware belongs to an external
// wrapper, so this is deliberately narrow: a handler calls it only
// when the caller supplied a token to check, and callers that supply no
// token at all are left to whatever external wrapper sits in front of
// this process. What lives here is the coverage data get_auth_coverage
// reports on.

// CheckAuthToken is the exported entry point pkg/api uses to validate
// the optional auth_token query parameter on /events.
func (s *Server) CheckAuthToken(ctx context.Context, agentID, token string) *herrors.Error {
	return s.checkAuthToken(ctx, agentID, token)
}

func (s *Server) checkAuthToken(ctx context.Context, agentID, token string) *herrors.Error {
	if token == "" {
		s.recordAuthEvent(ctx, agentID, "token_missing", "")
		return herrors.New(herrors.CodeAuthTokenRequired, "auth token required")
	}
	ok, err := s.Agents.ValidateToken(ctx, agentID, token)
	if err != nil {
		return asHerr(err)
	}
	if !ok {
		s.recordAuthEvent(ctx, agentID, "token_invalid", "")
		return herrors.New(herrors.CodeAuthTokenInvalid, "auth token invalid")
	}
	s.recordAuthEvent(ctx, agentID, "token_valid", "")
	return nil
}

func (s *Server) recordAuthEvent(ctx context.Context, agentID, kind, detail string) {
	if detail == "" {
		detail = "{}"
	}
	_, err := s.st.Writer().ExecContext(ctx, `
		INSERT INTO auth_events (agent_id, kind, detail, created_at) VALUES (?, ?, ?, ?)`,
		agentID, kind, detail, s.now())
	if err != nil {
		s.log.Error("record auth event failed", "kind", kind, "error", err)
	}
}

// AuthCoverage summarizes auth_events by kind (get_auth_coverage tool).
type AuthCoverage struct {
	TokenValid   int64 `json:"token_valid"`
	TokenInvalid int64 `json:"token_invalid"`
	TokenMissing int64 `json:"token_missing"`
	TotalEvents  int64 `json:"total_events"`
}

func (s *Server) authCoverage(ctx context.Context) (*AuthCoverage, error) {
	var cov AuthCoverage
	rows, err := s.st.Reader().QueryContext(ctx, `SELECT kind, COUNT(*) FROM auth_events GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		switch kind {
		case "token_valid":
			cov.TokenValid = n
		case "token_invalid":
			cov.TokenInvalid = n
		case "token_missing":
			cov.TokenMissing = n
		}
		cov.TotalEvents += n
	}
	return &cov, rows.Err()
}
