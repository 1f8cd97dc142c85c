package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sandboxlabs/ssap/internal/auth"
	"github.com/sandboxlabs/ssap/internal/httperr"
	"github.com/sandboxlabs/ssap/internal/session"
	"github.com/sandboxlabs/ssap/pkg/types"
)

// parseAcquireRequest decodes and validates the acquire body.
func parseAcquireRequest(c echo.Context) (*types.AcquireRequest, error) {
	var req types.AcquireRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return nil, httperr.InvalidRequest("request body must be a JSON object")
	}

	req.ThreadID = strings.TrimSpace(req.ThreadID)
	if req.ThreadID == "" {
		return nil, httperr.InvalidRequest("thread_id is required")
	}
	if req.Mode != types.SessionModeGet && req.Mode != types.SessionModeEnsure {
		return nil, httperr.InvalidRequest("mode must be 'get' or 'ensure'")
	}
	return &req, nil
}

// acquireResponse assembles the wire response for a session plus a fresh
// token. Relay base URLs point at this server, never at the data plane.
func (s *Server) acquireResponse(c echo.Context, rec *session.Record, token string, tokenExp time.Time) *types.AcquireResponse {
	return &types.AcquireResponse{
		SessionID: rec.SessionID,
		ThreadID:  rec.ThreadID,
		Sandbox: types.SandboxInfo{
			ID:          rec.SandboxName,
			Provider:    rec.Provider,
			HTTPBaseURL: relayHTTPBaseURL(c, rec.SessionID),
			WSBaseURL:   relayWSBaseURL(c, rec.SessionID),
		},
		Token:     token,
		ExpiresAt: isoUTC(tokenExp),
	}
}

// acquireSession handles POST /v1/sandbox/sessions. In "ensure" mode it
// creates a session when none is bound to (principal, thread); in "get"
// mode a miss is a 404.
func (s *Server) acquireSession(c echo.Context) error {
	req, err := parseAcquireRequest(c)
	if err != nil {
		return err
	}
	principalID := auth.Principal(c)

	rec, err := s.manager.Ensure(c.Request().Context(), principalID, req.ThreadID, req.Mode, req.SandboxHint)
	if err != nil {
		return err
	}

	token, tokenExp, err := s.tokens.Issue(rec)
	if err != nil {
		return httperr.BackendUnavailable("failed to issue access token")
	}
	return c.JSON(http.StatusOK, s.acquireResponse(c, rec, token, tokenExp))
}

// getSession handles GET /v1/sandbox/sessions/:sid — ownership-checked read
// plus a fresh token.
func (s *Server) getSession(c echo.Context) error {
	principalID := auth.Principal(c)

	rec, err := s.manager.GetOwned(c.Request().Context(), principalID, c.Param("sid"))
	if err != nil {
		return err
	}

	token, tokenExp, err := s.tokens.Issue(rec)
	if err != nil {
		return httperr.BackendUnavailable("failed to issue access token")
	}
	return c.JSON(http.StatusOK, s.acquireResponse(c, rec, token, tokenExp))
}

// refreshSession handles POST /v1/sandbox/sessions/:sid/refresh: re-mint a
// token and touch the store TTL. The session's absolute expiry is unchanged.
func (s *Server) refreshSession(c echo.Context) error {
	principalID := auth.Principal(c)

	rec, err := s.manager.Refresh(c.Request().Context(), principalID, c.Param("sid"))
	if err != nil {
		return err
	}

	token, tokenExp, err := s.tokens.Issue(rec)
	if err != nil {
		return httperr.BackendUnavailable("failed to issue access token")
	}
	return c.JSON(http.StatusOK, types.RefreshResponse{
		Token:     token,
		ExpiresAt: isoUTC(tokenExp),
	})
}

// releaseSession handles DELETE /v1/sandbox/sessions/:sid.
func (s *Server) releaseSession(c echo.Context) error {
	principalID := auth.Principal(c)

	if err := s.manager.Release(c.Request().Context(), principalID, c.Param("sid")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
