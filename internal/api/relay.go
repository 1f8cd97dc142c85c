package api

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/sandboxlabs/ssap/internal/httperr"
	"github.com/sandboxlabs/ssap/internal/metrics"
	"github.com/sandboxlabs/ssap/internal/session"
)

// Capabilities gating the relay operations.
const (
	CapExecute  = "execute"
	CapUpload   = "upload"
	CapDownload = "download"
)

// authorizeRelay authenticates a relay request and returns the session
// record it targets.
func (s *Server) authorizeRelay(c echo.Context, requiredCap string) (*session.Record, error) {
	token, err := accessToken(c.Request())
	if err != nil {
		return nil, err
	}
	return s.requireSessionForToken(c, token, c.Param("sid"), requiredCap)
}

// forwardUpstream sends one request to the sandbox data plane with the
// server-held provider credential. Only the "path" query parameter is
// forwarded; no client headers or cookies cross the relay.
func (s *Server) forwardUpstream(c echo.Context, rec *session.Record, method, op, contentType string, path string, body io.Reader) (*http.Response, error) {
	upstreamURL := rec.DataplaneURL + "/" + op
	if path != "" {
		upstreamURL += "?path=" + url.QueryEscape(path)
	}

	req, err := http.NewRequestWithContext(c.Request().Context(), method, upstreamURL, body)
	if err != nil {
		return nil, httperr.BackendUnavailable("failed to build upstream request")
	}
	req.Header.Set("X-Api-Key", s.cfg.ProviderAPIKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.relayClient.Do(req)
	if err != nil {
		metrics.RelayRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, httperr.Newf(http.StatusServiceUnavailable, httperr.CodeBackendUnavailable,
			"sandbox data plane unreachable: %v", err)
	}
	metrics.RelayRequestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()
	return resp, nil
}

// mirrorHeaders copies the response headers the relay passes through:
// content type plus rate-limit signals from the upstream.
func mirrorHeaders(c echo.Context, resp *http.Response) {
	for _, name := range []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"} {
		if v := resp.Header.Get(name); v != "" {
			c.Response().Header().Set(name, v)
		}
	}
}

// relayExecute handles POST /v1/sandbox/relay/:sid/execute. The body is
// forwarded verbatim; the upstream status, content type, and body come back
// unchanged.
func (s *Server) relayExecute(c echo.Context) error {
	rec, err := s.authorizeRelay(c, CapExecute)
	if err != nil {
		return err
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return httperr.InvalidRequest("failed to read request body")
	}

	resp, err := s.forwardUpstream(c, rec, http.MethodPost, "execute", "application/json", "", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return httperr.BackendUnavailable("failed to read upstream response")
	}

	mirrorHeaders(c, resp)
	return c.Blob(resp.StatusCode, upstreamContentType(resp, "application/json"), out)
}

// relayUpload handles POST /v1/sandbox/relay/:sid/upload?path=…, forwarding
// the raw bytes with the client's content type.
func (s *Server) relayUpload(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return httperr.InvalidRequest("query parameter 'path' is required")
	}

	rec, err := s.authorizeRelay(c, CapUpload)
	if err != nil {
		return err
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return httperr.InvalidRequest("failed to read request body")
	}

	contentType := c.Request().Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	resp, err := s.forwardUpstream(c, rec, http.MethodPost, "upload", contentType, path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return httperr.BackendUnavailable("failed to read upstream response")
	}

	mirrorHeaders(c, resp)
	return c.Blob(resp.StatusCode, upstreamContentType(resp, "application/json"), out)
}

// relayDownload handles GET /v1/sandbox/relay/:sid/download?path=…. The
// upstream body streams to the client chunk by chunk so large files never
// sit in memory.
func (s *Server) relayDownload(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return httperr.InvalidRequest("query parameter 'path' is required")
	}

	rec, err := s.authorizeRelay(c, CapDownload)
	if err != nil {
		return err
	}

	resp, err := s.forwardUpstream(c, rec, http.MethodGet, "download", "", path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	mirrorHeaders(c, resp)
	return c.Stream(resp.StatusCode, upstreamContentType(resp, "application/octet-stream"), resp.Body)
}

func upstreamContentType(resp *http.Response, fallback string) string {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return fallback
}
