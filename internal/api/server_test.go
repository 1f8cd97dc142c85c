package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sandboxlabs/ssap/internal/auth"
	"github.com/sandboxlabs/ssap/internal/config"
	"github.com/sandboxlabs/ssap/internal/httperr"
	"github.com/sandboxlabs/ssap/internal/provider"
	"github.com/sandboxlabs/ssap/internal/session"
	"github.com/sandboxlabs/ssap/pkg/types"
)

const (
	testProviderKey = "prov-secret-key"
	testJWTSecret   = "test-jwt-secret"
)

// upstreamRecorder captures what the relay forwarded to the fake data plane.
type upstreamRecorder struct {
	mu            sync.Mutex
	lastPath      string
	lastQuery     string
	lastBody      []byte
	lastHeaders   http.Header
	executeStatus int
	executeBody   string
	headers       map[string]string
}

// testEnv wires a full server against a fake provider and a fake data plane.
type testEnv struct {
	server    *Server
	cfg       *config.Config
	tokens    *auth.TokenService
	store     *session.MemoryStore
	dataplane *httptest.Server
	upstream  *upstreamRecorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	rec := &upstreamRecorder{executeStatus: http.StatusOK, executeBody: `{"stdout":"hi","exit_code":0}`}

	dataplane := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.lastPath = r.URL.Path
		rec.lastQuery = r.URL.RawQuery
		rec.lastBody = body
		rec.lastHeaders = r.Header.Clone()
		status := rec.executeStatus
		respBody := rec.executeBody
		extra := rec.headers
		rec.mu.Unlock()

		for k, v := range extra {
			w.Header().Set(k, v)
		}
		switch r.URL.Path {
		case "/execute":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			w.Write([]byte(respBody))
		case "/upload":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"ok":true}`))
		case "/download":
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte("file contents here"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(dataplane.Close)

	control := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != testProviderKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/boxes":
			json.NewEncoder(w).Encode(provider.Sandbox{
				Name:         "sbx-test",
				DataplaneURL: dataplane.URL,
			})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/boxes/"):
			json.NewEncoder(w).Encode(provider.Sandbox{
				Name:         strings.TrimPrefix(r.URL.Path, "/boxes/"),
				DataplaneURL: dataplane.URL,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(control.Close)

	cfg := &config.Config{
		Enabled:         true,
		Port:            8080,
		JWTSecret:       testJWTSecret,
		JWTIssuer:       "ssap",
		TokenTTLMinutes: 60,
		SessionMaxHours: 8,
		Capabilities:    []string{"execute", "upload", "download"},
		ProviderTag:     "langsmith",
		ProviderAPIKey:  testProviderKey,
		ControlBase:     control.URL,
		TemplateName:    "ssap-default",
	}

	prov := provider.NewClient(cfg.ControlBase, cfg.ProviderAPIKey)
	store := session.NewMemoryStore()
	mgr := session.NewManager(store, prov, session.ManagerConfig{
		ProviderTag:   cfg.ProviderTag,
		TemplateName:  cfg.TemplateName,
		SessionMaxAge: cfg.SessionMaxAge(),
	})
	tokens := auth.NewTokenService(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL(), cfg.Capabilities)

	return &testEnv{
		server:    NewServer(cfg, mgr, tokens),
		cfg:       cfg,
		tokens:    tokens,
		store:     store,
		dataplane: dataplane,
		upstream:  rec,
	}
}

func (env *testEnv) do(method, path, identity, token string, body string, contentType string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if identity != "" {
		req.Header.Set("X-Auth-Identity", identity)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	env.server.Echo().ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) acquire(t *testing.T, identity, threadID string) *types.AcquireResponse {
	t.Helper()
	rec := env.do(http.MethodPost, "/v1/sandbox/sessions", identity, "",
		`{"thread_id":"`+threadID+`","mode":"ensure"}`, "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("acquire failed: status %d, body %s", rec.Code, rec.Body.String())
	}
	var resp types.AcquireResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode acquire response: %v", err)
	}
	return &resp
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) httperr.Envelope {
	t.Helper()
	var env httperr.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode error envelope: %v (body: %s)", err, rec.Body.String())
	}
	return env
}

func TestAcquireThenReuse(t *testing.T) {
	env := newTestEnv(t)

	first := env.acquire(t, "alice", "t-1")
	if !strings.HasPrefix(first.SessionID, "ssn_") {
		t.Errorf("unexpected session ID: %s", first.SessionID)
	}
	if first.Sandbox.ID != "sbx-test" {
		t.Errorf("unexpected sandbox: %s", first.Sandbox.ID)
	}
	if first.Sandbox.Provider != "langsmith" {
		t.Errorf("unexpected provider: %s", first.Sandbox.Provider)
	}
	if !strings.Contains(first.Sandbox.HTTPBaseURL, "/v1/sandbox/relay/"+first.SessionID) {
		t.Errorf("relay base must point at this server: %s", first.Sandbox.HTTPBaseURL)
	}
	if !strings.HasPrefix(first.Sandbox.WSBaseURL, "ws") {
		t.Errorf("expected ws scheme on WS base: %s", first.Sandbox.WSBaseURL)
	}
	if first.Token == "" {
		t.Error("expected a token")
	}
	if !strings.HasSuffix(first.ExpiresAt, "Z") {
		t.Errorf("expected UTC expires_at with trailing Z, got %s", first.ExpiresAt)
	}

	second := env.acquire(t, "alice", "t-1")
	if second.SessionID != first.SessionID {
		t.Errorf("expected same session on re-acquire, got %s then %s", first.SessionID, second.SessionID)
	}
	if second.Token == first.Token {
		t.Error("expected a fresh token on re-acquire")
	}
}

func TestAcquireValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		body string
	}{
		{"not json", `thread_id=t-1`},
		{"missing thread_id", `{"mode":"ensure"}`},
		{"blank thread_id", `{"thread_id":"  ","mode":"ensure"}`},
		{"unknown mode", `{"thread_id":"t-1","mode":"upsert"}`},
		{"missing mode", `{"thread_id":"t-1"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/v1/sandbox/sessions", "alice", "", tc.body, "application/json")
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
			}
			if e := decodeEnvelope(t, rec); e.Error.Code != httperr.CodeInvalidRequest {
				t.Errorf("expected INVALID_REQUEST, got %s", e.Error.Code)
			}
		})
	}
}

func TestAcquireGetModeMiss(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/v1/sandbox/sessions", "bob", "",
		`{"thread_id":"t-9","mode":"get"}`, "application/json")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	e := decodeEnvelope(t, rec)
	if e.Error.Code != httperr.CodeSessionNotFound {
		t.Errorf("expected SESSION_NOT_FOUND, got %s", e.Error.Code)
	}
	if e.Error.Retryable {
		t.Error("expected 404 to not be retryable")
	}
}

func TestGetSessionOwnership(t *testing.T) {
	env := newTestEnv(t)
	sess := env.acquire(t, "alice", "t-1")

	rec := env.do(http.MethodGet, "/v1/sandbox/sessions/"+sess.SessionID, "alice", "", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("owner read failed: %d (%s)", rec.Code, rec.Body.String())
	}

	rec = env.do(http.MethodGet, "/v1/sandbox/sessions/"+sess.SessionID, "mallory", "", "", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for other principal, got %d", rec.Code)
	}
	if e := decodeEnvelope(t, rec); e.Error.Code != httperr.CodeForbidden {
		t.Errorf("expected FORBIDDEN, got %s", e.Error.Code)
	}

	rec = env.do(http.MethodGet, "/v1/sandbox/sessions/ssn_ghost", "alice", "", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestRefreshAndRelease(t *testing.T) {
	env := newTestEnv(t)
	sess := env.acquire(t, "alice", "t-1")

	rec := env.do(http.MethodPost, "/v1/sandbox/sessions/"+sess.SessionID+"/refresh", "alice", "", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh failed: %d (%s)", rec.Code, rec.Body.String())
	}
	var refreshed types.RefreshResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &refreshed); err != nil {
		t.Fatalf("failed to decode refresh response: %v", err)
	}
	if refreshed.Token == "" {
		t.Error("expected a fresh token")
	}

	rec = env.do(http.MethodDelete, "/v1/sandbox/sessions/"+sess.SessionID, "mallory", "", "", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 releasing another principal's session, got %d", rec.Code)
	}

	rec = env.do(http.MethodDelete, "/v1/sandbox/sessions/"+sess.SessionID, "alice", "", "", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("release failed: %d (%s)", rec.Code, rec.Body.String())
	}

	rec = env.do(http.MethodGet, "/v1/sandbox/sessions/"+sess.SessionID, "alice", "", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after release, got %d", rec.Code)
	}
}

func TestRelayExecutePassthrough(t *testing.T) {
	env := newTestEnv(t)
	sess := env.acquire(t, "alice", "t-1")

	rec := env.do(http.MethodPost, "/v1/sandbox/relay/"+sess.SessionID+"/execute",
		"", sess.Token, `{"command":["ls"]}`, "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("execute relay failed: %d (%s)", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != `{"stdout":"hi","exit_code":0}` {
		t.Errorf("upstream body not passed through: %s", rec.Body.String())
	}

	env.upstream.mu.Lock()
	if env.upstream.lastPath != "/execute" {
		t.Errorf("unexpected upstream path: %s", env.upstream.lastPath)
	}
	if string(env.upstream.lastBody) != `{"command":["ls"]}` {
		t.Errorf("request body not forwarded verbatim: %s", env.upstream.lastBody)
	}
	if env.upstream.lastHeaders.Get("X-Api-Key") != testProviderKey {
		t.Error("expected provider credential on upstream call")
	}
	if env.upstream.lastHeaders.Get("Authorization") != "" {
		t.Error("client token must not cross the relay")
	}
	env.upstream.mu.Unlock()
}

func TestRelayMirrorsRateLimitSignals(t *testing.T) {
	env := newTestEnv(t)
	sess := env.acquire(t, "alice", "t-1")

	env.upstream.mu.Lock()
	env.upstream.executeStatus = http.StatusTooManyRequests
	env.upstream.executeBody = `{"error":"slow down"}`
	env.upstream.headers = map[string]string{"Retry-After": "7"}
	env.upstream.mu.Unlock()

	rec := env.do(http.MethodPost, "/v1/sandbox/relay/"+sess.SessionID+"/execute",
		"", sess.Token, `{}`, "application/json")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected upstream 429 mirrored, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "7" {
		t.Errorf("expected Retry-After mirrored, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Body.String() != `{"error":"slow down"}` {
		t.Errorf("upstream error body not passed through: %s", rec.Body.String())
	}
}

func TestRelayAuthFailures(t *testing.T) {
	env := newTestEnv(t)
	sess := env.acquire(t, "alice", "t-1")
	executePath := "/v1/sandbox/relay/" + sess.SessionID + "/execute"

	t.Run("missing token", func(t *testing.T) {
		rec := env.do(http.MethodPost, executePath, "", "", `{}`, "application/json")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
		if e := decodeEnvelope(t, rec); e.Error.Code != httperr.CodeUnauthenticated {
			t.Errorf("expected UNAUTHENTICATED, got %s", e.Error.Code)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		expiredMinter := auth.NewTokenService(testJWTSecret, "ssap", -time.Minute, env.cfg.Capabilities)
		token, _, err := expiredMinter.Issue(&session.Record{
			SessionID:   sess.SessionID,
			ThreadID:    "t-1",
			PrincipalID: "alice",
			SandboxName: sess.Sandbox.ID,
		})
		if err != nil {
			t.Fatalf("failed to mint expired token: %v", err)
		}
		rec := env.do(http.MethodPost, executePath, "", token, `{}`, "application/json")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
		if e := decodeEnvelope(t, rec); e.Error.Code != httperr.CodeTokenExpired {
			t.Errorf("expected TOKEN_EXPIRED, got %s", e.Error.Code)
		}
	})

	t.Run("token for another session", func(t *testing.T) {
		other := env.acquire(t, "alice", "t-2")
		rec := env.do(http.MethodPost, executePath, "", other.Token, `{}`, "application/json")
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rec.Code)
		}
		if e := decodeEnvelope(t, rec); e.Error.Code != httperr.CodeForbidden {
			t.Errorf("expected FORBIDDEN, got %s", e.Error.Code)
		}
	})

	t.Run("cross-principal token", func(t *testing.T) {
		// A token asserting mallory as subject against alice's session.
		forged, _, err := env.tokens.Issue(&session.Record{
			SessionID:   sess.SessionID,
			ThreadID:    "t-1",
			PrincipalID: "mallory",
			SandboxName: sess.Sandbox.ID,
		})
		if err != nil {
			t.Fatalf("failed to mint token: %v", err)
		}
		rec := env.do(http.MethodPost, executePath, "", forged, `{}`, "application/json")
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rec.Code)
		}
		if e := decodeEnvelope(t, rec); e.Error.Code != httperr.CodeForbidden {
			t.Errorf("expected FORBIDDEN, got %s", e.Error.Code)
		}
	})

	t.Run("capability denied", func(t *testing.T) {
		limited := auth.NewTokenService(testJWTSecret, "ssap", time.Hour, []string{"download"})
		token, _, err := limited.Issue(&session.Record{
			SessionID:   sess.SessionID,
			ThreadID:    "t-1",
			PrincipalID: "alice",
			SandboxName: sess.Sandbox.ID,
		})
		if err != nil {
			t.Fatalf("failed to mint token: %v", err)
		}
		rec := env.do(http.MethodPost, executePath, "", token, `{}`, "application/json")
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rec.Code)
		}
		if e := decodeEnvelope(t, rec); e.Error.Code != httperr.CodeCapabilityDenied {
			t.Errorf("expected CAPABILITY_DENIED, got %s", e.Error.Code)
		}
	})
}

func TestRelayUpload(t *testing.T) {
	env := newTestEnv(t)
	sess := env.acquire(t, "alice", "t-1")

	// Missing path is rejected before authentication runs.
	rec := env.do(http.MethodPost, "/v1/sandbox/relay/"+sess.SessionID+"/upload", "", "", "data", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing path, got %d", rec.Code)
	}
	if e := decodeEnvelope(t, rec); e.Error.Code != httperr.CodeInvalidRequest {
		t.Errorf("expected INVALID_REQUEST, got %s", e.Error.Code)
	}

	rec = env.do(http.MethodPost,
		"/v1/sandbox/relay/"+sess.SessionID+"/upload?path=%2Fworkspace%2Fa.txt",
		"", sess.Token, "file bytes", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("upload relay failed: %d (%s)", rec.Code, rec.Body.String())
	}

	env.upstream.mu.Lock()
	if env.upstream.lastPath != "/upload" {
		t.Errorf("unexpected upstream path: %s", env.upstream.lastPath)
	}
	if env.upstream.lastQuery != "path=%2Fworkspace%2Fa.txt" {
		t.Errorf("path query not forwarded: %s", env.upstream.lastQuery)
	}
	if string(env.upstream.lastBody) != "file bytes" {
		t.Errorf("upload body not forwarded: %s", env.upstream.lastBody)
	}
	if ct := env.upstream.lastHeaders.Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("expected default octet-stream content type, got %s", ct)
	}
	env.upstream.mu.Unlock()
}

func TestRelayDownload(t *testing.T) {
	env := newTestEnv(t)
	sess := env.acquire(t, "alice", "t-1")

	rec := env.do(http.MethodGet, "/v1/sandbox/relay/"+sess.SessionID+"/download", "", sess.Token, "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing path, got %d", rec.Code)
	}

	rec = env.do(http.MethodGet,
		"/v1/sandbox/relay/"+sess.SessionID+"/download?path=%2Fworkspace%2Fout.txt",
		"", sess.Token, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("download relay failed: %d (%s)", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "file contents here" {
		t.Errorf("download body not streamed through: %s", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("upstream content type not mirrored: %s", ct)
	}
}

func TestRelayUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	sess := env.acquire(t, "alice", "t-1")

	// Valid token but the path session no longer exists after release.
	env.do(http.MethodDelete, "/v1/sandbox/sessions/"+sess.SessionID, "alice", "", "", "")

	rec := env.do(http.MethodPost, "/v1/sandbox/relay/"+sess.SessionID+"/execute",
		"", sess.Token, `{}`, "application/json")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for released session, got %d", rec.Code)
	}
	if e := decodeEnvelope(t, rec); e.Error.Code != httperr.CodeSessionNotFound {
		t.Errorf("expected SESSION_NOT_FOUND, got %s", e.Error.Code)
	}
}

func TestDisabledServiceHidesRoutes(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Enabled = false

	rec := env.do(http.MethodPost, "/v1/sandbox/sessions", "alice", "",
		`{"thread_id":"t-1","mode":"ensure"}`, "application/json")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when disabled, got %d", rec.Code)
	}
	if e := decodeEnvelope(t, rec); e.Error.Code != httperr.CodeNotFound {
		t.Errorf("expected NOT_FOUND, got %s", e.Error.Code)
	}

	// Health stays up regardless.
	rec = env.do(http.MethodGet, "/health", "", "", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected health to stay available, got %d", rec.Code)
	}
}

func TestSecretsNeverLeaveTheServer(t *testing.T) {
	env := newTestEnv(t)
	sess := env.acquire(t, "alice", "t-1")

	responses := []*httptest.ResponseRecorder{
		env.do(http.MethodGet, "/v1/sandbox/sessions/"+sess.SessionID, "alice", "", "", ""),
		env.do(http.MethodGet, "/v1/sandbox/sessions/"+sess.SessionID, "mallory", "", "", ""),
		env.do(http.MethodPost, "/v1/sandbox/relay/"+sess.SessionID+"/execute", "", sess.Token, `{}`, "application/json"),
		env.do(http.MethodPost, "/v1/sandbox/relay/"+sess.SessionID+"/execute", "", "", `{}`, "application/json"),
	}

	for i, rec := range responses {
		body := rec.Body.String()
		if strings.Contains(body, testProviderKey) {
			t.Errorf("response %d leaks the provider API key", i)
		}
		if strings.Contains(body, testJWTSecret) {
			t.Errorf("response %d leaks the JWT secret", i)
		}
		for name, values := range rec.Header() {
			for _, v := range values {
				if strings.Contains(v, testProviderKey) || strings.Contains(v, testJWTSecret) {
					t.Errorf("response %d leaks a secret in header %s", i, name)
				}
			}
		}
	}

	// The sandbox info must point at the relay, never at the data plane.
	if strings.Contains(sess.Sandbox.HTTPBaseURL, env.dataplane.URL) {
		t.Error("acquire response exposes the data plane URL")
	}
}

func TestDataplaneUnreachable(t *testing.T) {
	env := newTestEnv(t)
	sess := env.acquire(t, "alice", "t-1")

	env.dataplane.Close()

	rec := env.do(http.MethodPost, "/v1/sandbox/relay/"+sess.SessionID+"/execute",
		"", sess.Token, `{}`, "application/json")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	e := decodeEnvelope(t, rec)
	if e.Error.Code != httperr.CodeBackendUnavailable {
		t.Errorf("expected BACKEND_UNAVAILABLE, got %s", e.Error.Code)
	}
	if !e.Error.Retryable {
		t.Error("expected 503 envelope to be retryable")
	}
}
