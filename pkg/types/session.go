package types

// SessionMode selects the acquire behavior: "get" returns an existing
// binding only, "ensure" creates a session when none is bound.
type SessionMode string

const (
	SessionModeGet    SessionMode = "get"
	SessionModeEnsure SessionMode = "ensure"
)

// AcquireRequest is the request body for POST /v1/sandbox/sessions.
type AcquireRequest struct {
	ThreadID    string      `json:"thread_id"`
	Mode        SessionMode `json:"mode"`
	SandboxHint string      `json:"sandbox_hint,omitempty"`
}

// SandboxInfo describes the sandbox behind a session, with the relay base
// URLs clients should use instead of the provider data plane.
type SandboxInfo struct {
	ID          string `json:"id"`
	Provider    string `json:"provider"`
	HTTPBaseURL string `json:"http_base_url"`
	WSBaseURL   string `json:"ws_base_url"`
}

// AcquireResponse is returned by acquire and get: the session, its sandbox,
// and a fresh access token.
type AcquireResponse struct {
	SessionID string      `json:"session_id"`
	ThreadID  string      `json:"thread_id"`
	Sandbox   SandboxInfo `json:"sandbox"`
	Token     string      `json:"token"`
	ExpiresAt string      `json:"expires_at"` // ISO-8601 UTC, trailing "Z"
}

// RefreshResponse is returned by POST /v1/sandbox/sessions/{sid}/refresh.
type RefreshResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}
