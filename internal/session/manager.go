package session

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/sandboxlabs/ssap/internal/httperr"
	"github.com/sandboxlabs/ssap/internal/metrics"
	"github.com/sandboxlabs/ssap/internal/provider"
	"github.com/sandboxlabs/ssap/pkg/types"
)

// providerCallTimeout bounds the sandbox create/get call made outside the
// manager mutex.
const providerCallTimeout = 120 * time.Second

// SandboxProvider is the slice of the provider control API the manager needs.
type SandboxProvider interface {
	CreateSandbox(ctx context.Context, templateName, nameHint string) (*provider.Sandbox, error)
	GetSandbox(ctx context.Context, name string) (*provider.Sandbox, error)
}

// ManagerConfig carries the knobs the manager reads from config.
type ManagerConfig struct {
	ProviderTag   string
	TemplateName  string
	SessionMaxAge time.Duration
}

// Manager implements the keyed-singleton policy over the store and provider:
// at most one live session per (principal, thread), created on demand.
type Manager struct {
	mu       sync.Mutex
	store    Store
	provider SandboxProvider
	cfg      ManagerConfig
	now      func() time.Time
}

// NewManager creates a session manager.
func NewManager(store Store, sbp SandboxProvider, cfg ManagerConfig) *Manager {
	return &Manager{
		store:    store,
		provider: sbp,
		cfg:      cfg,
		now:      time.Now,
	}
}

// lookupLive returns the live record bound to (principal, thread), or nil.
// Caller must hold m.mu.
func (m *Manager) lookupLive(ctx context.Context, principalID, threadID string) (*Record, error) {
	sessionID, err := m.store.LoadBinding(ctx, principalID, threadID)
	if err != nil {
		return nil, storeErr(err)
	}
	if sessionID == "" {
		return nil, nil
	}
	rec, err := m.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, storeErr(err)
	}
	if rec == nil || rec.Expired(m.now()) {
		return nil, nil
	}
	return rec, nil
}

// Ensure returns the session bound to (principal, thread), creating one when
// mode is "ensure" and none is live. The provider call runs outside the
// mutex; two racing creates for the same key may each obtain a sandbox, in
// which case the later binding wins and the loser's sandbox is orphaned.
func (m *Manager) Ensure(ctx context.Context, principalID, threadID string, mode types.SessionMode, sandboxHint string) (*Record, error) {
	m.mu.Lock()
	existing, err := m.lookupLive(ctx, principalID, threadID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if existing != nil {
		m.mu.Unlock()
		return existing, nil
	}
	if mode == types.SessionModeGet {
		m.mu.Unlock()
		return nil, httperr.Newf(http.StatusNotFound, httperr.CodeSessionNotFound,
			"no sandbox session exists for thread %q", threadID)
	}
	m.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()

	var sb *provider.Sandbox
	if sandboxHint != "" {
		sb, err = m.provider.GetSandbox(callCtx, sandboxHint)
	} else {
		sb, err = m.provider.CreateSandbox(callCtx, m.cfg.TemplateName, "")
	}
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	rec := &Record{
		SessionID:        NewSessionID(),
		ThreadID:         threadID,
		PrincipalID:      principalID,
		SandboxName:      sb.Name,
		Provider:         m.cfg.ProviderTag,
		DataplaneURL:     sb.DataplaneURL,
		CreatedAt:        now,
		SessionExpiresAt: now.Add(m.cfg.SessionMaxAge),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ttl := rec.SessionExpiresAt.Sub(m.now())
	if err := m.store.SaveSession(ctx, rec, ttl); err != nil {
		return nil, storeErr(err)
	}
	if err := m.store.SaveBinding(ctx, principalID, threadID, rec.SessionID, ttl); err != nil {
		return nil, storeErr(err)
	}

	metrics.SessionsCreatedTotal.Inc()
	log.Printf("session: created %s for thread %q (sandbox=%s, expires=%s)",
		rec.SessionID, threadID, rec.SandboxName, rec.SessionExpiresAt.Format(time.RFC3339))
	return rec, nil
}

// GetOwned loads a session and validates that principalID owns it and it has
// not expired.
func (m *Manager) GetOwned(ctx context.Context, principalID, sessionID string) (*Record, error) {
	rec, err := m.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, storeErr(err)
	}
	if rec == nil {
		return nil, httperr.Newf(http.StatusNotFound, httperr.CodeSessionNotFound,
			"session %q does not exist", sessionID)
	}
	if rec.PrincipalID != principalID {
		return nil, httperr.New(http.StatusForbidden, httperr.CodeForbidden,
			"session principal mismatch")
	}
	if rec.Expired(m.now()) {
		return nil, httperr.New(http.StatusGone, httperr.CodeSessionExpired,
			"session exceeded max lifetime")
	}
	return rec, nil
}

// Refresh re-writes the record and binding with a TTL recomputed from the
// unchanged session_expires_at. It is a cache touch, not a lifetime
// extension.
func (m *Manager) Refresh(ctx context.Context, principalID, sessionID string) (*Record, error) {
	rec, err := m.GetOwned(ctx, principalID, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ttl := rec.SessionExpiresAt.Sub(m.now())
	if err := m.store.SaveSession(ctx, rec, ttl); err != nil {
		return nil, storeErr(err)
	}
	if err := m.store.SaveBinding(ctx, principalID, rec.ThreadID, rec.SessionID, ttl); err != nil {
		return nil, storeErr(err)
	}
	return rec, nil
}

// Release validates ownership and removes the record and binding. In-flight
// relay requests holding the record finish against it; later requests see
// the session as gone.
func (m *Manager) Release(ctx context.Context, principalID, sessionID string) error {
	rec, err := m.GetOwned(ctx, principalID, sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Clear(ctx, rec); err != nil {
		return storeErr(err)
	}
	metrics.SessionsReleasedTotal.Inc()
	log.Printf("session: released %s (sandbox=%s)", rec.SessionID, rec.SandboxName)
	return nil
}

// storeErr maps store failures to BACKEND_UNAVAILABLE while letting typed
// API errors pass through.
func storeErr(err error) error {
	if _, ok := err.(*httperr.Error); ok {
		return err
	}
	return httperr.Newf(http.StatusServiceUnavailable, httperr.CodeBackendUnavailable,
		"session store unavailable: %v", err)
}
