package session

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record links a principal+thread to a specific sandbox. It is immutable
// after creation; refresh only re-writes it to touch the store TTL.
type Record struct {
	SessionID        string    `json:"session_id"`
	ThreadID         string    `json:"thread_id"`
	PrincipalID      string    `json:"principal_id"`
	SandboxName      string    `json:"sandbox_name"`
	Provider         string    `json:"provider"`
	DataplaneURL     string    `json:"dataplane_url"`
	CreatedAt        time.Time `json:"created_at"`
	SessionExpiresAt time.Time `json:"session_expires_at"`
}

// Expired reports whether the session's absolute lifetime has passed.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.SessionExpiresAt)
}

// NewSessionID allocates an opaque session ID: "ssn_" + 12 hex chars.
func NewSessionID() string {
	hexID := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "ssn_" + hexID[:12]
}

// bindingHash is the store key component for a (principal, thread) pair.
// Hashing keeps arbitrary caller-supplied strings out of cache keys.
func bindingHash(principalID, threadID string) string {
	sum := sha256.Sum256([]byte(principalID + ":" + threadID))
	return hex.EncodeToString(sum[:])
}
