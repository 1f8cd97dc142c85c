package session

import (
	"context"
	"time"
)

// Store persists session records and bindings with a TTL. Implementations
// must be safe under concurrent access; there is no cross-key transaction —
// the manager is responsible for write ordering (record first, then binding).
//
// Absence is not an error: LoadSession returns (nil, nil) and LoadBinding
// returns ("", nil) when the key does not exist or its TTL has elapsed.
type Store interface {
	LoadSession(ctx context.Context, sessionID string) (*Record, error)
	SaveSession(ctx context.Context, record *Record, ttl time.Duration) error

	LoadBinding(ctx context.Context, principalID, threadID string) (string, error)
	SaveBinding(ctx context.Context, principalID, threadID, sessionID string, ttl time.Duration) error

	// Clear removes both the record and its binding. Reads after Clear must
	// not return the record.
	Clear(ctx context.Context, record *Record) error
}
