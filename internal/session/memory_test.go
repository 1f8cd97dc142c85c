package session

import (
	"context"
	"testing"
	"time"
)

func testRecord(sessionID, principalID, threadID string, now time.Time) *Record {
	return &Record{
		SessionID:        sessionID,
		ThreadID:         threadID,
		PrincipalID:      principalID,
		SandboxName:      "sbx-" + sessionID,
		Provider:         "langsmith",
		DataplaneURL:     "http://dp.example.com",
		CreatedAt:        now,
		SessionExpiresAt: now.Add(8 * time.Hour),
	}
}

func TestMemoryStoreSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	rec := testRecord("ssn_aaa", "alice", "t-1", now)

	if err := store.SaveSession(ctx, rec, time.Hour); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	got, err := store.LoadSession(ctx, "ssn_aaa")
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected record, got nil")
	}
	if got.SandboxName != rec.SandboxName || got.PrincipalID != "alice" {
		t.Errorf("unexpected record: %+v", got)
	}

	// Returned record is a copy; mutating it must not affect the store.
	got.PrincipalID = "mallory"
	again, _ := store.LoadSession(ctx, "ssn_aaa")
	if again.PrincipalID != "alice" {
		t.Error("store record was mutated through a returned copy")
	}
}

func TestMemoryStoreMissReturnsNil(t *testing.T) {
	store := NewMemoryStore()
	got, err := store.LoadSession(context.Background(), "ssn_ghost")
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil on miss, got %+v", got)
	}

	sid, err := store.LoadBinding(context.Background(), "alice", "t-1")
	if err != nil {
		t.Fatalf("LoadBinding failed: %v", err)
	}
	if sid != "" {
		t.Errorf("expected empty binding on miss, got %q", sid)
	}
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Now()
	store.now = func() time.Time { return base }

	rec := testRecord("ssn_bbb", "alice", "t-1", base)
	store.SaveSession(ctx, rec, time.Minute)
	store.SaveBinding(ctx, "alice", "t-1", "ssn_bbb", time.Minute)

	// Advance past the TTL.
	store.now = func() time.Time { return base.Add(2 * time.Minute) }

	if got, _ := store.LoadSession(ctx, "ssn_bbb"); got != nil {
		t.Error("expected expired session to read as a miss")
	}
	if sid, _ := store.LoadBinding(ctx, "alice", "t-1"); sid != "" {
		t.Error("expected expired binding to read as a miss")
	}
}

func TestMemoryStoreBindingIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	store.SaveBinding(ctx, "alice", "t-1", "ssn_alice", time.Hour)
	store.SaveBinding(ctx, "bob", "t-1", "ssn_bob", time.Hour)

	if sid, _ := store.LoadBinding(ctx, "alice", "t-1"); sid != "ssn_alice" {
		t.Errorf("expected ssn_alice, got %q", sid)
	}
	if sid, _ := store.LoadBinding(ctx, "bob", "t-1"); sid != "ssn_bob" {
		t.Errorf("expected ssn_bob, got %q", sid)
	}
}

func TestMemoryStoreClear(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := testRecord("ssn_ccc", "alice", "t-2", time.Now())

	store.SaveSession(ctx, rec, time.Hour)
	store.SaveBinding(ctx, "alice", "t-2", rec.SessionID, time.Hour)

	if err := store.Clear(ctx, rec); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if got, _ := store.LoadSession(ctx, rec.SessionID); got != nil {
		t.Error("expected session gone after Clear")
	}
	if sid, _ := store.LoadBinding(ctx, "alice", "t-2"); sid != "" {
		t.Error("expected binding gone after Clear")
	}
}

func TestNewSessionIDFormat(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewSessionID()
		if len(id) != len("ssn_")+12 {
			t.Fatalf("unexpected session ID length: %q", id)
		}
		if id[:4] != "ssn_" {
			t.Fatalf("expected ssn_ prefix, got %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate session ID: %q", id)
		}
		seen[id] = true
	}
}

func TestBindingHashStable(t *testing.T) {
	a := bindingHash("alice", "t-1")
	b := bindingHash("alice", "t-1")
	if a != b {
		t.Error("expected binding hash to be deterministic")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	if bindingHash("alice", "t-2") == a {
		t.Error("expected different threads to hash differently")
	}
}
