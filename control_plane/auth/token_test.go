package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/virtfleet/virtfleet/control_plane/protocol"
	"github.com/virtfleet/virtfleet/control_plane/store"
)

// countingStore counts token lookups so tests can prove the read-through
// cache keeps the connect path off the store.
type countingStore struct {
	*store.MemoryStore
	tokenLookups atomic.Int64
}

func (s *countingStore) GetNodeByToken(ctx context.Context, token string) (*store.Node, error) {
	s.tokenLookups.Add(1)
	return s.MemoryStore.GetNodeByToken(ctx, token)
}

func seedNode(t *testing.T, ms *store.MemoryStore, agentID, token string) *store.Node {
	t.Helper()
	node := &store.Node{AgentID: agentID, Token: token}
	if err := ms.UpsertNode(context.Background(), node); err != nil {
		t.Fatal(err)
	}
	return node
}

func TestAuthenticateReadThrough(t *testing.T) {
	cs := &countingStore{MemoryStore: store.NewMemoryStore()}
	node := seedNode(t, cs.MemoryStore, "agent-1", "tok-1")

	idx := NewTokenIndex(cs, time.Minute)
	ctx := context.Background()

	got, err := idx.Authenticate(ctx, "tok-1")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if got.ID != node.ID {
		t.Errorf("Expected node %d, got %d", node.ID, got.ID)
	}
	if cs.tokenLookups.Load() != 1 {
		t.Fatalf("Expected 1 store lookup, got %d", cs.tokenLookups.Load())
	}

	// Subsequent authentications are served from the index.
	for i := 0; i < 5; i++ {
		if _, err := idx.Authenticate(ctx, "tok-1"); err != nil {
			t.Fatalf("Cached authenticate failed: %v", err)
		}
	}
	if cs.tokenLookups.Load() != 1 {
		t.Errorf("Expected cached hits to skip the store, got %d lookups", cs.tokenLookups.Load())
	}
}

func TestAuthenticateRejectsUnknownAndEmptyTokens(t *testing.T) {
	ms := store.NewMemoryStore()
	seedNode(t, ms, "agent-1", "tok-1")
	idx := NewTokenIndex(ms, time.Minute)
	ctx := context.Background()

	for _, token := range []string{"", "nope"} {
		_, err := idx.Authenticate(ctx, token)
		if !errors.Is(err, protocol.ErrAuthenticationFailure) {
			t.Errorf("Expected ErrAuthenticationFailure for %q, got %v", token, err)
		}
	}
}

func TestRefreshConvergesRotation(t *testing.T) {
	ms := store.NewMemoryStore()
	node := seedNode(t, ms, "agent-1", "tok-old")
	idx := NewTokenIndex(ms, time.Minute)
	ctx := context.Background()

	if _, err := idx.Authenticate(ctx, "tok-old"); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	// Rotate the token in storage, then refresh the index.
	node.Token = "tok-new"
	if err := ms.UpsertNode(ctx, node); err != nil {
		t.Fatal(err)
	}
	if err := idx.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if _, err := idx.Authenticate(ctx, "tok-new"); err != nil {
		t.Errorf("Expected the rotated token to authenticate, got %v", err)
	}
	// The index no longer knows the old token; the store does not either.
	if _, err := idx.Authenticate(ctx, "tok-old"); !errors.Is(err, protocol.ErrAuthenticationFailure) {
		t.Errorf("Expected the revoked token to stop authenticating, got %v", err)
	}
}
