package auth

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/virtfleet/virtfleet/control_plane/protocol"
	"github.com/virtfleet/virtfleet/control_plane/store"
)

// TokenIndex authenticates agent connections by their opaque bearer token.
// Lookups are read-through cached so the connect path stays off the store,
// and a periodic full refresh converges token rotations and revocations.
type TokenIndex struct {
	store    store.Store
	interval time.Duration

	mu      sync.RWMutex
	byToken map[string]*store.Node
}

func NewTokenIndex(st store.Store, refreshInterval time.Duration) *TokenIndex {
	return &TokenIndex{
		store:    st,
		interval: refreshInterval,
		byToken:  make(map[string]*store.Node),
	}
}

// Authenticate resolves a bearer token to its node. Unknown or empty tokens
// fail with protocol.ErrAuthenticationFailure.
func (t *TokenIndex) Authenticate(ctx context.Context, token string) (*store.Node, error) {
	if token == "" {
		return nil, protocol.ErrAuthenticationFailure
	}

	t.mu.RLock()
	n, ok := t.byToken[token]
	t.mu.RUnlock()
	if ok {
		nodeCopy := *n
		return &nodeCopy, nil
	}

	n, err := t.store.GetNodeByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}
	if n == nil {
		return nil, protocol.ErrAuthenticationFailure
	}

	t.mu.Lock()
	t.byToken[n.Token] = n
	t.mu.Unlock()

	nodeCopy := *n
	return &nodeCopy, nil
}

func (t *TokenIndex) Start(ctx context.Context) {
	go t.loop(ctx)
}

func (t *TokenIndex) loop(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Refresh(ctx); err != nil {
				log.Printf("TokenIndex: refresh failed: %v", err)
			}
		}
	}
}

// Refresh rebuilds the index from the node store. Tokens rotated or revoked
// since the last refresh stop authenticating here.
func (t *TokenIndex) Refresh(ctx context.Context) error {
	nodes, err := t.store.ListNodes(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]*store.Node, len(nodes))
	for _, n := range nodes {
		if n.Token != "" {
			fresh[n.Token] = n
		}
	}

	t.mu.Lock()
	t.byToken = fresh
	t.mu.Unlock()
	return nil
}
