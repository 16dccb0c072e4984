// Package auth implements the entity authority / delegation protocol:
// per-entity replication config (Private/Public/Delegated), the
// per-peer authority state machine, and the synchronous accessor Delegated
// properties consult before allowing a read or write. It is grounded on
// diff.Handler's shape (a global, RWMutex-guarded table keyed by
// GlobalEntity, single-writer state transitions); both tables live under
// the exact same concurrency discipline: "many concurrent mutators,
// exclusive drain during send" for the diff handler, "state transitions are
// single-writer" for the auth handler.
package auth

import (
	"sync"

	"github.com/jabolina/go-netcode/pkg/netcode/types"
)

// entityAuth is the authority bookkeeping for one entity.
type entityAuth struct {
	config types.ReplicationConfig
	holder types.PeerKey
	held   bool
	queue  []types.PeerKey // peers waiting, in request order
}

// Handler is the process-wide entity authority table. One
// Handler is shared server-wide, mirroring diff.Handler.
type Handler struct {
	mu      sync.RWMutex
	entries map[types.GlobalEntity]*entityAuth
}

// NewHandler constructs an empty authority table.
func NewHandler() *Handler {
	return &Handler{entries: make(map[types.GlobalEntity]*entityAuth)}
}

// Register sets entity's replication config, called when the entity is
// spawned or its visibility changes via Publish/Unpublish.
func (h *Handler) Register(entity types.GlobalEntity, config types.ReplicationConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[entity]
	if !ok {
		e = &entityAuth{}
		h.entries[entity] = e
	}
	e.config = config
}

// Deregister drops all authority bookkeeping for entity, called on despawn.
func (h *Handler) Deregister(entity types.GlobalEntity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, entity)
}

// Publish marks entity Public.
func (h *Handler) Publish(entity types.GlobalEntity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.entries[entity]; ok {
		e.config = types.Public
	}
}

// Unpublish restores entity to Private.
func (h *Handler) Unpublish(entity types.GlobalEntity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.entries[entity]; ok {
		e.config = types.Private
	}
}

// Delegate marks entity Delegated, making it eligible for RequestAuthority.
func (h *Handler) Delegate(entity types.GlobalEntity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.entries[entity]; ok {
		e.config = types.DelegatedConfig
	}
}

// ConfigOf reports entity's current replication config.
func (h *Handler) ConfigOf(entity types.GlobalEntity) types.ReplicationConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if e, ok := h.entries[entity]; ok {
		return e.config
	}
	return types.Private
}

// RequestAuthority handles a RequestAuthority protocol message from peer
//. It returns true if granted. A peer that
// already holds authority re-requesting is a no-op grant.
func (h *Handler) RequestAuthority(entity types.GlobalEntity, peer types.PeerKey) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[entity]
	if !ok || e.config != types.DelegatedConfig {
		return false
	}
	if e.held && e.holder == peer {
		return true
	}
	if e.held {
		e.queue = appendIfAbsent(e.queue, peer)
		return false
	}
	e.held = true
	e.holder = peer
	return true
}

// ReleaseAuthority handles a ReleaseAuthority message from peer. It
// returns the next peer to grant to, if any waiter was queued.
func (h *Handler) ReleaseAuthority(entity types.GlobalEntity, peer types.PeerKey) (nextHolder types.PeerKey, grantNext bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[entity]
	if !ok || !e.held || e.holder != peer {
		return 0, false
	}
	e.held = false

	if len(e.queue) == 0 {
		return 0, false
	}
	next := e.queue[0]
	e.queue = e.queue[1:]
	e.held = true
	e.holder = next
	return next, true
}

// HolderOf reports the current authority holder for entity, if any.
func (h *Handler) HolderOf(entity types.GlobalEntity) (types.PeerKey, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[entity]
	if !ok || !e.held {
		return 0, false
	}
	return e.holder, true
}

func appendIfAbsent(queue []types.PeerKey, peer types.PeerKey) []types.PeerKey {
	for _, p := range queue {
		if p == peer {
			return queue
		}
	}
	return append(queue, peer)
}
