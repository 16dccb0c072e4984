// Package diff implements the global diff handler: a process-wide table of
// per-(entity,component) mutation channels, each owning one diff mask per
// subscribing user, guarded by a read-write lock so property setters (many
// concurrent mutators) and the send path (exclusive drain) never race.
package diff

import (
	"sync"

	"github.com/jabolina/go-netcode/pkg/netcode/types"
)

// UserKey identifies a subscriber (connected peer) within the diff
// handler. It is the same identifier space as types.PeerKey so a host
// application that supplies one stable value per connection can use it
// across both the diff handler and the auth handler.
type UserKey = types.PeerKey

// channelKey names one (entity, component) mutation channel.
type channelKey struct {
	entity types.GlobalEntity
	kind   types.ComponentKind
}

// mutationChannel owns one DiffMask per subscribed user for a single
// (entity, component) pair.
type mutationChannel struct {
	propertyCount int
	masks         map[UserKey]*types.DiffMask
	inFlight      map[UserKey]*types.DiffMask
}

// Handler is the global diff handler. One Handler instance is
// shared process-wide (or per-World, if a host runs multiple worlds), not
// per-connection.
type Handler struct {
	mu       sync.RWMutex
	channels map[channelKey]*mutationChannel
}

// NewHandler constructs an empty diff handler.
func NewHandler() *Handler {
	return &Handler{channels: make(map[channelKey]*mutationChannel)}
}

// Register creates the mutation channel for (entity, component) with the
// given property count, called once when the component is inserted.
func (h *Handler) Register(entity types.GlobalEntity, kind types.ComponentKind, propertyCount int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := channelKey{entity: entity, kind: kind}
	if _, ok := h.channels[key]; ok {
		return
	}
	h.channels[key] = &mutationChannel{
		propertyCount: propertyCount,
		masks:         make(map[UserKey]*types.DiffMask),
		inFlight:      make(map[UserKey]*types.DiffMask),
	}
}

// Deregister removes the mutation channel, called when the component is
// removed or the entity despawned.
func (h *Handler) Deregister(entity types.GlobalEntity, kind types.ComponentKind) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channels, channelKey{entity: entity, kind: kind})
}

// Subscribe adds user as a subscriber of (entity, component), giving it a
// fresh, clear mask; called when an entity enters that user's scope.
func (h *Handler) Subscribe(entity types.GlobalEntity, kind types.ComponentKind, user UserKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	mc, ok := h.channels[channelKey{entity: entity, kind: kind}]
	if !ok {
		return
	}
	if _, exists := mc.masks[user]; !exists {
		mc.masks[user] = types.NewDiffMask(mc.propertyCount)
	}
}

// Unsubscribe removes user's mask, called when the entity leaves scope or
// the user disconnects.
func (h *Handler) Unsubscribe(entity types.GlobalEntity, kind types.ComponentKind, user UserKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	mc, ok := h.channels[channelKey{entity: entity, kind: kind}]
	if !ok {
		return
	}
	delete(mc.masks, user)
	delete(mc.inFlight, user)
}

// Mutate sets propertyIndex's bit on every subscriber's mask.
// Property setters call this on every write; it
// takes a brief write lock per mutation.
func (h *Handler) Mutate(entity types.GlobalEntity, kind types.ComponentKind, propertyIndex int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	mc, ok := h.channels[channelKey{entity: entity, kind: kind}]
	if !ok {
		return
	}
	for _, mask := range mc.masks {
		mask.SetBit(propertyIndex, true)
	}
}

// Peek returns a snapshot of user's live mask without draining it, for
// counter-mode dry runs that must measure an encoding before deciding
// whether to commit the (destructive) DrainForSend.
func (h *Handler) Peek(entity types.GlobalEntity, kind types.ComponentKind, user UserKey) (*types.DiffMask, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	mc, ok := h.channels[channelKey{entity: entity, kind: kind}]
	if !ok {
		return nil, false
	}
	live, ok := mc.masks[user]
	if !ok || live.IsClear() {
		return nil, false
	}
	return live.Clone(), true
}

// DrainForSend swaps user's live mask out for a fresh clear one and
// returns the drained mask, which is also kept as the user's in-flight mask
// until AckSend or DropSend, so mutations concurrent with this send land on
// the fresh live mask while the send path serializes the drained one. If the
// live mask is empty, no update needs to be sent and ok is false.
func (h *Handler) DrainForSend(entity types.GlobalEntity, kind types.ComponentKind, user UserKey) (mask *types.DiffMask, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	mc, exists := h.channels[channelKey{entity: entity, kind: kind}]
	if !exists {
		return nil, false
	}
	live, exists := mc.masks[user]
	if !exists || live.IsClear() {
		return nil, false
	}

	if existing, had := mc.inFlight[user]; had {
		// A prior send's in-flight mask was never decided (no ack or drop
		// notification has arrived yet); fold its bits back in so a second
		// drain before the first is decided doesn't lose them.
		live.Or(existing)
	}

	drained := live
	mc.masks[user] = types.NewDiffMask(mc.propertyCount)
	mc.inFlight[user] = drained
	return drained, true
}

// AckSend discards the in-flight snapshot for an acknowledged send. The
// live mask already holds nothing but bits mutated after the drain:
// swapping in a fresh mask at drain time, rather than
// clearing sent bits after the fact, is what keeps a concurrent mutation
// at t1.5 visible in the send after t2 without any special-casing here.
func (h *Handler) AckSend(entity types.GlobalEntity, kind types.ComponentKind, user UserKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	mc, ok := h.channels[channelKey{entity: entity, kind: kind}]
	if !ok {
		return
	}
	delete(mc.inFlight, user)
}

// DropSend merges the in-flight snapshot back into the live mask, since
// the packet carrying it never arrived and those bits must be retried on
// the next send.
func (h *Handler) DropSend(entity types.GlobalEntity, kind types.ComponentKind, user UserKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	mc, ok := h.channels[channelKey{entity: entity, kind: kind}]
	if !ok {
		return
	}
	sent, ok := mc.inFlight[user]
	if !ok {
		return
	}
	delete(mc.inFlight, user)
	if live, exists := mc.masks[user]; exists {
		live.Or(sent)
	}
}
