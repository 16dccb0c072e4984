// Package worldmgr implements the per-connection bookkeeping on both sides
// of replication: HostWorldManager tracks what one connected user is in
// scope for, queues the entity actions that follow from scope changes, and
// serializes both the action queue and pending component updates to the
// wire; RemoteWorldManager decodes incoming entity actions
// through the per-entity reorder automaton and applies component updates to
// the local World.
package worldmgr

import (
	"time"

	"github.com/jabolina/go-netcode/pkg/netcode/diff"
	"github.com/jabolina/go-netcode/pkg/netcode/packet"
	"github.com/jabolina/go-netcode/pkg/netcode/types"
	"github.com/jabolina/go-netcode/pkg/netcode/wire"
)

// pendingAction is one queued, not-yet-acked entity action for a single
// user. It carries the actual Component payload (not just its kind) so
// WriteEntityActions can serialize SpawnEntity/InsertComponent with
// WriteFull without needing a component getter back on types.World.
type pendingAction struct {
	index      types.ActionIndex
	action     types.EntityActionType
	entity     types.GlobalEntity
	kind       types.ComponentKind // only meaningful for Insert/Remove
	component  types.Component     // InsertComponent only
	components []types.Component   // SpawnEntity only

	everSent   bool
	lastSentAt time.Time
}

// entityScopeRecord is what the host side remembers about one entity for
// one user.
type entityScopeRecord struct {
	inScope    bool
	announced  bool
	components map[types.ComponentKind]types.Component // announced components, by kind
	netEntity  types.NetEntity
}

// HostWorldManager is the per-(connection,user) scope and action
// bookkeeping the host side maintains.
type HostWorldManager struct {
	records map[types.GlobalEntity]*entityScopeRecord
	queue   []*pendingAction
	unacked map[types.ActionIndex]*pendingAction
	nextIdx types.ActionIndex

	nextNetEntity types.NetEntity
	netToGlobal   map[types.NetEntity]types.GlobalEntity

	sentInPacket map[types.PacketIndex][]types.ActionIndex

	rttResendFactor float64
	rttProvider     func() time.Duration
}

// NewHostWorldManager constructs an empty manager for one user. rttProvider
// is called lazily so resend timing always reflects the connection's
// current RTT estimate, mirroring channel.ReliableSender's resend policy.
func NewHostWorldManager() *HostWorldManager {
	return &HostWorldManager{
		records:         make(map[types.GlobalEntity]*entityScopeRecord),
		unacked:         make(map[types.ActionIndex]*pendingAction),
		netToGlobal:     make(map[types.NetEntity]types.GlobalEntity),
		sentInPacket:    make(map[types.PacketIndex][]types.ActionIndex),
		rttResendFactor: 1.5,
		rttProvider:     func() time.Duration { return 100 * time.Millisecond },
	}
}

// SetResendPolicy overrides the default resend factor/RTT source, wiring
// the connection's live RTT estimate in place of the default (factor 1.5
// over a fixed 100ms RTT).
func (m *HostWorldManager) SetResendPolicy(rttResendFactor float64, rttProvider func() time.Duration) {
	m.rttResendFactor = rttResendFactor
	m.rttProvider = rttProvider
}

func (m *HostWorldManager) recordFor(entity types.GlobalEntity) *entityScopeRecord {
	r, ok := m.records[entity]
	if !ok {
		r = &entityScopeRecord{components: make(map[types.ComponentKind]types.Component)}
		m.records[entity] = r
	}
	return r
}

func (m *HostWorldManager) assignNetEntity(r *entityScopeRecord, entity types.GlobalEntity) {
	if r.netEntity != 0 {
		return
	}
	m.nextNetEntity++
	r.netEntity = m.nextNetEntity
	m.netToGlobal[r.netEntity] = entity
}

// Include brings entity into this user's scope. If the entity was not
// already announced, it enqueues SpawnEntity carrying every component
// currently present.
func (m *HostWorldManager) Include(entity types.GlobalEntity, currentComponents []types.Component) {
	r := m.recordFor(entity)
	r.inScope = true
	if r.announced {
		return
	}
	r.announced = true
	m.assignNetEntity(r, entity)

	for _, c := range currentComponents {
		r.components[c.Kind()] = c
	}
	m.enqueue(&pendingAction{action: types.ActionSpawnEntity, entity: entity, components: currentComponents})
}

// Exclude removes entity from this user's scope, enqueuing DespawnEntity
// if it was announced.
func (m *HostWorldManager) Exclude(entity types.GlobalEntity) {
	r, ok := m.records[entity]
	if !ok {
		return
	}
	r.inScope = false
	if !r.announced {
		return
	}
	r.announced = false
	for kind := range r.components {
		delete(r.components, kind)
	}
	m.enqueue(&pendingAction{action: types.ActionDespawnEntity, entity: entity})
}

// InsertComponent enqueues InsertComponent for an announced entity that
// gained a new component.
func (m *HostWorldManager) InsertComponent(entity types.GlobalEntity, component types.Component) {
	r, ok := m.records[entity]
	kind := component.Kind()
	if !ok || !r.announced {
		return
	}
	if _, exists := r.components[kind]; exists {
		return
	}
	r.components[kind] = component
	m.enqueue(&pendingAction{action: types.ActionInsertComponent, entity: entity, kind: kind, component: component})
}

// RemoveComponent enqueues RemoveComponent for an announced entity that
// lost a component.
func (m *HostWorldManager) RemoveComponent(entity types.GlobalEntity, kind types.ComponentKind) {
	r, ok := m.records[entity]
	if !ok || !r.announced {
		return
	}
	if _, exists := r.components[kind]; !exists {
		return
	}
	delete(r.components, kind)
	m.enqueue(&pendingAction{action: types.ActionRemoveComponent, entity: entity, kind: kind})
}

func (m *HostWorldManager) enqueue(a *pendingAction) {
	a.index = m.nextIdx
	m.nextIdx++
	m.queue = append(m.queue, a)
	m.unacked[a.index] = a
}

// NetEntityFor returns the NetEntity id assigned to entity for this user,
// assigning one on first call.
func (m *HostWorldManager) NetEntityFor(entity types.GlobalEntity) types.NetEntity {
	r := m.recordFor(entity)
	m.assignNetEntity(r, entity)
	return r.netEntity
}

// GlobalEntityToNetEntity implements types.EntityConverter for the host
// side of a connection.
func (m *HostWorldManager) GlobalEntityToNetEntity(entity types.GlobalEntity) (types.NetEntity, bool) {
	r, ok := m.records[entity]
	if !ok || r.netEntity == 0 {
		return 0, false
	}
	return r.netEntity, true
}

// NetEntityToGlobalEntity implements types.EntityConverter for the host
// side of a connection.
func (m *HostWorldManager) NetEntityToGlobalEntity(ne types.NetEntity) (types.GlobalEntity, bool) {
	global, ok := m.netToGlobal[ne]
	return global, ok
}

// PendingActions returns every action still queued, without removing them;
// exposed for tests. WriteEntityActions is what the connection's send path
// actually drives.
func (m *HostWorldManager) PendingActions() []*pendingAction {
	return m.queue
}

// AckAction removes the queued action at idx once its carrying packet has
// been acked.
func (m *HostWorldManager) AckAction(idx types.ActionIndex) {
	if _, ok := m.unacked[idx]; !ok {
		return
	}
	delete(m.unacked, idx)
	out := m.queue[:0]
	for _, a := range m.queue {
		if a.index != idx {
			out = append(out, a)
		}
	}
	m.queue = out
}

// readyToResend reports whether a should go out in the next packet: never
// sent, or its last send is older than the resend deadline.
func (m *HostWorldManager) readyToResend(a *pendingAction, now time.Time) bool {
	if !a.everSent {
		return true
	}
	deadline := time.Duration(float64(m.rttProvider()) * m.rttResendFactor)
	return now.Sub(a.lastSentAt) >= deadline
}

// WriteEntityActions writes every ready, not-yet-acked entity action that
// fits into w, in the wire shape `{ continue:bit · UVarInt3(Δactionid) ·
// action_type:u8 · payload }* · 0`. It dry-runs each action via a
// Counter before committing it, so a full packet simply stops writing
// rather than overflowing. The caller should NotePacketContents with the
// written indices so a later ack/drop notification can be routed back via
// NotifyPacketDelivered/NotifyPacketDropped.
func (m *HostWorldManager) WriteEntityActions(w *wire.Writer, conv types.EntityConverter) ([]types.ActionIndex, error) {
	now := time.Now()
	var lastWritten types.ActionIndex
	haveLastWritten := false
	var written []types.ActionIndex

	for _, a := range m.queue {
		if !m.readyToResend(a, now) {
			continue
		}

		c := w.Counter()
		if err := c.WriteBit(true); err != nil {
			break
		}
		if err := encodeAction(c, conv, a, lastWritten, haveLastWritten); err != nil {
			break
		}
		if c.Overflowed() {
			break
		}

		if err := w.WriteBit(true); err != nil {
			return written, err
		}
		if err := encodeAction(w, conv, a, lastWritten, haveLastWritten); err != nil {
			return written, err
		}

		lastWritten = a.index
		haveLastWritten = true
		a.everSent = true
		a.lastSentAt = now
		written = append(written, a.index)
	}

	w.ReleaseBits(1) // the section terminator was reserved before any section was written
	if err := w.WriteBit(false); err != nil {
		return written, err
	}
	return written, nil
}

// NotePacketContents records which action indices were written into pi, so
// a later NotifyPacketDelivered/NotifyPacketDropped can route back to them.
func (m *HostWorldManager) NotePacketContents(pi types.PacketIndex, indices []types.ActionIndex) {
	if len(indices) == 0 {
		return
	}
	m.sentInPacket[pi] = append(m.sentInPacket[pi], indices...)
}

// NotifyPacketDelivered acks every action sent in that packet.
func (m *HostWorldManager) NotifyPacketDelivered(pi types.PacketIndex) {
	indices, ok := m.sentInPacket[pi]
	if !ok {
		return
	}
	delete(m.sentInPacket, pi)
	for _, idx := range indices {
		m.AckAction(idx)
	}
}

// NotifyPacketDropped is a no-op beyond forgetting the packet's contents:
// resend is driven by the RTT timer, not by NACKs.
func (m *HostWorldManager) NotifyPacketDropped(pi types.PacketIndex) {
	delete(m.sentInPacket, pi)
}

var _ packet.PacketNotifiable = (*HostWorldManager)(nil)

// encodeAction writes one action's `UVarInt3(Δactionid) · action_type:u8 ·
// payload` body (the caller writes the leading continue bit).
func encodeAction(w wire.BitSink, conv types.EntityConverter, a *pendingAction, lastWritten types.ActionIndex, haveLastWritten bool) error {
	var delta uint64
	if haveLastWritten {
		delta = uint64(a.index - lastWritten)
	} else {
		delta = uint64(a.index)
	}
	if err := wire.WriteUVarInt3(w, delta); err != nil {
		return err
	}
	if err := w.WriteByte(byte(a.action)); err != nil {
		return err
	}

	ne, _ := conv.GlobalEntityToNetEntity(a.entity)

	switch a.action {
	case types.ActionSpawnEntity:
		if err := wire.WriteU16(w, uint16(ne)); err != nil {
			return err
		}
		if err := wire.WriteUVarInt3(w, uint64(len(a.components))); err != nil {
			return err
		}
		for _, c := range a.components {
			if err := wire.WriteU16(w, uint16(c.Kind())); err != nil {
				return err
			}
			if err := c.WriteFull(w); err != nil {
				return err
			}
		}
		return nil

	case types.ActionDespawnEntity:
		return wire.WriteU16(w, uint16(ne))

	case types.ActionInsertComponent:
		if err := wire.WriteU16(w, uint16(ne)); err != nil {
			return err
		}
		if err := wire.WriteU16(w, uint16(a.kind)); err != nil {
			return err
		}
		return a.component.WriteFull(w)

	case types.ActionRemoveComponent:
		if err := wire.WriteU16(w, uint16(ne)); err != nil {
			return err
		}
		return wire.WriteU16(w, uint16(a.kind))

	default: // Noop
		return nil
	}
}

// WriteComponentUpdates writes the dirty, subscribed-to component updates
// for user, grouped per entity in the wire shape `{ continue:bit ·
// NetEntity:u16_be · { continue:bit · kind:u16_be · UVarInt2(mask_bytes) ·
// mask_bytes · partial_payload }* · 0 }* · 0`. The outer
// continue/finish bits are owned here (one per entity); RemoteWorldManager.
// ReadComponentUpdates decodes exactly one inner block per call, so the
// connection's read path must drive the matching outer loop itself.
//
// Masks are measured via Handler.Peek (non-destructive) during the dry
// run, then actually drained via DrainForSend only once the block is known
// to fit; the cooperative single-threaded scheduling model
// guarantees no mutation lands between the two passes.
func (m *HostWorldManager) WriteComponentUpdates(w *wire.Writer, dh *diff.Handler, user diff.UserKey, onSent func(entity types.GlobalEntity, kind types.ComponentKind)) error {
	for entity, r := range m.records {
		if !r.announced {
			continue
		}

		var dirtyKinds []types.ComponentKind
		peeked := make(map[types.ComponentKind]*types.DiffMask)
		for kind := range r.components {
			if mask, ok := dh.Peek(entity, kind, user); ok {
				dirtyKinds = append(dirtyKinds, kind)
				peeked[kind] = mask
			}
		}
		if len(dirtyKinds) == 0 {
			continue
		}

		ne := r.netEntity

		c := w.Counter()
		if err := c.WriteBit(true); err != nil {
			continue
		}
		if err := writeComponentUpdateBlock(c, ne, dirtyKinds, r.components, peeked); err != nil {
			continue // doesn't fit; try again next send
		}
		if c.Overflowed() {
			continue
		}

		drained := make(map[types.ComponentKind]*types.DiffMask, len(dirtyKinds))
		for _, kind := range dirtyKinds {
			mask, ok := dh.DrainForSend(entity, kind, user)
			if !ok {
				continue
			}
			drained[kind] = mask
		}

		if err := w.WriteBit(true); err != nil {
			return err
		}
		if err := writeComponentUpdateBlock(w, ne, dirtyKinds, r.components, drained); err != nil {
			return err
		}
		for _, kind := range dirtyKinds {
			if onSent != nil {
				onSent(entity, kind)
			}
		}
	}

	w.ReleaseBits(1) // the section terminator was reserved before any section was written
	return w.WriteBit(false)
}

func writeComponentUpdateBlock(w wire.BitSink, ne types.NetEntity, kinds []types.ComponentKind, components map[types.ComponentKind]types.Component, masks map[types.ComponentKind]*types.DiffMask) error {
	if err := wire.WriteU16(w, uint16(ne)); err != nil {
		return err
	}
	for _, kind := range kinds {
		mask, ok := masks[kind]
		if !ok {
			continue
		}
		if err := w.WriteBit(true); err != nil {
			return err
		}
		if err := wire.WriteU16(w, uint16(kind)); err != nil {
			return err
		}
		if err := wire.WriteUVarInt2(w, uint64(mask.ByteCount())); err != nil {
			return err
		}
		for i := 0; i < mask.ByteCount(); i++ {
			if err := w.WriteByte(mask.Byte(i)); err != nil {
				return err
			}
		}
		if err := components[kind].WritePartial(w, mask); err != nil {
			return err
		}
	}
	return w.WriteBit(false)
}
