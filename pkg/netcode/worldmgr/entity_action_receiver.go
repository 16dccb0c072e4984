package worldmgr

import (
	"sort"

	"github.com/jabolina/go-netcode/pkg/netcode/types"
	"github.com/jabolina/go-netcode/pkg/netcode/wire"
)

// DecodedAction is one entity action after wire decoding but before the
// reorder automaton decides whether to apply it now or buffer it.
type DecodedAction struct {
	Index      types.ActionIndex
	Type       types.EntityActionType
	NetEntity  types.NetEntity
	Components []types.Component // SpawnEntity only
	Kind       types.ComponentKind
	Component  types.Component // InsertComponent only
}

// componentChannel is the per-(entity,component) half of the automaton:
// whether it is currently inserted, its last canonical index, and the
// buffered Insert/Remove actions still waiting their turn.
type componentChannel struct {
	inserted       bool
	haveCanonical  bool
	canonicalIndex types.ActionIndex
	waitingInsert  []DecodedAction
	waitingRemove  []DecodedAction
}

// entityChannel is the per-entity automaton state.
type entityChannel struct {
	spawned        bool
	haveCanonical  bool
	canonicalIndex types.ActionIndex
	waitingSpawn   []DecodedAction
	waitingDespawn []DecodedAction
	components     map[types.ComponentKind]*componentChannel
}

func newEntityChannel() *entityChannel {
	return &entityChannel{components: make(map[types.ComponentKind]*componentChannel)}
}

func (e *entityChannel) componentFor(kind types.ComponentKind) *componentChannel {
	c, ok := e.components[kind]
	if !ok {
		c = &componentChannel{}
		e.components[kind] = c
	}
	return c
}

// EntityActionReceiver runs one reorder automaton per NetEntity, guarding
// the legal Spawn -> (Insert/Remove)* -> Despawn sequence regardless of
// packet reorder or duplication.
type EntityActionReceiver struct {
	entities map[types.NetEntity]*entityChannel
}

// NewEntityActionReceiver constructs an empty automaton set.
func NewEntityActionReceiver() *EntityActionReceiver {
	return &EntityActionReceiver{entities: make(map[types.NetEntity]*entityChannel)}
}

// channelFor returns the per-entity automaton state, creating it on first
// reference. Prune removes it again once fully torn down (see Prune).
func (r *EntityActionReceiver) channelFor(ne types.NetEntity) *entityChannel {
	e, ok := r.entities[ne]
	if !ok {
		e = newEntityChannel()
		r.entities[ne] = e
	}
	return e
}

// sortByIndex orders buffered actions ascending by ActionIndex, respecting
// 16-bit wraparound.
func sortByIndex(actions []DecodedAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		return wire.SequenceLessThan(uint16(actions[i].Index), uint16(actions[j].Index))
	})
}

// Process feeds one decoded action through the automaton for its entity
// and returns every action now safe to apply, in emission order. A single
// call can cascade: e.g. a Spawn arriving may immediately release a
// buffered Despawn or Inserts.
func (r *EntityActionReceiver) Process(a DecodedAction) []DecodedAction {
	e := r.channelFor(a.NetEntity)
	var ready []DecodedAction

	switch a.Type {
	case types.ActionSpawnEntity:
		ready = append(ready, r.processSpawn(e, a)...)
	case types.ActionDespawnEntity:
		ready = append(ready, r.processDespawn(e, a)...)
	case types.ActionInsertComponent:
		ready = append(ready, r.processInsert(e, a)...)
	case types.ActionRemoveComponent:
		ready = append(ready, r.processRemove(e, a)...)
	case types.ActionNoop:
		// nothing to do
	}
	return ready
}

func (r *EntityActionReceiver) processSpawn(e *entityChannel, a DecodedAction) []DecodedAction {
	if e.haveCanonical && !wire.SequenceGreaterThan(uint16(a.Index), uint16(e.canonicalIndex)) {
		return nil // I < last_canonical_entity_index (or duplicate of it): discard
	}
	if e.spawned {
		e.waitingSpawn = append(e.waitingSpawn, a)
		sortByIndex(e.waitingSpawn)
		return nil
	}

	e.spawned = true
	e.haveCanonical = true
	e.canonicalIndex = a.Index

	ready := []DecodedAction{a}
	for i, kind := range componentKindsOf(a) {
		c := e.componentFor(kind)
		c.inserted = true
		c.haveCanonical = true
		c.canonicalIndex = a.Index
		ready = append(ready, DecodedAction{
			Index:     a.Index,
			Type:      types.ActionInsertComponent,
			NetEntity: a.NetEntity,
			Kind:      kind,
			Component: a.Components[i],
		})
	}

	// Drain any waiting Despawn next; otherwise drain the newest waiting
	// Insert per component.
	if drained, rest := popFrontUntil(e.waitingDespawn, a.Index); len(drained) > 0 {
		e.waitingDespawn = rest
		for _, d := range drained {
			ready = append(ready, r.processDespawn(e, d)...)
		}
		return ready
	}

	for kind, c := range e.components {
		if len(c.waitingInsert) == 0 {
			continue
		}
		newest := c.waitingInsert[len(c.waitingInsert)-1]
		c.waitingInsert = nil
		ready = append(ready, r.processInsert(e, DecodedAction{
			Index: newest.Index, Type: types.ActionInsertComponent,
			NetEntity: a.NetEntity, Kind: kind, Component: newest.Component,
		})...)
	}
	return ready
}

func (r *EntityActionReceiver) processDespawn(e *entityChannel, a DecodedAction) []DecodedAction {
	if e.haveCanonical && !wire.SequenceGreaterThan(uint16(a.Index), uint16(e.canonicalIndex)) {
		return nil
	}
	if !e.spawned {
		e.waitingDespawn = append(e.waitingDespawn, a)
		sortByIndex(e.waitingDespawn)
		return nil
	}

	e.spawned = false
	e.haveCanonical = true
	e.canonicalIndex = a.Index
	for _, c := range e.components {
		c.inserted = false
	}

	ready := []DecodedAction{a}
	if drained, rest := popFrontUntil(e.waitingSpawn, a.Index); len(drained) > 0 {
		e.waitingSpawn = rest
		for _, s := range drained {
			ready = append(ready, r.processSpawn(e, s)...)
		}
	}
	return ready
}

func (r *EntityActionReceiver) processInsert(e *entityChannel, a DecodedAction) []DecodedAction {
	c := e.componentFor(a.Kind)
	if e.haveCanonical && !wire.SequenceGreaterThan(uint16(a.Index), uint16(e.canonicalIndex)) {
		return nil
	}
	if c.haveCanonical && !wire.SequenceGreaterThan(uint16(a.Index), uint16(c.canonicalIndex)) {
		return nil
	}
	if !e.spawned || c.inserted {
		// An Insert that arrives before its entity's Spawn (or while the
		// component is already inserted) must wait: the host world must
		// never observe InsertComponent on an unspawned entity. processSpawn's drain step releases the newest buffered
		// one once the entity spawns.
		c.waitingInsert = append(c.waitingInsert, a)
		sortByIndex(c.waitingInsert)
		return nil
	}

	c.inserted = true
	c.haveCanonical = true
	c.canonicalIndex = a.Index

	ready := []DecodedAction{a}
	if drained, rest := popFrontUntil(c.waitingRemove, a.Index); len(drained) > 0 {
		c.waitingRemove = rest
		for _, rm := range drained {
			ready = append(ready, r.processRemove(e, rm)...)
		}
	}
	return ready
}

func (r *EntityActionReceiver) processRemove(e *entityChannel, a DecodedAction) []DecodedAction {
	c := e.componentFor(a.Kind)
	if e.haveCanonical && !wire.SequenceGreaterThan(uint16(a.Index), uint16(e.canonicalIndex)) {
		return nil
	}
	if c.haveCanonical && !wire.SequenceGreaterThan(uint16(a.Index), uint16(c.canonicalIndex)) {
		return nil
	}
	if !c.inserted {
		c.waitingRemove = append(c.waitingRemove, a)
		sortByIndex(c.waitingRemove)
		return nil
	}

	c.inserted = false
	c.haveCanonical = true
	c.canonicalIndex = a.Index

	ready := []DecodedAction{a}
	if drained, rest := popFrontUntil(c.waitingInsert, a.Index); len(drained) > 0 {
		c.waitingInsert = rest
		for _, ins := range drained {
			ready = append(ready, r.processInsert(e, ins)...)
		}
	}
	return ready
}

// popFrontUntil pops every buffered action with Index <= canonical from
// the front of a sorted queue (the caller discards those as stale), plus
// the first action newer than canonical, if any, which the caller releases.
func popFrontUntil(queue []DecodedAction, canonical types.ActionIndex) (drained, rest []DecodedAction) {
	i := 0
	for i < len(queue) && !wire.SequenceGreaterThan(uint16(queue[i].Index), uint16(canonical)) {
		i++
	}
	if i < len(queue) {
		i++
	}
	return queue[:i], queue[i:]
}

func componentKindsOf(a DecodedAction) []types.ComponentKind {
	kinds := make([]types.ComponentKind, len(a.Components))
	for i, c := range a.Components {
		kinds[i] = c.Kind()
	}
	return kinds
}

// Prune removes a NetEntity's automaton state entirely once its despawn
// has been fully processed and no host-side record still references it.
func (r *EntityActionReceiver) Prune(ne types.NetEntity) {
	delete(r.entities, ne)
}
