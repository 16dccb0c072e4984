package worldmgr

import (
	"github.com/jabolina/go-netcode/pkg/netcode/bigmap"
	"github.com/jabolina/go-netcode/pkg/netcode/types"
	"github.com/jabolina/go-netcode/pkg/netcode/wire"
)

// RemoteWorldManager decodes incoming entity actions and component
// updates for one connection, runs entity actions through the reorder
// automaton, applies the results to the local World, and returns the
// Events the connection should hand to the application.
type RemoteWorldManager struct {
	world    types.World
	conv     types.EntityConverter
	receiver *EntityActionReceiver

	entities    *bigmap.BigMap[types.Entity]
	netToGlobal map[types.NetEntity]types.GlobalEntity
	globalToNet map[types.GlobalEntity]types.NetEntity
}

// NewRemoteWorldManager constructs a manager applying decoded actions to
// world, translating NetEntity ids through conv.
func NewRemoteWorldManager(world types.World, conv types.EntityConverter) *RemoteWorldManager {
	return &RemoteWorldManager{
		world:       world,
		conv:        conv,
		receiver:    NewEntityActionReceiver(),
		entities:    bigmap.New[types.Entity](),
		netToGlobal: make(map[types.NetEntity]types.GlobalEntity),
		globalToNet: make(map[types.GlobalEntity]types.NetEntity),
	}
}

// ReadEntityActions decodes one entity-action section from r, replays
// every decoded action through the reorder automaton, applies whatever
// comes out ready to World, and returns the resulting Events in order.
func (m *RemoteWorldManager) ReadEntityActions(r *wire.Reader) ([]types.Event, error) {
	var events []types.Event
	var lastIndex types.ActionIndex
	haveLast := false

	for {
		cont, err := r.ReadBit()
		if err != nil {
			return events, err
		}
		if !cont {
			return events, nil
		}

		deltaVal, err := wire.ReadUVarInt3(r)
		if err != nil {
			return events, err
		}
		var idx types.ActionIndex
		if haveLast {
			idx = lastIndex + types.ActionIndex(deltaVal)
		} else {
			idx = types.ActionIndex(deltaVal)
		}
		lastIndex = idx
		haveLast = true

		typeByte, err := r.ReadByte()
		if err != nil {
			return events, err
		}
		actionType := types.EntityActionType(typeByte)

		decoded, err := m.decodeActionPayload(r, idx, actionType)
		if err != nil {
			return events, err
		}

		for _, ready := range m.receiver.Process(decoded) {
			events = append(events, m.apply(ready)...)
		}
	}
}

func (m *RemoteWorldManager) decodeActionPayload(r *wire.Reader, idx types.ActionIndex, actionType types.EntityActionType) (DecodedAction, error) {
	switch actionType {
	case types.ActionSpawnEntity:
		neVal, err := wire.ReadU16(r)
		if err != nil {
			return DecodedAction{}, err
		}
		count, err := wire.ReadUVarInt3(r)
		if err != nil {
			return DecodedAction{}, err
		}
		components := make([]types.Component, 0, count)
		for i := uint64(0); i < count; i++ {
			kindVal, err := wire.ReadU16(r)
			if err != nil {
				return DecodedAction{}, err
			}
			comp, ok := types.NewComponent(types.ComponentKind(kindVal))
			if !ok {
				return DecodedAction{}, types.ErrUnknownComponentKind
			}
			if err := comp.ReadFull(r); err != nil {
				return DecodedAction{}, err
			}
			components = append(components, comp)
		}
		return DecodedAction{Index: idx, Type: actionType, NetEntity: types.NetEntity(neVal), Components: components}, nil

	case types.ActionDespawnEntity:
		neVal, err := wire.ReadU16(r)
		if err != nil {
			return DecodedAction{}, err
		}
		return DecodedAction{Index: idx, Type: actionType, NetEntity: types.NetEntity(neVal)}, nil

	case types.ActionInsertComponent:
		neVal, err := wire.ReadU16(r)
		if err != nil {
			return DecodedAction{}, err
		}
		kindVal, err := wire.ReadU16(r)
		if err != nil {
			return DecodedAction{}, err
		}
		comp, ok := types.NewComponent(types.ComponentKind(kindVal))
		if !ok {
			return DecodedAction{}, types.ErrUnknownComponentKind
		}
		if err := comp.ReadFull(r); err != nil {
			return DecodedAction{}, err
		}
		return DecodedAction{Index: idx, Type: actionType, NetEntity: types.NetEntity(neVal), Kind: types.ComponentKind(kindVal), Component: comp}, nil

	case types.ActionRemoveComponent:
		neVal, err := wire.ReadU16(r)
		if err != nil {
			return DecodedAction{}, err
		}
		kindVal, err := wire.ReadU16(r)
		if err != nil {
			return DecodedAction{}, err
		}
		return DecodedAction{Index: idx, Type: actionType, NetEntity: types.NetEntity(neVal), Kind: types.ComponentKind(kindVal)}, nil

	default: // Noop
		return DecodedAction{Index: idx, Type: types.ActionNoop}, nil
	}
}

// apply pushes one automaton-released action into the local World and
// returns the Event it produces.
func (m *RemoteWorldManager) apply(a DecodedAction) []types.Event {
	switch a.Type {
	case types.ActionSpawnEntity:
		entity := m.world.SpawnEntity()
		global := m.registerNetEntity(a.NetEntity, entity)
		return []types.Event{types.SpawnEntityEvent{Entity: global}}

	case types.ActionDespawnEntity:
		global, entity, ok := m.resolve(a.NetEntity)
		if !ok {
			return nil
		}
		m.world.DespawnEntity(entity)
		m.entities.Remove(global)
		delete(m.netToGlobal, a.NetEntity)
		delete(m.globalToNet, global)
		m.receiver.Prune(a.NetEntity)
		return []types.Event{types.DespawnEntityEvent{Entity: global}}

	case types.ActionInsertComponent:
		global, entity, ok := m.resolve(a.NetEntity)
		if !ok {
			return nil
		}
		m.world.InsertBoxedComponent(entity, a.Component)
		return []types.Event{types.InsertComponentEvent{Entity: global, Kind: a.Component.Kind()}}

	case types.ActionRemoveComponent:
		global, entity, ok := m.resolve(a.NetEntity)
		if !ok {
			return nil
		}
		m.world.RemoveComponentOfKind(entity, a.Kind)
		return []types.Event{types.RemoveComponentEvent{Entity: global, Kind: a.Kind}}
	}
	return nil
}

func (m *RemoteWorldManager) registerNetEntity(ne types.NetEntity, entity types.Entity) types.GlobalEntity {
	global := m.entities.Insert(entity)
	m.netToGlobal[ne] = global
	m.globalToNet[global] = ne
	return global
}

func (m *RemoteWorldManager) resolve(ne types.NetEntity) (types.GlobalEntity, types.Entity, bool) {
	global, ok := m.netToGlobal[ne]
	if !ok {
		return 0, nil, false
	}
	entity, ok := m.entities.Get(global)
	return global, entity, ok
}

// NetEntityToGlobalEntity implements types.EntityConverter for the remote
// side of a connection: translating NetEntity ids the peer spawned into
// this side's GlobalEntity handles.
func (m *RemoteWorldManager) NetEntityToGlobalEntity(ne types.NetEntity) (types.GlobalEntity, bool) {
	global, ok := m.netToGlobal[ne]
	return global, ok
}

// GlobalEntityToNetEntity implements types.EntityConverter for the remote
// side of a connection: the reverse direction, used when a message
// received from the peer embeds a reference back to an entity that peer
// itself spawned (an EntityProperty echoing its own remote entity).
func (m *RemoteWorldManager) GlobalEntityToNetEntity(global types.GlobalEntity) (types.NetEntity, bool) {
	ne, ok := m.globalToNet[global]
	return ne, ok
}

// TrackRedundant registers an entity this side already knows from another
// connection under the peer's NetEntity id, so updates for a re-replicated
// entity (a RemotePublic relay) resolve without a local SpawnEntity action.
// Re-tracking an already-known NetEntity returns the existing handle.
func (m *RemoteWorldManager) TrackRedundant(ne types.NetEntity, entity types.Entity) types.GlobalEntity {
	if global, ok := m.netToGlobal[ne]; ok {
		return global
	}
	return m.registerNetEntity(ne, entity)
}

// UntrackRedundant drops a mapping established by TrackRedundant. The
// entity itself stays in the world; only this connection's view of it is
// released.
func (m *RemoteWorldManager) UntrackRedundant(ne types.NetEntity) {
	global, ok := m.netToGlobal[ne]
	if !ok {
		return
	}
	m.entities.Remove(global)
	delete(m.netToGlobal, ne)
	delete(m.globalToNet, global)
	m.receiver.Prune(ne)
}

// ReadComponentUpdates decodes one component-update section from r and
// applies each update to the local World, returning UpdateComponent
// events.
func (m *RemoteWorldManager) ReadComponentUpdates(r *wire.Reader) ([]types.Event, error) {
	neVal, err := wire.ReadU16(r)
	if err != nil {
		return nil, err
	}
	global, entity, ok := m.resolve(types.NetEntity(neVal))

	var events []types.Event
	for {
		cont, err := r.ReadBit()
		if err != nil {
			return events, err
		}
		if !cont {
			return events, nil
		}

		kindVal, err := wire.ReadU16(r)
		if err != nil {
			return events, err
		}
		kind := types.ComponentKind(kindVal)

		maskByteCount, err := wire.ReadUVarInt2(r)
		if err != nil {
			return events, err
		}
		mask := types.NewDiffMask(int(maskByteCount) * 8)
		for i := uint64(0); i < maskByteCount; i++ {
			b, err := r.ReadByte()
			if err != nil {
				return events, err
			}
			mask.SetByte(int(i), b)
		}

		if !ok {
			// The entity is unknown to this connection. The partial
			// payload's length depends on the mask and the component's own
			// property widths, so it cannot be skipped blindly; treat this
			// as a malformed-packet condition and abort the read.
			return events, types.ErrSerdeComponentUpdateUnknownEntity
		}
		if err := m.world.ComponentApplyUpdate(m.conv, entity, kind, mask, r); err != nil {
			return events, err
		}
		events = append(events, types.UpdateComponentEvent{Entity: global, Kind: kind})
	}
}
