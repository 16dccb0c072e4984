// Package types holds the data model shared across every layer of the
// replication engine: entity/component/message identifiers, the Tick and
// PacketIndex counters, the World/Transport interfaces the core consumes,
// and the Event stream the core emits.
package types

import "github.com/jabolina/go-netcode/pkg/netcode/bigmap"

// Entity is the opaque identifier owned by the host World implementation
//. The core never interprets it; it only ever round-trips values
// the World handed back from SpawnEntity.
type Entity = interface{}

// GlobalEntity is the process-unique, monotonic, never-reused handle every
// entity known to the core receives.
type GlobalEntity = bigmap.Handle

// NetEntity is the 16-bit per-connection wire id assigned by whichever side
// spawned the entity. The NetEntity<->GlobalEntity mapping lives in the
// EntityConverter, scoped to one connection.
type NetEntity uint16

// ComponentKind is the stable 16-bit id derived from a component's
// registered type identity.
type ComponentKind uint16

// MessageKind is the stable 16-bit id derived from a message's registered
// type identity.
type MessageKind uint16

// Tick is the 16-bit wrapping simulation-step counter.
type Tick uint16

// PacketIndex is the 16-bit wrapping id the sender assigns to every
// outgoing datagram at serialization time.
type PacketIndex uint16

// ActionIndex is the monotonic 16-bit id assigned to every entity action
// (Spawn/Despawn/Insert/Remove/Noop), used for dedupe and reorder.
type ActionIndex uint16

// MessageIndex is the 16-bit id the sender assigns to every outgoing
// message on a channel.
type MessageIndex uint16

// PeerKey identifies one connected peer across the shared-resource layers a
// server runs per-connection state alongside: the GlobalDiffHandler's
// per-user masks and the HostAuthHandler's per-entity authority
// state. netcode.Server assigns one per admitted connection from its
// running user counter.
type PeerKey uint64

// EntityConverter translates between the GlobalEntity handles the core uses
// internally and the NetEntity ids a specific peer knows an entity by.
// Messages embed EntityProperty values that must be translated through this
// at write/read time.
type EntityConverter interface {
	GlobalEntityToNetEntity(GlobalEntity) (NetEntity, bool)
	NetEntityToGlobalEntity(NetEntity) (GlobalEntity, bool)
}
