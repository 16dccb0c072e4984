package types

import "github.com/jabolina/go-netcode/pkg/netcode/wire"

// World is the host-application adapter the core consumes. The
// core never stores entities or components itself; every mutation flows
// through this interface so an ECS, a plain map, or anything else can back
// it.
type World interface {
	SpawnEntity() Entity
	DespawnEntity(entity Entity)
	InsertBoxedComponent(entity Entity, component Component)
	RemoveComponentOfKind(entity Entity, kind ComponentKind) (Component, bool)
	ComponentKinds(entity Entity) []ComponentKind
	ComponentApplyUpdate(conv EntityConverter, entity Entity, kind ComponentKind, mask *DiffMask, r *wire.Reader) error
	ComponentMirrorTo(dst, src Entity, kind ComponentKind)
	DuplicateEntity(entity Entity) Entity
}
