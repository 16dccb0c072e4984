package auth

import (
	"fmt"

	"github.com/jabolina/go-netcode/pkg/netcode/types"
)

// Accessor is the per-connection, client-side view of authority status for
// every Delegated entity the local peer has touched. Unlike Handler (the
// server-side global arbiter), one Accessor belongs to a single connection
// and is only
// ever mutated from that connection's single-threaded driver calls, so it
// needs no internal locking.
type Accessor struct {
	status map[types.GlobalEntity]types.EntityAuthStatus
}

// NewAccessor constructs an empty accessor. Entities default to
// AvailableAuthority the first time they are touched.
func NewAccessor() *Accessor {
	return &Accessor{status: make(map[types.GlobalEntity]types.EntityAuthStatus)}
}

func (a *Accessor) statusOf(entity types.GlobalEntity) types.EntityAuthStatus {
	s, ok := a.status[entity]
	if !ok {
		return types.AvailableAuthority
	}
	return s
}

// StatusOf reports entity's current local authority status.
func (a *Accessor) StatusOf(entity types.GlobalEntity) types.EntityAuthStatus {
	return a.statusOf(entity)
}

// OnRequestSent transitions entity to RequestedAuthority after a
// RequestAuthority message is sent.
func (a *Accessor) OnRequestSent(entity types.GlobalEntity) {
	a.status[entity] = types.RequestedAuthority
}

// OnGranted transitions entity to HasAuthority on an AuthorityGranted
// response.
func (a *Accessor) OnGranted(entity types.GlobalEntity) {
	a.status[entity] = types.HasAuthority
}

// OnDenied transitions entity to NoAuthority on an AuthorityDenied
// response.
func (a *Accessor) OnDenied(entity types.GlobalEntity) {
	a.status[entity] = types.NoAuthority
}

// OnReleaseSent transitions entity to Releasing after a ReleaseAuthority
// message is sent.
func (a *Accessor) OnReleaseSent(entity types.GlobalEntity) {
	a.status[entity] = types.Releasing
}

// OnReset transitions entity back to AvailableAuthority on an
// AuthorityReset notification.
func (a *Accessor) OnReset(entity types.GlobalEntity) {
	a.status[entity] = types.AvailableAuthority
}

// CanRead reports whether a Delegated property may be read from the
// replicated (remote) value: only when this peer is not itself the
// authoritative source, i.e. not HasAuthority and not RequestedAuthority.
func (a *Accessor) CanRead(entity types.GlobalEntity) bool {
	switch a.statusOf(entity) {
	case types.HasAuthority, types.RequestedAuthority:
		return false
	default:
		return true
	}
}

// CanWrite reports whether a Delegated property may be written locally:
// only when this peer holds or is requesting authority.
func (a *Accessor) CanWrite(entity types.GlobalEntity) bool {
	switch a.statusOf(entity) {
	case types.HasAuthority, types.RequestedAuthority:
		return true
	default:
		return false
	}
}

// MustRead panics if CanRead(entity) is false.
func (a *Accessor) MustRead(entity types.GlobalEntity) {
	if !a.CanRead(entity) {
		panic(fmt.Sprintf("%v: read of delegated property on entity %v while %v", types.ErrAuthorityNotHost, entity, a.statusOf(entity)))
	}
}

// MustWrite panics if CanWrite(entity) is false.
func (a *Accessor) MustWrite(entity types.GlobalEntity) {
	if !a.CanWrite(entity) {
		panic(fmt.Sprintf("%v: write of delegated property on entity %v while %v", types.ErrAuthorityNotHost, entity, a.statusOf(entity)))
	}
}
