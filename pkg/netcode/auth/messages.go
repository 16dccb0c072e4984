package auth

import (
	"github.com/jabolina/go-netcode/pkg/netcode/types"
	"github.com/jabolina/go-netcode/pkg/netcode/wire"
)

// The five authority protocol messages are carried as special
// reliable messages on a system channel (OrderedReliable, so a
// Release→Request replay from the same peer can never be reordered against
// itself). Their kinds sit just below the fragment envelope's reserved
// 0xFFFF (channel/fragment.go) at the top of the kind space, since they are
// part of the transport's own protocol rather than application data.
const (
	KindRequestAuthority types.MessageKind = 0xFFFE
	KindAuthorityGranted types.MessageKind = 0xFFFD
	KindAuthorityDenied  types.MessageKind = 0xFFFC
	KindReleaseAuthority types.MessageKind = 0xFFFB
	KindAuthorityReset   types.MessageKind = 0xFFFA
)

func init() {
	types.RegisterMessage(KindRequestAuthority, func() types.Message { return &RequestAuthorityMsg{} })
	types.RegisterMessage(KindAuthorityGranted, func() types.Message { return &AuthorityGrantedMsg{} })
	types.RegisterMessage(KindAuthorityDenied, func() types.Message { return &AuthorityDeniedMsg{} })
	types.RegisterMessage(KindReleaseAuthority, func() types.Message { return &ReleaseAuthorityMsg{} })
	types.RegisterMessage(KindAuthorityReset, func() types.Message { return &AuthorityResetMsg{} })
}

// entityMsg factors the identical wire shape every authority message
// shares: a single entity reference, translated through the connection's
// EntityConverter like any other embedded entity handle.
type entityMsg struct {
	Entity types.GlobalEntity
}

func (m *entityMsg) Entities() []types.GlobalEntity { return []types.GlobalEntity{m.Entity} }

func (m *entityMsg) writeTo(w wire.BitSink, conv types.EntityConverter) error {
	ne, _ := conv.GlobalEntityToNetEntity(m.Entity)
	return wire.WriteU16(w, uint16(ne))
}

func (m *entityMsg) readFrom(r *wire.Reader, conv types.EntityConverter) error {
	neVal, err := wire.ReadU16(r)
	if err != nil {
		return err
	}
	global, _ := conv.NetEntityToGlobalEntity(types.NetEntity(neVal))
	m.Entity = global
	return nil
}

// RequestAuthorityMsg is sent client -> server to request authority over a
// Delegated entity.
type RequestAuthorityMsg struct{ entityMsg }

func (m *RequestAuthorityMsg) Kind() types.MessageKind { return KindRequestAuthority }
func (m *RequestAuthorityMsg) WriteTo(w wire.BitSink, conv types.EntityConverter) error {
	return m.writeTo(w, conv)
}
func (m *RequestAuthorityMsg) ReadFrom(r *wire.Reader, conv types.EntityConverter) error {
	return m.readFrom(r, conv)
}

// AuthorityGrantedMsg is sent server -> client in response to a granted
// RequestAuthorityMsg.
type AuthorityGrantedMsg struct{ entityMsg }

func (m *AuthorityGrantedMsg) Kind() types.MessageKind { return KindAuthorityGranted }
func (m *AuthorityGrantedMsg) WriteTo(w wire.BitSink, conv types.EntityConverter) error {
	return m.writeTo(w, conv)
}
func (m *AuthorityGrantedMsg) ReadFrom(r *wire.Reader, conv types.EntityConverter) error {
	return m.readFrom(r, conv)
}

// AuthorityDeniedMsg is sent server -> client in response to a denied
// RequestAuthorityMsg.
type AuthorityDeniedMsg struct{ entityMsg }

func (m *AuthorityDeniedMsg) Kind() types.MessageKind { return KindAuthorityDenied }
func (m *AuthorityDeniedMsg) WriteTo(w wire.BitSink, conv types.EntityConverter) error {
	return m.writeTo(w, conv)
}
func (m *AuthorityDeniedMsg) ReadFrom(r *wire.Reader, conv types.EntityConverter) error {
	return m.readFrom(r, conv)
}

// ReleaseAuthorityMsg is sent client -> server to relinquish authority.
type ReleaseAuthorityMsg struct{ entityMsg }

func (m *ReleaseAuthorityMsg) Kind() types.MessageKind { return KindReleaseAuthority }
func (m *ReleaseAuthorityMsg) WriteTo(w wire.BitSink, conv types.EntityConverter) error {
	return m.writeTo(w, conv)
}
func (m *ReleaseAuthorityMsg) ReadFrom(r *wire.Reader, conv types.EntityConverter) error {
	return m.readFrom(r, conv)
}

// AuthorityResetMsg is sent server -> client to notify a previous holder
// its authority has been revoked.
type AuthorityResetMsg struct{ entityMsg }

func (m *AuthorityResetMsg) Kind() types.MessageKind { return KindAuthorityReset }
func (m *AuthorityResetMsg) WriteTo(w wire.BitSink, conv types.EntityConverter) error {
	return m.writeTo(w, conv)
}
func (m *AuthorityResetMsg) ReadFrom(r *wire.Reader, conv types.EntityConverter) error {
	return m.readFrom(r, conv)
}
