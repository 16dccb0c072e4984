package types

import "errors"

// Sentinel errors shared across packages that consume the types in this
// package. Package-local errors (e.g. wire codec failures) live next to
// their packages instead.
var (
	// ErrUnknownComponentKind is returned when a component kind read from
	// the wire is one NewComponent does not know, e.g. from a peer running
	// a different build.
	ErrUnknownComponentKind = errors.New("netcode: unknown component kind")

	// ErrUnknownMessageKind is returned when a message kind read from the
	// wire is one NewMessage does not know.
	ErrUnknownMessageKind = errors.New("netcode: unknown message kind")

	// ErrHandshakeRejected is returned by handshake.Server when the
	// identity check refuses a client; the server sends no reply.
	ErrHandshakeRejected = errors.New("netcode: handshake rejected")

	// ErrConnectionTimedOut marks a DisconnectionEvent caused by silence
	// past disconnection_timeout_ms rather than an explicit close.
	ErrConnectionTimedOut = errors.New("netcode: connection timed out")

	// ErrMessageTooLarge's text opens the panic message raised when a
	// message exceeding fragmentation_limit_bits is sent on an unreliable
	// channel.
	ErrMessageTooLarge = errors.New("netcode: message exceeds fragmentation limit on unreliable channel")

	// ErrAuthorityNotHost's text opens the panic message auth.Accessor
	// raises when a Delegated property is read or written in an authority
	// state that does not allow it.
	ErrAuthorityNotHost = errors.New("netcode: local peer does not hold entity authority")

	// ErrSerdeComponentUpdateUnknownEntity aborts a component-update read
	// when the entity's NetEntity has no corresponding local Entity: the
	// partial payload's length cannot be derived without the component
	// instance, so the rest of the packet cannot be safely skipped.
	ErrSerdeComponentUpdateUnknownEntity = errors.New("netcode: component update for unknown NetEntity")
)
