package types

import "github.com/jabolina/go-netcode/pkg/netcode/wire"

// Message is the contract every typed payload carried on a channel
// implements. Entities() exposes any embedded entity
// handles so the channel writer can translate them through an
// EntityConverter before putting the message on the wire.
type Message interface {
	Kind() MessageKind
	Entities() []GlobalEntity
	WriteTo(w wire.BitSink, conv EntityConverter) error
	ReadFrom(r *wire.Reader, conv EntityConverter) error
}

// MessageFactory builds a zero-value instance of a registered message kind.
type MessageFactory func() Message

var messageRegistry = map[MessageKind]MessageFactory{}

// RegisterMessage adds kind to the process-wide message registry.
func RegisterMessage(kind MessageKind, factory MessageFactory) {
	messageRegistry[kind] = factory
}

// NewMessage instantiates a zero-value message for kind, if registered.
func NewMessage(kind MessageKind) (Message, bool) {
	factory, ok := messageRegistry[kind]
	if !ok {
		return nil, false
	}
	return factory(), true
}

// GlobalRequestID and LocalResponseID identify a request/response pair
// across the wire.
// GlobalRequestId is minted by the sender; LocalResponseId is the
// value the remote peer must echo back.
type GlobalRequestID uint64
type LocalResponseID uint64

// Requestable is implemented by messages that may be sent as a Request
// expecting a matching Response.
type Requestable interface {
	Message
	IsRequest() bool
	IsResponse() bool
}
