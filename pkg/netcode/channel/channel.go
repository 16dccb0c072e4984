// Package channel implements the six message channel modes:
// UnorderedUnreliable, SequencedUnreliable, UnorderedReliable,
// SequencedReliable, OrderedReliable, TickBuffered. Each mode pairs an
// independent sender and receiver; TickBuffered lives in its own package
// (pkg/netcode/tickbuffer) since its wire shape and delivery rule differ
// enough to warrant a separate home.
package channel

import (
	"github.com/jabolina/go-netcode/pkg/netcode/types"
	"github.com/jabolina/go-netcode/pkg/netcode/wire"
)

// Sender is the contract every non-tick-buffered channel sender
// implements: enqueue a message, then on each send opportunity write as
// many (re)sends as fit before the caller's finish-bit.
type Sender interface {
	Enqueue(msg types.Message) types.MessageIndex
	WriteMessages(w *wire.Writer, conv types.EntityConverter, onSent func(idx types.MessageIndex)) error
}

// Receiver is the contract every non-tick-buffered channel receiver
// implements: feed it a freshly-read message and it decides whether (and
// in what order) to release it to the caller.
type Receiver interface {
	// ReadMessages decodes every message section in r and returns the
	// messages now releasable to the application, in delivery order.
	ReadMessages(r *wire.Reader, conv types.EntityConverter) ([]types.Message, error)
}

// writeFinishBit terminates a section with a single 0 bit, giving back the
// bit the connection reserved for it before any section was written.
func writeFinishBit(w *wire.Writer) error {
	w.ReleaseBits(1)
	return w.WriteBit(false)
}

// writeContinueBit starts/continues a section with a single 1 bit.
func writeContinueBit(w wire.BitSink) error {
	return w.WriteBit(true)
}
