package channel

import (
	"time"

	"github.com/jabolina/go-netcode/pkg/netcode/packet"
	"github.com/jabolina/go-netcode/pkg/netcode/types"
	"github.com/jabolina/go-netcode/pkg/netcode/wire"
)

// unackedMessage is one message a ReliableSender has sent at least once and
// is still waiting to see acked.
type unackedMessage struct {
	index      types.MessageIndex
	msg        types.Message
	lastSentAt time.Time
	everSent   bool
}

// ReliableSender backs UnorderedReliable, SequencedReliable, and
// OrderedReliable: every enqueued message is kept until acked
// and re-queued once `rtt * rtt_resend_factor` has elapsed since its last
// send. It registers itself as a packet.PacketNotifiable so the connection
// can route ack-manager callbacks straight to it.
type ReliableSender struct {
	nextIndex    types.MessageIndex
	queue        []*unackedMessage
	unacked      map[types.MessageIndex]*unackedMessage
	sentInPacket map[types.PacketIndex][]types.MessageIndex

	rttResendFactor float64
	rttProvider     func() time.Duration
}

// NewReliableSender constructs a sender. rttProvider is called lazily so
// the sender always resends against the connection's current RTT estimate.
func NewReliableSender(rttResendFactor float64, rttProvider func() time.Duration) *ReliableSender {
	return &ReliableSender{
		unacked:         make(map[types.MessageIndex]*unackedMessage),
		sentInPacket:    make(map[types.PacketIndex][]types.MessageIndex),
		rttResendFactor: rttResendFactor,
		rttProvider:     rttProvider,
	}
}

func (s *ReliableSender) Enqueue(msg types.Message) types.MessageIndex {
	idx := s.nextIndex
	s.nextIndex++
	um := &unackedMessage{index: idx, msg: msg}
	s.queue = append(s.queue, um)
	s.unacked[idx] = um
	return idx
}

// readyToSend reports whether um should go out in the next packet: never
// sent, or its last send is older than the resend deadline.
func (s *ReliableSender) readyToSend(um *unackedMessage, now time.Time) bool {
	if !um.everSent {
		return true
	}
	deadline := time.Duration(float64(s.rttProvider()) * s.rttResendFactor)
	return now.Sub(um.lastSentAt) >= deadline
}

// WriteMessages writes every ready message that fits and reports each
// written message's index through onSent; the connection collects these
// for NotePacketContents so a later ack can be routed back. Indices are
// written as an absolute
// MessageIndex for the first message in the packet and a UVarInt3 diff
// from the previously-written index after that.
func (s *ReliableSender) WriteMessages(w *wire.Writer, conv types.EntityConverter, onSent func(idx types.MessageIndex)) error {
	now := time.Now()
	var lastWritten types.MessageIndex
	haveLastWritten := false

	var written []*unackedMessage
	for _, um := range s.queue {
		if !s.readyToSend(um, now) {
			continue
		}

		c := w.Counter()
		if err := writeContinueBit(c); err != nil {
			break
		}
		if err := writeReliableIndex(c, um.index, lastWritten, haveLastWritten); err != nil {
			break
		}
		if err := wire.WriteU16(c, uint16(um.msg.Kind())); err != nil {
			break
		}
		if err := um.msg.WriteTo(c, conv); err != nil {
			break
		}
		if c.Overflowed() {
			break
		}

		if err := writeContinueBit(w); err != nil {
			return err
		}
		if err := writeReliableIndex(w, um.index, lastWritten, haveLastWritten); err != nil {
			return err
		}
		if err := wire.WriteU16(w, uint16(um.msg.Kind())); err != nil {
			return err
		}
		if err := um.msg.WriteTo(w, conv); err != nil {
			return err
		}

		lastWritten = um.index
		haveLastWritten = true
		um.everSent = true
		um.lastSentAt = now
		written = append(written, um)
	}

	if err := writeFinishBit(w); err != nil {
		return err
	}

	for _, um := range written {
		if onSent != nil {
			onSent(um.index)
		}
	}
	return nil
}

// writeReliableIndex writes idx as an absolute u16 if this is the first
// index written in the packet, else as a UVarInt3 diff from prev.
func writeReliableIndex(w wire.BitSink, idx, prev types.MessageIndex, havePrev bool) error {
	if !havePrev {
		return wire.WriteU16(w, uint16(idx))
	}
	delta := uint64(idx - prev)
	return wire.WriteUVarInt3(w, delta)
}

func readReliableIndex(r *wire.Reader, prev types.MessageIndex, havePrev bool) (types.MessageIndex, error) {
	if !havePrev {
		v, err := wire.ReadU16(r)
		return types.MessageIndex(v), err
	}
	delta, err := wire.ReadUVarInt3(r)
	if err != nil {
		return 0, err
	}
	return prev + types.MessageIndex(delta), nil
}

// NotePacketContents lets the connection tell this sender which message
// indices it just wrote into packetIndex, so a later ack can drop exactly
// those messages. Call once per send, after WriteMessages, with the
// indices collected via onSent.
func (s *ReliableSender) NotePacketContents(pi types.PacketIndex, indices []types.MessageIndex) {
	if len(indices) == 0 {
		return
	}
	s.sentInPacket[pi] = append(s.sentInPacket[pi], indices...)
}

// NotifyPacketDelivered drops every message sent in that packet from the
// unacked set and the resend queue.
func (s *ReliableSender) NotifyPacketDelivered(pi types.PacketIndex) {
	indices, ok := s.sentInPacket[pi]
	if !ok {
		return
	}
	delete(s.sentInPacket, pi)
	for _, idx := range indices {
		delete(s.unacked, idx)
	}
	s.compact()
}

// NotifyPacketDropped only forgets which messages the packet carried:
// resend is driven by the RTT timer, not by NACKs.
func (s *ReliableSender) NotifyPacketDropped(pi types.PacketIndex) {
	delete(s.sentInPacket, pi)
}

func (s *ReliableSender) compact() {
	out := s.queue[:0]
	for _, um := range s.queue {
		if _, stillUnacked := s.unacked[um.index]; stillUnacked {
			out = append(out, um)
		}
	}
	s.queue = out
}

var _ packet.PacketNotifiable = (*ReliableSender)(nil)
