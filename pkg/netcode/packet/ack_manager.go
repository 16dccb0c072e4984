package packet

import (
	"container/list"

	"github.com/jabolina/go-netcode/pkg/netcode/types"
	"github.com/jabolina/go-netcode/pkg/netcode/wire"
)

// sentRecord bookkeeps one outgoing packet index awaiting a verdict.
type sentRecord struct {
	index types.PacketIndex
}

// PacketNotifiable is implemented by any layer (channel senders, the tick
// buffer) that needs to know when one of its own packets was delivered or
// lost, so it can drop or re-queue the payloads it wrote into that packet.
type PacketNotifiable interface {
	NotifyPacketDelivered(index types.PacketIndex)
	NotifyPacketDropped(index types.PacketIndex)
}

// bitfieldDepth is the number of trailing packets the 16-bit ack_bitfield
// can describe.
const bitfieldDepth = 16

// defaultSentCapacity is the bound on outstanding sent-but-undecided
// packets the manager remembers.
const defaultSentCapacity = 1024

// AckManager tracks outgoing packet indices until their fate (delivered or
// dropped) is decided by the peer's ack header, and separately tracks which
// incoming indices this side has received so it can build its own outgoing
// header.
type AckManager struct {
	capacity int

	nextLocalIndex types.PacketIndex
	sent           *list.List // of *sentRecord, oldest-first
	sentByIndex    map[types.PacketIndex]*list.Element

	localAckLastReceived types.PacketIndex
	haveReceivedAny      bool
	receivedRecently     map[types.PacketIndex]bool // sparse set within bitfieldDepth of localAckLastReceived

	notifiables []PacketNotifiable
}

// NewAckManager constructs an AckManager with the default sent-queue
// bound.
func NewAckManager() *AckManager {
	return &AckManager{
		capacity:         defaultSentCapacity,
		sent:             list.New(),
		sentByIndex:      make(map[types.PacketIndex]*list.Element),
		receivedRecently: make(map[types.PacketIndex]bool),
	}
}

// RegisterNotifiable subscribes n to future delivered/dropped callbacks.
func (m *AckManager) RegisterNotifiable(n PacketNotifiable) {
	m.notifiables = append(m.notifiables, n)
}

// NextOutgoingIndex assigns and records the index the caller is about to
// stamp on an outgoing packet.
func (m *AckManager) NextOutgoingIndex() types.PacketIndex {
	idx := m.nextLocalIndex
	m.nextLocalIndex++

	el := m.sent.PushBack(&sentRecord{index: idx})
	m.sentByIndex[idx] = el
	if m.sent.Len() > m.capacity {
		oldest := m.sent.Front()
		m.sent.Remove(oldest)
		delete(m.sentByIndex, oldest.Value.(*sentRecord).index)
	}
	return idx
}

// OutgoingHeaderFields returns the ack_last_received and ack_bitfield this
// side should stamp on its next outgoing header, reflecting every packet
// received from the peer so far.
func (m *AckManager) OutgoingHeaderFields() (ackLastReceived types.PacketIndex, ackBitfield uint16) {
	if !m.haveReceivedAny {
		return 0, 0
	}
	var bitfield uint16
	for k := 0; k < bitfieldDepth; k++ {
		idx := m.localAckLastReceived - types.PacketIndex(k+1)
		if m.receivedRecently[idx] {
			bitfield |= 1 << uint(k)
		}
	}
	return m.localAckLastReceived, bitfield
}

// RecordReceived updates this side's view of what it has received from the
// peer, called once per inbound packet before OutgoingHeaderFields is next
// read.
func (m *AckManager) RecordReceived(index types.PacketIndex) {
	if !m.haveReceivedAny || wire.SequenceGreaterThan(uint16(index), uint16(m.localAckLastReceived)) {
		m.localAckLastReceived = index
		m.haveReceivedAny = true
	}
	m.receivedRecently[index] = true

	// Evict anything now too old to ever appear in a future bitfield.
	for idx := range m.receivedRecently {
		age := wire.WrappingDiff(uint16(m.localAckLastReceived), uint16(idx))
		if age > bitfieldDepth {
			delete(m.receivedRecently, idx)
		}
	}
}

// ApplyRemoteHeader consumes ack_last_received/ack_bitfield from a received
// Header and fires NotifyPacketDelivered/NotifyPacketDropped for every
// local sent packet whose fate is now decidable.
func (m *AckManager) ApplyRemoteHeader(h Header) {
	m.markDecided(h.AckLastReceived, true)
	for k := 0; k < bitfieldDepth; k++ {
		idx := h.AckLastReceived - types.PacketIndex(k+1)
		delivered := h.AckBitfield&(1<<uint(k)) != 0
		m.markDecided(idx, delivered)
	}

	// Anything older than the bitfield's span that is still outstanding is
	// now decidably dropped.
	cutoff := h.AckLastReceived - types.PacketIndex(bitfieldDepth)
	var stale []*list.Element
	for el := m.sent.Front(); el != nil; el = el.Next() {
		rec := el.Value.(*sentRecord)
		if wire.SequenceLessThan(uint16(rec.index), uint16(cutoff)) {
			stale = append(stale, el)
		}
	}
	for _, el := range stale {
		rec := el.Value.(*sentRecord)
		m.sent.Remove(el)
		delete(m.sentByIndex, rec.index)
		for _, n := range m.notifiables {
			n.NotifyPacketDropped(rec.index)
		}
	}
}

func (m *AckManager) markDecided(index types.PacketIndex, delivered bool) {
	el, ok := m.sentByIndex[index]
	if !ok {
		return
	}
	m.sent.Remove(el)
	delete(m.sentByIndex, index)
	for _, n := range m.notifiables {
		if delivered {
			n.NotifyPacketDelivered(index)
		} else {
			n.NotifyPacketDropped(index)
		}
	}
}

// OutstandingCount reports how many sent packets still await a verdict,
// exposed for tests and connection stats.
func (m *AckManager) OutstandingCount() int {
	return m.sent.Len()
}
