package channel

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/jabolina/go-netcode/pkg/netcode/types"
	"github.com/jabolina/go-netcode/pkg/netcode/wire"
)

// Manager owns one Sender/Receiver pair per non-tick-buffered ChannelKind
// and fragments any message too large for a single packet before handing
// it to the right sender. TickBuffered is handled separately
// by pkg/netcode/tickbuffer and is never registered here.
type Manager struct {
	senders   map[types.ChannelKind]Sender
	receivers map[types.ChannelKind]Receiver
	defrag    map[types.ChannelKind]*Defragmenter

	fragmentationLimitBits uint32
	mtuBytes               int
	nextFragmentID         uint16

	requests map[types.GlobalRequestID]pendingRequest
}

type pendingRequest struct {
	channel types.ChannelKind
}

// NewManager builds the five non-tick-buffered channels, wiring each
// reliable sender's resend timer to rttProvider.
func NewManager(fragmentationLimitBits uint32, mtuBytes int, rttResendFactor float64, rttProvider func() time.Duration) *Manager {
	m := &Manager{
		senders:                make(map[types.ChannelKind]Sender),
		receivers:              make(map[types.ChannelKind]Receiver),
		defrag:                 make(map[types.ChannelKind]*Defragmenter),
		fragmentationLimitBits: fragmentationLimitBits,
		mtuBytes:               mtuBytes,
		requests:               make(map[types.GlobalRequestID]pendingRequest),
	}

	m.senders[types.UnorderedUnreliable] = NewUnreliableSender()
	m.senders[types.SequencedUnreliable] = NewUnreliableSender()
	m.senders[types.UnorderedReliable] = NewReliableSender(rttResendFactor, rttProvider)
	m.senders[types.SequencedReliable] = NewReliableSender(rttResendFactor, rttProvider)
	m.senders[types.OrderedReliable] = NewReliableSender(rttResendFactor, rttProvider)

	m.receivers[types.UnorderedUnreliable] = NewUnorderedUnreliableReceiver()
	m.receivers[types.SequencedUnreliable] = NewSequencedUnreliableReceiver()
	m.receivers[types.UnorderedReliable] = NewUnorderedReliableReceiver()
	m.receivers[types.SequencedReliable] = NewSequencedReliableReceiver()
	m.receivers[types.OrderedReliable] = NewOrderedReliableReceiver()

	for _, k := range []types.ChannelKind{
		types.UnorderedUnreliable, types.SequencedUnreliable,
		types.UnorderedReliable, types.SequencedReliable, types.OrderedReliable,
	} {
		m.defrag[k] = NewDefragmenter()
	}

	return m
}

// ReliableSenders exposes the three reliable senders so the connection can
// register them as packet.PacketNotifiable and route ack-manager callbacks.
func (m *Manager) ReliableSenders() []*ReliableSender {
	var out []*ReliableSender
	for _, k := range []types.ChannelKind{types.UnorderedReliable, types.SequencedReliable, types.OrderedReliable} {
		out = append(out, m.senders[k].(*ReliableSender))
	}
	return out
}

// ReliableSenderFor returns ch's sender cast to *ReliableSender, if ch is
// one of the three reliable channel kinds, so the connection can call
// NotePacketContents after assigning a packet index.
func (m *Manager) ReliableSenderFor(ch types.ChannelKind) (*ReliableSender, bool) {
	rs, ok := m.senders[ch].(*ReliableSender)
	return rs, ok
}

// Send enqueues msg on the given channel, transparently fragmenting it
// first if it exceeds the configured limit. Oversized messages on an
// unreliable channel are a programming error.
func (m *Manager) Send(ch types.ChannelKind, msg types.Message, conv types.EntityConverter) error {
	sender, ok := m.senders[ch]
	if !ok {
		return fmt.Errorf("channel: unsupported channel kind %v for Send (use tickbuffer for TickBuffered)", ch)
	}

	size, err := measureBits(msg, conv)
	if err != nil {
		return err
	}

	if uint32(size) <= m.fragmentationLimitBits {
		sender.Enqueue(msg)
		return nil
	}

	if !ch.Reliable() {
		panic(fmt.Sprintf("%v: message of %d bits exceeds fragmentation_limit_bits=%d on unreliable channel %v", types.ErrMessageTooLarge, size, m.fragmentationLimitBits, ch))
	}

	m.nextFragmentID++
	fragments, err := Fragment(msg, conv, m.nextFragmentID, m.fragmentationLimitBits, m.mtuBytes)
	if err != nil {
		return err
	}
	for _, f := range fragments {
		sender.Enqueue(f)
	}
	return nil
}

func measureBits(msg types.Message, conv types.EntityConverter) (int, error) {
	c := wire.NewCounter(1 << 30)
	if err := wire.WriteU16(c, uint16(msg.Kind())); err != nil {
		return 0, err
	}
	if err := msg.WriteTo(c, conv); err != nil {
		return 0, err
	}
	return c.BitsUsed(), nil
}

// WriteChannel writes one channel's pending messages into w, reporting the
// message indices actually written via onSent (the connection threads
// these into ReliableSender.NotePacketContents after assigning the packet
// index).
func (m *Manager) WriteChannel(ch types.ChannelKind, w *wire.Writer, conv types.EntityConverter, onSent func(idx types.MessageIndex)) error {
	return m.senders[ch].WriteMessages(w, conv, onSent)
}

// Channels lists every channel kind this manager writes/reads, in the
// fixed order the wire format serializes them.
func (m *Manager) Channels() []types.ChannelKind {
	return []types.ChannelKind{
		types.UnorderedUnreliable, types.SequencedUnreliable,
		types.UnorderedReliable, types.SequencedReliable, types.OrderedReliable,
	}
}

// ReadChannel decodes one channel's section from r and returns the
// messages now releasable, reassembling any completed fragments
// transparently.
func (m *Manager) ReadChannel(ch types.ChannelKind, r *wire.Reader, conv types.EntityConverter) ([]types.Message, error) {
	raw, err := m.receivers[ch].ReadMessages(r, conv)
	if err != nil {
		return nil, err
	}

	var out []types.Message
	for _, msg := range raw {
		env, isFrag := IsFragment(msg)
		if !isFrag {
			out = append(out, msg)
			continue
		}
		reassembled, complete := m.defrag[ch].Absorb(env)
		if !complete {
			continue
		}
		kindVal, err := wire.ReadU16(reassembled)
		if err != nil {
			return nil, err
		}
		real, ok := types.NewMessage(types.MessageKind(kindVal))
		if !ok {
			return nil, types.ErrUnknownMessageKind
		}
		if err := real.ReadFrom(reassembled, conv); err != nil {
			return nil, err
		}
		out = append(out, real)
	}
	return out, nil
}

// NextRequestID mints a fresh GlobalRequestId for an outgoing Requestable
// message. Ids are the last 8 bytes of an xid (machine id, pid and the
// per-process counter) rather than a per-connection counter, so a Response
// can never be mistaken for one sent on a different connection instance
// sharing the same process.
func (m *Manager) NextRequestID(ch types.ChannelKind) types.GlobalRequestID {
	guid := xid.New()
	id := types.GlobalRequestID(binary.BigEndian.Uint64(guid.Bytes()[4:]))
	m.requests[id] = pendingRequest{channel: ch}
	return id
}

// ResolveRequest looks up and clears the channel a GlobalRequestId was sent
// on, used when a Response arrives to confirm it maps back correctly.
func (m *Manager) ResolveRequest(id types.GlobalRequestID) (types.ChannelKind, bool) {
	p, ok := m.requests[id]
	if ok {
		delete(m.requests, id)
	}
	return p.channel, ok
}
