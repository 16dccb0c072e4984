// Package tickbuffer implements the TickBuffered channel: the
// client-to-server command channel keyed by client tick rather than by a
// sender-assigned message index, with per-tick exact delivery and no
// retransmission past the tick's validity window.
package tickbuffer

import (
	"sort"

	"github.com/jabolina/go-netcode/pkg/netcode/types"
	"github.com/jabolina/go-netcode/pkg/netcode/wire"
)

// ShortMessageIndex is the per-tick message index; each tick slot holds a
// small vector of (ShortMessageIndex, Message) pairs.
type ShortMessageIndex uint16

type tickEntry struct {
	tick     types.Tick
	messages []shortMessage
}

type shortMessage struct {
	index ShortMessageIndex
	msg   types.Message
}

// Sender is the client-side tick-buffer sender: a bounded deque of
// per-tick command slots, pruned and flushed on every send opportunity.
type Sender struct {
	entries map[types.Tick]*tickEntry
	order   []types.Tick
}

// NewSender constructs an empty tick-buffer sender.
func NewSender() *Sender {
	return &Sender{entries: make(map[types.Tick]*tickEntry)}
}

// Enqueue records one command for delivery at clientTick.
func (s *Sender) Enqueue(clientTick types.Tick, msg types.Message) ShortMessageIndex {
	e, ok := s.entries[clientTick]
	if !ok {
		e = &tickEntry{tick: clientTick}
		s.entries[clientTick] = e
		s.order = append(s.order, clientTick)
	}
	idx := ShortMessageIndex(len(e.messages))
	e.messages = append(e.messages, shortMessage{index: idx, msg: msg})
	return idx
}

// Prune drops every entry whose tick is older than serverReceivableTick.
func (s *Sender) Prune(serverReceivableTick types.Tick) {
	kept := s.order[:0]
	for _, t := range s.order {
		if wire.SequenceLessThan(uint16(t), uint16(serverReceivableTick)) {
			delete(s.entries, t)
			continue
		}
		kept = append(kept, t)
	}
	s.order = kept
}

// Ack removes the (tick, shortIndex) entry once acked.
func (s *Sender) Ack(tick types.Tick, idx ShortMessageIndex) {
	e, ok := s.entries[tick]
	if !ok {
		return
	}
	out := e.messages[:0]
	for _, m := range e.messages {
		if m.index != idx {
			out = append(out, m)
		}
	}
	e.messages = out
	if len(e.messages) == 0 {
		delete(s.entries, tick)
		for i, t := range s.order {
			if t == tick {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
}

// WriteEntries encodes as many pending ticks ≤ clientSendingTick as fit,
// using counter-mode to stop before overflow, and
// returns the (tick, index) pairs actually written so the caller can wire
// acks back to Ack.
func (s *Sender) WriteEntries(w *wire.Writer, conv types.EntityConverter, clientSendingTick types.Tick) ([]struct {
	Tick  types.Tick
	Index ShortMessageIndex
}, error) {
	sorted := append([]types.Tick(nil), s.order...)
	sort.Slice(sorted, func(i, j int) bool {
		return wire.SequenceLessThan(uint16(sorted[i]), uint16(sorted[j]))
	})

	var writtenPairs []struct {
		Tick  types.Tick
		Index ShortMessageIndex
	}

	var lastTick types.Tick
	haveLastTick := false

	for _, tick := range sorted {
		if wire.SequenceGreaterThan(uint16(tick), uint16(clientSendingTick)) {
			continue
		}
		e := s.entries[tick]
		if len(e.messages) == 0 {
			continue
		}

		c := w.Counter()
		if err := encodeTickEntry(c, e, lastTick, haveLastTick, conv); err != nil {
			break
		}
		if c.Overflowed() {
			break
		}

		if err := encodeTickEntry(w, e, lastTick, haveLastTick, conv); err != nil {
			return nil, err
		}
		for _, m := range e.messages {
			writtenPairs = append(writtenPairs, struct {
				Tick  types.Tick
				Index ShortMessageIndex
			}{Tick: tick, Index: m.index})
		}
		lastTick = tick
		haveLastTick = true
	}

	return writtenPairs, writeFinishBit(w)
}

func encodeTickEntry(w wire.BitSink, e *tickEntry, lastTick types.Tick, haveLastTick bool, conv types.EntityConverter) error {
	if err := w.WriteBit(true); err != nil { // continue-bit: another tick follows
		return err
	}

	var deltaTick uint64
	if haveLastTick {
		deltaTick = uint64(e.tick - lastTick)
	} else {
		deltaTick = uint64(e.tick)
	}
	if err := wire.WriteUVarInt3(w, deltaTick); err != nil {
		return err
	}
	if err := wire.WriteUVarInt3(w, uint64(len(e.messages))); err != nil {
		return err
	}

	var lastIdx ShortMessageIndex
	for i, m := range e.messages {
		var deltaIdx uint64
		if i == 0 {
			deltaIdx = uint64(m.index)
		} else {
			deltaIdx = uint64(m.index - lastIdx)
		}
		if err := wire.WriteUVarInt2(w, deltaIdx); err != nil {
			return err
		}
		if err := m.msg.WriteTo(w, conv); err != nil {
			return err
		}
		lastIdx = m.index
	}
	return nil
}

// writeFinishBit terminates the section with a single 0 bit, giving back
// the bit the connection reserved for it up front.
func writeFinishBit(w *wire.Writer) error {
	w.ReleaseBits(1)
	return w.WriteBit(false)
}

// Receiver is the server-side tick-buffer receiver: it holds messages
// until the connection's local tick reaches their tagged tick, then hands
// them to the simulation exactly once.
type Receiver struct {
	factory func() types.Message
	byTick  map[types.Tick][]types.Message
	// seen dedupes (tick, index) pairs: the sender rewrites every live
	// entry into each outgoing packet, so the same command routinely
	// arrives more than once and must still be delivered exactly once.
	seen map[types.Tick]map[ShortMessageIndex]bool
}

// NewReceiver constructs a receiver. factory must decode the single
// command message type this connection's tick buffer carries.
func NewReceiver(factory func() types.Message) *Receiver {
	return &Receiver{
		factory: factory,
		byTick:  make(map[types.Tick][]types.Message),
		seen:    make(map[types.Tick]map[ShortMessageIndex]bool),
	}
}

// ReadEntries decodes one tick-buffer section from r, dropping any message
// whose tick is already in the past relative to localTick.
func (rc *Receiver) ReadEntries(r *wire.Reader, conv types.EntityConverter, localTick types.Tick) error {
	var lastTick types.Tick
	haveLastTick := false

	for {
		cont, err := r.ReadBit()
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}

		deltaTick, err := wire.ReadUVarInt3(r)
		if err != nil {
			return err
		}
		var tick types.Tick
		if haveLastTick {
			tick = lastTick + types.Tick(deltaTick)
		} else {
			tick = types.Tick(deltaTick)
		}
		lastTick = tick
		haveLastTick = true

		count, err := wire.ReadUVarInt3(r)
		if err != nil {
			return err
		}

		var lastIdx ShortMessageIndex
		for i := uint64(0); i < count; i++ {
			deltaIdx, err := wire.ReadUVarInt2(r)
			if err != nil {
				return err
			}
			var idx ShortMessageIndex
			if i == 0 {
				idx = ShortMessageIndex(deltaIdx)
			} else {
				idx = lastIdx + ShortMessageIndex(deltaIdx)
			}
			lastIdx = idx

			msg := rc.factory()
			if err := msg.ReadFrom(r, conv); err != nil {
				return err
			}

			if wire.SequenceLessThan(uint16(tick), uint16(localTick)) {
				continue // past-tick: silently dropped, never delivered late
			}
			if rc.seen[tick] == nil {
				rc.seen[tick] = make(map[ShortMessageIndex]bool)
			}
			if rc.seen[tick][idx] {
				continue // redundant re-send of an already-buffered entry
			}
			rc.seen[tick][idx] = true
			rc.byTick[tick] = append(rc.byTick[tick], msg)
		}
	}
}

// DeliverAt returns (and clears) every message tagged exactly localTick,
// the point at which the simulation is now running that tick.
func (rc *Receiver) DeliverAt(localTick types.Tick) []types.Message {
	msgs := rc.byTick[localTick]
	delete(rc.byTick, localTick)
	delete(rc.seen, localTick)
	return msgs
}
