package channel

import (
	"github.com/jabolina/go-netcode/pkg/netcode/types"
	"github.com/jabolina/go-netcode/pkg/netcode/wire"
)

// readReliableSection decodes every message in a reliable section, which
// shares its wire shape (continue-bit, index-or-delta, kind, payload)
// across all three reliable channel modes.
func readReliableSection(r *wire.Reader, conv types.EntityConverter) ([]indexedMessage, error) {
	var out []indexedMessage
	var last types.MessageIndex
	haveLast := false
	for {
		cont, err := r.ReadBit()
		if err != nil {
			return nil, err
		}
		if !cont {
			return out, nil
		}
		idx, err := readReliableIndex(r, last, haveLast)
		if err != nil {
			return nil, err
		}
		last = idx
		haveLast = true

		kindVal, err := wire.ReadU16(r)
		if err != nil {
			return nil, err
		}
		msg, ok := types.NewMessage(types.MessageKind(kindVal))
		if !ok {
			return nil, types.ErrUnknownMessageKind
		}
		if err := msg.ReadFrom(r, conv); err != nil {
			return nil, err
		}
		out = append(out, indexedMessage{index: idx, msg: msg})
	}
}

// historyBound is the fixed size of the seen-index dedup set. It equals the
// default Config.MessageHistorySize; receivers do not read that field.
const historyBound = 64

// seenSet is a small bounded ring remembering the most recent historyBound
// message indices delivered, so duplicate reliable redelivery (same index
// arriving twice before ack reaches the sender) is not delivered twice.
type seenSet struct {
	bound int
	seen  map[types.MessageIndex]struct{}
	order []types.MessageIndex
}

func newSeenSet(bound int) *seenSet {
	return &seenSet{bound: bound, seen: make(map[types.MessageIndex]struct{})}
}

func (s *seenSet) seeOrSkip(idx types.MessageIndex) (isNew bool) {
	if _, ok := s.seen[idx]; ok {
		return false
	}
	s.seen[idx] = struct{}{}
	s.order = append(s.order, idx)
	if len(s.order) > s.bound {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.seen, oldest)
	}
	return true
}

// UnorderedReliableReceiver delivers every message exactly once, in
// arrival order.
type UnorderedReliableReceiver struct {
	seen *seenSet
}

func NewUnorderedReliableReceiver() *UnorderedReliableReceiver {
	return &UnorderedReliableReceiver{seen: newSeenSet(historyBound)}
}

func (r *UnorderedReliableReceiver) ReadMessages(reader *wire.Reader, conv types.EntityConverter) ([]types.Message, error) {
	indexed, err := readReliableSection(reader, conv)
	if err != nil {
		return nil, err
	}
	var out []types.Message
	for _, m := range indexed {
		if r.seen.seeOrSkip(m.index) {
			out = append(out, m.msg)
		}
	}
	return out, nil
}

// SequencedReliableReceiver retransmits reliably but drops strictly-older
// indices at the receiver, delivering newest-wins.
type SequencedReliableReceiver struct {
	haveLast bool
	last     types.MessageIndex
}

func NewSequencedReliableReceiver() *SequencedReliableReceiver {
	return &SequencedReliableReceiver{}
}

func (r *SequencedReliableReceiver) ReadMessages(reader *wire.Reader, conv types.EntityConverter) ([]types.Message, error) {
	indexed, err := readReliableSection(reader, conv)
	if err != nil {
		return nil, err
	}
	var out []types.Message
	for _, m := range indexed {
		if r.haveLast && !wire.SequenceGreaterThan(uint16(m.index), uint16(r.last)) {
			continue
		}
		r.haveLast = true
		r.last = m.index
		out = append(out, m.msg)
	}
	return out, nil
}

// OrderedReliableReceiver gates delivery to a contiguous prefix: a message
// arriving out of order is buffered until every earlier index has arrived.
type OrderedReliableReceiver struct {
	nextExpected types.MessageIndex
	buffered     map[types.MessageIndex]types.Message
}

func NewOrderedReliableReceiver() *OrderedReliableReceiver {
	return &OrderedReliableReceiver{buffered: make(map[types.MessageIndex]types.Message)}
}

func (r *OrderedReliableReceiver) ReadMessages(reader *wire.Reader, conv types.EntityConverter) ([]types.Message, error) {
	indexed, err := readReliableSection(reader, conv)
	if err != nil {
		return nil, err
	}
	for _, m := range indexed {
		if wire.SequenceLessThan(uint16(m.index), uint16(r.nextExpected)) {
			continue // already delivered, duplicate retransmit
		}
		if _, ok := r.buffered[m.index]; !ok {
			r.buffered[m.index] = m.msg
		}
	}

	var out []types.Message
	for {
		msg, ok := r.buffered[r.nextExpected]
		if !ok {
			break
		}
		delete(r.buffered, r.nextExpected)
		out = append(out, msg)
		r.nextExpected++
	}
	return out, nil
}
