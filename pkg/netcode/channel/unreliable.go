package channel

import (
	"github.com/jabolina/go-netcode/pkg/netcode/types"
	"github.com/jabolina/go-netcode/pkg/netcode/wire"
)

// UnreliableSender backs both UnorderedUnreliable and SequencedUnreliable:
// messages are written at most once, in FIFO order, and never resent. A
// message that does not fit stays queued, with everything behind it, for
// the next call.
type UnreliableSender struct {
	nextIndex types.MessageIndex
	pending   []pendingUnreliable
}

type pendingUnreliable struct {
	index types.MessageIndex
	msg   types.Message
}

// NewUnreliableSender constructs an empty sender.
func NewUnreliableSender() *UnreliableSender {
	return &UnreliableSender{}
}

func (s *UnreliableSender) Enqueue(msg types.Message) types.MessageIndex {
	idx := s.nextIndex
	s.nextIndex++
	s.pending = append(s.pending, pendingUnreliable{index: idx, msg: msg})
	return idx
}

// WriteMessages writes as many pending messages as fit, in order, then
// drops whatever was written: a written message is never kept for a
// resend. Messages that did not fit stay queued for the next call.
func (s *UnreliableSender) WriteMessages(w *wire.Writer, conv types.EntityConverter, onSent func(idx types.MessageIndex)) error {
	if len(s.pending) == 0 {
		return writeFinishBit(w)
	}

	written := 0
	for _, p := range s.pending {
		c := w.Counter()
		if err := writeContinueBit(c); err != nil {
			break
		}
		if err := wire.WriteU16(c, uint16(p.index)); err != nil {
			break
		}
		if err := wire.WriteU16(c, uint16(p.msg.Kind())); err != nil {
			break
		}
		if err := p.msg.WriteTo(c, conv); err != nil {
			break
		}
		if c.Overflowed() {
			break
		}

		if err := writeContinueBit(w); err != nil {
			return err
		}
		if err := wire.WriteU16(w, uint16(p.index)); err != nil {
			return err
		}
		if err := wire.WriteU16(w, uint16(p.msg.Kind())); err != nil {
			return err
		}
		if err := p.msg.WriteTo(w, conv); err != nil {
			return err
		}
		if onSent != nil {
			onSent(p.index)
		}
		written++
	}

	s.pending = s.pending[written:]
	return writeFinishBit(w)
}

// UnorderedUnreliableReceiver delivers whatever arrives, in arrival order,
// with no dedup.
type UnorderedUnreliableReceiver struct{}

func NewUnorderedUnreliableReceiver() *UnorderedUnreliableReceiver {
	return &UnorderedUnreliableReceiver{}
}

func (r *UnorderedUnreliableReceiver) ReadMessages(reader *wire.Reader, conv types.EntityConverter) ([]types.Message, error) {
	return readUnreliableSection(reader, conv)
}

// SequencedUnreliableReceiver drops strictly-older indices, delivering only
// newest-wins.
type SequencedUnreliableReceiver struct {
	haveLast bool
	last     types.MessageIndex
}

func NewSequencedUnreliableReceiver() *SequencedUnreliableReceiver {
	return &SequencedUnreliableReceiver{}
}

func (r *SequencedUnreliableReceiver) ReadMessages(reader *wire.Reader, conv types.EntityConverter) ([]types.Message, error) {
	all, err := readUnreliableSectionIndexed(reader, conv)
	if err != nil {
		return nil, err
	}
	var out []types.Message
	for _, m := range all {
		if r.haveLast && !wire.SequenceGreaterThan(uint16(m.index), uint16(r.last)) {
			continue
		}
		r.haveLast = true
		r.last = m.index
		out = append(out, m.msg)
	}
	return out, nil
}

type indexedMessage struct {
	index types.MessageIndex
	msg   types.Message
}

func readUnreliableSectionIndexed(r *wire.Reader, conv types.EntityConverter) ([]indexedMessage, error) {
	var out []indexedMessage
	for {
		cont, err := r.ReadBit()
		if err != nil {
			return nil, err
		}
		if !cont {
			return out, nil
		}
		idx, err := wire.ReadU16(r)
		if err != nil {
			return nil, err
		}
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
		out = append(out, indexedMessage{index: types.MessageIndex(idx), msg: msg})
	}
}

func readUnreliableSection(r *wire.Reader, conv types.EntityConverter) ([]types.Message, error) {
	indexed, err := readUnreliableSectionIndexed(r, conv)
	if err != nil {
		return nil, err
	}
	out := make([]types.Message, 0, len(indexed))
	for _, m := range indexed {
		out = append(out, m.msg)
	}
	return out, nil
}
