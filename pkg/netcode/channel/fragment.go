package channel

import (
	"github.com/jabolina/go-netcode/pkg/netcode/types"
	"github.com/jabolina/go-netcode/pkg/netcode/wire"
)

// fragmentKind is the MessageKind reserved for fragment envelopes. It is
// registered internally, never by application code, so it can never
// collide with a real MessageKind.
const fragmentKind types.MessageKind = 0xFFFF

// fragmentEnvelope carries one slice of an oversized message.
type fragmentEnvelope struct {
	fragmentID     uint16
	fragmentIndex  uint16
	totalFragments uint16
	payload        []byte
}

func (f *fragmentEnvelope) Kind() types.MessageKind        { return fragmentKind }
func (f *fragmentEnvelope) Entities() []types.GlobalEntity { return nil }

func (f *fragmentEnvelope) WriteTo(w wire.BitSink, _ types.EntityConverter) error {
	if err := wire.WriteU16(w, f.fragmentID); err != nil {
		return err
	}
	if err := wire.WriteU16(w, f.fragmentIndex); err != nil {
		return err
	}
	if err := wire.WriteU16(w, f.totalFragments); err != nil {
		return err
	}
	if err := wire.WriteU16(w, uint16(len(f.payload))); err != nil {
		return err
	}
	return wire.WriteBytes(w, f.payload)
}

func (f *fragmentEnvelope) ReadFrom(r *wire.Reader, _ types.EntityConverter) error {
	var err error
	var v uint16
	if v, err = wire.ReadU16(r); err != nil {
		return err
	}
	f.fragmentID = v
	if v, err = wire.ReadU16(r); err != nil {
		return err
	}
	f.fragmentIndex = v
	if v, err = wire.ReadU16(r); err != nil {
		return err
	}
	f.totalFragments = v
	if v, err = wire.ReadU16(r); err != nil {
		return err
	}
	f.payload, err = wire.ReadBytes(r, int(v))
	return err
}

func init() {
	types.RegisterMessage(fragmentKind, func() types.Message { return &fragmentEnvelope{} })
}

// fragmentBytesLimit is how many payload bytes one fragmentEnvelope carries:
// limitBits less the envelope's four 16-bit fixed fields, in whole bytes,
// and never less than one byte.
func fragmentBytesLimit(limitBits uint32) int {
	const envelopeFixedBits = 16 * 4
	bits := int(limitBits) - envelopeFixedBits
	if bits < 8 {
		bits = 8
	}
	return bits / 8
}

// Fragment splits msg's serialized form into envelopes carrying at most
// limitBits worth of payload each, one per ceil(bits/limit) piece. msg is
// written once at full size to measure its cost, then the
// resulting bytes are sliced.
func Fragment(msg types.Message, conv types.EntityConverter, fragmentID uint16, limitBits uint32, mtuBytes int) ([]types.Message, error) {
	w := wire.NewWriter(mtuBytes * 8) // generous scratch buffer; payload itself governs real size
	if err := wire.WriteU16(w, uint16(msg.Kind())); err != nil {
		return nil, err
	}
	if err := msg.WriteTo(w, conv); err != nil {
		return nil, err
	}
	full := w.Bytes()

	chunkSize := fragmentBytesLimit(limitBits)
	total := (len(full) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}

	out := make([]types.Message, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(full) {
			end = len(full)
		}
		out = append(out, &fragmentEnvelope{
			fragmentID:     fragmentID,
			fragmentIndex:  uint16(i),
			totalFragments: uint16(total),
			payload:        append([]byte(nil), full[start:end]...),
		})
	}
	return out, nil
}

// Defragmenter buffers fragments keyed by fragmentID until every piece has
// arrived, then yields the reconstructed message.
type Defragmenter struct {
	partial map[uint16][][]byte
	total   map[uint16]uint16
}

func NewDefragmenter() *Defragmenter {
	return &Defragmenter{
		partial: make(map[uint16][][]byte),
		total:   make(map[uint16]uint16),
	}
}

// Absorb feeds one fragment envelope in; when it completes a message it
// returns the reassembled kind+payload reader, ready for the caller to
// dispatch through types.NewMessage + ReadFrom.
func (d *Defragmenter) Absorb(env *fragmentEnvelope) (*wire.Reader, bool) {
	slots, ok := d.partial[env.fragmentID]
	if !ok {
		slots = make([][]byte, env.totalFragments)
		d.partial[env.fragmentID] = slots
		d.total[env.fragmentID] = env.totalFragments
	}
	slots[env.fragmentIndex] = env.payload

	for _, s := range slots {
		if s == nil {
			return nil, false
		}
	}

	var full []byte
	for _, s := range slots {
		full = append(full, s...)
	}
	delete(d.partial, env.fragmentID)
	delete(d.total, env.fragmentID)
	return wire.NewReader(full), true
}

// IsFragment reports whether msg is a fragment envelope, and returns it
// cast, for the channel read path to special-case.
func IsFragment(msg types.Message) (*fragmentEnvelope, bool) {
	env, ok := msg.(*fragmentEnvelope)
	return env, ok
}
