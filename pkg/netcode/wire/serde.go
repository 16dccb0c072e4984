package wire

// Serde is the contract every wire-level type implements: serialize against
// any BitSink (so callers can dry-run with a Counter before committing to a
// real Writer) and deserialize from a Reader; headers, messages, and
// component properties all share it.
type Serde interface {
	Serialize(w BitSink) error
	Deserialize(r *Reader) error
}

// WriteU16 / ReadU16 and WriteU64 / ReadU64 are the fixed-width big-endian
// primitives the wire formats build on (packet indices, acks, ticks,
// NetEntity ids, component/message kinds).
func WriteU16(w BitSink, v uint16) error {
	if err := w.WriteByte(byte(v >> 8)); err != nil {
		return err
	}
	return w.WriteByte(byte(v))
}

func ReadU16(r *Reader) (uint16, error) {
	hi, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	lo, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	return uint16(hi)<<8 | uint16(lo), nil
}

func WriteU64(w BitSink, v uint64) error {
	for i := 7; i >= 0; i-- {
		if err := w.WriteByte(byte(v >> uint(i*8))); err != nil {
			return err
		}
	}
	return nil
}

func ReadU64(r *Reader) (uint64, error) {
	var v uint64
	for i := 0; i < 8; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v = v<<8 | uint64(b)
	}
	return v, nil
}

func WriteBytes(w BitSink, b []byte) error {
	for _, c := range b {
		if err := w.WriteByte(c); err != nil {
			return err
		}
	}
	return nil
}

func ReadBytes(r *Reader, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}
