package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTripBytes(t *testing.T) {
	w := NewWriter(64)
	for _, b := range []byte{0x00, 0xff, 0x5a, 0x01, 0x80} {
		require.NoError(t, w.WriteByte(b))
	}

	r := NewReader(w.Bytes())
	for _, want := range []byte{0x00, 0xff, 0x5a, 0x01, 0x80} {
		got, err := r.ReadByte()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestWriterReaderRoundTripBits(t *testing.T) {
	bits := []bool{true, false, false, true, true, true, false, false, true, true}
	w := NewWriter(8)
	for _, b := range bits {
		require.NoError(t, w.WriteBit(b))
	}

	r := NewReader(w.Bytes())
	for _, want := range bits {
		got, err := r.ReadBit()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestUVarIntRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 2, 3, 7, 8, 63, 64, 300, 1 << 20, 1<<40 + 7}
	for _, groupBits := range []uint{2, 3} {
		for _, v := range values {
			w := NewWriter(32)
			require.NoError(t, WriteUVarInt(w, v, groupBits))
			r := NewReader(w.Bytes())
			got, err := ReadUVarInt(r, groupBits)
			require.NoError(t, err)
			assert.Equal(t, v, got, "groupBits=%d value=%d", groupBits, v)
		}
	}
}

func TestCounterMatchesWriterCost(t *testing.T) {
	c := NewCounter(1024)
	require.NoError(t, WriteUVarInt3(c, 123456))

	w := NewWriter(1024 / 8)
	require.NoError(t, WriteUVarInt3(w, 123456))

	assert.Equal(t, c.BitsUsed(), w.BitsUsed())
}

func TestCounterOverflow(t *testing.T) {
	c := NewCounter(4)
	require.NoError(t, c.WriteBit(true))
	require.NoError(t, c.WriteBit(true))
	require.NoError(t, c.WriteBit(true))
	require.NoError(t, c.WriteBit(true))
	assert.ErrorIs(t, c.WriteBit(true), ErrOverflow)
	assert.True(t, c.Overflowed())
}

func TestWriterReservationPreventsOverflow(t *testing.T) {
	w := NewWriter(1) // 8 bits total
	w.ReserveBits(2)
	for i := 0; i < 6; i++ {
		require.NoError(t, w.WriteBit(true))
	}
	assert.ErrorIs(t, w.WriteBit(true), ErrOverflow)
	assert.Equal(t, 0, w.BitsFree())
	w.ReleaseBits(2)
	assert.Equal(t, 2, w.BitsFree())
}

func TestSequenceArithmeticWrapsAround(t *testing.T) {
	assert.True(t, SequenceGreaterThan(1, 0))
	assert.True(t, SequenceLessThan(0, 1))
	// wrap-around: 0 is "ahead of" 65535
	assert.True(t, SequenceGreaterThan(0, 65535))
	assert.True(t, SequenceLessThan(65535, 0))
	assert.Equal(t, int32(1), WrappingDiff(1, 0))
	assert.Equal(t, int32(1), WrappingDiff(0, 65535))
	assert.True(t, SequenceLessThanOrEqual(5, 5))
}

func TestReaderErrorsOnPastEnd(t *testing.T) {
	r := NewReader([]byte{0x01})
	_, err := r.ReadByte()
	require.NoError(t, err)
	_, err = r.ReadBit()
	assert.ErrorIs(t, err, ErrSerde)
}
