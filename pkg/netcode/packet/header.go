// Package packet implements the standard datagram header and the ack
// manager that tracks which sent packets the peer has since acknowledged.
package packet

import (
	"github.com/jabolina/go-netcode/pkg/netcode/types"
	"github.com/jabolina/go-netcode/pkg/netcode/wire"
)

// Header is the fixed prefix every datagram starts with.
type Header struct {
	PacketType      types.PacketType
	PacketIndex     types.PacketIndex
	AckLastReceived types.PacketIndex
	AckBitfield     uint16
}

// Serialize writes the header fields in wire order.
func (h Header) Serialize(w wire.BitSink) error {
	if err := w.WriteByte(byte(h.PacketType)); err != nil {
		return err
	}
	if err := wire.WriteU16(w, uint16(h.PacketIndex)); err != nil {
		return err
	}
	if err := wire.WriteU16(w, uint16(h.AckLastReceived)); err != nil {
		return err
	}
	return wire.WriteU16(w, h.AckBitfield)
}

// Deserialize reads a Header from r.
func (h *Header) Deserialize(r *wire.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	h.PacketType = types.PacketType(b)

	idx, err := wire.ReadU16(r)
	if err != nil {
		return err
	}
	h.PacketIndex = types.PacketIndex(idx)

	ack, err := wire.ReadU16(r)
	if err != nil {
		return err
	}
	h.AckLastReceived = types.PacketIndex(ack)

	bitfield, err := wire.ReadU16(r)
	if err != nil {
		return err
	}
	h.AckBitfield = bitfield
	return nil
}

// HeaderBits is the fixed cost of a Header, reserved up front by every
// sender before it starts packing the payload.
const HeaderBits = 8 + 16 + 16 + 16
