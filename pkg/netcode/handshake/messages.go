// Package handshake implements the five-step challenge/validate/connect
// state machine on both sides of a connection attempt, HMAC-signed
// timestamps for anti-amplification, and the time-sync ping/pong exchange
// that seeds the client's tick manager.
package handshake

import (
	"github.com/jabolina/go-netcode/pkg/netcode/types"
	"github.com/jabolina/go-netcode/pkg/netcode/wire"
)

// macSize is the width of the HMAC-SHA256 digest carried by every signed
// handshake message.
const macSize = 32

// MAC is an HMAC-SHA256 digest over a client timestamp.
type MAC [macSize]byte

func writeMAC(w wire.BitSink, m MAC) error {
	return wire.WriteBytes(w, m[:])
}

func readMAC(r *wire.Reader) (MAC, error) {
	var m MAC
	b, err := wire.ReadBytes(r, macSize)
	if err != nil {
		return m, err
	}
	copy(m[:], b)
	return m, nil
}

func writeString(w wire.BitSink, s string) error {
	b := []byte(s)
	if err := wire.WriteUVarInt3(w, uint64(len(b))); err != nil {
		return err
	}
	return wire.WriteBytes(w, b)
}

func readString(r *wire.Reader) (string, error) {
	n, err := wire.ReadUVarInt3(r)
	if err != nil {
		return "", err
	}
	b, err := wire.ReadBytes(r, int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ChallengeRequest is step 1: client -> server.
type ChallengeRequest struct {
	Timestamp     uint64
	IdentityToken string
}

func (m *ChallengeRequest) Serialize(w wire.BitSink) error {
	if err := wire.WriteU64(w, m.Timestamp); err != nil {
		return err
	}
	return writeString(w, m.IdentityToken)
}

func (m *ChallengeRequest) Deserialize(r *wire.Reader) error {
	ts, err := wire.ReadU64(r)
	if err != nil {
		return err
	}
	tok, err := readString(r)
	if err != nil {
		return err
	}
	m.Timestamp, m.IdentityToken = ts, tok
	return nil
}

// ChallengeResponse is step 2: server -> client, echoing the client's
// timestamp alongside its HMAC under the server's per-process key.
type ChallengeResponse struct {
	Timestamp uint64
	MAC       MAC
}

func (m *ChallengeResponse) Serialize(w wire.BitSink) error {
	if err := wire.WriteU64(w, m.Timestamp); err != nil {
		return err
	}
	return writeMAC(w, m.MAC)
}

func (m *ChallengeResponse) Deserialize(r *wire.Reader) error {
	ts, err := wire.ReadU64(r)
	if err != nil {
		return err
	}
	mac, err := readMAC(r)
	if err != nil {
		return err
	}
	m.Timestamp, m.MAC = ts, mac
	return nil
}

// ValidateRequest is step 3: client -> server, proving receipt of the
// server's HMAC.
type ValidateRequest struct {
	Timestamp uint64
	MAC       MAC
}

func (m *ValidateRequest) Serialize(w wire.BitSink) error {
	if err := wire.WriteU64(w, m.Timestamp); err != nil {
		return err
	}
	return writeMAC(w, m.MAC)
}

func (m *ValidateRequest) Deserialize(r *wire.Reader) error {
	ts, err := wire.ReadU64(r)
	if err != nil {
		return err
	}
	mac, err := readMAC(r)
	if err != nil {
		return err
	}
	m.Timestamp, m.MAC = ts, mac
	return nil
}

// ValidateResponse is step 4: server -> client, empty beyond its subtype
// byte.
type ValidateResponse struct{}

func (m *ValidateResponse) Serialize(wire.BitSink) error    { return nil }
func (m *ValidateResponse) Deserialize(*wire.Reader) error { return nil }

// ConnectRequest is step 6's first half: client -> server.
type ConnectRequest struct{}

func (m *ConnectRequest) Serialize(wire.BitSink) error    { return nil }
func (m *ConnectRequest) Deserialize(*wire.Reader) error { return nil }

// ConnectResponse is step 6's second half: server -> client. Receiving it
// moves the client to Connected.
type ConnectResponse struct{}

func (m *ConnectResponse) Serialize(wire.BitSink) error    { return nil }
func (m *ConnectResponse) Deserialize(*wire.Reader) error { return nil }

// Disconnect carries the client's original (timestamp, MAC) so the server
// can confirm it matches the address it associated with the handshake
// before tearing the connection down.
type Disconnect struct {
	Timestamp uint64
	MAC       MAC
}

func (m *Disconnect) Serialize(w wire.BitSink) error {
	if err := wire.WriteU64(w, m.Timestamp); err != nil {
		return err
	}
	return writeMAC(w, m.MAC)
}

func (m *Disconnect) Deserialize(r *wire.Reader) error {
	ts, err := wire.ReadU64(r)
	if err != nil {
		return err
	}
	mac, err := readMAC(r)
	if err != nil {
		return err
	}
	m.Timestamp, m.MAC = ts, mac
	return nil
}

// Ping is the general PacketPing payload used during the time-sync phase
//, distinct from the Handshake packet's sub-type
// messages above.
type Ping struct {
	SendTimestampMs uint64
}

func (m *Ping) Serialize(w wire.BitSink) error { return wire.WriteU64(w, m.SendTimestampMs) }
func (m *Ping) Deserialize(r *wire.Reader) error {
	v, err := wire.ReadU64(r)
	m.SendTimestampMs = v
	return err
}

// Pong is the PacketPong reply, echoing the client's send timestamp and
// attaching the server's current tick so the client can seed its tick
// manager's initial offset.
type Pong struct {
	ClientSendTimestampMs uint64
	ServerTick            types.Tick
}

func (m *Pong) Serialize(w wire.BitSink) error {
	if err := wire.WriteU64(w, m.ClientSendTimestampMs); err != nil {
		return err
	}
	return wire.WriteU16(w, uint16(m.ServerTick))
}

func (m *Pong) Deserialize(r *wire.Reader) error {
	ts, err := wire.ReadU64(r)
	if err != nil {
		return err
	}
	tick, err := wire.ReadU16(r)
	if err != nil {
		return err
	}
	m.ClientSendTimestampMs, m.ServerTick = ts, types.Tick(tick)
	return nil
}

// encodeHandshake writes a standard zero-ack Header tagged PacketHandshake,
// the sub-type byte, and body, returning the packet bytes. Handshake
// packets precede the existence of a Connection's AckManager, so their
// header's ack fields are always zero; they are never fed into an
// AckManager.
func encodeHandshake(subType types.HandshakeSubType, body wire.Serde, mtuBytes int) ([]byte, error) {
	w := wire.NewWriter(mtuBytes)
	if err := w.WriteByte(byte(types.PacketHandshake)); err != nil {
		return nil, err
	}
	if err := wire.WriteU16(w, 0); err != nil { // packet_index
		return nil, err
	}
	if err := wire.WriteU16(w, 0); err != nil { // ack_last_received
		return nil, err
	}
	if err := wire.WriteU16(w, 0); err != nil { // ack_bitfield
		return nil, err
	}
	if err := w.WriteByte(byte(subType)); err != nil {
		return nil, err
	}
	if err := body.Serialize(w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// decodeHandshake strips the standard header and sub-type byte, returning
// the sub-type and a Reader positioned at the body.
func decodeHandshake(payload []byte) (types.HandshakeSubType, *wire.Reader, error) {
	r := wire.NewReader(payload)
	if _, err := r.ReadByte(); err != nil { // packet_type, caller already checked
		return 0, nil, err
	}
	for i := 0; i < 3; i++ { // packet_index, ack_last_received, ack_bitfield
		if _, err := wire.ReadU16(r); err != nil {
			return 0, nil, err
		}
	}
	sub, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	return types.HandshakeSubType(sub), r, nil
}

// encodeTimeSync writes a standard zero-ack Header tagged pt, followed by
// body, used for the Ping/Pong exchange.
func encodeTimeSync(pt types.PacketType, body wire.Serde, mtuBytes int) ([]byte, error) {
	w := wire.NewWriter(mtuBytes)
	if err := w.WriteByte(byte(pt)); err != nil {
		return nil, err
	}
	if err := wire.WriteU16(w, 0); err != nil {
		return nil, err
	}
	if err := wire.WriteU16(w, 0); err != nil {
		return nil, err
	}
	if err := wire.WriteU16(w, 0); err != nil {
		return nil, err
	}
	if err := body.Serialize(w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func decodeTimeSyncBody(payload []byte) (*wire.Reader, error) {
	r := wire.NewReader(payload)
	if _, err := r.ReadByte(); err != nil {
		return nil, err
	}
	for i := 0; i < 3; i++ {
		if _, err := wire.ReadU16(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}
