// Package conn composes one Connection per peer out of every lower layer:
// the ack manager, the channel manager, the tick-buffered channel, the
// host/remote world managers, the jitter buffer, and (client-side) the
// tick manager. Scheduling is single-threaded cooperative per
// Connection: all state mutation happens between the explicit SendTick and
// ReceiveTick/Ingest driver calls.
package conn

import (
	"time"

	"github.com/jabolina/go-netcode/pkg/netcode/channel"
	"github.com/jabolina/go-netcode/pkg/netcode/diff"
	"github.com/jabolina/go-netcode/pkg/netcode/jitter"
	"github.com/jabolina/go-netcode/pkg/netcode/packet"
	"github.com/jabolina/go-netcode/pkg/netcode/tick"
	"github.com/jabolina/go-netcode/pkg/netcode/tickbuffer"
	"github.com/jabolina/go-netcode/pkg/netcode/types"
	"github.com/jabolina/go-netcode/pkg/netcode/wire"
	"github.com/jabolina/go-netcode/pkg/netcode/worldmgr"
)

// diffSend is one (entity, component) update this connection drained into
// an outgoing packet, kept around so a later ack/drop notification can
// reach the right diff.Handler call.
type diffSend struct {
	entity types.GlobalEntity
	kind   types.ComponentKind
}

// Connection is one peer's worth of replication state. The same type backs
// both directions: a server's Connection to one client carries a
// HostWorldManager (entities it replicates out) and, if that client also
// owns delegated entities, a RemoteWorldManager; a client's Connection to
// its server carries the reverse, plus the tick manager that only makes
// sense looking at a server's clock.
type Connection struct {
	cfg      types.Config
	mtuBytes int
	addr     string

	ack      *packet.AckManager
	channels *channel.Manager

	tickSender   *tickbuffer.Sender
	tickReceiver *tickbuffer.Receiver
	commandConv  types.EntityConverter

	host   *worldmgr.HostWorldManager
	remote *worldmgr.RemoteWorldManager

	diffHandler *diff.Handler
	user        diff.UserKey

	jitterBuf *jitter.Buffer
	tickMgr   *tick.Manager

	rttMillis, jitterMillis float64
	lastReceivedAt          time.Time
	lastSentAt              time.Time

	bytesSent, bytesReceived     uint64
	packetsSent, packetsReceived uint64

	diffSentInPacket map[types.PacketIndex][]diffSend
}

// Option configures optional pieces of a Connection at construction.
type Option func(*Connection)

// WithHostWorldManager attaches host-side scope/action bookkeeping,
// present whenever this Connection's local side replicates entities out to
// the peer.
func WithHostWorldManager(host *worldmgr.HostWorldManager, dh *diff.Handler, user diff.UserKey) Option {
	return func(c *Connection) {
		c.host = host
		c.diffHandler = dh
		c.user = user
		c.ack.RegisterNotifiable(host)
		host.SetResendPolicy(c.cfg.RTTResendFactor, func() time.Duration {
			return time.Duration(c.rttMillis * float64(time.Millisecond))
		})
	}
}

// WithRemoteWorldManager attaches the automaton that decodes entity
// actions and component updates the peer sends this side.
func WithRemoteWorldManager(remote *worldmgr.RemoteWorldManager) Option {
	return func(c *Connection) { c.remote = remote }
}

// WithTickBufferSender attaches the client-side tick-buffered command
// sender. conv resolves entity references the command messages embed.
func WithTickBufferSender(conv types.EntityConverter) Option {
	return func(c *Connection) {
		c.tickSender = tickbuffer.NewSender()
		c.commandConv = conv
	}
}

// WithTickBufferReceiver attaches the server-side tick-buffered command
// receiver. factory decodes the single command message type this
// connection's tick buffer carries.
func WithTickBufferReceiver(factory func() types.Message, conv types.EntityConverter) Option {
	return func(c *Connection) {
		c.tickReceiver = tickbuffer.NewReceiver(factory)
		c.commandConv = conv
	}
}

// WithTickManager attaches the client-side PLL tick clock.
func WithTickManager(tm *tick.Manager) Option {
	return func(c *Connection) { c.tickMgr = tm }
}

// NewConnection constructs a Connection to the peer at addr. cfg supplies
// the fragmentation limit, MTU, and resend factors the channel manager and
// world managers are built with.
func NewConnection(cfg types.Config, addr string, opts ...Option) *Connection {
	c := &Connection{
		cfg:              cfg,
		mtuBytes:         int(cfg.MTUBytes),
		addr:             addr,
		ack:              packet.NewAckManager(),
		jitterBuf:        jitter.NewBuffer(),
		diffSentInPacket: make(map[types.PacketIndex][]diffSend),
	}
	mgr := channel.NewManager(cfg.FragmentationLimitBits, int(cfg.MTUBytes), cfg.RTTResendFactor, func() time.Duration {
		return time.Duration(c.rttMillis * float64(time.Millisecond))
	})
	c.channels = mgr

	ack := c.ack
	for _, rs := range mgr.ReliableSenders() {
		ack.RegisterNotifiable(rs)
	}
	ack.RegisterNotifiable(diffNotifiable{c})

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RecordRTTSample folds in a fresh round-trip measurement, used both by the
// channel manager's resend timers (via the closure passed to NewManager)
// and by the tick manager if one is attached. The connection itself keeps
// no resend-factor-bearing state beyond forwarding these samples.
func (c *Connection) RecordRTTSample(rttMillis, jitterMillis float64) {
	c.rttMillis = rttMillis
	c.jitterMillis = jitterMillis
	if c.tickMgr != nil {
		c.tickMgr.RecordLatency(rttMillis, jitterMillis)
	}
}

// LastReceivedAt reports when this connection last successfully decoded an
// inbound packet, used by the host application to drive disconnection
// timeouts.
func (c *Connection) LastReceivedAt() time.Time { return c.lastReceivedAt }

// Addr returns the peer address this connection talks to.
func (c *Connection) Addr() string { return c.addr }

// Snapshot reports this connection's current traffic and reliability
// counters, pulled by stats.ConnectionCollector at scrape time rather than
// pushed on every state change.
func (c *Connection) Snapshot() types.ConnectionStats {
	pending := 0
	if c.host != nil {
		pending = len(c.host.PendingActions())
	}
	return types.ConnectionStats{
		Addr:               c.addr,
		RTTMillis:          c.rttMillis,
		JitterMillis:       c.jitterMillis,
		BytesSent:          c.bytesSent,
		BytesReceived:      c.bytesReceived,
		PacketsSent:        c.packetsSent,
		PacketsReceived:    c.packetsReceived,
		OutstandingAcks:    c.ack.OutstandingCount(),
		PendingHostActions: pending,
		LastReceivedAt:     c.lastReceivedAt,
	}
}

// Send assembles one outgoing Data packet: header, tick, tick-buffered
// messages, the five message channels, entity actions, and component
// updates, each section finish-bit terminated. localTick is
// stamped in the header; sendingTick bounds which tick-buffered entries are
// due. An empty-body packet (nothing queued anywhere) is
// still returned; callers that only want to send when there's something
// new should check channel/world manager emptiness themselves, or fall
// back to BuildHeartbeat.
func (c *Connection) Send(localTick types.Tick, sendingTick types.Tick) ([]byte, error) {
	w := wire.NewWriter(c.mtuBytes)

	pi := c.ack.NextOutgoingIndex()
	ackLast, ackBits := c.ack.OutgoingHeaderFields()
	header := packet.Header{
		PacketType:      types.PacketData,
		PacketIndex:     pi,
		AckLastReceived: ackLast,
		AckBitfield:     ackBits,
	}
	if err := header.Serialize(w); err != nil {
		return nil, err
	}
	if err := wire.WriteU16(w, uint16(localTick)); err != nil {
		return nil, err
	}

	// One bit per trailing section terminator is reserved before any
	// section is written, so a section that fills the packet exactly still
	// leaves room for every remaining finish bit. Each section writer
	// releases its bit as it writes the terminator, and the per-element
	// counter dry-runs measure against the reduced budget.
	sections := 1 + len(c.channels.Channels()) + 2 // tick-buffered, channels, entity actions, component updates
	w.ReserveBits(sections)

	if c.tickSender != nil {
		written, err := c.tickSender.WriteEntries(w, c.commandConv, sendingTick)
		if err != nil {
			return nil, err
		}
		// Acks for tick-buffered entries are routed by (tick, index), not
		// by packet index: a dropped packet simply leaves the entry in
		// the sender, to be rewritten verbatim on the next opportunity
		//, so there is nothing to note here beyond what
		// WriteEntries already recorded internally.
		_ = written
	} else {
		w.ReleaseBits(1)
		if err := w.WriteBit(false); err != nil {
			return nil, err
		}
	}

	for _, ch := range c.channels.Channels() {
		var sent []types.MessageIndex
		if err := c.channels.WriteChannel(ch, w, c.channelConv(), func(idx types.MessageIndex) {
			sent = append(sent, idx)
		}); err != nil {
			return nil, err
		}
		if rs, ok := c.channels.ReliableSenderFor(ch); ok {
			rs.NotePacketContents(pi, sent)
		}
	}

	if c.host != nil {
		actionIdx, err := c.host.WriteEntityActions(w, c.channelConv())
		if err != nil {
			return nil, err
		}
		c.host.NotePacketContents(pi, actionIdx)

		var sentDiffs []diffSend
		err = c.host.WriteComponentUpdates(w, c.diffHandler, c.user, func(entity types.GlobalEntity, kind types.ComponentKind) {
			sentDiffs = append(sentDiffs, diffSend{entity: entity, kind: kind})
		})
		if err != nil {
			return nil, err
		}
		if len(sentDiffs) > 0 {
			c.diffSentInPacket[pi] = sentDiffs
		}
	} else {
		w.ReleaseBits(1)
		if err := w.WriteBit(false); err != nil { // empty entity_actions
			return nil, err
		}
		w.ReleaseBits(1)
		if err := w.WriteBit(false); err != nil { // empty component_updates
			return nil, err
		}
	}

	c.lastSentAt = time.Now()
	out := w.Bytes()
	c.bytesSent += uint64(len(out))
	c.packetsSent++
	return out, nil
}

// BuildHeartbeat encodes a bodiless PacketHeartbeat, sent to keep a
// connection alive past disconnection_timeout_ms when no other traffic is
// due.
func (c *Connection) BuildHeartbeat() ([]byte, error) {
	w := wire.NewWriter(c.mtuBytes)
	pi := c.ack.NextOutgoingIndex()
	ackLast, ackBits := c.ack.OutgoingHeaderFields()
	header := packet.Header{
		PacketType:      types.PacketHeartbeat,
		PacketIndex:     pi,
		AckLastReceived: ackLast,
		AckBitfield:     ackBits,
	}
	if err := header.Serialize(w); err != nil {
		return nil, err
	}
	out := w.Bytes()
	c.bytesSent += uint64(len(out))
	c.packetsSent++
	return out, nil
}

// channelConv picks whichever world manager this side has to translate
// NetEntity/GlobalEntity references embedded in message payloads. A
// Connection with neither attached (a pure message-only link) gets a
// converter that always fails, which is fine as long as no message on it
// carries an EntityProperty.
func (c *Connection) channelConv() types.EntityConverter {
	switch {
	case c.host != nil:
		return c.host
	case c.remote != nil:
		return c.remote
	default:
		return noopConverter{}
	}
}

type noopConverter struct{}

func (noopConverter) GlobalEntityToNetEntity(types.GlobalEntity) (types.NetEntity, bool) { return 0, false }
func (noopConverter) NetEntityToGlobalEntity(types.NetEntity) (types.GlobalEntity, bool) { return 0, false }

// Ingest processes one inbound datagram's standard header: it updates the
// ack manager (firing delivered/dropped notifications on this side's own
// sent packets) and, for Data packets, pushes the remaining payload into
// the jitter buffer keyed by its embedded tick. Heartbeat packets update
// LastReceivedAt and are
// otherwise a no-op; any other packet type is the caller's responsibility
// (handshake/ping-pong are handled before a Connection exists).
func (c *Connection) Ingest(payload []byte) error {
	r := wire.NewReader(payload)
	var h packet.Header
	if err := h.Deserialize(r); err != nil {
		return err
	}

	c.lastReceivedAt = time.Now()
	c.bytesReceived += uint64(len(payload))
	c.packetsReceived++
	c.ack.RecordReceived(h.PacketIndex)
	c.ack.ApplyRemoteHeader(h)

	if h.PacketType != types.PacketData {
		return nil
	}

	tickVal, err := wire.ReadU16(r)
	if err != nil {
		return err
	}
	if c.tickMgr != nil {
		c.tickMgr.RecordServerTick(types.Tick(tickVal), 0, c.rttMillis, c.jitterMillis)
	}
	c.jitterBuf.Push(types.Tick(tickVal), r)
	return nil
}

// DrainReady releases every jitter-buffered packet whose tick is now
// ready, decoding each one's
// tick-buffered/messages/entity-actions/component-updates sections in turn
// and returning the Events they produce. localTick is the tick this side's
// own simulation/command receiver should evaluate "in the past" against.
func (c *Connection) DrainReady(receivingTick types.Tick, localTick types.Tick) ([]types.Event, error) {
	var events []types.Event
	for _, e := range c.jitterBuf.DrainUpTo(receivingTick) {
		got, err := c.decodePacketBody(e.Reader, localTick)
		events = append(events, got...)
		if err != nil {
			return events, err
		}
	}
	return events, nil
}

func (c *Connection) decodePacketBody(r *wire.Reader, localTick types.Tick) ([]types.Event, error) {
	var events []types.Event

	if c.tickReceiver != nil {
		if err := c.tickReceiver.ReadEntries(r, c.commandConv, localTick); err != nil {
			return events, err
		}
	} else {
		if _, err := r.ReadBit(); err != nil { // empty tick-buffered section
			return events, err
		}
	}

	for _, ch := range c.channels.Channels() {
		msgs, err := c.channels.ReadChannel(ch, r, c.channelConv())
		if err != nil {
			return events, err
		}
		for _, msg := range msgs {
			events = append(events, types.MessageEvent{Channel: ch, Message: msg})
		}
	}

	if c.remote != nil {
		actionEvents, err := c.remote.ReadEntityActions(r)
		events = append(events, actionEvents...)
		if err != nil {
			return events, err
		}

		for {
			cont, err := r.ReadBit()
			if err != nil {
				return events, err
			}
			if !cont {
				break
			}
			updateEvents, err := c.remote.ReadComponentUpdates(r)
			events = append(events, updateEvents...)
			if err != nil {
				return events, err
			}
		}
	} else {
		if _, err := r.ReadBit(); err != nil { // empty entity_actions
			return events, err
		}
		if _, err := r.ReadBit(); err != nil { // empty component_updates outer continue bit
			return events, err
		}
	}

	return events, nil
}

// DeliverTickBuffered returns every command tagged exactly localTick,
// called once per simulation tick advance on the server side.
func (c *Connection) DeliverTickBuffered(localTick types.Tick) []types.Message {
	if c.tickReceiver == nil {
		return nil
	}
	return c.tickReceiver.DeliverAt(localTick)
}

// EnqueueCommand queues msg for delivery at clientTick on the client-side
// tick-buffered sender.
func (c *Connection) EnqueueCommand(clientTick types.Tick, msg types.Message) tickbuffer.ShortMessageIndex {
	return c.tickSender.Enqueue(clientTick, msg)
}

// SendMessage queues msg for delivery on ch, the host application's entry
// point for everything but tick-buffered commands. Entity
// references the message embeds are translated through whichever world
// manager this side carries when Send next writes the channel's section.
func (c *Connection) SendMessage(ch types.ChannelKind, msg types.Message) error {
	return c.channels.Send(ch, msg, c.channelConv())
}

// PruneTickBuffer drops tick-buffered entries that can no longer reach the
// server in time, called once per send opportunity ahead of Send.
func (c *Connection) PruneTickBuffer(serverReceivableTick types.Tick) {
	if c.tickSender != nil {
		c.tickSender.Prune(serverReceivableTick)
	}
}

// diffNotifiable routes ack-manager delivered/dropped callbacks to the
// diff handler entries this Connection drained into each packet.
type diffNotifiable struct{ c *Connection }

func (d diffNotifiable) NotifyPacketDelivered(pi types.PacketIndex) {
	entries, ok := d.c.diffSentInPacket[pi]
	if !ok {
		return
	}
	delete(d.c.diffSentInPacket, pi)
	for _, e := range entries {
		d.c.diffHandler.AckSend(e.entity, e.kind, d.c.user)
	}
}

func (d diffNotifiable) NotifyPacketDropped(pi types.PacketIndex) {
	entries, ok := d.c.diffSentInPacket[pi]
	if !ok {
		return
	}
	delete(d.c.diffSentInPacket, pi)
	for _, e := range entries {
		d.c.diffHandler.DropSend(e.entity, e.kind, d.c.user)
	}
}

var _ packet.PacketNotifiable = diffNotifiable{}
