package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jabolina/go-netcode/pkg/netcode/diff"
	"github.com/jabolina/go-netcode/pkg/netcode/packet"
	"github.com/jabolina/go-netcode/pkg/netcode/types"
	"github.com/jabolina/go-netcode/pkg/netcode/wire"
	"github.com/jabolina/go-netcode/pkg/netcode/worldmgr"
)

// TestMain verifies no goroutine outlives this package's tests: a
// Connection is poll-driven and must never spin anything up on its own.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	pingMsgKind    types.MessageKind   = 1
	counterKind    types.ComponentKind = 1
	commandMsgKind types.MessageKind   = 2
)

func init() {
	types.RegisterMessage(pingMsgKind, func() types.Message { return &pingMsg{} })
	types.RegisterMessage(commandMsgKind, func() types.Message { return &commandMsg{} })
	types.RegisterComponent(counterKind, func() types.Component { return &counterComponent{} })
}

// pingMsg is a minimal ordered-reliable payload carrying a single byte.
type pingMsg struct{ Payload byte }

func (m *pingMsg) Kind() types.MessageKind        { return pingMsgKind }
func (m *pingMsg) Entities() []types.GlobalEntity { return nil }
func (m *pingMsg) WriteTo(w wire.BitSink, _ types.EntityConverter) error {
	return w.WriteByte(m.Payload)
}
func (m *pingMsg) ReadFrom(r *wire.Reader, _ types.EntityConverter) error {
	b, err := r.ReadByte()
	m.Payload = b
	return err
}

// commandMsg is the tick-buffered channel's single command type.
type commandMsg struct{ Input byte }

func (m *commandMsg) Kind() types.MessageKind        { return commandMsgKind }
func (m *commandMsg) Entities() []types.GlobalEntity { return nil }
func (m *commandMsg) WriteTo(w wire.BitSink, _ types.EntityConverter) error {
	return w.WriteByte(m.Input)
}
func (m *commandMsg) ReadFrom(r *wire.Reader, _ types.EntityConverter) error {
	b, err := r.ReadByte()
	m.Input = b
	return err
}

// counterComponent is a one-property component (a 16-bit counter) used to
// exercise the component-update wire path end to end.
type counterComponent struct {
	value uint16
}

func (c *counterComponent) Kind() types.ComponentKind { return counterKind }
func (c *counterComponent) PropertyCount() int        { return 1 }
func (c *counterComponent) WriteFull(w wire.BitSink) error {
	return wire.WriteU16(w, c.value)
}
func (c *counterComponent) WritePartial(w wire.BitSink, mask *types.DiffMask) error {
	if !mask.Bit(0) {
		return nil
	}
	return wire.WriteU16(w, c.value)
}
func (c *counterComponent) ReadFull(r *wire.Reader) error {
	v, err := wire.ReadU16(r)
	c.value = v
	return err
}
func (c *counterComponent) ApplyUpdate(r *wire.Reader, mask *types.DiffMask) error {
	if !mask.Bit(0) {
		return nil
	}
	v, err := wire.ReadU16(r)
	c.value = v
	return err
}
func (c *counterComponent) Equals(other types.Component) bool {
	o, ok := other.(*counterComponent)
	return ok && o.value == c.value
}
func (c *counterComponent) MirrorFrom(other types.Component) {
	o := other.(*counterComponent)
	c.value = o.value
}
func (c *counterComponent) Clone() types.Component { return &counterComponent{value: c.value} }

// fakeWorld is a minimal types.World backing the remote side of a
// connection in tests: entities are plain ints, components keyed by kind.
type fakeWorld struct {
	components map[types.Entity]map[types.ComponentKind]types.Component
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{components: make(map[types.Entity]map[types.ComponentKind]types.Component)}
}

func (w *fakeWorld) SpawnEntity() types.Entity {
	id := len(w.components) + 1
	w.components[id] = make(map[types.ComponentKind]types.Component)
	return id
}
func (w *fakeWorld) DespawnEntity(entity types.Entity) { delete(w.components, entity) }
func (w *fakeWorld) InsertBoxedComponent(entity types.Entity, component types.Component) {
	w.components[entity][component.Kind()] = component
}
func (w *fakeWorld) RemoveComponentOfKind(entity types.Entity, kind types.ComponentKind) (types.Component, bool) {
	c, ok := w.components[entity][kind]
	delete(w.components[entity], kind)
	return c, ok
}
func (w *fakeWorld) ComponentKinds(entity types.Entity) []types.ComponentKind {
	var kinds []types.ComponentKind
	for k := range w.components[entity] {
		kinds = append(kinds, k)
	}
	return kinds
}
func (w *fakeWorld) ComponentApplyUpdate(conv types.EntityConverter, entity types.Entity, kind types.ComponentKind, mask *types.DiffMask, r *wire.Reader) error {
	return w.components[entity][kind].ApplyUpdate(r, mask)
}
func (w *fakeWorld) ComponentMirrorTo(dst, src types.Entity, kind types.ComponentKind) {
	w.components[dst][kind].MirrorFrom(w.components[src][kind])
}
func (w *fakeWorld) DuplicateEntity(entity types.Entity) types.Entity {
	clone := w.SpawnEntity()
	for k, c := range w.components[entity] {
		w.components[clone][k] = c.Clone()
	}
	return clone
}

// pair bundles a host-side (server) and remote-side (client) Connection
// wired to exchange packets directly, bypassing any real transport.
type pair struct {
	host       *worldmgr.HostWorldManager
	diffH      *diff.Handler
	user       diff.UserKey
	serverConn *Connection

	world      *fakeWorld
	remote     *worldmgr.RemoteWorldManager
	clientConn *Connection
}

func newPair(t *testing.T) *pair {
	t.Helper()
	cfg := types.DefaultConfig()
	host := worldmgr.NewHostWorldManager()
	dh := diff.NewHandler()
	user := diff.UserKey(1)
	serverConn := NewConnection(cfg, "client-addr:0", WithHostWorldManager(host, dh, user))

	world := newFakeWorld()
	remote := worldmgr.NewRemoteWorldManager(world, nil)
	clientConn := NewConnection(cfg, "server-addr:0", WithRemoteWorldManager(remote))

	return &pair{
		host: host, diffH: dh, user: user, serverConn: serverConn,
		world: world, remote: remote, clientConn: clientConn,
	}
}

func TestConnectionSendIngestDeliversSpawnMessageAndComponentUpdate(t *testing.T) {
	p := newPair(t)

	comp := &counterComponent{value: 5}
	entity := types.GlobalEntity(100)
	p.host.Include(entity, []types.Component{comp})
	p.diffH.Register(entity, counterKind, comp.PropertyCount())
	p.diffH.Subscribe(entity, counterKind, p.user)

	require.NoError(t, p.serverConn.SendMessage(types.OrderedReliable, &pingMsg{Payload: 42}))

	payload, err := p.serverConn.Send(types.Tick(10), 0)
	require.NoError(t, err)

	require.NoError(t, p.clientConn.Ingest(payload))
	events, err := p.clientConn.DrainReady(types.Tick(10), types.Tick(0))
	require.NoError(t, err)

	var gotSpawn, gotMessage bool
	for _, e := range events {
		switch ev := e.(type) {
		case types.SpawnEntityEvent:
			gotSpawn = true
		case types.MessageEvent:
			gotMessage = true
			assert.Equal(t, types.OrderedReliable, ev.Channel)
			assert.Equal(t, byte(42), ev.Message.(*pingMsg).Payload)
		}
	}
	assert.True(t, gotSpawn, "expected a SpawnEntityEvent")
	assert.True(t, gotMessage, "expected the ordered-reliable message")

	// The component's initial value travelled inside the SpawnEntity
	// action's full payload, not as a separate update.
	require.Len(t, p.world.components, 1)
	for _, comps := range p.world.components {
		got, ok := comps[counterKind]
		require.True(t, ok)
		assert.Equal(t, uint16(5), got.(*counterComponent).value)
	}

	// Now mutate and drive a second round trip carrying only the update.
	comp.value = 9
	p.diffH.Mutate(entity, counterKind, 0)

	payload2, err := p.serverConn.Send(types.Tick(11), 0)
	require.NoError(t, err)
	require.NoError(t, p.clientConn.Ingest(payload2))
	events2, err := p.clientConn.DrainReady(types.Tick(11), types.Tick(0))
	require.NoError(t, err)

	var sawUpdate bool
	for _, e := range events2 {
		if ue, ok := e.(types.UpdateComponentEvent); ok {
			sawUpdate = true
			assert.Equal(t, counterKind, ue.Kind)
		}
	}
	assert.True(t, sawUpdate)
	for _, comps := range p.world.components {
		assert.Equal(t, uint16(9), comps[counterKind].(*counterComponent).value)
	}
}

func TestAckDeliveryClearsPendingEntityActionAndDiffState(t *testing.T) {
	p := newPair(t)

	comp := &counterComponent{value: 1}
	entity := types.GlobalEntity(1)
	p.host.Include(entity, []types.Component{comp})
	p.diffH.Register(entity, counterKind, comp.PropertyCount())
	p.diffH.Subscribe(entity, counterKind, p.user)
	p.diffH.Mutate(entity, counterKind, 0)

	_, err := p.serverConn.Send(types.Tick(1), 0)
	require.NoError(t, err)

	// Nothing acked yet: the spawn action is still queued and the diff
	// mask is still in flight.
	require.Len(t, p.host.PendingActions(), 1)
	_, stillDirty := p.diffH.Peek(entity, counterKind, p.user)
	assert.False(t, stillDirty, "mask was drained for send, not re-dirtied")

	// The client acks packet 0 back: feed a bare header whose
	// ack_last_received names the server's packet index.
	ackHeader := packet.Header{PacketType: types.PacketHeartbeat, PacketIndex: 0, AckLastReceived: 0, AckBitfield: 0}
	w := wire.NewWriter(64)
	require.NoError(t, ackHeader.Serialize(w))
	require.NoError(t, p.serverConn.Ingest(w.Bytes()))

	assert.Empty(t, p.host.PendingActions(), "delivered packet's action must be acked")

	// A second mutation with nothing else pending still flows on the next
	// send, proving AckSend didn't wipe out unrelated live state.
	comp.value = 2
	p.diffH.Mutate(entity, counterKind, 0)
	_, dirtyAgain := p.diffH.Peek(entity, counterKind, p.user)
	assert.True(t, dirtyAgain)
}

func TestDropNotificationReQueuesDiffMaskForResend(t *testing.T) {
	p := newPair(t)

	comp := &counterComponent{value: 1}
	entity := types.GlobalEntity(1)
	p.host.Include(entity, []types.Component{comp})
	p.diffH.Register(entity, counterKind, comp.PropertyCount())
	p.diffH.Subscribe(entity, counterKind, p.user)

	_, err := p.serverConn.Send(types.Tick(1), 0) // drains nothing (spawn carries full state, no dirty mask yet)
	require.NoError(t, err)

	comp.value = 2
	p.diffH.Mutate(entity, counterKind, 0)
	_, err = p.serverConn.Send(types.Tick(2), 0) // packet index 1: drains the mutation
	require.NoError(t, err)

	_, inFlight := p.diffH.Peek(entity, counterKind, p.user)
	assert.False(t, inFlight, "drained mask no longer live")

	// Simulate packet 1 being dropped: an ack header naming a much later
	// ack_last_received with an all-zero bitfield reports every packet in
	// the preceding 16-deep window, including index 1, as never delivered.
	h := packet.Header{PacketType: types.PacketHeartbeat, PacketIndex: 0, AckLastReceived: 17, AckBitfield: 0}
	w := wire.NewWriter(64)
	require.NoError(t, h.Serialize(w))
	require.NoError(t, p.serverConn.Ingest(w.Bytes()))

	_, backLive := p.diffH.Peek(entity, counterKind, p.user)
	assert.True(t, backLive, "dropped send's bits must be restored to the live mask")
}

func TestTickBufferedExactTickDeliveryAndPastTickDrop(t *testing.T) {
	cfg := types.DefaultConfig()
	clientConn := NewConnection(cfg, "server-addr:0", WithTickBufferSender(nil))
	serverConn := NewConnection(cfg, "client-addr:0", WithTickBufferReceiver(func() types.Message { return &commandMsg{} }, nil))

	clientConn.EnqueueCommand(types.Tick(5), &commandMsg{Input: 7})
	payload, err := clientConn.Send(types.Tick(100), types.Tick(5))
	require.NoError(t, err)

	require.NoError(t, serverConn.Ingest(payload))
	_, err = serverConn.DrainReady(types.Tick(100), types.Tick(5))
	require.NoError(t, err)

	delivered := serverConn.DeliverTickBuffered(types.Tick(5))
	require.Len(t, delivered, 1)
	assert.Equal(t, byte(7), delivered[0].(*commandMsg).Input)

	// A command tagged for a tick already in the past at decode time is
	// silently dropped and never delivered.
	clientConn2 := NewConnection(cfg, "server-addr:1", WithTickBufferSender(nil))
	serverConn2 := NewConnection(cfg, "client-addr:1", WithTickBufferReceiver(func() types.Message { return &commandMsg{} }, nil))

	clientConn2.EnqueueCommand(types.Tick(3), &commandMsg{Input: 1})
	payload2, err := clientConn2.Send(types.Tick(100), types.Tick(3))
	require.NoError(t, err)

	require.NoError(t, serverConn2.Ingest(payload2))
	_, err = serverConn2.DrainReady(types.Tick(100), types.Tick(10)) // localTick=10 > command tick=3
	require.NoError(t, err)

	assert.Empty(t, serverConn2.DeliverTickBuffered(types.Tick(3)))
}

func TestBuildHeartbeatEncodesBodilessPacketAndUpdatesLiveness(t *testing.T) {
	cfg := types.DefaultConfig()
	a := NewConnection(cfg, "b:0")
	b := NewConnection(cfg, "a:0")

	require.True(t, b.LastReceivedAt().IsZero())

	hb, err := a.BuildHeartbeat()
	require.NoError(t, err)
	assert.Len(t, hb, int(packet.HeaderBits/8))

	require.NoError(t, b.Ingest(hb))
	assert.False(t, b.LastReceivedAt().IsZero(), "ingesting any packet, including a heartbeat, updates the liveness clock")
}

func TestSendFillsPacketAndStillTerminatesSections(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.MTUBytes = 48
	cfg.FragmentationLimitBits = 48 * 8
	a := NewConnection(cfg, "b:0")
	b := NewConnection(cfg, "a:0")

	// Queue far more than one packet can hold; the reserved finish bits
	// must let Send stop each section gracefully instead of overflowing on
	// a terminator.
	const queued = 64
	for i := 0; i < queued; i++ {
		require.NoError(t, a.SendMessage(types.OrderedReliable, &pingMsg{Payload: byte(i)}))
	}

	payload, err := a.Send(types.Tick(1), 0)
	require.NoError(t, err, "a packet filled to the brim must still terminate every section")
	require.LessOrEqual(t, len(payload), int(cfg.MTUBytes))

	require.NoError(t, b.Ingest(payload))
	events, err := b.DrainReady(types.Tick(1), types.Tick(0))
	require.NoError(t, err)

	var got []byte
	for _, e := range events {
		me, ok := e.(types.MessageEvent)
		require.True(t, ok)
		got = append(got, me.Message.(*pingMsg).Payload)
	}
	require.NotEmpty(t, got, "at least one message must fit")
	require.Less(t, len(got), queued, "the packet cannot hold everything queued")
	for i, v := range got {
		assert.Equal(t, byte(i), v, "the ordered-reliable prefix must arrive in enqueue order")
	}
}
