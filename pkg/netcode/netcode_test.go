package netcode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jabolina/go-netcode/pkg/netcode/diff"
	"github.com/jabolina/go-netcode/pkg/netcode/types"
	"github.com/jabolina/go-netcode/pkg/netcode/wire"
)

// TestMain verifies no goroutine outlives this package's tests: the whole
// engine is poll-driven and must never spin anything up on its own.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	chatMsgKind    types.MessageKind   = 21
	inputMsgKind   types.MessageKind   = 22
	healthCompKind types.ComponentKind = 21
)

func init() {
	types.RegisterMessage(chatMsgKind, func() types.Message { return &chatMsg{} })
	types.RegisterMessage(inputMsgKind, func() types.Message { return &inputMsg{} })
	types.RegisterComponent(healthCompKind, func() types.Component { return &healthComponent{} })
}

type chatMsg struct{ Text byte }

func (m *chatMsg) Kind() types.MessageKind        { return chatMsgKind }
func (m *chatMsg) Entities() []types.GlobalEntity { return nil }
func (m *chatMsg) WriteTo(w wire.BitSink, _ types.EntityConverter) error {
	return w.WriteByte(m.Text)
}
func (m *chatMsg) ReadFrom(r *wire.Reader, _ types.EntityConverter) error {
	b, err := r.ReadByte()
	m.Text = b
	return err
}

// inputMsg is the single tick-buffered command type both sides agree on.
type inputMsg struct{ Input byte }

func (m *inputMsg) Kind() types.MessageKind        { return inputMsgKind }
func (m *inputMsg) Entities() []types.GlobalEntity { return nil }
func (m *inputMsg) WriteTo(w wire.BitSink, _ types.EntityConverter) error {
	return w.WriteByte(m.Input)
}
func (m *inputMsg) ReadFrom(r *wire.Reader, _ types.EntityConverter) error {
	b, err := r.ReadByte()
	m.Input = b
	return err
}

type healthComponent struct {
	value uint16
}

func (c *healthComponent) Kind() types.ComponentKind { return healthCompKind }
func (c *healthComponent) PropertyCount() int        { return 1 }
func (c *healthComponent) WriteFull(w wire.BitSink) error {
	return wire.WriteU16(w, c.value)
}
func (c *healthComponent) WritePartial(w wire.BitSink, mask *types.DiffMask) error {
	if !mask.Bit(0) {
		return nil
	}
	return wire.WriteU16(w, c.value)
}
func (c *healthComponent) ReadFull(r *wire.Reader) error {
	v, err := wire.ReadU16(r)
	c.value = v
	return err
}
func (c *healthComponent) ApplyUpdate(r *wire.Reader, mask *types.DiffMask) error {
	if !mask.Bit(0) {
		return nil
	}
	v, err := wire.ReadU16(r)
	c.value = v
	return err
}
func (c *healthComponent) Equals(other types.Component) bool {
	o, ok := other.(*healthComponent)
	return ok && o.value == c.value
}
func (c *healthComponent) MirrorFrom(other types.Component) {
	c.value = other.(*healthComponent).value
}
func (c *healthComponent) Clone() types.Component { return &healthComponent{value: c.value} }

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

type fixedIdentity struct {
	status types.IdentityStatus
}

func (f fixedIdentity) Poll() types.IdentityStatus { return f.status }

// memLink is one endpoint of an in-memory datagram network; SendPacket
// copies straight into the peer endpoint's inbox.
type memLink struct {
	localAddr string
	peer      *memLink
	inbox     [][]byte
	from      []string
}

func newLinkedPair(clientAddr, serverAddr string) (client, server *memLink) {
	c := &memLink{localAddr: clientAddr}
	s := &memLink{localAddr: serverAddr}
	c.peer, s.peer = s, c
	return c, s
}

func (l *memLink) SendPacket(addr string, payload []byte) error {
	cp := append([]byte(nil), payload...)
	l.peer.inbox = append(l.peer.inbox, cp)
	l.peer.from = append(l.peer.from, l.localAddr)
	return nil
}

func (l *memLink) ReceivePacket() (string, []byte, bool, error) {
	if len(l.inbox) == 0 {
		return "", nil, false, nil
	}
	payload, from := l.inbox[0], l.from[0]
	l.inbox, l.from = l.inbox[1:], l.from[1:]
	return from, payload, true, nil
}

// e2eConfig keeps every real-time timer in the handshake fast enough for a
// polling test loop.
func e2eConfig() types.Config {
	cfg := types.DefaultConfig()
	cfg.SendHandshakeIntervalMs = 1
	cfg.PingIntervalMs = 1
	cfg.HandshakePings = 2
	return cfg
}

// drive runs post-connect client and server frames until onClientEvent
// reports a match or the frame budget runs out.
func drive(t *testing.T, client *Client, server *Server, frames int, onClientEvent func(types.Event) bool) bool {
	t.Helper()
	for i := 0; i < frames; i++ {
		server.AdvanceTick()
		require.NoError(t, client.SendTick())
		_, err := server.ReceiveTick()
		require.NoError(t, err)
		server.SendTick()
		client.TickManager().AdvanceLocalTick()
		evs, err := client.ReceiveTick()
		require.NoError(t, err)
		for _, e := range evs {
			if onClientEvent(e) {
				return true
			}
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

// connect drives client and server frames until the handshake completes,
// returning every server-side event observed along the way.
func connect(t *testing.T, client *Client, server *Server) []types.Event {
	t.Helper()
	var all []types.Event
	for i := 0; i < 500 && !client.Connected(); i++ {
		require.NoError(t, client.SendTick())
		evs, err := server.ReceiveTick()
		require.NoError(t, err)
		all = append(all, evs...)
		_, err = client.ReceiveTick()
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	require.True(t, client.Connected(), "handshake did not complete")
	return all
}

func TestClientServerEndToEnd(t *testing.T) {
	const clientAddr = "10.0.0.2:4000"
	clientLink, serverLink := newLinkedPair(clientAddr, "10.0.0.1:4000")
	cfg := e2eConfig()

	server, err := NewServer(cfg, serverLink, newFakeWorld(), nil,
		WithCommandFactory(func() types.Message { return &inputMsg{} }))
	require.NoError(t, err)

	clientWorld := newFakeWorld()
	identity := fixedIdentity{status: types.IdentityStatus{State: types.IdentitySuccess, Token: "player-1"}}
	client, err := NewClient(cfg, clientLink, clientWorld, identity,
		WithClientCommandFactory(func() types.Message { return &inputMsg{} }))
	require.NoError(t, err)
	client.Dial("10.0.0.1:4000")

	serverEvents := connect(t, client, server)

	var connected bool
	for _, e := range serverEvents {
		if pc, ok := e.(types.PeerConnectedEvent); ok {
			connected = true
			assert.Equal(t, clientAddr, pc.Addr)
			assert.Equal(t, "player-1", pc.IdentityToken)
		}
	}
	require.True(t, connected, "server never emitted PeerConnectedEvent")

	// Put one entity with a component into the new peer's scope and queue a
	// reliable message alongside it.
	host, ok := server.Scope(clientAddr)
	require.True(t, ok)
	peerKey, ok := server.UserKey(clientAddr)
	require.True(t, ok)
	user := diff.UserKey(peerKey)

	comp := &healthComponent{value: 80}
	entity := types.GlobalEntity(7)
	host.Include(entity, []types.Component{comp})
	server.DiffHandler().Register(entity, healthCompKind, comp.PropertyCount())
	server.DiffHandler().Subscribe(entity, healthCompKind, user)

	require.NoError(t, server.SendMessage(clientAddr, types.OrderedReliable, &chatMsg{Text: 42}))
	require.NoError(t, client.SendMessage(types.OrderedReliable, &chatMsg{Text: 43}))

	commandTick := client.EnqueueCommand(&inputMsg{Input: 9})

	var gotSpawn, gotClientMsg, gotServerMsg bool
	var clientEntity types.GlobalEntity
	var commandDeliveries []types.Message
	var commandDeliveredAt types.Tick
	for i := 0; i < 200; i++ {
		server.AdvanceTick()
		require.NoError(t, client.SendTick())
		evs, err := server.ReceiveTick()
		require.NoError(t, err)
		for _, e := range evs {
			if me, ok := e.(types.MessageEvent); ok {
				gotServerMsg = true
				assert.Equal(t, byte(43), me.Message.(*chatMsg).Text)
			}
		}
		if cmds := server.DeliverCommands(clientAddr); len(cmds) > 0 {
			commandDeliveries = append(commandDeliveries, cmds...)
			commandDeliveredAt = server.LocalTick()
		}

		server.SendTick()
		client.TickManager().AdvanceLocalTick()
		cevs, err := client.ReceiveTick()
		require.NoError(t, err)
		for _, e := range cevs {
			switch ev := e.(type) {
			case types.SpawnEntityEvent:
				gotSpawn = true
				clientEntity = ev.Entity
			case types.MessageEvent:
				gotClientMsg = true
				assert.Equal(t, byte(42), ev.Message.(*chatMsg).Text)
			}
		}

		if gotSpawn && gotClientMsg && gotServerMsg && len(commandDeliveries) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	assert.True(t, gotSpawn, "client never saw the replicated entity spawn")
	assert.True(t, gotClientMsg, "client never received the server's reliable message")
	assert.True(t, gotServerMsg, "server never received the client's reliable message")
	require.Len(t, commandDeliveries, 1, "tick-buffered command must be delivered exactly once")
	assert.Equal(t, byte(9), commandDeliveries[0].(*inputMsg).Input)
	assert.Equal(t, commandTick, commandDeliveredAt, "command must arrive at exactly its tagged tick")

	// The component's initial state travelled inside the spawn action.
	require.Len(t, clientWorld.components, 1)
	for _, comps := range clientWorld.components {
		got, ok := comps[healthCompKind]
		require.True(t, ok)
		assert.Equal(t, uint16(80), got.(*healthComponent).value)
	}

	// Authority round trip on the system channel: request -> granted ->
	// release -> reset. The client names the entity by its own GlobalEntity;
	// the converters on both connections translate through the shared
	// NetEntity mapping.
	server.AuthHandler().Register(entity, types.DelegatedConfig)
	require.NoError(t, client.RequestAuthority(clientEntity))
	assert.Equal(t, types.RequestedAuthority, client.AuthAccessor().StatusOf(clientEntity))

	gotGrant := drive(t, client, server, 100, func(e types.Event) bool {
		ge, ok := e.(types.AuthorityGrantedEvent)
		return ok && ge.Entity == clientEntity
	})
	require.True(t, gotGrant, "authority grant never arrived")
	assert.Equal(t, types.HasAuthority, client.AuthAccessor().StatusOf(clientEntity))

	require.NoError(t, client.ReleaseAuthority(clientEntity))
	gotReset := drive(t, client, server, 100, func(e types.Event) bool {
		re, ok := e.(types.AuthorityResetEvent)
		return ok && re.Entity == clientEntity
	})
	require.True(t, gotReset, "authority reset never arrived")
	assert.Equal(t, types.AvailableAuthority, client.AuthAccessor().StatusOf(clientEntity))

	// Disconnect: the client proves ownership of its original handshake
	// (timestamp, MAC) pair and the server tears the peer down.
	require.NoError(t, client.Disconnect())
	evs, err := server.ReceiveTick()
	require.NoError(t, err)
	var gone bool
	for _, e := range evs {
		if _, ok := e.(types.DisconnectionEvent); ok {
			gone = true
		}
	}
	assert.True(t, gone, "server never emitted DisconnectionEvent")
	_, stillScoped := server.Scope(clientAddr)
	assert.False(t, stillScoped, "per-peer state must be released on disconnect")
}

func TestClientRejectedByIdentityService(t *testing.T) {
	clientLink, _ := newLinkedPair("10.0.0.2:4001", "10.0.0.1:4001")
	identity := fixedIdentity{status: types.IdentityStatus{State: types.IdentityError, ErrorCode: 401}}
	client, err := NewClient(e2eConfig(), clientLink, newFakeWorld(), identity)
	require.NoError(t, err)
	client.Dial("10.0.0.1:4001")

	require.NoError(t, client.SendTick())
	_, rejected := client.Rejected()
	assert.True(t, rejected)
	assert.False(t, client.Connected())
}

func TestServerTimesOutSilentPeer(t *testing.T) {
	const clientAddr = "10.0.0.2:4002"
	clientLink, serverLink := newLinkedPair(clientAddr, "10.0.0.1:4002")
	cfg := e2eConfig()
	cfg.DisconnectionTimeoutMs = 20
	cfg.HeartbeatIntervalMs = 5

	server, err := NewServer(cfg, serverLink, newFakeWorld(), nil)
	require.NoError(t, err)
	identity := fixedIdentity{status: types.IdentityStatus{State: types.IdentitySuccess, Token: "player-2"}}
	client, err := NewClient(cfg, clientLink, newFakeWorld(), identity)
	require.NoError(t, err)
	client.Dial("10.0.0.1:4002")

	connect(t, client, server)

	// The client goes silent; the server must declare the peer dropped once
	// disconnection_timeout_ms passes without traffic.
	var timedOut bool
	for i := 0; i < 100 && !timedOut; i++ {
		time.Sleep(time.Millisecond)
		for _, e := range server.SendTick() {
			if de, ok := e.(types.DisconnectionEvent); ok {
				timedOut = true
				assert.Equal(t, types.ErrConnectionTimedOut.Error(), de.Reason)
			}
		}
	}
	assert.True(t, timedOut, "silent peer was never timed out")
	_, stillScoped := server.Scope(clientAddr)
	assert.False(t, stillScoped)
}
