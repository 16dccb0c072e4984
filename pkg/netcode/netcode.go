// Package netcode is the top-level orchestrator: Server accepts and drives
// many peer Connections behind one handshake.Server, GlobalDiffHandler,
// and HostAuthHandler; Client drives a single handshake.Client through to a
// connected Connection and keeps its tick.Manager fed from
// every received packet. Both hold the lower layers (packet, channel,
// worldmgr, handshake, tick) by value and are driven by explicit poll
// calls, never by cooperative goroutines: no internal operation blocks.
package netcode

import (
	"fmt"
	"sync"
	"time"

	"github.com/jabolina/go-netcode/pkg/netcode/auth"
	"github.com/jabolina/go-netcode/pkg/netcode/conn"
	"github.com/jabolina/go-netcode/pkg/netcode/definition"
	"github.com/jabolina/go-netcode/pkg/netcode/diff"
	"github.com/jabolina/go-netcode/pkg/netcode/handshake"
	"github.com/jabolina/go-netcode/pkg/netcode/stats"
	"github.com/jabolina/go-netcode/pkg/netcode/tick"
	"github.com/jabolina/go-netcode/pkg/netcode/types"
	"github.com/jabolina/go-netcode/pkg/netcode/worldmgr"
)

// serverPeer is everything the server remembers about one fully connected
// client.
type serverPeer struct {
	addr          string
	conn          *conn.Connection
	host          *worldmgr.HostWorldManager
	user          diff.UserKey
	identityToken string
	peerKey       types.PeerKey

	// admittedAt anchors the disconnection timeout until the peer's first
	// post-handshake packet lands.
	admittedAt time.Time
}

// Server accepts connections from many clients behind one UDP-shaped
// Transport, running the handshake for unconnected addresses and a per-peer
// Connection for everyone past it. The GlobalDiffHandler and
// HostAuthHandler are shared process-wide, guarded by their own internal
// locks; everything else here is single-threaded and expected to be driven
// from one goroutine per Server.
type Server struct {
	cfg       types.Config
	transport types.Transport
	world     types.World
	logger    definition.Logger

	hs          *handshake.Server
	diffHandler *diff.Handler
	authHandler *auth.Handler
	collector   *stats.ConnectionCollector

	commandFactory func() types.Message

	mu        sync.Mutex
	peers     map[string]*serverPeer
	nextUser  diff.UserKey
	localTick types.Tick
}

// ServerOption configures optional Server wiring at construction.
type ServerOption func(*Server)

// WithCommandFactory attaches the tick-buffered command message type every
// peer's server-side Connection decodes incoming client commands as. A
// Server built without this option accepts no tick-buffered traffic at all.
func WithCommandFactory(factory func() types.Message) ServerOption {
	return func(s *Server) { s.commandFactory = factory }
}

// WithLogger overrides the default logrus-backed Logger.
func WithLogger(logger definition.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer constructs a Server listening logically over transport,
// applying incoming replication to world. authenticate validates each
// connecting client's opaque identity token; a nil authenticate
// accepts every token.
func NewServer(cfg types.Config, transport types.Transport, world types.World, authenticate func(string) bool, opts ...ServerOption) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("netcode: invalid config: %w", err)
	}
	key, err := handshake.NewServerKey()
	if err != nil {
		return nil, fmt.Errorf("netcode: minting server key: %w", err)
	}

	s := &Server{
		cfg:         cfg,
		transport:   transport,
		world:       world,
		logger:      definition.NewDefaultLogger(),
		diffHandler: diff.NewHandler(),
		authHandler: auth.NewHandler(),
		collector:   stats.NewConnectionCollector("netcode_server", "peer", nil, nil),
		peers:       make(map[string]*serverPeer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hs = handshake.NewServer(key, cfg, func() types.Tick { return s.localTick }, authenticate)
	return s, nil
}

// DiffHandler returns the process-wide diff handler new components must be
// registered with.
func (s *Server) DiffHandler() *diff.Handler { return s.diffHandler }

// AuthHandler returns the process-wide authority table.
func (s *Server) AuthHandler() *auth.Handler { return s.authHandler }

// Collector returns the Prometheus collector tracking every connected
// peer's traffic and reliability counters; register it with a
// prometheus.Registerer once at startup.
func (s *Server) Collector() *stats.ConnectionCollector { return s.collector }

// LocalTick returns the server's own free-running simulation tick, the
// authoritative clock every connected client's tick.Manager phase-locks
// onto.
func (s *Server) LocalTick() types.Tick { return s.localTick }

// AdvanceTick moves the server's simulation tick forward by one, called
// once per fixed tick_interval_ms.
func (s *Server) AdvanceTick() types.Tick {
	s.localTick++
	return s.localTick
}

// Scope returns the HostWorldManager driving what addr is replicated, so
// the application can call Include/Exclude as entities enter or leave that
// client's area of interest. ok is false for an address with no
// connected peer.
func (s *Server) Scope(addr string) (*worldmgr.HostWorldManager, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[addr]
	if !ok {
		return nil, false
	}
	return p.host, true
}

// UserKey returns the diff/auth handler key assigned to addr's peer, for
// callers that need to call diff.Handler.Subscribe or auth.Handler
// operations directly. ok is false for an address with no connected peer.
func (s *Server) UserKey(addr string) (types.PeerKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[addr]
	if !ok {
		return 0, false
	}
	return p.peerKey, true
}

// SendMessage queues msg for delivery to addr on ch. It is a
// no-op if addr has no connected peer.
func (s *Server) SendMessage(addr string, ch types.ChannelKind, msg types.Message) error {
	s.mu.Lock()
	p, ok := s.peers[addr]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return p.conn.SendMessage(ch, msg)
}

// DeliverCommands returns every tick-buffered command addr's client tagged
// exactly for the server's current tick, to be handed to the simulation.
func (s *Server) DeliverCommands(addr string) []types.Message {
	s.mu.Lock()
	p, ok := s.peers[addr]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return p.conn.DeliverTickBuffered(s.localTick)
}

// ReceiveTick drains every datagram currently available from the
// transport, routing handshake traffic to the handshake state machine and
// everything else to the matching peer's Connection, and returns the
// Events produced, including a PeerConnectedEvent for each newly admitted
// address and a DisconnectionEvent for each peer that sent Disconnect.
func (s *Server) ReceiveTick() ([]types.Event, error) {
	var events []types.Event
	for {
		addr, payload, ok, err := s.transport.ReceivePacket()
		if err != nil {
			return events, err
		}
		if !ok {
			break
		}
		if len(payload) == 0 {
			continue
		}

		// Ping and Disconnect both travel wrapped in handshake framing even
		// once a peer is fully connected, so they are routed to the handshake
		// state machine regardless of connection state; every
		// other packet type only makes sense for an already-admitted peer.
		switch types.PacketType(payload[0]) {
		case types.PacketPing, types.PacketHandshake:
			result, err := s.hs.HandlePacket(addr, payload)
			if err != nil {
				s.logger.Warnf("netcode: handshake error from %s: %v", addr, err)
				continue
			}
			if result.Outgoing != nil {
				if err := s.transport.SendPacket(addr, result.Outgoing); err != nil {
					s.logger.Warnf("netcode: sending handshake reply to %s: %v", addr, err)
				}
			}
			if result.Connected {
				events = append(events, s.admit(addr, result.IdentityToken))
			}
			if result.Disconnected {
				s.mu.Lock()
				s.disconnect(addr)
				s.mu.Unlock()
				events = append(events, types.DisconnectionEvent{Reason: "peer disconnected"})
			}

		default:
			s.mu.Lock()
			peer, connected := s.peers[addr]
			s.mu.Unlock()
			if !connected {
				continue
			}
			if err := peer.conn.Ingest(payload); err != nil {
				s.logger.Warnf("netcode: dropping malformed packet from %s: %v", addr, err)
			}
		}
	}

	// Drain each peer's jitter buffer at the server's own simulation tick: a
	// data packet stamped with the client's sending tick is decoded once the
	// local tick reaches it, which is also what hands tick-buffered commands
	// to their receiver at exactly the tagged tick. Decode errors
	// abort that packet only, never the connection.
	s.mu.Lock()
	peers := make([]*serverPeer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		drained, err := p.conn.DrainReady(s.localTick, s.localTick)
		for _, e := range drained {
			if !s.handleAuthMessage(p, e) {
				events = append(events, e)
			}
		}
		if err != nil {
			s.logger.Warnf("netcode: decoding buffered packet from %s: %v", p.addr, err)
		}
	}
	return events, nil
}

// handleAuthMessage services the authority protocol for one peer's
// incoming system-channel message, reporting whether it consumed the event.
// Grant/deny decisions go through the shared HostAuthHandler; replies
// travel back on the same OrderedReliable channel the request came in on.
func (s *Server) handleAuthMessage(p *serverPeer, ev types.Event) bool {
	me, ok := ev.(types.MessageEvent)
	if !ok {
		return false
	}
	switch m := me.Message.(type) {
	case *auth.RequestAuthorityMsg:
		if s.authHandler.RequestAuthority(m.Entity, p.peerKey) {
			reply := &auth.AuthorityGrantedMsg{}
			reply.Entity = m.Entity
			s.sendAuthReply(p, reply)
		} else {
			reply := &auth.AuthorityDeniedMsg{}
			reply.Entity = m.Entity
			s.sendAuthReply(p, reply)
		}
		return true

	case *auth.ReleaseAuthorityMsg:
		next, grantNext := s.authHandler.ReleaseAuthority(m.Entity, p.peerKey)
		reset := &auth.AuthorityResetMsg{}
		reset.Entity = m.Entity
		s.sendAuthReply(p, reset)
		if grantNext {
			s.mu.Lock()
			var waiter *serverPeer
			for _, cand := range s.peers {
				if cand.peerKey == next {
					waiter = cand
					break
				}
			}
			s.mu.Unlock()
			if waiter != nil {
				grant := &auth.AuthorityGrantedMsg{}
				grant.Entity = m.Entity
				s.sendAuthReply(waiter, grant)
			}
		}
		return true
	}
	return false
}

func (s *Server) sendAuthReply(p *serverPeer, msg types.Message) {
	if err := p.conn.SendMessage(types.OrderedReliable, msg); err != nil {
		s.logger.Errorf("netcode: queueing authority reply for %s: %v", p.addr, err)
	}
}

// admit promotes addr from "mid-handshake" to a fully wired Connection.
func (s *Server) admit(addr, identityToken string) types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextUser++
	user := s.nextUser
	host := worldmgr.NewHostWorldManager()

	var opts []conn.Option
	opts = append(opts, conn.WithHostWorldManager(host, s.diffHandler, user))
	if s.commandFactory != nil {
		remoteConv := host // HostWorldManager satisfies EntityConverter for entity references embedded in commands.
		opts = append(opts, conn.WithTickBufferReceiver(s.commandFactory, remoteConv))
	}

	c := conn.NewConnection(s.cfg, addr, opts...)
	peer := &serverPeer{addr: addr, conn: c, host: host, user: user, identityToken: identityToken, peerKey: types.PeerKey(user), admittedAt: time.Now()}
	s.peers[addr] = peer
	s.collector.Add(addr, c)
	return types.PeerConnectedEvent{Addr: addr, IdentityToken: identityToken}
}

// SendTick assembles and sends one outgoing packet (or heartbeat, if
// nothing is due) to every connected peer, then tears down any peer silent
// past disconnection_timeout_ms.
func (s *Server) SendTick() []types.Event {
	s.mu.Lock()
	addrs := make([]string, 0, len(s.peers))
	for addr := range s.peers {
		addrs = append(addrs, addr)
	}
	s.mu.Unlock()

	var events []types.Event
	for _, addr := range addrs {
		s.mu.Lock()
		peer, ok := s.peers[addr]
		s.mu.Unlock()
		if !ok {
			continue
		}

		last := peer.conn.LastReceivedAt()
		if last.Before(peer.admittedAt) {
			last = peer.admittedAt
		}
		if time.Since(last) > s.cfg.DisconnectionTimeout() {
			s.disconnect(addr)
			events = append(events, types.DisconnectionEvent{Reason: types.ErrConnectionTimedOut.Error()})
			continue
		}

		payload, err := peer.conn.Send(s.localTick, s.localTick)
		if err != nil {
			s.logger.Errorf("netcode: encoding packet for %s: %v", addr, err)
			continue
		}
		if err := s.transport.SendPacket(addr, payload); err != nil {
			s.logger.Warnf("netcode: sending packet to %s: %v", addr, err)
		}
	}
	return events
}

// Disconnect drops addr's peer record, with its Connection, and its stats
// collector entry; repeated tear-down is a no-op. The peer's diff-handler
// masks and authority-handler entries are not removed.
func (s *Server) Disconnect(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnect(addr)
}

func (s *Server) disconnect(addr string) {
	if _, ok := s.peers[addr]; !ok {
		return
	}
	delete(s.peers, addr)
	s.collector.Remove(addr)
}

// Client drives one connection attempt from AwaitingChallengeResponse
// through Connected, then keeps a Connection and a tick.Manager
// fed from the server's datagram stream.
type Client struct {
	cfg       types.Config
	transport types.Transport
	world     types.World
	logger    definition.Logger

	serverAddr string
	hs         *handshake.Client
	tickMgr    *tick.Manager
	conn       *conn.Connection
	accessor   *auth.Accessor

	commandFactory func() types.Message
	connected      bool
}

// ClientOption configures optional Client wiring at construction.
type ClientOption func(*Client)

// WithClientCommandFactory attaches the message type EnqueueCommand sends
// on the tick-buffered channel. Required before the first EnqueueCommand
// call.
func WithClientCommandFactory(factory func() types.Message) ClientOption {
	return func(c *Client) { c.commandFactory = factory }
}

// WithClientLogger overrides the default logrus-backed Logger.
func WithClientLogger(logger definition.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient constructs a Client ready to Dial serverAddr. identity is
// polled by the handshake before the first ChallengeRequest goes out.
func NewClient(cfg types.Config, transport types.Transport, world types.World, identity types.IdentityReceiver, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("netcode: invalid config: %w", err)
	}
	c := &Client{
		cfg:       cfg,
		transport: transport,
		world:     world,
		logger:    definition.NewDefaultLogger(),
		tickMgr:   tick.NewManager(cfg),
		accessor:  auth.NewAccessor(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.hs = handshake.NewClient(cfg, identity, c.logger)
	return c, nil
}

// Dial records the address to connect to; the handshake itself is driven
// by ReceiveTick/SendTick like everything else, rather than blocking here.
func (c *Client) Dial(serverAddr string) {
	c.serverAddr = serverAddr
}

// Connected reports whether the handshake has completed and Connection is
// ready for application traffic.
func (c *Client) Connected() bool { return c.connected }

// Rejected reports whether the server or identity service refused this
// connection attempt.
func (c *Client) Rejected() (reason string, rejected bool) { return c.hs.Rejected() }

// TickManager exposes the client's phase-locked tick clock, for callers
// driving prediction off client_sending_tick/client_receiving_tick
// directly.
func (c *Client) TickManager() *tick.Manager { return c.tickMgr }

// SendMessage queues msg for delivery on ch. Only valid once Connected.
func (c *Client) SendMessage(ch types.ChannelKind, msg types.Message) error {
	return c.conn.SendMessage(ch, msg)
}

// AuthAccessor exposes the per-entity authority view Delegated properties
// consult synchronously.
func (c *Client) AuthAccessor() *auth.Accessor { return c.accessor }

// RequestAuthority asks the server for write authority over a Delegated
// entity. The local status moves to RequestedAuthority immediately; the
// server's grant or denial arrives as an AuthorityGranted/DeniedEvent.
func (c *Client) RequestAuthority(entity types.GlobalEntity) error {
	msg := &auth.RequestAuthorityMsg{}
	msg.Entity = entity
	if err := c.conn.SendMessage(types.OrderedReliable, msg); err != nil {
		return err
	}
	c.accessor.OnRequestSent(entity)
	return nil
}

// ReleaseAuthority relinquishes authority over entity; the server confirms
// with an AuthorityResetEvent.
func (c *Client) ReleaseAuthority(entity types.GlobalEntity) error {
	msg := &auth.ReleaseAuthorityMsg{}
	msg.Entity = entity
	if err := c.conn.SendMessage(types.OrderedReliable, msg); err != nil {
		return err
	}
	c.accessor.OnReleaseSent(entity)
	return nil
}

// EnqueueCommand queues msg for delivery at the tick the server will
// receive it at if sent now, returning that tick so the caller can also
// record it in a predict.CommandHistory.
func (c *Client) EnqueueCommand(msg types.Message) types.Tick {
	sendingTick := c.tickMgr.ClientSendingTick()
	c.conn.EnqueueCommand(sendingTick, msg)
	return sendingTick
}

// ReceiveTick drains every datagram available from the transport. Before
// the handshake completes, packets are handed to the handshake state
// machine; once Connected, they are ingested by the Connection and this
// call additionally drains whatever packets are now due out of the jitter
// buffer, returning the resulting Events.
func (c *Client) ReceiveTick() ([]types.Event, error) {
	var events []types.Event
	for {
		_, payload, ok, err := c.transport.ReceivePacket()
		if err != nil {
			return events, err
		}
		if !ok {
			break
		}

		if !c.connected {
			if err := c.hs.HandleIncoming(payload); err != nil {
				c.logger.Warnf("netcode: handshake decode error: %v", err)
				continue
			}
			if reason, rejected := c.hs.Rejected(); rejected {
				events = append(events, types.RejectEvent{Reason: reason})
			}
			if c.hs.State() == handshake.Connected && !c.connected {
				c.onConnected()
			}
			continue
		}

		if err := c.conn.Ingest(payload); err != nil {
			c.logger.Warnf("netcode: dropping malformed packet: %v", err)
		}
	}

	if c.connected {
		recvTick := c.tickMgr.ClientReceivingTick()
		sendTick := c.tickMgr.ClientSendingTick()
		drained, err := c.conn.DrainReady(recvTick, sendTick)
		events = append(events, c.interceptAuth(drained)...)
		if err != nil {
			return events, err
		}
	}
	return events, nil
}

// interceptAuth rewrites incoming authority protocol messages into
// accessor transitions plus their application-facing events; everything
// else passes through untouched.
func (c *Client) interceptAuth(events []types.Event) []types.Event {
	out := events[:0]
	for _, e := range events {
		me, ok := e.(types.MessageEvent)
		if !ok {
			out = append(out, e)
			continue
		}
		switch m := me.Message.(type) {
		case *auth.AuthorityGrantedMsg:
			c.accessor.OnGranted(m.Entity)
			out = append(out, types.AuthorityGrantedEvent{Entity: m.Entity})
		case *auth.AuthorityDeniedMsg:
			c.accessor.OnDenied(m.Entity)
			out = append(out, types.AuthorityDeniedEvent{Entity: m.Entity})
		case *auth.AuthorityResetMsg:
			c.accessor.OnReset(m.Entity)
			out = append(out, types.AuthorityResetEvent{Entity: m.Entity})
		default:
			out = append(out, e)
		}
	}
	return out
}

// onConnected wires the Connection and seeds the tick manager from the
// handshake's time-sync phase.
func (c *Client) onConnected() {
	c.connected = true

	remote := worldmgr.NewRemoteWorldManager(c.world, nil)
	var opts []conn.Option
	opts = append(opts, conn.WithTickManager(c.tickMgr))
	opts = append(opts, conn.WithRemoteWorldManager(remote))
	if c.commandFactory != nil {
		// remote also implements types.EntityConverter, so a command
		// embedding a reference to a server-replicated entity resolves
		// through the same NetEntity<->GlobalEntity mapping the rest of
		// this connection uses.
		opts = append(opts, conn.WithTickBufferSender(remote))
	}
	c.conn = conn.NewConnection(c.cfg, c.serverAddr, opts...)

	if rtt, serverTick, ok := c.hs.TimeSyncResult(); ok {
		c.conn.RecordRTTSample(float64(rtt.Milliseconds()), 0)
		c.tickMgr.RecordServerTick(serverTick, 0, float64(rtt.Milliseconds()), 0)
	}
}

// SendTick advances the handshake or, once Connected, assembles and sends
// one data packet plus prunes the tick buffer of entries the server could
// no longer accept.
func (c *Client) SendTick() error {
	if !c.connected {
		payload, err := c.hs.Poll()
		if err != nil {
			return err
		}
		if payload != nil {
			return c.transport.SendPacket(c.serverAddr, payload)
		}
		return nil
	}

	sendingTick := c.tickMgr.ClientSendingTick()
	c.conn.PruneTickBuffer(c.tickMgr.ServerReceivableTick())
	payload, err := c.conn.Send(sendingTick, sendingTick)
	if err != nil {
		return err
	}
	return c.transport.SendPacket(c.serverAddr, payload)
}

// Disconnect sends the handshake's Disconnect packet, proving ownership of
// the original (timestamp, MAC) pair, and marks the client no longer
// connected.
func (c *Client) Disconnect() error {
	if !c.connected {
		return nil
	}
	payload, err := c.hs.BuildDisconnect()
	if err != nil {
		return err
	}
	c.connected = false
	return c.transport.SendPacket(c.serverAddr, payload)
}
