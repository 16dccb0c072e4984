package handshake

import (
	"container/list"
	"sync"

	"github.com/jabolina/go-netcode/pkg/netcode/types"
	"github.com/jabolina/go-netcode/pkg/netcode/wire"
)

// defaultCacheCapacity bounds the per-address handshake state the server
// retains, the same 1024-entry bound packet.AckManager uses for its sent
// queue.
const defaultCacheCapacity = 1024

// addrState is what the server remembers about one in-progress or
// completed handshake, keyed by peer address.
type addrState struct {
	addr          string
	timestamp     uint64
	mac           MAC
	validated     bool
	identityToken string
}

// Server drives the challenge/validate/connect protocol for every
// attempting peer address. One Server is shared across every
// connection attempt a listening process handles.
type Server struct {
	mu  sync.Mutex
	key ServerKey

	mtuBytes     int
	tickProvider func() types.Tick
	authenticate func(token string) bool

	cache    *list.List // of *addrState, oldest-first
	byAddr   map[string]*list.Element
	capacity int
}

// NewServer constructs a Server HMAC-signing with key. tickProvider
// supplies the server's current tick for Pong replies during the
// time-sync phase. authenticate validates the client's
// opaque identity token against whatever out-of-band identity service the
// host integrates; a nil authenticate accepts every token.
func NewServer(key ServerKey, cfg types.Config, tickProvider func() types.Tick, authenticate func(token string) bool) *Server {
	return &Server{
		key:          key,
		mtuBytes:     int(cfg.MTUBytes),
		tickProvider: tickProvider,
		authenticate: authenticate,
		cache:        list.New(),
		byAddr:       make(map[string]*list.Element),
		capacity:     defaultCacheCapacity,
	}
}

// Result is what handling one inbound packet produced: bytes to send back
// (if any), and whether this packet completed or tore down a handshake.
type Result struct {
	Outgoing      []byte
	Connected     bool
	IdentityToken string
	Disconnected  bool
}

// HandlePacket processes one inbound datagram from addr, already known to
// carry PacketHandshake or PacketPing (the caller dispatches on the
// leading packet_type byte the same way it does for an established
// Connection).
func (s *Server) HandlePacket(addr string, payload []byte) (Result, error) {
	if len(payload) == 0 {
		return Result{}, nil
	}

	switch types.PacketType(payload[0]) {
	case types.PacketPing:
		return s.handlePing(payload)
	case types.PacketHandshake:
		// fall through below
	default:
		return Result{}, nil
	}

	sub, r, err := decodeHandshake(payload)
	if err != nil {
		return Result{}, err
	}

	switch sub {
	case types.ClientChallengeRequest:
		return s.handleChallengeRequest(addr, r)
	case types.ClientValidateRequest:
		return s.handleValidateRequest(addr, r)
	case types.ClientConnectRequest:
		return s.handleConnectRequest(addr, r)
	case types.Disconnect:
		return s.handleDisconnect(addr, r)
	default:
		return Result{}, nil
	}
}

func (s *Server) handleChallengeRequest(addr string, r *wire.Reader) (Result, error) {
	var m ChallengeRequest
	if err := m.Deserialize(r); err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	if existing, ok := s.get(addr); ok && wire.SequenceLessThan(uint16(m.Timestamp), uint16(existing.timestamp)) {
		// Replay safety: a later ChallengeRequest from the same address
		// with an older timestamp is ignored.
		s.mu.Unlock()
		return Result{}, nil
	}
	if s.authenticate != nil && !s.authenticate(m.IdentityToken) {
		s.mu.Unlock()
		return Result{}, types.ErrHandshakeRejected
	}

	mac := SignTimestamp(s.key, m.Timestamp)
	s.put(&addrState{addr: addr, timestamp: m.Timestamp, mac: mac, identityToken: m.IdentityToken})
	s.mu.Unlock()

	out, err := encodeHandshake(types.ServerChallengeResponse, &ChallengeResponse{Timestamp: m.Timestamp, MAC: mac}, s.mtuBytes)
	if err != nil {
		return Result{}, err
	}
	return Result{Outgoing: out}, nil
}

func (s *Server) handleValidateRequest(addr string, r *wire.Reader) (Result, error) {
	var m ValidateRequest
	if err := m.Deserialize(r); err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	st, ok := s.get(addr)
	if !ok || st.timestamp != m.Timestamp || !VerifyTimestamp(s.key, m.Timestamp, m.MAC) {
		s.mu.Unlock()
		return Result{}, nil
	}
	st.validated = true
	s.mu.Unlock()

	out, err := encodeHandshake(types.ServerValidateResponse, &ValidateResponse{}, s.mtuBytes)
	if err != nil {
		return Result{}, err
	}
	return Result{Outgoing: out}, nil
}

func (s *Server) handlePing(payload []byte) (Result, error) {
	r, err := decodeTimeSyncBody(payload)
	if err != nil {
		return Result{}, err
	}
	var m Ping
	if err := m.Deserialize(r); err != nil {
		return Result{}, err
	}

	out, err := encodeTimeSync(types.PacketPong, &Pong{
		ClientSendTimestampMs: m.SendTimestampMs,
		ServerTick:            s.tickProvider(),
	}, s.mtuBytes)
	if err != nil {
		return Result{}, err
	}
	return Result{Outgoing: out}, nil
}

func (s *Server) handleConnectRequest(addr string, r *wire.Reader) (Result, error) {
	var m ConnectRequest
	if err := m.Deserialize(r); err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	st, ok := s.get(addr)
	s.mu.Unlock()
	if !ok || !st.validated {
		return Result{}, nil
	}

	out, err := encodeHandshake(types.ServerConnectResponse, &ConnectResponse{}, s.mtuBytes)
	if err != nil {
		return Result{}, err
	}
	return Result{Outgoing: out, Connected: true, IdentityToken: st.identityToken}, nil
}

func (s *Server) handleDisconnect(addr string, r *wire.Reader) (Result, error) {
	var m Disconnect
	if err := m.Deserialize(r); err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	st, ok := s.get(addr)
	matches := ok && st.timestamp == m.Timestamp && VerifyTimestamp(s.key, m.Timestamp, m.MAC)
	if matches {
		s.remove(addr)
	}
	s.mu.Unlock()

	if !matches {
		// Disconnect is idempotent: an unknown or mismatched
		// address is a silent no-op, not an error.
		return Result{}, nil
	}
	return Result{Disconnected: true}, nil
}

// get returns addr's cached state, bumping it to most-recently-used.
func (s *Server) get(addr string) (*addrState, bool) {
	el, ok := s.byAddr[addr]
	if !ok {
		return nil, false
	}
	s.cache.MoveToBack(el)
	return el.Value.(*addrState), true
}

// put inserts or replaces addr's cached state, evicting the oldest entry
// once over capacity.
func (s *Server) put(st *addrState) {
	if el, ok := s.byAddr[st.addr]; ok {
		s.cache.Remove(el)
	}
	el := s.cache.PushBack(st)
	s.byAddr[st.addr] = el

	if s.cache.Len() > s.capacity {
		oldest := s.cache.Front()
		s.cache.Remove(oldest)
		delete(s.byAddr, oldest.Value.(*addrState).addr)
	}
}

func (s *Server) remove(addr string) {
	if el, ok := s.byAddr[addr]; ok {
		s.cache.Remove(el)
		delete(s.byAddr, addr)
	}
}
