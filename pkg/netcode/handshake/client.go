package handshake

import (
	"fmt"
	"time"

	"github.com/jabolina/go-netcode/pkg/netcode/clockutil"
	"github.com/jabolina/go-netcode/pkg/netcode/definition"
	"github.com/jabolina/go-netcode/pkg/netcode/types"
)

// ClientState is one step of the client-side handshake state machine
//: AwaitingChallengeResponse -> AwaitingValidateResponse ->
// TimeSync -> AwaitingConnectResponse -> Connected.
type ClientState int

const (
	AwaitingChallengeResponse ClientState = iota
	AwaitingValidateResponse
	TimeSync
	AwaitingConnectResponse
	Connected
)

func (s ClientState) String() string {
	switch s {
	case AwaitingChallengeResponse:
		return "AwaitingChallengeResponse"
	case AwaitingValidateResponse:
		return "AwaitingValidateResponse"
	case TimeSync:
		return "TimeSync"
	case AwaitingConnectResponse:
		return "AwaitingConnectResponse"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// Client drives one connection attempt from the client side. Every
// non-terminal state re-transmits its own request on
// send_handshake_interval_ms until the expected response arrives; the
// time-sync phase additionally paces its own pings on ping_interval_ms.
type Client struct {
	cfg      types.Config
	identity types.IdentityReceiver
	logger   definition.Logger
	mtuBytes int

	state      ClientState
	retransmit *clockutil.Timer

	identityToken      string
	challengeTimestamp uint64
	serverMAC          MAC

	pingTimer      *clockutil.Timer
	pingsSent      int
	pingsNeeded    int
	pingInFlight   bool
	pingSentAtMs   uint64
	rttSamples     []time.Duration
	lastServerTick types.Tick

	rejected     bool
	rejectReason string
}

// NewClient constructs a Client in its initial AwaitingChallengeResponse
// state. It does not send anything until identity resolves a token.
func NewClient(cfg types.Config, identity types.IdentityReceiver, logger definition.Logger) *Client {
	return &Client{
		cfg:         cfg,
		identity:    identity,
		logger:      logger,
		mtuBytes:    int(cfg.MTUBytes),
		state:       AwaitingChallengeResponse,
		retransmit:  clockutil.NewTimer(time.Duration(cfg.SendHandshakeIntervalMs) * time.Millisecond),
		pingTimer:   clockutil.NewTimer(time.Duration(cfg.PingIntervalMs) * time.Millisecond),
		pingsNeeded: int(cfg.HandshakePings),
	}
}

// State reports the current handshake step.
func (c *Client) State() ClientState { return c.state }

// Rejected reports whether the identity service or a server response
// refused the connection attempt, surfaced by the caller as a RejectEvent.
func (c *Client) Rejected() (reason string, rejected bool) {
	return c.rejectReason, c.rejected
}

// Poll advances the state machine and returns the next packet to send, if
// any is due this call. The caller is expected to call Poll once per
// frame and hand any non-nil result to the transport.
func (c *Client) Poll() ([]byte, error) {
	if c.rejected || c.state == Connected {
		return nil, nil
	}

	if c.state == AwaitingChallengeResponse && c.identityToken == "" {
		status := c.identity.Poll()
		switch status.State {
		case types.IdentityWaiting:
			return nil, nil
		case types.IdentityError:
			c.rejected = true
			c.rejectReason = fmt.Sprintf("identity service rejected with code %d", status.ErrorCode)
			return nil, nil
		case types.IdentitySuccess:
			c.identityToken = status.Token
			c.challengeTimestamp = uint64(time.Now().UnixMilli())
		}
	}

	if c.state == TimeSync {
		return c.pollTimeSync()
	}

	if !c.retransmit.Armed() {
		c.retransmit.Arm()
		return c.buildRequest()
	}
	if c.retransmit.RingAndReset() {
		c.logger.Debugf("handshake: retransmitting %v request", c.state)
		return c.buildRequest()
	}
	return nil, nil
}

func (c *Client) buildRequest() ([]byte, error) {
	switch c.state {
	case AwaitingChallengeResponse:
		return encodeHandshake(types.ClientChallengeRequest, &ChallengeRequest{
			Timestamp:     c.challengeTimestamp,
			IdentityToken: c.identityToken,
		}, c.mtuBytes)
	case AwaitingValidateResponse:
		return encodeHandshake(types.ClientValidateRequest, &ValidateRequest{
			Timestamp: c.challengeTimestamp,
			MAC:       c.serverMAC,
		}, c.mtuBytes)
	case AwaitingConnectResponse:
		return encodeHandshake(types.ClientConnectRequest, &ConnectRequest{}, c.mtuBytes)
	default:
		return nil, nil
	}
}

func (c *Client) pollTimeSync() ([]byte, error) {
	if c.pingsSent >= c.pingsNeeded {
		c.state = AwaitingConnectResponse
		c.retransmit.Disarm()
		return nil, nil
	}
	if c.pingInFlight {
		return nil, nil
	}
	if !c.pingTimer.Armed() {
		c.pingTimer.Arm()
		return c.sendPing()
	}
	if c.pingTimer.RingAndReset() {
		return c.sendPing()
	}
	return nil, nil
}

func (c *Client) sendPing() ([]byte, error) {
	now := uint64(time.Now().UnixMilli())
	c.pingSentAtMs = now
	c.pingInFlight = true
	return encodeTimeSync(types.PacketPing, &Ping{SendTimestampMs: now}, c.mtuBytes)
}

// HandleIncoming dispatches a decoded packet to the state machine. Packets
// for a state other than the current one (stale retransmits, duplicates)
// are silently ignored rather than erroring.
func (c *Client) HandleIncoming(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	switch types.PacketType(payload[0]) {
	case types.PacketHandshake:
		return c.handleHandshakePacket(payload)
	case types.PacketPong:
		return c.handlePong(payload)
	}
	return nil
}

func (c *Client) handleHandshakePacket(payload []byte) error {
	sub, r, err := decodeHandshake(payload)
	if err != nil {
		return err
	}

	switch sub {
	case types.ServerChallengeResponse:
		if c.state != AwaitingChallengeResponse {
			return nil
		}
		var m ChallengeResponse
		if err := m.Deserialize(r); err != nil {
			return err
		}
		if m.Timestamp != c.challengeTimestamp {
			return nil
		}
		c.serverMAC = m.MAC
		c.state = AwaitingValidateResponse
		c.retransmit.Disarm()

	case types.ServerValidateResponse:
		if c.state != AwaitingValidateResponse {
			return nil
		}
		var m ValidateResponse
		if err := m.Deserialize(r); err != nil {
			return err
		}
		c.state = TimeSync
		c.retransmit.Disarm()
		c.pingTimer.Disarm()

	case types.ServerConnectResponse:
		if c.state != AwaitingConnectResponse {
			return nil
		}
		var m ConnectResponse
		if err := m.Deserialize(r); err != nil {
			return err
		}
		c.state = Connected
		c.retransmit.Disarm()
	}
	return nil
}

func (c *Client) handlePong(payload []byte) error {
	if c.state != TimeSync || !c.pingInFlight {
		return nil
	}
	r, err := decodeTimeSyncBody(payload)
	if err != nil {
		return err
	}
	var m Pong
	if err := m.Deserialize(r); err != nil {
		return err
	}
	if m.ClientSendTimestampMs != c.pingSentAtMs {
		return nil
	}

	nowMs := uint64(time.Now().UnixMilli())
	rtt := time.Duration(nowMs-m.ClientSendTimestampMs) * time.Millisecond
	c.rttSamples = append(c.rttSamples, rtt)
	c.lastServerTick = m.ServerTick
	c.pingsSent++
	c.pingInFlight = false
	return nil
}

// TimeSyncResult returns the averaged RTT and the last observed server
// tick from the time-sync phase, used to seed tick.Manager once the
// handshake completes. ok is false until every
// configured ping has a matching pong.
func (c *Client) TimeSyncResult() (avgRTT time.Duration, serverTick types.Tick, ok bool) {
	if len(c.rttSamples) < c.pingsNeeded {
		return 0, 0, false
	}
	var total time.Duration
	for _, s := range c.rttSamples {
		total += s
	}
	return total / time.Duration(len(c.rttSamples)), c.lastServerTick, true
}

// BuildDisconnect encodes the Disconnect handshake packet carrying this
// client's original (timestamp, MAC) pair.
func (c *Client) BuildDisconnect() ([]byte, error) {
	return encodeHandshake(types.Disconnect, &Disconnect{
		Timestamp: c.challengeTimestamp,
		MAC:       c.serverMAC,
	}, c.mtuBytes)
}
