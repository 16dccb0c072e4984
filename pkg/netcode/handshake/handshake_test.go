package handshake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jabolina/go-netcode/pkg/netcode/definition"
	"github.com/jabolina/go-netcode/pkg/netcode/types"
)

type fixedIdentity struct {
	status types.IdentityStatus
}

func (f fixedIdentity) Poll() types.IdentityStatus { return f.status }

// walkHandshake drives client and server against each other until the
// client reaches Connected or the exchange stalls.
func walkHandshake(t *testing.T, c *Client, s *Server, addr string) Result {
	t.Helper()
	var last Result
	for i := 0; i < 10 && c.State() != Connected; i++ {
		out, err := c.Poll()
		require.NoError(t, err)
		if out == nil {
			continue
		}
		res, err := s.HandlePacket(addr, out)
		require.NoError(t, err)
		last = res
		if res.Outgoing != nil {
			require.NoError(t, c.HandleIncoming(res.Outgoing))
		}
	}
	return last
}

func TestHandshakeFullWalkthrough(t *testing.T) {
	key, err := NewServerKey()
	require.NoError(t, err)
	cfg := types.DefaultConfig()
	cfg.PingIntervalMs = 1 // the ping pacing timer runs on real time; keep the test fast
	var tick types.Tick = 5
	server := NewServer(key, cfg, func() types.Tick { return tick }, nil)

	identity := fixedIdentity{status: types.IdentityStatus{State: types.IdentitySuccess, Token: "player-1"}}
	client := NewClient(cfg, identity, definition.NewDefaultLogger())
	addr := "127.0.0.1:9000"

	// Drive through ChallengeRequest/Response and ValidateRequest/Response.
	for i := 0; i < 10 && client.State() != TimeSync; i++ {
		out, err := client.Poll()
		require.NoError(t, err)
		if out == nil {
			continue
		}
		res, err := server.HandlePacket(addr, out)
		require.NoError(t, err)
		if res.Outgoing != nil {
			require.NoError(t, client.HandleIncoming(res.Outgoing))
		}
	}
	require.Equal(t, TimeSync, client.State())

	// Drive the time-sync ping/pong phase to completion. Each ping past the
	// first only goes out once ping_interval_ms has elapsed.
	for i := 0; i < 256 && client.State() == TimeSync; i++ {
		out, err := client.Poll()
		require.NoError(t, err)
		if out == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		res, err := server.HandlePacket(addr, out)
		require.NoError(t, err)
		if res.Outgoing != nil {
			require.NoError(t, client.HandleIncoming(res.Outgoing))
		}
	}
	require.Equal(t, AwaitingConnectResponse, client.State())

	rtt, serverTick, ok := client.TimeSyncResult()
	require.True(t, ok)
	assert.GreaterOrEqual(t, rtt.Nanoseconds(), int64(0))
	assert.Equal(t, tick, serverTick)

	last := walkHandshake(t, client, server, addr)
	assert.Equal(t, Connected, client.State())
	assert.True(t, last.Connected)
	assert.Equal(t, "player-1", last.IdentityToken)

	disconnect, err := client.BuildDisconnect()
	require.NoError(t, err)
	res, err := server.HandlePacket(addr, disconnect)
	require.NoError(t, err)
	assert.True(t, res.Disconnected)

	// A second disconnect for the same address is now a no-op (idempotent).
	res2, err := server.HandlePacket(addr, disconnect)
	require.NoError(t, err)
	assert.False(t, res2.Disconnected)
}

func TestServerRejectsFailedAuthentication(t *testing.T) {
	key, err := NewServerKey()
	require.NoError(t, err)
	cfg := types.DefaultConfig()
	server := NewServer(key, cfg, func() types.Tick { return 0 }, func(token string) bool { return token == "valid" })

	payload, err := encodeHandshake(types.ClientChallengeRequest, &ChallengeRequest{
		Timestamp:     1,
		IdentityToken: "invalid",
	}, 1200)
	require.NoError(t, err)

	_, err = server.HandlePacket("127.0.0.1:1", payload)
	assert.ErrorIs(t, err, types.ErrHandshakeRejected)
}

func TestServerIgnoresStaleChallengeRequest(t *testing.T) {
	key, err := NewServerKey()
	require.NoError(t, err)
	cfg := types.DefaultConfig()
	server := NewServer(key, cfg, func() types.Tick { return 0 }, nil)
	addr := "127.0.0.1:2"

	first, err := encodeHandshake(types.ClientChallengeRequest, &ChallengeRequest{Timestamp: 100, IdentityToken: "a"}, 1200)
	require.NoError(t, err)
	res1, err := server.HandlePacket(addr, first)
	require.NoError(t, err)
	require.NotNil(t, res1.Outgoing)

	stale, err := encodeHandshake(types.ClientChallengeRequest, &ChallengeRequest{Timestamp: 50, IdentityToken: "b"}, 1200)
	require.NoError(t, err)
	res2, err := server.HandlePacket(addr, stale)
	require.NoError(t, err)
	assert.Nil(t, res2.Outgoing)
}

func TestServerValidateRejectsWrongMAC(t *testing.T) {
	key, err := NewServerKey()
	require.NoError(t, err)
	cfg := types.DefaultConfig()
	server := NewServer(key, cfg, func() types.Tick { return 0 }, nil)
	addr := "127.0.0.1:3"

	challenge, err := encodeHandshake(types.ClientChallengeRequest, &ChallengeRequest{Timestamp: 1, IdentityToken: "a"}, 1200)
	require.NoError(t, err)
	_, err = server.HandlePacket(addr, challenge)
	require.NoError(t, err)

	bogus, err := encodeHandshake(types.ClientValidateRequest, &ValidateRequest{Timestamp: 1, MAC: MAC{0xFF}}, 1200)
	require.NoError(t, err)
	res, err := server.HandlePacket(addr, bogus)
	require.NoError(t, err)
	assert.Nil(t, res.Outgoing)
}

func TestServerPingRespondsWithCurrentTick(t *testing.T) {
	key, err := NewServerKey()
	require.NoError(t, err)
	cfg := types.DefaultConfig()
	server := NewServer(key, cfg, func() types.Tick { return 42 }, nil)

	ping, err := encodeTimeSync(types.PacketPing, &Ping{SendTimestampMs: 7}, 1200)
	require.NoError(t, err)

	res, err := server.HandlePacket("127.0.0.1:4", ping)
	require.NoError(t, err)
	require.NotNil(t, res.Outgoing)

	r, err := decodeTimeSyncBody(res.Outgoing)
	require.NoError(t, err)
	var pong Pong
	require.NoError(t, pong.Deserialize(r))
	assert.Equal(t, uint64(7), pong.ClientSendTimestampMs)
	assert.Equal(t, types.Tick(42), pong.ServerTick)
}
