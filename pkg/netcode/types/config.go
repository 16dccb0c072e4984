package types

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Config bundles every tunable the engine exposes, including the two
// parameters the tick manager's phase lock reads instead of hard-coding.
// There is exactly one Config per Client/Server instance; it is immutable
// after Validate succeeds.
type Config struct {
	TickIntervalMs            uint32
	DisconnectionTimeoutMs    uint32
	HeartbeatIntervalMs       uint32
	SendHandshakeIntervalMs   uint32
	PingIntervalMs            uint32
	HandshakePings            uint8
	RTTSmoothingFactor        float64
	JitterSmoothingFactor     float64
	TickOffsetSmoothFactor    float64
	MinimumLatencyMs          uint32
	MinimumSendJitterBufSize  uint8
	MinimumRecvJitterBufSize  uint8
	TickResendFactor          float64
	RTTResendFactor           float64
	MessageHistorySize        uint16
	FragmentationLimitBits    uint32
	MTUBytes                  uint32

	// TickSpeedAdjustStep bounds each PLL correction to the
	// tick_speed_factor.
	TickSpeedAdjustStep float64

	// JitterSafetyMultiplier scales measured jitter into the extra buffer
	// depth the jitter buffer reserves.
	JitterSafetyMultiplier float64
}

// DefaultConfig returns the tuning an ordinary 20Hz deployment starts
// from, in this module's units (milliseconds, not Duration).
func DefaultConfig() Config {
	return Config{
		TickIntervalMs:           50,
		DisconnectionTimeoutMs:   10_000,
		HeartbeatIntervalMs:      4_000,
		SendHandshakeIntervalMs:  250,
		PingIntervalMs:           1_000,
		HandshakePings:           10,
		RTTSmoothingFactor:       0.1,
		JitterSmoothingFactor:    0.1,
		TickOffsetSmoothFactor:   0.1,
		MinimumLatencyMs:         0,
		MinimumSendJitterBufSize: 1,
		MinimumRecvJitterBufSize: 1,
		TickResendFactor:         1.5,
		RTTResendFactor:          1.5,
		MessageHistorySize:       64,
		FragmentationLimitBits:   (1200 - 50) * 8,
		MTUBytes:                 1200,
		TickSpeedAdjustStep:      0.1,
		JitterSafetyMultiplier:   4.0,
	}
}

// TickInterval returns TickIntervalMs as a time.Duration, for callers that
// compose with the standard library's timers.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// DisconnectionTimeout returns DisconnectionTimeoutMs as a time.Duration.
func (c Config) DisconnectionTimeout() time.Duration {
	return time.Duration(c.DisconnectionTimeoutMs) * time.Millisecond
}

// Validate aggregates every malformed field into a single error instead of
// failing on the first one, so a misconfigured host sees the full list at
// once.
func (c Config) Validate() error {
	var result *multierror.Error

	if c.TickIntervalMs == 0 {
		result = multierror.Append(result, fmt.Errorf("tick_interval_ms must be > 0"))
	}
	if c.DisconnectionTimeoutMs <= c.HeartbeatIntervalMs {
		result = multierror.Append(result, fmt.Errorf("disconnection_timeout_ms (%d) must exceed heartbeat_interval_ms (%d)", c.DisconnectionTimeoutMs, c.HeartbeatIntervalMs))
	}
	if c.HeartbeatIntervalMs == 0 {
		result = multierror.Append(result, fmt.Errorf("heartbeat_interval_ms must be > 0"))
	}
	if c.SendHandshakeIntervalMs == 0 {
		result = multierror.Append(result, fmt.Errorf("send_handshake_interval_ms must be > 0"))
	}
	if c.PingIntervalMs == 0 {
		result = multierror.Append(result, fmt.Errorf("ping_interval_ms must be > 0"))
	}
	if c.HandshakePings == 0 {
		result = multierror.Append(result, fmt.Errorf("handshake_pings must be > 0"))
	}
	if c.RTTSmoothingFactor <= 0 || c.RTTSmoothingFactor >= 1 {
		result = multierror.Append(result, fmt.Errorf("rtt_smoothing_factor must be in (0,1), got %f", c.RTTSmoothingFactor))
	}
	if c.JitterSmoothingFactor <= 0 || c.JitterSmoothingFactor >= 1 {
		result = multierror.Append(result, fmt.Errorf("jitter_smoothing_factor must be in (0,1), got %f", c.JitterSmoothingFactor))
	}
	if c.TickOffsetSmoothFactor <= 0 || c.TickOffsetSmoothFactor >= 1 {
		result = multierror.Append(result, fmt.Errorf("tick_offset_smooth_factor must be in (0,1), got %f", c.TickOffsetSmoothFactor))
	}
	if c.TickResendFactor <= 1 {
		result = multierror.Append(result, fmt.Errorf("tick_resend_factor must be > 1, got %f", c.TickResendFactor))
	}
	if c.RTTResendFactor <= 1 {
		result = multierror.Append(result, fmt.Errorf("rtt_resend_factor must be > 1, got %f", c.RTTResendFactor))
	}
	if c.MessageHistorySize == 0 {
		result = multierror.Append(result, fmt.Errorf("message_history_size must be > 0"))
	}
	if c.MTUBytes == 0 {
		result = multierror.Append(result, fmt.Errorf("mtu_bytes must be > 0"))
	}
	if c.FragmentationLimitBits == 0 || c.FragmentationLimitBits > c.MTUBytes*8 {
		result = multierror.Append(result, fmt.Errorf("fragmentation_limit_bits (%d) must be in (0, mtu_bytes*8], got mtu_bytes*8=%d", c.FragmentationLimitBits, c.MTUBytes*8))
	}
	if c.TickSpeedAdjustStep <= 0 {
		result = multierror.Append(result, fmt.Errorf("tick_speed_adjust_step must be > 0"))
	}
	if c.JitterSafetyMultiplier <= 0 {
		result = multierror.Append(result, fmt.Errorf("jitter_safety_multiplier must be > 0"))
	}

	return result.ErrorOrNil()
}
