// Package tick implements the client-side tick manager: the PLL-style
// phase lock between a free-running local tick and the server's tick
// stream, and the four derived tick quantities the rest of the client
// consults.
package tick

import (
	"math"

	"github.com/jabolina/go-netcode/pkg/netcode/types"
	"github.com/jabolina/go-netcode/pkg/netcode/wire"
)

// Manager tracks the smoothed offset between internal_tick and the most
// recently observed server tick, and derives client_sending_tick,
// client_receiving_tick, and server_receivable_tick from it.
// All derived ticks clamp to monotonic progress per call.
type Manager struct {
	cfg types.Config

	internalTick types.Tick
	tickSpeed    float64 // tick_speed_factor; nudged by ±TickSpeedAdjustStep

	offsetAvg      float64
	haveOffsetAvg  bool
	offsetSpeedAvg float64
	lastOffset     float64
	haveLastOffset bool

	rttMillis    float64
	jitterMillis float64

	lastSendingTick   types.Tick
	haveSendingTick   bool
	lastReceivingTick types.Tick
	haveReceivingTick bool
	lastReceivable    types.Tick
	haveReceivable    bool
}

// NewManager constructs a Manager starting its free-running tick at zero.
func NewManager(cfg types.Config) *Manager {
	return &Manager{cfg: cfg, tickSpeed: 1.0}
}

// AdvanceLocalTick moves internal_tick forward by exactly one; callers
// drive this once per real tick_interval_ms elapsed. tick_speed_factor, as
// adjusted by RecordServerTick, does not scale this step.
func (m *Manager) AdvanceLocalTick() {
	m.internalTick++
}

// RecordLatency folds in fresh RTT/jitter measurements without treating
// them as a tick observation; the offset statistics only move on
// RecordServerTick.
func (m *Manager) RecordLatency(rttMillis, jitterMillis float64) {
	m.rttMillis = rttMillis
	m.jitterMillis = jitterMillis
}

// RecordServerTick folds in one freshly observed server tick.
func (m *Manager) RecordServerTick(serverTick types.Tick, frameInterpolation float64, rttMillis, jitterMillis float64) {
	m.rttMillis = rttMillis
	m.jitterMillis = jitterMillis

	offset := float64(int32(serverTick)-int32(m.internalTick)) - frameInterpolation

	if !m.haveOffsetAvg {
		m.offsetAvg = offset
		m.haveOffsetAvg = true
	} else {
		m.offsetAvg += m.cfg.TickOffsetSmoothFactor * (offset - m.offsetAvg)
	}

	if m.haveLastOffset {
		speed := offset - m.lastOffset
		m.offsetSpeedAvg += m.cfg.TickOffsetSmoothFactor * (speed - m.offsetSpeedAvg)
	}
	m.lastOffset = offset
	m.haveLastOffset = true

	m.adjustTickSpeed()
}

// adjustTickSpeed nudges tick_speed_factor by ±TickSpeedAdjustStep when
// the smoothed offset-speed exceeds one tick per tick.
func (m *Manager) adjustTickSpeed() {
	switch {
	case m.offsetSpeedAvg > 1:
		m.tickSpeed += m.cfg.TickSpeedAdjustStep
	case m.offsetSpeedAvg < -1:
		m.tickSpeed -= m.cfg.TickSpeedAdjustStep
	}
	if m.tickSpeed < 0.1 {
		m.tickSpeed = 0.1
	}
}

// ServerTick returns server_tick ≈ internal_tick + offset_avg.
func (m *Manager) ServerTick() types.Tick {
	return types.Tick(int32(m.internalTick) + int32(math.Round(m.offsetAvg)))
}

func (m *Manager) jitterMarginTicks() float64 {
	margin := m.cfg.JitterSafetyMultiplier * m.jitterMillis
	return margin / float64(m.cfg.TickIntervalMs)
}

// ClientSendingTick returns the tick the server will receive our next
// command at if we send now, clamped to monotonic progress.
func (m *Manager) ClientSendingTick() types.Tick {
	latencyMs := math.Max(float64(m.cfg.MinimumLatencyMs), m.rttMillis+m.cfg.JitterSafetyMultiplier*m.jitterMillis)
	delta := math.Ceil(latencyMs/float64(m.cfg.TickIntervalMs)) + 2
	tick := types.Tick(int32(m.ServerTick()) + int32(delta))
	if m.haveSendingTick && tickLessThan(tick, m.lastSendingTick) {
		tick = m.lastSendingTick
	}
	m.lastSendingTick = tick
	m.haveSendingTick = true
	return tick
}

// ClientReceivingTick returns the tick the client displays/applies server
// updates at, one jitter-buffer depth behind server_tick.
func (m *Manager) ClientReceivingTick() types.Tick {
	delta := math.Ceil(m.jitterMarginTicks()) + 1
	tick := types.Tick(int32(m.ServerTick()) - int32(delta))
	if m.haveReceivingTick && tickLessThan(tick, m.lastReceivingTick) {
		tick = m.lastReceivingTick
	}
	m.lastReceivingTick = tick
	m.haveReceivingTick = true
	return tick
}

// ServerReceivableTick returns the earliest tick the server could still
// accept a command for, used by the tick-buffer sender to prune.
func (m *Manager) ServerReceivableTick() types.Tick {
	delta := (m.rttMillis - m.cfg.JitterSafetyMultiplier*m.jitterMillis) / float64(m.cfg.TickIntervalMs)
	tick := types.Tick(int32(m.ServerTick()) + int32(delta))
	if m.haveReceivable && tickLessThan(tick, m.lastReceivable) {
		tick = m.lastReceivable
	}
	m.lastReceivable = tick
	m.haveReceivable = true
	return tick
}

// tickLessThan compares two ticks on the wrapping 16-bit ring.
func tickLessThan(a, b types.Tick) bool {
	return wire.SequenceLessThan(uint16(a), uint16(b))
}
