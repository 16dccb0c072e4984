package predict

import "github.com/jabolina/go-netcode/pkg/netcode/types"

// Blend renders entity at a point strictly between two confirmed
// server-tick snapshots, given the fractional progress between them.
// Supplied by the host application; the core has no notion of how to blend
// a component's properties.
type Blend func(entity types.Entity, from, to types.Tick, progress float64)

// Interpolator holds the two most recent confirmed server-tick snapshots
// for non-predicted entities and blends between them.
type Interpolator struct {
	blend      Blend
	fromTick   types.Tick
	toTick     types.Tick
	haveWindow bool
}

// NewInterpolator constructs an interpolator driven by blend.
func NewInterpolator(blend Blend) *Interpolator {
	return &Interpolator{blend: blend}
}

// Advance records a newly confirmed server-tick snapshot boundary, sliding
// the interpolation window forward so the next Render call blends between
// the previous boundary and this one.
func (ip *Interpolator) Advance(tick types.Tick) {
	if ip.haveWindow {
		ip.fromTick = ip.toTick
	} else {
		ip.fromTick = tick
		ip.haveWindow = true
	}
	ip.toTick = tick
}

// Render blends entity between the current window's two snapshots at the
// given fractional progress (accumulator / tick_interval_ms), clamped to [0, 1].
func (ip *Interpolator) Render(entity types.Entity, progress float64) {
	if !ip.haveWindow {
		return
	}
	if progress < 0 {
		progress = 0
	} else if progress > 1 {
		progress = 1
	}
	ip.blend(entity, ip.fromTick, ip.toTick, progress)
}
