package predict

import (
	"github.com/jabolina/go-netcode/pkg/netcode/types"
)

// Simulate re-applies one recorded command to the predicted entity's
// components, advancing its local simulation by one step. Supplied by the
// host application; the core has no notion of what a command does.
type Simulate func(predicted types.Entity, cmd Command)

// Reconciler drives reconciliation for one locally-predicted entity: on
// every component update received for the entity it owns, it
// mirrors the freshly-authoritative state onto the prediction and replays
// whatever commands ran ahead of the server's confirmed tick.
type Reconciler struct {
	world     types.World
	history   *CommandHistory
	simulate  Simulate
	predicted types.Entity
}

// NewReconciler constructs a reconciler for predicted, backed by world and
// history, replaying commands through simulate.
func NewReconciler(world types.World, predicted types.Entity, history *CommandHistory, simulate Simulate) *Reconciler {
	return &Reconciler{world: world, history: history, simulate: simulate, predicted: predicted}
}

// SpawnPrediction creates the predicted copy of a locally-owned entity,
// ready to be handed to NewReconciler.
func SpawnPrediction(world types.World, authoritative types.Entity) types.Entity {
	return world.DuplicateEntity(authoritative)
}

// Predicted returns the entity this reconciler maintains a prediction for.
func (r *Reconciler) Predicted() types.Entity {
	return r.predicted
}

// Reconcile applies one authoritative component update at serverTick:
//  1. mirror the predicted entity's state for kind to authoritative's state
//     at serverTick,
//  2. replay every command recorded after serverTick, in ascending order,
//     re-running the simulation step locally so the prediction catches back
//     up to the input the server hasn't seen yet.
//
// History entries at or before serverTick are pruned: the server has now
// confirmed through that tick, so they can never be replayed again.
func (r *Reconciler) Reconcile(authoritative types.Entity, kind types.ComponentKind, serverTick types.Tick) {
	r.world.ComponentMirrorTo(r.predicted, authoritative, kind)

	for _, cmd := range r.history.Since(serverTick) {
		r.simulate(r.predicted, cmd)
	}

	r.history.Prune(serverTick)
}
