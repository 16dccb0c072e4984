// Package predict implements client-side prediction and reconciliation
//: a bounded command history keyed by client tick, and a
// reconciler that mirrors authoritative state onto a predicted entity and
// replays locally-recorded commands forward from it.
package predict

import (
	"github.com/jabolina/go-netcode/pkg/netcode/types"
	"github.com/jabolina/go-netcode/pkg/netcode/wire"
)

// DefaultHistoryCapacity bounds how many ticks of commands are retained.
// At a typical 20-60ms round trip this comfortably covers reconciliation
// replay without growing unbounded on a connection that never receives an
// update for an owned entity.
const DefaultHistoryCapacity = 128

// Command is one recorded input for a single client tick, opaque to the
// history itself; the adapter supplies whatever its simulation step needs
// to re-run the command.
type Command struct {
	Tick types.Tick
	Data interface{}
}

// CommandHistory is a bounded, tick-ordered ring of recorded commands for
// one locally-predicted entity. Ticks are recorded in increasing order (the
// caller drives one per local tick), so the backing slice stays sorted
// without needing a search on insert.
type CommandHistory struct {
	capacity int
	commands []Command
}

// NewCommandHistory constructs a history retaining at most capacity
// commands. A non-positive capacity falls back to DefaultHistoryCapacity.
func NewCommandHistory(capacity int) *CommandHistory {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &CommandHistory{capacity: capacity}
}

// Record appends a command for tick, evicting the oldest entry if the
// history is at capacity.
func (h *CommandHistory) Record(tick types.Tick, data interface{}) {
	h.commands = append(h.commands, Command{Tick: tick, Data: data})
	if len(h.commands) > h.capacity {
		h.commands = h.commands[len(h.commands)-h.capacity:]
	}
}

// Prune drops every recorded command at or before tick, called once a
// server update has confirmed state through that tick and the entries can
// no longer be needed for replay.
func (h *CommandHistory) Prune(tick types.Tick) {
	cut := 0
	for cut < len(h.commands) && !wire.SequenceGreaterThan(uint16(h.commands[cut].Tick), uint16(tick)) {
		cut++
	}
	h.commands = h.commands[cut:]
}

// Since returns every recorded command with Tick strictly after tick, in
// ascending tick order.
func (h *CommandHistory) Since(tick types.Tick) []Command {
	var out []Command
	for _, c := range h.commands {
		if wire.SequenceGreaterThan(uint16(c.Tick), uint16(tick)) {
			out = append(out, c)
		}
	}
	return out
}

// Len reports the number of currently retained commands.
func (h *CommandHistory) Len() int {
	return len(h.commands)
}
