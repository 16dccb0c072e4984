// Package jitter implements the tick-indexed receive buffer that smooths
// network jitter by holding inbound packet payloads until the connection's
// receiving tick catches up to them.
package jitter

import (
	"container/heap"

	"github.com/jabolina/go-netcode/pkg/netcode/types"
	"github.com/jabolina/go-netcode/pkg/netcode/wire"
)

// entry pairs a tick with the owned reader holding that packet's payload.
type entry struct {
	tick   types.Tick
	reader *wire.Reader
}

// tickHeap is a min-heap over entry.tick, used to drain in tick order
// regardless of arrival order.
type tickHeap []entry

func (h tickHeap) Len() int { return len(h) }
func (h tickHeap) Less(i, j int) bool {
	return wire.SequenceLessThan(uint16(h[i].tick), uint16(h[j].tick))
}
func (h tickHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *tickHeap) Push(x interface{}) { *h = append(*h, x.(entry)) }
func (h *tickHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Buffer holds owned BitReaders keyed by the tick embedded in the packet
// that produced them, releasing them in tick order as the connection's
// receiving tick advances.
type Buffer struct {
	h tickHeap
}

// NewBuffer constructs an empty jitter buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Push inserts a received packet's tick and owned reader.
func (b *Buffer) Push(tick types.Tick, r *wire.Reader) {
	heap.Push(&b.h, entry{tick: tick, reader: r})
}

// Len reports how many entries are currently buffered.
func (b *Buffer) Len() int { return b.h.Len() }

// DrainUpTo pops and returns every buffered entry whose tick is <= tick, in
// ascending tick order, discarding any entry whose tick is strictly older
// than tick minus the configured safety margin is NOT this buffer's job:
// the caller decides what counts as "too old"; this buffer only orders.
func (b *Buffer) DrainUpTo(tick types.Tick) []struct {
	Tick   types.Tick
	Reader *wire.Reader
} {
	var out []struct {
		Tick   types.Tick
		Reader *wire.Reader
	}
	for b.h.Len() > 0 && !wire.SequenceGreaterThan(uint16(b.h[0].tick), uint16(tick)) {
		e := heap.Pop(&b.h).(entry)
		out = append(out, struct {
			Tick   types.Tick
			Reader *wire.Reader
		}{Tick: e.tick, Reader: e.reader})
	}
	return out
}
