package predict

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jabolina/go-netcode/pkg/netcode/types"
)

func TestCommandHistoryRecordAndSince(t *testing.T) {
	h := NewCommandHistory(0)
	h.Record(types.Tick(1), "a")
	h.Record(types.Tick(2), "b")
	h.Record(types.Tick(3), "c")

	assert.Equal(t, 3, h.Len())

	since := h.Since(types.Tick(1))
	assert.Len(t, since, 2)
	assert.Equal(t, "b", since[0].Data)
	assert.Equal(t, "c", since[1].Data)
}

func TestCommandHistoryZeroCapacityFallsBackToDefault(t *testing.T) {
	h := NewCommandHistory(0)
	assert.Equal(t, DefaultHistoryCapacity, h.capacity)
}

func TestCommandHistoryEvictsOldestPastCapacity(t *testing.T) {
	h := NewCommandHistory(2)
	h.Record(types.Tick(1), "a")
	h.Record(types.Tick(2), "b")
	h.Record(types.Tick(3), "c")

	assert.Equal(t, 2, h.Len())
	since := h.Since(types.Tick(0))
	assert.Equal(t, "b", since[0].Data)
	assert.Equal(t, "c", since[1].Data)
}

func TestCommandHistoryPruneDropsAtOrBeforeTick(t *testing.T) {
	h := NewCommandHistory(0)
	h.Record(types.Tick(1), "a")
	h.Record(types.Tick(2), "b")
	h.Record(types.Tick(3), "c")

	h.Prune(types.Tick(2))

	assert.Equal(t, 1, h.Len())
	since := h.Since(types.Tick(0))
	assert.Equal(t, "c", since[0].Data)
}

func TestCommandHistorySinceIsExclusiveOfTick(t *testing.T) {
	h := NewCommandHistory(0)
	h.Record(types.Tick(5), "at-five")

	assert.Empty(t, h.Since(types.Tick(5)))
	assert.Len(t, h.Since(types.Tick(4)), 1)
}
