package bigmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBigMapInsertGetRemove(t *testing.T) {
	m := New[string]()

	h1 := m.Insert("a")
	h2 := m.Insert("b")
	h3 := m.Insert("c")

	assert.NotEqual(t, h1, h2)
	assert.NotEqual(t, h2, h3)
	assert.Equal(t, 3, m.Len())

	v, ok := m.Get(h2)
	require.True(t, ok)
	assert.Equal(t, "b", v)

	removed, ok := m.Remove(h1)
	require.True(t, ok)
	assert.Equal(t, "a", removed)
	assert.Equal(t, 2, m.Len())

	// h2 and h3 remain reachable after the swap-compact.
	v, ok = m.Get(h2)
	require.True(t, ok)
	assert.Equal(t, "b", v)
	v, ok = m.Get(h3)
	require.True(t, ok)
	assert.Equal(t, "c", v)

	_, ok = m.Get(h1)
	assert.False(t, ok)
}

func TestBigMapHandlesNeverReused(t *testing.T) {
	m := New[int]()
	seen := make(map[Handle]bool)
	for i := 0; i < 50; i++ {
		h := m.Insert(i)
		if seen[h] {
			t.Fatalf("handle %d reused", h)
		}
		seen[h] = true
		if i%3 == 0 {
			m.Remove(h)
		}
	}
}
