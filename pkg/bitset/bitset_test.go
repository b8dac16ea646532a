package bitset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetAndGet(t *testing.T) {
	b := New(10)
	require.False(t, b.Get(3))
	b.Set(3, true)
	require.True(t, b.Get(3))
	b.Set(3, false)
	require.False(t, b.Get(3))
}

func TestGetOutOfRangeIsFalse(t *testing.T) {
	b := New(10)
	require.False(t, b.Get(999))
}

func TestSetOutOfRangeIsNoop(t *testing.T) {
	b := New(10)
	require.NotPanics(t, func() { b.Set(999, true) })
}

func TestPopCountAcrossWordBoundary(t *testing.T) {
	b := New(128)
	b.Set(0, true)
	b.Set(63, true)
	b.Set(64, true)
	b.Set(127, true)
	require.Equal(t, uint32(4), b.PopCount())
}

func TestMissingReturnsUnsetIndexesInOrder(t *testing.T) {
	b := New(5)
	b.Set(0, true)
	b.Set(2, true)
	b.Set(4, true)
	require.Equal(t, []uint32{1, 3}, b.Missing(5))
}

func TestMissingEmptyWhenAllSet(t *testing.T) {
	b := New(3)
	b.Set(0, true)
	b.Set(1, true)
	b.Set(2, true)
	require.Empty(t, b.Missing(3))
}
