package dedupheap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageBitsSetClearTest(t *testing.T) {
	b := newPageBits(200)

	require.False(t, b.get(5))
	b.set(5)
	require.True(t, b.get(5))
	b.clear(5)
	require.False(t, b.get(5))

	require.False(t, b.testAndSet(70))
	require.True(t, b.testAndSet(70))
	require.True(t, b.testAndClear(70))
	require.False(t, b.testAndClear(70))
}

func TestPageBitsRangeOpsSingleWord(t *testing.T) {
	b := newPageBits(64)
	b.setRange(2, 5) // bits 2..6
	for i := uint(0); i < 64; i++ {
		want := i >= 2 && i < 7
		require.Equal(t, want, b.get(i), "bit %d", i)
	}
	require.Equal(t, uint(5), b.popcntRange(0, 64))

	b.clearRange(3, 2) // clears bits 3,4
	require.True(t, b.get(2))
	require.False(t, b.get(3))
	require.False(t, b.get(4))
	require.True(t, b.get(5))
	require.True(t, b.get(6))
}

func TestPageBitsRangeOpsCrossWord(t *testing.T) {
	b := newPageBits(200)
	b.setRange(60, 20) // bits 60..79, crosses word boundary at 64
	require.Equal(t, uint(20), b.popcntRange(0, 200))
	for i := uint(60); i < 80; i++ {
		require.True(t, b.get(i), "bit %d should be set", i)
	}
	require.False(t, b.get(59))
	require.False(t, b.get(80))

	b.clearRange(60, 20)
	require.Equal(t, uint(0), b.popcntRange(0, 200))
}

func TestPageIndexRoundTrip(t *testing.T) {
	pi := pageIndex{base: 0x700000000000}
	addr := pi.pageAddr(42)
	require.Equal(t, uint(42), pi.pageNumber(addr))
}
