package dedupheap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSharingBitmapSlot8(t *testing.T) {
	mem := make([]byte, 16)
	p0 := newSharingBitmap(mem, NodeWidth8, 0)
	p1 := newSharingBitmap(mem, NodeWidth8, 1)

	require.False(t, p0.isSetForSelf(3))
	require.Equal(t, 0, p0.countSharers(3))

	p0.setSelf(3)
	require.True(t, p0.isSetForSelf(3))
	require.True(t, p1.isOtherSharing(3))
	require.Equal(t, 1, p0.countSharers(3))

	p1.setSelf(3)
	require.Equal(t, 2, p0.countSharers(3))
	require.True(t, p0.isOtherSharing(3))

	require.True(t, p0.clearAndTestSelf(3))
	require.False(t, p0.isSetForSelf(3))
	require.False(t, p0.clearAndTestSelf(3))
	require.Equal(t, 1, p1.countSharers(3))
}

func TestSharingBitmapSlot16IndependentFromSlot8(t *testing.T) {
	mem := make([]byte, 4)
	s := newSharingBitmap(mem, NodeWidth16, 9)
	require.Equal(t, uint16(1<<9), s.mask)

	s.setSelf(1)
	require.True(t, s.isSetForSelf(1))
	require.False(t, s.isSetForSelf(0))

	other := newSharingBitmap(mem, NodeWidth16, 2)
	require.True(t, other.isOtherSharing(1))
	other.setSelf(1)
	require.Equal(t, 2, s.countSharers(1))
}

func TestSlotForWidth(t *testing.T) {
	require.IsType(t, slot8{}, slotFor(NodeWidth8))
	require.IsType(t, slot16{}, slotFor(NodeWidth16))
}
