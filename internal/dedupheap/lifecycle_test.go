package dedupheap

import (
	"io"
	"testing"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// testLogger silences output so test runs stay quiet; given a nil
// logger, Open would log through logrus's standard logger instead.
func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// openTestHeap opens a single-process heap with merging disabled by
// default, leaving individual tests to flip on whichever policy they
// exercise. Every test that opens a Heap must also Close it — Close is
// what unlinks the shared backing and lock file for the next test in
// the package, since the backing's name is a fixed, not per-test,
// path (spec.md §6).
func openTestHeap(t *testing.T, mutate func(*Config)) *Heap {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MergeMetric = MergeDisabled
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := Open(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, h.Close())
	})
	return h
}

func TestOpenCloseSingleProcess(t *testing.T) {
	h := openTestHeap(t, nil)
	require.Equal(t, uint(0), h.rank)
	require.Equal(t, int32(1), h.backing.counters().aliveProcs())
}

func TestAllocWriteReadRoundTrip(t *testing.T) {
	h := openTestHeap(t, nil)

	p, err := h.Alloc(3 * PageSize)
	require.NoError(t, err)
	require.NotNil(t, p)

	pattern := make([]byte, PageSize)
	for i := range pattern {
		pattern[i] = byte(i % 256)
	}
	require.NoError(t, h.WriteAt(p, PageSize, pattern))

	out, err := h.ReadAt(p, PageSize, PageSize)
	require.NoError(t, err)
	require.Equal(t, pattern, out)

	// Untouched pages still read as zero.
	zeros, err := h.ReadAt(p, 0, PageSize)
	require.NoError(t, err)
	require.Equal(t, make([]byte, PageSize), zeros)
}

func TestWriteOutOfBoundsRejected(t *testing.T) {
	h := openTestHeap(t, nil)
	p, err := h.Alloc(PageSize)
	require.NoError(t, err)

	err = h.WriteAt(p, PageSize-4, []byte{1, 2, 3, 4, 5})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestForeignPointerRejected(t *testing.T) {
	h := openTestHeap(t, nil)
	var notOurs int
	err := h.WriteAt(unsafe.Pointer(&notOurs), 0, []byte{1})
	require.ErrorIs(t, err, ErrForeignPointer)
}

func TestFreeClearsRegistryAndBits(t *testing.T) {
	h := openTestHeap(t, nil)
	p, err := h.Alloc(PageSize)
	require.NoError(t, err)

	require.NoError(t, h.WriteAt(p, 0, []byte{1, 2, 3}))
	require.NoError(t, h.Free(p))

	_, ok := h.reg.find(uintptr(p))
	require.False(t, ok)

	pageNum := h.pidx.pageNumber(uintptr(p))
	require.False(t, h.everInit.get(pageNum))
}

func TestBacktraceCapturedOnlyWhenEnabled(t *testing.T) {
	h := openTestHeap(t, func(cfg *Config) { cfg.EnableBacktrace = true })
	p, err := h.Alloc(PageSize)
	require.NoError(t, err)
	rec, ok := h.reg.find(uintptr(p))
	require.True(t, ok)
	require.NotEmpty(t, rec.callStack)

	h2 := openTestHeap(t, nil)
	p2, err := h2.Alloc(PageSize)
	require.NoError(t, err)
	rec2, ok := h2.reg.find(uintptr(p2))
	require.True(t, ok)
	require.Empty(t, rec2.callStack)
}

func TestSmallAllocDelegatesBelowPageSize(t *testing.T) {
	h := openTestHeap(t, nil)
	p, err := h.Alloc(32)
	require.NoError(t, err)
	require.NotZero(t, uintptr(p))
	require.NoError(t, h.small.Free(uintptr(p)))
}
