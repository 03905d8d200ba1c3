package dedupheap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewMergeControllerValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MergeMetric = MergeByFreq
	cfg.MallocMergeFreq = 0
	_, err := newMergeController(cfg)
	require.ErrorIs(t, err, ErrConfiguration)

	cfg = DefaultConfig()
	cfg.MergeMetric = MergeByThresh
	cfg.MinMemThresholdMB = 0
	_, err = newMergeController(cfg)
	require.ErrorIs(t, err, ErrConfiguration)

	cfg = DefaultConfig()
	cfg.MergeMetric = MergeDisabled
	ctl, err := newMergeController(cfg)
	require.NoError(t, err)
	require.Equal(t, MergeDisabled, ctl.kind)
}

func TestAllocationFrequencyPolicyTriggersEpoch(t *testing.T) {
	h := openTestHeap(t, func(cfg *Config) {
		cfg.MergeMetric = MergeByFreq
		cfg.MallocMergeFreq = 2
	})

	p1, err := h.Alloc(PageSize)
	require.NoError(t, err)
	require.NoError(t, h.WriteAt(p1, 0, make([]byte, PageSize)))
	require.Equal(t, int64(0), h.stats.mergeEpochs, "first allocation must not trigger yet")

	_, err = h.Alloc(PageSize)
	require.NoError(t, err)
	require.Equal(t, int64(1), h.stats.mergeEpochs, "second allocation reaches the frequency threshold")

	pageNum := h.pidx.pageNumber(uintptr(p1))
	require.True(t, h.zeroBacked.get(pageNum))
}

func TestThresholdPolicyTriggersOnWatermark(t *testing.T) {
	h := openTestHeap(t, func(cfg *Config) {
		cfg.MergeMetric = MergeByThresh
		cfg.MinMemThresholdMB = 1 // overridden directly below; must still pass newMergeController's validation.
	})
	h.ctl.minMemThresholdBytes = PageSize
	h.ctl.nextThreshold = PageSize

	p, err := h.Alloc(2 * PageSize)
	require.NoError(t, err)

	require.NoError(t, h.WriteAt(p, 0, []byte{1}))
	require.Equal(t, int64(0), h.stats.mergeEpochs, "one private page is still below the watermark")

	require.NoError(t, h.WriteAt(p, PageSize, []byte{2}))
	require.Equal(t, int64(1), h.stats.mergeEpochs, "two private pages crosses the 1-page watermark")
}

func TestBufferedPolicyMergesOnePageAtATime(t *testing.T) {
	h := openTestHeap(t, func(cfg *Config) {
		cfg.MergeMetric = MergeBuffered
	})

	p, err := h.Alloc(PageSize)
	require.NoError(t, err)
	require.NoError(t, h.WriteAt(p, 0, make([]byte, PageSize)))

	pageNum := h.pidx.pageNumber(uintptr(p))
	require.True(t, h.zeroBacked.get(pageNum), "buffered policy merges the page inline on the same fault")
}
