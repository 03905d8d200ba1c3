package dedupheap

import "github.com/pkg/errors"

// mergeController decides when the merge engine runs, implementing
// exactly one of spec.md §4.7's four policies for the life of the
// process. allocator.go calls OnAlloc after every page-level Alloc;
// fault.go's WriteAt calls OnFault after every write. Each policy
// reacts to whichever of the two signals it actually needs and ignores
// the other.
type mergeController struct {
	kind MergePolicyKind

	// mallocMergeFreq/allocSinceMerge implement the allocation-
	// frequency policy (spec §4.7 policy 1): every N page-level
	// allocations, run a full merge epoch.
	mallocMergeFreq int
	allocSinceMerge int

	// minMemThresholdBytes implements the threshold policy (policy 2):
	// once the private-page total summed across all siblings (the
	// shared backing's privatePagesTotal counter; shared pages are not
	// counted) exceeds the watermark,
	// run a full epoch; the watermark then ratchets up by the same
	// amount so the policy doesn't re-trigger on every subsequent
	// fault until footprint grows again.
	minMemThresholdBytes int64
	nextThreshold        int64
}

// newMergeController builds the controller for cfg.MergeMetric,
// validating the knobs each policy actually needs (spec §7: malformed
// configuration aborts before init completes).
func newMergeController(cfg Config) (*mergeController, error) {
	switch cfg.MergeMetric {
	case MergeDisabled, MergeBuffered:
		return &mergeController{kind: cfg.MergeMetric}, nil
	case MergeByFreq:
		if cfg.MallocMergeFreq <= 0 {
			return nil, errors.Wrapf(ErrConfiguration, "MALLOC_MERGE_FREQ=%d", cfg.MallocMergeFreq)
		}
		return &mergeController{kind: cfg.MergeMetric, mallocMergeFreq: cfg.MallocMergeFreq}, nil
	case MergeByThresh:
		if cfg.MinMemThresholdMB <= 0 {
			return nil, errors.Wrapf(ErrConfiguration, "MIN_MEM_TH=%d", cfg.MinMemThresholdMB)
		}
		thresh := int64(cfg.MinMemThresholdMB) << 20
		return &mergeController{kind: cfg.MergeMetric, minMemThresholdBytes: thresh, nextThreshold: thresh}, nil
	default:
		return nil, errors.Wrapf(ErrConfiguration, "MERGE_METRIC=%d", cfg.MergeMetric)
	}
}

// OnAlloc fires after every page-level allocation (spec §4.7 policy 1's
// trigger point: "incremented once per page-level Alloc call").
func (c *mergeController) OnAlloc(h *Heap) error {
	switch c.kind {
	case MergeByFreq:
		c.allocSinceMerge++
		if c.allocSinceMerge < c.mallocMergeFreq {
			return nil
		}
		c.allocSinceMerge = 0
		_, err := runMergeEpoch(h)
		return err
	case MergeByThresh:
		return c.checkThreshold(h)
	default:
		return nil
	}
}

// OnFault fires once per page WriteAt actually touched (spec §4.7
// policies 2 and 3's trigger point); addr falls anywhere within that
// page.
func (c *mergeController) OnFault(h *Heap, addr uintptr) error {
	switch c.kind {
	case MergeByThresh:
		return c.checkThreshold(h)
	case MergeBuffered:
		return mergeOnePage(h, addr)
	default:
		return nil
	}
}

// checkThreshold implements the threshold policy's watermark check
// (spec §4.7 policy 2): read the private-page total of all siblings
// from the shared backing's counters, and if it has crossed
// nextThreshold, run a full epoch and ratchet the watermark up by
// minMemThresholdBytes so the policy fires again only after another
// full increment of growth, not on every fault past the line.
func (c *mergeController) checkThreshold(h *Heap) error {
	privateBytes := int64(h.backing.counters().privatePagesTotal()) * PageSize
	if privateBytes <= c.nextThreshold {
		return nil
	}
	c.nextThreshold += c.minMemThresholdBytes
	_, err := runMergeEpoch(h)
	return err
}
