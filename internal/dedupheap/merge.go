package dedupheap

import (
	"bytes"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// pageClass is the per-page classification of spec.md §4.6.
type pageClass int

const (
	classSkip pageClass = iota
	classZeroMergeable
	classMoveMergeable
	classSharedMergeable
	classDistinct
)

var zeroPageTemplate = make([]byte, PageSize)

// compareBuffer is the rotating window over the shared backing's
// dedup store used for byte comparison during classification (spec.md
// §4.6: "an explicit compare buffer... rotated as the engine
// advances"). It is never the backing's only view of the store — see
// backing.go's comment on why the store is not kept mapped in bulk.
type compareBuffer struct {
	b   *backing
	off int64
	mem []byte
}

func newCompareBuffer(b *backing) *compareBuffer {
	return &compareBuffer{b: b}
}

func (cb *compareBuffer) bytesAt(fileOffset int64, length int) ([]byte, error) {
	end := fileOffset + int64(length)
	if cb.mem != nil && fileOffset >= cb.off && end <= cb.off+int64(len(cb.mem)) {
		start := fileOffset - cb.off
		return cb.mem[start : start+int64(length)], nil
	}
	if err := cb.close(); err != nil {
		return nil, err
	}

	winOff := fileOffset &^ (int64(PageSize) - 1)
	winLen := compareBufferBytes
	if winOff+int64(winLen) > SharedHeapWindowBytes {
		winLen = int(SharedHeapWindowBytes - winOff)
	}
	if winLen < length {
		winLen = length
	}
	mem, err := cb.b.mapCompareWindow(winOff, winLen)
	if err != nil {
		return nil, err
	}
	cb.off, cb.mem = winOff, mem

	start := fileOffset - cb.off
	return cb.mem[start : start+int64(length)], nil
}

func (cb *compareBuffer) close() error {
	if cb.mem == nil {
		return nil
	}
	err := unix.Munmap(cb.mem)
	cb.mem = nil
	if err != nil {
		return errors.Wrap(err, "unmap compare buffer")
	}
	return nil
}

// classifyPage implements spec.md §4.6's classification rules for one
// page. pageAddr is a live window address still carrying the
// process's current (private) view of the page.
func (h *Heap) classifyPage(cb *compareBuffer, pageAddr uintptr, pageNum uint) (pageClass, error) {
	if !h.everInit.get(pageNum) || h.zeroBacked.get(pageNum) || h.sharing.isSetForSelf(pageNum) {
		return classSkip, nil
	}

	content := pageBytes(pageAddr)
	if bytes.Equal(content, zeroPageTemplate) {
		return classZeroMergeable, nil
	}
	if !h.sharing.isOtherSharing(pageNum) {
		return classMoveMergeable, nil
	}

	fileOffset := int64(pageNum) * PageSize
	shared, err := cb.bytesAt(fileOffset, PageSize)
	if err != nil {
		return classSkip, err
	}
	if bytes.Equal(content, shared) {
		return classSharedMergeable, nil
	}
	if h.cfg.EnablePartialStats {
		h.recordPartialStat(pageNum, partialSimilarity(content, shared))
	}
	return classDistinct, nil
}

// mergeRecord scans one allocation's pages in ascending order,
// coalescing contiguous identically-classified runs and flushing each
// as a single bulk operation (spec.md §4.6). Must be called with the
// interprocess mutex held.
func (h *Heap) mergeRecord(rec *allocRecord) (int, error) {
	cb := newCompareBuffer(h.backing)
	defer cb.close()

	pages := rec.size / PageSize
	merged := 0

	var runStart, runCount uint
	runClass := classSkip

	flush := func() (int, error) {
		if runCount == 0 || runClass == classSkip {
			runCount = 0
			return 0, nil
		}
		n, err := h.applyRun(rec.base, runStart, runCount, runClass)
		runCount = 0
		return n, err
	}

	for i := uintptr(0); i < pages; i++ {
		if h.closeToMmapLimit() {
			n, ferr := flush()
			merged += n
			h.logger.Warn("dedupheap: aborting merge scan, approaching mmap_count limit")
			if ferr != nil {
				return merged, ferr
			}
			return merged, ErrMmapLimit
		}

		addr := rec.base + i*PageSize
		pageNum := h.pidx.pageNumber(addr)
		class, err := h.classifyPage(cb, addr, pageNum)
		if err != nil {
			n, ferr := flush()
			merged += n
			if ferr != nil {
				return merged, ferr
			}
			h.logger.WithError(err).Warn("dedupheap: merge scan aborted by comparison error")
			return merged, err
		}

		if runCount > 0 && class == runClass {
			runCount++
			continue
		}
		n, ferr := flush()
		merged += n
		if ferr != nil {
			return merged, ferr
		}
		runStart, runCount, runClass = uint(i), 1, class
	}

	n, err := flush()
	merged += n
	if err != nil {
		return merged, err
	}

	rec.dirty = false
	return merged, nil
}

// applyRun dispatches the bulk remap for one coalesced run.
func (h *Heap) applyRun(base uintptr, startPage, count uint, class pageClass) (int, error) {
	switch class {
	case classZeroMergeable:
		return h.applyZeroRun(base, startPage, count)
	case classMoveMergeable:
		return h.applyMoveRun(base, startPage, count)
	case classSharedMergeable:
		return h.applySharedRun(base, startPage, count)
	default:
		// classDistinct: "leave private" — no transition, no mapping
		// change, nothing to account for.
		return 0, nil
	}
}

// applyZeroRun remaps each page of the run onto the zero template
// individually. Unlike the move/shared cases, this cannot be
// collapsed into one mmap call across multiple pages: every
// zero-backed page aliases the *same* single file offset (0), while a
// single mmap call of length > PageSize consumes that many
// *consecutive* file bytes, not N repeats of the same page. The
// general "coalesce into one bulk remap" goal of spec.md §4.6 is
// honored for the two classifications where virtual-address runs
// really do correspond to contiguous file offsets (move/shared below);
// this is the one classification where it cannot apply.
func (h *Heap) applyZeroRun(base uintptr, startPage, count uint) (int, error) {
	c := h.backing.counters()
	for k := uint(0); k < count; k++ {
		addr := base + uintptr(startPage+k)*PageSize
		pageNum := h.pidx.pageNumber(addr)
		if err := h.backing.mapFixedAt(addr, 0, PageSize, unix.PROT_READ); err != nil {
			return int(k), errors.Wrap(err, "remap zero-mergeable page")
		}
		h.zeroBacked.set(pageNum)
		c.add(offPrivatePagesTotal, -1)
		c.add(offZeroPages, 1)
	}
	h.mapCount--
	h.logProfileEvent(base+uintptr(startPage)*PageSize, 1, callSiteFor(h, base+uintptr(startPage)*PageSize))
	return int(count), nil
}

// applyMoveRun publishes the run's content into the shared backing at
// its natural (contiguous) offset, then replaces the private mapping
// with one read-only shared mapping spanning the whole run in a single
// mmap(MAP_FIXED) call — the bulk-remap optimization spec.md §9
// requires ("the hot path touches whole runs, not pages").
func (h *Heap) applyMoveRun(base uintptr, startPage, count uint) (int, error) {
	addr := base + uintptr(startPage)*PageSize
	length := int(count) * PageSize
	fileOffset := int64(h.pidx.pageNumber(addr)) * PageSize

	buf := make([]byte, length)
	copy(buf, rangeBytes(addr, uintptr(length)))
	if err := h.backing.writeAt(fileOffset, buf); err != nil {
		return 0, errors.Wrap(err, "publish move-mergeable run")
	}
	if err := h.backing.mapFixedAt(addr, fileOffset, length, unix.PROT_READ); err != nil {
		return 0, errors.Wrap(err, "remap move-mergeable run")
	}

	c := h.backing.counters()
	for k := uint(0); k < count; k++ {
		pageNum := h.pidx.pageNumber(addr + uintptr(k)*PageSize)
		h.sharing.setSelf(pageNum)
		// "if the page had zero other sharers, the shared count
		// increases by 1 and the all-sharers-private count decreases
		// by 2 (this sharer's page and a nominal reservation)."
		c.add(offSharedPages, 1)
		c.add(offPrivatePagesTotal, -2)
	}
	h.mapCount--
	h.logProfileEvent(addr, 1, callSiteFor(h, addr))
	return int(count), nil
}

// applySharedRun joins the run to an already-shared, content-identical
// range of the backing — no copy needed, one mmap(MAP_FIXED) call for
// the whole run.
func (h *Heap) applySharedRun(base uintptr, startPage, count uint) (int, error) {
	addr := base + uintptr(startPage)*PageSize
	length := int(count) * PageSize
	fileOffset := int64(h.pidx.pageNumber(addr)) * PageSize

	if err := h.backing.mapFixedAt(addr, fileOffset, length, unix.PROT_READ); err != nil {
		return 0, errors.Wrap(err, "remap shared-mergeable run")
	}

	c := h.backing.counters()
	for k := uint(0); k < count; k++ {
		pageNum := h.pidx.pageNumber(addr + uintptr(k)*PageSize)
		h.sharing.setSelf(pageNum)
	}
	c.add(offPrivatePagesTotal, -int32(count))
	h.mapCount--
	h.logProfileEvent(addr, 1, callSiteFor(h, addr))
	return int(count), nil
}

// runMergeEpoch is one invocation of the merge engine (spec.md's
// "merge epoch"): the entire scan runs under the interprocess mutex,
// visiting dirty allocation records in registry (ascending-address)
// order.
func runMergeEpoch(h *Heap) (int, error) {
	total := 0
	var epochErr error

	if err := h.mu.lockMu(); err != nil {
		return 0, err
	}
	defer h.mu.unlockMu()

	h.reg.traverse(func(rec *allocRecord) {
		if !rec.dirty || epochErr != nil {
			return
		}
		n, err := h.mergeRecord(rec)
		total += n
		if err != nil {
			epochErr = err
		}
	})

	h.stats.mergeEpochs++
	h.stats.pagesMerged += int64(total)
	return total, epochErr
}

// mergeOnePage is the buffered policy's single-page merge path (spec
// §4.7): classify and, if mergeable, apply exactly one page's run.
func mergeOnePage(h *Heap, addr uintptr) error {
	return h.mu.withLock(func() error {
		rec, ok := h.reg.findContaining(addr)
		if !ok {
			return nil
		}
		pageAddr := addr &^ (PageSize - 1)
		pageNum := h.pidx.pageNumber(pageAddr)

		cb := newCompareBuffer(h.backing)
		defer cb.close()

		class, err := h.classifyPage(cb, pageAddr, pageNum)
		if err != nil {
			return err
		}
		startPage := uint((pageAddr - rec.base) / PageSize)
		_, err = h.applyRun(rec.base, startPage, 1, class)
		return err
	})
}

func rangeBytes(addr uintptr, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}
