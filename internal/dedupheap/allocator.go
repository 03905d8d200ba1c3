package dedupheap

import (
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// maxAllocRetries bounds the defensive retry in Alloc that avoids
// handing out the one window page (file offset 0) permanently reserved
// for the zero template — see the comment on that branch below.
const maxAllocRetries = 8

// Alloc implements spec.md §4.8's alloc(sz): requests at or above
// PageSize go through the page-level path below; smaller requests
// delegate to the external small-block allocator, per spec.md §6
// ("smaller requests go to the external small-block allocator").
//
// Pages are obtained with a plain, unconstrained anonymous mmap —
// never MAP_FIXED — exactly like original_source's malloc wrapper:
// the window was only ever *discovered* (window.go), not reserved, so
// the only way an allocation lands inside it is by trusting the OS to
// place a fresh anonymous mapping in the same arena window.go's probe
// already sampled. PROT_READ only, so the first write into any page
// takes the write-fault path (fault.go) that does the real
// classification and protection upgrade.
func (h *Heap) Alloc(size uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		size = 1
	}
	if size < PageSize {
		addr, err := h.small.Alloc(size)
		if err != nil {
			return nil, err
		}
		return unsafe.Pointer(addr), nil
	}

	if h.closeToMmapLimit() {
		return nil, errors.Wrap(ErrOutOfMemory, "approaching mmap_count limit")
	}

	length := int(pageRound(size))

	var base uintptr
	for attempt := 0; attempt < maxAllocRetries; attempt++ {
		mem, err := unix.Mmap(-1, 0, length, unix.PROT_READ, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, errors.Wrap(ErrOutOfMemory, err.Error())
		}
		addr := addrOf(mem)

		if !h.win.contains(addr) || !h.win.contains(addr+uintptr(length)-1) {
			unix.Munmap(mem)
			return nil, errors.Wrapf(ErrWindowExhausted, "allocation landed outside shared heap window at %#x", addr)
		}

		if h.pidx.pageNumber(addr) == 0 {
			// File offset 0 is permanently reserved for the zero
			// template (backing.go); a real allocation can never be
			// allowed to start there, since every byte-for-byte-zero
			// page in this allocation would otherwise alias the one
			// page every other zero-backed page in every sibling
			// process also aliases, corrupting the dedup invariant the
			// moment any of them is actually written. Unconstrained
			// mmap makes this astronomically unlikely but not
			// impossible; release and retry rather than assume it away.
			unix.Munmap(mem)
			continue
		}

		base = addr
		break
	}
	if base == 0 {
		return nil, errors.Wrap(ErrOutOfMemory, "could not place allocation off the reserved zero-template page")
	}

	var callStack []uintptr
	if h.cfg.EnableBacktrace {
		pcs := make([]uintptr, 32)
		n := runtime.Callers(2, pcs)
		callStack = pcs[:n]
	}
	h.reg.insertWithCallStack(base, uintptr(length), callStack)
	h.mapCount++
	h.allocCount++

	if err := h.ctl.OnAlloc(h); err != nil {
		h.logger.WithError(err).Warn("dedupheap: merge trigger after alloc failed")
	}
	return unsafe.Pointer(base), nil
}

// Realloc implements spec.md §4.8's realloc(p, sz). A pointer this
// Heap never handed out (rec lookup miss) is not delegated to the
// small-block allocator: Realloc returns ErrForeignPointer, the same as
// WriteAt/ReadAt, since SubPageAllocator keeps no size to copy from.
func (h *Heap) Realloc(p unsafe.Pointer, size uintptr) (unsafe.Pointer, error) {
	if p == nil {
		return h.Alloc(size)
	}
	rec, ok := h.reg.find(uintptr(p))
	if !ok {
		return nil, ErrForeignPointer
	}
	if size == 0 {
		return nil, h.Free(p)
	}
	if pageRound(size) <= rec.size {
		return p, nil
	}

	newPtr, err := h.Alloc(size)
	if err != nil {
		return nil, err
	}

	n := rec.size
	if size < n {
		n = size
	}
	data, err := h.ReadAt(p, 0, n)
	if err != nil {
		return nil, err
	}
	if err := h.WriteAt(newPtr, 0, data); err != nil {
		return nil, err
	}
	if err := h.Free(p); err != nil {
		h.logger.WithError(err).Warn("dedupheap: free of old allocation after realloc failed")
	}
	return newPtr, nil
}

// Free implements spec.md §4.8's free(p): a pointer this Heap never
// tracked is handed to the small-block allocator, matching Alloc's own
// split of page-level vs sub-page requests — the top-level malloc
// wrapper never needs to know which path served a given pointer.
func (h *Heap) Free(p unsafe.Pointer) error {
	addr := uintptr(p)
	rec, ok := h.reg.find(addr)
	if !ok {
		return h.small.Free(addr)
	}
	h.reg.remove(addr)

	pages := rec.size / PageSize
	sharedRuns := 0

	err := h.mu.withLock(func() error {
		c := h.backing.counters()
		for i := uintptr(0); i < pages; i++ {
			pageAddr := rec.base + i*PageSize
			pageNum := h.pidx.pageNumber(pageAddr)

			switch {
			case h.zeroBacked.testAndClear(pageNum):
				c.add(offZeroPages, -1)
			case h.sharing.clearAndTestSelf(pageNum):
				sharedRuns++
				if h.sharing.countSharers(pageNum) == 0 {
					c.add(offSharedPages, -1)
				}
			case h.everInit.get(pageNum):
				c.add(offPrivatePagesTotal, -1)
			}
			h.everInit.clear(pageNum)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := unix.Munmap(rangeBytes(rec.base, rec.size)); err != nil {
		return errors.Wrap(err, "unmap freed allocation")
	}

	h.mapCount--
	if sharedRuns > 0 {
		// "A run of consecutive shared pages reduces the mmap_count
		// bookkeeping by one per contiguous run" (spec.md §4.8) — this
		// port approximates "per contiguous run" as "per free call that
		// freed at least one shared page" rather than re-deriving exact
		// run boundaries a second time on the free path.
		h.mapCount--
	}
	return nil
}
