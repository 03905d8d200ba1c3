package dedupheap

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// handleWriteFault implements spec.md §4.5 steps 2-4 for a single
// page. The original reaches this code from a real SIGSEGV; this port
// reaches it from WriteAt's explicit pre-write check (SPEC_FULL §4.5's
// Go signal-handling note) — same classification and protection-
// upgrade logic, a different trigger.
func (h *Heap) handleWriteFault(addr uintptr) error {
	if !h.win.contains(addr) {
		return errors.Wrapf(ErrInvariantViolation, "fault address %#x outside shared heap window", addr)
	}
	if !h.reg.markDirty(addr) {
		return errors.Wrapf(ErrInvariantViolation, "fault address %#x not in any allocation record", addr)
	}

	pageAddr := addr &^ (PageSize - 1)
	pageNum := h.pidx.pageNumber(pageAddr)

	if !h.everInit.testAndSet(pageNum) {
		// First touch: Alloc already gave this page a private anonymous
		// mapping, PROT_READ only; widen it in place, no remap needed.
		if err := unix.Mprotect(pageBytes(pageAddr), unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return errors.Wrap(err, "upgrade first-touch page")
		}
		return h.mu.withLock(func() error {
			c := h.backing.counters()
			c.add(offBaselinePages, 1)
			c.add(offPrivatePagesTotal, 1)
			return nil
		})
	}

	return h.mu.withLock(func() error {
		return h.splitSharedOrZeroPage(pageAddr, pageNum)
	})
}

// splitSharedOrZeroPage performs spec.md §4.5 step 4 under the
// interprocess mutex.
func (h *Heap) splitSharedOrZeroPage(pageAddr uintptr, pageNum uint) error {
	wasZero := h.zeroBacked.testAndClear(pageNum)
	var wasShared bool
	if !wasZero {
		wasShared = h.sharing.clearAndTestSelf(pageNum)
	}

	if !wasZero && !wasShared {
		// Already private; nothing to split. Can happen when a
		// single WriteAt call walks several pages of one copy and a
		// later page was already upgraded by an earlier call.
		return nil
	}

	h.stats.pagesSplit++
	h.logProfileEvent(pageAddr, -1, callSiteFor(h, pageAddr))

	c := h.backing.counters()

	if wasZero {
		c.add(offPrivatePagesTotal, 1)
		c.add(offZeroPages, -1)
		if err := mapFixedAnon(pageAddr, PageSize, unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return errors.Wrap(err, "split zero-backed page")
		}
		return nil
	}

	// Mirrors SharedHeap.cpp's remaining-sharer switch after this
	// process's bit is cleared (spec §4.5 scenario 2): remaining==1 is
	// the 2-sharer-to-1 transition, so the page stops being globally
	// "shared" and the nominal reservation taken when it first became
	// shared (applyMoveRun's -2) is given back; remaining>=2 leaves the
	// page genuinely shared among the others, so only this process's
	// own private-page debt (-1 from the shared-mergeable transition)
	// is given back; remaining==0 — this process was the sole sharer —
	// is left untouched, matching the original's empty case 0.
	switch remaining := h.sharing.countSharers(pageNum); {
	case remaining == 1:
		c.add(offSharedPages, -1)
		c.add(offPrivatePagesTotal, 2)
	case remaining >= 2:
		c.add(offPrivatePagesTotal, 1)
	}
	return h.splitSharedPage(pageAddr)
}

// splitSharedPage replaces a read-only shared mapping with a private
// writable copy via the atomic MREMAP_FIXED path. spec.md §9's open
// question about the non-atomic fallback (unmapped window when
// MREMAP_FIXED is unavailable) resolves in favor of treating atomic
// remap as mandatory: this port does not implement the non-atomic
// fallback at all.
func (h *Heap) splitSharedPage(pageAddr uintptr) error {
	scratch, err := unix.Mmap(-1, 0, PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return errors.Wrapf(ErrOutOfMemory, "scratch page: %v", err)
	}
	copy(scratch, pageBytes(pageAddr))

	if err := mremapFixed(addrOf(scratch), PageSize, PageSize, pageAddr); err != nil {
		unix.Munmap(scratch)
		return errors.Wrap(err, "atomic remap over shared page")
	}
	return nil
}

func pageBytes(pageAddr uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(pageAddr)), PageSize)
}

// callSiteFor returns the first captured frame of the allocation
// owning addr, or 0 when no call stack was captured (EnableBacktrace
// unset) or addr belongs to no live allocation.
func callSiteFor(h *Heap, addr uintptr) uintptr {
	rec, ok := h.reg.findContaining(addr)
	if !ok || len(rec.callStack) == 0 {
		return 0
	}
	return rec.callStack[0]
}

// mremapFixed wraps the mremap(2) syscall with MREMAP_FIXED|
// MREMAP_MAYMOVE. golang.org/x/sys/unix.Mremap has no new-address
// parameter, so this goes through the raw syscall the same way
// backing.go's mapFixedSyscall does for mmap.
func mremapFixed(oldAddr uintptr, oldSize, newSize int, newAddr uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_MREMAP, oldAddr, uintptr(oldSize), uintptr(newSize),
		uintptr(unix.MREMAP_MAYMOVE|unix.MREMAP_FIXED), newAddr, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// WriteAt is the safe write path onto shared-heap memory (SPEC_FULL
// §4.5's Go signal-handling note): it upgrades every page the write
// touches before writing a single byte, running the classification
// spec.md §4.5 describes for any page not already private-writable,
// then performs the copy.
func (h *Heap) WriteAt(p unsafe.Pointer, off uintptr, data []byte) error {
	rec, ok := h.reg.find(uintptr(p))
	if !ok {
		return ErrForeignPointer
	}
	if off+uintptr(len(data)) > rec.size {
		return errors.Wrapf(ErrInvariantViolation, "write [%d,%d) exceeds allocation of size %d", off, off+uintptr(len(data)), rec.size)
	}

	start := rec.base + off
	end := start + uintptr(len(data))
	for page := start &^ (PageSize - 1); page < end; page += PageSize {
		if err := h.handleWriteFault(page); err != nil {
			return err
		}
	}

	dst := unsafe.Slice((*byte)(unsafe.Pointer(start)), len(data))
	copy(dst, data)

	for page := start &^ (PageSize - 1); page < end; page += PageSize {
		if err := h.ctl.OnFault(h, page); err != nil {
			h.logger.WithError(err).Warn("dedupheap: merge trigger after write failed")
		}
	}
	return nil
}

// ReadAt reads from shared-heap memory. Reads never fault on a
// read-only mapping, so no upgrade path is needed here; this exists
// alongside WriteAt for symmetry and bounds checking.
func (h *Heap) ReadAt(p unsafe.Pointer, off, n uintptr) ([]byte, error) {
	rec, ok := h.reg.find(uintptr(p))
	if !ok {
		return nil, ErrForeignPointer
	}
	if off+n > rec.size {
		return nil, errors.Wrapf(ErrInvariantViolation, "read [%d,%d) exceeds allocation of size %d", off, off+n, rec.size)
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(rec.base+off)), n)
	out := make([]byte, n)
	copy(out, src)
	return out, nil
}
