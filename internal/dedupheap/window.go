package dedupheap

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// window is the shared heap window of spec §3: a fixed-size virtual
// address interval, placed at (assumed) the same address in every
// sibling process, backed by the shared backing at matching offsets
// (addr = bottom + k*PageSize <-> file offset k*PageSize).
//
// Ported from original_source/SharedHeap.cpp's Init_Heap_Boundary:
// probe two throwaway anonymous mappings, compare their addresses to
// tell whether the kernel's anonymous-mmap arena for this process
// grows up or down, then derive bottom/top from whichever probe
// landed first. Like the original, this relies on every sibling
// process's anonymous-mmap arena landing in the same place — true on
// a fixed kernel/ASLR-disabled HPC node (the typical launch
// environment spec §1 targets), not guaranteed in general. This is an
// inherited assumption, not a gap introduced by the port: spec §1's
// Non-goals already restrict the system to "a single OS kernel and
// its virtual memory subsystem" shared by every sibling.
type window struct {
	bottom uintptr
	top    uintptr
}

// discoverWindow performs the two-probe discovery exactly once per
// process, at lifecycle Open.
func discoverWindow() (window, error) {
	p1, err := unix.Mmap(-1, 0, PageSize, unix.PROT_READ, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return window{}, errors.Wrap(err, "probe mmap 1")
	}
	p2, err := unix.Mmap(-1, 0, PageSize, unix.PROT_READ, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		unix.Munmap(p1)
		return window{}, errors.Wrap(err, "probe mmap 2")
	}

	addr1 := addrOf(p1)
	addr2 := addrOf(p2)

	var w window
	if addr1 > addr2 {
		// Heap grows downwards: the first probe landed higher, so the
		// window's top sits just above it.
		w.top = addr1 + PageSize
		w.bottom = w.top - SharedHeapWindowBytes
	} else {
		w.bottom = addr1
		w.top = w.bottom + SharedHeapWindowBytes
	}

	if err := unix.Munmap(p1); err != nil {
		return window{}, errors.Wrap(err, "unmap probe 1")
	}
	if err := unix.Munmap(p2); err != nil {
		return window{}, errors.Wrap(err, "unmap probe 2")
	}

	return w, nil
}

// contains reports whether addr falls within the window — used by the
// fault handler to distinguish an in-window copy-on-write fault from a
// true segmentation fault (spec §4.5 step 1 / §7 "true segmentation
// fault: fault outside the shared heap window").
func (w window) contains(addr uintptr) bool {
	return addr >= w.bottom && addr < w.top
}

// offset is TranslateMmapAddr: the file offset into the shared
// backing's dedup store corresponding to a window address.
func (w window) offset(addr uintptr) int64 {
	return int64(addr - w.bottom)
}

func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
