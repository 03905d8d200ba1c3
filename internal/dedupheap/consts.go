package dedupheap

// Sizing constants for the shared heap window and the backing file that
// holds it. These mirror the layout original_source/Globals.h and
// SharedHeap.h hardcode as preprocessor macros, collected here as named
// Go constants the way malloc.go collects the runtime's own magic
// numbers (see _SizeClasses and friends in the teacher's malloc.go).
const (
	// PageSize is the granularity at which the allocator surface hands
	// out memory and the fault handler/merge engine classify pages.
	PageSize = 4096

	// SharedHeapWindowBytes is the size of the virtual-address window
	// reserved identically in every sibling process. 3GiB keeps the
	// window comfortably under historical 32-bit-friendly mmap limits
	// on x86-64, per spec.
	SharedHeapWindowBytes = 3 << 30

	// SharedHeapWindowPages is the number of PageSize pages in the
	// shared heap window.
	SharedHeapWindowPages = SharedHeapWindowBytes / PageSize

	// sharingBitmapBytes8 is the size of the sharing bitmap region for
	// an 8-way node: one byte per page.
	sharingBitmapBytes8 = SharedHeapWindowPages * 1

	// sharingBitmapBytes16 is the size of the sharing bitmap region for
	// a 16-way node: two bytes per page.
	sharingBitmapBytes16 = SharedHeapWindowPages * 2

	// metaPageBytes is the final page of the backing file: process
	// liveness counter plus shared accounting counters.
	metaPageBytes = PageSize

	// maxNodeWidth is the largest number of sibling processes a single
	// sharing-bitmap slot can represent (16-way nodes, 2 bytes/slot).
	maxNodeWidth = 16

	// compareBufferBytes is the size of the merge engine's rotating
	// compare-buffer mapping of the backing file (spec §4.6).
	compareBufferBytes = 4 << 20

	// defaultSafetyMargin is how far below /proc/sys/vm/max_map_count
	// the allocator backs off the merge engine and new mappings,
	// implementing the guard original_source's IsCloseToMmapLimit left
	// as a dead `return false` (spec §9 open question).
	defaultSafetyMargin = 64
)

// NodeWidth selects the sharing-bitmap slot width. The original chose
// this at compile time (an 8-way vs 16-way build); Go has no
// preprocessor, so it is a startup-time choice instead (SPEC_FULL §3).
type NodeWidth int

const (
	NodeWidth8  NodeWidth = 8
	NodeWidth16 NodeWidth = 16
)

func (w NodeWidth) slotBytes() int64 {
	switch w {
	case NodeWidth16:
		return sharingBitmapBytes16
	default:
		return sharingBitmapBytes8
	}
}

func (w NodeWidth) bytesPerSlot() int {
	if w == NodeWidth16 {
		return 2
	}
	return 1
}

// backingLayout collects every byte offset into the shared backing file
// derived from the window size and node width, computed once at open
// time instead of re-derived ad hoc at each call site the way the
// original's scattered #defines do (SPEC_FULL §3).
type backingLayout struct {
	width NodeWidth

	zeroTemplateOffset int64 // 0
	dedupStoreBytes    int64 // SharedHeapWindowBytes
	sharingBitmapOff   int64
	sharingBitmapBytes int64
	metaPageOffset     int64
	totalBytes         int64
}

func newBackingLayout(width NodeWidth) backingLayout {
	l := backingLayout{
		width:              width,
		zeroTemplateOffset: 0,
		dedupStoreBytes:    SharedHeapWindowBytes,
		sharingBitmapOff:   SharedHeapWindowBytes,
		sharingBitmapBytes: width.slotBytes(),
	}
	l.metaPageOffset = l.sharingBitmapOff + l.sharingBitmapBytes
	l.totalBytes = l.metaPageOffset + metaPageBytes
	return l
}

func alignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

func alignDown(n, align uintptr) uintptr {
	return n &^ (align - 1)
}

func pageRound(n uintptr) uintptr {
	return alignUp(n, PageSize)
}
