package dedupheap

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// backingObjectName is the fixed shared-memory object name of spec §6
// ("a fixed string beginning with /"). original_source/SharedHeap.cpp
// hardcodes "/PSMallocTest"; ours is renamed but otherwise the same
// kind of fixed, well-known name every sibling process opens.
const backingObjectName = "/sblldedup-heap"

// backingPath resolves the POSIX shared-memory-object name to a real
// filesystem path. On Linux, shm_open(3) is implemented by glibc as
// exactly this: open a file under /dev/shm. We do the same thing
// directly with unix.Open instead of binding shm_open, since the
// result is identical on the only platform this spec targets and it
// avoids a cgo dependency neither the teacher nor any pack repo uses.
func backingPath(name string) string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return filepath.Join("/dev/shm", name)
	}
	return filepath.Join(os.TempDir(), name)
}

// backing is the shared backing file of spec §3: a POSIX shared
// memory object holding the 3GiB dedup store, the sharing bitmap (one
// slot per window page: 768KiB on 8-way nodes, 1.5MiB on 16-way) and
// one 4KiB metadata page (see newBackingLayout). Only the metadata tail (the
// sharing bitmap plus the final counters page) is kept mapped for the
// life of the process; the 3GiB dedup store is deliberately NOT mapped
// in bulk. original_source never keeps the whole store mapped either —
// each page becomes resident only when a window address needs to
// alias it (a zero-backed or shared mapping placed with MAP_FIXED at
// the allocation's own address, done by fault.go/merge.go) or when the
// merge engine needs a few megabytes of it for byte comparison (the
// rotating compare buffer, also merge.go). Mapping the full store here
// persistently would additionally risk the mapping landing inside the
// same OS-chosen address range window.go's probe discovered for
// allocations themselves, since neither mapping is MAP_FIXED to a
// chosen address — a problem the original never has because it never
// creates such a mapping in the first place.
type backing struct {
	fd     int
	path   string
	layout backingLayout

	// meta is the mmap'd view of [sharingBitmapOff, totalBytes) — the
	// sharing bitmap followed by the metadata page, mapped as one
	// contiguous region since they are adjacent and both need
	// PROT_READ|PROT_WRITE, and neither is ever aliased into the
	// shared heap window.
	meta []byte
}

// metaCounters is a typed view over the fixed layout of the metadata
// page, mirroring AllocateSharedMetadata's aliveProcs/sharedPageCount/
// allProcPrivatePageCount/baseCaseTotalPageCount pointer arithmetic
// ("aliveProcs + 1", "+2", "+3") with named fields instead of pointer
// offsets.
type metaCounters struct {
	// mem is the metadata page, aliased so updates are visible to
	// every sibling immediately (no copy).
	mem []byte
}

const (
	offAliveProcs        = 0
	offSharedPages       = 4
	offPrivatePagesTotal = 8
	offBaselinePages     = 12
	offZeroPages         = 16
)

func (m metaCounters) load(off int) int32 {
	return int32(m.mem[off]) | int32(m.mem[off+1])<<8 | int32(m.mem[off+2])<<16 | int32(m.mem[off+3])<<24
}

func (m metaCounters) store(off int, v int32) {
	m.mem[off] = byte(v)
	m.mem[off+1] = byte(v >> 8)
	m.mem[off+2] = byte(v >> 16)
	m.mem[off+3] = byte(v >> 24)
}

func (m metaCounters) add(off int, delta int32) int32 {
	v := m.load(off) + delta
	m.store(off, v)
	return v
}

func (m metaCounters) aliveProcs() int32       { return m.load(offAliveProcs) }
func (m metaCounters) sharedPages() int32       { return m.load(offSharedPages) }
func (m metaCounters) privatePagesTotal() int32 { return m.load(offPrivatePagesTotal) }
func (m metaCounters) baselinePages() int32     { return m.load(offBaselinePages) }
func (m metaCounters) zeroPages() int32         { return m.load(offZeroPages) }

// mergedPages is spec.md §6's "total merged" field, derived rather
// than stored: a page counts toward M once the merge engine has taken
// it out of the per-sharer private tally, whether by remapping it onto
// the zero template or onto a shared, content-identical range — i.e.
// exactly the pages zeroPages and sharedPages already track. The
// original instead derives this at print time from its own counters
// (SharedHeap.cpp's memory-usage line); there is no separate stored
// counter to keep in sync here either.
func (m metaCounters) mergedPages() int32 { return m.zeroPages() + m.sharedPages() }

// openBacking opens or creates the shared backing, returning the
// backing and whether this process is the one that initialized it
// (spec §4.3: "the first process to open the backing... sizes it with
// ftruncate... and initializes the metadata region").
func openBacking(width NodeWidth) (*backing, bool, error) {
	layout := newBackingLayout(width)
	path := backingPath(backingObjectName)

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0600)
	initializing := err == nil
	if err != nil {
		if !errors.Is(err, unix.EEXIST) {
			return nil, false, errors.Wrap(err, "open shared backing")
		}
		fd, err = unix.Open(path, unix.O_RDWR, 0600)
		if err != nil {
			return nil, false, errors.Wrap(err, "open existing shared backing")
		}
	}

	if initializing {
		if err := unix.Ftruncate(fd, layout.totalBytes); err != nil {
			unix.Close(fd)
			return nil, false, errors.Wrap(err, "ftruncate shared backing")
		}
		// ftruncate on a freshly created file yields an all-zero sparse
		// region, so the zero template at offset 0 needs no explicit
		// zero-fill; it is only ever mapped PROT_READ (never written)
		// by any process, so its content can never drift from zero.
	}

	metaLen := int(layout.sharingBitmapBytes + metaPageBytes)
	meta, err := unix.Mmap(fd, layout.sharingBitmapOff, metaLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, false, errors.Wrap(err, "mmap shared metadata")
	}

	b := &backing{fd: fd, path: path, layout: layout, meta: meta}

	if initializing {
		for i := range b.meta {
			b.meta[i] = 0
		}
		b.counters().store(offAliveProcs, 1)
		b.counters().store(offSharedPages, 1) // the zero template counts as one shared page.
	} else {
		b.counters().add(offAliveProcs, 1)
	}

	return b, initializing, nil
}

// counters returns the metadata-page counter view, aliased over the
// tail of the meta mapping.
func (b *backing) counters() metaCounters {
	off := len(b.meta) - metaPageBytes
	return metaCounters{mem: b.meta[off:]}
}

// sharingBitmapMem returns the []byte view over the sharing bitmap
// region, for sharingBitmap construction in lifecycle.go.
func (b *backing) sharingBitmapMem() []byte {
	return b.meta[:b.layout.sharingBitmapBytes]
}

// mapFixedAt places a MAP_FIXED|MAP_SHARED mapping of the backing
// file's dedup-store region at a specific window address — the
// mechanism fault.go and merge.go use to make a window page alias
// either the zero template (fileOffset 0) or its own natural offset in
// the shared backing (fileOffset = pageIndex.pageNumber(addr)*PageSize).
// This is the Go equivalent of the original's per-page mmap(addr,
// PAGE_SIZE, prot, MAP_SHARED|MAP_FIXED, shm_fd, fileOffset).
//
// golang.org/x/sys/unix.Mmap has no address parameter, so placing a
// mapping at a caller-chosen address needs the raw syscall, the same
// way other_examples/google-gvisor__filemem.go calls
// syscall.Syscall6(syscall.SYS_MMAP, ...) directly when it needs a
// mapping at a specific address.
func mapFixedSyscall(addr uintptr, length int, prot, flags, fd int, offset int64) error {
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(length), uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return errors.Wrap(errno, "mmap MAP_FIXED")
	}
	return nil
}

func (b *backing) mapFixedAt(windowAddr uintptr, fileOffset int64, length int, prot int) error {
	return mapFixedSyscall(windowAddr, length, prot, unix.MAP_SHARED|unix.MAP_FIXED, b.fd, fileOffset)
}

// mapFixedAnon places a MAP_FIXED|MAP_PRIVATE|MAP_ANONYMOUS mapping at
// a specific window address — used to give a page a fresh private,
// zero-filled backing. fault.go uses it only for the zero-backed
// replacement path of spec §4.5 step 4; splits of shared pages go
// through splitSharedPage's mremap instead.
func mapFixedAnon(addr uintptr, length int, prot int) error {
	return mapFixedSyscall(addr, length, prot, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED, -1, 0)
}

// mapCompareWindow maps up to compareBufferBytes of the dedup store at
// an OS-chosen address for read-only byte comparison, the rotating
// compare buffer of spec §4.6. The caller unmaps it (via unix.Munmap)
// once it has scanned past the covered range.
func (b *backing) mapCompareWindow(fileOffset int64, length int) ([]byte, error) {
	mem, err := unix.Mmap(b.fd, fileOffset, length, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "map compare buffer")
	}
	return mem, nil
}

// writeAt copies data into the backing file at fileOffset — used by
// the move-mergeable classification to publish a private page's
// content into the shared backing before remapping it shared (spec
// §4.6: "copy contents into the shared backing at this page's natural
// offset").
func (b *backing) writeAt(fileOffset int64, data []byte) error {
	n, err := unix.Pwrite(b.fd, data, fileOffset)
	if err != nil {
		return errors.Wrap(err, "write shared backing")
	}
	if n != len(data) {
		return errors.Errorf("dedupheap: short write to shared backing: %d of %d bytes", n, len(data))
	}
	return nil
}

// close unmaps this process's view of the metadata region and closes
// its fd. It does not decrement aliveProcs or unlink — that is
// lifecycle.go's job, under the interprocess mutex, matching spec
// §4.3's teardown protocol.
func (b *backing) close() error {
	var errs error
	if err := unix.Munmap(b.meta); err != nil {
		errs = errors.Wrap(err, "munmap shared metadata")
	}
	if err := unix.Close(b.fd); err != nil {
		if errs == nil {
			errs = errors.Wrap(err, "close shared backing fd")
		}
	}
	return errs
}

// unlink removes the backing object from the filesystem. Only the
// last departing process may call this (spec §4.3).
func (b *backing) unlink() error {
	if err := unix.Unlink(b.path); err != nil && !errors.Is(err, unix.ENOENT) {
		return errors.Wrap(err, "unlink shared backing")
	}
	return nil
}
