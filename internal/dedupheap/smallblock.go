package dedupheap

import (
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/pkg/errors"
)

// SubPageAllocator is the external collaborator spec.md §1 calls out
// as out of scope: "the underlying small-block allocator that services
// sub-page requests". The core never implements a general-purpose
// allocator of its own; it only needs something satisfying this
// surface to hand sub-page requests to, and to consult for Free calls
// on pointers the registry does not hold (spec.md §6: "smaller requests go to
// the external small-block allocator").
type SubPageAllocator interface {
	Alloc(size uintptr) (uintptr, error)
	Free(addr uintptr) error
	Footprint() uintptr
}

// fixedSizeClasses mirrors the size-class table shape of
// memory_and_heap/malloc.go's _SizeClasses, scaled down since this
// allocator only ever serves requests strictly below PageSize.
var fixedSizeClasses = []uintptr{16, 32, 64, 128, 256, 512, 1024, 2048, PageSize}

// fixedSizeBlockAllocator is a default, runnable-standalone
// implementation of SubPageAllocator: one chunked free list per size
// class, each chunk obtained from the OS with one anonymous mmap of a
// whole page and carved into same-sized blocks. Adapted from
// memory_and_heap/mfixalloc.go's fixalloc (a single fixed-size
// freelist backed by chunked sysAlloc spans) generalized from "one
// size" to "one free list per size class", since this collaborator
// must serve arbitrary sub-page sizes rather than mfixalloc's single
// compile-time-fixed element size.
type fixedSizeBlockAllocator struct {
	mu       sync.Mutex
	classes  []uintptr
	freeList map[uintptr][]uintptr // size class -> free block addresses.
	owner    map[uintptr]uintptr   // block addr -> size class, for Free/Footprint.
	footprint uintptr
}

func newFixedSizeSmallBlockAllocator() *fixedSizeBlockAllocator {
	return &fixedSizeBlockAllocator{
		classes:  fixedSizeClasses,
		freeList: make(map[uintptr][]uintptr),
		owner:    make(map[uintptr]uintptr),
	}
}

func (a *fixedSizeBlockAllocator) classFor(size uintptr) uintptr {
	i := sort.Search(len(a.classes), func(i int) bool { return a.classes[i] >= size })
	if i == len(a.classes) {
		return 0
	}
	return a.classes[i]
}

func (a *fixedSizeBlockAllocator) Alloc(size uintptr) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	class := a.classFor(size)
	if class == 0 {
		return 0, errors.Errorf("dedupheap: small-block request %d exceeds largest size class", size)
	}

	if blocks := a.freeList[class]; len(blocks) > 0 {
		addr := blocks[len(blocks)-1]
		a.freeList[class] = blocks[:len(blocks)-1]
		return addr, nil
	}

	mem, err := unix.Mmap(-1, 0, PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, errors.Wrap(ErrOutOfMemory, err.Error())
	}
	a.footprint += PageSize

	base := addrOf(mem)
	count := PageSize / class
	for i := uintptr(1); i < uintptr(count); i++ {
		addr := base + i*class
		a.freeList[class] = append(a.freeList[class], addr)
		a.owner[addr] = class
	}
	a.owner[base] = class
	return base, nil
}

func (a *fixedSizeBlockAllocator) Free(addr uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	class, ok := a.owner[addr]
	if !ok {
		return ErrForeignPointer
	}
	a.freeList[class] = append(a.freeList[class], addr)
	return nil
}

func (a *fixedSizeBlockAllocator) Footprint() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.footprint
}
