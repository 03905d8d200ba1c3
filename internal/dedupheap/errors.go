package dedupheap

import "github.com/pkg/errors"

// Sentinel errors for the taxonomy of spec §7. Callers on the
// allocator surface distinguish ErrForeignPointer from every other
// failure because it changes control flow (fall back to the external
// small-block allocator) rather than signalling a real problem.
var (
	// ErrForeignPointer is returned by Realloc, WriteAt and ReadAt when
	// the registry has no record for the given pointer — it was never
	// handed out by this allocator's page-level path. Free hands such a
	// pointer to the small-block allocator and returns this error only
	// when that allocator does not own it either.
	ErrForeignPointer = errors.New("dedupheap: pointer not owned by this allocator")

	// ErrOutOfMemory covers mmap/semaphore/shm resource exhaustion on
	// allocator paths, where the caller can recover by treating it as a
	// normal allocation failure.
	ErrOutOfMemory = errors.New("dedupheap: out of memory")

	// ErrInvariantViolation signals a bitmap/registry inconsistency
	// that the fault path or merge path cannot recover from.
	ErrInvariantViolation = errors.New("dedupheap: invariant violation")

	// ErrConfiguration signals a bad environment variable, detected
	// before init completes.
	ErrConfiguration = errors.New("dedupheap: configuration error")

	// ErrMmapLimit signals the process is within defaultSafetyMargin of
	// /proc/sys/vm/max_map_count and new mappings or merges should back
	// off (spec §9, IsCloseToMmapLimit).
	ErrMmapLimit = errors.New("dedupheap: approaching mmap_count limit")

	// ErrNotAligned signals a request was not a whole multiple of
	// PageSize where one was required.
	ErrNotAligned = errors.New("dedupheap: address or size not page-aligned")

	// ErrWindowExhausted signals an allocation would cross the top of
	// the shared heap window.
	ErrWindowExhausted = errors.New("dedupheap: shared heap window exhausted")
)
