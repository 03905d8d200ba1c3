package dedupheap

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// maxMapCountPath is where the Linux kernel exposes the VMA ceiling
// every process on the host shares. original_source never reads this
// at all (IsCloseToMmapLimit is a dead `return false`); this port
// implements the guard spec.md §9 says was intended.
const maxMapCountPath = "/proc/sys/vm/max_map_count"

// defaultMaxMapCount is used when the kernel doesn't expose the file
// (e.g. non-Linux, or a restricted container), matching the Linux
// kernel's own compiled-in default.
const defaultMaxMapCount = 65530

// Heap is the per-process handle onto the shared heap window, the
// shared backing, and the allocator surface bound to it. One Heap per
// process per spec §5's "multi-process, single-thread per process" —
// Heap itself holds no internal lock for the same reason registry
// doesn't: its own goroutine is the only caller; the interprocess
// mutex guards every cross-process interaction.
type Heap struct {
	cfg    Config
	logger *logrus.Logger

	win  window
	pidx pageIndex

	backing *backing
	mu      *interprocessMutex

	sharing sharingBitmap
	reg     *registry

	everInit   pageBits
	zeroBacked pageBits

	rank uint

	small SubPageAllocator

	ctl *mergeController

	allocCount  int
	maxMapCount int
	mapCount    int // this process's own live-VMA estimate, for the guard.

	stats epochStats

	closed bool
}

// epochStats tracks the process-local counters the profile/memory-usage
// logs need that aren't already aggregate counters in the shared
// backing's metadata page (spec.md §6's "P L Z S U M" line, stats.go).
type epochStats struct {
	mergeEpochs   int64
	pagesMerged   int64
	pagesSplit    int64
	lastEpochUnix int64
}

// Open performs the lifecycle of spec.md §4.9's init path: discover
// the window, open-or-create the shared backing under the mutex,
// derive rank, construct the per-process bitmaps and registry, pick
// the merge controller policy, and read the mmap ceiling. Grounded on
// SharedHeap.cpp's MPI_Init/CheckMPIInitialized sequencing (order:
// discover limits and address space before anything else runs) —
// NOT_MPI_APP's library-constructor-mode distinction from the original
// collapses to "the caller decides when to call Open", since Go has no
// analogue of a linker-injected static constructor running before
// main.
func Open(cfg Config, logger *logrus.Logger) (*Heap, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	win, err := discoverWindow()
	if err != nil {
		return nil, errors.Wrap(err, "discover shared heap window")
	}

	mu := newInterprocessMutex(cfg.SemKey)

	var b *backing
	var isFirst bool
	var rank uint
	if err := mu.withLock(func() error {
		var openErr error
		b, isFirst, openErr = openBacking(cfg.NodeWidth)
		if openErr != nil {
			return openErr
		}
		// Rank must be derived from aliveProcs while still holding the
		// mutex (spec §4.3): openBacking's increment and this read are
		// two steps of one atomic "join" operation, and reading the
		// counter after releasing the lock lets two siblings initializing
		// concurrently both observe the same post-increment value and
		// derive colliding ranks.
		rank = uint(b.counters().aliveProcs() - 1)
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "open shared backing")
	}

	if rank >= uint(cfg.NodeWidth) {
		b.close()
		return nil, errors.Wrapf(ErrConfiguration, "rank %d exceeds node width %d", rank, cfg.NodeWidth)
	}

	ctl, err := newMergeController(cfg)
	if err != nil {
		b.close()
		return nil, err
	}

	h := &Heap{
		cfg:         cfg,
		logger:      logger,
		win:         win,
		pidx:        pageIndex{base: win.bottom},
		backing:     b,
		mu:          mu,
		sharing:     newSharingBitmap(b.sharingBitmapMem(), cfg.NodeWidth, rank),
		reg:         &registry{},
		everInit:    newPageBits(SharedHeapWindowPages),
		zeroBacked:  newPageBits(SharedHeapWindowPages),
		rank:        rank,
		small:       newFixedSizeSmallBlockAllocator(),
		ctl:         ctl,
		maxMapCount: readMaxMapCount(),
	}

	h.logger.WithFields(logrus.Fields{
		"rank":      rank,
		"node_size": cfg.NodeWidth,
		"first":     isFirst,
		"bottom":    win.bottom,
		"top":       win.top,
	}).Info("dedupheap: opened")

	return h, nil
}

// readMaxMapCount reads /proc/sys/vm/max_map_count, falling back to
// defaultMaxMapCount if the file can't be read (container without
// /proc, non-Linux test host).
func readMaxMapCount() int {
	f, err := os.Open(maxMapCountPath)
	if err != nil {
		return defaultMaxMapCount
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return defaultMaxMapCount
	}
	n, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil || n <= 0 {
		return defaultMaxMapCount
	}
	return n
}

// closeToMmapLimit implements the guard spec.md §9 says the original
// left dead: true once mapCount is within defaultSafetyMargin of
// maxMapCount.
func (h *Heap) closeToMmapLimit() bool {
	return h.mapCount+defaultSafetyMargin >= h.maxMapCount
}

// Close performs spec.md §4.3's teardown protocol: decrement
// aliveProcs under the mutex, unmap this process's view of the shared
// backing, and — only for the last departing process — unlink the
// backing and the interprocess mutex's lock file. Failures are
// aggregated with go-multierror rather than stopping at the first one,
// since every step here should still be attempted even if an earlier
// one failed (spec.md §4.9: "Teardown flushes statistics, destroys the
// registry, unmaps shared regions, and performs ref-counted cleanup").
func (h *Heap) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true

	h.logEpochSummary()

	var result *multierror.Error

	var isLast bool
	lockErr := h.mu.withLock(func() error {
		remaining := h.backing.counters().add(offAliveProcs, -1)
		isLast = remaining == 0
		return nil
	})
	if lockErr != nil {
		result = multierror.Append(result, errors.Wrap(lockErr, "decrement aliveProcs"))
	}

	if err := h.backing.close(); err != nil {
		result = multierror.Append(result, err)
	}

	if isLast {
		if err := h.backing.unlink(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := h.mu.unlink(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := h.mu.close(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}
