// Command sblldedup-demo drives the end-to-end scenarios of spec.md §8
// across real sibling OS processes: it re-execs itself N times (there
// is no MPI binding in this module's dependency surface — see
// DESIGN.md's "external collaborator" note for the allocator's own
// small-block partner), each child opening the same shared heap,
// writing a mix of identical and divergent pages, and logging its view
// of the dedup accounting before tearing down.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/LLNL/sblldedup/internal/dedupheap"
)

const childEnvVar = "SBLLDEDUP_DEMO_RANK"

func main() {
	procs := flag.Int("procs", 2, "number of sibling processes to run")
	mb := flag.Int("mb", 4, "megabytes each sibling allocates")
	flag.Parse()

	if rankStr := os.Getenv(childEnvVar); rankStr != "" {
		rank, err := strconv.Atoi(rankStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sblldedup-demo: bad %s: %v\n", childEnvVar, err)
			os.Exit(1)
		}
		runChild(rank, *mb)
		return
	}

	runParent(*procs, *mb)
}

// runParent re-execs the current binary once per sibling, each with
// childEnvVar set to its rank, and waits for all of them — the
// self-exec launcher standing in for the original's MPI-style process
// launch (spec.md §6).
func runParent(procs, mb int) {
	logger := logrus.StandardLogger()
	self, err := os.Executable()
	if err != nil {
		logger.WithError(err).Fatal("dedupheap-demo: resolve self path")
	}

	cmds := make([]*exec.Cmd, procs)
	for rank := 0; rank < procs; rank++ {
		c := exec.Command(self, "-mb", strconv.Itoa(mb))
		c.Env = append(os.Environ(), fmt.Sprintf("%s=%d", childEnvVar, rank))
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Start(); err != nil {
			logger.WithError(err).Fatalf("dedupheap-demo: start sibling %d", rank)
		}
		cmds[rank] = c
	}

	for rank, c := range cmds {
		if err := c.Wait(); err != nil {
			logger.WithError(err).Errorf("dedupheap-demo: sibling %d exited with error", rank)
		}
	}
}

// runChild is one sibling process: open the shared heap, allocate,
// write a pattern every sibling shares and a pattern unique to this
// process, let the allocation-frequency policy (MallocMergeFreq=1) run
// a merge epoch over the written pages, then log the resulting dedup
// accounting before tearing down (spec.md §8 scenarios 1 and 3).
func runChild(rank, mb int) {
	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.TextFormatter{})

	cfg := dedupheap.DefaultConfig()
	cfg.MallocMergeFreq = 1

	h, err := dedupheap.Open(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("dedupheap-demo: open")
	}
	defer func() {
		if err := h.Close(); err != nil {
			logger.WithError(err).Error("dedupheap-demo: close")
		}
	}()

	size := uintptr(mb) << 20
	p, err := h.Alloc(size)
	if err != nil {
		logger.WithError(err).Fatal("dedupheap-demo: alloc")
	}

	shared := make([]byte, dedupheap.PageSize)
	for i := range shared {
		shared[i] = byte(i)
	}
	unique := make([]byte, dedupheap.PageSize)
	for i := range unique {
		unique[i] = byte(rank*7 + i)
	}

	pages := size / dedupheap.PageSize
	for i := uintptr(0); i < pages; i++ {
		off := i * dedupheap.PageSize
		var err error
		if i%4 == 0 {
			// One page in four diverges per rank, exercising the
			// distinct classification alongside the common case.
			err = h.WriteAt(p, off, unique)
		} else {
			err = h.WriteAt(p, off, shared)
		}
		if err != nil {
			logger.WithError(err).Fatalf("dedupheap-demo: write page %d", i)
		}
	}

	// With MallocMergeFreq=1 every page-level Alloc runs a merge epoch.
	// The epoch of the first Alloc ran before any page was written, so
	// one more Alloc triggers the epoch that scans the written pages.
	if _, err := h.Alloc(dedupheap.PageSize); err != nil {
		logger.WithError(err).Fatal("dedupheap-demo: trigger merge epoch")
	}

	time.Sleep(50 * time.Millisecond)

	out, err := h.ReadAt(p, 0, dedupheap.PageSize)
	if err != nil {
		logger.WithError(err).Fatal("dedupheap-demo: read back")
	}
	logger.WithFields(logrus.Fields{
		"rank":        rank,
		"first_bytes": out[:8],
		"ptr":         unsafe.Pointer(p),
	}).Info("dedupheap-demo: sibling finished")
}
