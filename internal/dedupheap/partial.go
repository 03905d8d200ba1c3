package dedupheap

import "math/bits"

// partialSimilarity reports the percentage (0..100) of bits two
// same-length pages agree on: 100 minus their bit-level Hamming
// distance as a share of all bits, so identical pages score 100 — cheap
// enough to run inline in the classification path without its own
// comparison buffer, since it only ever runs on pages the real
// classifier already loaded into cb for the shared-mergeable
// comparison (spec.md §9: "a diagnostic mode measures sub-page
// similarity but never acts on it").
func partialSimilarity(a, b []byte) int {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	diffBits := 0
	for i := range a {
		diffBits += bits.OnesCount8(a[i] ^ b[i])
	}
	totalBits := len(a) * 8
	return 100 - (diffBits*100)/totalBits
}

// recordPartialStat logs one distinct-page comparison's similarity
// score when Config.EnablePartialStats is set. Never consulted by
// classifyPage's own return value — this exists purely so an operator
// can see how close "distinct" pages actually were, matching the
// open question's "preserved as diagnostic-only" resolution.
func (h *Heap) recordPartialStat(pageNum uint, similarity int) {
	if !h.cfg.EnablePartialStats {
		return
	}
	h.logger.WithFields(map[string]interface{}{
		"page":       pageNum,
		"similarity": similarity,
	}).Debug("dedupheap: partial merge similarity")
}
