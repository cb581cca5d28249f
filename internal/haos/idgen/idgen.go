// Package idgen provides deterministic, seed-derived id allocation so
// the Task Decomposer can satisfy spec §4.2's determinism requirement:
// identical (request, registry snapshot, seed) must yield identical
// task ids.
package idgen

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Allocator hands out deterministic ids derived from a seed and a
// monotonically increasing per-seed counter. Safe only for single
// goroutine use within one decomposition pass (the decomposer runs
// single-threaded per spec §5).
type Allocator struct {
	seed    string
	counter int
}

func NewAllocator(seed string) *Allocator {
	return &Allocator{seed: seed}
}

// Next returns the next id in sequence: sha256(seed || counter || role)
// truncated to 16 hex chars, prefixed by role for readability.
func (a *Allocator) Next(role string) string {
	a.counter++
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", a.seed, a.counter, role)))
	return fmt.Sprintf("%s-%s", role, hex.EncodeToString(h[:])[:16])
}

// WorkflowID derives a workflow id purely from the seed, independent of
// the counter, so repeated decompositions of the same request+seed
// produce the same workflow id.
func WorkflowID(seed string) string {
	h := sha256.Sum256([]byte("workflow:" + seed))
	return "wf-" + hex.EncodeToString(h[:])[:16]
}
