// Package capability implements C1, the static+dynamic catalog of
// specialist kinds the Router and Agent Pool consult. It is read-mostly
// with copy-on-write snapshots, per spec §9 ("no global mutable state").
package capability

import (
	"sort"
	"sync"

	"github.com/swarmguard/haos/internal/haos/model"
)

// Policies gate how a kind may be assigned.
type Policies struct {
	ApprovalRequired bool
	RateLimitPerMin  int
	AllowedLayers    map[model.Layer]struct{}
}

// Record is one registered specialist kind.
type Record struct {
	Kind         string
	Capabilities map[string]struct{}
	CostHint     float64
	MinInstances int
	MaxInstances int
	Policies     Policies
	registeredAt int64 // monotonic registration sequence, for match tie-break
}

// Registry is a logically immutable snapshot between admin operations;
// Register/Deregister publish a new snapshot under the lock.
type Registry struct {
	mu   sync.RWMutex
	recs map[string]*Record
	seq  int64
}

func NewRegistry() *Registry {
	return &Registry{recs: make(map[string]*Record)}
}

// Register adds or replaces a kind's record. Idempotent by kind.
func (r *Registry) Register(kind string, caps map[string]struct{}, costHint float64, minInstances, maxInstances int, policies Policies) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, had := r.recs[kind]
	seq := r.seq
	if had {
		seq = existing.registeredAt
	} else {
		r.seq++
	}
	r.recs[kind] = &Record{
		Kind:         kind,
		Capabilities: caps,
		CostHint:     costHint,
		MinInstances: minInstances,
		MaxInstances: maxInstances,
		Policies:     policies,
		registeredAt: seq,
	}
}

// Deregister removes a kind from the catalog.
func (r *Registry) Deregister(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.recs, kind)
}

// Lookup returns the record for kind, or NotFound.
func (r *Registry) Lookup(kind string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.recs[kind]
	if !ok {
		return nil, model.New(model.KindNotFound, "capability kind not registered: "+kind)
	}
	return rec, nil
}

// List returns every registered record.
func (r *Registry) List() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.recs))
	for _, rec := range r.recs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].registeredAt < out[j].registeredAt })
	return out
}

// Match returns the kinds satisfying required, ranked by: (1) tightest
// superset first (fewest capabilities beyond required), (2) lower
// cost_hint, (3) earlier registration (spec §4.1).
func (r *Registry) Match(required map[string]struct{}) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type candidate struct {
		rec     *Record
		extra   int // |capabilities| - |required|, smaller = tighter fit but still a superset
	}
	var cands []candidate
	for _, rec := range r.recs {
		if isSuperset(rec.Capabilities, required) {
			cands = append(cands, candidate{rec: rec, extra: len(rec.Capabilities) - len(required)})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.extra != b.extra {
			return a.extra < b.extra // strict/tighter superset first
		}
		if a.rec.CostHint != b.rec.CostHint {
			return a.rec.CostHint < b.rec.CostHint
		}
		return a.rec.registeredAt < b.rec.registeredAt
	})
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.rec.Kind)
	}
	return out
}

func isSuperset(have, want map[string]struct{}) bool {
	for c := range want {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}
