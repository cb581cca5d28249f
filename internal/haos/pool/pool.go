// Package pool implements C3, the Agent Pool: lifecycle of Worker
// instances per layer, load-balanced acquisition, health-driven
// retirement and replacement.
package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/swarmguard/haos/internal/haos/capability"
	"github.com/swarmguard/haos/internal/haos/idgen"
	"github.com/swarmguard/haos/internal/haos/model"
)

// Spawner creates a new worker instance of kind, on demand. The pool
// itself has no notion of how a worker process/goroutine is started;
// it only tracks the resulting model.Worker handle (ground:
// orchestrator/plugins.go's PluginExecutor factory pattern, generalized
// to worker-instance spawning rather than per-call plugin dispatch).
type Spawner interface {
	Spawn(ctx context.Context, id string, layer model.Layer, kind string, caps map[string]struct{}) (*model.Worker, error)
}

// ReassignEvent is emitted by Replace for every task that was in flight
// on the replaced worker; the Supervisor hands it to the executor (C6),
// which re-readies the task directly rather than through a ReassignMsg.
type ReassignEvent struct {
	TaskID       string
	ReplacedWorkerID string
}

// Pool owns Worker lifecycle and enforces per-kind instance caps drawn
// from the Capability Registry.
type Pool struct {
	mu       sync.Mutex
	registry *capability.Registry
	spawner  Spawner
	ids      *idgen.Allocator

	heartbeatTimeout time.Duration

	workers map[string]*model.Worker   // id -> worker
	byKind  map[string][]string        // kind -> worker ids, insertion order
}

func New(registry *capability.Registry, spawner Spawner, heartbeatTimeout time.Duration) *Pool {
	return &Pool{
		registry:         registry,
		spawner:          spawner,
		ids:              idgen.NewAllocator("pool"),
		heartbeatTimeout: heartbeatTimeout,
		workers:          make(map[string]*model.Worker),
		byKind:           make(map[string][]string),
	}
}

// Acquire returns an existing IDLE worker of kind, spawns a new one if
// the kind's non-FAILED workers are under the registry's per-kind cap,
// or returns NoWorkerAvailable (spec §4.3). The returned worker is
// marked BUSY until Release. It does not block; callers needing a bounded wait should
// retry on a timer, matching the executor's re-queue-with-backoff model.
func (p *Pool) Acquire(ctx context.Context, kind string, required map[string]struct{}) (*model.Worker, error) {
	p.mu.Lock()
	rec, err := p.registry.Lookup(kind)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}

	if w := p.pickIdleLocked(kind, required); w != nil {
		w.SetState(model.WorkerBusy)
		p.mu.Unlock()
		return w, nil
	}

	live := 0
	for _, id := range p.byKind[kind] {
		if p.workers[id].State() != model.WorkerFailed {
			live++
		}
	}
	if live >= rec.MaxInstances {
		p.mu.Unlock()
		return nil, model.New(model.KindNoWorkerAvailable, "pool: kind "+kind+" is at max instances and no idle worker").WithTask("")
	}
	p.mu.Unlock()

	id := p.ids.Next("w")
	w, err := p.spawner.Spawn(ctx, id, layerFor(rec), kind, rec.Capabilities)
	if err != nil {
		return nil, model.Wrap(model.KindNoWorkerAvailable, "pool: spawn failed for kind "+kind, err)
	}
	w.SetState(model.WorkerBusy)

	p.mu.Lock()
	p.workers[w.ID] = w
	p.byKind[kind] = append(p.byKind[kind], w.ID)
	p.mu.Unlock()
	return w, nil
}

// pickIdleLocked selects the lowest-load IDLE worker of kind honoring
// required capabilities, breaking ties by longest idle time (spec
// §4.3). Caller holds p.mu.
func (p *Pool) pickIdleLocked(kind string, required map[string]struct{}) *model.Worker {
	var candidates []*model.Worker
	for _, id := range p.byKind[kind] {
		w := p.workers[id]
		if w.State() != model.WorkerIdle {
			continue
		}
		if !w.HasCapabilities(required) {
			continue
		}
		candidates = append(candidates, w)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Load() != b.Load() {
			return a.Load() < b.Load()
		}
		return a.IdleSince().Before(b.IdleSince())
	})
	return candidates[0]
}

// Release marks a worker IDLE if it is still healthy (no pending
// failure), else transitions it to FAILED. Release does not replace a
// FAILED worker, and SweepHeartbeats skips FAILED workers, so no
// replacement is spawned for it; since Acquire counts only non-FAILED
// workers against the cap, a later Acquire may spawn a new worker.
func (p *Pool) Release(workerID string, healthy bool) {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	p.mu.Unlock()
	if !ok {
		return
	}
	if healthy {
		w.SetState(model.WorkerIdle)
	} else {
		w.SetState(model.WorkerFailed)
	}
}

// Heartbeat records liveness and current load for workerID.
func (p *Pool) Heartbeat(workerID string, load float64) {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	p.mu.Unlock()
	if ok {
		w.Heartbeat(load)
	}
}

// Retire marks a worker DRAINING; callers (typically the Supervisor or
// an admin operation) should poll InFlightCount and call Forget once it
// reaches zero.
func (p *Pool) Retire(workerID string) {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	p.mu.Unlock()
	if ok {
		w.SetState(model.WorkerDraining)
	}
}

// Forget removes a drained or failed worker from the pool's bookkeeping
// entirely (destruction, per spec §4.3's retire contract).
func (p *Pool) Forget(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[workerID]
	if !ok {
		return
	}
	delete(p.workers, workerID)
	ids := p.byKind[w.Kind]
	for i, id := range ids {
		if id == workerID {
			p.byKind[w.Kind] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// Replace marks workerID FAILED, returns a ReassignEvent for every task
// that was in flight on it, and spawns a same-kind replacement if the
// registry's caps allow (spec §4.3).
func (p *Pool) Replace(ctx context.Context, workerID string) ([]ReassignEvent, error) {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	p.mu.Unlock()
	if !ok {
		return nil, model.New(model.KindNotFound, "pool: unknown worker "+workerID)
	}

	w.SetState(model.WorkerFailed)
	inFlight := w.InFlight()
	events := make([]ReassignEvent, 0, len(inFlight))
	for _, taskID := range inFlight {
		events = append(events, ReassignEvent{TaskID: taskID, ReplacedWorkerID: workerID})
	}

	rec, err := p.registry.Lookup(w.Kind)
	if err != nil {
		return events, nil // kind was deregistered; no replacement possible
	}

	p.mu.Lock()
	liveCount := 0
	for _, id := range p.byKind[w.Kind] {
		if p.workers[id].State() != model.WorkerFailed {
			liveCount++
		}
	}
	p.mu.Unlock()
	if liveCount >= rec.MaxInstances {
		return events, nil
	}

	id := p.ids.Next("w")
	nw, err := p.spawner.Spawn(ctx, id, layerFor(rec), w.Kind, rec.Capabilities)
	if err != nil {
		return events, model.Wrap(model.KindNoWorkerAvailable, "pool: replacement spawn failed for kind "+w.Kind, err)
	}
	p.mu.Lock()
	p.workers[nw.ID] = nw
	p.byKind[w.Kind] = append(p.byKind[w.Kind], nw.ID)
	p.mu.Unlock()
	return events, nil
}

// SweepHeartbeats moves every worker whose last heartbeat exceeds the
// configured timeout to FAILED and returns their ids for the caller
// (the Supervisor) to drive through Replace. It does not call Replace
// itself so the Supervisor can batch/rate-limit replacement.
func (p *Pool) SweepHeartbeats(now time.Time) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var dead []string
	for id, w := range p.workers {
		if w.State() == model.WorkerFailed {
			continue
		}
		if now.Sub(w.LastHeartbeat()) > p.heartbeatTimeout {
			w.SetState(model.WorkerFailed)
			dead = append(dead, id)
		}
	}
	sort.Strings(dead)
	return dead
}

// Get returns the worker for id, if tracked.
func (p *Pool) Get(id string) (*model.Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	return w, ok
}

// CountByKind reports the number of non-FAILED workers of kind.
func (p *Pool) CountByKind(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, id := range p.byKind[kind] {
		if p.workers[id].State() != model.WorkerFailed {
			n++
		}
	}
	return n
}

// layerFor picks the single layer a newly spawned worker of rec's kind
// is pinned to. When policies.allowed_layers names more than one
// layer, the lowest-ranked (closest to EXEC) wins, so sibling workers
// of the same kind always agree on their layer and escalation's
// "layer above" stays unambiguous.
func layerFor(rec *capability.Record) model.Layer {
	best := model.Layer("")
	bestRank := -1
	for l := range rec.Policies.AllowedLayers {
		rank := model.LayerRank(l)
		if bestRank == -1 || rank < bestRank {
			best, bestRank = l, rank
		}
	}
	if bestRank == -1 {
		return model.LayerExec
	}
	return best
}
