// Package router implements C4: picking a worker for each ready task,
// enforcing allowlists, load and affinity rules, and publishing the
// resulting assignment onto the bus.
package router

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/swarmguard/haos/internal/haos/bus"
	"github.com/swarmguard/haos/internal/haos/capability"
	"github.com/swarmguard/haos/internal/haos/idgen"
	"github.com/swarmguard/haos/internal/haos/model"
	"github.com/swarmguard/haos/internal/haos/pool"
	"github.com/swarmguard/haos/internal/haos/resilience"
)

// Assignment records which worker a task was handed to.
type Assignment struct {
	TaskID   string
	WorkerID string
}

// Router picks workers for ready tasks via the Capability Registry's
// match ranking and the Agent Pool's acquisition policy.
type Router struct {
	registry *capability.Registry
	pool     *pool.Pool
	bus      *bus.Bus
	ids      *idgen.Allocator

	mu        sync.Mutex
	limiters  map[string]*resilience.RateLimiter // kind -> limiter
	openKinds map[string]struct{}                // kinds with an open circuit breaker (set by Supervisor)
}

func New(registry *capability.Registry, p *pool.Pool, b *bus.Bus) *Router {
	return &Router{
		registry:  registry,
		pool:      p,
		bus:       b,
		ids:       idgen.NewAllocator("router"),
		limiters:  make(map[string]*resilience.RateLimiter),
		openKinds: make(map[string]struct{}),
	}
}

// SetCircuitOpen is how the Supervisor (C8) tells the Router a kind's
// circuit breaker opened or closed; the Router consults this before
// ranking candidate kinds.
func (r *Router) SetCircuitOpen(kind string, open bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if open {
		r.openKinds[kind] = struct{}{}
	} else {
		delete(r.openKinds, kind)
	}
}

func (r *Router) isOpen(kind string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, open := r.openKinds[kind]
	return open
}

func (r *Router) limiterFor(kind string, ratePerMin int) *resilience.RateLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[kind]; ok {
		return l
	}
	if ratePerMin <= 0 {
		return nil
	}
	l := resilience.NewRateLimiter(int64(ratePerMin), float64(ratePerMin)/60.0, time.Minute, int64(ratePerMin))
	r.limiters[kind] = l
	return l
}

// Assign picks a worker for task, publishing an AssignmentMsg and
// setting the task's state to ASSIGNED on success (spec §4.4).
func (r *Router) Assign(ctx context.Context, task *model.Task) (Assignment, error) {
	kinds := r.registry.Match(task.RequiredCapabilities)
	if len(kinds) == 0 {
		return Assignment{}, model.New(model.KindUnsatisfiableCapability,
			"router: no registered kind satisfies task capabilities").WithTask(task.ID)
	}

	var lastErr error
	for _, kind := range kinds {
		if r.isOpen(kind) {
			continue
		}
		rec, err := r.registry.Lookup(kind)
		if err != nil {
			continue
		}
		// allowed_layers is enforced at worker-creation time: the pool
		// only ever spawns a worker of the layer recorded for its kind.
		if l := r.limiterFor(kind, rec.Policies.RateLimitPerMin); l != nil && !l.Allow() {
			lastErr = model.New(model.KindNotAssignable, "router: rate limit exceeded for kind "+kind).WithTask(task.ID)
			continue
		}

		w, err := r.pool.Acquire(ctx, kind, task.RequiredCapabilities)
		if err != nil {
			lastErr = err
			continue
		}

		w.SetState(model.WorkerBusy)
		w.AddInFlight(task.ID)

		msg := model.Message{
			ID:       r.ids.Next("msg"),
			Kind:     model.MsgAssignment,
			From:     "router",
			To:       w.ID,
			Priority: task.Priority,
			Deadline: time.Now().Add(task.StepDeadline),
			Payload:  task,
		}
		if err := r.bus.Publish(msg); err != nil {
			w.RemoveInFlight(task.ID)
			w.SetState(model.WorkerIdle)
			lastErr = err
			continue
		}

		task.SetState(model.TaskAssigned)
		return Assignment{TaskID: task.ID, WorkerID: w.ID}, nil
	}

	if lastErr != nil {
		return Assignment{}, model.Wrap(model.KindNotAssignable, "router: exhausted candidate kinds", lastErr).WithTask(task.ID)
	}
	return Assignment{}, model.New(model.KindNotAssignable, "router: no candidate kind assignable").WithTask(task.ID)
}

// PickNextReady returns the highest-effective-priority READY task among
// candidates, ties broken by earliest ReadyAt (spec §4.4).
func PickNextReady(candidates []*model.Task) *model.Task {
	if len(candidates) == 0 {
		return nil
	}
	out := make([]*model.Task, len(candidates))
	copy(out, candidates)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.EffectivePriority() != b.EffectivePriority() {
			return a.EffectivePriority() > b.EffectivePriority()
		}
		return a.ReadyAt().Before(b.ReadyAt())
	})
	return out[0]
}
