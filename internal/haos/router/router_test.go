package router

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/haos/internal/haos/bus"
	"github.com/swarmguard/haos/internal/haos/capability"
	"github.com/swarmguard/haos/internal/haos/model"
	"github.com/swarmguard/haos/internal/haos/pool"
)

type fakeSpawner struct{}

func (fakeSpawner) Spawn(ctx context.Context, id string, layer model.Layer, kind string, caps map[string]struct{}) (*model.Worker, error) {
	return model.NewWorker(id, layer, kind, caps), nil
}

func setup(t *testing.T, maxInstances int, ratePerMin int) (*Router, *capability.Registry) {
	t.Helper()
	registry := capability.NewRegistry()
	registry.Register("k1", map[string]struct{}{"nlp": {}}, 1.0, 0, maxInstances, capability.Policies{
		RateLimitPerMin: ratePerMin,
	})
	p := pool.New(registry, fakeSpawner{}, time.Minute)
	b := bus.New(time.Minute)
	return New(registry, p, b), registry
}

func newTask(id string) *model.Task {
	t := model.NewTask(id, "wf-1", "k1")
	t.RequiredCapabilities = map[string]struct{}{"nlp": {}}
	t.StepDeadline = time.Second
	return t
}

func TestAssignSucceedsAndSetsTaskAssigned(t *testing.T) {
	r, _ := setup(t, 2, 0)
	task := newTask("t1")

	a, err := r.Assign(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	if a.TaskID != "t1" {
		t.Fatalf("expected assignment for t1, got %+v", a)
	}
	if task.State() != model.TaskAssigned {
		t.Fatalf("expected task state ASSIGNED, got %s", task.State())
	}
}

func TestAssignFailsWhenNoKindSatisfiesCapabilities(t *testing.T) {
	r, _ := setup(t, 2, 0)
	task := model.NewTask("t1", "wf-1", "unknown")
	task.RequiredCapabilities = map[string]struct{}{"vision": {}}

	_, err := r.Assign(context.Background(), task)
	de, ok := model.AsDomainError(err)
	if !ok || de.Kind != model.KindUnsatisfiableCapability {
		t.Fatalf("expected UnsatisfiableCapability, got %v", err)
	}
}

func TestAssignSkipsKindWithOpenCircuit(t *testing.T) {
	r, _ := setup(t, 2, 0)
	r.SetCircuitOpen("k1", true)
	task := newTask("t1")

	_, err := r.Assign(context.Background(), task)
	de, ok := model.AsDomainError(err)
	if !ok || de.Kind != model.KindNotAssignable {
		t.Fatalf("expected NotAssignable while circuit open, got %v", err)
	}
}

func TestAssignEnforcesRateLimit(t *testing.T) {
	r, _ := setup(t, 5, 1) // 1 per minute
	task1 := newTask("t1")
	if _, err := r.Assign(context.Background(), task1); err != nil {
		t.Fatal(err)
	}

	task2 := newTask("t2")
	_, err := r.Assign(context.Background(), task2)
	de, ok := model.AsDomainError(err)
	if !ok || de.Kind != model.KindNotAssignable {
		t.Fatalf("expected NotAssignable due to rate limit, got %v", err)
	}
}

func TestPickNextReadyOrdersByEffectivePriorityThenReadyAt(t *testing.T) {
	now := time.Now()
	low := model.NewTask("low", "wf", "k1")
	low.Priority = model.PriorityLow
	low.SetReadyAt(now)

	high := model.NewTask("high", "wf", "k1")
	high.Priority = model.PriorityHigh
	high.SetReadyAt(now.Add(time.Second))

	earlierNormal := model.NewTask("earlier-normal", "wf", "k1")
	earlierNormal.Priority = model.PriorityNormal
	earlierNormal.SetReadyAt(now.Add(-time.Second))

	laterNormal := model.NewTask("later-normal", "wf", "k1")
	laterNormal.Priority = model.PriorityNormal
	laterNormal.SetReadyAt(now)

	got := PickNextReady([]*model.Task{low, high, earlierNormal, laterNormal})
	if got.ID != "high" {
		t.Fatalf("expected highest priority task picked first, got %s", got.ID)
	}

	got2 := PickNextReady([]*model.Task{earlierNormal, laterNormal})
	if got2.ID != "earlier-normal" {
		t.Fatalf("expected earliest-ready tied-priority task picked, got %s", got2.ID)
	}
}
