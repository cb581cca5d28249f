package supervisor

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

type fakeNotifier struct {
	opened map[string]bool
}

func (f *fakeNotifier) SetCircuitOpen(kind string, open bool) {
	if f.opened == nil {
		f.opened = map[string]bool{}
	}
	f.opened[kind] = open
}

func testConfig() Config {
	return Config{
		TickInterval:          10 * time.Millisecond,
		StepDeadlineGrace:     20 * time.Millisecond,
		CircuitWindow:         time.Minute,
		CircuitBuckets:        10,
		CircuitMinSamples:     3,
		CircuitThreshold:      0.5,
		CircuitCooldown:       50 * time.Millisecond,
		CircuitHalfOpenProbes: 1,
	}
}

func TestTickReplacesDeadWorkerAndEmitsReassign(t *testing.T) {
	registry := capability.NewRegistry()
	registry.Register("k1", map[string]struct{}{"nlp": {}}, 1.0, 0, 2, capability.Policies{})
	p := pool.New(registry, fakeSpawner{}, 10*time.Millisecond)
	b := bus.New(time.Minute)
	notifier := &fakeNotifier{}
	s := New(p, b, notifier, testConfig())

	var reassigned []string
	s.OnReassign(func(ev pool.ReassignEvent) { reassigned = append(reassigned, ev.TaskID) })

	w, err := p.Acquire(context.Background(), "k1", nil)
	if err != nil {
		t.Fatal(err)
	}
	w.AddInFlight("task-1")

	time.Sleep(20 * time.Millisecond)
	s.Tick(context.Background())

	if len(reassigned) != 1 || reassigned[0] != "task-1" {
		t.Fatalf("expected task-1 reassigned, got %v", reassigned)
	}
	if w.State() != model.WorkerFailed {
		t.Fatalf("expected worker FAILED after heartbeat loss, got %s", w.State())
	}
}

func TestRecordOutcomeOpensCircuitAfterThresholdBreaches(t *testing.T) {
	registry := capability.NewRegistry()
	p := pool.New(registry, fakeSpawner{}, time.Minute)
	b := bus.New(time.Minute)
	notifier := &fakeNotifier{}
	s := New(p, b, notifier, testConfig())

	s.RecordOutcome("kX", false)
	s.RecordOutcome("kX", false)
	opened := s.RecordOutcome("kX", false)

	if !opened {
		t.Fatal("expected circuit to open after 3 consecutive failures at threshold 0.5 with minSamples 3")
	}
	if !s.CircuitOpen("kX") {
		t.Fatal("expected CircuitOpen(kX) true")
	}
	if !notifier.opened["kX"] {
		t.Fatal("expected notifier told kX circuit is open")
	}
}

func TestRecordOutcomeStaysClosedUnderThreshold(t *testing.T) {
	registry := capability.NewRegistry()
	p := pool.New(registry, fakeSpawner{}, time.Minute)
	b := bus.New(time.Minute)
	notifier := &fakeNotifier{}
	s := New(p, b, notifier, testConfig())

	s.RecordOutcome("kY", true)
	s.RecordOutcome("kY", true)
	opened := s.RecordOutcome("kY", false)

	if opened {
		t.Fatal("expected circuit to stay closed under failure-rate threshold")
	}
	if s.CircuitOpen("kY") {
		t.Fatal("expected CircuitOpen(kY) false")
	}
}

func TestSweepStepDeadlinesSendsCancelThenReplacesAfterGrace(t *testing.T) {
	registry := capability.NewRegistry()
	registry.Register("k1", map[string]struct{}{"nlp": {}}, 1.0, 0, 2, capability.Policies{})
	p := pool.New(registry, fakeSpawner{}, time.Minute)
	b := bus.New(time.Minute)
	notifier := &fakeNotifier{}
	s := New(p, b, notifier, testConfig())

	w, err := p.Acquire(context.Background(), "k1", nil)
	if err != nil {
		t.Fatal(err)
	}

	var cancels int
	b.Subscribe(w.ID, func(m model.Message) {
		if m.Kind == model.MsgCancel {
			cancels++
		}
	})

	s.TrackRunning("task-1", w.ID, "k1", time.Now().Add(-time.Millisecond))

	var reassigned []string
	s.OnReassign(func(ev pool.ReassignEvent) { reassigned = append(reassigned, ev.TaskID) })

	s.sweepStepDeadlines(time.Now())
	if cancels != 1 {
		t.Fatalf("expected 1 CancelMsg sent to the worker, got %d", cancels)
	}

	time.Sleep(30 * time.Millisecond)
	s.sweepStepDeadlines(time.Now())

	if w.State() != model.WorkerFailed {
		t.Fatalf("expected worker replaced after grace period elapsed, got state %s", w.State())
	}
}
