package executor

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/haos/internal/haos/aiprovider"
	"github.com/swarmguard/haos/internal/haos/bus"
	"github.com/swarmguard/haos/internal/haos/cache"
	"github.com/swarmguard/haos/internal/haos/capability"
	"github.com/swarmguard/haos/internal/haos/decomposer"
	"github.com/swarmguard/haos/internal/haos/model"
	"github.com/swarmguard/haos/internal/haos/pool"
	"github.com/swarmguard/haos/internal/haos/quality"
	"github.com/swarmguard/haos/internal/haos/router"
	"github.com/swarmguard/haos/internal/haos/supervisor"
)

func testConfig() Config {
	return Config{
		PerWorkflowMaxWorkers: 4,
		GlobalMaxInflight:     16,
		StepDeadlineDefault:   time.Second,
		MaxAttemptsDefault:    1,
		AssignBackoff:         10 * time.Millisecond,
		CancelGrace:           150 * time.Millisecond,
		TickInterval:          10 * time.Millisecond,
	}
}

func newHarness(t *testing.T, maxAttempts int, sketch aiprovider.DAGSketch, runners *Registry, checks ...quality.Check) (*Executor, *capability.Registry) {
	t.Helper()
	registry := capability.NewRegistry()
	registry.Register("k1", map[string]struct{}{"k1": {}}, 1.0, 0, 4, capability.Policies{})

	b := bus.New(time.Minute)
	spawner := NewRuntimeSpawner(b, runners)
	p := pool.New(registry, spawner, time.Minute)
	r := router.New(registry, p, b)
	chain := quality.NewChain(checks...)
	sup := supervisor.New(p, b, r, supervisor.Config{
		TickInterval:          10 * time.Millisecond,
		StepDeadlineGrace:     2 * time.Second,
		CircuitWindow:         time.Minute,
		CircuitBuckets:        10,
		CircuitMinSamples:     3,
		CircuitThreshold:      0.5,
		CircuitCooldown:       time.Second,
		CircuitHalfOpenProbes: 1,
	})

	dec := decomposer.New(registry, aiprovider.NewFakeProvider(sketch),
		decomposer.Limits{MaxDepth: 10, MaxWidth: 10},
		decomposer.Defaults{StepDeadline: time.Second, MaxAttempts: maxAttempts})

	return New(testConfig(), dec, registry, p, r, chain, sup, b, nil, nil), registry
}

func linearSketch() aiprovider.DAGSketch {
	return aiprovider.DAGSketch{Tasks: []aiprovider.TaskSketch{
		{ID: "a", Kind: "k1", RequiredCapabilities: []string{"k1"}, Required: true},
		{ID: "b", Kind: "k1", RequiredCapabilities: []string{"k1"}, DependsOn: []string{"a"}, Required: true},
	}}
}

func drainUntilClosed(t *testing.T, events <-chan Event, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for workflow event stream to close")
		}
	}
}

func TestExecutorHappyPathLinearChainSucceeds(t *testing.T) {
	runners := NewRegistry()
	runners.Register("k1", func(ctx context.Context, task *model.Task) (model.ResultPayload, error) {
		return model.ResultPayload{TaskID: task.ID, Status: model.ResultSucceeded, Output: map[string]any{"ok": true}}, nil
	})
	exec, _ := newHarness(t, 1, linearSketch(), runners)

	wfID, err := exec.Submit(context.Background(), decomposer.Request{Principal: "p1"}, "seed-happy")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	events, err := exec.Subscribe(wfID)
	if err != nil {
		t.Fatal(err)
	}
	drainUntilClosed(t, events, 3*time.Second)

	status, err := exec.Status(wfID)
	if err != nil {
		t.Fatal(err)
	}
	if status.State != model.WorkflowSucceeded {
		t.Fatalf("expected workflow SUCCEEDED, got %s", status.State)
	}
	for _, ts := range status.Tasks {
		if ts.State != model.TaskSucceeded {
			t.Fatalf("expected task %s SUCCEEDED, got %s", ts.ID, ts.State)
		}
	}
}

func TestExecutorRetriesFailedTaskThenSucceeds(t *testing.T) {
	var calls int
	runners := NewRegistry()
	runners.Register("k1", func(ctx context.Context, task *model.Task) (model.ResultPayload, error) {
		calls++
		if task.Attempt() == 0 {
			return model.ResultPayload{TaskID: task.ID, Status: model.ResultFailed, Error: "transient"}, nil
		}
		return model.ResultPayload{TaskID: task.ID, Status: model.ResultSucceeded, Output: map[string]any{"ok": true}}, nil
	})

	failOnceCheck := failUntilAttempt{attempt: 1}
	exec, _ := newHarness(t, 2, aiprovider.SingleTaskSketch("k1", "k1"), runners, failOnceCheck)

	wfID, err := exec.Submit(context.Background(), decomposer.Request{Principal: "p1"}, "seed-retry")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	events, err := exec.Subscribe(wfID)
	if err != nil {
		t.Fatal(err)
	}
	drainUntilClosed(t, events, 3*time.Second)

	status, err := exec.Status(wfID)
	if err != nil {
		t.Fatal(err)
	}
	if status.State != model.WorkflowSucceeded {
		t.Fatalf("expected workflow SUCCEEDED after retry, got %s", status.State)
	}
	if calls < 2 {
		t.Fatalf("expected at least 2 runner invocations, got %d", calls)
	}
}

// failUntilAttempt is a quality.Check that fails every result until the
// task's attempt counter reaches the configured value, used to force a
// quality-driven retry in tests without a real schema/policy check.
type failUntilAttempt struct{ attempt int }

func (f failUntilAttempt) Name() string { return "fail_until_attempt" }

func (f failUntilAttempt) Run(ctx context.Context, task *model.Task, result model.ResultPayload) quality.Verdict {
	if result.Status == model.ResultFailed {
		return quality.Verdict{Pass: false, Reasons: []string{"runner reported failure"}}
	}
	if task.Attempt() < f.attempt {
		return quality.Verdict{Pass: false, Reasons: []string{"not yet at required attempt"}}
	}
	return quality.Verdict{Pass: true, Score: 1}
}

func TestExecutorCancelForceCancelsAfterGrace(t *testing.T) {
	block := make(chan struct{})
	runners := NewRegistry()
	runners.Register("k1", func(ctx context.Context, task *model.Task) (model.ResultPayload, error) {
		select {
		case <-ctx.Done():
			return model.ResultPayload{TaskID: task.ID, Status: model.ResultFailed, Error: "cancelled"}, nil
		case <-block:
			return model.ResultPayload{TaskID: task.ID, Status: model.ResultSucceeded}, nil
		}
	})
	exec, _ := newHarness(t, 1, aiprovider.SingleTaskSketch("k1", "k1"), runners)

	wfID, err := exec.Submit(context.Background(), decomposer.Request{Principal: "p1"}, "seed-cancel")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	time.Sleep(50 * time.Millisecond) // let the task actually get assigned
	if err := exec.Cancel(context.Background(), wfID, "user requested"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	events, err := exec.Subscribe(wfID)
	if err != nil {
		t.Fatal(err)
	}
	drainUntilClosed(t, events, 3*time.Second)

	status, err := exec.Status(wfID)
	if err != nil {
		t.Fatal(err)
	}
	if status.State != model.WorkflowCancelled {
		t.Fatalf("expected workflow CANCELLED, got %s", status.State)
	}
	close(block)
}

func TestHandleHelpRequestParksParentAndResumesOnHelperSuccess(t *testing.T) {
	runners := NewRegistry()
	exec, _ := newHarness(t, 1, aiprovider.DAGSketch{}, runners)

	wf := model.NewWorkflow("wf-1", "", "p1", model.Budgets{})
	parent := model.NewTask("t-parent", wf.ID, "k1")
	parent.RequiredCapabilities = map[string]struct{}{"k1": {}}
	parent.SetState(model.TaskRunning)
	wf.AddTask(parent)

	r := &run{
		wf:         wf,
		assignment: make(map[string]string),
		waitingOn:  make(map[string]string),
		backoff:    make(map[string]time.Time),
		events:     make(chan Event, 16),
	}

	exec.handleHelpRequest(r, model.HelpRequestPayload{TaskRef: parent.ID, CapabilityWanted: "k1", Urgency: model.PriorityHigh})

	if parent.State() != model.TaskNeedsReview {
		t.Fatalf("expected parent parked NEEDS_REVIEW, got %s", parent.State())
	}

	var helper *model.Task
	for _, tk := range wf.Tasks() {
		if tk.ID != parent.ID {
			helper = tk
		}
	}
	if helper == nil {
		t.Fatal("expected a synthesized helper task")
	}
	if helper.State() != model.TaskReady {
		t.Fatalf("expected helper READY (no deps), got %s", helper.State())
	}

	exec.handleResult(context.Background(), r, model.ResultPayload{TaskID: helper.ID, Status: model.ResultSucceeded, Output: map[string]any{"x": 1}})

	if parent.State() != model.TaskReady {
		t.Fatalf("expected parent resumed to READY after helper succeeded, got %s", parent.State())
	}
}

func TestExecutorCacheHitSkipsRunnerAndReachesSucceeded(t *testing.T) {
	runners := NewRegistry()
	runners.Register("k1", func(ctx context.Context, task *model.Task) (model.ResultPayload, error) {
		t.Fatal("runner should never be invoked for a cache hit")
		return model.ResultPayload{}, nil
	})
	exec, _ := newHarness(t, 1, aiprovider.DAGSketch{}, runners)

	resultCache := cache.New[string, model.ResultPayload](4, time.Minute)
	exec.SetCache(resultCache)
	resultCache.Set("cached-key", model.ResultPayload{Status: model.ResultSucceeded, Output: map[string]any{"cached": true}})

	wf := model.NewWorkflow("wf-cache", "", "p1", model.Budgets{})
	task := model.NewTask("a", wf.ID, "k1")
	task.RequiredCapabilities = map[string]struct{}{"k1": {}}
	task.Required = true
	task.Cacheable = true
	task.CacheKey = "cached-key"
	task.SetState(model.TaskReady)
	task.SetReadyAt(time.Now())
	wf.AddTask(task)
	wf.SetStatus(model.WorkflowRunning)

	r := &run{
		wf:         wf,
		assignment: make(map[string]string),
		waitingOn:  make(map[string]string),
		backoff:    make(map[string]time.Time),
		events:     make(chan Event, 16),
	}

	exec.tryAssign(context.Background(), r)

	if task.State() != model.TaskSucceeded {
		t.Fatalf("expected cache-hit task to reach SUCCEEDED, got %s", task.State())
	}
	if _, assigned := r.assignment[task.ID]; assigned {
		t.Fatal("expected cache-hit task to never acquire a worker assignment")
	}
}

func TestCascadeCancelMarksDescendantsCancelled(t *testing.T) {
	runners := NewRegistry()
	exec, _ := newHarness(t, 1, aiprovider.DAGSketch{}, runners)

	wf := model.NewWorkflow("wf-2", "", "p1", model.Budgets{})
	a := model.NewTask("a", wf.ID, "k1")
	a.Required = true
	a.SetState(model.TaskFailed)
	b := model.NewTask("b", wf.ID, "k1")
	b.DependsOn = map[string]struct{}{"a": {}}
	b.SetState(model.TaskBlocked)
	c := model.NewTask("c", wf.ID, "k1")
	c.DependsOn = map[string]struct{}{"b": {}}
	c.SetState(model.TaskBlocked)
	wf.AddTask(a)
	wf.AddTask(b)
	wf.AddTask(c)

	r := &run{wf: wf, assignment: map[string]string{}, waitingOn: map[string]string{}, backoff: map[string]time.Time{}, events: make(chan Event, 16)}

	exec.cascadeCancel(r, "a")

	if b.State() != model.TaskCancelled || c.State() != model.TaskCancelled {
		t.Fatalf("expected both descendants CANCELLED, got b=%s c=%s", b.State(), c.State())
	}
}
