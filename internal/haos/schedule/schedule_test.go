package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/swarmguard/haos/internal/haos/decomposer"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	calls int
	seeds []string
}

func (f *fakeSubmitter) Submit(ctx context.Context, req decomposer.Request, seed string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.seeds = append(f.seeds, seed)
	return "wf-" + seed, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePersister struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakePersister() *fakePersister { return &fakePersister{data: make(map[string][]byte)} }

func (f *fakePersister) PutSchedule(ctx context.Context, name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[name] = data
	return nil
}

func (f *fakePersister) DeleteSchedule(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, name)
	return nil
}

func (f *fakePersister) ListSchedules(ctx context.Context) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, 0, len(f.data))
	for _, v := range f.data {
		out = append(out, v)
	}
	return out, nil
}

func TestAddScheduleRejectsMissingTrigger(t *testing.T) {
	sub := &fakeSubmitter{}
	s := New(sub, nil)
	err := s.AddSchedule(context.Background(), Config{Name: "bad"})
	if err == nil {
		t.Fatal("expected error when neither cron_expr nor event_type is set")
	}
}

func TestTriggerEventRunsMatchingEnabledSchedule(t *testing.T) {
	sub := &fakeSubmitter{}
	s := New(sub, nil)

	err := s.AddSchedule(context.Background(), Config{
		Name:      "on-deploy",
		EventType: "deploy.completed",
		Enabled:   true,
		EventFilter: map[string]any{"env": "prod"},
	})
	if err != nil {
		t.Fatalf("add schedule: %v", err)
	}

	s.TriggerEvent(context.Background(), "deploy.completed", map[string]any{"env": "staging"})
	time.Sleep(20 * time.Millisecond)
	if sub.count() != 0 {
		t.Fatalf("expected filter mismatch to skip submit, got %d calls", sub.count())
	}

	s.TriggerEvent(context.Background(), "deploy.completed", map[string]any{"env": "prod"})
	time.Sleep(20 * time.Millisecond)
	if sub.count() != 1 {
		t.Fatalf("expected 1 submit call after matching trigger, got %d", sub.count())
	}
}

func TestTriggerEventRespectsMaxConcurrent(t *testing.T) {
	sub := &fakeSubmitter{}
	s := New(sub, nil)
	_ = s.AddSchedule(context.Background(), Config{
		Name:          "bursty",
		EventType:     "burst",
		Enabled:       true,
		MaxConcurrent: 1,
	})

	binding := s.eventHandlers["burst"]
	binding.mu.Lock()
	binding.running["bursty"] = 1
	binding.mu.Unlock()

	s.TriggerEvent(context.Background(), "burst", map[string]any{})
	time.Sleep(20 * time.Millisecond)
	if sub.count() != 0 {
		t.Fatalf("expected concurrency limit to block submit, got %d calls", sub.count())
	}
}

func TestRemoveScheduleStopsFutureTriggers(t *testing.T) {
	sub := &fakeSubmitter{}
	s := New(sub, nil)
	_ = s.AddSchedule(context.Background(), Config{Name: "once", EventType: "tick", Enabled: true})

	if err := s.RemoveSchedule(context.Background(), "once"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	s.TriggerEvent(context.Background(), "tick", map[string]any{})
	time.Sleep(20 * time.Millisecond)
	if sub.count() != 0 {
		t.Fatalf("expected no submits after removal, got %d", sub.count())
	}
	if len(s.ListSchedules()) != 0 {
		t.Fatalf("expected schedule list to be empty after removal")
	}
}

func TestAddSchedulePersistsAndLoadPersistedRestores(t *testing.T) {
	persist := newFakePersister()
	sub1 := &fakeSubmitter{}
	s1 := New(sub1, persist)
	err := s1.AddSchedule(context.Background(), Config{Name: "persisted", EventType: "tick", Enabled: true})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	sub2 := &fakeSubmitter{}
	s2 := New(sub2, persist)
	if err := s2.LoadPersisted(context.Background()); err != nil {
		t.Fatalf("load persisted: %v", err)
	}
	if len(s2.ListSchedules()) != 1 {
		t.Fatalf("expected 1 restored schedule, got %d", len(s2.ListSchedules()))
	}

	s2.TriggerEvent(context.Background(), "tick", map[string]any{})
	time.Sleep(20 * time.Millisecond)
	if sub2.count() != 1 {
		t.Fatalf("expected restored schedule to still fire, got %d calls", sub2.count())
	}
}
