// Package schedule adapts the teacher's cron/event-driven workflow
// scheduler (ground: services/orchestrator/scheduler.go's Scheduler)
// into a recurring-Submit trigger over the C6 Workflow Executor: a
// supplemented feature (spec.md's Non-goals do not exclude
// scheduling, and the teacher shows exactly this shape).
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/haos/internal/haos/decomposer"
)

// Submitter is the narrow executor surface the scheduler drives —
// defined at point of use so *executor.Executor satisfies it without
// this package importing executor.
type Submitter interface {
	Submit(ctx context.Context, req decomposer.Request, seed string) (string, error)
}

// Persister durably stores schedule definitions — *store.Store
// satisfies this structurally.
type Persister interface {
	PutSchedule(ctx context.Context, name string, data []byte) error
	DeleteSchedule(ctx context.Context, name string) error
	ListSchedules(ctx context.Context) ([][]byte, error)
}

// Config defines when and how to submit a workflow (ground:
// scheduler.go's ScheduleConfig).
type Config struct {
	Name          string            `json:"name"`
	CronExpr      string            `json:"cron_expr,omitempty"`
	EventType     string            `json:"event_type,omitempty"`
	EventFilter   map[string]any    `json:"event_filter,omitempty"`
	Enabled       bool              `json:"enabled"`
	MaxConcurrent int               `json:"max_concurrent,omitempty"`
	Timeout       time.Duration     `json:"timeout,omitempty"`
	Request       decomposer.Request `json:"request"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type eventBinding struct {
	mu        sync.Mutex
	configs   []*Config
	running   map[string]int
}

// Scheduler owns cron-triggered and event-triggered recurring Submit
// calls against one Submitter.
type Scheduler struct {
	cron      *cron.Cron
	submitter Submitter
	persist   Persister

	mu            sync.RWMutex
	configs       map[string]*Config
	cronEntries   map[string]cron.EntryID
	eventHandlers map[string]*eventBinding
}

// New builds a Scheduler. persist may be nil, in which case schedules
// exist only for the process lifetime.
func New(submitter Submitter, persist Persister) *Scheduler {
	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()),
		submitter:     submitter,
		persist:       persist,
		configs:       make(map[string]*Config),
		cronEntries:   make(map[string]cron.EntryID),
		eventHandlers: make(map[string]*eventBinding),
	}
}

// Start begins the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("schedule: cron loop started")
}

// Stop gracefully stops the cron loop, waiting for in-flight jobs up
// to ctx's deadline (ground: scheduler.go's Stop).
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadPersisted restores every schedule stored in the configured
// Persister, re-registering cron entries and event handlers without
// re-persisting them (ground: a startup replay of scheduler.go's
// AddSchedule persistence step, run in reverse).
func (s *Scheduler) LoadPersisted(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	raws, err := s.persist.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list persisted schedules: %w", err)
	}
	for _, raw := range raws {
		var cfg Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			slog.Warn("schedule: skipping corrupt persisted schedule", "error", err)
			continue
		}
		if err := s.register(&cfg); err != nil {
			slog.Warn("schedule: failed to reregister persisted schedule", "name", cfg.Name, "error", err)
		}
	}
	return nil
}

// AddSchedule registers and durably persists a new schedule (ground:
// scheduler.go's AddSchedule).
func (s *Scheduler) AddSchedule(ctx context.Context, cfg Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("schedule name must not be empty")
	}
	if cfg.CronExpr == "" && cfg.EventType == "" {
		return fmt.Errorf("either cron_expr or event_type must be specified")
	}
	if err := s.register(&cfg); err != nil {
		return err
	}
	if s.persist != nil {
		data, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal schedule: %w", err)
		}
		if err := s.persist.PutSchedule(ctx, cfg.Name, data); err != nil {
			return fmt.Errorf("persist schedule: %w", err)
		}
	}
	return nil
}

func (s *Scheduler) register(cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.Name] = cfg

	if cfg.CronExpr != "" {
		entryID, err := s.cron.AddFunc(cfg.CronExpr, func() {
			s.runOnce(context.Background(), cfg)
		})
		if err != nil {
			return fmt.Errorf("add cron schedule: %w", err)
		}
		s.cronEntries[cfg.Name] = entryID
		return nil
	}

	binding, ok := s.eventHandlers[cfg.EventType]
	if !ok {
		binding = &eventBinding{running: make(map[string]int)}
		s.eventHandlers[cfg.EventType] = binding
	}
	binding.mu.Lock()
	binding.configs = append(binding.configs, cfg)
	binding.mu.Unlock()
	return nil
}

// RemoveSchedule unregisters and removes a schedule (ground:
// scheduler.go's RemoveSchedule).
func (s *Scheduler) RemoveSchedule(ctx context.Context, name string) error {
	s.mu.Lock()
	cfg, exists := s.configs[name]
	if !exists {
		s.mu.Unlock()
		return nil
	}
	delete(s.configs, name)
	if entryID, ok := s.cronEntries[name]; ok {
		s.cron.Remove(entryID)
		delete(s.cronEntries, name)
	}
	if cfg.EventType != "" {
		if binding, ok := s.eventHandlers[cfg.EventType]; ok {
			binding.mu.Lock()
			remaining := binding.configs[:0]
			for _, c := range binding.configs {
				if c.Name != name {
					remaining = append(remaining, c)
				}
			}
			binding.configs = remaining
			empty := len(binding.configs) == 0
			binding.mu.Unlock()
			if empty {
				delete(s.eventHandlers, cfg.EventType)
			}
		}
	}
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.DeleteSchedule(ctx, name); err != nil {
			return fmt.Errorf("delete persisted schedule: %w", err)
		}
	}
	return nil
}

// ListSchedules returns every currently registered schedule.
func (s *Scheduler) ListSchedules() []Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Config, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, *cfg)
	}
	return out
}

// TriggerEvent processes an incoming event and runs every enabled,
// filter-matching schedule bound to eventType (ground: scheduler.go's
// TriggerEvent).
func (s *Scheduler) TriggerEvent(ctx context.Context, eventType string, eventData map[string]any) {
	s.mu.RLock()
	binding, exists := s.eventHandlers[eventType]
	s.mu.RUnlock()
	if !exists {
		return
	}

	binding.mu.Lock()
	configs := make([]*Config, len(binding.configs))
	copy(configs, binding.configs)
	binding.mu.Unlock()

	for _, cfg := range configs {
		if !cfg.Enabled || !matchesFilter(eventData, cfg.EventFilter) {
			continue
		}

		binding.mu.Lock()
		if cfg.MaxConcurrent > 0 && binding.running[cfg.Name] >= cfg.MaxConcurrent {
			binding.mu.Unlock()
			slog.Warn("schedule: max concurrent executions reached", "schedule", cfg.Name)
			continue
		}
		binding.running[cfg.Name]++
		binding.mu.Unlock()

		go func(cfg *Config) {
			defer func() {
				binding.mu.Lock()
				binding.running[cfg.Name]--
				binding.mu.Unlock()
			}()
			runCtx := ctx
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
				defer cancel()
			}
			s.runOnce(runCtx, cfg)
		}(cfg)
	}
}

func (s *Scheduler) runOnce(ctx context.Context, cfg *Config) {
	seed := fmt.Sprintf("schedule:%s:%d", cfg.Name, time.Now().UnixNano())
	wfID, err := s.submitter.Submit(ctx, cfg.Request, seed)
	if err != nil {
		slog.Error("schedule: submit failed", "schedule", cfg.Name, "error", err)
		return
	}
	slog.Info("schedule: submitted workflow", "schedule", cfg.Name, "workflow_id", wfID)
}

// matchesFilter reports whether eventData satisfies every key/value
// pair in filter (ground: scheduler.go's matchesFilter — exact-match
// only, no nested paths).
func matchesFilter(eventData map[string]any, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := eventData[k]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}
