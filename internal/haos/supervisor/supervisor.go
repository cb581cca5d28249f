// Package supervisor implements C8: periodic health sweeps over
// workers and step deadlines, worker replacement, and per-kind circuit
// breaking on repeated failure.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/swarmguard/haos/internal/haos/bus"
	"github.com/swarmguard/haos/internal/haos/idgen"
	"github.com/swarmguard/haos/internal/haos/model"
	"github.com/swarmguard/haos/internal/haos/pool"
)

// CircuitNotifier is how the Supervisor informs the Router that a
// kind's circuit breaker opened or closed. The Router implements this.
type CircuitNotifier interface {
	SetCircuitOpen(kind string, open bool)
}

// Config bounds the Supervisor's sweep behavior.
type Config struct {
	TickInterval        time.Duration
	StepDeadlineGrace    time.Duration
	CircuitWindow        time.Duration
	CircuitBuckets       int
	CircuitMinSamples    int
	CircuitThreshold     float64 // failure rate, 0-1
	CircuitCooldown      time.Duration
	CircuitHalfOpenProbes int
}

type runningTask struct {
	workerID     string
	kind         string
	stepDeadline time.Time
	cancelSent   bool
	cancelSentAt time.Time
}

// Supervisor watches worker liveness and task step deadlines, replacing
// dead workers and opening circuit breakers per kind (spec §4.8).
type Supervisor struct {
	pool     *pool.Pool
	bus      *bus.Bus
	notifier CircuitNotifier
	cfg      Config
	ids      *idgen.Allocator

	mu       sync.Mutex
	running  map[string]*runningTask // task id -> tracking state
	breakers map[string]*circuitBreaker

	// onReassign is invoked once per in-flight task of a replaced or
	// step-deadline-expired worker; the Workflow Executor (C6) wires
	// this to handleExternalReassign, which re-readies the task directly
	// without a ReassignMsg on the bus.
	onReassign func(pool.ReassignEvent)
}

func New(p *pool.Pool, b *bus.Bus, notifier CircuitNotifier, cfg Config) *Supervisor {
	return &Supervisor{
		pool:     p,
		bus:      b,
		notifier: notifier,
		cfg:      cfg,
		ids:      idgen.NewAllocator("supervisor"),
		running:  make(map[string]*runningTask),
		breakers: make(map[string]*circuitBreaker),
	}
}

// OnReassign registers the callback invoked for every reassign event
// the sweep produces.
func (s *Supervisor) OnReassign(fn func(pool.ReassignEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReassign = fn
}

// TrackRunning registers a task as RUNNING on workerID with the given
// step deadline; the executor calls this on every ASSIGNED->RUNNING
// transition.
func (s *Supervisor) TrackRunning(taskID, workerID, kind string, stepDeadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[taskID] = &runningTask{workerID: workerID, kind: kind, stepDeadline: stepDeadline}
}

// Untrack removes a task from step-deadline tracking once it reaches a
// terminal state or is reassigned away from the worker it was tracked on.
func (s *Supervisor) Untrack(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, taskID)
}

// RecordOutcome feeds a task's terminal success/failure into the
// per-kind circuit breaker, opening/closing it and notifying the
// Router as needed.
func (s *Supervisor) RecordOutcome(kind string, success bool) (openedNow bool) {
	s.mu.Lock()
	cb, ok := s.breakers[kind]
	if !ok {
		cb = newCircuitBreaker(s.cfg.CircuitWindow, s.cfg.CircuitBuckets, s.cfg.CircuitMinSamples,
			s.cfg.CircuitThreshold, s.cfg.CircuitCooldown, s.cfg.CircuitHalfOpenProbes)
		s.breakers[kind] = cb
	}
	s.mu.Unlock()

	opened := cb.recordResult(success)
	if opened {
		s.notifier.SetCircuitOpen(kind, true)
	} else if success && !cb.isOpen() {
		s.notifier.SetCircuitOpen(kind, false)
	}
	return opened
}

// CircuitOpen reports whether kind's breaker is currently open.
func (s *Supervisor) CircuitOpen(kind string) bool {
	s.mu.Lock()
	cb, ok := s.breakers[kind]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return cb.isOpen()
}

// Tick runs one sweep pass: heartbeat timeouts, step-deadline
// enforcement, and worker replacement. Callers drive this on
// cfg.TickInterval (e.g. via a time.Ticker in cmd/haos).
func (s *Supervisor) Tick(ctx context.Context) {
	now := time.Now()
	s.sweepHeartbeats(ctx, now)
	s.sweepStepDeadlines(now)
}

func (s *Supervisor) sweepHeartbeats(ctx context.Context, now time.Time) {
	dead := s.pool.SweepHeartbeats(now)
	for _, workerID := range dead {
		events, err := s.pool.Replace(ctx, workerID)
		if err != nil {
			continue
		}
		s.emitReassigns(events)
	}
}

func (s *Supervisor) sweepStepDeadlines(now time.Time) {
	s.mu.Lock()
	var expired []string
	for taskID, rt := range s.running {
		if rt.cancelSent {
			if now.Sub(rt.cancelSentAt) > s.cfg.StepDeadlineGrace {
				expired = append(expired, taskID)
			}
			continue
		}
		if now.After(rt.stepDeadline) {
			rt.cancelSent = true
			rt.cancelSentAt = now
			_ = s.bus.Publish(model.Message{
				ID:       s.ids.Next("msg"),
				Kind:     model.MsgCancel,
				From:     "supervisor",
				To:       rt.workerID,
				Priority: model.PriorityCritical,
				Deadline: now.Add(s.cfg.StepDeadlineGrace),
				Payload:  model.EscalationPayload{TaskRef: taskID, Reason: "step_deadline_exceeded"},
			})
		}
	}
	s.mu.Unlock()

	for _, taskID := range expired {
		s.mu.Lock()
		rt := s.running[taskID]
		delete(s.running, taskID)
		s.mu.Unlock()
		if rt == nil {
			continue
		}
		// worker did not ack the cancel within the grace period; treat
		// as a dead worker (spec §4.8).
		events, err := s.pool.Replace(context.Background(), rt.workerID)
		if err != nil {
			continue
		}
		s.emitReassigns(events)
	}
}

func (s *Supervisor) emitReassigns(events []pool.ReassignEvent) {
	s.mu.Lock()
	fn := s.onReassign
	s.mu.Unlock()
	if fn == nil {
		return
	}
	for _, ev := range events {
		fn(ev)
	}
}
