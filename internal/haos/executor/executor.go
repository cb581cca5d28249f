// Package executor implements C6, the Workflow Executor: the heart of
// the system, owning task-state transitions and DAG progress from
// submission to completion.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/swarmguard/haos/internal/haos/bus"
	"github.com/swarmguard/haos/internal/haos/cache"
	"github.com/swarmguard/haos/internal/haos/capability"
	"github.com/swarmguard/haos/internal/haos/decomposer"
	"github.com/swarmguard/haos/internal/haos/idgen"
	"github.com/swarmguard/haos/internal/haos/model"
	"github.com/swarmguard/haos/internal/haos/pool"
	"github.com/swarmguard/haos/internal/haos/quality"
	"github.com/swarmguard/haos/internal/haos/router"
	"github.com/swarmguard/haos/internal/haos/supervisor"
)

// Authorizer gates Submit and any approval-requiring transition (spec
// §6's identity/authorization facade).
type Authorizer interface {
	Authorize(ctx context.Context, principal, action string) error
}

// AuditSink is the pluggable append-only event sink every state-
// affecting operation writes to (spec §6).
type AuditSink interface {
	Emit(ctx context.Context, evt AuditEvent) error
}

// AuditEvent is one append-only audit record.
type AuditEvent struct {
	Timestamp  time.Time
	WorkflowID string
	TaskID     string
	WorkerID   string
	Kind       string
	Principal  string
}

// Event is one item in a workflow's observable event stream (spec
// §6's Subscribe contract): a lazy, finite, non-restartable sequence
// ending with exactly one terminal workflow event.
type Event struct {
	WorkflowID string
	TaskID     string
	Kind       string
	At         time.Time
	Detail     string
}

// Config bounds the executor's scheduling and retry behavior.
type Config struct {
	PerWorkflowMaxWorkers int
	GlobalMaxInflight     int
	StepDeadlineDefault   time.Duration
	MaxAttemptsDefault    int
	AssignBackoff         time.Duration
	CancelGrace           time.Duration
	TickInterval          time.Duration
}

// Executor drives workflows from submission to completion.
type Executor struct {
	cfg        Config
	decomposer *decomposer.Decomposer
	registry   *capability.Registry
	pool       *pool.Pool
	router     *router.Router
	chain      *quality.Chain
	supervisor *supervisor.Supervisor
	bus        *bus.Bus
	audit      AuditSink
	authz      Authorizer
	ids        *idgen.Allocator
	results    *cache.ResultCache[string, model.ResultPayload]

	mu             sync.Mutex
	runs           map[string]*run
	globalInflight int
}

// SetCache wires a result cache for cacheable tasks (spec §12's
// supplemented result-caching feature). Nil disables caching entirely;
// the default Executor has no cache until this is called.
func (e *Executor) SetCache(c *cache.ResultCache[string, model.ResultPayload]) {
	e.results = c
}

func New(cfg Config, dec *decomposer.Decomposer, registry *capability.Registry, p *pool.Pool, r *router.Router, chain *quality.Chain, sup *supervisor.Supervisor, b *bus.Bus, audit AuditSink, authz Authorizer) *Executor {
	return &Executor{
		cfg:        cfg,
		decomposer: dec,
		registry:   registry,
		pool:       p,
		router:     r,
		chain:      chain,
		supervisor: sup,
		bus:        b,
		audit:      audit,
		authz:      authz,
		ids:        idgen.NewAllocator("exec"),
		runs:       make(map[string]*run),
	}
}

type run struct {
	mu         sync.Mutex
	wf         *model.Workflow
	assignment map[string]string // taskID -> workerID
	waitingOn  map[string]string // helperTaskID -> parent taskID it unblocks
	backoff    map[string]time.Time
	cancelled  bool
	cancelAt   time.Time
	events     chan Event
	msgCh      chan model.Message
	done       chan struct{}
}

// Submit decomposes req into a Workflow, authorizes the principal,
// checks the declared budget, and starts driving it (spec §6's
// Submit(request, principal, budgets) -> workflow_id).
func (e *Executor) Submit(ctx context.Context, req decomposer.Request, seed string) (string, error) {
	if e.authz != nil {
		if err := e.authz.Authorize(ctx, req.Principal, "submit"); err != nil {
			return "", model.Wrap(model.KindUnauthorizedPrincipal, "submit: authorization denied", err)
		}
	}

	wf, err := e.decomposer.Decompose(ctx, req, seed)
	if err != nil {
		return "", err
	}

	if req.Budgets.MaxCost > 0 {
		var total float64
		for _, t := range wf.Tasks() {
			total += t.Estimate.CostHint
		}
		if total > req.Budgets.MaxCost {
			return "", model.New(model.KindBudgetExceeded, "submit: estimated cost exceeds budget").WithWorkflow(wf.ID)
		}
	}

	r := &run{
		wf:         wf,
		assignment: make(map[string]string),
		waitingOn:  make(map[string]string),
		backoff:    make(map[string]time.Time),
		events:     make(chan Event, 256),
		msgCh:      make(chan model.Message, 256),
		done:       make(chan struct{}),
	}
	initializeReadiness(wf)

	e.mu.Lock()
	e.runs[wf.ID] = r
	e.mu.Unlock()

	e.bus.Subscribe(executorAddr(wf.ID), func(m model.Message) {
		select {
		case r.msgCh <- m:
		default:
			// msgCh saturated: drop silently except for kinds the bus
			// itself already guarantees never to drop (ResultMsg,
			// ReassignMsg) — in that pathological case we still accept
			// the loss rather than block the bus's dispatch goroutine,
			// and rely on the supervisor's step-deadline/heartbeat
			// sweeps to eventually recover progress.
		}
	})

	e.supervisor.OnReassign(func(ev pool.ReassignEvent) {
		e.handleExternalReassign(ev)
	})

	wf.SetStatus(model.WorkflowRunning)
	e.pushEvent(r, "", "workflow.started", "")
	e.auditEmit(ctx, wf.ID, "", "", "workflow_submitted", req.Principal)

	go e.loop(ctx, r)
	return wf.ID, nil
}

func initializeReadiness(wf *model.Workflow) {
	now := time.Now()
	for _, t := range wf.Tasks() {
		if len(t.DependsOn) == 0 {
			t.SetState(model.TaskReady)
			t.SetReadyAt(now)
		} else {
			t.SetState(model.TaskBlocked)
		}
	}
}

func executorAddr(workflowID string) string { return "executor:" + workflowID }

// loop is the single-owner state machine driving one workflow (spec
// §4.6): it alternates between assigning ready tasks and draining
// incoming bus messages, terminating once every task is terminal or
// the workflow is cancelled past its grace period.
func (e *Executor) loop(ctx context.Context, r *run) {
	tick := e.cfg.TickInterval
	if tick <= 0 {
		tick = 20 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.finish(r, model.WorkflowCancelled)
			return
		case msg := <-r.msgCh:
			e.handleMessage(ctx, r, msg)
		case <-ticker.C:
			e.tryAssign(ctx, r)
			e.checkCancelGrace(r)
		}

		r.mu.Lock()
		terminal := r.wf.Terminal()
		cancelled := r.cancelled
		r.mu.Unlock()

		if terminal {
			status := model.WorkflowSucceeded
			if anyRequiredFailedOrCancelled(r.wf) {
				status = model.WorkflowFailed
			}
			if cancelled {
				status = model.WorkflowCancelled
			}
			e.finish(r, status)
			return
		}
	}
}

func anyRequiredFailedOrCancelled(wf *model.Workflow) bool {
	for _, t := range wf.Tasks() {
		if t.Required && (t.State() == model.TaskFailed || t.State() == model.TaskCancelled) {
			return true
		}
	}
	return false
}

func (e *Executor) finish(r *run, status model.WorkflowStatus) {
	r.mu.Lock()
	if r.wf.GetStatus().Terminal() {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.wf.SetStatus(status)
	r.wf.SetFinishedAt(time.Now())
	e.pushEvent(r, "", "workflow."+string(status), "")
	close(r.events)
	close(r.done)

	r.mu.Lock()
	for taskID, workerID := range r.assignment {
		e.pool.Release(workerID, true)
		e.supervisor.Untrack(taskID)
	}
	r.mu.Unlock()

	e.auditEmit(context.Background(), r.wf.ID, "", "", "workflow_"+string(status), r.wf.Principal)
}

// Status returns a point-in-time snapshot (spec §6).
type Status struct {
	WorkflowID string
	State      model.WorkflowStatus
	Tasks      []TaskStatus
	StartedAt  time.Time
	FinishedAt time.Time
}

type TaskStatus struct {
	ID        string
	State     model.TaskState
	Attempt   int
	LastError string
}

func (e *Executor) Status(workflowID string) (Status, error) {
	r, err := e.getRun(workflowID)
	if err != nil {
		return Status{}, err
	}
	tasks := make([]TaskStatus, 0, r.wf.TaskCount())
	for _, t := range r.wf.Tasks() {
		tasks = append(tasks, TaskStatus{ID: t.ID, State: t.State(), Attempt: t.Attempt(), LastError: t.LastError()})
	}
	return Status{
		WorkflowID: r.wf.ID,
		State:      r.wf.GetStatus(),
		Tasks:      tasks,
		StartedAt:  r.wf.CreatedAt,
		FinishedAt: r.wf.FinishedAt(),
	}, nil
}

// Subscribe returns the workflow's event stream; it terminates after
// exactly one terminal workflow event.
func (e *Executor) Subscribe(workflowID string) (<-chan Event, error) {
	r, err := e.getRun(workflowID)
	if err != nil {
		return nil, err
	}
	return r.events, nil
}

func (e *Executor) getRun(workflowID string) (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[workflowID]
	if !ok {
		return nil, model.New(model.KindNotFound, "executor: unknown workflow "+workflowID)
	}
	return r, nil
}

func (e *Executor) auditEmit(ctx context.Context, workflowID, taskID, workerID, kind, principal string) {
	if e.audit == nil {
		return
	}
	_ = e.audit.Emit(ctx, AuditEvent{
		Timestamp:  time.Now(),
		WorkflowID: workflowID,
		TaskID:     taskID,
		WorkerID:   workerID,
		Kind:       kind,
		Principal:  principal,
	})
}
