// Package model defines the shared entities of the hierarchical agent
// orchestration runtime: workflows, tasks, workers, and messages.
package model

import (
	"sync"
	"time"
)

// WorkflowStatus is the lifecycle state of a Workflow.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "PENDING"
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowSucceeded WorkflowStatus = "SUCCEEDED"
	WorkflowFailed    WorkflowStatus = "FAILED"
	WorkflowCancelled WorkflowStatus = "CANCELLED"
)

func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowSucceeded, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// TaskState is the lifecycle state of a Task.
type TaskState string

const (
	TaskBlocked     TaskState = "BLOCKED"
	TaskReady       TaskState = "READY"
	TaskAssigned    TaskState = "ASSIGNED"
	TaskRunning     TaskState = "RUNNING"
	TaskSucceeded   TaskState = "SUCCEEDED"
	TaskFailed      TaskState = "FAILED"
	TaskCancelled   TaskState = "CANCELLED"
	TaskNeedsReview TaskState = "NEEDS_REVIEW"
)

func (s TaskState) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Priority is the declared urgency of a Task.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Layer is one of the four agent-hierarchy tiers.
type Layer string

const (
	LayerExec      Layer = "EXEC"
	LayerMgmt      Layer = "MGMT"
	LayerLead      Layer = "LEAD"
	LayerExecutive Layer = "EXECUTIVE"
)

// layerRank fixes the hierarchy's total order, EXEC lowest, so any
// caller that must collapse a set of allowed layers into a single one
// (spec.md:229's "escalation travels to the layer above") can do so
// deterministically instead of depending on map iteration order.
var layerRank = map[Layer]int{
	LayerExec:      0,
	LayerMgmt:      1,
	LayerLead:      2,
	LayerExecutive: 3,
}

// LayerRank returns l's position in the hierarchy, EXEC lowest.
// Unknown layers sort last.
func LayerRank(l Layer) int {
	if rank, ok := layerRank[l]; ok {
		return rank
	}
	return len(layerRank)
}

// ResourceEstimate is a decomposer-attached hint; the executor never
// trusts these fields for safety-relevant decisions (spec §4.2).
type ResourceEstimate struct {
	Wall             time.Duration `json:"wall"`
	ExpectedRetries  int           `json:"expected_retries"`
	CostHint         float64       `json:"cost_hint"`
	Complexity       int           `json:"complexity,omitempty"`       // 1-10 hint; not read by routing
	Reversible       bool          `json:"reversible,omitempty"`       // hint; not read by the quality chain
	Verifiability    float64       `json:"verifiability,omitempty"`    // 0-1 hint; not read by routing or quality
}

// Task is a single unit of work inside a Workflow's DAG. The fields the
// executor's per-workflow loop mutates during a run (state, attempt,
// readyAt, lastError) are guarded by mu, mirroring Workflow and
// Worker, since Status() can read a Task from any caller goroutine
// while the loop goroutine is still writing it.
type Task struct {
	mu sync.RWMutex

	ID                   string
	WorkflowID           string
	Kind                 string
	Inputs               map[string]any
	RequiredCapabilities map[string]struct{}
	DependsOn            map[string]struct{}
	Priority             Priority
	MaxAttempts          int
	StepDeadline         time.Duration
	Required             bool // if true, failure fails the whole workflow
	Cacheable            bool
	CacheKey             string
	CriticalPathBonus    int
	Estimate             ResourceEstimate

	attempt   int
	state     TaskState
	readyAt   time.Time
	lastError string
}

func NewTask(id, workflowID, kind string) *Task {
	return &Task{
		ID:                   id,
		WorkflowID:           workflowID,
		Kind:                 kind,
		Inputs:               map[string]any{},
		RequiredCapabilities: map[string]struct{}{},
		DependsOn:            map[string]struct{}{},
		Priority:             PriorityNormal,
		MaxAttempts:          1,
		state:                TaskBlocked,
	}
}

func (t *Task) State() TaskState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Task) SetState(s TaskState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

func (t *Task) Attempt() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.attempt
}

// IncAttempt increments the attempt counter and returns its new value.
func (t *Task) IncAttempt() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempt++
	return t.attempt
}

func (t *Task) ReadyAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.readyAt
}

func (t *Task) SetReadyAt(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readyAt = at
}

func (t *Task) LastError() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastError
}

func (t *Task) SetLastError(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastError = s
}

// EffectivePriority combines declared priority, critical-path bonus, and
// a retry bonus per spec §4.4.
func (t *Task) EffectivePriority() int {
	eff := int(t.Priority) + t.CriticalPathBonus
	if t.Attempt() > 0 {
		eff++
	}
	return eff
}

// Budgets bound a workflow's resource consumption.
type Budgets struct {
	MaxWall    time.Duration
	MaxWorkers int
	MaxCost    float64
}

// Workflow is one user request materialized as a DAG of tasks.
type Workflow struct {
	mu sync.RWMutex

	ID         string
	RequestRef string
	CreatedAt  time.Time
	Status     WorkflowStatus
	Budgets    Budgets
	Principal  string

	tasks map[string]*Task
	order []string // insertion order, for deterministic iteration

	StartedAt  time.Time
	finishedAt time.Time
}

func NewWorkflow(id, requestRef, principal string, budgets Budgets) *Workflow {
	return &Workflow{
		ID:         id,
		RequestRef: requestRef,
		Principal:  principal,
		Budgets:    budgets,
		CreatedAt:  time.Now(),
		Status:     WorkflowPending,
		tasks:      make(map[string]*Task),
	}
}

func (w *Workflow) AddTask(t *Task) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.tasks[t.ID]; !exists {
		w.order = append(w.order, t.ID)
	}
	w.tasks[t.ID] = t
}

func (w *Workflow) Task(id string) (*Task, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, ok := w.tasks[id]
	return t, ok
}

// Tasks returns a snapshot slice of tasks in insertion order.
func (w *Workflow) Tasks() []*Task {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*Task, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.tasks[id])
	}
	return out
}

func (w *Workflow) TaskCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.tasks)
}

// Terminal reports whether every task in the workflow is in a terminal
// state (spec invariant 4).
func (w *Workflow) Terminal() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, id := range w.order {
		if !w.tasks[id].State().Terminal() {
			return false
		}
	}
	return true
}

func (w *Workflow) SetStatus(s WorkflowStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Status = s
}

func (w *Workflow) GetStatus() WorkflowStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.Status
}

// SetFinishedAt stamps the workflow's terminal timestamp. Called
// exactly once, from finish(), after SetStatus moves it to a terminal
// state.
func (w *Workflow) SetFinishedAt(at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finishedAt = at
}

func (w *Workflow) FinishedAt() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.finishedAt
}

// WorkerState is the lifecycle state of a Worker instance.
type WorkerState string

const (
	WorkerIdle     WorkerState = "IDLE"
	WorkerBusy     WorkerState = "BUSY"
	WorkerDraining WorkerState = "DRAINING"
	WorkerFailed   WorkerState = "FAILED"
)

// Worker is a specialist agent instance within one hierarchy layer.
// Mutable fields are only ever written through the Agent Pool (C3).
type Worker struct {
	mu sync.RWMutex

	ID            string
	Layer         Layer
	Kind          string
	Capabilities  map[string]struct{}
	state         WorkerState
	inFlight      map[string]struct{}
	load          float64
	lastHeartbeat time.Time
	createdAt     time.Time
	idleSince     time.Time
}

func NewWorker(id string, layer Layer, kind string, caps map[string]struct{}) *Worker {
	now := time.Now()
	return &Worker{
		ID:            id,
		Layer:         layer,
		Kind:          kind,
		Capabilities:  caps,
		state:         WorkerIdle,
		inFlight:      make(map[string]struct{}),
		lastHeartbeat: now,
		createdAt:     now,
		idleSince:     now,
	}
}

func (w *Worker) State() WorkerState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) SetState(s WorkerState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s == WorkerIdle && w.state != WorkerIdle {
		w.idleSince = time.Now()
	}
	w.state = s
}

func (w *Worker) Load() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.load
}

func (w *Worker) IdleSince() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.idleSince
}

func (w *Worker) Heartbeat(load float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastHeartbeat = time.Now()
	w.load = load
}

func (w *Worker) LastHeartbeat() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastHeartbeat
}

func (w *Worker) AddInFlight(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight[taskID] = struct{}{}
}

func (w *Worker) RemoveInFlight(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, taskID)
}

func (w *Worker) InFlight() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.inFlight))
	for id := range w.inFlight {
		out = append(out, id)
	}
	return out
}

func (w *Worker) InFlightCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.inFlight)
}

// HasCapabilities reports whether w declares every tag in required.
func (w *Worker) HasCapabilities(required map[string]struct{}) bool {
	for c := range required {
		if _, ok := w.Capabilities[c]; !ok {
			return false
		}
	}
	return true
}

// MessageKind enumerates the exhaustive bus message kinds (spec §4.5).
type MessageKind string

const (
	MsgAssignment MessageKind = "Assignment"
	MsgResult     MessageKind = "Result"
	MsgHeartbeat  MessageKind = "Heartbeat"
	MsgHelpReq    MessageKind = "HelpRequest"
	MsgContext    MessageKind = "ContextShare"
	MsgEscalation MessageKind = "Escalation"
	MsgCancel     MessageKind = "Cancel"
	MsgReassign   MessageKind = "Reassign"
	MsgVerdict    MessageKind = "QualityVerdict"
)

// Message is an immutable envelope exchanged over the bus (C5).
type Message struct {
	ID            string
	Kind          MessageKind
	From          string
	To            string // worker id, or a broadcast-group name
	Priority      Priority
	Deadline      time.Time
	CorrelationID string
	Payload       any
}

// ResultStatus mirrors the three outcomes a ResultMsg may carry.
type ResultStatus string

const (
	ResultSucceeded   ResultStatus = "SUCCEEDED"
	ResultFailed      ResultStatus = "FAILED"
	ResultNeedsReview ResultStatus = "NEEDS_REVIEW"
)

// ResultPayload is the payload carried by a MsgResult message.
type ResultPayload struct {
	TaskID  string
	Status  ResultStatus
	Output  map[string]any
	Error   string
	Metrics map[string]float64
}

// HelpRequestPayload is the payload carried by a MsgHelpReq message.
type HelpRequestPayload struct {
	TaskRef          string
	CapabilityWanted string
	Urgency          Priority
}

// EscalationPayload is the payload carried by a MsgEscalation message.
type EscalationPayload struct {
	TaskRef string
	Reason  string
}

// QualityVerdict is the structured outcome of the C7 quality chain.
type QualityVerdict struct {
	TaskID     string
	Passes     bool
	Review     bool
	Score      float64
	Reasons    []string
	ReworkHint string
}
