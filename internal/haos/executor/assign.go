package executor

import (
	"context"
	"strings"
	"time"

	"github.com/swarmguard/haos/internal/haos/model"
	"github.com/swarmguard/haos/internal/haos/pool"
	"github.com/swarmguard/haos/internal/haos/router"
)

func (e *Executor) nextID(role string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ids.Next(role)
}

// tryAssign assigns READY tasks one after another within a single call,
// stopping when the per-workflow worker cap is reached, the
// GlobalMaxInflight check fails, no eligible READY task is left, or an
// assignment fails (spec §4.6's bounded-parallelism requirement).
func (e *Executor) tryAssign(ctx context.Context, r *run) {
	for {
		r.mu.Lock()
		if r.cancelled {
			r.mu.Unlock()
			return
		}
		inFlight := len(r.assignment)
		maxWorkers := r.wf.Budgets.MaxWorkers
		if maxWorkers <= 0 {
			maxWorkers = e.cfg.PerWorkflowMaxWorkers
		}
		if maxWorkers > 0 && inFlight >= maxWorkers {
			r.mu.Unlock()
			return
		}

		now := time.Now()
		var candidates []*model.Task
		for _, t := range r.wf.Tasks() {
			if t.State() != model.TaskReady {
				continue
			}
			if until, ok := r.backoff[t.ID]; ok && now.Before(until) {
				continue
			}
			candidates = append(candidates, t)
		}
		r.mu.Unlock()

		if len(candidates) == 0 {
			return
		}

		if cached, task, ok := e.cacheHit(candidates); ok {
			task.SetState(model.TaskRunning)
			e.pushEvent(r, task.ID, "task.cache_hit", "")
			e.handleResult(ctx, r, cached)
			continue
		}

		e.mu.Lock()
		globalOK := e.cfg.GlobalMaxInflight <= 0 || e.globalInflight < e.cfg.GlobalMaxInflight
		if globalOK {
			e.globalInflight++
		}
		e.mu.Unlock()
		if !globalOK {
			return
		}

		task := router.PickNextReady(candidates)
		assignment, err := e.router.Assign(ctx, task)

		e.mu.Lock()
		e.globalInflight--
		e.mu.Unlock()

		if err != nil {
			backoff := e.cfg.AssignBackoff
			if backoff <= 0 {
				backoff = 200 * time.Millisecond
			}
			r.mu.Lock()
			r.backoff[task.ID] = time.Now().Add(backoff)
			r.mu.Unlock()
			return
		}

		task.SetState(model.TaskRunning)
		deadline := time.Now().Add(task.StepDeadline)
		if task.StepDeadline <= 0 {
			deadline = time.Now().Add(e.cfg.StepDeadlineDefault)
		}
		r.mu.Lock()
		r.assignment[task.ID] = assignment.WorkerID
		delete(r.backoff, task.ID)
		r.mu.Unlock()
		e.supervisor.TrackRunning(task.ID, assignment.WorkerID, task.Kind, deadline)
		e.pushEvent(r, task.ID, "task.assigned", assignment.WorkerID)
		e.auditEmit(ctx, r.wf.ID, task.ID, assignment.WorkerID, "task_assigned", r.wf.Principal)
	}
}

// cacheHit returns the first candidate with a live cached result for
// its CacheKey, short-circuiting a worker dispatch for that task
// entirely (spec §12's result-caching supplement).
func (e *Executor) cacheHit(candidates []*model.Task) (model.ResultPayload, *model.Task, bool) {
	if e.results == nil {
		return model.ResultPayload{}, nil, false
	}
	for _, t := range candidates {
		if !t.Cacheable || t.CacheKey == "" {
			continue
		}
		if result, ok := e.results.Get(t.CacheKey); ok {
			result.TaskID = t.ID
			return result, t, true
		}
	}
	return model.ResultPayload{}, nil, false
}

func (e *Executor) handleMessage(ctx context.Context, r *run, msg model.Message) {
	switch msg.Kind {
	case model.MsgResult:
		payload, ok := msg.Payload.(model.ResultPayload)
		if !ok {
			return
		}
		e.handleResult(ctx, r, payload)
	case model.MsgHelpReq:
		payload, ok := msg.Payload.(model.HelpRequestPayload)
		if !ok {
			return
		}
		e.handleHelpRequest(r, payload)
	case model.MsgReassign:
		payload, ok := msg.Payload.(model.EscalationPayload)
		if !ok {
			return
		}
		e.handleReassign(r, payload.TaskRef)
	}
}

func (e *Executor) handleResult(ctx context.Context, r *run, result model.ResultPayload) {
	task, ok := r.wf.Task(result.TaskID)
	if !ok {
		return
	}
	r.mu.Lock()
	if task.State().Terminal() {
		r.mu.Unlock()
		return // duplicate delivery of an already-terminal result: no-op (spec's idempotency invariant)
	}
	workerID := r.assignment[task.ID]
	delete(r.assignment, task.ID)
	r.mu.Unlock()

	e.supervisor.Untrack(task.ID)
	if workerID != "" {
		e.pool.Release(workerID, result.Status != model.ResultFailed)
	}

	verdict := e.chain.Evaluate(ctx, task, result)

	switch {
	case verdict.Passes:
		task.SetState(model.TaskSucceeded)
		e.supervisor.RecordOutcome(task.Kind, true)
		if e.results != nil && task.Cacheable && task.CacheKey != "" {
			e.results.Set(task.CacheKey, result)
		}
		e.pushEvent(r, task.ID, "task.succeeded", "")
		e.auditEmit(ctx, r.wf.ID, task.ID, workerID, "task_succeeded", r.wf.Principal)
		e.unblockDependents(r, task.ID)
		e.resumeParentIfHelper(r, task)

	case verdict.Review:
		task.SetState(model.TaskNeedsReview)
		e.pushEvent(r, task.ID, "task.needs_review", strings.Join(verdict.Reasons, "; "))
		_ = e.bus.Publish(model.Message{
			ID:       e.nextID("msg"),
			Kind:     model.MsgEscalation,
			From:     executorAddr(r.wf.ID),
			To:       "lead",
			Priority: model.PriorityHigh,
			Payload:  model.EscalationPayload{TaskRef: task.ID, Reason: strings.Join(verdict.Reasons, "; ")},
		})
		// No automated LEAD-layer decision loop is wired: the default
		// policy auto-approves a review outcome as success once emitted,
		// since nothing downstream currently denies it.
		task.SetState(model.TaskSucceeded)
		e.supervisor.RecordOutcome(task.Kind, true)
		e.unblockDependents(r, task.ID)
		e.resumeParentIfHelper(r, task)

	default:
		reason := strings.Join(verdict.Reasons, "; ")
		task.SetLastError(reason)
		if task.Attempt()+1 < task.MaxAttempts {
			task.IncAttempt()
			task.SetState(model.TaskReady)
			task.SetReadyAt(time.Now())
			e.pushEvent(r, task.ID, "task.retrying", reason)
		} else {
			task.SetState(model.TaskFailed)
			e.supervisor.RecordOutcome(task.Kind, false)
			e.pushEvent(r, task.ID, "task.failed", reason)
			e.auditEmit(ctx, r.wf.ID, task.ID, workerID, "task_failed", r.wf.Principal)
			if task.Required {
				e.cascadeCancel(r, task.ID)
			}
		}
	}
}

// unblockDependents moves every BLOCKED task that depends on doneID to
// READY once all of its dependencies have succeeded.
func (e *Executor) unblockDependents(r *run, doneID string) {
	now := time.Now()
	for _, t := range r.wf.Tasks() {
		if t.State() != model.TaskBlocked {
			continue
		}
		if _, depends := t.DependsOn[doneID]; !depends {
			continue
		}
		if allDepsSucceeded(r.wf, t) {
			t.SetState(model.TaskReady)
			t.SetReadyAt(now)
		}
	}
}

func allDepsSucceeded(wf *model.Workflow, t *model.Task) bool {
	for dep := range t.DependsOn {
		dt, ok := wf.Task(dep)
		if !ok || dt.State() != model.TaskSucceeded {
			return false
		}
	}
	return true
}

// cascadeCancel marks every transitive descendant of a failed required
// task as CANCELLED (spec §4.6's failure-propagation rule): the closure
// of "depends, directly or indirectly, on a cancelled ancestor".
func (e *Executor) cascadeCancel(r *run, failedID string) {
	cancelled := map[string]struct{}{failedID: {}}
	changed := true
	for changed {
		changed = false
		for _, t := range r.wf.Tasks() {
			if t.State().Terminal() {
				continue
			}
			dependsOnCancelled := false
			for dep := range t.DependsOn {
				if _, in := cancelled[dep]; in {
					dependsOnCancelled = true
					break
				}
			}
			if !dependsOnCancelled {
				continue
			}
			t.SetState(model.TaskCancelled)
			cancelled[t.ID] = struct{}{}
			e.pushEvent(r, t.ID, "task.cancelled", "dependency chain includes failed task "+failedID)
			changed = true
		}
	}
}

func (e *Executor) handleHelpRequest(r *run, payload model.HelpRequestPayload) {
	parent, ok := r.wf.Task(payload.TaskRef)
	if !ok {
		return
	}
	helperID := e.nextID("helper")
	helper := model.NewTask(helperID, r.wf.ID, "help:"+payload.CapabilityWanted)
	helper.RequiredCapabilities = map[string]struct{}{payload.CapabilityWanted: {}}
	helper.DependsOn = copyDeps(parent.DependsOn)
	helper.Priority = payload.Urgency
	helper.MaxAttempts = parent.MaxAttempts
	if helper.MaxAttempts <= 0 {
		helper.MaxAttempts = e.cfg.MaxAttemptsDefault
	}
	helper.StepDeadline = parent.StepDeadline
	if helper.StepDeadline <= 0 {
		helper.StepDeadline = e.cfg.StepDeadlineDefault
	}
	if allDepsSucceeded(r.wf, helper) {
		helper.SetState(model.TaskReady)
		helper.SetReadyAt(time.Now())
	}
	r.wf.AddTask(helper)

	r.mu.Lock()
	r.waitingOn[helper.ID] = parent.ID
	r.mu.Unlock()

	parent.SetState(model.TaskNeedsReview)
	e.pushEvent(r, parent.ID, "task.waiting_on_help", helper.ID)
	e.auditEmit(context.Background(), r.wf.ID, parent.ID, "", "task_help_requested", r.wf.Principal)
}

func copyDeps(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// resumeParentIfHelper checks whether the just-succeeded task was a
// synthesized helper, and if so moves the parent back to READY. The
// helper's output is not copied into the parent's inputs.
func (e *Executor) resumeParentIfHelper(r *run, helper *model.Task) {
	r.mu.Lock()
	parentID, isHelper := r.waitingOn[helper.ID]
	if isHelper {
		delete(r.waitingOn, helper.ID)
	}
	r.mu.Unlock()
	if !isHelper {
		return
	}
	parent, ok := r.wf.Task(parentID)
	if !ok {
		return
	}
	parent.SetState(model.TaskReady)
	parent.SetReadyAt(time.Now())
	e.pushEvent(r, parent.ID, "task.resumed", "helper "+helper.ID+" completed")
}

func (e *Executor) handleReassign(r *run, taskID string) {
	task, ok := r.wf.Task(taskID)
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.assignment, taskID)
	r.mu.Unlock()
	if task.State().Terminal() {
		return
	}
	task.SetState(model.TaskReady)
	task.SetReadyAt(time.Now())
	e.supervisor.Untrack(taskID)
	e.pushEvent(r, taskID, "task.reassigned", "")
}

// handleExternalReassign is the Supervisor's OnReassign callback; it
// has to locate which run owns ev.TaskID since the Supervisor has no
// workflow concept of its own.
func (e *Executor) handleExternalReassign(ev pool.ReassignEvent) {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		if _, ok := r.wf.Task(ev.TaskID); ok {
			e.handleReassign(r, ev.TaskID)
			return
		}
	}
}

// Cancel requests cancellation of a running workflow (spec §6): every
// assigned worker is sent a CancelMsg, and after CancelGrace elapses
// without completion, remaining non-terminal tasks are force-cancelled.
func (e *Executor) Cancel(ctx context.Context, workflowID, reason string) error {
	r, err := e.getRun(workflowID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.cancelled || r.wf.GetStatus().Terminal() {
		r.mu.Unlock()
		return nil
	}
	r.cancelled = true
	r.cancelAt = time.Now().Add(e.cancelGrace())
	assigned := make(map[string]string, len(r.assignment))
	for taskID, workerID := range r.assignment {
		assigned[taskID] = workerID
	}
	r.mu.Unlock()

	for taskID, workerID := range assigned {
		_ = e.bus.Publish(model.Message{
			ID:       e.nextID("msg"),
			Kind:     model.MsgCancel,
			From:     executorAddr(workflowID),
			To:       workerID,
			Priority: model.PriorityCritical,
			Payload:  model.EscalationPayload{TaskRef: taskID, Reason: reason},
		})
	}
	e.auditEmit(ctx, workflowID, "", "", "workflow_cancel_requested", r.wf.Principal)
	return nil
}

func (e *Executor) cancelGrace() time.Duration {
	if e.cfg.CancelGrace <= 0 {
		return time.Second
	}
	return e.cfg.CancelGrace
}

// checkCancelGrace force-cancels every still-non-terminal task once a
// cancellation's grace period has elapsed.
func (e *Executor) checkCancelGrace(r *run) {
	r.mu.Lock()
	cancelled := r.cancelled
	due := r.cancelAt
	r.mu.Unlock()
	if !cancelled || time.Now().Before(due) {
		return
	}
	for _, t := range r.wf.Tasks() {
		if !t.State().Terminal() {
			t.SetState(model.TaskCancelled)
			e.pushEvent(r, t.ID, "task.cancelled", "workflow cancelled")
		}
	}
}

func (e *Executor) pushEvent(r *run, taskID, kind, detail string) {
	select {
	case r.events <- Event{WorkflowID: r.wf.ID, TaskID: taskID, Kind: kind, At: time.Now(), Detail: detail}:
	default:
		// a slow/absent subscriber must never stall the execution loop;
		// Status() remains the source of truth even if an event is lost.
	}
}
