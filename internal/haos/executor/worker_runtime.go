package executor

import (
	"context"
	"strconv"
	"sync"

	"github.com/swarmguard/haos/internal/haos/bus"
	"github.com/swarmguard/haos/internal/haos/idgen"
	"github.com/swarmguard/haos/internal/haos/model"
)

// Runner actually performs a task's work for one capability kind. The
// runtime never inspects or validates the output itself: that is the
// quality chain's job once the ResultMsg reaches the executor (ground:
// orchestrator/plugins.go's PluginExecutor.Execute contract).
type Runner func(ctx context.Context, task *model.Task) (model.ResultPayload, error)

// Registry maps a capability kind to the Runner that executes it.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

func (r *Registry) Register(kind string, run Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[kind] = run
}

func (r *Registry) lookup(kind string) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runners[kind]
	return run, ok
}

// RuntimeSpawner is a pool.Spawner that, on Spawn, subscribes a worker
// to the bus and drives it through AssignmentMsg -> Runner -> ResultMsg,
// cooperating with CancelMsg via context cancellation.
type RuntimeSpawner struct {
	bus      *bus.Bus
	runners  *Registry
	ids      *idgen.Allocator

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // task id -> cancel for its in-flight run
}

func NewRuntimeSpawner(b *bus.Bus, runners *Registry) *RuntimeSpawner {
	return &RuntimeSpawner{
		bus:     b,
		runners: runners,
		ids:     idgen.NewAllocator("workerrt"),
		cancels: make(map[string]context.CancelFunc),
	}
}

func (s *RuntimeSpawner) Spawn(ctx context.Context, id string, layer model.Layer, kind string, caps map[string]struct{}) (*model.Worker, error) {
	w := model.NewWorker(id, layer, kind, caps)

	s.bus.Subscribe(id, func(m model.Message) {
		switch m.Kind {
		case model.MsgAssignment:
			task, ok := m.Payload.(*model.Task)
			if !ok {
				return
			}
			go s.run(w, task)
		case model.MsgCancel:
			payload, ok := m.Payload.(model.EscalationPayload)
			if !ok {
				return
			}
			s.mu.Lock()
			cancel, tracked := s.cancels[payload.TaskRef]
			s.mu.Unlock()
			if tracked {
				cancel()
			}
		}
	})

	return w, nil
}

func (s *RuntimeSpawner) run(w *model.Worker, task *model.Task) {
	runFn, ok := s.runners.lookup(task.Kind)
	if !ok {
		s.publishResult(task, model.ResultPayload{
			TaskID: task.ID,
			Status: model.ResultFailed,
			Error:  "no runner registered for kind " + task.Kind,
		})
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[task.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, task.ID)
		s.mu.Unlock()
		cancel()
	}()

	result, err := runFn(runCtx, task)
	w.RemoveInFlight(task.ID)
	if err != nil {
		result = model.ResultPayload{TaskID: task.ID, Status: model.ResultFailed, Error: err.Error()}
	}
	if result.TaskID == "" {
		result.TaskID = task.ID
	}
	s.publishResult(task, result)
}

func (s *RuntimeSpawner) nextID(role string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids.Next(role)
}

func (s *RuntimeSpawner) publishResult(task *model.Task, result model.ResultPayload) {
	_ = s.bus.Publish(model.Message{
		ID:            s.nextID("msg"),
		Kind:          model.MsgResult,
		From:          task.ID,
		To:            executorAddr(task.WorkflowID),
		Priority:      task.Priority,
		CorrelationID: task.ID + ":" + strconv.Itoa(task.Attempt()),
		Payload:       result,
	})
}
