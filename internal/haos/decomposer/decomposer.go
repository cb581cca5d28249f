// Package decomposer implements C2: turning an opaque request into a
// Workflow DAG of Tasks, optionally assisted by an AI provider facade
// whose suggestions are always normalized and validated before they
// become a Workflow (spec §4.2).
package decomposer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/swarmguard/haos/internal/haos/aiprovider"
	"github.com/swarmguard/haos/internal/haos/capability"
	"github.com/swarmguard/haos/internal/haos/idgen"
	"github.com/swarmguard/haos/internal/haos/model"
)

// Limits bounds the shape of any DAG this decomposer will emit.
type Limits struct {
	MaxDepth int
	MaxWidth int
}

// Defaults fills in task fields a provider's sketch leaves at zero
// value: a provider proposes the DAG's shape, never the runtime
// knobs that make the tasks actually schedulable.
type Defaults struct {
	StepDeadline time.Duration
	MaxAttempts  int
}

// Decomposer turns requests into Workflows, consulting an optional AI
// provider for a candidate sketch (ground: orchestrator/dag_engine.go's
// task-graph construction, generalized to the provider-assisted flow
// named in spec §4.2 which the teacher itself does not implement).
type Decomposer struct {
	registry *capability.Registry
	provider aiprovider.Provider
	limits   Limits
	defaults Defaults
}

func New(registry *capability.Registry, provider aiprovider.Provider, limits Limits, defaults Defaults) *Decomposer {
	if defaults.StepDeadline <= 0 {
		defaults.StepDeadline = 30 * time.Second
	}
	if defaults.MaxAttempts <= 0 {
		defaults.MaxAttempts = 1
	}
	return &Decomposer{registry: registry, provider: provider, limits: limits, defaults: defaults}
}

// Request is the opaque input to decomposition; Raw is passed through
// to the AI provider unchanged.
type Request struct {
	Raw       any
	Principal string
	Budgets   model.Budgets
}

// Decompose produces a Workflow for request, deterministic in seed:
// identical (request, registry snapshot, seed) yields identical task
// ids and topology (spec §4.2).
func (d *Decomposer) Decompose(ctx context.Context, req Request, seed string) (*model.Workflow, error) {
	sketch, err := d.provider.Propose(ctx, req.Raw)
	if err != nil {
		return nil, model.Wrap(model.KindProviderUnavailable, "decomposer: provider proposal failed", err)
	}
	if len(sketch.Tasks) == 0 {
		return nil, model.New(model.KindDecompositionTooLarge, "decomposer: empty decomposition")
	}

	ids := idgen.NewAllocator(seed)
	workflowID := idgen.WorkflowID(seed)
	wf := model.NewWorkflow(workflowID, "", req.Principal, req.Budgets)

	// sketch.Tasks[i].ID is the provider's local label; translate to
	// allocator-derived global ids so determinism holds regardless of
	// what labels the provider happens to choose.
	globalID := make(map[string]string, len(sketch.Tasks))
	for _, ts := range sketch.Tasks {
		globalID[ts.ID] = ids.Next("t")
	}

	tasks := make(map[string]*model.Task, len(sketch.Tasks))
	for _, ts := range sketch.Tasks {
		reqCaps := make(map[string]struct{}, len(ts.RequiredCapabilities))
		for _, c := range ts.RequiredCapabilities {
			reqCaps[c] = struct{}{}
		}
		if matches := d.registry.Match(reqCaps); len(matches) == 0 {
			return nil, model.New(model.KindUnsatisfiableCapability,
				fmt.Sprintf("decomposer: no registered kind satisfies capabilities for task %q", ts.ID)).
				WithWorkflow(workflowID)
		}

		deps := make(map[string]struct{}, len(ts.DependsOn))
		for _, dep := range ts.DependsOn {
			g, ok := globalID[dep]
			if !ok {
				return nil, model.New(model.KindInvariantViolation,
					fmt.Sprintf("decomposer: task %q depends on unknown task %q", ts.ID, dep)).
					WithWorkflow(workflowID)
			}
			deps[g] = struct{}{}
		}

		t := model.NewTask(globalID[ts.ID], workflowID, ts.Kind)
		if ts.Inputs != nil {
			t.Inputs = ts.Inputs
		}
		t.RequiredCapabilities = reqCaps
		t.DependsOn = deps
		t.Required = ts.Required
		t.Cacheable = ts.Cacheable
		if t.Cacheable {
			t.CacheKey = cacheKey(t.Kind, t.Inputs)
		}
		if ts.Priority > 0 {
			t.Priority = model.Priority(ts.Priority)
		}
		t.StepDeadline = ts.StepDeadline
		if t.StepDeadline <= 0 {
			t.StepDeadline = d.defaults.StepDeadline
		}
		t.MaxAttempts = ts.MaxAttempts
		if t.MaxAttempts <= 0 {
			t.MaxAttempts = d.defaults.MaxAttempts
		}
		t.Estimate.CostHint = ts.CostHint
		tasks[t.ID] = t
	}

	if err := checkAcyclic(tasks); err != nil {
		return nil, model.Wrap(model.KindInvariantViolation, "decomposer: proposed DAG has a cycle", err).WithWorkflow(workflowID)
	}

	depth, width := dagShape(tasks)
	if d.limits.MaxDepth > 0 && depth > d.limits.MaxDepth {
		return nil, model.New(model.KindDecompositionTooLarge,
			fmt.Sprintf("decomposer: depth %d exceeds max_depth %d", depth, d.limits.MaxDepth)).WithWorkflow(workflowID)
	}
	if d.limits.MaxWidth > 0 && width > d.limits.MaxWidth {
		return nil, model.New(model.KindDecompositionTooLarge,
			fmt.Sprintf("decomposer: width %d exceeds max_width %d", width, d.limits.MaxWidth)).WithWorkflow(workflowID)
	}

	annotateCriticalPath(tasks)

	for _, id := range sortedIDs(tasks) {
		wf.AddTask(tasks[id])
	}
	return wf, nil
}

// checkAcyclic runs a depth-first search with three-state marking
// purely to detect a cycle (or a dependency on an unknown task); actual
// topological execution order is the executor's job.
func checkAcyclic(tasks map[string]*model.Task) error {
	visited := make(map[string]int, len(tasks)) // 0=unvisited,1=visiting,2=done
	var visit func(id string) error
	visit = func(id string) error {
		switch visited[id] {
		case 1:
			return fmt.Errorf("cycle at task %s", id)
		case 2:
			return nil
		}
		visited[id] = 1
		for dep := range tasks[id].DependsOn {
			if _, ok := tasks[dep]; !ok {
				return fmt.Errorf("task %s depends on unknown task %s", id, dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		visited[id] = 2
		return nil
	}
	for id := range tasks {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// dagShape returns (depth, width): depth is the longest dependency
// chain length, width is the largest number of tasks sharing the same
// depth level.
func dagShape(tasks map[string]*model.Task) (int, int) {
	level := make(map[string]int, len(tasks))
	var depthOf func(id string) int
	depthOf = func(id string) int {
		if v, ok := level[id]; ok {
			return v
		}
		t := tasks[id]
		max := 0
		for dep := range t.DependsOn {
			if dl := depthOf(dep) + 1; dl > max {
				max = dl
			}
		}
		level[id] = max
		return max
	}
	widthByLevel := map[int]int{}
	maxDepth := 0
	for id := range tasks {
		l := depthOf(id)
		widthByLevel[l]++
		if l > maxDepth {
			maxDepth = l
		}
	}
	maxWidth := 0
	for _, w := range widthByLevel {
		if w > maxWidth {
			maxWidth = w
		}
	}
	return maxDepth + 1, maxWidth
}

// annotateCriticalPath sets CriticalPathBonus on every task to the
// length (in hops) of the longest chain of dependents rooted at it,
// which Task.EffectivePriority adds to the declared priority for the
// Router's ordering (spec §4.2, §4.4).
func annotateCriticalPath(tasks map[string]*model.Task) {
	children := make(map[string][]string, len(tasks))
	for id, t := range tasks {
		for dep := range t.DependsOn {
			children[dep] = append(children[dep], id)
		}
	}
	memo := make(map[string]int, len(tasks))
	var longestFrom func(id string) int
	longestFrom = func(id string) int {
		if v, ok := memo[id]; ok {
			return v
		}
		max := 0
		for _, c := range children[id] {
			if v := longestFrom(c) + 1; v > max {
				max = v
			}
		}
		memo[id] = max
		return max
	}
	for id, t := range tasks {
		t.CriticalPathBonus = longestFrom(id)
	}
}

func sortedIDs(tasks map[string]*model.Task) []string {
	out := make([]string, 0, len(tasks))
	for id := range tasks {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// cacheKey derives a stable content hash of (kind, inputs) for a
// cacheable task (ground: orchestrator/dag_engine.go's
// generateCacheKey) so the executor can look up a prior result for an
// identical task on DAG replay without re-dispatching it to a worker.
func cacheKey(kind string, inputs map[string]any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", inputs))
	}
	sum := sha256.Sum256(append([]byte(kind+":"), data...))
	return hex.EncodeToString(sum[:])
}
