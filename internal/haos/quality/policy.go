package quality

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/swarmguard/haos/internal/haos/model"
)

// PolicyCheck evaluates a task result's output against a Rego policy
// that decides `data.haos.quality.allow` (ground:
// services/policy-service/opa_engine.go's prepared-query pattern,
// trimmed to one package since the quality chain needs only one
// content-policy decision point, not the gateway's full multi-package
// registry).
type PolicyCheck struct {
	query rego.PreparedEvalQuery
}

// NewPolicyCheck compiles regoModule (a single Rego source string
// defining package haos.quality and a boolean `allow` rule) into a
// reusable prepared query.
func NewPolicyCheck(ctx context.Context, regoModule string) (*PolicyCheck, error) {
	prepared, err := rego.New(
		rego.Query("data.haos.quality.allow"),
		rego.Module("haos_quality.rego", regoModule),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare quality policy: %w", err)
	}
	return &PolicyCheck{query: prepared}, nil
}

func (c *PolicyCheck) Name() string { return "content_policy" }

func (c *PolicyCheck) Run(ctx context.Context, task *model.Task, result model.ResultPayload) Verdict {
	input := map[string]any{
		"task_id": task.ID,
		"kind":    task.Kind,
		"output":  result.Output,
	}
	results, err := c.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Verdict{Pass: false, Score: 0, Reasons: []string{"policy evaluation error: " + err.Error()}}
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Verdict{Pass: false, Score: 0, Reasons: []string{"policy produced no decision"}}
	}
	allow, _ := results[0].Expressions[0].Value.(bool)
	if !allow {
		return Verdict{Pass: false, Score: 0, Reasons: []string{"content policy denied"}}
	}
	return Verdict{Pass: true, Score: 1}
}
