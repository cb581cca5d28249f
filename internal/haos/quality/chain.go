package quality

import (
	"context"

	"github.com/swarmguard/haos/internal/haos/model"
)

// Verdict is one check's pure-function result before being folded into
// the chain's final model.QualityVerdict.
type Verdict struct {
	Pass    bool
	Review  bool
	Score   float64
	Reasons []string
}

// Check is a pure function (task, result) -> verdict. The chain is
// otherwise ignorant of content (spec §4.7).
type Check interface {
	Name() string
	Run(ctx context.Context, task *model.Task, result model.ResultPayload) Verdict
}

// Chain runs an ordered list of checks, short-circuiting on the first
// fail or review verdict.
type Chain struct {
	checks []Check
}

func NewChain(checks ...Check) *Chain {
	return &Chain{checks: checks}
}

// Evaluate runs the checks in order, stopping at the first fail or
// review verdict, and folds the outcome into a
// model.QualityVerdict. The correlation check (that result.TaskID
// matches task.ID) always runs first and is not configurable, since a
// mismatched result is never meaningful input to any other check.
func (c *Chain) Evaluate(ctx context.Context, task *model.Task, result model.ResultPayload) model.QualityVerdict {
	if result.TaskID != task.ID {
		return model.QualityVerdict{
			TaskID:  task.ID,
			Passes:  false,
			Score:   0,
			Reasons: []string{"result task_id does not match assigned task"},
		}
	}

	// A worker-declared outcome is authoritative before any content
	// check runs: a FAILED result has no output worth validating, and a
	// NEEDS_REVIEW result always routes to escalation regardless of
	// what the configured checks would have said about its content.
	switch result.Status {
	case model.ResultFailed:
		reason := result.Error
		if reason == "" {
			reason = "worker reported failure"
		}
		return model.QualityVerdict{TaskID: task.ID, Passes: false, Reasons: []string{reason}}
	case model.ResultNeedsReview:
		return model.QualityVerdict{TaskID: task.ID, Passes: false, Review: true, Reasons: []string{"worker requested review"}}
	}

	for _, check := range c.checks {
		v := check.Run(ctx, task, result)
		if v.Review {
			return model.QualityVerdict{TaskID: task.ID, Passes: false, Review: true, Score: v.Score, Reasons: v.Reasons}
		}
		if !v.Pass {
			return model.QualityVerdict{TaskID: task.ID, Passes: false, Score: v.Score, Reasons: v.Reasons}
		}
	}
	return model.QualityVerdict{TaskID: task.ID, Passes: true, Score: 1}
}

// SchemaCheck validates a result's output against a declared Schema.
type SchemaCheck struct {
	Schema Schema
}

func (s SchemaCheck) Name() string { return "schema_validity" }

func (s SchemaCheck) Run(ctx context.Context, task *model.Task, result model.ResultPayload) Verdict {
	if reasons := s.Schema.validate(result.Output); len(reasons) > 0 {
		return Verdict{Pass: false, Score: 0, Reasons: reasons}
	}
	return Verdict{Pass: true, Score: 1}
}

// BoundsCheck enforces size/content bounds on the result output.
type BoundsCheck struct {
	MaxFields int
	MaxValueLen int
}

func (b BoundsCheck) Name() string { return "size_and_content_bounds" }

func (b BoundsCheck) Run(ctx context.Context, task *model.Task, result model.ResultPayload) Verdict {
	if b.MaxFields > 0 && len(result.Output) > b.MaxFields {
		return Verdict{Pass: false, Reasons: []string{"output exceeds max field count"}}
	}
	if b.MaxValueLen > 0 {
		for k, v := range result.Output {
			if s, ok := v.(string); ok && len(s) > b.MaxValueLen {
				return Verdict{Pass: false, Reasons: []string{"field " + k + " exceeds max length"}}
			}
		}
	}
	return Verdict{Pass: true, Score: 1}
}
