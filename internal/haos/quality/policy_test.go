package quality

import (
	"context"
	"testing"

	"github.com/swarmguard/haos/internal/haos/model"
)

const allowAllPolicy = `
package haos.quality

default allow = true
`

const denyShortPolicy = `
package haos.quality

default allow = false

allow {
	count(input.output.summary) > 10
}
`

func TestPolicyCheckAllowsWhenRuleTrue(t *testing.T) {
	ctx := context.Background()
	check, err := NewPolicyCheck(ctx, allowAllPolicy)
	if err != nil {
		t.Fatal(err)
	}
	task := newTask("t1")
	result := model.ResultPayload{TaskID: "t1", Output: map[string]any{"summary": "short"}}

	v := check.Run(ctx, task, result)
	if !v.Pass {
		t.Fatalf("expected allow-all policy to pass, got %+v", v)
	}
}

func TestPolicyCheckDeniesWhenRuleFalse(t *testing.T) {
	ctx := context.Background()
	check, err := NewPolicyCheck(ctx, denyShortPolicy)
	if err != nil {
		t.Fatal(err)
	}
	task := newTask("t1")
	result := model.ResultPayload{TaskID: "t1", Output: map[string]any{"summary": "short"}}

	v := check.Run(ctx, task, result)
	if v.Pass {
		t.Fatalf("expected short summary to be denied, got %+v", v)
	}
}
