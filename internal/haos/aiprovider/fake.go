package aiprovider

import (
	"context"
	"fmt"
)

// FakeProvider is a deterministic, in-memory Provider used by the
// decomposer's own tests and as a local fallback when no API key is
// configured. It never calls out to a network.
type FakeProvider struct {
	// Sketch is returned verbatim by Propose, unless Err is set.
	Sketch DAGSketch
	Err    error
	calls  int
}

// NewFakeProvider returns a provider that always proposes sketch.
func NewFakeProvider(sketch DAGSketch) *FakeProvider {
	return &FakeProvider{Sketch: sketch}
}

func (p *FakeProvider) Propose(ctx context.Context, request any) (DAGSketch, error) {
	p.calls++
	if err := ctx.Err(); err != nil {
		return DAGSketch{}, err
	}
	if p.Err != nil {
		return DAGSketch{}, p.Err
	}
	return p.Sketch, nil
}

// Calls reports how many times Propose was invoked.
func (p *FakeProvider) Calls() int { return p.calls }

// SingleTaskSketch is a convenience builder for tests: one task with
// the given kind and no dependencies.
func SingleTaskSketch(kind string, requiredCaps ...string) DAGSketch {
	return DAGSketch{Tasks: []TaskSketch{
		{
			ID:                   fmt.Sprintf("t-%s", kind),
			Kind:                 kind,
			RequiredCapabilities: requiredCaps,
			Required:             true,
		},
	}}
}
