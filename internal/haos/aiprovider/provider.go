// Package aiprovider defines the AI provider façade (spec §6) the Task
// Decomposer consults for candidate DAG sketches. The Decomposer always
// normalizes and validates the suggestion before it becomes a Workflow;
// an invalid suggestion is rejected, never patched (spec §4.2).
package aiprovider

import (
	"context"
	"time"
)

// TaskSketch is one proposed node in a candidate DAG. StepDeadline and
// MaxAttempts are hints only: the Decomposer falls back to its
// configured defaults when a provider leaves them at zero. A zero
// Priority leaves the task at NewTask's default priority, and a false
// Cacheable leaves the task uncached.
type TaskSketch struct {
	ID                   string         `json:"id"`
	Kind                 string         `json:"kind"`
	Inputs               map[string]any `json:"inputs"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	DependsOn            []string       `json:"depends_on"`
	Required             bool           `json:"required"`
	Priority             int            `json:"priority"`
	StepDeadline         time.Duration  `json:"step_deadline"`
	MaxAttempts          int            `json:"max_attempts"`
	Cacheable            bool           `json:"cacheable"`
	CostHint             float64        `json:"cost_hint"`
}

// DAGSketch is the free-form suggestion returned by Propose; the
// Decomposer treats it as untrusted input.
type DAGSketch struct {
	Tasks []TaskSketch
}

// Provider is the façade implemented by a concrete LLM backend.
type Provider interface {
	// Propose asks the provider to suggest a decomposition of request.
	// Errors and timeouts must surface as typed failures (ProviderUnavailable),
	// never as a silent empty plan.
	Propose(ctx context.Context, request any) (DAGSketch, error)
}
