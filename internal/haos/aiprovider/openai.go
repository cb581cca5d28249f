package aiprovider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"

	"github.com/swarmguard/haos/internal/haos/model"
)

// OpenAIProvider implements Provider over the OpenAI-compatible chat
// completion API (ground: 88lin-divinesense/ai/llm.go's LLMService,
// which wraps the same go-openai client).
type OpenAIProvider struct {
	client  *openai.Client
	model   string
	backoff func() backoff.BackOff
}

// NewOpenAIProvider builds a provider against apiKey/model. Provider
// calls are retried under an exponential backoff policy (ground:
// github.com/cenkalti/backoff/v4, carried as an indirect teacher dep
// and put to direct use here for provider-call retry) that has no
// elapsed-time limit of its own: retries stop only when ctx is done.
func NewOpenAIProvider(apiKey, modelName string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(apiKey),
		model:  modelName,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0 // bounded by ctx deadline instead
			return b
		},
	}
}

const decomposePrompt = `You are a task decomposition planner. Given a
user request, respond with strict JSON of the shape
{"tasks":[{"id":string,"kind":string,"inputs":object,
"required_capabilities":[string],"depends_on":[string],"required":bool,
"priority":int,"step_deadline":nanoseconds,"max_attempts":int,
"cacheable":bool,"cost_hint":number}]}. priority, step_deadline,
max_attempts, and cost_hint may be omitted to accept planner defaults.
Do not include any prose outside the JSON object.`

func (p *OpenAIProvider) Propose(ctx context.Context, request any) (DAGSketch, error) {
	reqJSON, err := json.Marshal(request)
	if err != nil {
		return DAGSketch{}, model.Wrap(model.KindProviderUnavailable, "marshal request for provider", err)
	}

	var sketch DAGSketch
	op := func() error {
		resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: p.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: decomposePrompt},
				{Role: openai.ChatMessageRoleUser, Content: string(reqJSON)},
			},
			Temperature: 0,
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("provider returned no choices")
		}
		var raw struct {
			Tasks []TaskSketch `json:"tasks"`
		}
		if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &raw); err != nil {
			return fmt.Errorf("unmarshal provider response: %w", err)
		}
		sketch = DAGSketch{Tasks: raw.Tasks}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(p.backoff(), ctx)); err != nil {
		return DAGSketch{}, model.Wrap(model.KindProviderUnavailable, "AI provider call failed", err)
	}
	return sketch, nil
}
