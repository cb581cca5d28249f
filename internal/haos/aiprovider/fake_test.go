package aiprovider

import (
	"context"
	"errors"
	"testing"
)

func TestFakeProviderReturnsSketch(t *testing.T) {
	sketch := SingleTaskSketch("summarize", "nlp")
	p := NewFakeProvider(sketch)

	got, err := p.Propose(context.Background(), map[string]any{"q": "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Tasks) != 1 || got.Tasks[0].Kind != "summarize" {
		t.Fatalf("expected sketch echoed back, got %+v", got)
	}
	if p.Calls() != 1 {
		t.Fatalf("expected 1 call, got %d", p.Calls())
	}
}

func TestFakeProviderPropagatesCancellation(t *testing.T) {
	p := NewFakeProvider(DAGSketch{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Propose(ctx, nil); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestFakeProviderReturnsConfiguredError(t *testing.T) {
	wantErr := errors.New("boom")
	p := &FakeProvider{Err: wantErr}

	if _, err := p.Propose(context.Background(), nil); !errors.Is(err, wantErr) {
		t.Fatalf("expected configured error, got %v", err)
	}
}
