package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/swarmguard/haos/internal/haos/executor"
)

func TestLogEmitChainsHashes(t *testing.T) {
	l := NewLog()
	ctx := context.Background()

	if err := l.Emit(ctx, executor.AuditEvent{WorkflowID: "wf-1", Kind: "workflow_submitted", Principal: "p1"}); err != nil {
		t.Fatalf("emit 1: %v", err)
	}
	if err := l.Emit(ctx, executor.AuditEvent{WorkflowID: "wf-1", TaskID: "t-a", Kind: "task_assigned", Principal: "p1"}); err != nil {
		t.Fatalf("emit 2: %v", err)
	}

	first, ok := l.Get(0)
	if !ok {
		t.Fatal("expected entry 0")
	}
	second, ok := l.Get(1)
	if !ok {
		t.Fatal("expected entry 1")
	}
	if second.PrevHash != first.Hash {
		t.Fatalf("expected entry 1's prev_hash to equal entry 0's hash, got %s vs %s", second.PrevHash, first.Hash)
	}
	if !l.Verify() {
		t.Fatal("expected chain to verify intact")
	}

	latest, ok := l.Latest()
	if !ok || latest.Index != 1 {
		t.Fatalf("expected latest index 1, got %+v ok=%v", latest, ok)
	}
}

func TestLogVerifyDetectsTampering(t *testing.T) {
	l := NewLog()
	ctx := context.Background()
	_ = l.Emit(ctx, executor.AuditEvent{WorkflowID: "wf-1", Kind: "workflow_submitted"})
	_ = l.Emit(ctx, executor.AuditEvent{WorkflowID: "wf-1", Kind: "workflow_succeeded"})

	l.entries[0].Kind = "workflow_tampered"
	if l.Verify() {
		t.Fatal("expected tampering to break chain verification")
	}
}

func TestLogQueryFiltersByWorkflowAndKind(t *testing.T) {
	l := NewLog()
	ctx := context.Background()
	_ = l.Emit(ctx, executor.AuditEvent{WorkflowID: "wf-1", Kind: "workflow_submitted", Principal: "p1"})
	_ = l.Emit(ctx, executor.AuditEvent{WorkflowID: "wf-2", Kind: "workflow_submitted", Principal: "p2"})
	_ = l.Emit(ctx, executor.AuditEvent{WorkflowID: "wf-1", Kind: "workflow_succeeded", Principal: "p1"})

	results := l.Query(QueryFilter{WorkflowID: "wf-1"})
	if len(results) != 2 {
		t.Fatalf("expected 2 entries for wf-1, got %d", len(results))
	}

	results = l.Query(QueryFilter{Kind: "workflow_submitted"})
	if len(results) != 2 {
		t.Fatalf("expected 2 workflow_submitted entries, got %d", len(results))
	}

	results = l.Query(QueryFilter{WorkflowID: "wf-2", Kind: "workflow_succeeded"})
	if len(results) != 0 {
		t.Fatalf("expected 0 entries for wf-2/workflow_succeeded, got %d", len(results))
	}
}

// fakePersister records every AppendAuditEntry call, used to verify
// NewPersistentLog actually drives its Persister on every Emit.
type fakePersister struct {
	mu    sync.Mutex
	calls []uint64
}

func (f *fakePersister) AppendAuditEntry(ctx context.Context, index uint64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, index)
	return nil
}

func TestPersistentLogDrivesPersisterOnEmit(t *testing.T) {
	p := &fakePersister{}
	l := NewPersistentLog(p)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Emit(ctx, executor.AuditEvent{WorkflowID: "wf-1", Kind: "tick", Timestamp: time.Now()}); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) != 3 {
		t.Fatalf("expected 3 persist calls, got %d", len(p.calls))
	}
	for i, idx := range p.calls {
		if idx != uint64(i) {
			t.Fatalf("expected persist call %d to carry index %d, got %d", i, i, idx)
		}
	}
}
