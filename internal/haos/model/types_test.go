package model

import (
	"sync"
	"testing"
	"time"
)

func TestTaskStateAccessorsRoundTrip(t *testing.T) {
	task := NewTask("t-1", "wf-1", "k1")
	if task.State() != TaskBlocked {
		t.Fatalf("expected new task BLOCKED, got %s", task.State())
	}

	task.SetState(TaskReady)
	now := time.Now()
	task.SetReadyAt(now)
	if task.State() != TaskReady || !task.ReadyAt().Equal(now) {
		t.Fatalf("expected state READY and readyAt %s, got state=%s readyAt=%s", now, task.State(), task.ReadyAt())
	}

	if got := task.IncAttempt(); got != 1 {
		t.Fatalf("expected first IncAttempt to return 1, got %d", got)
	}
	if task.Attempt() != 1 {
		t.Fatalf("expected Attempt() 1, got %d", task.Attempt())
	}

	task.SetLastError("transient failure")
	if task.LastError() != "transient failure" {
		t.Fatalf("expected last error recorded, got %q", task.LastError())
	}
}

// TestTaskConcurrentStateAccessDoesNotRace exercises the exact pattern the
// executor's loop goroutine and a Status()-polling goroutine follow: one
// side repeatedly mutates a task's fields while the other repeatedly reads
// them. Run with -race to confirm no data race remains.
func TestTaskConcurrentStateAccessDoesNotRace(t *testing.T) {
	task := NewTask("t-1", "wf-1", "k1")
	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			task.SetState(TaskRunning)
			task.IncAttempt()
			task.SetReadyAt(time.Now())
			task.SetLastError("retrying")
		}
		close(done)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				_ = task.State()
				_ = task.Attempt()
				_ = task.ReadyAt()
				_ = task.LastError()
			}
		}
	}()

	wg.Wait()
}

func TestWorkflowFinishedAtIsZeroUntilSet(t *testing.T) {
	wf := NewWorkflow("wf-1", "", "p1", Budgets{})
	if !wf.FinishedAt().IsZero() {
		t.Fatalf("expected zero FinishedAt before completion, got %s", wf.FinishedAt())
	}

	now := time.Now()
	wf.SetFinishedAt(now)
	if !wf.FinishedAt().Equal(now) {
		t.Fatalf("expected FinishedAt %s, got %s", now, wf.FinishedAt())
	}
}

func TestLayerRankOrdersExecBelowMgmtBelowLeadBelowExecutive(t *testing.T) {
	if LayerRank(LayerExec) >= LayerRank(LayerMgmt) {
		t.Fatalf("expected EXEC ranked below MGMT")
	}
	if LayerRank(LayerMgmt) >= LayerRank(LayerLead) {
		t.Fatalf("expected MGMT ranked below LEAD")
	}
	if LayerRank(LayerLead) >= LayerRank(LayerExecutive) {
		t.Fatalf("expected LEAD ranked below EXECUTIVE")
	}
}
