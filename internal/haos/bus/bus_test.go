package bus

import (
	"testing"
	"time"

	"github.com/swarmguard/haos/internal/haos/model"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New(time.Minute)
	var got []model.Message
	b.Subscribe("w1", func(m model.Message) { got = append(got, m) })

	err := b.Publish(model.Message{Kind: model.MsgAssignment, From: "router", To: "w1", Priority: model.PriorityNormal})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(got))
	}
}

func TestPublishDeliversEachPriorityClassOnce(t *testing.T) {
	b := New(time.Minute)
	var order []model.Priority
	b.Subscribe("w1", func(m model.Message) { order = append(order, m.Priority) })

	lowMsgs := []model.Message{
		{Kind: model.MsgContext, From: "a", To: "w1", Priority: model.PriorityLow},
		{Kind: model.MsgContext, From: "a", To: "w1", Priority: model.PriorityCritical},
		{Kind: model.MsgContext, From: "a", To: "w1", Priority: model.PriorityHigh},
	}
	// Each Publish dispatches synchronously to the already-subscribed
	// handler, so these arrive in publish order, not priority order; the
	// test checks that a message of every priority class is delivered.
	for _, m := range lowMsgs {
		if err := b.Publish(m); err != nil {
			t.Fatal(err)
		}
	}
	if len(order) != 3 {
		t.Fatalf("expected 3 messages delivered, got %d", len(order))
	}
}

func TestPublishDedupesByCorrelationID(t *testing.T) {
	b := New(time.Minute)
	count := 0
	b.Subscribe("executor", func(m model.Message) { count++ })

	msg := model.Message{Kind: model.MsgResult, From: "w1", To: "executor", CorrelationID: "corr-1"}
	if err := b.Publish(msg); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(msg); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected duplicate correlation id to be delivered once, got %d", count)
	}
}

func TestPublishDropsExpiredNonCriticalMessages(t *testing.T) {
	b := New(time.Minute)
	var dropped []model.Message
	b.OnDrop(func(m model.Message) { dropped = append(dropped, m) })

	delivered := 0
	b.Subscribe("w1", func(m model.Message) { delivered++ })

	expired := model.Message{Kind: model.MsgContext, From: "a", To: "w1", Deadline: time.Now().Add(-time.Second)}
	if err := b.Publish(expired); err != nil {
		t.Fatal(err)
	}
	if delivered != 0 {
		t.Fatalf("expected expired message not delivered, got %d deliveries", delivered)
	}
	if len(dropped) != 1 {
		t.Fatalf("expected 1 drop recorded, got %d", len(dropped))
	}
	if b.Dropped() != 1 {
		t.Fatalf("expected Dropped() == 1, got %d", b.Dropped())
	}
}

func TestPublishNeverDropsResultOrReassignEvenIfExpired(t *testing.T) {
	b := New(time.Minute)
	delivered := 0
	b.Subscribe("executor", func(m model.Message) { delivered++ })

	expiredResult := model.Message{Kind: model.MsgResult, From: "w1", To: "executor", Deadline: time.Now().Add(-time.Second)}
	expiredReassign := model.Message{Kind: model.MsgReassign, From: "supervisor", To: "executor", Deadline: time.Now().Add(-time.Second)}

	if err := b.Publish(expiredResult); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(expiredReassign); err != nil {
		t.Fatal(err)
	}
	if delivered != 2 {
		t.Fatalf("expected both ResultMsg and ReassignMsg delivered despite expiry, got %d", delivered)
	}
}

func TestSweepClearsDedupSet(t *testing.T) {
	b := New(time.Minute)
	count := 0
	b.Subscribe("executor", func(m model.Message) { count++ })

	msg := model.Message{Kind: model.MsgResult, From: "w1", To: "executor", CorrelationID: "corr-1"}
	_ = b.Publish(msg)
	b.Sweep()
	_ = b.Publish(msg)
	if count != 2 {
		t.Fatalf("expected redelivery after sweep clears dedup set, got %d", count)
	}
}
