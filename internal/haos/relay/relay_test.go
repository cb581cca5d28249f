package relay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/swarmguard/haos/internal/haos/bus"
	"github.com/swarmguard/haos/internal/haos/model"
)

func TestSubjectMapsRemoteAddressToNatsSubject(t *testing.T) {
	if got, want := subject("remote:worker-7"), "haos.bus.worker-7"; got != want {
		t.Fatalf("subject(%q) = %q, want %q", "remote:worker-7", got, want)
	}
	if got, want := subject("worker-7"), "haos.bus.worker-7"; got != want {
		t.Fatalf("subject(%q) = %q, want %q", "worker-7", got, want)
	}
}

func TestDeliverLocalRepublishesDecodedEnvelopeOntoTheBus(t *testing.T) {
	b := bus.New(0)
	bridge := New(b, nil, "worker-7")

	received := make(chan model.Message, 1)
	b.Subscribe("worker-7", func(m model.Message) {
		received <- m
	})

	payload, err := json.Marshal(model.ResultPayload{TaskID: "t-1", Status: model.ResultSucceeded})
	if err != nil {
		t.Fatal(err)
	}
	wire := wireMessage{
		ID:            "msg-1",
		Kind:          model.MsgResult,
		From:          "remote:orchestrator",
		To:            "worker-7",
		Priority:      model.PriorityHigh,
		CorrelationID: "corr-1",
		Payload:       payload,
	}
	data, err := json.Marshal(wire)
	if err != nil {
		t.Fatal(err)
	}

	bridge.deliverLocal(context.Background(), &nats.Msg{Subject: "haos.bus.worker-7", Data: data})

	select {
	case got := <-received:
		if got.ID != "msg-1" || got.Kind != model.MsgResult || got.From != "remote:orchestrator" {
			t.Fatalf("unexpected republished message: %+v", got)
		}
	default:
		t.Fatal("expected the decoded message to be republished onto the local bus synchronously")
	}
}

func TestDeliverLocalDropsMalformedEnvelopeWithoutPanicking(t *testing.T) {
	b := bus.New(0)
	bridge := New(b, nil, "worker-7")
	bridge.deliverLocal(context.Background(), &nats.Msg{Subject: "haos.bus.worker-7", Data: []byte("not json")})
}
