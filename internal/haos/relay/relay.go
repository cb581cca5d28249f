// Package relay bridges the in-process bus (C5) to an external NATS
// subject space so a second haos process (or a non-Go worker) can
// exchange bus messages across a process boundary. C5 itself stays
// in-process by contract (spec §4.5); relay is an optional, separately
// run bridge (cmd/haos-relay) rather than a transport the core
// scheduling path depends on (ground: libs/go/core/natsctx's
// trace-propagating publish/subscribe wrapper, adapted from a generic
// pub/sub helper to this bus's model.Message envelope).
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/swarmguard/haos/internal/haos/bus"
	"github.com/swarmguard/haos/internal/haos/model"
)

// remoteAddrPrefix marks a bus "to" address as routed through the
// relay rather than delivered to a local subscriber: a workflow or
// worker elsewhere in the fleet is addressed as "remote:<id>".
const remoteAddrPrefix = "remote:"

const subjectPrefix = "haos.bus."

// Bridge relays messages between a local Bus and a NATS connection. It
// forwards outbound messages whose To address carries remoteAddrPrefix
// onto NATS, and forwards every NATS message received on the bridge's
// subject space into the local Bus.
type Bridge struct {
	bus    *bus.Bus
	nc     *nats.Conn
	nodeID string
}

// New attaches a Bridge to an already-constructed local Bus.
func New(b *bus.Bus, nc *nats.Conn, nodeID string) *Bridge {
	return &Bridge{bus: b, nc: nc, nodeID: nodeID}
}

// subject maps a bus "to" address to the NATS subject that carries it.
func subject(to string) string {
	return subjectPrefix + strings.TrimPrefix(to, remoteAddrPrefix)
}

// wireMessage is model.Message's JSON wire form; Payload travels as
// already-marshaled JSON since model.Message.Payload is an any and most
// bus payloads (ResultPayload, task assignments) are themselves plain
// structs.
type wireMessage struct {
	ID            string            `json:"id"`
	Kind          model.MessageKind `json:"kind"`
	From          string            `json:"from"`
	To            string            `json:"to"`
	Priority      model.Priority    `json:"priority"`
	CorrelationID string            `json:"correlation_id"`
	Payload       json.RawMessage   `json:"payload"`
	TraceParent   string            `json:"traceparent,omitempty"`
}

// Start subscribes the local bus to remoteAddrPrefix-addressed
// messages (forwarding them onto NATS) and subscribes to this node's
// NATS subject (forwarding inbound messages into the local bus). It
// returns once both subscriptions are live; Stop unwinds them.
func (b *Bridge) Start(ctx context.Context) (*Subscription, error) {
	b.bus.Subscribe(remoteAddrPrefix+b.nodeID, func(m model.Message) {
		b.publishRemote(ctx, m)
	})

	sub, err := b.nc.Subscribe(subject(b.nodeID), func(msg *nats.Msg) {
		b.deliverLocal(ctx, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("relay: subscribe %s: %w", subject(b.nodeID), err)
	}
	return &Subscription{nats: sub}, nil
}

// publishRemote carries m onto NATS, propagating the caller's trace
// context in the wire envelope so a downstream relay can continue the
// same trace (ground: natsctx's inject-on-publish / extract-on-receive
// pattern).
func (b *Bridge) publishRemote(ctx context.Context, m model.Message) {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		slog.Error("relay: marshal payload failed", "error", err, "message_id", m.ID)
		return
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	wire := wireMessage{
		ID:            m.ID,
		Kind:          m.Kind,
		From:          m.From,
		To:            m.To,
		Priority:      m.Priority,
		CorrelationID: m.CorrelationID,
		Payload:       payload,
		TraceParent:   carrier.Get("traceparent"),
	}
	data, err := json.Marshal(wire)
	if err != nil {
		slog.Error("relay: marshal envelope failed", "error", err, "message_id", m.ID)
		return
	}
	if err := b.nc.Publish(subject(m.To), data); err != nil {
		slog.Error("relay: nats publish failed", "error", err, "subject", subject(m.To))
	}
}

// deliverLocal decodes a wire envelope received from NATS and republishes
// it into the local bus under its original Kind/From/To, continuing the
// embedded trace context for any span the handler opens.
func (b *Bridge) deliverLocal(ctx context.Context, msg *nats.Msg) {
	var wire wireMessage
	if err := json.Unmarshal(msg.Data, &wire); err != nil {
		slog.Error("relay: unmarshal envelope failed", "error", err, "subject", msg.Subject)
		return
	}
	if wire.TraceParent != "" {
		carrier := propagation.MapCarrier{"traceparent": wire.TraceParent}
		ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)
	}

	var payload any
	if len(wire.Payload) > 0 {
		if err := json.Unmarshal(wire.Payload, &payload); err != nil {
			slog.Error("relay: unmarshal payload failed", "error", err, "message_id", wire.ID)
			return
		}
	}

	if err := b.bus.Publish(model.Message{
		ID:            wire.ID,
		Kind:          wire.Kind,
		From:          wire.From,
		To:            wire.To,
		Priority:      wire.Priority,
		CorrelationID: wire.CorrelationID,
		Payload:       payload,
	}); err != nil {
		slog.Error("relay: local publish failed", "error", err, "message_id", wire.ID)
	}
	_ = ctx // reserved for a future span wrapping local delivery
}

// Subscription is a live relay subscription; Stop releases it.
type Subscription struct {
	nats *nats.Subscription
}

// Stop unsubscribes from NATS. The local bus subscription set up by
// Start has no analogous teardown (bus.Bus never exposes Unsubscribe)
// and is expected to live for the process's remaining lifetime.
func (s *Subscription) Stop() error {
	if s.nats == nil {
		return nil
	}
	return s.nats.Unsubscribe()
}
