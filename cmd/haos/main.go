// Command haos runs the Hierarchical Agent Orchestration System as a
// single process: it wires every component (C1-C8), serves the HTTP
// API, and drives the supervisor's periodic sweep on a ticker (ground:
// services/orchestrator/main.go's component-construction-then-serve
// shape, services/audit-trail/main.go's graceful-shutdown sequencing).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/swarmguard/haos/internal/haos/aiprovider"
	"github.com/swarmguard/haos/internal/haos/api"
	"github.com/swarmguard/haos/internal/haos/audit"
	"github.com/swarmguard/haos/internal/haos/authz"
	"github.com/swarmguard/haos/internal/haos/bus"
	"github.com/swarmguard/haos/internal/haos/cache"
	"github.com/swarmguard/haos/internal/haos/capability"
	"github.com/swarmguard/haos/internal/haos/config"
	"github.com/swarmguard/haos/internal/haos/decomposer"
	"github.com/swarmguard/haos/internal/haos/executor"
	"github.com/swarmguard/haos/internal/haos/model"
	"github.com/swarmguard/haos/internal/haos/pool"
	"github.com/swarmguard/haos/internal/haos/quality"
	"github.com/swarmguard/haos/internal/haos/relay"
	"github.com/swarmguard/haos/internal/haos/router"
	"github.com/swarmguard/haos/internal/haos/schedule"
	"github.com/swarmguard/haos/internal/haos/store"
	"github.com/swarmguard/haos/internal/haos/supervisor"
	"github.com/swarmguard/haos/internal/haos/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("haos exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	logger := telemetry.InitLogging("haos")
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "haos")
	defer telemetry.Flush(context.Background(), shutdownTracer)
	shutdownMetrics, _ := telemetry.InitMetrics(ctx, "haos")
	defer telemetry.Flush(context.Background(), shutdownMetrics)

	st, err := store.Open(cfg.StoreDBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	auditLog := audit.NewPersistentLog(st)
	verifier := authz.New(cfg.JWTSigningKey, authz.Config{
		ApprovalActions: []string{"escalation.approve"},
	})

	registry := capability.NewRegistry()
	registerBuiltinCapabilities(registry)

	b := bus.New(cfg.MessageTTL)
	relaySub, err := maybeStartRelay(ctx, b, logger)
	if err != nil {
		return fmt.Errorf("start relay bridge: %w", err)
	}
	if relaySub != nil {
		defer relaySub.Stop()
	}

	runners := executor.NewRegistry()
	registerBuiltinRunners(runners)
	spawner := executor.NewRuntimeSpawner(b, runners)
	workerPool := pool.New(registry, spawner, cfg.HeartbeatTimeout)
	rt := router.New(registry, workerPool, b)

	chain, err := buildQualityChain(ctx)
	if err != nil {
		return fmt.Errorf("build quality chain: %w", err)
	}

	sup := supervisor.New(workerPool, b, rt, supervisor.Config{
		TickInterval:          5 * time.Second,
		StepDeadlineGrace:     10 * time.Second,
		CircuitWindow:         cfg.CircuitBreakerWindow,
		CircuitBuckets:        6,
		CircuitMinSamples:     5,
		CircuitThreshold:      cfg.CircuitBreakerThreshold,
		CircuitCooldown:       cfg.CircuitBreakerCooldown,
		CircuitHalfOpenProbes: 1,
	})

	provider := buildProvider()
	dec := decomposer.New(registry, provider, decomposer.Limits{
		MaxDepth: cfg.DecomposerMaxDepth,
		MaxWidth: cfg.DecomposerMaxWidth,
	}, decomposer.Defaults{
		StepDeadline: cfg.StepDeadlineDefault,
		MaxAttempts:  cfg.MaxAttemptsDefault,
	})

	exec := executor.New(executor.Config{
		PerWorkflowMaxWorkers: cfg.PerWorkflowMaxWorkers,
		GlobalMaxInflight:     cfg.GlobalMaxInflight,
		StepDeadlineDefault:   cfg.StepDeadlineDefault,
		MaxAttemptsDefault:    cfg.MaxAttemptsDefault,
		AssignBackoff:         200 * time.Millisecond,
		CancelGrace:           5 * time.Second,
		TickInterval:          100 * time.Millisecond,
	}, dec, registry, workerPool, rt, chain, sup, b, auditLog, verifier)
	exec.SetCache(cache.New[string, model.ResultPayload](cfg.ResultCacheSize, cfg.ResultCacheTTL))

	scheduler := schedule.New(exec, st)
	if err := scheduler.LoadPersisted(ctx); err != nil {
		logger.Warn("failed to load persisted schedules", "error", err)
	}
	scheduler.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = scheduler.Stop(stopCtx)
	}()

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sup.Tick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	server := api.NewServer(executorAdapter{exec}, registry, verifier, nil)
	mux := http.NewServeMux()
	mux.Handle("/", server.Handler())
	mux.Handle("/metrics", telemetry.MetricsHandler())
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	<-sweepDone
	return nil
}

// buildQualityChain assembles the C7 verification chain from spec
// §10's domain-stack wiring table: schema shape, size bounds (field
// count and string value length), and
// (if HAOS_QUALITY_POLICY_MODULE points at a Rego file) a content
// policy decision point.
func buildQualityChain(ctx context.Context) (*quality.Chain, error) {
	checks := []quality.Check{
		quality.SchemaCheck{Schema: quality.Schema{}},
		quality.BoundsCheck{MaxFields: 64, MaxValueLen: 32 * 1024},
	}
	if modulePath := os.Getenv("HAOS_QUALITY_POLICY_MODULE"); modulePath != "" {
		data, err := os.ReadFile(modulePath)
		if err != nil {
			return nil, fmt.Errorf("read quality policy module: %w", err)
		}
		policyCheck, err := quality.NewPolicyCheck(ctx, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile quality policy: %w", err)
		}
		checks = append(checks, policyCheck)
	}
	return quality.NewChain(checks...), nil
}

// maybeStartRelay bridges this process's bus to NATS when
// HAOS_RELAY_NATS_URL is set, letting a remote cmd/haos-relay node
// exchange "remote:<node>"-addressed messages with this one. Unset, the
// process runs exactly as it does without the dependency: C5 stays
// in-process by contract and the relay is opt-in.
func maybeStartRelay(ctx context.Context, b *bus.Bus, logger *slog.Logger) (*relay.Subscription, error) {
	natsURL := os.Getenv("HAOS_RELAY_NATS_URL")
	if natsURL == "" {
		return nil, nil
	}
	nodeID := os.Getenv("HAOS_RELAY_NODE_ID")
	if nodeID == "" {
		nodeID = "primary"
	}
	nc, err := nats.Connect(natsURL, nats.Name("haos-"+nodeID))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	bridge := relay.New(b, nc, nodeID)
	sub, err := bridge.Start(ctx)
	if err != nil {
		nc.Close()
		return nil, err
	}
	logger.Info("relay bridge started", "node_id", nodeID, "nats_url", natsURL)
	return sub, nil
}

// buildProvider picks an AI provider façade for the decomposer: a real
// OpenAI-compatible client when HAOS_OPENAI_API_KEY is set, otherwise a
// fixed single-task sketch so the system is runnable with zero external
// dependencies for local development.
func buildProvider() aiprovider.Provider {
	apiKey := os.Getenv("HAOS_OPENAI_API_KEY")
	if apiKey == "" {
		return aiprovider.NewFakeProvider(aiprovider.SingleTaskSketch("generalist"))
	}
	modelName := os.Getenv("HAOS_OPENAI_MODEL")
	if modelName == "" {
		modelName = "gpt-4o-mini"
	}
	return aiprovider.NewOpenAIProvider(apiKey, modelName)
}

// registerBuiltinCapabilities seeds the catalog with a small default
// set of specialist kinds so a fresh deployment can run before an
// operator registers more over the admin API.
func registerBuiltinCapabilities(registry *capability.Registry) {
	registry.Register("generalist", map[string]struct{}{"general": {}}, 1.0, 1, 8, capability.Policies{})
	registry.Register("code-writer", map[string]struct{}{"code": {}}, 2.0, 0, 8, capability.Policies{})
	registry.Register("reviewer", map[string]struct{}{"review": {}}, 1.5, 0, 4, capability.Policies{})
}

// registerBuiltinRunners wires the default Runner for each built-in
// kind. A real deployment typically replaces these with process- or
// RPC-backed runners; these defaults keep the system end-to-end
// runnable without any external worker process.
func registerBuiltinRunners(runners *executor.Registry) {
	echoRunner := func(_ context.Context, task *model.Task) (model.ResultPayload, error) {
		return model.ResultPayload{
			TaskID: task.ID,
			Status: model.ResultSucceeded,
			Output: map[string]any{"echo": task.Inputs},
		}, nil
	}
	runners.Register("generalist", echoRunner)
	runners.Register("code-writer", echoRunner)
	runners.Register("reviewer", echoRunner)
}

// executorAdapter bridges *executor.Executor to api.Executor: the
// underlying methods already do the right thing, but Status/Subscribe
// return executor.Status/executor.Event rather than
// api.ExecutorStatus/api.ExecutorEvent, so Go's structural typing can't
// match them directly. The conversions below are a field-for-field copy,
// not logic.
type executorAdapter struct{ exec *executor.Executor }

func (a executorAdapter) Submit(ctx context.Context, req decomposer.Request, seed string) (string, error) {
	return a.exec.Submit(ctx, req, seed)
}

func (a executorAdapter) Cancel(ctx context.Context, workflowID, reason string) error {
	return a.exec.Cancel(ctx, workflowID, reason)
}

func (a executorAdapter) Status(workflowID string) (api.ExecutorStatus, error) {
	st, err := a.exec.Status(workflowID)
	if err != nil {
		return api.ExecutorStatus{}, err
	}
	tasks := make([]api.ExecutorTaskStatus, 0, len(st.Tasks))
	for _, t := range st.Tasks {
		tasks = append(tasks, api.ExecutorTaskStatus{
			ID:        t.ID,
			State:     t.State,
			Attempt:   t.Attempt,
			LastError: t.LastError,
		})
	}
	return api.ExecutorStatus{
		WorkflowID: st.WorkflowID,
		State:      st.State,
		Tasks:      tasks,
		StartedAt:  st.StartedAt,
		FinishedAt: st.FinishedAt,
	}, nil
}

func (a executorAdapter) Subscribe(workflowID string) (<-chan api.ExecutorEvent, error) {
	events, err := a.exec.Subscribe(workflowID)
	if err != nil {
		return nil, err
	}
	out := make(chan api.ExecutorEvent, cap(events))
	go func() {
		defer close(out)
		for evt := range events {
			out <- api.ExecutorEvent{
				WorkflowID: evt.WorkflowID,
				TaskID:     evt.TaskID,
				Kind:       evt.Kind,
				At:         evt.At,
				Detail:     evt.Detail,
			}
		}
	}()
	return out, nil
}
