// Package api exposes HAOS's external interfaces (spec §6) over HTTP:
// Submit/Status/Cancel/Subscribe for workflows, and admin routes for
// the Capability Registry (C1). Grounded on the teacher's own
// net/http + http.ServeMux style (services/orchestrator/main.go,
// services/audit-trail/main.go) — no web framework, matching every
// teacher service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/swarmguard/haos/internal/haos/capability"
	"github.com/swarmguard/haos/internal/haos/decomposer"
	"github.com/swarmguard/haos/internal/haos/model"
)

// Executor is the narrow C6 surface the HTTP layer drives — defined at
// point of use so *executor.Executor satisfies it without this
// package importing executor.
type Executor interface {
	Submit(ctx context.Context, req decomposer.Request, seed string) (string, error)
	Status(workflowID string) (ExecutorStatus, error)
	Cancel(ctx context.Context, workflowID, reason string) error
	Subscribe(workflowID string) (<-chan ExecutorEvent, error)
}

// ExecutorStatus/ExecutorEvent mirror executor.Status/executor.Event's
// field shape structurally; a thin adapter in cmd/haos converts the
// concrete *executor.Executor into this interface since Go structural
// typing can't satisfy an interface whose methods return a different
// named type without an adapter.
type ExecutorStatus struct {
	WorkflowID string              `json:"workflow_id"`
	State      model.WorkflowStatus `json:"state"`
	Tasks      []ExecutorTaskStatus `json:"tasks"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
}

type ExecutorTaskStatus struct {
	ID        string          `json:"id"`
	State     model.TaskState `json:"state"`
	Attempt   int             `json:"attempt"`
	LastError string          `json:"last_error,omitempty"`
}

type ExecutorEvent struct {
	WorkflowID string    `json:"workflow_id"`
	TaskID     string    `json:"task_id,omitempty"`
	Kind       string    `json:"kind"`
	At         time.Time `json:"at"`
	Detail     string    `json:"detail,omitempty"`
}

// PrincipalExtractor pulls a principal id out of a bearer token;
// *authz.Verifier satisfies this. A nil PrincipalExtractor disables
// authentication (every request's principal comes from the JSON body
// or an X-Principal header instead) — used for local/dev runs.
type PrincipalExtractor interface {
	ExtractPrincipal(token string) (string, error)
}

// Seeder produces the deterministic seed every Submit call needs
// (spec §4.2). The default implementation derives it from the current
// time; tests can substitute something deterministic.
type Seeder func() string

// Server wires Executor and capability.Registry behind an
// http.ServeMux.
type Server struct {
	exec     Executor
	registry *capability.Registry
	authn    PrincipalExtractor
	seed     Seeder
	mux      *http.ServeMux
}

// NewServer builds a Server and registers its routes.
func NewServer(exec Executor, registry *capability.Registry, authn PrincipalExtractor, seed Seeder) *Server {
	if seed == nil {
		seed = func() string { return time.Now().UTC().Format(time.RFC3339Nano) }
	}
	s := &Server{exec: exec, registry: registry, authn: authn, seed: seed, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the configured http.Handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.mux.HandleFunc("POST /v1/workflows", s.handleSubmit)
	s.mux.HandleFunc("GET /v1/workflows/{id}", s.handleStatus)
	s.mux.HandleFunc("POST /v1/workflows/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /v1/workflows/{id}/events", s.handleSubscribe)

	s.mux.HandleFunc("POST /v1/capabilities", s.handleRegisterCapability)
	s.mux.HandleFunc("DELETE /v1/capabilities/{kind}", s.handleDeregisterCapability)
	s.mux.HandleFunc("GET /v1/capabilities", s.handleListCapabilities)
	s.mux.HandleFunc("GET /v1/capabilities/{kind}", s.handleGetCapability)
}

// principalFor extracts the caller's principal from the Authorization
// header if an authn extractor is configured, falling back to an
// X-Principal header or an explicit body field — never both silently.
func (s *Server) principalFor(r *http.Request, bodyPrincipal string) (string, error) {
	if s.authn == nil {
		if bodyPrincipal != "" {
			return bodyPrincipal, nil
		}
		return r.Header.Get("X-Principal"), nil
	}
	auth := r.Header.Get("Authorization")
	return s.authn.ExtractPrincipal(strings.TrimPrefix(auth, "Bearer "))
}

type submitRequest struct {
	Raw       any           `json:"raw"`
	Principal string        `json:"principal,omitempty"`
	Budgets   model.Budgets `json:"budgets,omitempty"`
}

type submitResponse struct {
	WorkflowID string `json:"workflow_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	principal, err := s.principalFor(r, req.Principal)
	if err != nil {
		http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
		return
	}

	wfID, err := s.exec.Submit(r.Context(), decomposer.Request{
		Raw:       req.Raw,
		Principal: principal,
		Budgets:   req.Budgets,
	}, s.seed())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{WorkflowID: wfID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := s.exec.Status(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req cancelRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // an empty/absent body is a valid cancel with no reason
	if err := s.exec.Cancel(r.Context(), id, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleSubscribe streams a workflow's event stream as Server-Sent
// Events until it closes (spec §6's Subscribe contract: lazy, finite,
// non-restartable).
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, err := s.exec.Subscribe(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case evt, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: " + evt.Kind + "\ndata: "))
			_, _ = w.Write(data)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

type registerCapabilityRequest struct {
	Kind         string              `json:"kind"`
	Capabilities []string            `json:"capabilities"`
	CostHint     float64             `json:"cost_hint"`
	MinInstances int                 `json:"min_instances"`
	MaxInstances int                 `json:"max_instances"`
	Policies     capability.Policies `json:"policies"`
}

func (s *Server) handleRegisterCapability(w http.ResponseWriter, r *http.Request) {
	var req registerCapabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		http.Error(w, "kind required", http.StatusBadRequest)
		return
	}
	caps := make(map[string]struct{}, len(req.Capabilities))
	for _, c := range req.Capabilities {
		caps[c] = struct{}{}
	}
	s.registry.Register(req.Kind, caps, req.CostHint, req.MinInstances, req.MaxInstances, req.Policies)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDeregisterCapability(w http.ResponseWriter, r *http.Request) {
	s.registry.Deregister(r.PathValue("kind"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleGetCapability(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.Lookup(r.PathValue("kind"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeDomainError maps a *model.Error's Kind to an HTTP status,
// falling back to 500 for anything not in the domain taxonomy.
func writeDomainError(w http.ResponseWriter, err error) {
	de, ok := model.AsDomainError(err)
	if !ok {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := http.StatusInternalServerError
	switch de.Kind {
	case model.KindNotFound:
		status = http.StatusNotFound
	case model.KindUnauthorizedPrincipal:
		status = http.StatusForbidden
	case model.KindUnsatisfiableCapability, model.KindDecompositionTooLarge, model.KindBudgetExceeded:
		status = http.StatusUnprocessableEntity
	case model.KindNoWorkerAvailable, model.KindCircuitOpen, model.KindBusOverload, model.KindProviderUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"kind": string(de.Kind), "message": de.Message})
}
