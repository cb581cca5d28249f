package model

import "fmt"

// ErrorKind is the taxonomy of domain failures from spec §7. Kinds, not
// identifiers: callers switch on Kind, never on string matching.
type ErrorKind string

const (
	KindUnauthorizedPrincipal    ErrorKind = "UnauthorizedPrincipal"
	KindUnsatisfiableCapability  ErrorKind = "UnsatisfiableCapability"
	KindDecompositionTooLarge    ErrorKind = "DecompositionTooLarge"
	KindBudgetExceeded           ErrorKind = "BudgetExceeded"
	KindNoWorkerAvailable        ErrorKind = "NoWorkerAvailable"
	KindAssignmentTimeout        ErrorKind = "AssignmentTimeout"
	KindQualityCheckTimeout      ErrorKind = "QualityCheckTimeout"
	KindMessageDropped           ErrorKind = "MessageDropped"
	KindTaskFailed               ErrorKind = "TaskFailed"
	KindHeartbeatLost            ErrorKind = "HeartbeatLost"
	KindStepTimeout              ErrorKind = "StepTimeout"
	KindCircuitOpen              ErrorKind = "CircuitOpen"
	KindBusOverload              ErrorKind = "BusOverload"
	KindProviderUnavailable      ErrorKind = "ProviderUnavailable"
	KindInvariantViolation       ErrorKind = "InvariantViolation"
	KindNotAssignable            ErrorKind = "NotAssignable"
	KindNotFound                 ErrorKind = "NotFound"
)

// Error is the user-visible error shape required by spec §7: every
// error carries {kind, workflow_id?, task_id?, retriable, message}.
type Error struct {
	Kind       ErrorKind
	WorkflowID string
	TaskID     string
	Retriable  bool
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// retriableByDefault classifies each kind per spec §7's taxonomy:
// transient operational errors are retriable, input/systemic/fatal are
// not (callers may still choose to retry Systemic kinds at a higher
// layer, but the default reflects the synchronous contract).
var retriableByDefault = map[ErrorKind]bool{
	KindNoWorkerAvailable:   true,
	KindAssignmentTimeout:   true,
	KindQualityCheckTimeout: true,
	KindMessageDropped:      true,
	KindHeartbeatLost:       true,
	KindStepTimeout:         true,
	KindCircuitOpen:         true,
	KindBusOverload:         true,
	KindProviderUnavailable: true,
}

// New constructs a domain error of the given kind.
func New(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retriable: retriableByDefault[kind]}
}

// Wrap constructs a domain error wrapping cause.
func Wrap(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause, Retriable: retriableByDefault[kind]}
}

// WithWorkflow attaches a workflow id and returns e for chaining.
func (e *Error) WithWorkflow(id string) *Error {
	e.WorkflowID = id
	return e
}

// WithTask attaches a task id and returns e for chaining.
func (e *Error) WithTask(id string) *Error {
	e.TaskID = id
	return e
}

// AsDomainError extracts a *Error from err, if any.
func AsDomainError(err error) (*Error, bool) {
	de, ok := err.(*Error)
	return de, ok
}
