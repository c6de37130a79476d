// Package event defines the intent and event tagged unions exchanged with the runtime.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies an event variant on the wire and in the ledger.
type Type string

const (
	TypeSysReady            Type = "SYS_READY"
	TypeProcessStarted      Type = "PROCESS_STARTED"
	TypeStdoutChunk         Type = "STDOUT_CHUNK"
	TypeStderrChunk         Type = "STDERR_CHUNK"
	TypeProcessExited       Type = "PROCESS_EXITED"
	TypeSecurityViolation   Type = "SECURITY_VIOLATION"
	TypePermissionRequested Type = "PERMISSION_REQUESTED"
	TypeWorkflowError       Type = "WORKFLOW_ERROR"
)

// Severity grades a workflow error.
type Severity string

const (
	SeverityWarn  Severity = "warn"
	SeverityFatal Severity = "fatal"
)

// Header carries the correlation metadata every event has.
type Header struct {
	SessionID     string    `json:"session_id"`
	CorrelationID string    `json:"corr_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Payload is the sealed set of per-variant event payloads.
type Payload interface {
	eventType() Type
}

// SysReady signals the runtime is initialized for a run.
type SysReady struct {
	RunID string `json:"run_id"`
}

// ProcessStarted records a spawned OS process.
type ProcessStarted struct {
	PID     int    `json:"pid"`
	Command string `json:"command"`
}

// StdoutChunk carries a slice of standard output.
type StdoutChunk struct {
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

// StderrChunk carries a slice of standard error.
type StderrChunk struct {
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

// ProcessExited records process termination.
type ProcessExited struct {
	Code int `json:"code"`
}

// SecurityViolation records a policy denial.
type SecurityViolation struct {
	Policy        string `json:"policy"`
	AttemptedPath string `json:"attempted_path,omitempty"`
}

// PermissionRequested records a parked approval request.
type PermissionRequested struct {
	RequestID string `json:"request_id"`
	Command   string `json:"command"`
	RiskLevel string `json:"risk_level"`
}

// WorkflowError records a surfaced failure.
type WorkflowError struct {
	Error    string   `json:"error"`
	Severity Severity `json:"severity"`
}

func (SysReady) eventType() Type            { return TypeSysReady }
func (ProcessStarted) eventType() Type      { return TypeProcessStarted }
func (StdoutChunk) eventType() Type         { return TypeStdoutChunk }
func (StderrChunk) eventType() Type         { return TypeStderrChunk }
func (ProcessExited) eventType() Type       { return TypeProcessExited }
func (SecurityViolation) eventType() Type   { return TypeSecurityViolation }
func (PermissionRequested) eventType() Type { return TypePermissionRequested }
func (WorkflowError) eventType() Type       { return TypeWorkflowError }

// Event is an immutable fact about what happened, with its header.
type Event struct {
	Header
	Payload Payload
}

// Type returns the wire type of the event's payload.
func (e Event) Type() Type {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.eventType()
}

// New builds an event with a stamped header.
func New(sessionID, correlationID string, payload Payload) Event {
	return Event{
		Header: Header{
			SessionID:     sessionID,
			CorrelationID: correlationID,
			Timestamp:     time.Now().UTC(),
		},
		Payload: payload,
	}
}

// MarshalPayload serializes the payload to an opaque blob for the ledger.
func (e Event) MarshalPayload() ([]byte, error) {
	return json.Marshal(e.Payload)
}

// UnmarshalPayload reconstructs a payload from its wire type and blob.
// Consumers must round-trip through the same serialization used to write.
func UnmarshalPayload(typ Type, data []byte) (Payload, error) {
	var p Payload
	switch typ {
	case TypeSysReady:
		p = &SysReady{}
	case TypeProcessStarted:
		p = &ProcessStarted{}
	case TypeStdoutChunk:
		p = &StdoutChunk{}
	case TypeStderrChunk:
		p = &StderrChunk{}
	case TypeProcessExited:
		p = &ProcessExited{}
	case TypeSecurityViolation:
		p = &SecurityViolation{}
	case TypePermissionRequested:
		p = &PermissionRequested{}
	case TypeWorkflowError:
		p = &WorkflowError{}
	default:
		return nil, fmt.Errorf("unknown event type %q", typ)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", typ, err)
	}
	return deref(p), nil
}

// deref flattens the pointer used for decoding back to the value form.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *SysReady:
		return *v
	case *ProcessStarted:
		return *v
	case *StdoutChunk:
		return *v
	case *StderrChunk:
		return *v
	case *ProcessExited:
		return *v
	case *SecurityViolation:
		return *v
	case *PermissionRequested:
		return *v
	case *WorkflowError:
		return *v
	}
	return p
}
