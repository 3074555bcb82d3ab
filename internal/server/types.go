package server

import (
	"time"

	"github.com/danshapiro/robotflow/internal/orchestrator"
)

// SubmitRunRequest is the POST /runs request body.
type SubmitRunRequest struct {
	// Workflow names a built-in workflow. Exactly one of Workflow or
	// Definition must be set.
	Workflow string `json:"workflow,omitempty"`

	// Definition is an inline workflow document in YAML.
	Definition string `json:"definition,omitempty"`

	Vars map[string]string `json:"vars,omitempty"`

	// RunID is optional. If empty, a ULID is generated.
	RunID string `json:"run_id,omitempty"`

	// ResumeFrom names a stored run whose successful steps are reused.
	ResumeFrom string `json:"resume_from,omitempty"`
}

// RunStatus is returned by GET /runs/{id}.
type RunStatus struct {
	RunID         string                    `json:"run_id"`
	Workflow      string                    `json:"workflow"`
	State         string                    `json:"state"`
	Live          bool                      `json:"live"`
	StartedAt     time.Time                 `json:"started_at"`
	InFlight      []string                  `json:"in_flight,omitempty"`
	LastEvent     string                    `json:"last_event,omitempty"`
	LastEventAt   *time.Time                `json:"last_event_at,omitempty"`
	PendingGates  int                       `json:"pending_gates,omitempty"`
	FailureReason string                    `json:"failure_reason,omitempty"`
	RunDir        string                    `json:"run_dir,omitempty"`
	Report        *orchestrator.Report      `json:"report,omitempty"`
	Steps         []orchestrator.StepResult `json:"steps,omitempty"`
}

// RunSummary is one entry of GET /runs.
type RunSummary struct {
	RunID       string                 `json:"run_id"`
	Workflow    string                 `json:"workflow"`
	Status      orchestrator.RunStatus `json:"status"`
	Live        bool                   `json:"live"`
	ResumedFrom string                 `json:"resumed_from,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
}

// PendingGate is returned by GET /runs/{id}/gates.
type PendingGate struct {
	GateID      string    `json:"gate_id"`
	RunID       string    `json:"run_id"`
	StepID      string    `json:"step_id"`
	Tool        string    `json:"tool"`
	Description string    `json:"description,omitempty"`
	AskedAt     time.Time `json:"asked_at"`
}

// Notice is a message a run passed to its gate without waiting for a reply.
type Notice struct {
	RunID   string    `json:"run_id"`
	StepID  string    `json:"step_id"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// DecisionRequest is the POST /runs/{id}/gates/{gid}/decision body.
type DecisionRequest struct {
	Decision string `json:"decision"`
}

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
