package orchestrator

import (
	"time"

	"github.com/danshapiro/robotflow/internal/failure"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// StepResult is a step's terminal, write-once outcome.
type StepResult struct {
	StepID      string           `json:"step_id" msgpack:"step_id"`
	Tool        string           `json:"tool,omitempty" msgpack:"tool"`
	Outcome     Outcome          `json:"outcome" msgpack:"outcome"`
	Output      string           `json:"output,omitempty" msgpack:"output"`
	CallID      string           `json:"call_id,omitempty" msgpack:"call_id"`
	Category    failure.Category `json:"category,omitempty" msgpack:"category"`
	Message     string           `json:"message,omitempty" msgpack:"message"`
	Remediation string           `json:"remediation,omitempty" msgpack:"remediation"`
	Attempts    int              `json:"attempts" msgpack:"attempts"`
	Skipped     bool             `json:"skipped,omitempty" msgpack:"skipped"`
	StartedAt   time.Time        `json:"started_at,omitempty" msgpack:"started_at"`
	FinishedAt  time.Time        `json:"finished_at,omitempty" msgpack:"finished_at"`
}

func (r StepResult) Succeeded() bool { return r.Outcome == OutcomeSuccess }

// SkippedResult is the synthetic success recorded when a gate decides skip.
func SkippedResult(s Step, at time.Time) StepResult {
	return StepResult{
		StepID:     s.ID,
		Tool:       s.Tool,
		Outcome:    OutcomeSuccess,
		Skipped:    true,
		StartedAt:  at,
		FinishedAt: at,
	}
}
