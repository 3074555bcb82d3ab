package orchestrator

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danshapiro/robotflow/internal/failure"
	"github.com/danshapiro/robotflow/internal/tool"
)

const ReportFileName = "report.json"

type RunStatus string

const (
	RunPending               RunStatus = "pending"
	RunRunning               RunStatus = "running"
	RunCompleted             RunStatus = "completed"
	RunCompletedWithFailures RunStatus = "completed_with_failures"
	RunAborted               RunStatus = "aborted"
)

func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunCompletedWithFailures || s == RunAborted
}

type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepSkipped   StepStatus = "skipped"
	StepFailed    StepStatus = "failed"
	StepBlocked   StepStatus = "blocked"
	StepNotRun    StepStatus = "not_run"
)

type StepReport struct {
	StepID      string           `json:"step_id"`
	Tool        string           `json:"tool"`
	Status      StepStatus       `json:"status"`
	Attempts    int              `json:"attempts,omitempty"`
	Category    failure.Category `json:"category,omitempty"`
	Message     string           `json:"message,omitempty"`
	Remediation string           `json:"remediation,omitempty"`
	BlockedBy   []string         `json:"blocked_by,omitempty"`
	Output      string           `json:"output,omitempty"`
}

// Report is the user-facing outcome of a run, saved as report.json.
type Report struct {
	RunID       string       `json:"run_id"`
	Workflow    string       `json:"workflow"`
	Fingerprint string       `json:"fingerprint"`
	Status      RunStatus    `json:"status"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
	Steps       []StepReport `json:"steps"`
}

func buildReport(runID string, g *Graph, status RunStatus, results map[string]StepResult, started, finished time.Time) *Report {
	rep := &Report{
		RunID:       runID,
		Workflow:    g.Name(),
		Fingerprint: g.Fingerprint(),
		Status:      status,
		StartedAt:   started,
		FinishedAt:  finished,
	}
	blocked := map[string]bool{}
	for _, s := range g.Blocked(results) {
		blocked[s.ID] = true
	}
	for _, s := range g.Steps() {
		sr := StepReport{StepID: s.ID, Tool: s.Tool}
		r, ok := results[s.ID]
		switch {
		case ok && r.Skipped:
			sr.Status = StepSkipped
		case ok && r.Succeeded():
			sr.Status = StepSucceeded
			sr.Attempts = r.Attempts
			sr.Output = tool.Truncate(r.Output, tool.MaxSummaryChars)
		case ok:
			sr.Status = StepFailed
			sr.Attempts = r.Attempts
			sr.Category = r.Category
			sr.Message = r.Message
			sr.Remediation = r.Remediation
			sr.Output = tool.Truncate(r.Output, tool.MaxSummaryChars)
		case blocked[s.ID]:
			sr.Status = StepBlocked
			for _, p := range s.DependsOn {
				if pr, has := results[p]; (has && !pr.Succeeded()) || blocked[p] {
					sr.BlockedBy = append(sr.BlockedBy, p)
				}
			}
		default:
			sr.Status = StepNotRun
		}
		rep.Steps = append(rep.Steps, sr)
	}
	return rep
}

// Step returns the report entry for id.
func (r *Report) Step(id string) (StepReport, bool) {
	for _, s := range r.Steps {
		if s.StepID == id {
			return s, true
		}
	}
	return StepReport{}, false
}

func (r *Report) Save(path string) error {
	if r == nil {
		return fmt.Errorf("report is nil")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func LoadReport(path string) (*Report, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &r, nil
}

// WriteText renders the per-step summary an operator reads after a run.
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s (%s): %s\n", r.RunID, r.Workflow, r.Status)
	for _, s := range r.Steps {
		fmt.Fprintf(&b, "  %-24s %-10s", s.StepID, s.Status)
		if s.Attempts > 0 {
			fmt.Fprintf(&b, " attempts=%d", s.Attempts)
		}
		if s.Category != "" {
			fmt.Fprintf(&b, " category=%s", s.Category)
		}
		if len(s.BlockedBy) > 0 {
			fmt.Fprintf(&b, " blocked_by=%s", strings.Join(s.BlockedBy, ","))
		}
		b.WriteString("\n")
		if s.Status == StepFailed {
			if s.Message != "" {
				fmt.Fprintf(&b, "      error: %s\n", firstLine(s.Message))
			}
			if s.Remediation != "" {
				fmt.Fprintf(&b, "      next:  %s\n", s.Remediation)
			}
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
