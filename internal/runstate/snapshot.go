// Package runstate summarizes a run directory (report.json, progress.ndjson,
// run.pid) without going through the result store.
package runstate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/danshapiro/robotflow/internal/orchestrator"
	"github.com/danshapiro/robotflow/internal/procutil"
)

const PIDFileName = "run.pid"

type State string

const (
	StateUnknown     State = "unknown"
	StateRunning     State = "running"
	StateInterrupted State = "interrupted"
)

type Snapshot struct {
	RunDir   string `json:"run_dir"`
	RunID    string `json:"run_id,omitempty"`
	Workflow string `json:"workflow,omitempty"`
	// State is a terminal orchestrator.RunStatus or one of the State values.
	State         State                           `json:"state"`
	LastEvent     string                          `json:"last_event,omitempty"`
	LastEventAt   time.Time                       `json:"last_event_at,omitempty"`
	CurrentStepID string                          `json:"current_step_id,omitempty"`
	WaitingOnGate string                          `json:"waiting_on_gate,omitempty"`
	StepCounts    map[orchestrator.StepStatus]int `json:"step_counts,omitempty"`
	Failures      []orchestrator.StepReport       `json:"failures,omitempty"`
	PID           int                             `json:"pid,omitempty"`
	PIDAlive      bool                            `json:"pid_alive,omitempty"`
}

// MarkOwner records the current process as the one executing the run in
// runDir, so a later snapshot can tell a live run from an interrupted one.
func MarkOwner(runDir string) error {
	return procutil.WritePIDFile(filepath.Join(runDir, PIDFileName), os.Getpid())
}

// Terminal reports whether the snapshot came from a finished run.
func (s *Snapshot) Terminal() bool {
	return orchestrator.RunStatus(s.State).Terminal()
}

// LoadSnapshot reads run artifacts in runDir and returns a compact run snapshot.
func LoadSnapshot(runDir string) (*Snapshot, error) {
	root := strings.TrimSpace(runDir)
	if root == "" {
		return nil, fmt.Errorf("run dir is required")
	}
	s := &Snapshot{RunDir: root, State: StateUnknown}

	if err := applyReport(s); err != nil {
		return nil, err
	}
	// A saved report is authoritative; progress is a best-effort activity feed.
	if !s.Terminal() {
		if err := applyProgress(s); err != nil {
			return nil, err
		}
	}
	if err := applyPIDFile(s); err != nil {
		return nil, err
	}
	if !s.Terminal() && s.PID > 0 {
		if s.PIDAlive {
			s.State = StateRunning
		} else if s.LastEvent != "" {
			s.State = StateInterrupted
		}
	}
	return s, nil
}

func applyReport(s *Snapshot) error {
	path := filepath.Join(s.RunDir, orchestrator.ReportFileName)
	rep, err := orchestrator.LoadReport(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	s.RunID = rep.RunID
	s.Workflow = rep.Workflow
	s.State = State(rep.Status)
	s.StepCounts = map[orchestrator.StepStatus]int{}
	for _, st := range rep.Steps {
		s.StepCounts[st.Status]++
		if st.Status == orchestrator.StepFailed {
			s.Failures = append(s.Failures, st)
		}
	}
	if !rep.FinishedAt.IsZero() {
		s.LastEventAt = rep.FinishedAt
	}
	return nil
}

func applyProgress(s *Snapshot) error {
	path := filepath.Join(s.RunDir, orchestrator.ProgressFileName)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev orchestrator.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// A crashed writer can leave a partial last line.
			continue
		}
		if s.RunID == "" {
			s.RunID = ev.RunID
		}
		s.LastEvent = string(ev.Type)
		s.LastEventAt = ev.TS
		if ev.StepID != "" {
			s.CurrentStepID = ev.StepID
		}
		switch ev.Type {
		case orchestrator.EventGateWaiting:
			s.WaitingOnGate = ev.StepID
		case orchestrator.EventGateDecision:
			s.WaitingOnGate = ""
		case orchestrator.EventRunFinished:
			if ev.Status.Terminal() {
				s.State = State(ev.Status)
			}
		}
	}
	return sc.Err()
}

func applyPIDFile(s *Snapshot) error {
	pid, err := procutil.ReadPIDFile(filepath.Join(s.RunDir, PIDFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		if s.Terminal() {
			return nil
		}
		return err
	}
	s.PID = pid
	s.PIDAlive = procutil.PIDAlive(pid)
	return nil
}

// WriteText prints a short human-readable summary.
func (s *Snapshot) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s", orDash(s.RunID))
	if s.Workflow != "" {
		fmt.Fprintf(&b, " (%s)", s.Workflow)
	}
	fmt.Fprintf(&b, ": %s\n", s.State)
	if s.LastEvent != "" {
		fmt.Fprintf(&b, "  last event: %s", s.LastEvent)
		if s.CurrentStepID != "" {
			fmt.Fprintf(&b, " [%s]", s.CurrentStepID)
		}
		if !s.LastEventAt.IsZero() {
			fmt.Fprintf(&b, " at %s", s.LastEventAt.Format(time.RFC3339))
		}
		b.WriteString("\n")
	}
	if s.WaitingOnGate != "" {
		fmt.Fprintf(&b, "  waiting for a decision on %s\n", s.WaitingOnGate)
	}
	if len(s.StepCounts) > 0 {
		keys := make([]string, 0, len(s.StepCounts))
		for k := range s.StepCounts {
			keys = append(keys, string(k))
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%d", k, s.StepCounts[orchestrator.StepStatus(k)]))
		}
		fmt.Fprintf(&b, "  steps: %s\n", strings.Join(parts, " "))
	}
	for _, f := range s.Failures {
		fmt.Fprintf(&b, "  %s failed (%s): %s\n", f.StepID, f.Category, f.Message)
	}
	if s.PID > 0 {
		fmt.Fprintf(&b, "  pid %d alive=%t\n", s.PID, s.PIDAlive)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
