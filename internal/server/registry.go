package server

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danshapiro/robotflow/internal/orchestrator"
)

const stateFailedToStart = "failed_to_start"

// RunState tracks a run started by this server.
type RunState struct {
	RunID       string
	Workflow    string
	Broadcaster *Broadcaster
	Gate        *WebGate
	StartedAt   time.Time
	RunDir      string

	run    *orchestrator.Run
	mu     sync.Mutex
	report *orchestrator.Report
	err    error
	done   bool
	doneCh chan struct{}
}

func newRunState(run *orchestrator.Run, workflow string, bc *Broadcaster, gate *WebGate) *RunState {
	return &RunState{
		RunID:       run.ID(),
		Workflow:    workflow,
		Broadcaster: bc,
		Gate:        gate,
		StartedAt:   time.Now().UTC(),
		RunDir:      run.RunDir(),
		run:         run,
		doneCh:      make(chan struct{}),
	}
}

// SetResult records the terminal outcome of the run.
func (rs *RunState) SetResult(rep *orchestrator.Report, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.done {
		return
	}
	rs.report = rep
	rs.err = err
	rs.done = true
	close(rs.doneCh)
}

// Done is closed once the run has a result.
func (rs *RunState) Done() <-chan struct{} { return rs.doneCh }

// Cancel aborts the run and releases its waiting gates.
func (rs *RunState) Cancel() {
	rs.run.Cancel()
	rs.Gate.Cancel()
}

// Status returns the current run status for the HTTP API.
func (rs *RunState) Status() RunStatus {
	rs.mu.Lock()
	rep, err, done := rs.report, rs.err, rs.done
	rs.mu.Unlock()

	status := RunStatus{
		RunID:     rs.RunID,
		Workflow:  rs.Workflow,
		State:     string(rs.run.Status()),
		Live:      !done,
		StartedAt: rs.StartedAt,
		RunDir:    rs.RunDir,
	}
	switch {
	case done && err != nil:
		status.State = stateFailedToStart
		status.FailureReason = err.Error()
	case done && rep != nil:
		status.State = string(rep.Status)
		status.Report = rep
	default:
		status.InFlight = rs.run.InFlight()
		status.PendingGates = len(rs.Gate.Pending())
	}

	if history := rs.Broadcaster.History(); len(history) > 0 {
		last := history[len(history)-1]
		status.LastEvent = string(last.Type)
		at := last.TS
		status.LastEventAt = &at
	}
	return status
}

// RunRegistry tracks every run started by this server instance.
type RunRegistry struct {
	mu   sync.RWMutex
	runs map[string]*RunState
}

func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]*RunState)}
}

// Register adds a run. It fails if the id is already taken.
func (r *RunRegistry) Register(rs *RunState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[rs.RunID]; exists {
		return fmt.Errorf("run %s already exists", rs.RunID)
	}
	r.runs[rs.RunID] = rs
	return nil
}

func (r *RunRegistry) Get(runID string) (*RunState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.runs[runID]
	return rs, ok
}

// List returns the registered runs, newest first.
func (r *RunRegistry) List() []*RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RunState, 0, len(r.runs))
	for _, rs := range r.runs {
		out = append(out, rs)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].RunID > out[j].RunID
	})
	return out
}

// CancelAll aborts every run that has not finished.
func (r *RunRegistry) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rs := range r.runs {
		select {
		case <-rs.Done():
		default:
			rs.Cancel()
		}
	}
}
