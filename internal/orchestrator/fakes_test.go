package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danshapiro/robotflow/internal/tool"
)

// fakeInvoker fails each tool according to a script of errors, one per call,
// and succeeds once the script is used up.
type fakeInvoker struct {
	mu      sync.Mutex
	script  map[string][]error
	delay   map[string]time.Duration
	calls   map[string]int
	started []string
	ended   map[string]time.Time
	begun   map[string]time.Time

	active    int32
	maxActive int32
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		script: map[string][]error{},
		delay:  map[string]time.Duration{},
		calls:  map[string]int{},
		ended:  map[string]time.Time{},
		begun:  map[string]time.Time{},
	}
}

func (f *fakeInvoker) fail(toolName string, errs ...error) *fakeInvoker {
	f.script[toolName] = append(f.script[toolName], errs...)
	return f
}

func (f *fakeInvoker) Invoke(ctx context.Context, name string, args map[string]any) (tool.Payload, error) {
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		m := atomic.LoadInt32(&f.maxActive)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxActive, m, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[name]++
	call := f.calls[name]
	f.started = append(f.started, name)
	if _, ok := f.begun[name]; !ok {
		f.begun[name] = time.Now()
	}
	var err error
	if call <= len(f.script[name]) {
		err = f.script[name][call-1]
	}
	d := f.delay[name]
	f.mu.Unlock()

	if d > 0 {
		time.Sleep(d)
	}

	f.mu.Lock()
	f.ended[name] = time.Now()
	f.mu.Unlock()
	if err != nil {
		return tool.Payload{Output: "output of " + name}, err
	}
	return tool.Payload{Output: "ok " + name, CallID: "call"}, nil
}

func (f *fakeInvoker) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeInvoker) startedTools() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

// memJournal is an in-memory Journal and RunRecorder.
type memJournal struct {
	mu      sync.Mutex
	results map[string]map[string]StepResult
	runs    map[string]RunInfo
}

func newMemJournal() *memJournal {
	return &memJournal{results: map[string]map[string]StepResult{}, runs: map[string]RunInfo{}}
}

func (j *memJournal) Append(ctx context.Context, runID string, r StepResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.results[runID] == nil {
		j.results[runID] = map[string]StepResult{}
	}
	if _, dup := j.results[runID][r.StepID]; dup {
		return ErrAlreadyRecorded
	}
	j.results[runID][r.StepID] = r
	return nil
}

func (j *memJournal) BeginRun(ctx context.Context, info RunInfo) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs[info.RunID] = info
	return nil
}

func (j *memJournal) FinishRun(ctx context.Context, runID string, status RunStatus, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	info := j.runs[runID]
	info.Status = status
	info.FinishedAt = at
	j.runs[runID] = info
	return nil
}

// heldGate blocks every Await until a decision is sent on release.
type heldGate struct {
	asked   chan string
	release chan Decision
}

func newHeldGate() *heldGate {
	return &heldGate{asked: make(chan string, 8), release: make(chan Decision, 8)}
}

func (g *heldGate) Await(ctx context.Context, runID string, s Step) (Decision, error) {
	g.asked <- s.ID
	select {
	case d := <-g.release:
		return d, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *heldGate) Inform(runID string, s Step, message string) {}
