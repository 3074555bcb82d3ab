package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/danshapiro/robotflow/internal/failure"
)

var (
	ErrAlreadyRecorded = errors.New("step result already recorded")
	ErrRunStarted      = errors.New("run already started")
)

const DefaultMaxParallel = 4

// Journal persists step results write-once per (run, step).
type Journal interface {
	Append(ctx context.Context, runID string, r StepResult) error
}

// RunInfo describes a run to journals that also track run metadata.
type RunInfo struct {
	RunID       string    `json:"run_id" msgpack:"run_id"`
	Workflow    string    `json:"workflow" msgpack:"workflow"`
	Fingerprint string    `json:"fingerprint" msgpack:"fingerprint"`
	Steps       []Step    `json:"steps" msgpack:"steps"`
	ResumedFrom string    `json:"resumed_from,omitempty" msgpack:"resumed_from"`
	StartedAt   time.Time `json:"started_at" msgpack:"started_at"`
	Status      RunStatus `json:"status" msgpack:"status"`
	FinishedAt  time.Time `json:"finished_at,omitempty" msgpack:"finished_at"`
}

// RunRecorder is implemented by journals that keep a run index.
type RunRecorder interface {
	BeginRun(ctx context.Context, info RunInfo) error
	FinishRun(ctx context.Context, runID string, status RunStatus, at time.Time) error
}

type RunOptions struct {
	RunID string
	// RunDir receives progress.ndjson and report.json. Empty disables both.
	RunDir      string
	Policy      RetryPolicy
	Gate        Gate
	Journal     Journal
	Logger      *zerolog.Logger
	Metrics     *Metrics
	Tracer      trace.Tracer
	MaxParallel int
	// Seed carries results of an earlier run. Only successes are kept; failed
	// steps run again.
	Seed        map[string]StepResult
	ResumedFrom string
	OnEvent     func(Event)
}

// Run is one execution of a graph. It owns its results; they are written once
// per step id.
type Run struct {
	id       string
	graph    *Graph
	inv      Invoker
	opts     RunOptions
	logger   zerolog.Logger
	progress *progressLog
	tracer   trace.Tracer

	mu              sync.Mutex
	status          RunStatus
	results         map[string]StepResult
	inflight        map[string]bool
	startedAt       time.Time
	finishedAt      time.Time
	report          *Report
	cancel          context.CancelFunc
	cancelRequested bool

	// scheduler goroutine only
	reportedBlocked map[string]bool
}

func NewRun(g *Graph, inv Invoker, opts RunOptions) (*Run, error) {
	if g == nil {
		return nil, fmt.Errorf("graph is nil")
	}
	if inv == nil {
		return nil, fmt.Errorf("invoker is nil")
	}
	if opts.RunID == "" {
		opts.RunID = ulid.Make().String()
	}
	if opts.Policy.Categories == nil {
		base := DefaultRetryPolicy()
		base.Backoff = opts.Policy.Backoff
		if opts.Policy.Overrides != nil {
			base.Overrides = opts.Policy.Overrides
		}
		if opts.Policy.OperatorCap != 0 {
			base.OperatorCap = opts.Policy.OperatorCap
		}
		opts.Policy = base
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	if opts.Gate == nil {
		opts.Gate = AutoApproveGate{}
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("run_id", opts.RunID).Str("workflow", g.Name()).Logger()
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/danshapiro/robotflow/internal/orchestrator")
	}
	return &Run{
		id:              opts.RunID,
		graph:           g,
		inv:             inv,
		opts:            opts,
		logger:          logger,
		progress:        newProgressLog(opts.RunID, opts.RunDir, logger, opts.OnEvent),
		tracer:          tracer,
		status:          RunPending,
		results:         map[string]StepResult{},
		inflight:        map[string]bool{},
		reportedBlocked: map[string]bool{},
	}, nil
}

// Execute is a convenience for NewRun followed by Run.Execute.
func Execute(ctx context.Context, g *Graph, inv Invoker, opts RunOptions) (*Report, error) {
	r, err := NewRun(g, inv, opts)
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx)
}

func (r *Run) ID() string     { return r.id }
func (r *Run) Graph() *Graph  { return r.graph }
func (r *Run) RunDir() string { return r.opts.RunDir }

func (r *Run) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Results returns a copy of the results recorded so far.
func (r *Run) Results() map[string]StepResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]StepResult, len(r.results))
	for k, v := range r.results {
		out[k] = v
	}
	return out
}

// InFlight returns the ids of steps currently being invoked.
func (r *Run) InFlight() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.graph.steps {
		if r.inflight[s.ID] {
			out = append(out, s.ID)
		}
	}
	return out
}

// Frontier returns the ready steps that have not started yet.
func (r *Run) Frontier() []string {
	results := r.Results()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.graph.ReadyStepsAfter(results) {
		if !r.inflight[s.ID] {
			out = append(out, s.ID)
		}
	}
	return out
}

// Report returns the final report, or nil while the run is in progress.
func (r *Run) Report() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report
}

// Cancel aborts the run: nothing new is dispatched and in-flight invocations
// finish.
func (r *Run) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelRequested = true
	if r.cancel != nil {
		r.cancel()
	}
}

// Execute walks the graph to a terminal state. Step failures never make it
// return an error; only a run that cannot start does.
func (r *Run) Execute(ctx context.Context) (*Report, error) {
	r.mu.Lock()
	if r.status != RunPending {
		r.mu.Unlock()
		return nil, ErrRunStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancel = cancel
	if r.cancelRequested {
		cancel()
	}
	r.status = RunRunning
	r.startedAt = time.Now().UTC()
	r.mu.Unlock()

	if rec, ok := r.opts.Journal.(RunRecorder); ok {
		err := rec.BeginRun(context.WithoutCancel(ctx), RunInfo{
			RunID:       r.id,
			Workflow:    r.graph.Name(),
			Fingerprint: r.graph.Fingerprint(),
			Steps:       r.graph.Steps(),
			ResumedFrom: r.opts.ResumedFrom,
			StartedAt:   r.startedAt,
			Status:      RunRunning,
		})
		if err != nil {
			r.mu.Lock()
			r.status = RunPending
			r.mu.Unlock()
			return nil, fmt.Errorf("record run start: %w", err)
		}
	}

	r.progress.emit(Event{Type: EventRunStarted, Status: RunRunning, Message: fmt.Sprintf("%d steps, fingerprint %s", r.graph.Len(), r.graph.Fingerprint())})
	r.seed(ctx)
	aborted := r.schedule(runCtx, cancel)
	return r.finish(ctx, aborted), nil
}

func (r *Run) seed(ctx context.Context) {
	for _, s := range r.graph.steps {
		prior, ok := r.opts.Seed[s.ID]
		if !ok || !prior.Succeeded() {
			continue
		}
		prior.StepID = s.ID
		if err := r.record(ctx, prior, EventStepSeeded); err != nil {
			r.logger.Warn().Err(err).Str("step", s.ID).Msg("seed result")
		}
	}
}

// schedule is the dispatch loop. Plain steps run one at a time in declaration
// order; every ready member of a parallel group is submitted at once. Gates
// are awaited off the loop so a pending question holds back only its own
// step. It reports whether the run was aborted.
func (r *Run) schedule(ctx context.Context, cancel context.CancelFunc) bool {
	var eg errgroup.Group
	eg.SetLimit(r.opts.MaxParallel)
	done := make(chan StepResult, r.graph.Len())
	decisions := make(chan gateAnswer, r.graph.Len())

	started := map[string]bool{}
	for id := range r.Results() {
		started[id] = true
	}
	asking := map[string]bool{}
	approved := map[string]bool{}
	inflight := 0
	plainBusy := false
	aborted := false

	for {
		if !aborted && ctx.Err() != nil {
			aborted = true
			r.logger.Warn().Err(ctx.Err()).Msg("run cancelled; waiting for in-flight steps")
		}

		if !aborted {
			for _, s := range r.graph.ReadyStepsAfter(r.Results()) {
				if started[s.ID] || asking[s.ID] {
					continue
				}
				if s.Confirm && !approved[s.ID] {
					asking[s.ID] = true
					step := s
					go func() {
						decisions <- gateAnswer{step: step, decision: r.awaitGate(ctx, step)}
					}()
					continue
				}
				if s.Group == "" && plainBusy {
					continue
				}

				started[s.ID] = true
				if s.Group == "" {
					plainBusy = true
				}
				inflight++
				r.mu.Lock()
				r.inflight[s.ID] = true
				r.mu.Unlock()

				step := s
				eg.Go(func() error {
					done <- r.runStep(ctx, step)
					return nil
				})
			}
		}
		if inflight == 0 && len(asking) == 0 {
			break
		}

		var ctxDone <-chan struct{}
		if !aborted {
			ctxDone = ctx.Done()
		}
		select {
		case res := <-done:
			inflight--
			if s, ok := r.graph.Step(res.StepID); ok && s.Group == "" {
				plainBusy = false
			}
			if err := r.record(ctx, res, EventStepFinished); err != nil {
				r.logger.Error().Err(err).Str("step", res.StepID).Msg("record result")
			}
		case ans := <-decisions:
			delete(asking, ans.step.ID)
			if aborted {
				continue
			}
			switch ans.decision {
			case DecisionSkip:
				started[ans.step.ID] = true
				if err := r.record(ctx, SkippedResult(ans.step, time.Now().UTC()), EventStepFinished); err != nil {
					r.logger.Error().Err(err).Str("step", ans.step.ID).Msg("record skip")
				}
			case DecisionAbort:
				aborted = true
				// Releases the other pending gates; in-flight calls run on.
				cancel()
			default:
				approved[ans.step.ID] = true
			}
		case <-ctxDone:
		}
	}
	_ = eg.Wait()
	return aborted
}

type gateAnswer struct {
	step     Step
	decision Decision
}

func (r *Run) awaitGate(ctx context.Context, s Step) Decision {
	r.progress.emit(Event{Type: EventGateWaiting, StepID: s.ID, Tool: s.Tool, Message: s.Description})
	d, err := r.opts.Gate.Await(ctx, r.id, s)
	msg := ""
	if err != nil {
		d = DecisionAbort
		msg = err.Error()
	}
	if _, perr := ParseDecision(string(d)); perr != nil {
		msg = fmt.Sprintf("gate returned %q; treating as abort", d)
		d = DecisionAbort
	}
	r.opts.Metrics.decision(d)
	r.progress.emit(Event{Type: EventGateDecision, StepID: s.ID, Tool: s.Tool, Decision: d, Message: msg})
	return d
}

func (r *Run) runStep(ctx context.Context, s Step) StepResult {
	ctx, span := r.tracer.Start(ctx, "step "+s.ID, trace.WithAttributes(
		attribute.String("robotflow.run_id", r.id),
		attribute.String("robotflow.step_id", s.ID),
		attribute.String("robotflow.tool", s.Tool),
		attribute.String("robotflow.group", s.Group),
	))
	defer span.End()

	hooks := &RetryHooks{
		AttemptStart: func(attempt int) {
			r.progress.emit(Event{Type: EventStepAttemptStart, StepID: s.ID, Tool: s.Tool, Attempt: attempt})
		},
		AttemptEnd: func(attempt int, cat failure.Category, err error, took time.Duration) {
			r.opts.Metrics.attempt(s.Tool, cat, took)
			ev := Event{Type: EventStepAttemptEnd, StepID: s.ID, Tool: s.Tool, Attempt: attempt, Outcome: OutcomeSuccess, Duration: took}
			if err != nil {
				ev.Outcome = OutcomeFailure
				ev.Category = cat
				ev.Message = firstLine(err.Error())
			}
			r.progress.emit(ev)
		},
		BeforeRetry: func(attempt int, cat failure.Category, err error) {
			msg := fmt.Sprintf("attempt %d failed (%s): %s; %s. Retrying.", attempt, cat, firstLine(err.Error()), cat.Remediation())
			r.progress.emit(Event{Type: EventStepRetryNotice, StepID: s.ID, Tool: s.Tool, Attempt: attempt, Category: cat, Message: msg})
			r.opts.Gate.Inform(r.id, s, msg)
		},
	}
	res := r.opts.Policy.RunWithPolicy(ctx, r.id, s, r.inv, hooks)

	span.SetAttributes(attribute.Int("robotflow.attempts", res.Attempts))
	if !res.Succeeded() {
		span.SetAttributes(attribute.String("robotflow.failure_category", string(res.Category)))
		span.SetStatus(codes.Error, firstLine(res.Message))
	}
	return res
}

// record stores res once, journals it and reports newly blocked dependents.
func (r *Run) record(ctx context.Context, res StepResult, evType EventType) error {
	r.mu.Lock()
	if _, dup := r.results[res.StepID]; dup {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRecorded, res.StepID)
	}
	r.results[res.StepID] = res
	delete(r.inflight, res.StepID)
	r.mu.Unlock()

	if evType == EventStepFinished {
		r.opts.Metrics.result(res)
	}
	if r.opts.Journal != nil {
		if err := r.opts.Journal.Append(context.WithoutCancel(ctx), r.id, res); err != nil {
			r.progress.emit(Event{Type: EventJournalWriteError, StepID: res.StepID, Message: err.Error()})
		}
	}

	ev := Event{Type: evType, StepID: res.StepID, Tool: res.Tool, Attempt: res.Attempts, Outcome: res.Outcome, Category: res.Category}
	switch {
	case res.Skipped:
		ev.Message = "skipped at confirmation gate"
	case !res.Succeeded():
		ev.Message = firstLine(res.Message) + "; " + res.Remediation
	}
	r.progress.emit(ev)

	if !res.Succeeded() {
		for _, b := range r.graph.Blocked(r.Results()) {
			if r.reportedBlocked[b.ID] {
				continue
			}
			r.reportedBlocked[b.ID] = true
			r.progress.emit(Event{Type: EventStepBlocked, StepID: b.ID, Tool: b.Tool, Message: "upstream step " + res.StepID + " failed"})
		}
	}
	return nil
}

func (r *Run) finish(ctx context.Context, aborted bool) *Report {
	results := r.Results()
	status := RunCompleted
	switch {
	case aborted:
		status = RunAborted
	default:
		for _, s := range r.graph.steps {
			if res, ok := results[s.ID]; !ok || !res.Succeeded() {
				status = RunCompletedWithFailures
				break
			}
		}
	}
	finished := time.Now().UTC()

	r.mu.Lock()
	started := r.startedAt
	r.mu.Unlock()
	rep := buildReport(r.id, r.graph, status, results, started, finished)
	if r.opts.RunDir != "" {
		if err := rep.Save(filepath.Join(r.opts.RunDir, ReportFileName)); err != nil {
			r.logger.Warn().Err(err).Msg("save report")
		}
	}
	if rec, ok := r.opts.Journal.(RunRecorder); ok {
		if err := rec.FinishRun(context.WithoutCancel(ctx), r.id, status, finished); err != nil {
			r.logger.Warn().Err(err).Msg("record run finish")
		}
	}
	r.opts.Metrics.run(r.graph.Name(), status)

	r.mu.Lock()
	r.status = status
	r.finishedAt = finished
	r.report = rep
	r.mu.Unlock()
	r.progress.emit(Event{Type: EventRunFinished, Status: status})
	return rep
}
