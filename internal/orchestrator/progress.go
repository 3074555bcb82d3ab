package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/danshapiro/robotflow/internal/failure"
)

const ProgressFileName = "progress.ndjson"

type EventType string

const (
	EventRunStarted        EventType = "run_started"
	EventRunFinished       EventType = "run_finished"
	EventStepSeeded        EventType = "step_seeded"
	EventGateWaiting       EventType = "gate_waiting"
	EventGateDecision      EventType = "gate_decision"
	EventStepAttemptStart  EventType = "step_attempt_start"
	EventStepAttemptEnd    EventType = "step_attempt_end"
	EventStepRetryNotice   EventType = "step_retry_notice"
	EventStepFinished      EventType = "step_finished"
	EventStepBlocked       EventType = "step_blocked"
	EventJournalWriteError EventType = "journal_write_error"
)

// Event is one line of progress.ndjson.
type Event struct {
	ID       string           `json:"event_id"`
	TS       time.Time        `json:"ts"`
	RunID    string           `json:"run_id"`
	Type     EventType        `json:"event"`
	StepID   string           `json:"step_id,omitempty"`
	Tool     string           `json:"tool,omitempty"`
	Attempt  int              `json:"attempt,omitempty"`
	Outcome  Outcome          `json:"outcome,omitempty"`
	Category failure.Category `json:"category,omitempty"`
	Decision Decision         `json:"decision,omitempty"`
	Status   RunStatus        `json:"status,omitempty"`
	Message  string           `json:"message,omitempty"`
	Duration time.Duration    `json:"duration_ns,omitempty"`
}

// progressLog fans events out to the NDJSON file, the logger and an optional
// observer. It never fails the run; write errors are logged.
type progressLog struct {
	mu      sync.Mutex
	runID   string
	path    string
	logger  zerolog.Logger
	observe func(Event)
}

func newProgressLog(runID, runDir string, logger zerolog.Logger, observe func(Event)) *progressLog {
	p := &progressLog{runID: runID, logger: logger, observe: observe}
	if runDir != "" {
		p.path = filepath.Join(runDir, ProgressFileName)
	}
	return p
}

func (p *progressLog) emit(ev Event) {
	ev.ID = ulid.Make().String()
	ev.TS = time.Now().UTC()
	ev.RunID = p.runID

	p.log(ev)

	// Observers see events in file order.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.path != "" {
		if err := appendNDJSON(p.path, ev); err != nil {
			p.logger.Warn().Err(err).Str("path", p.path).Msg("append progress event")
		}
	}
	if p.observe != nil {
		p.observe(ev)
	}
}

func (p *progressLog) log(ev Event) {
	var e *zerolog.Event
	switch {
	case ev.Type == EventJournalWriteError:
		e = p.logger.Error()
	case ev.Outcome == OutcomeFailure || ev.Type == EventStepBlocked || ev.Type == EventStepRetryNotice:
		e = p.logger.Warn()
	case ev.Type == EventStepAttemptStart || ev.Type == EventStepAttemptEnd:
		e = p.logger.Debug()
	default:
		e = p.logger.Info()
	}
	if ev.StepID != "" {
		e = e.Str("step", ev.StepID)
	}
	if ev.Tool != "" {
		e = e.Str("tool", ev.Tool)
	}
	if ev.Attempt > 0 {
		e = e.Int("attempt", ev.Attempt)
	}
	if ev.Outcome != "" {
		e = e.Str("outcome", string(ev.Outcome))
	}
	if ev.Category != "" {
		e = e.Str("category", string(ev.Category))
	}
	if ev.Decision != "" {
		e = e.Str("decision", string(ev.Decision))
	}
	if ev.Status != "" {
		e = e.Str("status", string(ev.Status))
	}
	if ev.Duration > 0 {
		e = e.Dur("took", ev.Duration)
	}
	if ev.Message != "" {
		e = e.Str("detail", ev.Message)
	}
	e.Msg(string(ev.Type))
}

func appendNDJSON(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
