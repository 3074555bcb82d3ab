package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

type Decision string

const (
	DecisionProceed Decision = "proceed"
	DecisionSkip    Decision = "skip"
	DecisionAbort   Decision = "abort"
)

func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "proceed", "p", "yes", "y":
		return DecisionProceed, nil
	case "skip", "s":
		return DecisionSkip, nil
	case "abort", "a", "no", "n":
		return DecisionAbort, nil
	default:
		return "", fmt.Errorf("invalid decision %q (want proceed, skip or abort)", s)
	}
}

// Gate suspends a gated step until an external decision arrives. Await
// blocks with no timeout of its own; callers bound it through ctx.
type Gate interface {
	Await(ctx context.Context, runID string, s Step) (Decision, error)
	// Inform passes a message to the operator without waiting for a reply.
	Inform(runID string, s Step, message string)
}

// AutoApproveGate proceeds at every gate.
type AutoApproveGate struct{}

func (AutoApproveGate) Await(ctx context.Context, runID string, s Step) (Decision, error) {
	return DecisionProceed, ctx.Err()
}

func (AutoApproveGate) Inform(runID string, s Step, message string) {}

// ScriptedGate answers from a fixed step-id -> decision table and records
// every message it is informed of.
type ScriptedGate struct {
	Decisions map[string]Decision
	// Default answers steps missing from Decisions. Empty means proceed.
	Default Decision

	mu       sync.Mutex
	asked    []string
	messages []string
}

func (g *ScriptedGate) Await(ctx context.Context, runID string, s Step) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.asked = append(g.asked, s.ID)
	if d, ok := g.Decisions[s.ID]; ok {
		return d, nil
	}
	if g.Default != "" {
		return g.Default, nil
	}
	return DecisionProceed, nil
}

func (g *ScriptedGate) Inform(runID string, s Step, message string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages = append(g.messages, s.ID+": "+message)
}

// Asked returns the step ids the gate was consulted for, in order.
func (g *ScriptedGate) Asked() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.asked...)
}

func (g *ScriptedGate) Messages() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.messages...)
}

// PromptGate asks on a terminal. Concurrent gates are serialised so prompts
// never interleave.
type PromptGate struct {
	In  io.Reader
	Out io.Writer

	mu     sync.Mutex // one prompt at a time
	outMu  sync.Mutex
	reader *bufio.Reader
	// pending is the read still outstanding from an Await whose context
	// ended; the next Await takes its line instead of reading again.
	pending chan promptLine
}

type promptLine struct {
	text string
	err  error
}

func NewPromptGate(in io.Reader, out io.Writer) *PromptGate {
	return &PromptGate{In: in, Out: out}
}

func (g *PromptGate) Await(ctx context.Context, runID string, s Step) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if g.reader == nil {
		g.reader = bufio.NewReader(g.In)
	}

	for {
		prompt := fmt.Sprintf("[%s] step %q (%s) requires confirmation. proceed/skip/abort? ", runID, s.ID, s.Tool)
		if s.Description != "" {
			prompt = fmt.Sprintf("[%s] %s\nstep %q (%s): proceed/skip/abort? ", runID, s.Description, s.ID, s.Tool)
		}
		g.write(prompt)

		if g.pending == nil {
			ch := make(chan promptLine, 1)
			go func() {
				t, err := g.reader.ReadString('\n')
				ch <- promptLine{t, err}
			}()
			g.pending = ch
		}
		var l promptLine
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case l = <-g.pending:
			g.pending = nil
		}
		if strings.TrimSpace(l.text) == "" && l.err != nil {
			return "", fmt.Errorf("read decision for %s: %w", s.ID, l.err)
		}
		d, err := ParseDecision(l.text)
		if err == nil {
			return d, nil
		}
		g.write(err.Error() + "\n")
	}
}

func (g *PromptGate) Inform(runID string, s Step, message string) {
	g.write(fmt.Sprintf("[%s] %s: %s\n", runID, s.ID, message))
}

func (g *PromptGate) write(s string) {
	g.outMu.Lock()
	defer g.outMu.Unlock()
	_, _ = io.WriteString(g.Out, s)
}
