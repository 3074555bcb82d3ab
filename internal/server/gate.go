package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danshapiro/robotflow/internal/orchestrator"
)

var ErrGateCanceled = errors.New("gate canceled")

// WebGate satisfies orchestrator.Gate by parking gated steps until an HTTP
// client posts a decision. Await blocks until Decide is called for its gate id,
// the context ends, or Cancel is called.
//
// Several gates can be pending at once when the members of a group reach
// their confirmation together.
type WebGate struct {
	mu       sync.Mutex
	pending  map[string]*pendingGate
	notices  []Notice
	seq      uint64
	cancelCh chan struct{}
}

type pendingGate struct {
	id         string
	runID      string
	step       orchestrator.Step
	askedAt    time.Time
	decisionCh chan orchestrator.Decision
}

func NewWebGate() *WebGate {
	return &WebGate{
		pending:  make(map[string]*pendingGate),
		cancelCh: make(chan struct{}),
	}
}

func (g *WebGate) Await(ctx context.Context, runID string, s orchestrator.Step) (orchestrator.Decision, error) {
	g.mu.Lock()
	select {
	case <-g.cancelCh:
		g.mu.Unlock()
		return "", ErrGateCanceled
	default:
	}
	g.seq++
	gid := fmt.Sprintf("g-%d", g.seq)
	pg := &pendingGate{
		id:         gid,
		runID:      runID,
		step:       s,
		askedAt:    time.Now().UTC(),
		decisionCh: make(chan orchestrator.Decision, 1),
	}
	g.pending[gid] = pg
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, gid)
		g.mu.Unlock()
	}()

	select {
	case d := <-pg.decisionCh:
		return d, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-g.cancelCh:
		return "", ErrGateCanceled
	}
}

func (g *WebGate) Inform(runID string, s orchestrator.Step, message string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notices = append(g.notices, Notice{RunID: runID, StepID: s.ID, Message: message, At: time.Now().UTC()})
}

// Pending returns the gates currently waiting, oldest first.
func (g *WebGate) Pending() []PendingGate {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PendingGate, 0, len(g.pending))
	for _, pg := range g.pending {
		out = append(out, PendingGate{
			GateID:      pg.id,
			RunID:       pg.runID,
			StepID:      pg.step.ID,
			Tool:        pg.step.Tool,
			Description: pg.step.Description,
			AskedAt:     pg.askedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AskedAt.Equal(out[j].AskedAt) {
			return out[i].AskedAt.Before(out[j].AskedAt)
		}
		return out[i].GateID < out[j].GateID
	})
	return out
}

// Notices returns the messages passed to Inform, in arrival order.
func (g *WebGate) Notices() []Notice {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Notice, len(g.notices))
	copy(out, g.notices)
	return out
}

// Decide delivers a decision to a pending gate. It returns false if gid is not
// pending or was already decided.
func (g *WebGate) Decide(gid string, d orchestrator.Decision) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	pg, ok := g.pending[gid]
	if !ok {
		return false
	}
	select {
	case pg.decisionCh <- d:
		delete(g.pending, gid)
		return true
	default:
		return false
	}
}

// Cancel releases every waiting Await with ErrGateCanceled, and makes later
// calls fail the same way. Safe to call more than once.
func (g *WebGate) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.cancelCh:
	default:
		close(g.cancelCh)
	}
}
