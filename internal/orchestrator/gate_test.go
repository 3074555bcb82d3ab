package orchestrator

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecision(t *testing.T) {
	for in, want := range map[string]Decision{"proceed": DecisionProceed, " Y\n": DecisionProceed, "skip": DecisionSkip, "ABORT": DecisionAbort, "n": DecisionAbort} {
		got, err := ParseDecision(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDecision("maybe")
	assert.Error(t, err)
}

func TestScriptedGate(t *testing.T) {
	g := &ScriptedGate{Decisions: map[string]Decision{"push": DecisionSkip}, Default: DecisionAbort}
	d, err := g.Await(context.Background(), "r", Step{ID: "push"})
	require.NoError(t, err)
	assert.Equal(t, DecisionSkip, d)
	d, _ = g.Await(context.Background(), "r", Step{ID: "other"})
	assert.Equal(t, DecisionAbort, d)
	assert.Equal(t, []string{"push", "other"}, g.Asked())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Await(ctx, "r", Step{ID: "push"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPromptGate_RepromptsOnBadInput(t *testing.T) {
	var out bytes.Buffer
	g := NewPromptGate(strings.NewReader("what\nskip\n"), &out)
	d, err := g.Await(context.Background(), "r1", Step{ID: "push", Tool: "robot.push", Description: "Upload the robot"})
	require.NoError(t, err)
	assert.Equal(t, DecisionSkip, d)
	assert.Equal(t, 2, strings.Count(out.String(), "proceed/skip/abort?"))
	assert.Contains(t, out.String(), "Upload the robot")
	assert.Contains(t, out.String(), "invalid decision")

	g.Inform("r1", Step{ID: "push"}, "check credentials")
	assert.Contains(t, out.String(), "[r1] push: check credentials")
}

func TestPromptGate_EOFAndCancel(t *testing.T) {
	g := NewPromptGate(strings.NewReader(""), io.Discard)
	_, err := g.Await(context.Background(), "r", Step{ID: "x"})
	assert.Error(t, err)

	pr, pw := io.Pipe()
	defer pw.Close()
	g = NewPromptGate(pr, io.Discard)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Await(ctx, "r", Step{ID: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAutoApproveGate(t *testing.T) {
	d, err := AutoApproveGate{}.Await(context.Background(), "r", Step{ID: "x"})
	require.NoError(t, err)
	assert.Equal(t, DecisionProceed, d)
}

func TestPromptGate_LineAfterCancelAnswersNextPrompt(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	g := NewPromptGate(pr, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Await(ctx, "r", Step{ID: "first"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go func() { _, _ = io.WriteString(pw, "skip\n") }()
	got := make(chan Decision, 1)
	go func() {
		d, _ := g.Await(context.Background(), "r", Step{ID: "second"})
		got <- d
	}()
	select {
	case d := <-got:
		assert.Equal(t, DecisionSkip, d)
	case <-time.After(2 * time.Second):
		t.Fatal("typed line was lost to an abandoned read")
	}

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	_, err = g.Await(cancelled, "r", Step{ID: "third"})
	assert.ErrorIs(t, err, context.Canceled)
}
