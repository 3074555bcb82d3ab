package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/robotflow/internal/failure"
	"github.com/danshapiro/robotflow/internal/orchestrator"
	"github.com/danshapiro/robotflow/internal/tool"
)

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func runInfo(id string, started time.Time) orchestrator.RunInfo {
	return orchestrator.RunInfo{
		RunID:       id,
		Workflow:    "action-package",
		Fingerprint: "abc",
		Steps: []orchestrator.Step{
			{ID: "bootstrap", Tool: "action.bootstrap", MaxAttempts: orchestrator.Unbounded, Args: map[string]any{"action_package_name": "demo", "port": 8080}},
			{ID: "code", Tool: "action.update_code", DependsOn: []string{"bootstrap"}, Group: "update"},
		},
		StartedAt: started,
		Status:    orchestrator.RunRunning,
	}
}

func TestFileStore_WriteOnce(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	require.NoError(t, s.BeginRun(ctx, runInfo("r1", time.Now().UTC())))

	res := orchestrator.StepResult{StepID: "bootstrap", Tool: "action.bootstrap", Outcome: orchestrator.OutcomeSuccess, Attempts: 3, Output: "created"}
	require.NoError(t, s.Append(ctx, "r1", res))
	err := s.Append(ctx, "r1", res)
	assert.ErrorIs(t, err, orchestrator.ErrAlreadyRecorded)

	failed := orchestrator.StepResult{StepID: "code/x", Tool: "action.update_code", Outcome: orchestrator.OutcomeFailure, Category: failure.ValidationFailure, Attempts: 1}
	require.NoError(t, s.Append(ctx, "r1", failed))

	got, err := s.Results(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 3, got["bootstrap"].Attempts)
	assert.Equal(t, "created", got["bootstrap"].Output)
	assert.Equal(t, failure.ValidationFailure, got["code/x"].Category)
}

func TestFileStore_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	t0 := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.BeginRun(ctx, runInfo("old", t0)))
	require.NoError(t, s.BeginRun(ctx, runInfo("new", t0.Add(time.Minute))))
	assert.Error(t, s.BeginRun(ctx, runInfo("old", t0)))

	require.NoError(t, s.FinishRun(ctx, "old", orchestrator.RunCompletedWithFailures, t0.Add(30*time.Second)))
	info, err := s.Run(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.RunCompletedWithFailures, info.Status)
	assert.True(t, info.StartedAt.Equal(t0))
	require.Len(t, info.Steps, 2)
	assert.Equal(t, orchestrator.Unbounded, info.Steps[0].MaxAttempts)
	assert.EqualValues(t, 8080, info.Steps[0].Args["port"])
	assert.Equal(t, []string{"bootstrap"}, info.Steps[1].DependsOn)

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].RunID)

	_, err = s.Run(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = s.Results(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, s.FinishRun(ctx, "missing", orchestrator.RunAborted, t0), ErrRunNotFound)
}

func TestFileStore_JournalsARealRunAndResumes(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	g, err := orchestrator.NewGraph("wf", []orchestrator.Step{
		{ID: "a", Tool: "test.a"},
		{ID: "b", Tool: "test.b", DependsOn: []string{"a"}},
	})
	require.NoError(t, err)

	inv := &flakyInvoker{failTool: "test.b"}
	rep, err := orchestrator.Execute(ctx, g, inv, orchestrator.RunOptions{RunID: "r1", RunDir: s.RunDir("r1"), Journal: s})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.RunCompletedWithFailures, rep.Status)

	info, seed, err := ResumeSeed(ctx, s, "r1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.RunCompletedWithFailures, info.Status)
	assert.Equal(t, g.Fingerprint(), info.Fingerprint)

	g2, err := orchestrator.NewGraph(info.Workflow, info.Steps)
	require.NoError(t, err)
	inv.failTool = ""
	rep, err = orchestrator.Execute(ctx, g2, inv, orchestrator.RunOptions{RunID: "r2", RunDir: s.RunDir("r2"), Journal: s, Seed: seed, ResumedFrom: "r1"})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.RunCompleted, rep.Status)
	assert.Equal(t, 1, inv.calls["test.a"])
	assert.Equal(t, 2, inv.calls["test.b"])

	results, err := s.Results(ctx, "r2")
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestPostgresConfigValidate(t *testing.T) {
	ok := PostgresConfig{URL: "postgres://x", PingTimeout: time.Second, MaxOpenConns: 4, MaxIdleConns: 2}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.URL = ""
	assert.Error(t, bad.Validate())
	bad = ok
	bad.MaxIdleConns = 5
	assert.Error(t, bad.Validate())
	bad = ok
	bad.PingTimeout = 0
	assert.Error(t, bad.Validate())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(nil))
}

type flakyInvoker struct {
	failTool string
	calls    map[string]int
}

func (f *flakyInvoker) Invoke(ctx context.Context, name string, args map[string]any) (tool.Payload, error) {
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[name]++
	if name == f.failTool {
		return tool.Payload{}, &failure.Error{Category: failure.TestFailure, Message: "1 failed"}
	}
	return tool.Payload{Output: "ok"}, nil
}
