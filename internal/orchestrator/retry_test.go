package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/robotflow/internal/failure"
)

func procErr() error { return &failure.Error{Category: failure.ProcessFailure, Message: "exit status 1", ExitCode: 1} }

func TestRunWithPolicy_SucceedsOnAttemptK(t *testing.T) {
	for k := 1; k <= 3; k++ {
		inv := newFakeInvoker()
		for i := 1; i < k; i++ {
			inv.fail("test.step", procErr())
		}
		res := DefaultRetryPolicy().RunWithPolicy(context.Background(), "run", Step{ID: "s", Tool: "test.step"}, inv, nil)
		assert.True(t, res.Succeeded(), "k=%d", k)
		assert.Equal(t, k, res.Attempts)
		assert.Equal(t, "ok test.step", res.Output)
		assert.Empty(t, res.Category)
	}
}

func TestRunWithPolicy_ExhaustsBudget(t *testing.T) {
	inv := newFakeInvoker().fail("test.step", procErr(), procErr(), procErr(), procErr())
	res := DefaultRetryPolicy().RunWithPolicy(context.Background(), "run", Step{ID: "s", Tool: "test.step", MaxAttempts: 2}, inv, nil)
	assert.False(t, res.Succeeded())
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, inv.callCount("test.step"))
	assert.Equal(t, failure.ProcessFailure, res.Category)
	assert.Equal(t, "output of test.step", res.Output)
	assert.NotEmpty(t, res.Remediation)
}

func TestRunWithPolicy_NonRetryableRunsOnce(t *testing.T) {
	for _, c := range []failure.Category{failure.DependencyConflict, failure.ValidationFailure, failure.TestFailure} {
		inv := newFakeInvoker().fail("test.step", &failure.Error{Category: c, Output: "details"})
		step := Step{ID: "s", Tool: "test.step", MaxAttempts: 5}
		res := DefaultRetryPolicy().RunWithPolicy(context.Background(), "run", step, inv, nil)
		assert.Equal(t, 1, res.Attempts, string(c))
		assert.Equal(t, 1, inv.callCount("test.step"), string(c))
		assert.Equal(t, c, res.Category)
		assert.Equal(t, "details", res.Output)
	}
}

func TestRunWithPolicy_UnboundedBootstrap(t *testing.T) {
	inv := newFakeInvoker().fail("action.bootstrap", procErr(), procErr())
	step := Step{ID: "bootstrap", Tool: "action.bootstrap"}
	res := DefaultRetryPolicy().RunWithPolicy(context.Background(), "run", step, inv, nil)
	assert.True(t, res.Succeeded())
	assert.Equal(t, 3, res.Attempts)
}

func TestRunWithPolicy_OperatorCapBoundsUnbounded(t *testing.T) {
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = procErr()
	}
	inv := newFakeInvoker().fail("test.step", errs...)
	p := DefaultRetryPolicy()
	p.OperatorCap = 4
	res := p.RunWithPolicy(context.Background(), "run", Step{ID: "s", Tool: "test.step", MaxAttempts: Unbounded}, inv, nil)
	assert.False(t, res.Succeeded())
	assert.Equal(t, 4, res.Attempts)
}

func TestRetryPolicy_Budget(t *testing.T) {
	p := DefaultRetryPolicy()
	p.OperatorCap = 7
	cases := []struct {
		name string
		step Step
		cat  failure.Category
		want int
	}{
		{"step wins", Step{Tool: "action.update_code", MaxAttempts: 5}, failure.ProcessFailure, 5},
		{"update override", Step{Tool: "action.update_code"}, failure.RemoteServiceFailure, 3},
		{"bootstrap unbounded", Step{Tool: "action.bootstrap"}, failure.ProcessFailure, 7},
		{"step unbounded", Step{Tool: "robot.run", MaxAttempts: Unbounded}, failure.ProcessFailure, 7},
		{"category default", Step{Tool: "robot.run"}, failure.ProcessFailure, 3},
		{"non-retryable default", Step{Tool: "robot.run"}, failure.TestFailure, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, p.Budget(tc.step, tc.cat))
		})
	}

	p.OperatorCap = 0
	assert.Equal(t, 0, p.Budget(Step{Tool: "action.bootstrap"}, failure.ProcessFailure))
}

func TestRetryPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultRetryPolicy().Validate())

	p := DefaultRetryPolicy()
	p.Overrides = append(p.Overrides, ToolOverride{Pattern: "robot.[", MaxAttempts: 2})
	assert.Error(t, p.Validate())

	p = DefaultRetryPolicy()
	p.Overrides = []ToolOverride{{Pattern: "robot.*", MaxAttempts: 0}}
	assert.Error(t, p.Validate())

	p = DefaultRetryPolicy()
	p.Categories[failure.TestFailure] = CategoryPolicy{MaxAttempts: 0}
	assert.Error(t, p.Validate())
}

func TestRunWithPolicy_NotifiesBeforeRemoteRetry(t *testing.T) {
	remote := &failure.Error{Category: failure.RemoteServiceFailure, Message: "dial tcp: connection refused"}
	inv := newFakeInvoker().fail("robot.push", remote)

	var notified []int
	var ends []failure.Category
	hooks := &RetryHooks{
		BeforeRetry: func(attempt int, c failure.Category, err error) {
			notified = append(notified, attempt)
			assert.Equal(t, failure.RemoteServiceFailure, c)
		},
		AttemptEnd: func(attempt int, c failure.Category, err error, took time.Duration) {
			ends = append(ends, c)
		},
	}
	res := DefaultRetryPolicy().RunWithPolicy(context.Background(), "run", Step{ID: "push", Tool: "robot.push"}, inv, hooks)
	assert.True(t, res.Succeeded())
	assert.Equal(t, []int{1}, notified)
	assert.Equal(t, []failure.Category{failure.RemoteServiceFailure, ""}, ends)

	// Process failures retry silently.
	notified = nil
	inv = newFakeInvoker().fail("robot.run", procErr())
	DefaultRetryPolicy().RunWithPolicy(context.Background(), "run", Step{ID: "run", Tool: "robot.run"}, inv, hooks)
	assert.Empty(t, notified)
}

func TestRunWithPolicy_CancelStopsFurtherAttempts(t *testing.T) {
	inv := newFakeInvoker().fail("test.step", procErr(), procErr(), procErr())
	ctx, cancel := context.WithCancel(context.Background())
	hooks := &RetryHooks{AttemptEnd: func(int, failure.Category, error, time.Duration) { cancel() }}

	p := DefaultRetryPolicy()
	p.Backoff = Backoff{InitialDelay: time.Hour}
	res := p.RunWithPolicy(ctx, "run", Step{ID: "s", Tool: "test.step"}, inv, hooks)
	assert.False(t, res.Succeeded())
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.Message, "retries stopped")
}

func TestDelayForAttempt(t *testing.T) {
	b := Backoff{InitialDelay: 100 * time.Millisecond, Factor: 2, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, DelayForAttempt(1, b, ""))
	assert.Equal(t, 400*time.Millisecond, DelayForAttempt(3, b, ""))
	assert.Equal(t, time.Second, DelayForAttempt(10, b, ""))
	assert.Equal(t, time.Duration(0), DelayForAttempt(3, Backoff{}, ""))

	b.Jitter = true
	d1 := DelayForAttempt(2, b, jitterSeed("run", "s", 2))
	d2 := DelayForAttempt(2, b, jitterSeed("run", "s", 2))
	assert.Equal(t, d1, d2)
	assert.GreaterOrEqual(t, d1, 100*time.Millisecond)
	assert.LessOrEqual(t, d1, 300*time.Millisecond)
}
