package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/robotflow/internal/failure"
	"github.com/danshapiro/robotflow/internal/tool"
)

// Invoker performs exactly one tool call. *tool.Registry satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (tool.Payload, error)
}

type CategoryPolicy struct {
	Retryable         bool `json:"retryable"`
	MaxAttempts       int  `json:"max_attempts"`
	NotifyBeforeRetry bool `json:"notify_before_retry,omitempty"`
}

// ToolOverride sets the attempt budget for tools whose name matches Pattern
// (a doublestar glob such as "action.update_*"). MaxAttempts may be Unbounded.
type ToolOverride struct {
	Pattern     string `json:"pattern"`
	MaxAttempts int    `json:"max_attempts"`
}

type RetryPolicy struct {
	Categories map[failure.Category]CategoryPolicy `json:"categories"`
	Overrides  []ToolOverride                      `json:"overrides,omitempty"`
	// OperatorCap bounds Unbounded budgets. Zero leaves them uncapped.
	OperatorCap int     `json:"operator_cap,omitempty"`
	Backoff     Backoff `json:"backoff"`
}

const DefaultOperatorCap = 20

// DefaultRetryPolicy retries process and remote-service failures up to three
// attempts, never retries the rest, retries bootstrap-class tools until
// success and update-class tools up to three attempts.
func DefaultRetryPolicy() RetryPolicy {
	cats := map[failure.Category]CategoryPolicy{}
	for _, c := range failure.Categories() {
		p := CategoryPolicy{Retryable: c.DefaultRetryable(), MaxAttempts: 1}
		if p.Retryable {
			p.MaxAttempts = 3
		}
		if c == failure.RemoteServiceFailure {
			p.NotifyBeforeRetry = true
		}
		cats[c] = p
	}
	return RetryPolicy{
		Categories: cats,
		Overrides: []ToolOverride{
			{Pattern: "action.bootstrap", MaxAttempts: Unbounded},
			{Pattern: "action.update_*", MaxAttempts: 3},
		},
		OperatorCap: DefaultOperatorCap,
	}
}

func (p RetryPolicy) Validate() error {
	for _, o := range p.Overrides {
		if !doublestar.ValidatePattern(o.Pattern) {
			return fmt.Errorf("retry override: invalid tool pattern %q", o.Pattern)
		}
		if o.MaxAttempts == 0 || o.MaxAttempts < Unbounded {
			return fmt.Errorf("retry override %q: max_attempts must be >= 1 or -1", o.Pattern)
		}
	}
	for c, cp := range p.Categories {
		if !c.Valid() {
			return fmt.Errorf("retry policy: unknown category %q", c)
		}
		if cp.MaxAttempts < 1 {
			return fmt.Errorf("retry policy %s: max_attempts must be >= 1", c)
		}
	}
	if p.OperatorCap < 0 {
		return fmt.Errorf("retry policy: operator_cap must be >= 0")
	}
	return nil
}

func (p RetryPolicy) categoryPolicy(c failure.Category) CategoryPolicy {
	if cp, ok := p.Categories[c]; ok {
		return cp
	}
	return CategoryPolicy{Retryable: c.DefaultRetryable(), MaxAttempts: 1}
}

// Budget resolves the attempt budget for a step that failed with category c.
// It returns 0 for an uncapped unbounded budget.
func (p RetryPolicy) Budget(s Step, c failure.Category) int {
	max := s.MaxAttempts
	if max == 0 {
		for _, o := range p.Overrides {
			if ok, _ := doublestar.Match(o.Pattern, s.Tool); ok {
				max = o.MaxAttempts
				break
			}
		}
	}
	if max == 0 {
		max = p.categoryPolicy(c).MaxAttempts
	}
	if max == Unbounded {
		return p.OperatorCap
	}
	if max < 1 {
		max = 1
	}
	return max
}

// RetryHooks observe the retry loop. Any field may be nil.
type RetryHooks struct {
	AttemptStart func(attempt int)
	AttemptEnd   func(attempt int, category failure.Category, err error, took time.Duration)
	// BeforeRetry runs before a retry whose category asks for operator
	// notification.
	BeforeRetry func(attempt int, category failure.Category, err error)
}

// RunWithPolicy invokes step until it succeeds, its failure category is not
// retryable, or its budget is spent. ctx governs whether further attempts are
// started; each call itself runs to completion on a non-cancelled context.
func (p RetryPolicy) RunWithPolicy(ctx context.Context, runID string, s Step, inv Invoker, hooks *RetryHooks) StepResult {
	if hooks == nil {
		hooks = &RetryHooks{}
	}
	callCtx := context.WithoutCancel(ctx)
	res := StepResult{StepID: s.ID, Tool: s.Tool, StartedAt: time.Now().UTC()}

	for attempt := 1; ; attempt++ {
		if hooks.AttemptStart != nil {
			hooks.AttemptStart(attempt)
		}
		start := time.Now()
		payload, err := inv.Invoke(callCtx, s.Tool, s.Args)
		took := time.Since(start)
		res.Attempts = attempt
		res.CallID = payload.CallID

		if err == nil {
			if hooks.AttemptEnd != nil {
				hooks.AttemptEnd(attempt, "", nil, took)
			}
			res.Outcome = OutcomeSuccess
			res.Output = payload.Output
			res.Category, res.Message, res.Remediation = "", "", ""
			res.FinishedAt = time.Now().UTC()
			return res
		}

		cat := failure.Classify(err)
		if hooks.AttemptEnd != nil {
			hooks.AttemptEnd(attempt, cat, err, took)
		}
		res.Outcome = OutcomeFailure
		res.Category = cat
		res.Message = err.Error()
		res.Remediation = cat.Remediation()
		res.Output = payload.Output
		var fe *failure.Error
		if errors.As(err, &fe) && fe.Output != "" {
			res.Output = fe.Output
		}
		res.FinishedAt = time.Now().UTC()

		cp := p.categoryPolicy(cat)
		if !cp.Retryable {
			return res
		}
		if budget := p.Budget(s, cat); budget > 0 && attempt >= budget {
			return res
		}
		if cp.NotifyBeforeRetry && hooks.BeforeRetry != nil {
			hooks.BeforeRetry(attempt, cat, err)
		}
		if err := sleepWithContext(ctx, DelayForAttempt(attempt, p.Backoff, jitterSeed(runID, s.ID, attempt))); err != nil {
			res.Message = fmt.Sprintf("%s (retries stopped: %v)", res.Message, err)
			return res
		}
	}
}
