package orchestrator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diamond() []Step {
	return []Step{
		{ID: "a", Tool: "test.a"},
		{ID: "b", Tool: "test.b", DependsOn: []string{"a"}, Group: "g"},
		{ID: "c", Tool: "test.c", DependsOn: []string{"a"}, Group: "g"},
		{ID: "d", Tool: "test.d", DependsOn: []string{"b", "c"}},
	}
}

func ids(steps []Step) []string {
	out := []string{}
	for _, s := range steps {
		out = append(out, s.ID)
	}
	return out
}

func rules(err error) []string {
	var ge *GraphError
	if !errors.As(err, &ge) {
		return nil
	}
	var out []string
	for _, d := range ge.Diagnostics {
		if d.Severity == SeverityError {
			out = append(out, d.Rule)
		}
	}
	return out
}

func TestNewGraph_RejectsConfigurationErrors(t *testing.T) {
	cases := []struct {
		name  string
		steps []Step
		rule  string
	}{
		{"empty", nil, "graph_empty"},
		{"missing id", []Step{{Tool: "test.a"}}, "step_id_missing"},
		{"missing tool", []Step{{ID: "a"}}, "step_tool_missing"},
		{"bad tool name", []Step{{ID: "a", Tool: "Test A"}}, "step_tool_name"},
		{"duplicate", []Step{{ID: "a", Tool: "test.a"}, {ID: "a", Tool: "test.b"}}, "step_id_duplicate"},
		{"undefined predecessor", []Step{{ID: "a", Tool: "test.a", DependsOn: []string{"zz"}}}, "step_dependency_undefined"},
		{"self dependency", []Step{{ID: "a", Tool: "test.a", DependsOn: []string{"a"}}}, "step_self_dependency"},
		{"cycle", []Step{
			{ID: "a", Tool: "test.a", DependsOn: []string{"c"}},
			{ID: "b", Tool: "test.b", DependsOn: []string{"a"}},
			{ID: "c", Tool: "test.c", DependsOn: []string{"b"}},
		}, "graph_cycle"},
		{"mixed gated group", []Step{
			{ID: "a", Tool: "test.a", Group: "g", Confirm: true},
			{ID: "b", Tool: "test.b", Group: "g"},
		}, "group_mixed_confirmation"},
		{"bad max attempts", []Step{{ID: "a", Tool: "test.a", MaxAttempts: -2}}, "step_max_attempts"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, err := NewGraph("bad", tc.steps)
			require.Error(t, err)
			assert.Nil(t, g)
			assert.Contains(t, rules(err), tc.rule)
			assert.Contains(t, err.Error(), tc.rule)
		})
	}
}

func TestNewGraph_WarningsDoNotFail(t *testing.T) {
	steps := []Step{
		{ID: "a", Tool: "test.a"},
		{ID: "b", Tool: "test.b", Group: "g"},
		{ID: "c", Tool: "test.c", Group: "g", DependsOn: []string{"a", "a"}},
	}
	_, err := NewGraph("warn", steps)
	require.NoError(t, err)

	var warned []string
	for _, d := range Lint(steps) {
		if d.Severity == SeverityWarning {
			warned = append(warned, d.Rule)
		}
	}
	assert.ElementsMatch(t, []string{"step_dependency_duplicate", "group_uneven_dependencies"}, warned)
}

func TestGraph_ReadyStepsAfter(t *testing.T) {
	g, err := NewGraph("diamond", diamond())
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, ids(g.ReadyStepsAfter(nil)))

	results := map[string]StepResult{"a": {StepID: "a", Outcome: OutcomeSuccess}}
	assert.Equal(t, []string{"b", "c"}, ids(g.ReadyStepsAfter(results)))

	results["b"] = StepResult{StepID: "b", Outcome: OutcomeSuccess}
	assert.Equal(t, []string{"c"}, ids(g.ReadyStepsAfter(results)))

	results["c"] = StepResult{StepID: "c", Outcome: OutcomeFailure}
	assert.Empty(t, g.ReadyStepsAfter(results))

	results["c"] = StepResult{StepID: "c", Outcome: OutcomeSuccess, Skipped: true}
	assert.Equal(t, []string{"d"}, ids(g.ReadyStepsAfter(results)))
}

func TestGraph_BlockedIsTransitive(t *testing.T) {
	steps := append(diamond(), Step{ID: "e", Tool: "test.e", DependsOn: []string{"d"}}, Step{ID: "f", Tool: "test.f", DependsOn: []string{"a"}})
	g, err := NewGraph("chain", steps)
	require.NoError(t, err)

	results := map[string]StepResult{
		"a": {StepID: "a", Outcome: OutcomeSuccess},
		"b": {StepID: "b", Outcome: OutcomeFailure},
	}
	assert.Equal(t, []string{"d", "e"}, ids(g.Blocked(results)))
	assert.Equal(t, []string{"c", "f"}, ids(g.ReadyStepsAfter(results)))
	assert.Equal(t, []string{"b", "c", "f"}, g.Dependents("a"))
}

func TestGraph_IsImmutable(t *testing.T) {
	steps := diamond()
	steps[0].Args = map[string]any{"k": "v"}
	g, err := NewGraph("diamond", steps)
	require.NoError(t, err)

	steps[0].Args["k"] = "changed"
	steps[1].DependsOn[0] = "zzz"
	a, _ := g.Step("a")
	assert.Equal(t, "v", a.Args["k"])
	b, _ := g.Step("b")
	assert.Equal(t, []string{"a"}, b.DependsOn)

	got := g.Steps()
	got[0].ID = "mutated"
	_, ok := g.Step("a")
	assert.True(t, ok)
}

func TestGraph_Fingerprint(t *testing.T) {
	g1, err := NewGraph("diamond", diamond())
	require.NoError(t, err)
	g2, err := NewGraph("diamond", diamond())
	require.NoError(t, err)
	assert.Equal(t, g1.Fingerprint(), g2.Fingerprint())
	assert.Len(t, g1.Fingerprint(), 32)

	changed := diamond()
	changed[3].MaxAttempts = 2
	g3, err := NewGraph("diamond", changed)
	require.NoError(t, err)
	assert.NotEqual(t, g1.Fingerprint(), g3.Fingerprint())
}
