package orchestrator

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/danshapiro/robotflow/internal/tool"
)

// Unbounded as Step.MaxAttempts retries until success, subject to the
// operator cap.
const Unbounded = -1

// Step is one unit of orchestrated work bound to exactly one tool invocation.
type Step struct {
	ID          string         `json:"id" yaml:"id"`
	Tool        string         `json:"tool" yaml:"tool"`
	Args        map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Group       string         `json:"group,omitempty" yaml:"group,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Confirm     bool           `json:"confirm,omitempty" yaml:"confirm,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
}

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	StepID   string   `json:"step_id,omitempty"`
}

// GraphError is returned when a graph fails construction-time validation.
type GraphError struct {
	Diagnostics []Diagnostic
}

func (e *GraphError) Error() string {
	var parts []string
	for _, d := range e.Diagnostics {
		if d.Severity == SeverityError {
			parts = append(parts, d.Rule+": "+d.Message)
		}
	}
	return "invalid step graph: " + strings.Join(parts, "; ")
}

// Graph is an immutable, validated DAG of steps.
type Graph struct {
	name       string
	steps      []Step
	index      map[string]int
	dependents map[string][]string
	topo       []string
}

// NewGraph validates steps and builds the graph. Warnings never fail
// construction; they are available from Lint.
func NewGraph(name string, steps []Step) (*Graph, error) {
	diags := lintSteps(steps)
	if hasErrors(diags) {
		return nil, &GraphError{Diagnostics: diags}
	}

	g := &Graph{
		name:       name,
		steps:      make([]Step, len(steps)),
		index:      make(map[string]int, len(steps)),
		dependents: map[string][]string{},
	}
	for i, s := range steps {
		s.Args = copyArgs(s.Args)
		s.DependsOn = append([]string(nil), s.DependsOn...)
		g.steps[i] = s
		g.index[s.ID] = i
		for _, p := range s.DependsOn {
			g.dependents[p] = append(g.dependents[p], s.ID)
		}
	}
	order, _ := topoSort(g.steps)
	g.topo = order
	return g, nil
}

// Lint returns every diagnostic for steps, including warnings.
func Lint(steps []Step) []Diagnostic {
	return lintSteps(steps)
}

func (g *Graph) Name() string { return g.name }

// Steps returns a copy of the steps in declaration order.
func (g *Graph) Steps() []Step {
	out := make([]Step, len(g.steps))
	copy(out, g.steps)
	return out
}

func (g *Graph) Len() int { return len(g.steps) }

func (g *Graph) Step(id string) (Step, bool) {
	i, ok := g.index[id]
	if !ok {
		return Step{}, false
	}
	return g.steps[i], true
}

// Dependents returns the direct dependents of id in declaration order.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// ReadyStepsAfter returns the steps without a result whose predecessors all
// have a success result, in declaration order.
func (g *Graph) ReadyStepsAfter(results map[string]StepResult) []Step {
	var ready []Step
	for _, s := range g.steps {
		if _, done := results[s.ID]; done {
			continue
		}
		ok := true
		for _, p := range s.DependsOn {
			r, has := results[p]
			if !has || !r.Succeeded() {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	return ready
}

// Blocked returns the steps without a result that can never become ready
// because some ancestor has a failure result, in declaration order.
func (g *Graph) Blocked(results map[string]StepResult) []Step {
	blocked := map[string]bool{}
	for _, id := range g.topo {
		if _, done := results[id]; done {
			continue
		}
		for _, p := range g.steps[g.index[id]].DependsOn {
			if r, ok := results[p]; ok && !r.Succeeded() {
				blocked[id] = true
				break
			}
			if blocked[p] {
				blocked[id] = true
				break
			}
		}
	}
	var out []Step
	for _, s := range g.steps {
		if blocked[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

// Fingerprint identifies the graph shape so a resumed run can detect that the
// workflow changed underneath it.
func (g *Graph) Fingerprint() string {
	b, _ := json.Marshal(struct {
		Name  string `json:"name"`
		Steps []Step `json:"steps"`
	}{g.name, g.steps})
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:16])
}

func lintSteps(steps []Step) []Diagnostic {
	var diags []Diagnostic
	if len(steps) == 0 {
		diags = append(diags, Diagnostic{Rule: "graph_empty", Severity: SeverityError, Message: "graph has no steps"})
		return diags
	}

	ids := map[string]bool{}
	for i, s := range steps {
		if strings.TrimSpace(s.ID) == "" {
			diags = append(diags, Diagnostic{Rule: "step_id_missing", Severity: SeverityError, Message: fmt.Sprintf("step %d has no id", i)})
			continue
		}
		if ids[s.ID] {
			diags = append(diags, Diagnostic{Rule: "step_id_duplicate", Severity: SeverityError, StepID: s.ID, Message: fmt.Sprintf("duplicate step id %q", s.ID)})
		}
		ids[s.ID] = true
		if strings.TrimSpace(s.Tool) == "" {
			diags = append(diags, Diagnostic{Rule: "step_tool_missing", Severity: SeverityError, StepID: s.ID, Message: "step has no tool"})
		} else if err := tool.ValidateName(s.Tool); err != nil {
			diags = append(diags, Diagnostic{Rule: "step_tool_name", Severity: SeverityError, StepID: s.ID, Message: err.Error()})
		}
		if s.MaxAttempts < Unbounded {
			diags = append(diags, Diagnostic{Rule: "step_max_attempts", Severity: SeverityError, StepID: s.ID, Message: fmt.Sprintf("max_attempts %d is invalid (use -1 for unbounded)", s.MaxAttempts)})
		}
	}

	for _, s := range steps {
		seen := map[string]bool{}
		for _, p := range s.DependsOn {
			switch {
			case p == s.ID:
				diags = append(diags, Diagnostic{Rule: "step_self_dependency", Severity: SeverityError, StepID: s.ID, Message: "step depends on itself"})
			case !ids[p]:
				diags = append(diags, Diagnostic{Rule: "step_dependency_undefined", Severity: SeverityError, StepID: s.ID, Message: fmt.Sprintf("depends on undefined step %q", p)})
			case seen[p]:
				diags = append(diags, Diagnostic{Rule: "step_dependency_duplicate", Severity: SeverityWarning, StepID: s.ID, Message: fmt.Sprintf("dependency %q listed twice", p)})
			}
			seen[p] = true
		}
	}

	diags = append(diags, lintGroups(steps)...)

	if !hasErrors(diags) {
		if _, cycle := topoSort(steps); len(cycle) > 0 {
			diags = append(diags, Diagnostic{
				Rule:     "graph_cycle",
				Severity: SeverityError,
				StepID:   cycle[0],
				Message:  fmt.Sprintf("dependency cycle among steps: %s", strings.Join(cycle, ", ")),
			})
		}
	}
	return diags
}

// lintGroups rejects a group that mixes gated and ungated members, and warns
// when members of one group do not share predecessors.
func lintGroups(steps []Step) []Diagnostic {
	type groupInfo struct {
		gated, ungated []string
		deps           map[string]string
	}
	groups := map[string]*groupInfo{}
	var order []string
	for _, s := range steps {
		if s.Group == "" {
			continue
		}
		gi := groups[s.Group]
		if gi == nil {
			gi = &groupInfo{deps: map[string]string{}}
			groups[s.Group] = gi
			order = append(order, s.Group)
		}
		if s.Confirm {
			gi.gated = append(gi.gated, s.ID)
		} else {
			gi.ungated = append(gi.ungated, s.ID)
		}
		deps := append([]string(nil), s.DependsOn...)
		sort.Strings(deps)
		gi.deps[s.ID] = strings.Join(deps, ",")
	}

	var diags []Diagnostic
	for _, name := range order {
		gi := groups[name]
		if len(gi.gated) > 0 && len(gi.ungated) > 0 {
			diags = append(diags, Diagnostic{
				Rule:     "group_mixed_confirmation",
				Severity: SeverityError,
				StepID:   gi.gated[0],
				Message:  fmt.Sprintf("parallel group %q mixes gated steps (%s) with ungated steps (%s)", name, strings.Join(gi.gated, ", "), strings.Join(gi.ungated, ", ")),
			})
		}
		distinct := map[string]bool{}
		for _, d := range gi.deps {
			distinct[d] = true
		}
		if len(distinct) > 1 {
			diags = append(diags, Diagnostic{
				Rule:     "group_uneven_dependencies",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("members of parallel group %q have different predecessors and may become ready at different times", name),
			})
		}
	}
	return diags
}

// topoSort returns ids in a dependency-respecting order (ties broken by
// declaration order) or the ids left on a cycle.
func topoSort(steps []Step) (order []string, cycle []string) {
	indeg := map[string]int{}
	deps := map[string][]string{}
	for _, s := range steps {
		indeg[s.ID] += 0
		for _, p := range s.DependsOn {
			indeg[s.ID]++
			deps[p] = append(deps[p], s.ID)
		}
	}
	done := map[string]bool{}
	for len(order) < len(steps) {
		progressed := false
		for _, s := range steps {
			if done[s.ID] || indeg[s.ID] > 0 {
				continue
			}
			done[s.ID] = true
			order = append(order, s.ID)
			for _, d := range deps[s.ID] {
				indeg[d]--
			}
			progressed = true
		}
		if !progressed {
			break
		}
	}
	if len(order) == len(steps) {
		return order, nil
	}
	for _, s := range steps {
		if !done[s.ID] {
			cycle = append(cycle, s.ID)
		}
	}
	return order, cycle
}

func hasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

func copyArgs(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
