package orchestrator

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is the on-disk form of a workflow.
//
//	name: action-package
//	vars:
//	  package: ""
//	steps:
//	  - id: bootstrap
//	    tool: action.bootstrap
//	    args: {action_package_name: "${package}"}
//	    max_attempts: -1
type Definition struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Vars        map[string]string `yaml:"vars,omitempty" json:"vars,omitempty"`
	Steps       []Step            `yaml:"steps" json:"steps"`
}

func LoadDefinitionFile(path string) (Definition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, err
	}
	def, err := ParseDefinition(b)
	if err != nil {
		return Definition{}, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// ParseDefinition decodes exactly one YAML document, rejecting unknown fields.
func ParseDefinition(b []byte) (Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return Definition{}, err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return Definition{}, fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return Definition{}, err
	}
	if strings.TrimSpace(def.Name) == "" {
		return Definition{}, fmt.Errorf("workflow definition has no name")
	}
	return def, nil
}

var varRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Build expands ${var} references in string arguments (overrides win over the
// definition's defaults) and validates the resulting graph. A variable that
// resolves to nothing is an error.
func (d Definition) Build(overrides map[string]string) (*Graph, error) {
	vars := map[string]string{}
	for k, v := range d.Vars {
		vars[k] = v
	}
	for k, v := range overrides {
		vars[k] = v
	}

	missing := map[string]bool{}
	expand := func(s string) string {
		return varRef.ReplaceAllStringFunc(s, func(m string) string {
			name := varRef.FindStringSubmatch(m)[1]
			v, ok := vars[name]
			if !ok || v == "" {
				missing[name] = true
				return m
			}
			return v
		})
	}

	steps := make([]Step, len(d.Steps))
	for i, s := range d.Steps {
		s.Args = expandValue(s.Args, expand).(map[string]any)
		steps[i] = s
	}
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("workflow %s: unset variable(s): %s", d.Name, strings.Join(names, ", "))
	}
	return NewGraph(d.Name, steps)
}

// VarNames lists every variable referenced by the definition's arguments.
func (d Definition) VarNames() []string {
	seen := map[string]bool{}
	for _, s := range d.Steps {
		expandValue(s.Args, func(str string) string {
			for _, m := range varRef.FindAllStringSubmatch(str, -1) {
				seen[m[1]] = true
			}
			return str
		})
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func expandValue(v any, expand func(string) string) any {
	switch t := v.(type) {
	case string:
		return expand(t)
	case map[string]any:
		if t == nil {
			return map[string]any(nil)
		}
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = expandValue(vv, expand)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = expandValue(vv, expand)
		}
		return out
	default:
		return v
	}
}
