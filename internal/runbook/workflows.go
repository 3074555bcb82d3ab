package runbook

import (
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/danshapiro/robotflow/internal/orchestrator"
)

//go:embed workflows/*.yaml
var workflowFS embed.FS

// Workflows returns the built-in workflow definitions sorted by name.
func Workflows() ([]orchestrator.Definition, error) {
	entries, err := workflowFS.ReadDir("workflows")
	if err != nil {
		return nil, err
	}
	out := make([]orchestrator.Definition, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		b, err := workflowFS.ReadFile(path.Join("workflows", e.Name()))
		if err != nil {
			return nil, err
		}
		def, err := orchestrator.ParseDefinition(b)
		if err != nil {
			return nil, fmt.Errorf("built-in workflow %s: %w", e.Name(), err)
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Workflow returns the built-in definition called name.
func Workflow(name string) (orchestrator.Definition, error) {
	defs, err := Workflows()
	if err != nil {
		return orchestrator.Definition{}, err
	}
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		if d.Name == name {
			return d, nil
		}
		names = append(names, d.Name)
	}
	return orchestrator.Definition{}, fmt.Errorf("unknown workflow %q (built-in: %s)", name, strings.Join(names, ", "))
}
