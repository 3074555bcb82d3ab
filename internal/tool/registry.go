package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danshapiro/robotflow/internal/failure"
)

// ErrUnknownTool is wrapped by the failure returned for unregistered names.
var ErrUnknownTool = errors.New("unknown tool")

var toolNameRE = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // JSON schema type; defaults to "string"
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

type Definition struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Params      []Param `json:"params,omitempty"`
}

// ParamNames returns the declared parameter names in declaration order.
func (d Definition) ParamNames() []string {
	out := make([]string, 0, len(d.Params))
	for _, p := range d.Params {
		out = append(out, p.Name)
	}
	return out
}

// Payload is the raw result of one invocation.
type Payload struct {
	CallID   string         `json:"call_id,omitempty"`
	Output   string         `json:"output"`
	Data     map[string]any `json:"data,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
}

// ExecFunc performs exactly one external call. Returned errors that are not a
// *failure.Error are wrapped without a category and classified later.
type ExecFunc func(ctx context.Context, args map[string]any) (Payload, error)

type Tool struct {
	Definition Definition
	Exec       ExecFunc
}

type registeredTool struct {
	def    Definition
	exec   ExecFunc
	schema *jsonschema.Schema
	known  map[string]bool
}

// Registry maps tool names to executors. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]*registeredTool{}}
}

func ValidateName(name string) error {
	if !toolNameRE.MatchString(name) {
		return fmt.Errorf("invalid tool name %q (want dotted lower_snake segments)", name)
	}
	return nil
}

func (r *Registry) Register(t Tool) error {
	if err := ValidateName(t.Definition.Name); err != nil {
		return err
	}
	if t.Exec == nil {
		return fmt.Errorf("tool %s missing executor", t.Definition.Name)
	}
	known := map[string]bool{}
	for i, p := range t.Definition.Params {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("tool %s: param %d has no name", t.Definition.Name, i)
		}
		if known[p.Name] {
			return fmt.Errorf("tool %s: duplicate param %q", t.Definition.Name, p.Name)
		}
		known[p.Name] = true
		if p.Type == "" {
			t.Definition.Params[i].Type = "string"
		}
	}
	schema, err := compileSchema(t.Definition)
	if err != nil {
		return fmt.Errorf("tool %s schema: %w", t.Definition.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tools == nil {
		r.tools = map[string]*registeredTool{}
	}
	if _, dup := r.tools[t.Definition.Name]; dup {
		return fmt.Errorf("tool %s already registered", t.Definition.Name)
	}
	r.tools[t.Definition.Name] = &registeredTool{def: t.Definition, exec: t.Exec, schema: schema, known: known}
	return nil
}

// Definitions returns every registered definition sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return Definition{}, false
	}
	return t.def, true
}

// Validate checks args against the tool's declared parameters without
// invoking it.
func (r *Registry) Validate(name string, args map[string]any) error {
	_, _, err := r.prepare(name, args)
	return err
}

// Invoke validates args and performs exactly one call. Every error it returns
// is a *failure.Error.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (Payload, error) {
	t, normalized, err := r.prepare(name, args)
	if err != nil {
		return Payload{}, err
	}

	callID := ulid.Make().String()
	start := time.Now()
	p, execErr := t.exec(ctx, normalized)
	p.CallID = callID
	p.Duration = time.Since(start)
	if execErr == nil {
		return p, nil
	}

	var fe *failure.Error
	if !errors.As(execErr, &fe) {
		fe = &failure.Error{Message: execErr.Error(), Err: execErr}
	}
	if fe.Output == "" {
		fe.Output = p.Output
	}
	return p, fe
}

func (r *Registry) prepare(name string, args map[string]any) (*registeredTool, map[string]any, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, &failure.Error{
			Category: failure.ValidationFailure,
			Message:  fmt.Sprintf("unknown tool: %s", name),
			Err:      ErrUnknownTool,
		}
	}

	unknown := make([]string, 0)
	for k := range args {
		if !t.known[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, nil, failure.Newf(failure.ValidationFailure,
			"unknown argument(s) %s for tool %s (declared: %s)",
			strings.Join(unknown, ", "), name, strings.Join(t.def.ParamNames(), ", "))
	}

	normalized, err := normalizeArgs(args)
	if err != nil {
		return nil, nil, failure.Newf(failure.ValidationFailure, "invalid tool arguments: %v", err)
	}
	if err := t.schema.Validate(normalized); err != nil {
		return nil, nil, failure.Newf(failure.ValidationFailure, "tool args schema validation failed: %v", err)
	}
	return t, normalized, nil
}

// normalizeArgs round-trips args through JSON so the schema validator sees
// plain JSON values (float64, []any, map[string]any).
func normalizeArgs(args map[string]any) (map[string]any, error) {
	if len(args) == 0 {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func compileSchema(def Definition) (*jsonschema.Schema, error) {
	props := map[string]any{}
	required := []string{}
	for _, p := range def.Params {
		prop := map[string]any{"type": p.Type}
		if p.Type == "array" {
			prop["items"] = map[string]any{"type": "string"}
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	url := "tool://" + def.Name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// StringArg returns a string argument or def when absent.
func StringArg(args map[string]any, key, def string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// StringsArg returns an array-of-strings argument.
func StringsArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		if ss, ok := args[key].([]string); ok {
			return append([]string{}, ss...)
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		out = append(out, fmt.Sprint(v))
	}
	return out
}
