package runbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/danshapiro/robotflow/internal/failure"
	"github.com/danshapiro/robotflow/internal/tool"
)

const (
	packageYAML  = "package.yaml"
	actionsPy    = "actions.py"
	devDataDir   = "devdata"
	serverLog    = "action_server.log"
	serverPIDLog = "action_server.pid"
)

var (
	packageNameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
	actionNameRE  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

var packageNameParam = required("action_package_name", "Name of the action package under the bootstrap root")

func (rb *Runbook) actionTools() []tool.Tool {
	return []tool.Tool{
		{
			Definition: tool.Definition{
				Name:        "action.bootstrap",
				Description: "Create an action package from the minimal template and seed its files",
				Params:      []tool.Param{packageNameParam},
			},
			Exec: rb.bootstrap,
		},
		{
			Definition: tool.Definition{
				Name:        "action.update_dependencies",
				Description: "Replace the action package's package.yaml",
				Params:      []tool.Param{packageNameParam, required("action_package_dependencies_code", "YAML content for package.yaml")},
			},
			Exec: rb.updateDependencies,
		},
		{
			Definition: tool.Definition{
				Name:        "action.update_code",
				Description: "Replace the action package's actions.py",
				Params:      []tool.Param{packageNameParam, required("action_code", "Python source for actions.py")},
			},
			Exec: rb.updateCode,
		},
		{
			Definition: tool.Definition{
				Name:        "action.update_dev_data",
				Description: "Write devdata/input_<action>.json for one action",
				Params: []tool.Param{
					packageNameParam,
					required("action_package_action_name", "Action the dev data is for"),
					required("action_package_dev_data", "JSON object keyed by the action's parameter names"),
				},
			},
			Exec: rb.updateDevData,
		},
		{
			Definition: tool.Definition{
				Name:        "action.open_in_editor",
				Description: "Open the action package in the editor",
				Params:      []tool.Param{packageNameParam},
			},
			Exec: rb.openInEditor,
		},
		{
			Definition: tool.Definition{
				Name:        "action.file_contents",
				Description: "Return a file from the action package (default actions.py)",
				Params:      []tool.Param{packageNameParam, optional("file_name", "File inside the package; defaults to actions.py")},
			},
			Exec: rb.fileContents,
		},
	}
}

// PackageDir returns the directory for an action package.
func (rb *Runbook) PackageDir(name string) string {
	return filepath.Join(rb.cfg.BootstrapRoot, name)
}

func validPackageName(name string) error {
	if !packageNameRE.MatchString(name) || strings.Contains(name, "..") {
		return failure.Newf(failure.ValidationFailure, "invalid argument action_package_name %q: use letters, digits, '.', '_' or '-'", name)
	}
	return nil
}

// existingPackage returns the package directory, failing when it has not been
// bootstrapped.
func (rb *Runbook) existingPackage(args map[string]any) (string, error) {
	name := tool.StringArg(args, "action_package_name", "")
	if err := validPackageName(name); err != nil {
		return "", err
	}
	dir := rb.PackageDir(name)
	st, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !st.IsDir()) {
		return "", failure.Newf(failure.ValidationFailure, "invalid argument: action package %q does not exist at %s; run action.bootstrap first", name, dir)
	}
	if err != nil {
		return "", err
	}
	return dir, nil
}

func (rb *Runbook) bootstrap(ctx context.Context, args map[string]any) (tool.Payload, error) {
	name := tool.StringArg(args, "action_package_name", "")
	if err := validPackageName(name); err != nil {
		return tool.Payload{}, err
	}
	if err := os.MkdirAll(rb.cfg.BootstrapRoot, 0o755); err != nil {
		return tool.Payload{}, err
	}
	dir := rb.PackageDir(name)

	var out string
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		p, err := tool.RunCommand(ctx, tool.Command{
			Argv:    []string{rb.cfg.ActionServerPath, "new", "--name", name, "--template", "minimal"},
			Dir:     rb.cfg.BootstrapRoot,
			Timeout: rb.cfg.CommandTimeout,
		})
		if err != nil {
			return p, err
		}
		out = p.Output
		if _, err := os.Stat(dir); err != nil {
			return p, failure.Newf(failure.ProcessFailure, "%s new did not create %s", rb.cfg.ActionServerPath, dir)
		}
	} else {
		rb.logger.Info().Str("package", name).Msg("action package directory exists; reseeding")
	}

	// The update steps fill these in.
	for _, f := range []string{packageYAML, actionsPy} {
		if err := os.WriteFile(filepath.Join(dir, f), nil, 0o644); err != nil {
			return tool.Payload{Output: out}, err
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, devDataDir), 0o755); err != nil {
		return tool.Payload{Output: out}, err
	}
	return tool.Payload{
		Output: strings.TrimSpace(out + "\nAction successfully bootstrapped! Code available at " + dir),
		Data:   map[string]any{"path": dir},
	}, nil
}

func (rb *Runbook) updateDependencies(ctx context.Context, args map[string]any) (tool.Payload, error) {
	dir, err := rb.existingPackage(args)
	if err != nil {
		return tool.Payload{}, err
	}
	code := tool.StringArg(args, "action_package_dependencies_code", "")
	var doc any
	if err := yaml.Unmarshal([]byte(code), &doc); err != nil {
		return tool.Payload{}, failure.Newf(failure.ValidationFailure, "invalid argument action_package_dependencies_code: not valid YAML: %v", err)
	}
	if doc != nil {
		if _, ok := doc.(map[string]any); !ok {
			return tool.Payload{}, failure.Newf(failure.ValidationFailure, "invalid argument action_package_dependencies_code: package.yaml must be a mapping")
		}
	}
	path := filepath.Join(dir, packageYAML)
	if err := writeFileAtomic(path, []byte(code)); err != nil {
		return tool.Payload{}, err
	}
	return tool.Payload{
		Output: "Successfully updated the package dependencies at: " + path,
		Data:   map[string]any{"path": path},
	}, nil
}

func (rb *Runbook) updateCode(ctx context.Context, args map[string]any) (tool.Payload, error) {
	dir, err := rb.existingPackage(args)
	if err != nil {
		return tool.Payload{}, err
	}
	code := tool.StringArg(args, "action_code", "")
	if code != "" && !strings.HasSuffix(code, "\n") {
		code += "\n"
	}
	path := filepath.Join(dir, actionsPy)
	if err := writeFileAtomic(path, []byte(code)); err != nil {
		return tool.Payload{}, err
	}
	return tool.Payload{
		Output: "Successfully updated the actions at " + path,
		Data:   map[string]any{"path": path},
	}, nil
}

func (rb *Runbook) updateDevData(ctx context.Context, args map[string]any) (tool.Payload, error) {
	dir, err := rb.existingPackage(args)
	if err != nil {
		return tool.Payload{}, err
	}
	action := tool.StringArg(args, "action_package_action_name", "")
	if !actionNameRE.MatchString(action) {
		return tool.Payload{}, failure.Newf(failure.ValidationFailure, "invalid argument action_package_action_name %q: want a Python identifier", action)
	}
	raw := tool.StringArg(args, "action_package_dev_data", "")
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil || data == nil {
		return tool.Payload{}, failure.Newf(failure.ValidationFailure, "invalid argument action_package_dev_data: want a JSON object")
	}

	src, err := os.ReadFile(filepath.Join(dir, actionsPy))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return tool.Payload{}, err
	}
	if sig, ok := findSignature(string(src), action); ok {
		if err := sig.check(data); err != nil {
			return tool.Payload{}, failure.Newf(failure.ValidationFailure, "invalid argument action_package_dev_data for %s: %v", action, err)
		}
	} else {
		rb.logger.Debug().Str("action", action).Msg("action not found in actions.py; dev data keys not checked")
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return tool.Payload{}, err
	}
	if err := os.MkdirAll(filepath.Join(dir, devDataDir), 0o755); err != nil {
		return tool.Payload{}, err
	}
	path := filepath.Join(dir, devDataDir, "input_"+action+".json")
	if err := writeFileAtomic(path, append(b, '\n')); err != nil {
		return tool.Payload{}, err
	}
	return tool.Payload{
		Output: fmt.Sprintf("dev data for %s in the action package %s successfully created!", action, filepath.Base(dir)),
		Data:   map[string]any{"path": path},
	}, nil
}

func (rb *Runbook) openInEditor(ctx context.Context, args map[string]any) (tool.Payload, error) {
	dir, err := rb.existingPackage(args)
	if err != nil {
		return tool.Payload{}, err
	}
	p, err := tool.RunCommand(ctx, tool.Command{
		Argv:    []string{rb.cfg.EditorPath, dir},
		Timeout: rb.cfg.CommandTimeout,
	})
	if err != nil {
		return p, err
	}
	p.Output = strings.TrimSpace(p.Output + "\n" + filepath.Base(dir) + " opened with " + rb.cfg.EditorPath + ".")
	return p, nil
}

func (rb *Runbook) fileContents(ctx context.Context, args map[string]any) (tool.Payload, error) {
	dir, err := rb.existingPackage(args)
	if err != nil {
		return tool.Payload{}, err
	}
	name := tool.StringArg(args, "file_name", actionsPy)
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return tool.Payload{}, failure.Newf(failure.ValidationFailure, "invalid argument file_name %q: must stay inside the action package", name)
	}
	path := filepath.Join(dir, clean)
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return tool.Payload{}, failure.Newf(failure.ValidationFailure, "invalid argument: file not found: %s", path)
	}
	if err != nil {
		return tool.Payload{}, err
	}
	return tool.Payload{Output: string(b), Data: map[string]any{"path": path}}, nil
}

// writeFileAtomic replaces path so that concurrent readers in the same
// update group see either the old or the new content.
func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// signature is the parameter list of a Python function.
type signature struct {
	params      []string
	hasDefault  map[string]bool
	acceptsRest bool
}

// check verifies that data supplies every parameter without a default and
// nothing else.
func (s signature) check(data map[string]any) error {
	known := map[string]bool{}
	for _, p := range s.params {
		known[p] = true
	}
	var unknown, missing []string
	if !s.acceptsRest {
		for k := range data {
			if !known[k] {
				unknown = append(unknown, k)
			}
		}
	}
	for _, p := range s.params {
		if _, ok := data[p]; !ok && !s.hasDefault[p] {
			missing = append(missing, p)
		}
	}
	sort.Strings(unknown)
	var msgs []string
	if len(unknown) > 0 {
		msgs = append(msgs, "unknown key(s) "+strings.Join(unknown, ", "))
	}
	if len(missing) > 0 {
		msgs = append(msgs, "missing key(s) "+strings.Join(missing, ", "))
	}
	if len(msgs) > 0 {
		return fmt.Errorf("%s (parameters: %s)", strings.Join(msgs, "; "), strings.Join(s.params, ", "))
	}
	return nil
}

// findSignature locates "def name(...)" in Python source and splits its
// parameters. Annotations and defaults may contain brackets and commas.
func findSignature(src, name string) (signature, bool) {
	re := regexp.MustCompile(`(?m)^[ \t]*(?:async[ \t]+)?def[ \t]+` + regexp.QuoteMeta(name) + `[ \t]*\(`)
	loc := re.FindStringIndex(src)
	if loc == nil {
		return signature{}, false
	}
	body, ok := balancedParens(src[loc[1]:])
	if !ok {
		return signature{}, false
	}
	sig := signature{hasDefault: map[string]bool{}}
	for _, part := range splitTopLevel(body) {
		part = strings.TrimSpace(part)
		switch {
		case part == "", part == "*", part == "/", part == "self":
			continue
		case strings.HasPrefix(part, "**"):
			sig.acceptsRest = true
			continue
		case strings.HasPrefix(part, "*"):
			continue
		}
		pname := part
		if i := strings.IndexAny(pname, ":="); i >= 0 {
			pname = pname[:i]
		}
		pname = strings.TrimSpace(pname)
		sig.params = append(sig.params, pname)
		if strings.Contains(part, "=") {
			sig.hasDefault[pname] = true
		}
	}
	return sig, true
}

// balancedParens returns the text up to the parenthesis closing an already
// opened one.
func balancedParens(s string) (string, bool) {
	depth := 1
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 {
				return s[:i], true
			}
		}
	}
	return "", false
}

func splitTopLevel(s string) []string {
	var (
		out   []string
		depth int
		start int
		quote byte
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}
