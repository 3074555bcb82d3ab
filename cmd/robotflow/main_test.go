package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/robotflow/internal/orchestrator"
)

// fakeRCC fails "task testrun" while $FAIL_FLAG exists and otherwise echoes
// its arguments followed by rcc's success marker.
const fakeRCC = `#!/bin/sh
if [ "$1" = "task" ] && [ -f "%s" ]; then
  echo "FAIL: Minimal task"
  exit 1
fi
echo "args=$*"
echo "OK."
`

type cli struct {
	t        *testing.T
	dir      string
	config   string
	failFlag string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	failFlag := filepath.Join(dir, "fail")
	rcc := filepath.Join(dir, "rcc")
	require.NoError(t, os.WriteFile(rcc, []byte(fmt.Sprintf(fakeRCC, failFlag)), 0o755))
	work := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(work, 0o755))

	cfg := filepath.Join(dir, "robotflow.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(fmt.Sprintf(`
data_dir: %s
log:
  level: error
runbook:
  rcc_path: %s
  work_dir: %s
  bootstrap_root: %s
  command_timeout: 10s
`, filepath.Join(dir, "runs"), rcc, work, filepath.Join(dir, "bootstrap"))), 0o644))
	return &cli{t: t, dir: dir, config: cfg, failFlag: failFlag}
}

func (c *cli) run(stdin string, args ...string) (int, string, string) {
	c.t.Helper()
	var out, errOut bytes.Buffer
	code := execute(context.Background(), append([]string{"--config", c.config}, args...), strings.NewReader(stdin), &out, &errOut)
	return code, out.String(), errOut.String()
}

func (c *cli) workflow(name, body string) string {
	c.t.Helper()
	p := filepath.Join(c.dir, name)
	require.NoError(c.t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

const docsWorkflow = `
name: docs
steps:
  - id: help
    tool: rcc.help
  - id: recipes
    tool: docs.recipes
    depends_on: [help]
  - id: changelog
    tool: docs.changelog
    depends_on: [help]
`

const testWorkflow = `
name: test-then-wrap
steps:
  - id: testrun
    tool: robot.testrun
  - id: wrap
    tool: robot.wrap
    depends_on: [testrun]
    confirm: true
    description: Wrap the robot
`

func TestExitCodeFor(t *testing.T) {
	assert.Equal(t, 0, exitCodeFor(orchestrator.RunCompleted))
	assert.Equal(t, 2, exitCodeFor(orchestrator.RunCompletedWithFailures))
	assert.Equal(t, 3, exitCodeFor(orchestrator.RunAborted))
	assert.Equal(t, 1, exitCodeFor(orchestrator.RunRunning))
}

func TestCLI_WorkflowsAndTools(t *testing.T) {
	c := newCLI(t)
	code, out, _ := c.run("", "workflows")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "action-package")
	assert.Contains(t, out, "robot-release")

	code, out, _ = c.run("", "tools", "list")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "robot.create")
	assert.Contains(t, out, "action.start_server")
	assert.Contains(t, out, "robot_path?")
}

func TestCLI_Validate(t *testing.T) {
	c := newCLI(t)
	code, out, errOut := c.run("", "validate", "robot-release", "--var", "directory=demo")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "ok: robot-release, 5 steps")

	cyclic := c.workflow("cyclic.yaml", `
name: cyclic
steps:
  - id: a
    tool: rcc.help
    depends_on: [b]
  - id: b
    tool: rcc.help
    depends_on: [a]
`)
	code, out, _ = c.run("", "validate", cyclic)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "graph_cycle")

	unknown := c.workflow("unknown.yaml", "name: u\nsteps:\n  - id: a\n    tool: robot.fly\n")
	code, _, errOut = c.run("", "validate", unknown)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "robot.fly")

	code, _, errOut = c.run("", "validate", "no-such-workflow")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown workflow")
}

func TestCLI_RunAndStatus(t *testing.T) {
	c := newCLI(t)
	wf := c.workflow("docs.yaml", docsWorkflow)
	code, out, errOut := c.run("", "run", wf, "--run-id", "docs-1")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "run docs-1 (docs): completed")

	code, out, _ = c.run("", "status", "docs-1")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "docs-1")
	assert.Contains(t, out, "completed")

	code, out, _ = c.run("", "status")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "docs-1")

	code, _, errOut = c.run("", "run", wf, "--run-id", "docs-1")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "already exists")

	code, _, _ = c.run("", "status", "ghost")
	assert.Equal(t, 1, code)
}

func TestCLI_FailedRunThenResume(t *testing.T) {
	c := newCLI(t)
	require.NoError(t, os.WriteFile(c.failFlag, nil, 0o644))
	wf := c.workflow("test.yaml", testWorkflow)

	code, out, _ := c.run("", "run", wf, "--run-id", "t1", "--yes")
	require.Equal(t, 2, code)
	assert.Contains(t, out, "completed_with_failures")
	assert.Contains(t, out, "category=test_failure")
	assert.Contains(t, out, "blocked_by=testrun")

	require.NoError(t, os.Remove(c.failFlag))
	code, out, errOut := c.run("", "resume", "t1", "--run-id", "t2", "--yes")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "run t2 (test-then-wrap): completed")
}

func TestCLI_GateDecisions(t *testing.T) {
	c := newCLI(t)
	wf := c.workflow("test.yaml", testWorkflow)

	code, out, _ := c.run("", "run", wf, "--run-id", "g1", "--decide", "wrap=abort")
	assert.Equal(t, 3, code)
	assert.Contains(t, out, "aborted")

	code, out, _ = c.run("", "run", wf, "--run-id", "g2", "--decide", "wrap=skip")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "skipped")

	code, out, errOut := c.run("proceed\n", "run", wf, "--run-id", "g3")
	assert.Equal(t, 0, code, errOut)
	assert.Contains(t, errOut, "Wrap the robot")
	assert.Contains(t, out, "run g3 (test-then-wrap): completed")

	code, _, errOut = c.run("", "run", wf, "--decide", "wrap")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "want step_id=decision")
}

func TestCLI_ToolsInvoke(t *testing.T) {
	c := newCLI(t)
	code, out, errOut := c.run("", "tools", "invoke", "robot.create", "--arg", "template=01-python", "--arg", "directory=demo")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "args=robot initialize --template 01-python --directory demo")

	require.NoError(t, os.WriteFile(c.failFlag, nil, 0o644))
	code, out, errOut = c.run("", "tools", "invoke", "robot.testrun")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "test_failure")
	assert.Contains(t, errOut, "remediation:")
	assert.Contains(t, out, "FAIL: Minimal task")

	code, _, errOut = c.run("", "tools", "invoke", "robot.create", "--args-json", `{"template": 1}`)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "validation_failure")
}
