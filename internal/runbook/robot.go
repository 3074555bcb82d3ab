package runbook

import (
	"context"
	"path/filepath"
	"regexp"

	"github.com/danshapiro/robotflow/internal/failure"
	"github.com/danshapiro/robotflow/internal/tool"
)

var ownerRepoRE = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// rccCommand is one rcc subcommand exposed as a tool.
type rccCommand struct {
	name   string
	desc   string
	params []tool.Param
	argv   func(args map[string]any) []string
	// check runs before the process starts.
	check   func(args map[string]any) error
	markers []string
	onExit  failure.Category
	// inRobot adds an optional robot_path used as the working directory.
	inRobot bool
}

var robotPathParam = optional("robot_path", "Robot directory to run in; defaults to the configured work dir")

func rccCommands() []rccCommand {
	return []rccCommand{
		{
			name:    "robot.create",
			desc:    "Create a new robot from an rcc template",
			params:  []tool.Param{required("template", `Template to use, e.g. "01-python"`), required("directory", "Where to create the robot")},
			argv:    func(a map[string]any) []string { return []string{"robot", "initialize", "--template", tool.StringArg(a, "template", ""), "--directory", tool.StringArg(a, "directory", "")} },
			markers: []string{"OK"},
		},
		{
			name:   "robot.pull",
			desc:   "Pull a robot from a GitHub repository",
			params: []tool.Param{required("owner_repo", `GitHub owner and repository, e.g. "user/repo"`), required("directory", "Where to put the robot")},
			argv:   func(a map[string]any) []string { return []string{"pull", "github.com/" + tool.StringArg(a, "owner_repo", ""), "--directory", tool.StringArg(a, "directory", "")} },
			check: func(a map[string]any) error {
				if v := tool.StringArg(a, "owner_repo", ""); !ownerRepoRE.MatchString(v) {
					return failure.Newf(failure.ValidationFailure, "invalid argument owner_repo %q: want owner/repo", v)
				}
				return nil
			},
			markers: []string{"OK.", "Flattening path", "extracted files"},
		},
		{
			name: "robot.list_templates",
			desc: "List the robot templates rcc knows about",
			argv: func(map[string]any) []string { return []string{"robot", "initialize", "--list"} },
		},
		{
			name:   "robot.pull_template",
			desc:   "Pull a template repository",
			params: []tool.Param{required("repo_url", "Repository URL holding the template"), required("directory", "Where to put the template")},
			argv:   func(a map[string]any) []string { return []string{"pull", tool.StringArg(a, "repo_url", ""), "-d", tool.StringArg(a, "directory", "")} },
		},
		{
			name:   "robot.create_from_template",
			desc:   "Create a robot from a named template",
			params: []tool.Param{required("template", `Template name, e.g. "python-minimal"`), required("directory", "Where to create the robot")},
			argv:   func(a map[string]any) []string { return []string{"create", tool.StringArg(a, "template", ""), "-d", tool.StringArg(a, "directory", "")} },
		},
		{
			name:    "robot.initialize",
			desc:    "Initialize a robot in the working directory",
			params:  []tool.Param{required("robot_name", "Robot name"), required("template", "Template name")},
			argv:    func(a map[string]any) []string { return []string{"robot", "init", "--name", tool.StringArg(a, "robot_name", ""), "--template", tool.StringArg(a, "template", "")} },
			inRobot: true,
		},
		{
			name:   "robot.run",
			desc:   "Run one task of the robot at robot_path",
			params: []tool.Param{required("task_name", "Task to run"), required("robot_path", "Robot directory")},
			argv: func(a map[string]any) []string {
				return []string{"run", "-r", filepath.Join(tool.StringArg(a, "robot_path", ""), "robot.yaml"), "--task", tool.StringArg(a, "task_name", "")}
			},
		},
		{
			name:    "robot.run_task",
			desc:    "Run a task by name in the robot directory",
			params:  []tool.Param{required("task_name", "Task to run")},
			argv:    func(a map[string]any) []string { return []string{"run", "--task", tool.StringArg(a, "task_name", "")} },
			inRobot: true,
		},
		{
			name:    "robot.list_tasks",
			desc:    "List the robot's tasks",
			argv:    func(map[string]any) []string { return []string{"task", "list"} },
			inRobot: true,
		},
		{
			name:    "robot.script",
			desc:    "Run a command inside the robot environment",
			params:  []tool.Param{required("command", "Command to run")},
			argv:    func(a map[string]any) []string { return []string{"run", "--", tool.StringArg(a, "command", "")} },
			inRobot: true,
		},
		{
			name:    "robot.testrun",
			desc:    "Run the robot's tests; a non-zero exit means failing cases",
			argv:    func(map[string]any) []string { return []string{"task", "testrun"} },
			onExit:  failure.TestFailure,
			inRobot: true,
		},
		{
			name:    "robot.dependencies",
			desc:    "Show and resolve the robot's dependencies",
			argv:    func(map[string]any) []string { return []string{"robot", "dependencies"} },
			inRobot: true,
		},
		{
			name:    "robot.diagnostics",
			desc:    "Run rcc robot diagnostics",
			argv:    func(map[string]any) []string { return []string{"robot", "diagnostics"} },
			inRobot: true,
		},
		{
			name:    "robot.wrap",
			desc:    "Package the robot into robot.zip",
			argv:    func(map[string]any) []string { return []string{"robot", "wrap"} },
			inRobot: true,
		},
		{
			name:    "robot.unwrap",
			desc:    "Unpack a wrapped robot artifact",
			params:  []tool.Param{required("artifact", "Path to the robot.zip artifact")},
			argv:    func(a map[string]any) []string { return []string{"robot", "unwrap", "--artifact", tool.StringArg(a, "artifact", "")} },
			inRobot: true,
		},
		{name: "docs.list", desc: "List rcc documentation", argv: func(map[string]any) []string { return []string{"docs", "list"} }},
		{name: "docs.recipes", desc: "Show rcc recipes", argv: func(map[string]any) []string { return []string{"docs", "recipes"} }},
		{name: "docs.changelog", desc: "Show the rcc changelog", argv: func(map[string]any) []string { return []string{"docs", "changelog"} }},
		{name: "rcc.help", desc: "Show rcc usage", argv: func(map[string]any) []string { return []string{"--help"} }},
	}
}

func (rb *Runbook) robotTools() []tool.Tool {
	cmds := rccCommands()
	out := make([]tool.Tool, 0, len(cmds))
	for _, rc := range cmds {
		params := append([]tool.Param{}, rc.params...)
		if rc.inRobot {
			params = append(params, robotPathParam)
		}
		out = append(out, tool.Tool{
			Definition: tool.Definition{Name: rc.name, Description: rc.desc, Params: params},
			Exec:       rb.rccExec(rc),
		})
	}
	return out
}

func (rb *Runbook) rccExec(rc rccCommand) tool.ExecFunc {
	return func(ctx context.Context, args map[string]any) (tool.Payload, error) {
		if rc.check != nil {
			if err := rc.check(args); err != nil {
				return tool.Payload{}, err
			}
		}
		dir := rb.cfg.WorkDir
		if rc.inRobot {
			dir = rb.resolve(tool.StringArg(args, "robot_path", ""))
		}
		argv := append([]string{rb.cfg.RCCPath}, rc.argv(args)...)
		rb.logger.Debug().Str("tool", rc.name).Strs("argv", argv).Str("dir", dir).Msg("rcc")
		return tool.RunCommand(ctx, tool.Command{
			Argv:           argv,
			Dir:            dir,
			Timeout:        rb.cfg.CommandTimeout,
			SuccessMarkers: rc.markers,
			ExitCategory:   rc.onExit,
		})
	}
}
