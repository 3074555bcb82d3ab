package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/danshapiro/robotflow/internal/orchestrator"
	"github.com/danshapiro/robotflow/internal/runstate"
	"github.com/danshapiro/robotflow/internal/store"
)

// gateFlags are shared by run and resume.
type gateFlags struct {
	decide []string
	yes    bool
}

func (f *gateFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&f.decide, "decide", nil, "pre-answer a gated step: step_id=proceed|skip|abort (repeatable)")
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "proceed at every gate not answered by --decide")
}

// gate picks how confirmations are answered: scripted when any answer was
// given on the command line, otherwise an interactive prompt.
func (f *gateFlags) gate(a *app) (orchestrator.Gate, error) {
	if len(f.decide) == 0 && !f.yes {
		return orchestrator.NewPromptGate(a.in, a.errOut), nil
	}
	decisions := map[string]orchestrator.Decision{}
	for _, kv := range f.decide {
		step, val, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(step) == "" {
			return nil, fmt.Errorf("--decide %q: want step_id=decision", kv)
		}
		d, err := orchestrator.ParseDecision(val)
		if err != nil {
			return nil, fmt.Errorf("--decide %q: %w", kv, err)
		}
		decisions[strings.TrimSpace(step)] = d
	}
	def := orchestrator.DecisionAbort
	if f.yes {
		def = orchestrator.DecisionProceed
	}
	return &orchestrator.ScriptedGate{Decisions: decisions, Default: def}, nil
}

func parseVars(kvs []string) (map[string]string, error) {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("--var %q: want name=value", kv)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func newRunCmd(a *app) *cobra.Command {
	var (
		vars        []string
		runID       string
		maxParallel int
		gates       gateFlags
	)
	cmd := &cobra.Command{
		Use:   "run <workflow|file.yaml>",
		Short: "Run a built-in workflow or a workflow file",
		Long: `Run executes a workflow to completion and prints its report.

Exit status is 0 when every step succeeded or was skipped, 2 when the run
completed with failures, 3 when it was aborted and 1 on any other error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadDefinition(args[0])
			if err != nil {
				return err
			}
			overrides, err := parseVars(vars)
			if err != nil {
				return err
			}
			g, err := def.Build(overrides)
			if err != nil {
				return err
			}
			if err := checkTools(a, g); err != nil {
				return err
			}
			gate, err := gates.gate(a)
			if err != nil {
				return err
			}
			return a.execute(cmd.Context(), g, gate, runOpts{runID: runID, maxParallel: maxParallel})
		},
	}
	cmd.Flags().StringArrayVar(&vars, "var", nil, "set a workflow variable: name=value (repeatable)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id (default: a new ULID)")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "cap on concurrent group members (default: config max_parallel)")
	gates.register(cmd)
	return cmd
}

func newResumeCmd(a *app) *cobra.Command {
	var (
		runID string
		gates gateFlags
	)
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Re-run the steps of an earlier run that did not succeed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, runDir, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			prior := args[0]
			info, seed, err := store.ResumeSeed(ctx, st, prior)
			if err != nil {
				return err
			}
			if !info.Status.Terminal() {
				snap, err := runstate.LoadSnapshot(runDir(prior))
				if err == nil && snap.State == runstate.StateRunning {
					return fmt.Errorf("run %s is still running (pid %d)", prior, snap.PID)
				}
				a.logger.Warn().Str("run_id", prior).Msg("resuming a run that did not finish")
			}
			g, err := orchestrator.NewGraph(info.Workflow, info.Steps)
			if err != nil {
				return err
			}
			gate, err := gates.gate(a)
			if err != nil {
				return err
			}
			return a.executeWith(ctx, st, runDir, g, gate, runOpts{runID: runID, seed: seed, resumedFrom: prior})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "id for the new run (default: a new ULID)")
	gates.register(cmd)
	return cmd
}

type runOpts struct {
	runID       string
	maxParallel int
	seed        map[string]orchestrator.StepResult
	resumedFrom string
}

func (a *app) execute(ctx context.Context, g *orchestrator.Graph, gate orchestrator.Gate, o runOpts) error {
	st, runDir, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	return a.executeWith(ctx, st, runDir, g, gate, o)
}

func (a *app) executeWith(ctx context.Context, st store.Store, runDir func(string) string, g *orchestrator.Graph, gate orchestrator.Gate, o runOpts) error {
	if o.runID == "" {
		o.runID = ulid.Make().String()
	}
	if _, err := st.Run(ctx, o.runID); err == nil {
		return fmt.Errorf("run %s already exists", o.runID)
	} else if !errors.Is(err, store.ErrRunNotFound) {
		return err
	}
	if o.maxParallel <= 0 {
		o.maxParallel = a.cfg.MaxParallel
	}
	dir := runDir(o.runID)
	if err := runstate.MarkOwner(dir); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	a.logger.Info().Str("run_id", o.runID).Str("workflow", g.Name()).Str("run_dir", dir).Msg("starting run")
	rep, err := orchestrator.Execute(ctx, g, a.tools, orchestrator.RunOptions{
		RunID:       o.runID,
		RunDir:      dir,
		Policy:      a.policy,
		Gate:        gate,
		Journal:     st,
		Logger:      &a.logger,
		MaxParallel: o.maxParallel,
		Seed:        o.seed,
		ResumedFrom: o.resumedFrom,
	})
	if err != nil {
		return err
	}
	if err := rep.WriteText(a.out); err != nil {
		return err
	}
	if code := exitCodeFor(rep.Status); code != exitOK {
		return exitCodeError{code: code}
	}
	return nil
}

// checkTools reports every step naming a tool that is not registered.
func checkTools(a *app, g *orchestrator.Graph) error {
	var missing []string
	for _, s := range g.Steps() {
		if _, ok := a.tools.Lookup(s.Tool); !ok {
			missing = append(missing, fmt.Sprintf("%s (%s)", s.ID, s.Tool))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("unknown tools in steps: %s", strings.Join(missing, ", "))
	}
	return nil
}
