package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/danshapiro/robotflow/internal/orchestrator"
	"github.com/danshapiro/robotflow/internal/runbook"
	"github.com/danshapiro/robotflow/internal/runstate"
)

func newValidateCmd(a *app) *cobra.Command {
	var vars []string
	cmd := &cobra.Command{
		Use:   "validate <workflow|file.yaml>",
		Short: "Check a workflow's graph and tool references without running it",
		Args:  cobra.ExactArgs(1),
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
				var ge *orchestrator.GraphError
				if errors.As(err, &ge) {
					for _, d := range ge.Diagnostics {
						fmt.Fprintf(a.out, "%s %s %s: %s\n", d.Severity, d.Rule, orDash(d.StepID), d.Message)
					}
					return exitCodeError{code: exitError}
				}
				return err
			}
			if err := checkTools(a, g); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "ok: %s, %d steps, fingerprint %s\n", g.Name(), g.Len(), g.Fingerprint())
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&vars, "var", nil, "set a workflow variable: name=value (repeatable)")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status [run-id|run-dir]",
		Short: "Show one run, or list recorded runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, runDir, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				runs, err := st.Runs(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(a, runs)
				}
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN ID\tWORKFLOW\tSTATUS\tSTARTED")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.RunID, r.Workflow, r.Status, r.StartedAt.Local().Format(time.DateTime))
				}
				return tw.Flush()
			}

			dir := args[0]
			if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
				dir = runDir(args[0])
			}
			snap, err := runstate.LoadSnapshot(dir)
			if err != nil {
				return err
			}
			if snap.State == runstate.StateUnknown && snap.RunID == "" {
				return fmt.Errorf("no run found at %s", dir)
			}
			if asJSON {
				return writeJSON(a, snap)
			}
			return snap.WriteText(a.out)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newWorkflowsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "List built-in workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := runbook.Workflows()
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(a, defs)
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTEPS\tVARS\tDESCRIPTION")
			for _, d := range defs {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", d.Name, len(d.Steps), strings.Join(d.VarNames(), ","), d.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func writeJSON(a *app, v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
