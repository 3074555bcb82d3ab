package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/danshapiro/robotflow/internal/failure"
)

func newToolsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List or invoke individual tools",
	}
	cmd.AddCommand(newToolsListCmd(a), newToolsInvokeCmd(a))
	return cmd
}

func newToolsListCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tools and their parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defs := a.tools.Definitions()
			if asJSON {
				return writeJSON(a, defs)
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOOL\tPARAMS\tDESCRIPTION")
			for _, d := range defs {
				var params []string
				for _, p := range d.Params {
					name := p.Name
					if !p.Required {
						name += "?"
					}
					params = append(params, name)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, strings.Join(params, " "), d.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newToolsInvokeCmd(a *app) *cobra.Command {
	var (
		kvs      []string
		argsJSON string
	)
	cmd := &cobra.Command{
		Use:   "invoke <tool>",
		Short: "Invoke one tool once, without retries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolArgs := map[string]any{}
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &toolArgs); err != nil {
					return fmt.Errorf("--args-json: %w", err)
				}
			}
			for _, kv := range kvs {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || strings.TrimSpace(k) == "" {
					return fmt.Errorf("--arg %q: want name=value", kv)
				}
				toolArgs[strings.TrimSpace(k)] = v
			}

			p, err := a.tools.Invoke(cmd.Context(), args[0], toolArgs)
			if err != nil {
				cat := failure.Classify(err)
				msg := err.Error()
				if !strings.HasPrefix(msg, string(cat)+":") {
					msg = fmt.Sprintf("%s: %s", cat, msg)
				}
				fmt.Fprintf(a.errOut, "%s failed: %s\nremediation: %s\n", args[0], msg, cat.Remediation())
				var fe *failure.Error
				if errors.As(err, &fe) && strings.TrimSpace(fe.Output) != "" {
					fmt.Fprintln(a.out, strings.TrimRight(fe.Output, "\n"))
				}
				return exitCodeError{code: exitError}
			}
			if p.Output != "" {
				fmt.Fprintln(a.out, strings.TrimRight(p.Output, "\n"))
			}
			if len(p.Data) > 0 {
				return writeJSON(a, p.Data)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&kvs, "arg", nil, "tool argument: name=value (repeatable, string values)")
	cmd.Flags().StringVar(&argsJSON, "args-json", "", "tool arguments as a JSON object")
	return cmd
}
