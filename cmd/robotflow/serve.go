package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/danshapiro/robotflow/internal/mcpserver"
	"github.com/danshapiro/robotflow/internal/orchestrator"
	"github.com/danshapiro/robotflow/internal/runbook"
	"github.com/danshapiro/robotflow/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP control API",
		Long: `Serve starts the HTTP control API: submit workflows, follow their events
over SSE, answer confirmation gates, cancel runs and scrape /metrics.
POST requests from non-local browser origins are rejected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			st, runDir, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			workflows, err := runbook.Workflows()
			if err != nil {
				return err
			}
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			srv, err := server.New(server.Config{Addr: addr}, server.Options{
				Tools:       a.tools,
				Store:       st,
				RunDir:      runDir,
				Workflows:   workflows,
				Policy:      a.policy,
				MaxParallel: a.cfg.MaxParallel,
				Logger:      &a.logger,
				Metrics:     orchestrator.NewMetrics(reg),
				Gatherer:    reg,
			})
			if err != nil {
				return err
			}
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: config server.addr)")
	return cmd
}

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve every tool to an MCP client over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := mcpserver.New(a.tools, version, &a.logger)
			if err != nil {
				return err
			}
			return s.Serve(cmd.Context(), a.in, a.out)
		},
	}
}
