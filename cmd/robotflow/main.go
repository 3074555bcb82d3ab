package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/danshapiro/robotflow/internal/config"
	"github.com/danshapiro/robotflow/internal/logging"
	"github.com/danshapiro/robotflow/internal/orchestrator"
	"github.com/danshapiro/robotflow/internal/runbook"
	"github.com/danshapiro/robotflow/internal/store"
	"github.com/danshapiro/robotflow/internal/tool"
)

var version = "dev"

// Exit codes. Anything that stops a command before a run finishes exits 1.
const (
	exitOK                    = 0
	exitError                 = 1
	exitCompletedWithFailures = 2
	exitAborted               = 3
)

// exitCodeError carries a non-zero exit status without printing an error.
type exitCodeError struct{ code int }

func (e exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func exitCodeFor(status orchestrator.RunStatus) int {
	switch status {
	case orchestrator.RunCompleted:
		return exitOK
	case orchestrator.RunCompletedWithFailures:
		return exitCompletedWithFailures
	case orchestrator.RunAborted:
		return exitAborted
	default:
		return exitError
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) int {
	a := &app{in: in, out: out, errOut: errOut}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	err := root.ExecuteContext(ctx)
	if a.closeStore != nil {
		if cerr := a.closeStore(); cerr != nil {
			a.logger.Warn().Err(cerr).Msg("close store")
		}
	}
	if err == nil {
		return exitOK
	}
	var ec exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	fmt.Fprintln(errOut, "error:", err)
	return exitError
}

// app holds what every subcommand shares once configuration is loaded.
type app struct {
	in          io.Reader
	out, errOut io.Writer

	configPath string
	logLevel   string
	logFormat  string

	cfg        *config.Config
	logger     zerolog.Logger
	tools      *tool.Registry
	policy     orchestrator.RetryPolicy
	closeStore func() error
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "robotflow",
		Short:         "Run robot and action-package workflows with retries and confirmation gates",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default robotflow.yaml in . or ~/.config/robotflow)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "override log.format (console|json)")

	root.AddCommand(
		newRunCmd(a),
		newResumeCmd(a),
		newValidateCmd(a),
		newStatusCmd(a),
		newWorkflowsCmd(a),
		newToolsCmd(a),
		newServeCmd(a),
		newMCPCmd(a),
	)
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	cfg.Log.Out = a.errOut
	cfg.Log.Err = a.errOut
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	policy, err := cfg.Retry.Policy()
	if err != nil {
		return err
	}
	reg := tool.NewRegistry()
	if _, err := runbook.Register(reg, cfg.Runbook, &logger); err != nil {
		return err
	}
	a.cfg, a.logger, a.tools, a.policy = cfg, logger, reg, policy
	return nil
}

// openStore opens the configured result store and returns it with the
// function that maps run ids to run directories.
func (a *app) openStore(ctx context.Context) (store.Store, func(string) string, error) {
	switch a.cfg.Store.Driver {
	case config.StorePostgres:
		pg, err := store.OpenPostgres(ctx, a.cfg.Store.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		a.closeStore = pg.Close
		root := a.cfg.DataDir
		return pg, func(id string) string { return filepath.Join(root, url.PathEscape(id)) }, nil
	default:
		fs, err := store.NewFileStore(a.cfg.DataDir, &a.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open file store: %w", err)
		}
		a.closeStore = fs.Close
		return fs, fs.RunDir, nil
	}
}

// loadDefinition resolves a built-in workflow name or a path to a workflow file.
func loadDefinition(ref string) (orchestrator.Definition, error) {
	if st, err := os.Stat(ref); err == nil && !st.IsDir() {
		return orchestrator.LoadDefinitionFile(ref)
	}
	switch filepath.Ext(ref) {
	case ".yaml", ".yml":
		return orchestrator.Definition{}, fmt.Errorf("workflow file %s not found", ref)
	}
	return runbook.Workflow(ref)
}
