package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/swarm/internal/loadtest"
	"github.com/wesleyorama2/swarm/internal/loadtest/config"
	"github.com/wesleyorama2/swarm/internal/loadtest/engine"
	"github.com/wesleyorama2/swarm/internal/output"
)

type runOptions struct {
	*globalOptions

	env         []string
	quiet       bool
	noColor     bool
	metricsAddr string
	refresh     time.Duration
}

func newRunCmd(global *globalOptions) *cobra.Command {
	opts := &runOptions{globalOptions: global}

	cmd := &cobra.Command{
		Use:   "run <config>",
		Short: "Run a load test from a configuration file",
		Long: `Execute the scenarios of a test configuration and evaluate its thresholds.

Exit codes:
  0    all thresholds passed
  99   one or more thresholds failed (including abortOnFail)
  104  invalid configuration
  105  interrupted
  107  setup or dataset loading failed

Examples:
  swarm run examples/quickpizza.yaml
  swarm run examples/quickpizza.yaml --env BASE_URL=http://localhost:3333
  swarm run test.yaml --metrics-addr :9090 --log-format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.env, "env", "e", nil, "Variable passed to scripts as KEY=VALUE (repeatable)")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Disable live progress output, print only PASSED or FAILED")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve engine metrics for Prometheus on this address (e.g. :9090)")
	cmd.Flags().DurationVar(&opts.refresh, "refresh", time.Second, "Live progress refresh interval")
	return cmd
}

// runTest runs one test configuration and maps the outcome to an exit code.
func runTest(cmd *cobra.Command, path string, opts *runOptions) error {
	logger, err := opts.logger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer logger.Sync()

	vars, err := parseVars(opts.env)
	if err != nil {
		return configError(err)
	}

	cfg, script, err := loadTest(path)
	if err != nil {
		return err
	}

	eng, err := engine.NewEngine(cfg, script, engine.WithLogger(logger), engine.WithVars(vars))
	if err != nil {
		return configError(err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.metricsAddr != "" {
		srv, err := startMetricsServer(opts.metricsAddr, eng.Registry(), logger)
		if err != nil {
			return &ExitError{Code: ExitGeneric, Err: err}
		}
		defer srv.shutdown()
	}

	console := output.NewConsoleOutput(output.ConsoleOutputConfig{
		TestName:      cfg.Name,
		Script:        cfg.Script,
		TotalDuration: eng.ExpectedDuration(),
		Writer:        cmd.OutOrStdout(),
		Quiet:         opts.quiet,
		NoColor:       opts.noColor,
	})
	console.PrintHeader()

	result, runErr := runWithProgress(ctx, eng, console, opts.refresh)
	if result == nil && runErr != nil {
		return &ExitError{Code: ExitCode(runErr), Err: runErr}
	}

	console.PrintSummary(result)
	if err := resultError(result, runErr); err != nil {
		logger.Debug("run finished with failure", zap.Error(err))
		return err
	}
	return nil
}

// runWithProgress runs the engine and refreshes the console until it returns.
func runWithProgress(ctx context.Context, eng *engine.Engine, console *output.ConsoleOutput, refresh time.Duration) (*engine.RunResult, error) {
	type outcome struct {
		result *engine.RunResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := eng.Run(ctx)
		done <- outcome{result, err}
	}()

	if refresh <= 0 {
		refresh = time.Second
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	for {
		select {
		case o := <-done:
			return o.result, o.err
		case <-ticker.C:
			if eng.State() == engine.StateRunning {
				console.Refresh(eng)
			}
		}
	}
}

// loadTest reads a configuration file and resolves its script.
func loadTest(path string) (*config.TestConfig, loadtest.Script, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, &ExitError{Code: ExitGeneric, Err: err}
		}
		return nil, nil, configError(err)
	}

	script, err := loadtest.Lookup(cfg.Script)
	if err != nil {
		return nil, nil, configError(err)
	}
	return cfg, script, nil
}

// parseVars parses KEY=VALUE pairs. Later pairs win.
func parseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --env value %q: expected KEY=VALUE", pair)
		}
		vars[key] = value
	}
	return vars, nil
}
