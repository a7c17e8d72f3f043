package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/swarm/internal/logging"
)

var version = "0.1.0"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	logLevel  string
	logFormat string
}

func (o *globalOptions) logger(w io.Writer) (*zap.Logger, error) {
	logger, err := logging.New(logging.Options{Level: o.logLevel, Format: o.logFormat, Output: w})
	if err != nil {
		return nil, &ExitError{Code: ExitGeneric, Err: err}
	}
	return logger, nil
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:     "swarm",
		Short:   "Scenario-based HTTP load testing with pass/fail thresholds",
		Version: version,
		Long: `Swarm runs load test scenarios described in a YAML or JSON file.
Each scenario drives virtual users through a registered script, metrics are
aggregated as the run progresses and thresholds decide the verdict.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			// If no subcommand is provided, print help
			cmd.Help()
		},
	}

	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", logging.FormatConsole, "Log format (console, json)")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newValidateCmd(opts))
	root.AddCommand(newScriptsCmd())
	root.AddCommand(newExecutorsCmd())
	return root
}

// Execute runs the command line and returns the process exit code.
// This is called by main.main().
func Execute() int {
	return execute(NewRootCmd(), os.Args[1:], os.Stderr)
}

func execute(root *cobra.Command, args []string, stderr io.Writer) int {
	root.SetArgs(args)
	err := root.Execute()
	if err != nil {
		var exitErr *ExitError
		if !errors.As(err, &exitErr) || exitErr.Err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
	}
	return ExitCode(err)
}
