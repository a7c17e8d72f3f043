package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/swarm/internal/loadtest/engine"
	"github.com/wesleyorama2/swarm/internal/loadtest/executor"
	"github.com/wesleyorama2/swarm/internal/output"
)

func newValidateCmd(global *globalOptions) *cobra.Command {
	var noColor bool

	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Check a configuration file without running it",
		Long: `Parse a test configuration, resolve its script and build every scenario's
executor. Exits with 104 when the configuration is invalid.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := global.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer logger.Sync()

			cfg, script, err := loadTest(args[0])
			if err != nil {
				return err
			}
			eng, err := engine.NewEngine(cfg, script, engine.WithLogger(logger))
			if err != nil {
				return configError(err)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s %s is valid (script %s)\n", output.SuccessIcon(noColor), args[0], cfg.Script)
			fmt.Fprintf(w, "  max VUs: %d, expected duration: %s\n", eng.MaxVUs(), eng.ExpectedDuration())

			names := make([]string, 0, len(cfg.Scenarios))
			for name := range cfg.Scenarios {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				sc := cfg.Scenarios[name]
				kind := string(executor.NormalizeType(sc.Executor))
				if d := executor.GetExecutorDescription(executor.Type(sc.Executor)); d != nil {
					kind = d.Name
				}
				fmt.Fprintf(w, "  scenario %s: %s, exec %s\n", name, kind, sc.Exec)
			}
			metrics := make([]string, 0, len(cfg.Thresholds))
			for metric := range cfg.Thresholds {
				metrics = append(metrics, metric)
			}
			sort.Strings(metrics)
			for _, metric := range metrics {
				fmt.Fprintf(w, "  thresholds on %s: %d\n", metric, len(cfg.Thresholds[metric]))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	return cmd
}
