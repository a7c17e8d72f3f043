package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/swarm/internal/loadtest"
	"github.com/wesleyorama2/swarm/internal/loadtest/executor"
)

func newScriptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scripts",
		Short: "List the scripts a configuration can name",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range loadtest.Scripts() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}

func newExecutorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "executors",
		Short: "Describe the supported scenario executors",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			for _, t := range executor.GetSupportedExecutors() {
				d := executor.GetExecutorDescription(t)
				fmt.Fprintf(w, "%s (%s)\n", d.Type, d.Name)
				if len(d.Aliases) > 0 {
					fmt.Fprintf(w, "  aliases: %s\n", strings.Join(d.Aliases, ", "))
				}
				fmt.Fprintf(w, "  %s\n", d.Description)
				for _, uc := range d.UseCases {
					fmt.Fprintf(w, "  - %s\n", uc)
				}
			}
		},
	}
}
