package main

import (
	"os"

	"github.com/spf13/cobra"

	"stepflow/internal/commands"
	"stepflow/internal/output"
)

var jsonFlag bool

var rootCmd = &cobra.Command{
	Use:   "stepflow",
	Short: "Workflow step and collaborative task orchestration",
	Long: `stepflow runs gated workflows for agent teams: ordered steps that must be
approved in sequence, tasks inside each step, and hand-off chains that pass
one task between agents.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Output in JSON format")
	commands.AddPersistentFlags(rootCmd)

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.TemplatesCmd)
	rootCmd.AddCommand(commands.StepsCmd)
	rootCmd.AddCommand(commands.WatchCmd)
	rootCmd.AddCommand(commands.VersionCmd)
	rootCmd.AddCommand(commands.CompletionCmd)
}

func main() {
	// Propagate --json flag before execution
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		output.JSONMode = jsonFlag
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
