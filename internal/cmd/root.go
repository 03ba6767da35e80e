package cmd

import (
	"github.com/spf13/cobra"

	"github.com/taskgate-org/taskgate/internal/build"
)

var rootCmd = &cobra.Command{
	Use:   build.Slug,
	Short: "Local-first task orchestrator with gated, retryable execution.",
	Long: `Taskgate queues units of work, dispatches them to execution backends
under leases, checks results against gates, and drives review and retry
until each task is done or needs an operator.`,
}

// Execute runs the CLI. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default ./taskgate.yaml, then XDG config home)")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress log output")

	rootCmd.AddCommand(CmdServe())
	rootCmd.AddCommand(CmdCreate())
	rootCmd.AddCommand(CmdList())
	rootCmd.AddCommand(CmdShow())
	rootCmd.AddCommand(CmdReorder())
	rootCmd.AddCommand(CmdUnblock())
	rootCmd.AddCommand(CmdApprove())
	rootCmd.AddCommand(CmdBounce())
	rootCmd.AddCommand(CmdTemplate())
	rootCmd.AddCommand(CmdDAG())
	rootCmd.AddCommand(CmdVersion())
}
