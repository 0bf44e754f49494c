// Package main implements the fleetd CLI for running durable multi-agent
// workflows.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath is the YAML config file; empty means the default path.
	configPath string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "Durable workflow orchestration for agent fleets",
	Long: `fleetd coordinates a fleet of role-bound agents through a multi-phase
workflow with checkpointed, idempotent steps. A run can be resumed after a
crash or restart without re-dispatching completed work.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default ~/.config/fleetd/config.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fleetd %s\n", version)
	},
}
