package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"opencopilot/internal/config"
)

var exit = os.Exit

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "opencopilot",
	Short: "Open Copilot: a server-side coding agent for repository issues",
	Long: `Open Copilot turns repository issues into draft pull requests. It plans
an implementation with a language model, executes the plan inside a Docker
sandbox, and pushes the result to a working branch.`,
	SilenceUsage: true,
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./opencopilot.yaml)")
}

func loadSettings() (*config.Settings, error) {
	return config.Load(cfgFile)
}
