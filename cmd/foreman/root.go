package main

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Durable interrupt/resume orchestrator for delegated LLM tasks",
	Long: `foreman runs an orchestrator loop that delegates long-running sub-tasks
to background workers, suspends the parent run while they execute, and
resumes it from persisted state when they finish.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./foreman.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(traceCmd)
}
