package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var projectDir string

var rootCmd = &cobra.Command{
	Use:   "conclave",
	Short: "Task workflow orchestrator for departments of coding agents",
	Long: `Conclave runs tasks through a team of coding agents organized in departments.

A task is executed by its department's leader, reviewed by the leaders of
every related department in structured meeting rounds, and finalized once
the review reaches consensus. Work that belongs to another department is
delegated to it one piece at a time.

Start the coordinator with 'conclave serve', then drive it from another
terminal with the task, run and review commands.`,
	SilenceUsage:      true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Config lookup and project discovery both start from cwd.
		if projectDir != "" {
			if err := os.Chdir(projectDir); err != nil {
				return fmt.Errorf("--project: %w", err)
			}
		}
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectDir, "project", "", "Project root (default: nearest directory containing .conclave)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
