package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/conclave/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration",
	Long: `View the effective conclave configuration.

Configuration is layered: built-in defaults, then the user config at
~/.config/conclave/config.yaml, then .conclave.yaml in the project, then
CONCLAVE_* environment variables.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		shown := *cfg
		if shown.Anthropic.APIKey != "" {
			shown.Anthropic.APIKey = config.MaskAPIKey(shown.Anthropic.APIKey)
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(&shown)
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file locations",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(field("User", describePath(config.GetUserConfigPath())))
		fmt.Println(field("Project", describePath(config.GetProjectConfigPath())))
	},
}

func describePath(path string) string {
	if path == "" {
		return "(none)"
	}
	if _, err := os.Stat(path); err != nil {
		return path + " (not found)"
	}
	return path
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
}
