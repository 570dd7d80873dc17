package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conclave/internal/config"
	"github.com/ShayCichocki/conclave/internal/directory"
	"github.com/ShayCichocki/conclave/internal/state"
)

var (
	initForce       bool
	initWithConfig  bool
	initNoGitignore bool
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a conclave project",
	Long: `Initialize a directory for use with conclave.

This command sets up everything the coordinator needs:
  - Creates the .conclave directory with logs and signals
  - Creates the state database
  - Writes a starter organization file (.conclave/organization.yaml)
  - Checks which provider CLIs are installed

Examples:
  conclave init                # Initialize current directory
  conclave init ./myproject    # Initialize specific directory
  conclave init --with-config  # Also write a .conclave.yaml template`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Reinitialize even if already set up")
	initCmd.Flags().BoolVar(&initWithConfig, "with-config", false, "Write a .conclave.yaml project config")
	initCmd.Flags().BoolVar(&initNoGitignore, "no-gitignore", false, "Don't touch .gitignore")
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}
	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", absPath, err)
	}

	fmt.Printf("Initializing conclave in %s...\n\n", absPath)

	stateDir := filepath.Join(absPath, ".conclave")
	if _, err := os.Stat(stateDir); err == nil && !initForce {
		fmt.Println("Directory already initialized. Use --force to reinitialize.")
		return nil
	}

	for _, dir := range []string{stateDir, filepath.Join(stateDir, "logs"), filepath.Join(stateDir, "signals")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	printStatus("✓", "Created .conclave directory structure", color.FgGreen)

	cfg := config.Default()

	db, err := state.OpenWithDriver(cfg.Storage.Driver, state.ProjectDBPath(absPath))
	if err != nil {
		return fmt.Errorf("creating state database: %w", err)
	}
	err = db.Migrate()
	db.Close()
	if err != nil {
		return fmt.Errorf("migrating state database: %w", err)
	}
	printStatus("✓", "Created state database", color.FgGreen)

	orgPath := filepath.Join(absPath, cfg.Organization.Path)
	if _, err := os.Stat(orgPath); err == nil && !initForce {
		printStatus("✓", "Organization file exists", color.FgGreen)
	} else {
		if err := directory.WriteFile(orgPath, directory.DefaultFile()); err != nil {
			return err
		}
		printStatus("✓", "Wrote "+cfg.Organization.Path, color.FgGreen)
	}

	checkProviders(cfg)

	if !initNoGitignore {
		if err := updateGitignore(absPath); err != nil {
			return fmt.Errorf("updating .gitignore: %w", err)
		}
		printStatus("✓", "Updated .gitignore", color.FgGreen)
	}

	if initWithConfig {
		path, err := config.WriteProjectConfig(absPath, cfg)
		if err != nil {
			return err
		}
		printStatus("✓", "Created "+filepath.Base(path), color.FgGreen)
	}

	fmt.Printf("\n%s conclave initialization complete!\n\n", color.GreenString("✓"))
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit the departments and agents in " + cfg.Organization.Path)
	fmt.Println("  2. Start the coordinator:")
	fmt.Println("     conclave serve")
	fmt.Println("  3. From another terminal, submit work:")
	fmt.Println("     conclave task create \"your task\" --dept engineering --start")
	return nil
}

// checkProviders reports which provider CLIs are on PATH. Missing ones are
// a warning: agents only need the providers they are configured for.
func checkProviders(cfg *config.Config) {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		command := cfg.Providers[name].Command
		if command == "" {
			continue
		}
		if _, err := exec.LookPath(command); err != nil {
			printStatus("⚠", fmt.Sprintf("%s CLI (%s) not found", name, command), color.FgYellow)
		} else {
			printStatus("✓", fmt.Sprintf("%s CLI found", name), color.FgGreen)
		}
	}

	switch config.GetCredentialSource(cfg) {
	case config.CredentialNone:
		printStatus("⚠", "ANTHROPIC_API_KEY not set (needed for the anthropic_api provider)", color.FgYellow)
	default:
		printStatus("✓", "Anthropic API credentials found", color.FgGreen)
	}
}

// updateGitignore adds conclave entries to .gitignore if not present
func updateGitignore(repoPath string) error {
	gitignorePath := filepath.Join(repoPath, ".gitignore")

	var existing string
	if data, err := os.ReadFile(gitignorePath); err == nil {
		existing = string(data)
	}

	entries := []string{
		".conclave/state.db*",
		".conclave/logs/",
		".conclave/signals/",
	}

	var b strings.Builder
	b.WriteString(existing)
	added := false
	for _, entry := range entries {
		if strings.Contains(existing, entry) {
			continue
		}
		if !added {
			if len(existing) > 0 && !strings.HasSuffix(existing, "\n") {
				b.WriteString("\n")
			}
			b.WriteString("\n# conclave\n")
			added = true
		}
		b.WriteString(entry + "\n")
	}
	if !added {
		return nil
	}
	return os.WriteFile(gitignorePath, []byte(b.String()), 0644)
}
