// Package config handles configuration loading and management for conclave.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ProjectConfigName is the project-level override file searched upward from cwd.
const ProjectConfigName = ".conclave.yaml"

// Config holds all configuration for conclave.
type Config struct {
	Storage      StorageConfig             `mapstructure:"storage" yaml:"storage"`
	Timeouts     TimeoutsConfig            `mapstructure:"timeouts" yaml:"timeouts"`
	Review       ReviewConfig              `mapstructure:"review" yaml:"review"`
	Delegation   DelegationConfig          `mapstructure:"delegation" yaml:"delegation"`
	Output       OutputConfig              `mapstructure:"output" yaml:"output"`
	Providers    map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
	Anthropic    AnthropicConfig           `mapstructure:"anthropic" yaml:"anthropic"`
	Notify       NotifyConfig              `mapstructure:"notify" yaml:"notify"`
	Metrics      MetricsConfig             `mapstructure:"metrics" yaml:"metrics"`
	Organization OrganizationConfig        `mapstructure:"organization" yaml:"organization"`
}

// StorageConfig selects the sqlite database.
type StorageConfig struct {
	// Path is the database file. Empty means .conclave/state.db in the project root.
	Path string `mapstructure:"path" yaml:"path"`
	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver string `mapstructure:"driver" yaml:"driver"`
}

// TimeoutsConfig holds supervisor and meeting timeouts.
type TimeoutsConfig struct {
	Idle           time.Duration `mapstructure:"idle" yaml:"idle"`
	Hard           time.Duration `mapstructure:"hard" yaml:"hard"`
	TerminateGrace time.Duration `mapstructure:"terminate_grace" yaml:"terminate_grace"`
	InterruptGrace time.Duration `mapstructure:"interrupt_grace" yaml:"interrupt_grace"`
	MeetingTurn    time.Duration `mapstructure:"meeting_turn" yaml:"meeting_turn"`
}

// ReviewConfig holds review consensus settings.
type ReviewConfig struct {
	MaxRounds            int            `mapstructure:"max_rounds" yaml:"max_rounds"`
	HoldCapPerRound      int            `mapstructure:"hold_cap_per_round" yaml:"hold_cap_per_round"`
	HoldCapPerDepartment int            `mapstructure:"hold_cap_per_department" yaml:"hold_cap_per_department"`
	RemediationBudget    int            `mapstructure:"remediation_budget" yaml:"remediation_budget"`
	NextRoundDelay       time.Duration  `mapstructure:"next_round_delay" yaml:"next_round_delay"`
	PresenceTTL          time.Duration  `mapstructure:"presence_ttl" yaml:"presence_ttl"`
	Keywords             KeywordsConfig `mapstructure:"keywords" yaml:"keywords"`
}

// KeywordsConfig adds phrases to the built-in classifier families.
type KeywordsConfig struct {
	Approval    []string `mapstructure:"approval" yaml:"approval"`
	NoRisk      []string `mapstructure:"no_risk" yaml:"no_risk"`
	Deferral    []string `mapstructure:"deferral" yaml:"deferral"`
	HardBlocker []string `mapstructure:"hard_blocker" yaml:"hard_blocker"`
	Hold        []string `mapstructure:"hold" yaml:"hold"`
}

// DelegationConfig holds delegation queue settings.
type DelegationConfig struct {
	JitterMin time.Duration `mapstructure:"jitter_min" yaml:"jitter_min"`
	JitterMax time.Duration `mapstructure:"jitter_max" yaml:"jitter_max"`
}

// OutputConfig holds output capture settings.
type OutputConfig struct {
	DedupWindow time.Duration `mapstructure:"dedup_window" yaml:"dedup_window"`
	// LogDir is where per-task logs are written. Relative paths are
	// resolved against the project root.
	LogDir string `mapstructure:"log_dir" yaml:"log_dir"`
	// TailLines is how many trailing lines a failure notification carries.
	TailLines int `mapstructure:"tail_lines" yaml:"tail_lines"`
	// LogRetention is how long task log rows are kept; serve purges older
	// ones on startup. Zero keeps everything.
	LogRetention time.Duration `mapstructure:"log_retention" yaml:"log_retention"`
}

// ProviderConfig describes how to invoke one provider CLI.
type ProviderConfig struct {
	Command string   `mapstructure:"command" yaml:"command"`
	Args    []string `mapstructure:"args" yaml:"args"`
	Model   string   `mapstructure:"model" yaml:"model"`
}

// AnthropicConfig holds Anthropic API settings for the HTTP-streamed provider.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key" yaml:"api_key"`
	UseBedrock bool   `mapstructure:"use_bedrock" yaml:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region" yaml:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile" yaml:"aws_profile"`
	Model      string `mapstructure:"model" yaml:"model"`
	MaxTokens  int    `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// NotifyConfig holds notification fan-out settings.
type NotifyConfig struct {
	// NATSURL enables NATS broadcasting when set.
	NATSURL string `mapstructure:"nats_url" yaml:"nats_url"`
	Subject string `mapstructure:"subject" yaml:"subject"`
}

// MetricsConfig holds the prometheus endpoint settings.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables the endpoint.
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// OrganizationConfig locates the organization file.
type OrganizationConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
	// DefaultProvider is used for agents that don't name one.
	DefaultProvider string `mapstructure:"default_provider" yaml:"default_provider"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, CONCLAVE_*)
// 2. Project config (.conclave.yaml in current directory or parent)
// 3. User config (~/.config/conclave/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	// Load user config from XDG path
	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return decode(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CONCLAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "CONCLAVE_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Notify.NATSURL = expandEnv(cfg.Notify.NATSURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would make the workflow misbehave.
func (c *Config) Validate() error {
	if c.Timeouts.Idle <= 0 || c.Timeouts.Hard <= 0 {
		return fmt.Errorf("timeouts.idle and timeouts.hard must be positive")
	}
	if c.Review.MaxRounds < 1 {
		return fmt.Errorf("review.max_rounds must be at least 1, got %d", c.Review.MaxRounds)
	}
	if c.Review.HoldCapPerRound < 0 || c.Review.HoldCapPerDepartment < 0 || c.Review.RemediationBudget < 0 {
		return fmt.Errorf("review caps and budget must not be negative")
	}
	if c.Delegation.JitterMax < c.Delegation.JitterMin {
		return fmt.Errorf("delegation.jitter_max (%s) is below jitter_min (%s)", c.Delegation.JitterMax, c.Delegation.JitterMin)
	}
	return nil
}

// WriteProjectConfig writes cfg as the project config file in dir.
func WriteProjectConfig(dir string, cfg *Config) (string, error) {
	path := filepath.Join(dir, ProjectConfigName)

	v := viper.New()
	v.SetConfigType("yaml")

	v.Set("storage.driver", cfg.Storage.Driver)
	v.Set("timeouts.idle", cfg.Timeouts.Idle.String())
	v.Set("timeouts.hard", cfg.Timeouts.Hard.String())
	v.Set("review.max_rounds", cfg.Review.MaxRounds)
	v.Set("review.hold_cap_per_round", cfg.Review.HoldCapPerRound)
	v.Set("review.hold_cap_per_department", cfg.Review.HoldCapPerDepartment)
	v.Set("review.remediation_budget", cfg.Review.RemediationBudget)
	v.Set("organization.path", cfg.Organization.Path)
	v.Set("organization.default_provider", cfg.Organization.DefaultProvider)

	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.driver", d.Storage.Driver)

	v.SetDefault("timeouts.idle", d.Timeouts.Idle.String())
	v.SetDefault("timeouts.hard", d.Timeouts.Hard.String())
	v.SetDefault("timeouts.terminate_grace", d.Timeouts.TerminateGrace.String())
	v.SetDefault("timeouts.interrupt_grace", d.Timeouts.InterruptGrace.String())
	v.SetDefault("timeouts.meeting_turn", d.Timeouts.MeetingTurn.String())

	v.SetDefault("review.max_rounds", d.Review.MaxRounds)
	v.SetDefault("review.hold_cap_per_round", d.Review.HoldCapPerRound)
	v.SetDefault("review.hold_cap_per_department", d.Review.HoldCapPerDepartment)
	v.SetDefault("review.remediation_budget", d.Review.RemediationBudget)
	v.SetDefault("review.next_round_delay", d.Review.NextRoundDelay.String())
	v.SetDefault("review.presence_ttl", d.Review.PresenceTTL.String())
	v.SetDefault("review.keywords.approval", []string{})
	v.SetDefault("review.keywords.no_risk", []string{})
	v.SetDefault("review.keywords.deferral", []string{})
	v.SetDefault("review.keywords.hard_blocker", []string{})
	v.SetDefault("review.keywords.hold", []string{})

	v.SetDefault("delegation.jitter_min", d.Delegation.JitterMin.String())
	v.SetDefault("delegation.jitter_max", d.Delegation.JitterMax.String())

	v.SetDefault("output.dedup_window", d.Output.DedupWindow.String())
	v.SetDefault("output.log_dir", d.Output.LogDir)
	v.SetDefault("output.tail_lines", d.Output.TailLines)
	v.SetDefault("output.log_retention", d.Output.LogRetention.String())

	for name, p := range d.Providers {
		v.SetDefault("providers."+name+".command", p.Command)
		v.SetDefault("providers."+name+".args", p.Args)
		v.SetDefault("providers."+name+".model", p.Model)
	}

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", d.Anthropic.AWSRegion)
	v.SetDefault("anthropic.aws_profile", "")
	v.SetDefault("anthropic.model", d.Anthropic.Model)
	v.SetDefault("anthropic.max_tokens", d.Anthropic.MaxTokens)

	v.SetDefault("notify.nats_url", "")
	v.SetDefault("notify.subject", d.Notify.Subject)

	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetDefault("organization.path", d.Organization.Path)
	v.SetDefault("organization.default_provider", d.Organization.DefaultProvider)
}

// getUserConfigDir returns the XDG config directory for conclave.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "conclave")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "conclave")
	}
	return filepath.Join(home, ".config", "conclave")
}

// findProjectConfig searches for .conclave.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:   "",
			Driver: "sqlite",
		},
		Timeouts: TimeoutsConfig{
			Idle:           8 * time.Minute,
			Hard:           45 * time.Minute,
			TerminateGrace: 3 * time.Second,
			InterruptGrace: 5 * time.Second,
			MeetingTurn:    2 * time.Minute,
		},
		Review: ReviewConfig{
			MaxRounds:            3,
			HoldCapPerRound:      2,
			HoldCapPerDepartment: 1,
			RemediationBudget:    1,
			NextRoundDelay:       5 * time.Second,
			PresenceTTL:          90 * time.Second,
		},
		Delegation: DelegationConfig{
			JitterMin: 500 * time.Millisecond,
			JitterMax: 2 * time.Second,
		},
		Output: OutputConfig{
			DedupWindow:  1500 * time.Millisecond,
			LogDir:       filepath.Join(".conclave", "logs"),
			TailLines:    40,
			LogRetention: 30 * 24 * time.Hour,
		},
		Providers: map[string]ProviderConfig{
			"claude": {
				Command: "claude",
				Args:    []string{"-p", "--output-format", "stream-json", "--verbose"},
			},
			"codex": {
				Command: "codex",
				Args:    []string{"exec", "-"},
			},
			"gemini": {
				Command: "gemini",
				Args:    []string{},
			},
			"opencode": {
				Command: "opencode",
				Args:    []string{"run"},
			},
		},
		Anthropic: AnthropicConfig{
			AWSRegion: "us-east-1",
			Model:     "claude-sonnet-4-5",
			MaxTokens: 4096,
		},
		Notify: NotifyConfig{
			Subject: "conclave.events",
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
		},
		Organization: OrganizationConfig{
			Path:            filepath.Join(".conclave", "organization.yaml"),
			DefaultProvider: "claude",
		},
	}
}
