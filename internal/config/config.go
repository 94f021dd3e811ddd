// Package config holds the compiled-in engine configuration with optional
// YAML overrides loaded from the workspace.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/hardenlabs/tfgate/internal/support"
)

// Config is the resolved engine configuration.
type Config struct {
	SchemaVersion string        `yaml:"schemaVersion"`
	Paths         PathsConfig   `yaml:"paths"`
	Scan          ScanConfig    `yaml:"scan"`
	Verify        VerifyConfig  `yaml:"verify"`
	Gate          GateConfig    `yaml:"gate"`
	Waivers       WaiversConfig `yaml:"waivers"`
	Logging       LoggingConfig `yaml:"logging"`
}

type PathsConfig struct {
	WorkspaceRoot string `yaml:"workspaceRoot"`
	OutputDir     string `yaml:"outputDir"`
	RulesDir      string `yaml:"rulesDir"`
	TasksDir      string `yaml:"tasksDir"`
	HistoryDir    string `yaml:"historyDir"`
}

type ScanConfig struct {
	Workers     int      `yaml:"workers"`
	ExcludeDirs []string `yaml:"excludeDirs"`
}

// VerifyConfig describes the external check suite. Each check is an argv
// vector run from the workspace root.
type VerifyConfig struct {
	Checks         [][]string `yaml:"checks"`
	TimeoutSeconds int        `yaml:"timeoutSeconds"`
}

type GateConfig struct {
	// Tiers that block a merge; commonly only tier 1.
	GateTiers []int  `yaml:"gateTiers"`
	BaseRef   string `yaml:"baseRef"`
}

type WaiversConfig struct {
	// FilePattern is expanded with the change-context id ("{pr}").
	FilePattern string `yaml:"filePattern"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type Flags struct {
	ConfigPath string
}

// Default returns the compiled-in defaults.
func Default() Config {
	return Config{
		SchemaVersion: "1.0",
		Paths: PathsConfig{
			WorkspaceRoot: ".",
			OutputDir:     ".tfgate",
			RulesDir:      "",
			TasksDir:      ".tfgate/tasks",
			HistoryDir:    ".tfgate/history",
		},
		Scan: ScanConfig{
			Workers: 4,
			ExcludeDirs: []string{
				".git",
				".tfgate",
				"node_modules",
				".venv",
				"vendor",
			},
		},
		Verify: VerifyConfig{
			Checks:         [][]string{},
			TimeoutSeconds: 600,
		},
		Gate: GateConfig{
			GateTiers: []int{1},
			BaseRef:   "main",
		},
		Waivers: WaiversConfig{
			FilePattern: "docs/agents/waivers/PR-{pr}.md",
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// Load reads a config override file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(support.StripBOM(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Resolve applies defaults and optional overrides, then validates.
// When no explicit path is given, <workspace>/.tfgate/config.yml is used if
// it exists.
func Resolve(flags Flags) (Config, string, []string, error) {
	cfg := Default()
	var cfgPath string
	var warnings []string

	path := flags.ConfigPath
	if path == "" {
		candidate := filepath.Join(cfg.Paths.WorkspaceRoot, ".tfgate", "config.yml")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return Config{}, "", nil, err
		}
		mergeConfigDefaults(&loaded, &cfg)
		cfg = loaded
		cfgPath = path
	}

	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = "1.0"
	}
	for _, tier := range cfg.Gate.GateTiers {
		if tier < 1 || tier > 4 {
			cfg.Gate.GateTiers = Default().Gate.GateTiers
			warnings = append(warnings, fmt.Sprintf("gate tier %d out of range 1..4; gate tiers reset to defaults", tier))
			break
		}
	}
	if cfg.Scan.Workers < 1 {
		cfg.Scan.Workers = 1
		warnings = append(warnings, "scan workers forced to 1")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, "", nil, err
	}

	return cfg, cfgPath, warnings, nil
}

// Validate checks the resolved configuration for consistency.
func (c *Config) Validate() error {
	if c.SchemaVersion != "1.0" {
		return fmt.Errorf("unsupported schemaVersion: %s (expected 1.0)", c.SchemaVersion)
	}
	if c.Verify.TimeoutSeconds < 1 {
		return fmt.Errorf("verify.timeoutSeconds must be positive, got %d", c.Verify.TimeoutSeconds)
	}
	return nil
}

func mergeConfigDefaults(cfg *Config, defaults *Config) {
	if cfg.Paths.WorkspaceRoot == "" {
		cfg.Paths.WorkspaceRoot = defaults.Paths.WorkspaceRoot
	}
	if cfg.Paths.OutputDir == "" {
		cfg.Paths.OutputDir = defaults.Paths.OutputDir
	}
	if cfg.Paths.TasksDir == "" {
		cfg.Paths.TasksDir = defaults.Paths.TasksDir
	}
	if cfg.Paths.HistoryDir == "" {
		cfg.Paths.HistoryDir = defaults.Paths.HistoryDir
	}
	if cfg.Scan.Workers == 0 {
		cfg.Scan.Workers = defaults.Scan.Workers
	}
	if len(cfg.Scan.ExcludeDirs) == 0 {
		cfg.Scan.ExcludeDirs = defaults.Scan.ExcludeDirs
	}
	if cfg.Verify.TimeoutSeconds == 0 {
		cfg.Verify.TimeoutSeconds = defaults.Verify.TimeoutSeconds
	}
	if len(cfg.Gate.GateTiers) == 0 {
		cfg.Gate.GateTiers = defaults.Gate.GateTiers
	}
	if cfg.Gate.BaseRef == "" {
		cfg.Gate.BaseRef = defaults.Gate.BaseRef
	}
	if cfg.Waivers.FilePattern == "" {
		cfg.Waivers.FilePattern = defaults.Waivers.FilePattern
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
}
