package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Source   Source   `yaml:"source"`
	Evidence Evidence `yaml:"evidence"`
	Engine   Engine   `yaml:"engine"`
	Analysis Analysis `yaml:"analysis"`
	Schedule Schedule `yaml:"schedule"`
	Output   Output   `yaml:"output"`
	Server   Server   `yaml:"server"`
	Logging  Logging  `yaml:"logging"`
}

// Source configures the upstream incident API.
type Source struct {
	BaseURL       string   `yaml:"base_url"`
	APIKeyEnv     string   `yaml:"api_key_env"`
	Severities    []string `yaml:"severities"`
	LookbackHours int      `yaml:"lookback_hours"`
	PageSize      int      `yaml:"page_size"`
}

// Evidence configures the S3 bucket holding evidence blobs.
type Evidence struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	MaxSizeMB    int    `yaml:"max_size_mb"`
}

// Engine configures the classification engine.
type Engine struct {
	Model             string `yaml:"model"`
	BaseURL           string `yaml:"base_url"`
	APIKeyEnv         string `yaml:"api_key_env"`
	ReplyDialect      string `yaml:"reply_dialect"` // "verbose" or "compact"
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	MaxOutputTokens   int    `yaml:"max_output_tokens"`
}

// Analysis configures per-cycle classification behavior.
type Analysis struct {
	MaxPerCycle       int `yaml:"max_per_cycle"`
	LearningExamples  int `yaml:"learning_examples"`
	EvidenceCharLimit int `yaml:"evidence_char_limit"`
}

// Schedule configures the watch command.
type Schedule struct {
	Cron string `yaml:"cron"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for dlptriage.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "dlptriage")
}

// DataDir returns the XDG data directory for dlptriage.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "dlptriage")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/dlptriage/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'dlptriage init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Source: Source{
			APIKeyEnv:     "CYBERHAVEN_API_KEY",
			Severities:    []string{"high", "critical"},
			LookbackHours: 24,
			PageSize:      100,
		},
		Evidence: Evidence{
			Region:       "us-east-1",
			AccessKeyEnv: "AWS_ACCESS_KEY_ID",
			SecretKeyEnv: "AWS_SECRET_ACCESS_KEY",
			MaxSizeMB:    25,
		},
		Engine: Engine{
			Model:             "gemini-2.5-pro",
			BaseURL:           "https://generativelanguage.googleapis.com",
			APIKeyEnv:         "GEMINI_API_KEY",
			ReplyDialect:      "verbose",
			TimeoutSeconds:    120,
			RequestsPerMinute: 10,
			MaxOutputTokens:   4096,
		},
		Analysis: Analysis{
			MaxPerCycle:       20,
			LearningExamples:  5,
			EvidenceCharLimit: 50000,
		},
		Schedule: Schedule{Cron: "0 7 * * *"},
		Server:   Server{Port: 8844},
		Logging:  Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration consistency, reporting every fault at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Engine.Model == "" {
		errs = append(errs, errors.New("engine.model must be set"))
	}
	if c.Engine.APIKeyEnv == "" {
		errs = append(errs, errors.New("engine.api_key_env must be set"))
	}
	if d := c.Engine.ReplyDialect; d != "verbose" && d != "compact" {
		errs = append(errs, fmt.Errorf("engine.reply_dialect must be \"verbose\" or \"compact\", got %q", d))
	}
	if c.Engine.TimeoutSeconds < 1 {
		errs = append(errs, errors.New("engine.timeout_seconds must be at least 1"))
	}
	if c.Engine.RequestsPerMinute < 1 {
		errs = append(errs, errors.New("engine.requests_per_minute must be at least 1"))
	}
	if c.Analysis.MaxPerCycle < 1 {
		errs = append(errs, errors.New("analysis.max_per_cycle must be at least 1"))
	}
	if c.Analysis.LearningExamples < 0 {
		errs = append(errs, errors.New("analysis.learning_examples must not be negative"))
	}
	if c.Analysis.EvidenceCharLimit < 1000 {
		errs = append(errs, errors.New("analysis.evidence_char_limit must be at least 1000"))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}

	return errors.Join(errs...)
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// DBPath returns the SQLite database path under the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.GetDataDir(), "triage.db")
}

// IncidentsDir returns the root of the per-incident directory tree.
func (c *Config) IncidentsDir() string {
	return filepath.Join(c.GetDataDir(), "incidents")
}

// EngineAPIKey resolves the engine credential from the environment.
func (c *Config) EngineAPIKey() string {
	return os.Getenv(c.Engine.APIKeyEnv)
}

// SourceAPIKey resolves the incident API credential from the environment.
func (c *Config) SourceAPIKey() string {
	return os.Getenv(c.Source.APIKeyEnv)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
