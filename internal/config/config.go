// Package config loads and validates the scan configuration: filter rules,
// analyzer registrations, concurrency limits, and enrichment settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document.
type Config struct {
	Scanning    ScanConfig       `yaml:"scanning"`
	Concurrency ConcurrencyConf  `yaml:"concurrency"`
	Analyzers   []AnalyzerConfig `yaml:"analyzers"`
	Enrich      EnrichConfig     `yaml:"enrich"`
	Output      OutputConfig     `yaml:"output"`
	LogLevel    string           `yaml:"log_level"`
}

// ScanConfig controls the path discoverer's filter predicate.
type ScanConfig struct {
	IgnoreFile     string   `yaml:"ignore_file"`     // gitignore-syntax file, relative to root
	IgnorePatterns []string `yaml:"ignore_patterns"` // extra gitignore-syntax patterns
	IncludeHidden  bool     `yaml:"include_hidden"`
	MaxFileSizeKB  int64    `yaml:"max_file_size_kb"`
}

// MaxFileSizeBytes returns the size cap in bytes.
func (s ScanConfig) MaxFileSizeBytes() int64 {
	return s.MaxFileSizeKB * 1024
}

// ConcurrencyConf bounds in-flight work and worker supervision.
type ConcurrencyConf struct {
	MaxInFlight          int `yaml:"max_in_flight"`          // simultaneous worker calls, all analyzers combined
	WorkerTimeoutSeconds int `yaml:"worker_timeout_seconds"` // per analyze call
	TimeoutRestartAfter  int `yaml:"timeout_restart_after"`  // consecutive timeouts before a restart
	MaxRestarts          int `yaml:"max_restarts"`           // restarts before an analyzer is disabled
}

// WorkerTimeout returns the per-call deadline.
func (c ConcurrencyConf) WorkerTimeout() time.Duration {
	return time.Duration(c.WorkerTimeoutSeconds) * time.Second
}

// AnalyzerConfig registers one external analyzer process and the
// file-matching rules that route files to it. Registration order matters:
// when rules overlap, the first registered analyzer wins.
type AnalyzerConfig struct {
	Name       string   `yaml:"name"`
	Command    []string `yaml:"command"` // argv for the worker process
	Extensions []string `yaml:"extensions"`
	Filenames  []string `yaml:"filenames"`
	Globs      []string `yaml:"globs"`
}

// EnrichConfig controls the pass-2 generation-service calls.
type EnrichConfig struct {
	Enabled        bool    `yaml:"enabled"`
	BaseURL        string  `yaml:"base_url"` // OpenAI-compatible endpoint
	Model          string  `yaml:"model"`
	APIKeyEnv      string  `yaml:"api_key_env"`
	MaxUnits       int     `yaml:"max_units"` // bounded subset per run
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float32 `yaml:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	MaxAttempts    int     `yaml:"max_attempts"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
	Concurrency    int     `yaml:"concurrency"`
}

// Timeout returns the per-call deadline for generation requests.
func (e EnrichConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// OutputConfig controls where scan artifacts are written.
type OutputConfig struct {
	Dir        string `yaml:"dir"`
	JSONFile   string `yaml:"json_file"`
	SQLiteFile string `yaml:"sqlite_file"`
}

// Default returns the built-in configuration, including the stock analyzer
// registrations for Python and Go sources.
func Default() *Config {
	return &Config{
		Scanning: ScanConfig{
			IgnoreFile:     ".gitignore",
			IgnorePatterns: []string{".git/", "node_modules/", "target/", "vendor/", "__pycache__/"},
			IncludeHidden:  false,
			MaxFileSizeKB:  1024,
		},
		Concurrency: ConcurrencyConf{
			MaxInFlight:          8,
			WorkerTimeoutSeconds: 60,
			TimeoutRestartAfter:  3,
			MaxRestarts:          2,
		},
		Analyzers: []AnalyzerConfig{
			{
				Name:       "python",
				Command:    []string{"python3", "analyzers/python_analyzer.py"},
				Extensions: []string{".py"},
				Filenames:  []string{"requirements.txt", "setup.py", "pyproject.toml"},
				Globs:      []string{"requirements*.txt"},
			},
			{
				Name:       "go",
				Command:    []string{"codescan-go-analyzer"},
				Extensions: []string{".go"},
				Filenames:  []string{"go.mod", "go.sum"},
			},
		},
		Enrich: EnrichConfig{
			Enabled:        false,
			Model:          "gpt-4o-mini",
			APIKeyEnv:      "OPENAI_API_KEY",
			MaxUnits:       50,
			MaxTokens:      256,
			Temperature:    0.2,
			TimeoutSeconds: 30,
			MaxAttempts:    3,
			RatePerSecond:  2,
			Concurrency:    4,
		},
		Output: OutputConfig{
			Dir:        ".codescan",
			JSONFile:   "matrix.json",
			SQLiteFile: "matrix.db",
		},
		LogLevel: "info",
	}
}

// Load reads a YAML config file layered over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the system depends on.
func (c *Config) Validate() error {
	if c.Concurrency.MaxInFlight <= 0 {
		return fmt.Errorf("concurrency.max_in_flight must be positive, got %d", c.Concurrency.MaxInFlight)
	}
	if c.Concurrency.WorkerTimeoutSeconds <= 0 {
		return fmt.Errorf("concurrency.worker_timeout_seconds must be positive, got %d", c.Concurrency.WorkerTimeoutSeconds)
	}
	if c.Concurrency.MaxRestarts < 0 {
		return fmt.Errorf("concurrency.max_restarts must not be negative, got %d", c.Concurrency.MaxRestarts)
	}

	seen := make(map[string]bool, len(c.Analyzers))
	for _, a := range c.Analyzers {
		if a.Name == "" {
			return fmt.Errorf("analyzer with empty name")
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate analyzer name %q", a.Name)
		}
		seen[a.Name] = true
		if len(a.Command) == 0 {
			return fmt.Errorf("analyzer %q has no command", a.Name)
		}
		if len(a.Extensions)+len(a.Filenames)+len(a.Globs) == 0 {
			return fmt.Errorf("analyzer %q matches no files", a.Name)
		}
	}

	if c.Enrich.Enabled {
		if c.Enrich.Model == "" {
			return fmt.Errorf("enrich.model is required when enrichment is enabled")
		}
		if c.Enrich.MaxAttempts <= 0 {
			return fmt.Errorf("enrich.max_attempts must be positive, got %d", c.Enrich.MaxAttempts)
		}
	}
	return nil
}
