package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadLayersOverDefaults(t *testing.T) {
	doc := `
scanning:
  include_hidden: true
  max_file_size_kb: 256
concurrency:
  max_in_flight: 2
analyzers:
  - name: rust
    command: ["python3", "rust_analyzer.py"]
    extensions: [".rs"]
    filenames: ["Cargo.toml"]
enrich:
  enabled: true
  model: local-model
  base_url: http://localhost:11434/v1
  max_attempts: 2
`
	path := filepath.Join(t.TempDir(), "codescan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Scanning.IncludeHidden)
	assert.Equal(t, int64(256*1024), cfg.Scanning.MaxFileSizeBytes())
	assert.Equal(t, 2, cfg.Concurrency.MaxInFlight)
	// Defaults survive for keys the document does not set.
	assert.Equal(t, 60, cfg.Concurrency.WorkerTimeoutSeconds)

	require.Len(t, cfg.Analyzers, 1, "analyzer list in the document replaces the defaults")
	assert.Equal(t, "rust", cfg.Analyzers[0].Name)

	assert.True(t, cfg.Enrich.Enabled)
	assert.Equal(t, "http://localhost:11434/v1", cfg.Enrich.BaseURL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "zero in-flight",
			mutate:  func(c *Config) { c.Concurrency.MaxInFlight = 0 },
			wantErr: "max_in_flight",
		},
		{
			name: "duplicate analyzer",
			mutate: func(c *Config) {
				c.Analyzers = append(c.Analyzers, c.Analyzers[0])
			},
			wantErr: "duplicate analyzer",
		},
		{
			name: "analyzer without command",
			mutate: func(c *Config) {
				c.Analyzers[0].Command = nil
			},
			wantErr: "no command",
		},
		{
			name: "analyzer without rules",
			mutate: func(c *Config) {
				c.Analyzers[0].Extensions = nil
				c.Analyzers[0].Filenames = nil
				c.Analyzers[0].Globs = nil
			},
			wantErr: "matches no files",
		},
		{
			name: "enrichment without model",
			mutate: func(c *Config) {
				c.Enrich.Enabled = true
				c.Enrich.Model = ""
			},
			wantErr: "enrich.model",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
