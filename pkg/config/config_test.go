// Tests for configuration loading precedence and validation.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	t.Parallel()
	cfg := Default()
	assert.Equal(t, "Pipeline", cfg.Generate.TypeSuffix)
	assert.Equal(t, "_pipeline.gen.go", cfg.Generate.FileSuffix)
	assert.Equal(t, 1.0, cfg.Telemetry.SampleRate)
	assert.Equal(t, "http/protobuf", cfg.Telemetry.Protocol)
	assert.Equal(t, time.Second, cfg.Telemetry.SlowThreshold)
	assert.NoError(t, Validate(cfg))
}

func TestLoadWithoutFile(t *testing.T) {
	t.Parallel()
	cfg, err := Load("", t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadSearchesDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir, `
generate:
  type_suffix: Traced
  build_tags: [integration, sqlite]
telemetry:
  sample_rate: 0.25
  slow_threshold: 250ms
  signals: traces,metrics
`)
	cfg, err := Load("", dir, nil)
	require.NoError(t, err)
	assert.Equal(t, "Traced", cfg.Generate.TypeSuffix)
	assert.Equal(t, "_pipeline.gen.go", cfg.Generate.FileSuffix)
	assert.Equal(t, []string{"integration", "sqlite"}, cfg.Generate.BuildTags)
	assert.Equal(t, 0.25, cfg.Telemetry.SampleRate)
	assert.Equal(t, 250*time.Millisecond, cfg.Telemetry.SlowThreshold)
	assert.Equal(t, path, Used(dir))
}

func TestLoadExplicitPathMissing(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "", nil)
	assert.Error(t, err)
}

func TestLoadFlagsOverrideFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeConfig(t, dir, "generate:\n  type_suffix: Traced\n  file_suffix: _traced.go\n")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("type-suffix", "Pipeline", "")
	fs.String("file-suffix", "_pipeline.gen.go", "")
	require.NoError(t, fs.Parse([]string{"--type-suffix", "Wrapped"}))

	cfg, err := Load("", dir, map[string]*pflag.Flag{
		"generate.type_suffix": fs.Lookup("type-suffix"),
		"generate.file_suffix": fs.Lookup("file-suffix"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Wrapped", cfg.Generate.TypeSuffix)
	// Unset flags do not mask the file.
	assert.Equal(t, "_traced.go", cfg.Generate.FileSuffix)
}

func TestLoadRejectsUnknownFlagKey(t *testing.T) {
	t.Parallel()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Bool("verbose", false, "")
	_, err := Load("", t.TempDir(), map[string]*pflag.Flag{"generate.verbose": fs.Lookup("verbose")})
	assert.ErrorContains(t, err, "unknown config key")
}

func TestLoadEnvironment(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "telemetry:\n  sample_rate: 0.5\n")
	t.Setenv("TRACEWRAP_TELEMETRY_SAMPLE_RATE", "0.1")
	t.Setenv("TRACEWRAP_TELEMETRY_PROTOCOL", "grpc")

	cfg, err := Load("", dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.1, cfg.Telemetry.SampleRate)
	assert.Equal(t, "grpc", cfg.Telemetry.Protocol)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"unexported suffix", func(c *Config) { c.Generate.TypeSuffix = "pipeline" }, "type_suffix"},
		{"invalid suffix", func(c *Config) { c.Generate.TypeSuffix = "Pipe-line" }, "type_suffix"},
		{"non-go file", func(c *Config) { c.Generate.FileSuffix = "_pipeline.txt" }, "file_suffix"},
		{"test file", func(c *Config) { c.Generate.FileSuffix = "_pipeline_test.go" }, "file_suffix"},
		{"nested file", func(c *Config) { c.Generate.FileSuffix = "/gen.go" }, "file_suffix"},
		{"sample rate", func(c *Config) { c.Telemetry.SampleRate = 1.5 }, "sample_rate"},
		{"protocol", func(c *Config) { c.Telemetry.Protocol = "udp" }, "unsupported protocol"},
		{"signals", func(c *Config) { c.Telemetry.Signals = "traces,profiles" }, "unknown signal"},
		{"slow threshold", func(c *Config) { c.Telemetry.SlowThreshold = -time.Second }, "slow_threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.modify(cfg)
			assert.ErrorContains(t, Validate(cfg), tt.errMsg)
		})
	}
}

func TestParseSignals(t *testing.T) {
	t.Parallel()
	set, err := ParseSignals(" traces, logs ,,")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"traces": true, "logs": true}, set)
}
