// Configuration for the tracewrap CLIs
// Merges .tracewrap.yaml, TRACEWRAP_* environment variables, and command-line flags
package config

import (
	"errors"
	"fmt"
	"go/token"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// FileName is the configuration file looked up in the working directory
// when no explicit path is given.
const FileName = ".tracewrap.yaml"

// EnvPrefix prefixes environment overrides, e.g. TRACEWRAP_TELEMETRY_SAMPLE_RATE.
const EnvPrefix = "TRACEWRAP"

// Config is the merged configuration.
type Config struct {
	Generate  GenerateConfig  `mapstructure:"generate" yaml:"generate"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// GenerateConfig controls pipeline generation.
type GenerateConfig struct {
	TypeSuffix string   `mapstructure:"type_suffix" yaml:"type_suffix"`
	FileSuffix string   `mapstructure:"file_suffix" yaml:"file_suffix"`
	BuildTags  []string `mapstructure:"build_tags" yaml:"build_tags,omitempty"`
	Tests      bool     `mapstructure:"tests" yaml:"tests"`
	CacheDB    string   `mapstructure:"cache_db" yaml:"cache_db,omitempty"`
}

// TelemetryConfig controls the providers built by the demo CLI.
type TelemetryConfig struct {
	ServiceName    string        `mapstructure:"service_name" yaml:"service_name"`
	SampleRate     float64       `mapstructure:"sample_rate" yaml:"sample_rate"`
	Endpoint       string        `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Protocol       string        `mapstructure:"protocol" yaml:"protocol"`
	Stdout         bool          `mapstructure:"stdout" yaml:"stdout"`
	Signals        string        `mapstructure:"signals" yaml:"signals"`
	SlowThreshold  time.Duration `mapstructure:"slow_threshold" yaml:"slow_threshold"`
	PrometheusAddr string        `mapstructure:"prometheus_addr" yaml:"prometheus_addr,omitempty"`
	PyroscopeAddr  string        `mapstructure:"pyroscope_addr" yaml:"pyroscope_addr,omitempty"`
}

var defaults = map[string]any{
	"generate.type_suffix":      "Pipeline",
	"generate.file_suffix":      "_pipeline.gen.go",
	"generate.build_tags":       []string{},
	"generate.tests":            false,
	"generate.cache_db":         "",
	"telemetry.service_name":    "tracewrap-demo",
	"telemetry.sample_rate":     1.0,
	"telemetry.endpoint":        "",
	"telemetry.protocol":        "http/protobuf",
	"telemetry.stdout":          false,
	"telemetry.signals":         "traces",
	"telemetry.slow_threshold":  time.Second,
	"telemetry.prometheus_addr": "",
	"telemetry.pyroscope_addr":  "",
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(fmt.Sprintf("BUG: decoding defaults: %v", err))
	}
	return cfg
}

// Load merges, in increasing precedence: defaults, the file at path (or
// FileName in dir when path is empty and that file exists), the environment,
// and any flags that were set explicitly. flags maps configuration keys such
// as "generate.type_suffix" to the flag that overrides them.
func Load(path, dir string, flags map[string]*pflag.Flag) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		if dir == "" {
			dir = "."
		}
		v.SetConfigName(strings.TrimSuffix(FileName, ".yaml"))
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	for key, flag := range flags {
		if flag == nil {
			continue
		}
		if _, ok := defaults[key]; !ok {
			return nil, fmt.Errorf("unknown config key %q for flag --%s", key, flag.Name)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("binding flag --%s: %w", flag.Name, err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Used reports the configuration file Load would read from dir, or "".
func Used(dir string) string {
	v := viper.New()
	v.SetConfigName(strings.TrimSuffix(FileName, ".yaml"))
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		return ""
	}
	return v.ConfigFileUsed()
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

var validSignals = map[string]bool{
	"traces":  true,
	"metrics": true,
	"logs":    true,
}

var validProtocols = map[string]bool{
	"http/protobuf": true,
	"grpc":          true,
}

// Validate checks values that would otherwise fail late or silently.
func Validate(cfg *Config) error {
	var errs []error
	g := cfg.Generate
	if !token.IsIdentifier(g.TypeSuffix) || !isUpper(g.TypeSuffix) {
		errs = append(errs, fmt.Errorf("generate.type_suffix %q must be an exported identifier", g.TypeSuffix))
	}
	if !strings.HasSuffix(g.FileSuffix, ".go") || strings.HasSuffix(g.FileSuffix, "_test.go") || strings.ContainsAny(g.FileSuffix, `/\`) {
		errs = append(errs, fmt.Errorf("generate.file_suffix %q must be a non-test .go file suffix", g.FileSuffix))
	}

	t := cfg.Telemetry
	if t.SampleRate < 0 || t.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %g", t.SampleRate))
	}
	if !validProtocols[t.Protocol] {
		errs = append(errs, fmt.Errorf("unsupported protocol %q, supported: http/protobuf, grpc", t.Protocol))
	}
	if _, err := ParseSignals(t.Signals); err != nil {
		errs = append(errs, err)
	}
	if t.SlowThreshold < 0 {
		errs = append(errs, fmt.Errorf("telemetry.slow_threshold must not be negative, got %s", t.SlowThreshold))
	}
	return errors.Join(errs...)
}

// ParseSignals parses a comma-separated signal list.
func ParseSignals(s string) (map[string]bool, error) {
	set := make(map[string]bool)
	for _, sig := range strings.Split(s, ",") {
		sig = strings.TrimSpace(sig)
		if sig == "" {
			continue
		}
		if !validSignals[sig] {
			return nil, fmt.Errorf("unknown signal %q, valid signals: traces, metrics, logs", sig)
		}
		set[sig] = true
	}
	return set, nil
}

func isUpper(s string) bool {
	return s != "" && s[0] >= 'A' && s[0] <= 'Z'
}
