// Package config loads twill's settings from defaults, an optional YAML file,
// TWILL_* environment variables, and command line flags, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"go.alexhamlin.co/twill/internal/offload"
	"go.alexhamlin.co/twill/internal/orchestrator"
)

const envPrefix = "TWILL"

// Output formats understood by the demo commands.
const (
	OutputText = "text"
	OutputJSON = "json"
	OutputYAML = "yaml"
)

var outputs = []string{OutputText, OutputJSON, OutputYAML}

// ErrInvalid is returned when a setting has an unusable value.
var ErrInvalid = errors.New("config: invalid setting")

// Config holds every twill setting.
type Config struct {
	// Workers bounds the registry's offload pool. Zero means GOMAXPROCS.
	Workers int `mapstructure:"workers"`
	// QueueLimit bounds the jobs waiting behind busy workers. Zero means
	// unbounded.
	QueueLimit int `mapstructure:"queue-limit"`
	// OrchestratorWorkers, if positive, gives run-all its own pool.
	OrchestratorWorkers int `mapstructure:"orchestrator-workers"`
	// Verbose enables dispatch tracing.
	Verbose bool `mapstructure:"verbose"`
	// Output selects how results are printed.
	Output string `mapstructure:"output"`
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	return Config{Output: OutputText}
}

// Flags registers every setting, plus --config, on fs.
func Flags(fs *pflag.FlagSet) {
	def := Default()
	fs.String("config", "", "path to a YAML config file")
	fs.Int("workers", def.Workers, "maximum concurrent capsule invocations (0 = GOMAXPROCS)")
	fs.Int("queue-limit", def.QueueLimit, "maximum invocations waiting for a worker (0 = unbounded)")
	fs.Int("orchestrator-workers", def.OrchestratorWorkers, "give run-all a private pool of this size (0 = share)")
	fs.BoolP("verbose", "v", def.Verbose, "trace dispatches to stderr")
	fs.StringP("output", "o", def.Output, "result format: "+strings.Join(outputs, ", "))
}

// Load resolves the settings registered on fs by [Flags].
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("workers", def.Workers)
	v.SetDefault("queue-limit", def.QueueLimit)
	v.SetDefault("orchestrator-workers", def.OrchestratorWorkers)
	v.SetDefault("verbose", def.Verbose)
	v.SetDefault("output", def.Output)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, fmt.Errorf("binding flags: %w", err)
		}
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding settings: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first unusable setting in c.
func (c Config) Validate() error {
	switch {
	case c.Workers < 0:
		return fmt.Errorf("%w: workers must not be negative, got %d", ErrInvalid, c.Workers)
	case c.QueueLimit < 0:
		return fmt.Errorf("%w: queue-limit must not be negative, got %d", ErrInvalid, c.QueueLimit)
	case c.OrchestratorWorkers < 0:
		return fmt.Errorf("%w: orchestrator-workers must not be negative, got %d", ErrInvalid, c.OrchestratorWorkers)
	case !slices.Contains(outputs, c.Output):
		return fmt.Errorf("%w: output must be one of %s, got %q", ErrInvalid, strings.Join(outputs, ", "), c.Output)
	}
	return nil
}

// PoolOptions returns the options for the registry's offload pool.
func (c Config) PoolOptions() offload.Options {
	return offload.Options{Workers: c.Workers, QueueLimit: c.QueueLimit}
}

// OrchestratorOptions returns the options for run-all orchestrators.
func (c Config) OrchestratorOptions() orchestrator.Options {
	return orchestrator.Options{Workers: c.OrchestratorWorkers}
}
