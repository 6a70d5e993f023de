// Package config loads the simulator configuration from YAML with
// environment overrides.
//
// A file holds any subset of the sections below; missing values keep their
// defaults:
//
//	engine:
//	  parallelize_partner_gates: true
//	  hop_latency: 5ms
//	  process_timeout: 2s
//	  best_effort_sharing: false
//	logging:
//	  level: info
//	  format: text
//	tracing:
//	  enabled: false
//	  exporter: stdout
//	metrics:
//	  listen: ":9090"
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/signalsfoundry/gatesim/internal/logging"
	"github.com/signalsfoundry/gatesim/internal/observability"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHopLatency     = 5 * time.Millisecond
	DefaultProcessTimeout = 2 * time.Second
)

// Duration wraps time.Duration so YAML files can use "250ms" notation.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// EngineConfig tunes the connection engine.
type EngineConfig struct {
	ParallelizePartnerGates bool     `yaml:"parallelize_partner_gates"`
	HopLatency              Duration `yaml:"hop_latency"`
	ProcessTimeout          Duration `yaml:"process_timeout"`
	BestEffortSharing       bool     `yaml:"best_effort_sharing"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Listen address
// disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Config is the complete simulator configuration.
type Config struct {
	Engine  EngineConfig                `yaml:"engine"`
	Logging logging.Config              `yaml:"logging"`
	Tracing observability.TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig               `yaml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			HopLatency:     Duration(DefaultHopLatency),
			ProcessTimeout: Duration(DefaultProcessTimeout),
		},
		Logging: logging.Config{Level: "info", Format: "text"},
		Tracing: observability.DefaultTracingConfig(),
	}
}

// Load reads path over the defaults. An empty path returns Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadEnvFile exports the variables of a dotenv file that are not already
// set in the environment, so ApplyEnv sees them.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// FromEnv returns Default() with environment overrides applied.
func FromEnv() Config {
	return ApplyEnv(Default())
}

// ApplyEnv overrides cfg with the GATESIM_* variables that are set, plus the
// logging and tracing variables those packages read. Unparseable values are
// ignored.
func ApplyEnv(cfg Config) Config {
	if v, ok := lookupBool("GATESIM_PARALLELIZE"); ok {
		cfg.Engine.ParallelizePartnerGates = v
	}
	if v, ok := lookupBool("GATESIM_BEST_EFFORT_SHARING"); ok {
		cfg.Engine.BestEffortSharing = v
	}
	if d, ok := lookupDuration("GATESIM_HOP_LATENCY"); ok {
		cfg.Engine.HopLatency = Duration(d)
	}
	if d, ok := lookupDuration("GATESIM_PROCESS_TIMEOUT"); ok {
		cfg.Engine.ProcessTimeout = Duration(d)
	}
	if v := os.Getenv("GATESIM_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}

	env := logging.ConfigFromEnv()
	if env.Level != "" {
		cfg.Logging.Level = env.Level
	}
	if env.Format != "" {
		cfg.Logging.Format = env.Format
	}
	cfg.Tracing = observability.ApplyTracingEnv(cfg.Tracing)
	return cfg
}

// Validate reports settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Engine.HopLatency.Duration() <= 0 {
		errs = append(errs, errors.New("engine.hop_latency must be positive"))
	}
	if c.Engine.ProcessTimeout.Duration() < 0 {
		errs = append(errs, errors.New("engine.process_timeout must not be negative"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio %v outside [0,1]", c.Tracing.SampleRatio))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is neither text nor json", c.Logging.Format))
	}
	return errors.Join(errs...)
}

func (c *Config) applyDefaults() {
	if c.Engine.HopLatency == 0 {
		c.Engine.HopLatency = Duration(DefaultHopLatency)
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "gatesim"
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "stdout"
	}
}

func lookupBool(key string) (bool, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func lookupDuration(key string) (time.Duration, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return d, true
}
