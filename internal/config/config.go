// Package config loads rxlog configuration.
//
// Sources are applied in order, later ones winning:
//
//  1. Default()
//  2. a YAML file, validated against the embedded CUE schema
//  3. RXLOG_* environment variables
//  4. command-line flags (applied by the caller)
//
// Validate runs the schema over the final result, so every source is
// checked the same way.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Config is the complete rxlog configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" json:"store"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Engine    EngineConfig    `yaml:"engine" json:"engine"`
}

// StoreConfig selects and tunes the key/value backend.
type StoreConfig struct {
	Backend        string  `yaml:"backend" json:"backend"`
	Path           string  `yaml:"path" json:"path"`
	InMemory       bool    `yaml:"in_memory" json:"in_memory"`
	SyncWrites     bool    `yaml:"sync_writes" json:"sync_writes"`
	GCInterval     string  `yaml:"gc_interval" json:"gc_interval"`
	GCDiscardRatio float64 `yaml:"gc_discard_ratio" json:"gc_discard_ratio"`
}

// GCIntervalDuration parses GCInterval. Zero disables value log GC.
func (s StoreConfig) GCIntervalDuration() (time.Duration, error) {
	if s.GCInterval == "" || s.GCInterval == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.GCInterval)
	if err != nil {
		return 0, fmt.Errorf("store.gc_interval: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("store.gc_interval: negative duration %s", s.GCInterval)
	}
	return d, nil
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// TelemetryConfig selects exporters.
type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" json:"trace_exporter"`
	MetricExporter string `yaml:"metric_exporter" json:"metric_exporter"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	MetricsAddr    string `yaml:"metrics_addr" json:"metrics_addr"`
}

// EngineConfig sets recovery and reclaim behavior.
type EngineConfig struct {
	RecoveryPolicy string `yaml:"recovery_policy" json:"recovery_policy"`
	ReclaimMode    string `yaml:"reclaim_mode" json:"reclaim_mode"`
}

// Default returns a usable configuration: a Badger store at ./rxlog.db with
// synchronous writes, text logs at info, telemetry off.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend:        "badger",
			Path:           "rxlog.db",
			SyncWrites:     true,
			GCInterval:     "5m",
			GCDiscardRatio: 0.5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "none",
			OTLPEndpoint:   "localhost:4317",
		},
		Engine: EngineConfig{
			RecoveryPolicy: "fail",
			ReclaimMode:    "async",
		},
	}
}

// Load returns Default() overlaid with the YAML file at path (skipped when
// path is empty) and the environment, then validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse overlays YAML data onto Default() and validates the result. The
// environment is not consulted.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decodeYAML(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	err := dec.Decode(cfg)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// envVar binds one environment variable to a config field.
type envVar struct {
	name string
	set  func(cfg *Config, v string) error
}

func str(field func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*field(cfg) = v
		return nil
	}
}

func boolean(field func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(cfg) = b
		return nil
	}
}

var envVars = []envVar{
	{"RXLOG_STORE_BACKEND", str(func(c *Config) *string { return &c.Store.Backend })},
	{"RXLOG_STORE_PATH", str(func(c *Config) *string { return &c.Store.Path })},
	{"RXLOG_STORE_IN_MEMORY", boolean(func(c *Config) *bool { return &c.Store.InMemory })},
	{"RXLOG_STORE_SYNC_WRITES", boolean(func(c *Config) *bool { return &c.Store.SyncWrites })},
	{"RXLOG_STORE_GC_INTERVAL", str(func(c *Config) *string { return &c.Store.GCInterval })},
	{"RXLOG_STORE_GC_DISCARD_RATIO", func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.Store.GCDiscardRatio = f
		return nil
	}},
	{"RXLOG_LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"RXLOG_LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},
	{"RXLOG_TELEMETRY_TRACE_EXPORTER", str(func(c *Config) *string { return &c.Telemetry.TraceExporter })},
	{"RXLOG_TELEMETRY_METRIC_EXPORTER", str(func(c *Config) *string { return &c.Telemetry.MetricExporter })},
	{"RXLOG_TELEMETRY_OTLP_ENDPOINT", str(func(c *Config) *string { return &c.Telemetry.OTLPEndpoint })},
	{"RXLOG_TELEMETRY_METRICS_ADDR", str(func(c *Config) *string { return &c.Telemetry.MetricsAddr })},
	{"RXLOG_ENGINE_RECOVERY_POLICY", str(func(c *Config) *string { return &c.Engine.RecoveryPolicy })},
	{"RXLOG_ENGINE_RECLAIM_MODE", str(func(c *Config) *string { return &c.Engine.ReclaimMode })},
}

// EnvVars returns the names of the recognized environment variables.
func EnvVars() []string {
	names := make([]string, len(envVars))
	for i, ev := range envVars {
		names[i] = ev.name
	}
	return names
}

// ApplyEnv overlays the RXLOG_* variables found by lookup onto cfg.
// lookup is os.LookupEnv outside tests.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, ev := range envVars {
		v, ok := lookup(ev.name)
		if !ok {
			continue
		}
		if err := ev.set(cfg, v); err != nil {
			return fmt.Errorf("%s: %w", ev.name, err)
		}
	}
	return nil
}

// ValidationError reports a config that does not satisfy the schema.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	if len(e.Messages) == 1 {
		return "invalid config: " + e.Messages[0]
	}
	return fmt.Sprintf("invalid config: %s (and %d more)", e.Messages[0], len(e.Messages)-1)
}

// Validate unifies cfg with the embedded CUE schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	v := schema.Unify(ctx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return newValidationError(err)
	}
	if _, err := c.Store.GCIntervalDuration(); err != nil {
		return &ValidationError{Messages: []string{err.Error()}}
	}
	if c.Store.Path == "" && !c.Store.InMemory {
		return &ValidationError{Messages: []string{"store.path is required unless store.in_memory is set"}}
	}
	return nil
}

func newValidationError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &ValidationError{Messages: []string{err.Error()}}
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return &ValidationError{Messages: msgs}
}
