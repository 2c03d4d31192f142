// Package config holds all varwire configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"varwire/internal/logging"
)

// Config holds all varwire configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Connection behavior
	Connection ConnectionConfig `yaml:"connection"`

	// Transport selection and settings
	Transport TransportConfig `yaml:"transport"`

	// Code block evaluation
	Eval EvalConfig `yaml:"eval"`

	// Logging
	Logging logging.Settings `yaml:"logging"`
}

// ConnectionConfig configures the connection runtime.
type ConnectionConfig struct {
	// DefaultUpdate is the fallback monitor refresh period.
	DefaultUpdate time.Duration `yaml:"default_update"`

	// Verbosity is handed to the connection, which stores it; no logging or
	// output depends on its value.
	Verbosity int `yaml:"verbosity"`

	// IndicateStart prints READY on the first successful outgoing tick.
	IndicateStart bool `yaml:"indicate_start"`

	// VerboseRefs adds a repr field to reference records.
	VerboseRefs bool `yaml:"verbose_refs"`

	// LongRunningThreshold is when the accounting worker warns about a
	// submitted callable that has not finished.
	LongRunningThreshold time.Duration `yaml:"long_running_threshold"`

	// DieOnFailure terminates the process on an uncaught async failure.
	DieOnFailure bool `yaml:"die_on_failure"`
}

// TransportConfig selects and configures a transport.
type TransportConfig struct {
	Kind string `yaml:"kind"` // pipe, spool, broker

	Pipe   PipeConfig   `yaml:"pipe"`
	Spool  SpoolConfig  `yaml:"spool"`
	Broker BrokerConfig `yaml:"broker"`
}

// PipeConfig configures the named-pipe transport.
type PipeConfig struct {
	In  string `yaml:"in"`  // path to read blocks from; "-" for stdin
	Out string `yaml:"out"` // path to write blocks to; "-" for stdout
}

// SpoolConfig configures the watched-directory transport.
type SpoolConfig struct {
	Dir string `yaml:"dir"`
}

// BrokerConfig configures the stream broker transport.
type BrokerConfig struct {
	URL       string   `yaml:"url"`
	Stream    string   `yaml:"stream"` // default output stream/topic
	Topics    []string `yaml:"topics"` // subscriptions
	PingEvery string   `yaml:"ping_every"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Name:    "varwire",
		Version: "0.1.0",
		Connection: ConnectionConfig{
			DefaultUpdate:        100 * time.Millisecond,
			Verbosity:            1,
			LongRunningThreshold: 10 * time.Second,
		},
		Transport: TransportConfig{
			Kind: "pipe",
			Pipe: PipeConfig{In: "-", Out: "-"},
		},
		Eval: EvalConfig{Languages: []string{"go"}},
	}
}

// EvalConfig configures the code block evaluator.
type EvalConfig struct {
	// Languages lists code block languages. The evaluator does not read it:
	// it accepts Go (and the empty default) and refuses every other language.
	Languages []string `yaml:"languages"`

	// Timeout for a single evaluation.
	Timeout time.Duration `yaml:"timeout"`
}

// Load reads a yaml config file, applying defaults for missing fields.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case "", "pipe", "spool", "broker":
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}
	if c.Transport.Kind == "broker" && c.Transport.Broker.URL == "" {
		return fmt.Errorf("broker transport requires a url")
	}
	if c.Transport.Kind == "spool" && c.Transport.Spool.Dir == "" {
		return fmt.Errorf("spool transport requires a dir")
	}
	if c.Connection.DefaultUpdate <= 0 {
		c.Connection.DefaultUpdate = 100 * time.Millisecond
	}
	return nil
}
