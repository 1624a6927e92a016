// Package config loads the engine's YAML configuration from a file path
// using gopkg.in/yaml.v3 tagged structs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is every knob the engine needs at startup. database_url,
// sendgrid_api_key, and test_mode are the wire-contract options; the
// rest are this implementation's own operational knobs, grouped under
// the same config struct as the externally-specified options.
type Config struct {
	// DatabaseURL is the path backing the log-structured store. Despite
	// the name (kept for wire-contract compatibility), this
	// implementation treats it as a local file path — see DESIGN.md's
	// Open Question on embedded SQL drivers.
	DatabaseURL string `yaml:"database_url"`

	// SendGridAPIKey enables real SendGrid delivery for the
	// Emails.To.Send effect when set; when empty the effect sends through
	// subscriptions.NoOpSender, which only logs, and each send is still
	// reported back as Email.Succeeded.
	SendGridAPIKey string `yaml:"sendgrid_api_key"`

	// TestMode, when true, runs the self-check scenarios instead of
	// serving.
	TestMode bool `yaml:"test_mode"`

	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Effect      EffectConfig      `yaml:"effect"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// CoordinatorConfig configures the transaction coordinator.
type CoordinatorConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// EffectConfig configures the effect fan-out pool.
type EffectConfig struct {
	Workers int           `yaml:"workers"`
	Timeout time.Duration `yaml:"timeout"`
	Buffer  int           `yaml:"buffer"`
}

// MetricsConfig configures the optional Prometheus HTTP server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config with sane values for local/demo use.
func Default() Config {
	return Config{
		DatabaseURL: "ledger.jsonl",
		TestMode:    false,
		Coordinator: CoordinatorConfig{QueueSize: 64},
		Effect:      EffectConfig{Workers: 4, Timeout: 5 * time.Second, Buffer: 64},
		Metrics:     MetricsConfig{Enabled: true, Port: 9090},
	}
}

// Load reads and parses a YAML config file, filling any field the file
// omits from Default().
func Load(path string) (Config, error) {
	cfg := Default()

	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(body, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
