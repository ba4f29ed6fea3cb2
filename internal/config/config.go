// Package config loads the YAML configuration file for a nym transport
// process: the gateway to dial, handshake timing, and the reorder-queue and
// data-frame bounds enforced per connection.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration shape. Load and Parse start from
// Defaults(), so fields a file leaves unset keep their default values; a
// Config built by hand gets no such filling.
type Config struct {
	GatewayURI             string        `yaml:"gateway_uri"`
	HandshakeTimeout       time.Duration `yaml:"handshake_timeout"`
	MaxQueuedPerConnection int           `yaml:"max_queued_per_connection"`
	MaxDataFrameBytes      int           `yaml:"max_data_frame_bytes"`
	LogLevel               string        `yaml:"log_level"`
}

// Defaults returns the configuration a process starts from if no file is
// supplied, matching the values documented for each field.
func Defaults() Config {
	return Config{
		HandshakeTimeout:       60 * time.Second,
		MaxQueuedPerConnection: 1024,
		MaxDataFrameBytes:      65536,
		LogLevel:               "info",
	}
}

// Load reads and parses the YAML file at path, applying Defaults() for any
// field the file leaves unset.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// rawConfig mirrors Config but with HandshakeTimeout as a duration string
// ("60s", "1m30s") since yaml.v3 has no native time.Duration support.
type rawConfig struct {
	GatewayURI             string `yaml:"gateway_uri"`
	HandshakeTimeout       string `yaml:"handshake_timeout"`
	MaxQueuedPerConnection int    `yaml:"max_queued_per_connection"`
	MaxDataFrameBytes      int    `yaml:"max_data_frame_bytes"`
	LogLevel               string `yaml:"log_level"`
}

// Parse unmarshals raw YAML, applying Defaults() for unset fields.
func Parse(raw []byte) (Config, error) {
	defaults := Defaults()
	r := rawConfig{
		HandshakeTimeout:       defaults.HandshakeTimeout.String(),
		MaxQueuedPerConnection: defaults.MaxQueuedPerConnection,
		MaxDataFrameBytes:      defaults.MaxDataFrameBytes,
		LogLevel:               defaults.LogLevel,
	}
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}

	timeout, err := time.ParseDuration(r.HandshakeTimeout)
	if err != nil {
		return Config{}, fmt.Errorf("config: parse handshake_timeout: %w", err)
	}

	cfg := Config{
		GatewayURI:             r.GatewayURI,
		HandshakeTimeout:       timeout,
		MaxQueuedPerConnection: r.MaxQueuedPerConnection,
		MaxDataFrameBytes:      r.MaxDataFrameBytes,
		LogLevel:               r.LogLevel,
	}
	if cfg.GatewayURI == "" {
		return Config{}, fmt.Errorf("config: gateway_uri is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("config: handshake_timeout must be positive")
	}
	if cfg.MaxQueuedPerConnection <= 0 {
		return Config{}, fmt.Errorf("config: max_queued_per_connection must be positive")
	}
	if cfg.MaxDataFrameBytes <= 0 {
		return Config{}, fmt.Errorf("config: max_data_frame_bytes must be positive")
	}
	return cfg, nil
}

// String renders the configuration back to YAML, used for startup logging.
func (c Config) String() string {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(raw)
}
