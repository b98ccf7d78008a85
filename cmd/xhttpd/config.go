package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// BackendConfig describes one configured upstream in the Director's
// ordered list (spec.md §3's Backend).
type BackendConfig struct {
	Name     string `yaml:"name"`
	Address  string `yaml:"address"`
	Capacity int64  `yaml:"capacity"`
}

// Config is xhttpd's own YAML configuration surface: grounded on
// config.Config's InitConfigFromFile/DefaultConfig/Process shape
// (teacher's config package), but a much smaller struct — this spec's
// Director holds a statically configured backend list rather than the
// teacher's NATS-driven dynamic route registry, and the compiled-DSL
// handler pipeline is an external collaborator (spec.md §1), so neither
// needs a config surface here. See DESIGN.md for the full rationale.
type Config struct {
	Host    string `yaml:"host"`
	Port    uint16 `yaml:"port"`
	Workers int    `yaml:"workers"`

	DocumentRoot string `yaml:"document_root"`
	Index        string `yaml:"index"`

	Backends    []BackendConfig `yaml:"backends"`
	CloakServer bool            `yaml:"cloak_server"`

	MaxRequestLine       int           `yaml:"max_request_line"`
	MaxHeaderBlock       int           `yaml:"max_header_block"`
	MaxKeepAliveRequests int           `yaml:"max_keep_alive_requests"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	RetryWindow          time.Duration `yaml:"retry_window"`
	HealthCheckInterval  time.Duration `yaml:"health_check_interval"`
	DrainTimeout         time.Duration `yaml:"drain_timeout"`

	Logging struct {
		Level  string `yaml:"level"`
		Format struct {
			Timestamp string `yaml:"timestamp"`
		} `yaml:"format"`
	} `yaml:"logging"`

	Metrics struct {
		Port int `yaml:"port"`
	} `yaml:"metrics"`
}

// DefaultConfig mirrors config.DefaultConfig's "sane defaults before any
// file is read" contract.
func DefaultConfig() *Config {
	c := &Config{
		Host:                 "0.0.0.0",
		Port:                 8080,
		Workers:              4,
		DocumentRoot:         "/var/www",
		Index:                "index.html",
		MaxRequestLine:       8 * 1024,
		MaxHeaderBlock:       64 * 1024,
		MaxKeepAliveRequests: 100,
		IdleTimeout:          75 * time.Second,
		ConnectTimeout:       5 * time.Second,
		RetryWindow:          2 * time.Second,
		HealthCheckInterval:  5 * time.Second,
		DrainTimeout:         15 * time.Second,
	}
	c.Logging.Level = "info"
	c.Logging.Format.Timestamp = "unix-epoch"
	return c
}

// InitConfigFromFile loads YAML from path over the defaults, matching
// config.InitConfigFromFile's "defaults, then overlay the file" order.
func InitConfigFromFile(path string) (*Config, error) {
	c := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}
	return c, nil
}
