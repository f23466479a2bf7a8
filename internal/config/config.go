// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the sandboxd configuration.
//
// Configuration is resolved in three layers: built-in defaults, an optional
// YAML file, then environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// DefaultPath is the config file location used when none is given.
const DefaultPath = "/etc/biomed-iot/sandboxd.yaml"

// Config is the complete sandboxd configuration.
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	Auth    AuthConfig    `yaml:"auth"`
	Log     LogConfig     `yaml:"log"`
	Store   StoreConfig   `yaml:"store"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Broker  BrokerConfig  `yaml:"broker"`
	Routes  RouteConfig   `yaml:"routes"`
	Influx  InfluxConfig  `yaml:"influx"`
	Flows   FlowsConfig   `yaml:"flows"`

	// RemoteTimeout bounds every call to the container runtime, broker and
	// proxy. A hung remote must not hang a tenant request indefinitely.
	// Environment: BIOMED_REMOTE_TIMEOUT
	// Default: 30s
	RemoteTimeout time.Duration `yaml:"remote_timeout,omitempty"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// ListenConfig configures the daemon's HTTP listener.
type ListenConfig struct {
	// Addr is the TCP address to listen on.
	// Environment: BIOMED_LISTEN_ADDR
	// Default: 127.0.0.1:8440
	Addr string `yaml:"addr,omitempty"`
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	// APIKey is the bearer token required on every API request.
	// Environment: BIOMED_API_KEY
	APIKey string `yaml:"api_key,omitempty"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Default: info
	Level string `yaml:"level,omitempty"`

	// Format sets the output format (json, text).
	// Default: json
	Format string `yaml:"format,omitempty"`
}

// StoreConfig configures the persisted record store.
type StoreConfig struct {
	// Path is the SQLite database file path.
	// Environment: BIOMED_STORE_PATH
	// Default: /var/lib/biomed-iot/sandboxd.db
	Path string `yaml:"path,omitempty"`
}

// RuntimeConfig configures the sandbox container runtime.
type RuntimeConfig struct {
	// Image is the sandbox container image.
	// Default: custom-node-red
	Image string `yaml:"image,omitempty"`

	// InternalPort is the fixed port the sandbox listens on inside the
	// container. Docker assigns the published host port dynamically.
	// Default: 1880
	InternalPort int `yaml:"internal_port,omitempty"`

	// Network is the docker network to attach sandboxes to.
	// Default: bridge
	Network string `yaml:"network,omitempty"`

	// DockerHostIP is the address sandboxes use to reach host services
	// (broker, time-series database) from inside the bridge network.
	// Default: 172.17.0.1
	DockerHostIP string `yaml:"docker_host_ip,omitempty"`
}

// BrokerConfig configures the message broker and its dynamic-security plugin.
type BrokerConfig struct {
	// Host is the broker address as seen from the daemon.
	// Environment: BIOMED_BROKER_HOST
	// Default: 127.0.0.1
	Host string `yaml:"host,omitempty"`

	// Port is the broker listener the daemon connects to for dynamic-security
	// commands.
	// Default: 1883
	Port int `yaml:"port,omitempty"`

	// DockerPort is the broker listener sandboxes connect to from inside the
	// docker network.
	// Default: 1884
	DockerPort int `yaml:"docker_port,omitempty"`

	// AdminUsername authenticates the daemon against the dynamic-security
	// plugin.
	// Environment: BIOMED_BROKER_ADMIN_USER
	AdminUsername string `yaml:"admin_username,omitempty"`

	// AdminPassword is the matching password.
	// Environment: BIOMED_BROKER_ADMIN_PASSWORD
	AdminPassword string `yaml:"admin_password,omitempty"`
}

// RouteConfig configures the edge proxy routing table.
type RouteConfig struct {
	// ConfDir is the directory holding one proxy server-block fragment per
	// sandbox.
	// Default: /etc/nginx/conf.d/nodered_locations
	ConfDir string `yaml:"conf_dir,omitempty"`

	// ReloadCommand triggers a proxy configuration reload after the routing
	// table changes.
	// Default: [nginx, -s, reload]
	ReloadCommand []string `yaml:"reload_command,omitempty"`
}

// InfluxConfig describes the time-series database sandboxes write to.
// The daemon only passes these values into the sandbox environment; the
// database itself is owned by another subsystem.
type InfluxConfig struct {
	// Org is the organization name.
	Org string `yaml:"org,omitempty"`

	// Host is the database address as seen from inside the docker network.
	// Default: 172.17.0.1
	Host string `yaml:"host,omitempty"`

	// Port is the database port.
	// Default: 8086
	Port int `yaml:"port,omitempty"`

	// Bucket is the tenant bucket name template value handed to sandboxes.
	Bucket string `yaml:"bucket,omitempty"`

	// Token is the bucket access token handed to sandboxes.
	Token string `yaml:"token,omitempty"`
}

// FlowsConfig configures the flow-configuration bootstrap.
type FlowsConfig struct {
	// TokenTTL is the validity window of the signed token used to push the
	// flow document into a fresh sandbox.
	// Default: 300m
	TokenTTL time.Duration `yaml:"token_ttl,omitempty"`
}

// Default returns a Config populated with built-in defaults.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Addr: "127.0.0.1:8440"},
		Log:    LogConfig{Level: "info", Format: "json"},
		Store:  StoreConfig{Path: "/var/lib/biomed-iot/sandboxd.db"},
		Runtime: RuntimeConfig{
			Image:        "custom-node-red",
			InternalPort: 1880,
			Network:      "bridge",
			DockerHostIP: "172.17.0.1",
		},
		Broker: BrokerConfig{
			Host:       "127.0.0.1",
			Port:       1883,
			DockerPort: 1884,
		},
		Routes: RouteConfig{
			ConfDir:       "/etc/nginx/conf.d/nodered_locations",
			ReloadCommand: []string{"nginx", "-s", "reload"},
		},
		Influx: InfluxConfig{
			Host: "172.17.0.1",
			Port: 8086,
		},
		Flows:           FlowsConfig{TokenTTL: 300 * time.Minute},
		RemoteTimeout:   30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// Load reads the configuration from path, falling back to defaults when the
// file does not exist. An empty path means DefaultPath. Environment overrides
// are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No config file is fine; defaults plus env cover development setups.
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("BIOMED_LISTEN_ADDR"); v != "" {
		c.Listen.Addr = v
	}
	if v := os.Getenv("BIOMED_API_KEY"); v != "" {
		c.Auth.APIKey = v
	}
	if v := os.Getenv("BIOMED_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("BIOMED_BROKER_HOST"); v != "" {
		c.Broker.Host = v
	}
	if v := os.Getenv("BIOMED_BROKER_ADMIN_USER"); v != "" {
		c.Broker.AdminUsername = v
	}
	if v := os.Getenv("BIOMED_BROKER_ADMIN_PASSWORD"); v != "" {
		c.Broker.AdminPassword = v
	}
	if v := os.Getenv("BIOMED_REMOTE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RemoteTimeout = d
		}
	}
}

// Validate checks the configuration for fatal inconsistencies.
func (c *Config) Validate() error {
	if c.Listen.Addr == "" {
		return fmt.Errorf("%w: listen.addr must not be empty", ErrInvalidConfig)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("%w: store.path must not be empty", ErrInvalidConfig)
	}
	if c.Runtime.Image == "" {
		return fmt.Errorf("%w: runtime.image must not be empty", ErrInvalidConfig)
	}
	if c.Runtime.InternalPort <= 0 || c.Runtime.InternalPort > 65535 {
		return fmt.Errorf("%w: runtime.internal_port %d out of range", ErrInvalidConfig, c.Runtime.InternalPort)
	}
	if c.Broker.Host == "" {
		return fmt.Errorf("%w: broker.host must not be empty", ErrInvalidConfig)
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("%w: broker.port %d out of range", ErrInvalidConfig, c.Broker.Port)
	}
	if c.Routes.ConfDir == "" {
		return fmt.Errorf("%w: routes.conf_dir must not be empty", ErrInvalidConfig)
	}
	if len(c.Routes.ReloadCommand) == 0 {
		return fmt.Errorf("%w: routes.reload_command must not be empty", ErrInvalidConfig)
	}
	if c.Flows.TokenTTL <= 0 {
		return fmt.Errorf("%w: flows.token_ttl must be positive", ErrInvalidConfig)
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("%w: remote_timeout must be positive", ErrInvalidConfig)
	}
	return nil
}
