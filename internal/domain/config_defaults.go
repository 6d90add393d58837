package domain

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

func DefaultConfig() *Config {
	return &Config{
		BindAddr:  "127.0.0.1:6385",
		DataDir:   "./data",
		Power:     DefaultPowerConfig(),
		Cleaning:  CleaningConfig{},
		Agent:     DefaultAgentConfig(),
		Lock:      DefaultLockConfig(),
		Transport: DefaultTransportConfig(),
		Log:       DefaultLogConfig(),

		Workers:       WorkerConfig{PoolSize: 100},
		Timeouts:      DefaultTimeoutConfig(),
		Observability: ObservabilityConfig{Addr: "127.0.0.1:9180"},
	}
}

func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		CleanCallback:  30 * time.Minute,
		DeployCallback: 30 * time.Minute,
		RescueCallback: 30 * time.Minute,
		CheckInterval:  time.Minute,
	}
}

func DefaultPowerConfig() PowerConfig {
	return PowerConfig{
		StateChangeTimeout: 60 * time.Second,
		PollInterval:       time.Second,
		PollMaxInterval:    15 * time.Second,
		PollMultiplier:     2.0,
	}
}

func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		PollInterval: 2 * time.Second,
	}
}

func DefaultLockConfig() LockConfig {
	return LockConfig{
		TTL: 5 * time.Minute,
	}
}

func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ConnectionTimeout: 10 * time.Second,
		MaxMessageSizeMB:  4,
	}
}

func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:  "info",
		Format: "text",
	}
}

func NewConfigFromSimple(conductorID, bindAddr, dataDir string, logger *slog.Logger) *Config {
	config := DefaultConfig()
	config.ConductorID = conductorID
	config.BindAddr = bindAddr
	config.DataDir = dataDir
	config.Logger = logger

	if logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.ConductorID == "" {
		config.ConductorID = uuid.New().String()
	}

	return config
}

// LoadConfig reads a YAML file and fills every unset field from DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) ApplyDefaults() error {
	if err := mergo.Merge(c, DefaultConfig()); err != nil {
		return fmt.Errorf("%w: merge defaults: %v", ErrInvalidConfig, err)
	}
	if c.ConductorID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = uuid.New().String()
		}
		c.ConductorID = host
	}
	return nil
}

func (c *Config) Validate() error {
	switch {
	case c.Power.StateChangeTimeout <= 0:
		return fmt.Errorf("%w: power.state_change_timeout must be positive", ErrInvalidConfig)
	case c.Power.PollInterval <= 0:
		return fmt.Errorf("%w: power.poll_interval must be positive", ErrInvalidConfig)
	case c.Power.PollMaxInterval < c.Power.PollInterval:
		return fmt.Errorf("%w: power.poll_max_interval must not be below power.poll_interval", ErrInvalidConfig)
	case c.Power.PollMultiplier < 1:
		return fmt.Errorf("%w: power.poll_multiplier must be at least 1", ErrInvalidConfig)
	case c.Lock.TTL <= 0:
		return fmt.Errorf("%w: lock.ttl must be positive", ErrInvalidConfig)
	case c.Workers.PoolSize <= 0:
		return fmt.Errorf("%w: workers.pool_size must be positive", ErrInvalidConfig)
	case c.Timeouts.CheckInterval <= 0:
		return fmt.Errorf("%w: timeouts.check_interval must be positive", ErrInvalidConfig)
	case c.Agent.PollInterval < 0:
		return fmt.Errorf("%w: agent.poll_interval must not be negative", ErrInvalidConfig)
	}
	for _, peer := range c.Transport.Peers {
		if peer.ID == "" || peer.Address == "" {
			return fmt.Errorf("%w: transport peers need both id and address", ErrInvalidConfig)
		}
	}
	return nil
}
