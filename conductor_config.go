package conductor

import (
	"github.com/eleven-am/conductor/internal/domain"
)

type Config = domain.Config

type PowerConfig = domain.PowerConfig

type CleaningConfig = domain.CleaningConfig

type AgentConfig = domain.AgentConfig

type LockConfig = domain.LockConfig

type TransportConfig = domain.TransportConfig

type PeerConfig = domain.PeerConfig

type WorkerConfig = domain.WorkerConfig

type TimeoutConfig = domain.TimeoutConfig

type ObservabilityConfig = domain.ObservabilityConfig

type LogConfig = domain.LogConfig

func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

// LoadConfig reads a YAML configuration file. Unset fields take their
// defaults.
func LoadConfig(path string) (*Config, error) {
	return domain.LoadConfig(path)
}
