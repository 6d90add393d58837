package domain

import (
	"log/slog"
	"time"
)

type Config struct {
	ConductorID    string       `json:"conductor_id" yaml:"conductor_id"`
	ConductorGroup string       `json:"conductor_group,omitempty" yaml:"conductor_group,omitempty"`
	BindAddr       string       `json:"bind_addr" yaml:"bind_addr"`
	DataDir        string       `json:"data_dir" yaml:"data_dir"`
	Logger         *slog.Logger `json:"-" yaml:"-"`

	Power     PowerConfig     `json:"power" yaml:"power"`
	Cleaning  CleaningConfig  `json:"cleaning" yaml:"cleaning"`
	Agent     AgentConfig     `json:"agent" yaml:"agent"`
	Lock      LockConfig      `json:"lock" yaml:"lock"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
	Log       LogConfig       `json:"log" yaml:"log"`

	Workers       WorkerConfig        `json:"workers" yaml:"workers"`
	Timeouts      TimeoutConfig       `json:"timeouts" yaml:"timeouts"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

type WorkerConfig struct {
	PoolSize int `json:"pool_size" yaml:"pool_size"`
}

// TimeoutConfig bounds how long a node may wait for a ramdisk callback.
type TimeoutConfig struct {
	CleanCallback  time.Duration `json:"clean_callback" yaml:"clean_callback"`
	DeployCallback time.Duration `json:"deploy_callback" yaml:"deploy_callback"`
	RescueCallback time.Duration `json:"rescue_callback" yaml:"rescue_callback"`
	CheckInterval  time.Duration `json:"check_interval" yaml:"check_interval"`
}

type PowerConfig struct {
	// StateChangeTimeout bounds WaitForPowerState when the caller gives none.
	StateChangeTimeout time.Duration `json:"state_change_timeout" yaml:"state_change_timeout"`
	PollInterval       time.Duration `json:"poll_interval" yaml:"poll_interval"`
	PollMaxInterval    time.Duration `json:"poll_max_interval" yaml:"poll_max_interval"`
	PollMultiplier     float64       `json:"poll_multiplier" yaml:"poll_multiplier"`
}

type CleaningConfig struct {
	AutomatedClean *bool `json:"automated_clean,omitempty" yaml:"automated_clean,omitempty"`
}

type AgentConfig struct {
	// PollInterval is the network agent polling period; the conductor waits
	// twice this long before restoring a power state after network changes.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

type LockConfig struct {
	TTL time.Duration `json:"ttl" yaml:"ttl"`
}

type TransportConfig struct {
	ConnectionTimeout time.Duration `json:"connection_timeout" yaml:"connection_timeout"`
	MaxMessageSizeMB  int           `json:"max_message_size_mb" yaml:"max_message_size_mb"`
	Peers             []PeerConfig  `json:"peers,omitempty" yaml:"peers,omitempty"`
}

type PeerConfig struct {
	ID      string `json:"id" yaml:"id"`
	Address string `json:"address" yaml:"address"`
	Group   string `json:"group,omitempty" yaml:"group,omitempty"`
}

type ObservabilityConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// AutomatedCleanEnabled reports the effective conductor-wide setting.
func (c CleaningConfig) AutomatedCleanEnabled() bool {
	return c.AutomatedClean == nil || *c.AutomatedClean
}
