package domain

import (
	"log/slog"
	"time"
)

type Config struct {
	WorkerID string       `json:"worker_id" yaml:"worker_id" mapstructure:"worker_id"`
	DataDir  string       `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
	Logger   *slog.Logger `json:"-" yaml:"-" mapstructure:"-"`

	Storage  StorageConfig  `json:"storage" yaml:"storage" mapstructure:"storage"`
	Lease    LeaseConfig    `json:"lease" yaml:"lease" mapstructure:"lease"`
	Engine   EngineConfig   `json:"engine" yaml:"engine" mapstructure:"engine"`
	Dispatch DispatchConfig `json:"dispatch" yaml:"dispatch" mapstructure:"dispatch"`
	Bridge   BridgeConfig   `json:"bridge" yaml:"bridge" mapstructure:"bridge"`
}

type StorageDriver string

const (
	StorageBadger   StorageDriver = "badger"
	StorageMemory   StorageDriver = "memory"
	StoragePostgres StorageDriver = "postgres"
)

type StorageConfig struct {
	Driver      StorageDriver `json:"driver" yaml:"driver" mapstructure:"driver"`
	DataDir     string        `json:"data_dir,omitempty" yaml:"data_dir,omitempty" mapstructure:"data_dir"`
	PostgresDSN string        `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty" mapstructure:"postgres_dsn"`
	SyncWrites  bool          `json:"sync_writes" yaml:"sync_writes" mapstructure:"sync_writes"`
}

type LeaseConfig struct {
	TTL           time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`
	RenewInterval time.Duration `json:"renew_interval,omitempty" yaml:"renew_interval,omitempty" mapstructure:"renew_interval"`
}

/// EffectiveRenewInterval is the keeper cadence: the configured interval, or
// a third of the TTL so two renewals can fail before the lease lapses.
func (c LeaseConfig) EffectiveRenewInterval() time.Duration {
	if c.RenewInterval > 0 {
		return c.RenewInterval
	}
	return c.TTL / 3
}

// EngineConfig shapes the worker pool. Assignee scopes the pool's
// notification subscription: empty hears every hint, a pool name hears only
// hints for states assigned to that name. Assignment is routing, not
// authorization; any pool may still claim any ready state it polls.
type EngineConfig struct {
	WorkerCount      int           `json:"worker_count" yaml:"worker_count" mapstructure:"worker_count"`
	Assignee         string        `json:"assignee,omitempty" yaml:"assignee,omitempty" mapstructure:"assignee"`
	PollInterval     time.Duration `json:"poll_interval" yaml:"poll_interval" mapstructure:"poll_interval"`
	ExecutionTimeout time.Duration `json:"execution_timeout" yaml:"execution_timeout" mapstructure:"execution_timeout"`
	MaxSubstitutions int           `json:"max_substitutions" yaml:"max_substitutions" mapstructure:"max_substitutions"`
	RetryBackoff     time.Duration `json:"retry_backoff" yaml:"retry_backoff" mapstructure:"retry_backoff"`
}

// DispatchConfig sizes the notification plumbing. BufferSize is the per
// subscriber channel depth; SendTimeout bounds bridge writes to a slow peer;
// KickoffStarts controls whether submitting a workflow emits the kickoff
// hints immediately.
type DispatchConfig struct {
	BufferSize    int           `json:"buffer_size" yaml:"buffer_size" mapstructure:"buffer_size"`
	SendTimeout   time.Duration `json:"send_timeout" yaml:"send_timeout" mapstructure:"send_timeout"`
	KickoffStarts bool          `json:"kickoff_starts" yaml:"kickoff_starts" mapstructure:"kickoff_starts"`
}

type BridgeConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	ListenAddr string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty" mapstructure:"listen_addr"`
	PeerURL    string `json:"peer_url,omitempty" yaml:"peer_url,omitempty" mapstructure:"peer_url"`
}
