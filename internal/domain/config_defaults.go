package domain

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"dario.cat/mergo"
)

func DefaultConfig() *Config {
	return &Config{
		Storage:  DefaultStorageConfig(),
		Lease:    DefaultLeaseConfig(),
		Engine:   DefaultEngineConfig(),
		Dispatch: DefaultDispatchConfig(),
		Bridge:   DefaultBridgeConfig(),
	}
}

func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Driver:     StorageBadger,
		SyncWrites: true,
	}
}

func DefaultLeaseConfig() LeaseConfig {
	return LeaseConfig{
		TTL: 120 * time.Second,
	}
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		WorkerCount:      4,
		PollInterval:     time.Second,
		ExecutionTimeout: 5 * time.Minute,
		MaxSubstitutions: 3,
		RetryBackoff:     time.Second,
	}
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		BufferSize:    100,
		SendTimeout:   50 * time.Millisecond,
		KickoffStarts: true,
	}
}

func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		Enabled:    false,
		ListenAddr: ":7420",
	}
}

func NewConfigFromSimple(workerID, dataDir string, logger *slog.Logger) *Config {
	config := DefaultConfig()
	config.WorkerID = workerID
	config.DataDir = dataDir
	config.Logger = logger

	if logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return config
}

func (c *Config) WithMemoryStorage() *Config {
	c.Storage.Driver = StorageMemory
	return c
}

func (c *Config) WithBadger(dataDir string) *Config {
	c.Storage.Driver = StorageBadger
	if dataDir != "" {
		c.Storage.DataDir = dataDir
	}
	return c
}

func (c *Config) WithPostgres(dsn string) *Config {
	c.Storage.Driver = StoragePostgres
	c.Storage.PostgresDSN = dsn
	return c
}

func (c *Config) WithLeaseTTL(ttl time.Duration) *Config {
	c.Lease.TTL = ttl
	return c
}

func (c *Config) WithEngineSettings(workerCount int, pollInterval time.Duration, maxSubstitutions int) *Config {
	c.Engine.WorkerCount = workerCount
	c.Engine.PollInterval = pollInterval
	c.Engine.MaxSubstitutions = maxSubstitutions
	return c
}

func (c *Config) WithAssignee(name string) *Config {
	c.Engine.Assignee = name
	return c
}

func (c *Config) WithBridge(listenAddr string) *Config {
	c.Bridge.Enabled = true
	if listenAddr != "" {
		c.Bridge.ListenAddr = listenAddr
	}
	return c
}

func (c *Config) WithPeer(peerURL string) *Config {
	c.Bridge.PeerURL = peerURL
	return c
}

// Merge overlays non-zero fields of overlay onto c. Used to apply a config
// file on top of defaults before the With* builders run.
func (c *Config) Merge(overlay *Config) error {
	if overlay == nil {
		return nil
	}
	if err := mergo.Merge(c, overlay, mergo.WithOverride); err != nil {
		return NewConfigError("merge", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.WorkerID == "" {
		return NewConfigError("worker_id", ErrInvalidInput)
	}
	if c.Logger == nil {
		return NewConfigError("logger", ErrInvalidInput)
	}

	switch c.Storage.Driver {
	case StorageBadger:
		if c.Storage.DataDir == "" && c.DataDir == "" {
			return NewConfigError("storage.data_dir", ErrInvalidInput)
		}
	case StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			return NewConfigError("storage.postgres_dsn", ErrInvalidInput)
		}
	case StorageMemory:
	default:
		return NewConfigError("storage.driver", ErrInvalidInput)
	}

	if c.Lease.TTL <= 0 {
		return NewConfigError("lease.ttl", ErrInvalidInput)
	}
	if c.Lease.RenewInterval != 0 && (c.Lease.RenewInterval < 0 || c.Lease.RenewInterval >= c.Lease.TTL) {
		return NewConfigError("lease.renew_interval", ErrInvalidInput)
	}

	if c.Engine.WorkerCount <= 0 {
		return NewConfigError("engine.worker_count", ErrInvalidInput)
	}
	if c.Engine.PollInterval <= 0 {
		return NewConfigError("engine.poll_interval", ErrInvalidInput)
	}
	if c.Engine.MaxSubstitutions < 0 {
		return NewConfigError("engine.max_substitutions", ErrInvalidInput)
	}

	if c.Dispatch.BufferSize <= 0 {
		return NewConfigError("dispatch.buffer_size", ErrInvalidInput)
	}

	if c.Bridge.Enabled && c.Bridge.ListenAddr == "" {
		return NewConfigError("bridge.listen_addr", ErrInvalidInput)
	}

	return nil
}

// StorageDataDir resolves the directory the embedded store should open,
// falling back to the top-level data dir.
func (c *Config) StorageDataDir() string {
	if c.Storage.DataDir != "" {
		return c.Storage.DataDir
	}
	return c.DataDir
}

type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config field %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func NewConfigError(field string, err error) *ConfigError {
	return &ConfigError{
		Field: field,
		Err:   err,
	}
}
