package baton

import (
	"log/slog"

	"github.com/batonrun/baton/internal/domain"
)

type Config = domain.Config

type StorageConfig = domain.StorageConfig

type StorageDriver = domain.StorageDriver

const (
	StorageBadger   = domain.StorageBadger
	StorageMemory   = domain.StorageMemory
	StoragePostgres = domain.StoragePostgres
)

type LeaseConfig = domain.LeaseConfig

type EngineConfig = domain.EngineConfig

type DispatchConfig = domain.DispatchConfig

type BridgeConfig = domain.BridgeConfig

type ConfigError = domain.ConfigError

// NewConfig returns the default configuration bound to a worker identity
// and data directory. Tune it with the With* builders before constructing
// the runtime:
//
//	cfg := baton.NewConfig("worker-1", "./data", logger).
//	    WithPostgres(dsn).
//	    WithLeaseTTL(2 * time.Minute).
//	    WithAssignee("media-pool")
func NewConfig(workerID, dataDir string, logger *slog.Logger) *Config {
	return domain.NewConfigFromSimple(workerID, dataDir, logger)
}

func DefaultConfig() *Config {
	return domain.DefaultConfig()
}
