package config

import (
	"fmt"
	"strings"
)

var (
	MaxEventHistory = 1 << 20
	MinBodyBytes    = int64(1024)
)

// Validate checks the loaded configuration for values the node cannot run
// with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress must be set")
	}
	switch c.Storage {
	case StorageLevelDB:
		if strings.TrimSpace(c.DataDir) == "" {
			return fmt.Errorf("config: DataDir must be set for %s storage", StorageLevelDB)
		}
	case StorageMemory:
	default:
		return fmt.Errorf("config: unknown Storage %q (want %s or %s)", c.Storage, StorageLevelDB, StorageMemory)
	}
	if strings.TrimSpace(c.RPC.JWTSecretEnv) == "" {
		return fmt.Errorf("rpc: JWTSecretEnv must be set")
	}
	if c.RPC.MaxBodyBytes < MinBodyBytes {
		return fmt.Errorf("rpc: MaxBodyBytes must be >= %d", MinBodyBytes)
	}
	if c.RPC.RateLimitPerSec < 0 || c.RPC.RateLimitBurst < 0 {
		return fmt.Errorf("rpc: rate limits must not be negative")
	}
	if c.RPC.RateLimitPerSec > 0 && c.RPC.RateLimitBurst == 0 {
		return fmt.Errorf("rpc: RateLimitBurst must be > 0 when RateLimitPerSec is set")
	}
	if c.Events.HistorySize <= 0 || c.Events.HistorySize > MaxEventHistory {
		return fmt.Errorf("events: HistorySize must be within 1..%d", MaxEventHistory)
	}
	if c.Events.SubscriberBuffer <= 0 {
		return fmt.Errorf("events: SubscriberBuffer must be > 0")
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return fmt.Errorf("log: rotation limits must not be negative")
	}
	if (c.Telemetry.Metrics || c.Telemetry.Traces) && strings.TrimSpace(c.Telemetry.OTLPEndpoint) == "" {
		return fmt.Errorf("telemetry: OTLPEndpoint required when exporters are enabled")
	}
	return nil
}
