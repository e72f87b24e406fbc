package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	StorageLevelDB = "leveldb"
	StorageMemory  = "memory"

	DefaultJWTSecretEnv = "ESCROW_JWT_SECRET"
	DefaultMaxBodyBytes = int64(1 << 20)
)

type Config struct {
	ListenAddress string          `toml:"ListenAddress"`
	DataDir       string          `toml:"DataDir"`
	Storage       string          `toml:"Storage"`
	RPC           RPCConfig       `toml:"rpc"`
	Events        EventsConfig    `toml:"events"`
	Log           LogConfig       `toml:"log"`
	Telemetry     TelemetryConfig `toml:"telemetry"`
}

// Load loads the configuration from the given path. A default configuration
// is written to path when the file does not exist.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("config: %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration written for fresh installs.
func Default() *Config {
	cfg := &Config{
		ListenAddress: ":8545",
		DataDir:       "./escrow-data",
		Storage:       StorageLevelDB,
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	c.Storage = strings.ToLower(strings.TrimSpace(c.Storage))
	if c.Storage == "" {
		c.Storage = StorageLevelDB
	}
	if strings.TrimSpace(c.RPC.JWTSecretEnv) == "" {
		c.RPC.JWTSecretEnv = DefaultJWTSecretEnv
	}
	if c.RPC.ClockSkewSeconds == 0 {
		c.RPC.ClockSkewSeconds = 30
	}
	if c.RPC.MaxBodyBytes == 0 {
		c.RPC.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.RPC.ReadHeaderTimeout == 0 {
		c.RPC.ReadHeaderTimeout = 5
	}
	if c.RPC.ReadTimeout == 0 {
		c.RPC.ReadTimeout = 15
	}
	if c.RPC.WriteTimeout == 0 {
		c.RPC.WriteTimeout = 15
	}
	if c.RPC.IdleTimeout == 0 {
		c.RPC.IdleTimeout = 60
	}
	if c.Events.HistorySize == 0 {
		c.Events.HistorySize = 1024
	}
	if c.Events.SubscriberBuffer == 0 {
		c.Events.SubscriberBuffer = 64
	}
	if strings.TrimSpace(c.Log.Env) == "" {
		c.Log.Env = "dev"
	}
	if c.Log.File != "" && c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
}

// JWTSecret resolves the token signing secret from the configured
// environment variable.
func (c *Config) JWTSecret() ([]byte, error) {
	secret := strings.TrimSpace(os.Getenv(c.RPC.JWTSecretEnv))
	if secret == "" {
		return nil, fmt.Errorf("config: environment variable %s is empty", c.RPC.JWTSecretEnv)
	}
	return []byte(secret), nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
