package config

// RPCConfig controls the JSON-RPC listener and caller authentication.
type RPCConfig struct {
	// JWTSecretEnv names the environment variable holding the HS256 secret.
	JWTSecretEnv      string  `toml:"JWTSecretEnv"`
	JWTIssuer         string  `toml:"JWTIssuer"`
	JWTAudience       string  `toml:"JWTAudience"`
	ClockSkewSeconds  uint32  `toml:"ClockSkewSeconds"`
	MaxBodyBytes      int64   `toml:"MaxBodyBytes"`
	ReadHeaderTimeout uint32  `toml:"ReadHeaderTimeout"`
	ReadTimeout       uint32  `toml:"ReadTimeout"`
	WriteTimeout      uint32  `toml:"WriteTimeout"`
	IdleTimeout       uint32  `toml:"IdleTimeout"`
	RateLimitPerSec   float64 `toml:"RateLimitPerSec"`
	RateLimitBurst    int     `toml:"RateLimitBurst"`
}

// EventsConfig sizes the in-memory event feed.
type EventsConfig struct {
	HistorySize      int `toml:"HistorySize"`
	SubscriberBuffer int `toml:"SubscriberBuffer"`
}

// LogConfig selects the log environment and optional rotating file output.
type LogConfig struct {
	Env        string `toml:"Env"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	OTLPEndpoint string `toml:"OTLPEndpoint"`
	OTLPHeaders  string `toml:"OTLPHeaders"`
	Insecure     bool   `toml:"Insecure"`
	Metrics      bool   `toml:"Metrics"`
	Traces       bool   `toml:"Traces"`
}
