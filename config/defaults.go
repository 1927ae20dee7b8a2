package config

import (
	"time"

	"github.com/gander-ai/gander/agent/contextmgr"
)

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Agent:     DefaultAgentConfig(),
		Provider:  DefaultProviderConfig(),
		Context:   DefaultContextConfig(),
		Session:   DefaultSessionConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the server defaults. WriteTimeout is
// unlimited because the reply endpoint streams for the length of an
// agent turn.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0,
		ShutdownTimeout: 15 * time.Second,
		MaxConns:        512,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultAgentConfig returns the agent defaults. Zero values for the
// loop knobs defer to the agent package's own defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Instructions: "You are a helpful assistant.",
		Model:        "claude-3-5-sonnet-20241022",
		MaxTurns:     32,
		MaxTokens:    4096,
		Temperature:  0.7,
	}
}

// DefaultProviderConfig returns the provider defaults. The API key
// has no default; it comes from the file or GANDER_PROVIDER_API_KEY.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Name:       "anthropic",
		Timeout:    2 * time.Minute,
		MaxRetries: 3,
	}
}

// DefaultContextConfig mirrors the context manager's own defaults so
// a dumped config shows the effective values.
func DefaultContextConfig() contextmgr.Config {
	return contextmgr.Config{
		Limit:            128000,
		WarningThreshold: 0.8,
		KeepLastN:        5,
		DecisionTimeout:  30 * time.Second,
	}
}

// DefaultSessionConfig returns the session store defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Type:      "memory",
		KeyPrefix: "gander:session:",
	}
}

// DefaultRedisConfig returns the Redis defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig returns the relational database defaults.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "gander",
		Name:            "gander",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig returns the logging defaults.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig returns the telemetry defaults. Telemetry is
// off until an endpoint is deliberately configured.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "gander",
		SampleRate:   0.1,
	}
}
