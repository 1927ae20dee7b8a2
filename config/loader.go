package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gander-ai/gander/agent/contextmgr"
	"github.com/gander-ai/gander/extension"
)

// Config is the full process configuration. Infrastructure sections
// (Redis, Database) are shared: the session store and the migration
// runner both read them, so each setting has exactly one home.
type Config struct {
	Server     ServerConfig       `yaml:"server"`
	Agent      AgentConfig        `yaml:"agent"`
	Provider   ProviderConfig     `yaml:"provider"`
	Context    contextmgr.Config  `yaml:"context"`
	Session    SessionConfig      `yaml:"session"`
	Extensions []extension.Config `yaml:"extensions"`
	Redis      RedisConfig        `yaml:"redis"`
	Database   DatabaseConfig     `yaml:"database"`
	Log        LogConfig          `yaml:"log"`
	Telemetry  TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig tunes the HTTP surface of the serve command.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxConns caps accepted connections; 0 means unlimited.
	MaxConns int `yaml:"max_conns"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	// JWTSecret enables bearer-token auth on the API when non-empty.
	JWTSecret string `yaml:"jwt_secret"`
}

// Addr returns the listen address for HTTPPort.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.HTTPPort)
}

// AgentConfig mirrors agent.Config for file and environment loading;
// cmd maps it onto the agent package together with the Context
// section.
type AgentConfig struct {
	Instructions     string            `yaml:"instructions"`
	Model            string            `yaml:"model"`
	Mode             string            `yaml:"mode"`
	MaxTurns         int               `yaml:"max_turns"`
	MaxTokens        int               `yaml:"max_tokens"`
	Temperature      float32           `yaml:"temperature"`
	ProviderTimeout  time.Duration     `yaml:"provider_timeout"`
	ToolTimeout      time.Duration     `yaml:"tool_timeout"`
	ApprovalTimeout  time.Duration     `yaml:"approval_timeout"`
	GuardThreshold   int               `yaml:"guard_threshold"`
	Interactive      bool              `yaml:"interactive"`
	DisableStreaming bool              `yaml:"disable_streaming"`
	WorkingDir       string            `yaml:"working_dir"`
	PromptVars       map[string]string `yaml:"prompt_vars"`
	PromptVariantKey string            `yaml:"prompt_variant_key"`
}

// ProviderConfig selects and authenticates the LLM backend.
type ProviderConfig struct {
	// Name picks the provider from the registry, e.g. "anthropic".
	Name       string        `yaml:"name"`
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// SessionConfig selects the session store backend. Redis and
// relational settings come from the top-level sections.
type SessionConfig struct {
	// Type is one of memory, file, redis, gorm, mongo.
	Type string `yaml:"type"`

	// BaseDir holds session files for the file backend.
	BaseDir string `yaml:"base_dir"`

	// KeyPrefix namespaces Redis keys for the redis backend.
	KeyPrefix string `yaml:"key_prefix"`

	// MongoURI and MongoDatabase configure the mongo backend.
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

// RedisConfig configures the shared Redis connection.
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	PoolSize     int    `yaml:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns"`
}

// DatabaseConfig configures the shared relational database.
type DatabaseConfig struct {
	// Driver is one of postgres, mysql, sqlite.
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DSN returns the driver-specific connection string. For sqlite, Name
// is the database file path.
func (d DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}

// LogConfig builds the zap logger in cmd.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is json or console.
	Format           string   `yaml:"format"`
	OutputPaths      []string `yaml:"output_paths"`
	EnableCaller     bool     `yaml:"enable_caller"`
	EnableStacktrace bool     `yaml:"enable_stacktrace"`
}

// TelemetryConfig configures the OpenTelemetry exporters.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Loader assembles a Config. Priority: defaults, then the YAML file,
// then environment variables, then validation.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a Loader with the GANDER environment prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "GANDER"}
}

// WithConfigPath sets the YAML file to load. A missing file is not an
// error; the defaults and environment still apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix replaces the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a validation hook run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load builds the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := applyEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation: %w", err)
		}
	}
	return cfg, nil
}

// MustLoad loads from path and panics on failure. Initialization only.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("load config: %v", err))
	}
	return cfg
}

func (l *Loader) loadFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", l.configPath, err)
	}
	return nil
}

// applyEnv walks the struct and overrides fields from the
// environment. Keys are derived from yaml tag names: the agent
// section's model field reads PREFIX_AGENT_MODEL. Struct slices and
// maps are file-only.
func applyEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		name := yamlFieldName(t.Field(i))
		if name == "" {
			continue
		}
		key := prefix + "_" + strings.ToUpper(name)

		if field.Kind() == reflect.Struct {
			if err := applyEnv(field, key); err != nil {
				return err
			}
			continue
		}

		raw, ok := os.LookupEnv(key)
		if !ok || raw == "" {
			continue
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func yamlFieldName(f reflect.StructField) string {
	tag := f.Tag.Get("yaml")
	if tag == "" {
		return strings.ToLower(f.Name)
	}
	name := strings.SplitN(tag, ",", 2)[0]
	if name == "-" {
		return ""
	}
	return name
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma-separated string lists only.
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// Validate checks cross-field invariants. Component packages run
// their own deeper validation when constructed from these sections.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.http_port %d out of range", c.Server.HTTPPort))
	}
	if c.Server.MaxConns < 0 {
		errs = append(errs, "server.max_conns must not be negative")
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 2 {
		errs = append(errs, "agent.temperature must be between 0 and 2")
	}
	if s := c.Context.Strategy; s != "" && !s.Valid() {
		errs = append(errs, fmt.Sprintf("context.strategy %q unknown", s))
	}
	switch c.Session.Type {
	case "", "memory", "file", "redis", "gorm", "mongo":
	default:
		errs = append(errs, fmt.Sprintf("session.type %q unknown", c.Session.Type))
	}
	switch c.Database.Driver {
	case "", "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q unknown", c.Database.Driver))
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q unknown", c.Log.Level))
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q unknown", c.Log.Format))
	}
	if r := c.Telemetry.SampleRate; r < 0 || r > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}
	for i := range c.Extensions {
		if err := c.Extensions[i].Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation: %s", strings.Join(errs, "; "))
	}
	return nil
}
