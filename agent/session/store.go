package session

import (
	"context"
	"errors"
	"time"

	"github.com/gander-ai/gander/types"
)

// Common errors
var (
	ErrNotFound     = errors.New("session not found")
	ErrStoreClosed  = errors.New("session store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeGorm   StoreType = "gorm"
	StoreTypeMongo  StoreType = "mongo"
)

// Store persists sessions. Sessions are created by SaveMetadata;
// Append, Replace and Delete on an unknown session return ErrNotFound.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the session with the given id, metadata and full
	// message log.
	Load(ctx context.Context, id string) (*Session, error)

	// Append adds messages to the end of the session log.
	Append(ctx context.Context, id string, msgs ...types.Message) error

	// Replace overwrites the session log wholesale. Context
	// management uses this after a summarize/truncate/clear rewrite.
	Replace(ctx context.Context, id string, msgs []types.Message) error

	// SaveMetadata creates or updates the session metadata record.
	SaveMetadata(ctx context.Context, meta Metadata) error

	// List returns metadata for all sessions, most recently updated
	// first.
	List(ctx context.Context) ([]Metadata, error)

	// Delete removes the session and its message log.
	Delete(ctx context.Context, id string) error

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close closes the store and releases resources.
	Close() error
}

// Config is the configuration for session storage backends.
type Config struct {
	// Type is the storage backend type.
	Type StoreType `json:"type" yaml:"type"`

	// BaseDir is the base directory for file-based storage.
	BaseDir string `json:"base_dir" yaml:"base_dir"`

	// Redis configuration (only used when Type is "redis").
	Redis RedisConfig `json:"redis" yaml:"redis"`

	// Database configuration (only used when Type is "gorm").
	Database DatabaseConfig `json:"database" yaml:"database"`

	// Mongo configuration (only used when Type is "mongo").
	Mongo MongoConfig `json:"mongo" yaml:"mongo"`
}

// RedisConfig contains Redis-specific configuration.
type RedisConfig struct {
	// Addr is the Redis server address in host:port form.
	Addr string `json:"addr" yaml:"addr"`

	// Password is the Redis password (optional).
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number.
	DB int `json:"db" yaml:"db"`

	// PoolSize is the connection pool size.
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// KeyPrefix is the prefix for all Redis keys.
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DatabaseConfig contains relational database configuration.
type DatabaseConfig struct {
	// Driver selects the dialect: postgres, mysql or sqlite.
	Driver string `json:"driver" yaml:"driver"`

	// DSN is the driver-specific connection string.
	DSN string `json:"dsn" yaml:"dsn"`

	// Pool sizing. Zero fields use the internal/database defaults.
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// MongoConfig contains MongoDB configuration.
type MongoConfig struct {
	// URI is the MongoDB connection string.
	URI string `json:"uri" yaml:"uri"`

	// Database is the database name.
	Database string `json:"database" yaml:"database"`
}

// DefaultConfig returns the default session store configuration.
func DefaultConfig() Config {
	return Config{
		Type:    StoreTypeMemory,
		BaseDir: "./data/sessions",
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "gander:",
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "gander",
		},
	}
}
