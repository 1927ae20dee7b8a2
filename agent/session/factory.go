package session

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/gander-ai/gander/internal/database"
)

// NewStore creates a session store based on the configuration.
func NewStore(cfg Config) (Store, error) {
	switch cfg.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeFile:
		return NewFileStore(cfg.BaseDir)
	case StoreTypeRedis:
		return NewRedisStore(cfg.Redis)
	case StoreTypeGorm:
		db, err := openDatabase(cfg.Database)
		if err != nil {
			return nil, err
		}
		return NewGormStore(db)
	case StoreTypeMongo:
		return NewMongoStore(cfg.Mongo)
	default:
		return nil, fmt.Errorf("unsupported session store type: %s", cfg.Type)
	}
}

// MustNewStore creates a session store or panics on error.
//
// This should only be used during application initialization. For
// runtime store creation, use NewStore instead.
func MustNewStore(cfg Config) Store {
	store, err := NewStore(cfg)
	if err != nil {
		panic(fmt.Sprintf("failed to create session store: %v", err))
	}
	return store
}

// openDatabase opens a GORM connection for the configured driver and
// applies the pool sizing. The mattn-based sqlite dialector is used
// here rather than the pure-Go one the tests run on: the migration
// runner already claims the "sqlite" driver name for its modernc
// engine, and both registering it would panic the binary at init.
func openDatabase(cfg DatabaseConfig) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn not configured")
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql, sqlite)", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := database.Configure(db, database.PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}); err != nil {
		return nil, err
	}
	return db, nil
}
