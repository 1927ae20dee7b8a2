package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// PoolConfig sizes the sql.DB connection pool under a GORM handle.
type PoolConfig struct {
	// MaxOpenConns caps concurrent connections. Zero or less keeps
	// the default.
	MaxOpenConns int

	// MaxIdleConns caps pooled idle connections.
	MaxIdleConns int

	// ConnMaxLifetime recycles connections after this age, which keeps
	// the pool ahead of server-side idle disconnects.
	ConnMaxLifetime time.Duration

	// ConnMaxIdleTime closes connections idle for this long.
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns the pool sizing used when the caller does
// not override it.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    100,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	def := DefaultPoolConfig()
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = def.MaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = def.MaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = def.ConnMaxLifetime
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = def.ConnMaxIdleTime
	}
	return c
}

// Configure applies cfg to the pool behind db. Zero fields fall back
// to DefaultPoolConfig.
func Configure(db *gorm.DB, cfg PoolConfig) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("access sql.DB: %w", err)
	}
	cfg = cfg.withDefaults()
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return nil
}

// Stats returns the pool counters behind db.
func Stats(db *gorm.DB) (sql.DBStats, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return sql.DBStats{}, fmt.Errorf("access sql.DB: %w", err)
	}
	return sqlDB.Stats(), nil
}

// transactionAttempts bounds retries of one transaction.
const transactionAttempts = 3

// Transaction runs fn in a transaction. Transient failures, deadlocks,
// serialization aborts, lock timeouts and dropped connections, are
// retried with exponential backoff; everything else returns on the
// first attempt.
func Transaction(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	var lastErr error
	for attempt := 0; attempt < transactionAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", transactionAttempts, lastErr)
}

// retryable matches the failure classes worth re-running a transaction
// for. Matching is on the message because the three supported drivers
// surface these conditions with different error types.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadlock"):
		return true
	// PostgreSQL SQLSTATE 40001.
	case strings.Contains(msg, "serialization failure"), strings.Contains(msg, "40001"):
		return true
	case strings.Contains(msg, "lock timeout"), strings.Contains(msg, "lock wait timeout"):
		return true
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "bad connection"):
		return true
	}
	return false
}
