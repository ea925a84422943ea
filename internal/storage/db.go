package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Parley-Chat/parley/internal/logger"
	"github.com/Parley-Chat/parley/internal/metrics"
)

// DBState represents the current state of the database connection
type DBState int

const (
	DBStateInitial DBState = iota
	DBStateConnecting
	DBStateConnected
	DBStateDisconnecting
	DBStateClosed
)

// DB wraps the pgx connection pool and the chat queries built on it.
type DB struct {
	Pool    *pgxpool.Pool
	state   DBState
	stateMu sync.RWMutex
}

// createPoolBasedOnLoad sizes the pool from the configured websocket
// connection ceiling. Push connections hold no database connection, so
// the pool stays far smaller than the websocket limit.
func createPoolBasedOnLoad(ctx context.Context, dbURI string, maxWSConnections int) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dbURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URI: %w", err)
	}

	var maxConns, minConns int32
	var scaleType string

	if maxWSConnections <= 200 {
		maxConns, minConns = 10, 2
		scaleType = "small"
	} else if maxWSConnections <= 2000 {
		maxConns, minConns = 25, 5
		scaleType = "medium"
	} else {
		maxConns, minConns = 50, 10
		scaleType = "large"
	}

	config.MaxConns = maxConns
	config.MinConns = minConns
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.ConnConfig.ConnectTimeout = 10 * time.Second
	config.HealthCheckPeriod = 30 * time.Second

	logger.Info("Database connection pool configured based on load",
		zap.String("scale_type", scaleType),
		zap.Int("max_ws_connections", maxWSConnections),
		zap.Int32("db_max_conns", maxConns),
		zap.Int32("db_min_conns", minConns))

	return pgxpool.NewWithConfig(ctx, config)
}

// InitDB connects to PostgreSQL with retries and exponential backoff.
func InitDB(ctx context.Context, dbURI string, maxWSConnections int) (*DB, error) {
	var pool *pgxpool.Pool
	var err error
	backoff := 2 * time.Second
	attempts := 0

	db := &DB{state: DBStateConnecting}

	for i := 0; i < 5; i++ {
		attempts++
		pool, err = createPoolBasedOnLoad(ctx, dbURI, maxWSConnections)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				db.Pool = pool
				db.state = DBStateConnected

				stat := pool.Stat()
				logger.Info("✅ DB Connected Successfully",
					zap.Int("attempts", attempts),
					zap.Int32("db_max_connections", stat.MaxConns()),
					zap.Int32("db_total_connections", stat.TotalConns()))
				metrics.DBConnections.WithLabelValues("success").Inc()
				return db, nil
			}
			pool.Close()
		}

		logger.Warn("Failed to connect to DB, retrying...",
			zap.Error(err),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff))
		metrics.DBConnections.WithLabelValues("failure").Inc()
		time.Sleep(backoff)
		backoff *= 2
	}

	db.state = DBStateClosed
	metrics.DBErrors.WithLabelValues("connection_failed").Inc()
	return nil, fmt.Errorf("failed to connect to DB after %d attempts: %w", attempts, err)
}

// CloseDB closes the database connection pool.
func (db *DB) CloseDB() error {
	db.stateMu.Lock()
	if db.state == DBStateDisconnecting || db.state == DBStateClosed {
		db.stateMu.Unlock()
		return nil
	}
	db.state = DBStateDisconnecting
	db.stateMu.Unlock()

	if db.Pool != nil {
		db.Pool.Close()
		db.state = DBStateClosed
		logger.Debug("Database connection closed")
		metrics.DBConnections.WithLabelValues("closed").Inc()
		return nil
	}

	return fmt.Errorf("database pool is nil")
}

func (db *DB) isConnected() bool {
	db.stateMu.RLock()
	defer db.stateMu.RUnlock()
	return db.state == DBStateConnected
}

// Ping checks database connectivity
func (db *DB) Ping() error {
	if db.Pool == nil {
		return fmt.Errorf("database pool is not initialized")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return db.Pool.Ping(ctx)
}

// Stats returns database connection pool statistics
func (db *DB) Stats() DatabaseStats {
	if db.Pool == nil {
		return DatabaseStats{}
	}

	stat := db.Pool.Stat()
	return DatabaseStats{
		OpenConnections:    int(stat.TotalConns()),
		InUse:              int(stat.AcquiredConns()),
		Idle:               int(stat.IdleConns()),
		MaxOpenConnections: int(stat.MaxConns()),
	}
}

// DatabaseStats represents database connection pool statistics
type DatabaseStats struct {
	OpenConnections    int
	InUse              int
	Idle               int
	MaxOpenConnections int
}
