// Package application assembles and runs a Parley node: database,
// event bus, push fabric, write endpoints and the servers in front of
// them.
package application

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Parley-Chat/parley/internal/api"
	"github.com/Parley-Chat/parley/internal/auth"
	"github.com/Parley-Chat/parley/internal/bus"
	"github.com/Parley-Chat/parley/internal/config"
	"github.com/Parley-Chat/parley/internal/health"
	"github.com/Parley-Chat/parley/internal/limiter"
	"github.com/Parley-Chat/parley/internal/logger"
	"github.com/Parley-Chat/parley/internal/realtime"
	"github.com/Parley-Chat/parley/internal/storage"
)

// Node ties together the components needed to run a Parley server.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc

	db         *storage.DB
	bus        *bus.Bus
	dispatcher *realtime.Dispatcher
	limiter    *limiter.SendLimiter
	authn      *auth.Authenticator
	handlers   *api.Handlers
	config     *config.Config

	startTime time.Time
}

// New creates and configures a Node using the NodeBuilder pattern.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	builder := NewNodeBuilder(ctx, cfg)

	if err := builder.BuildDB(); err != nil {
		return nil, fmt.Errorf("failed building db: %w", err)
	}
	builder.BuildBus()
	builder.BuildDispatcher()
	builder.BuildLimiter()
	builder.BuildAuth()
	builder.BuildHandlers()

	node, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build node: %w", err)
	}
	return node, nil
}

// Start launches the stream server and, when enabled, the metrics
// endpoint. It returns once both are running.
func (n *Node) Start(ctx context.Context) error {
	server := realtime.NewServer(n.config, n.db, n.dispatcher, n.authn, n.handlers.Router(), &dbHealthAdapter{db: n.db})

	go func() {
		addr := n.config.Server.ListenAddr
		if err := server.ListenAndServe(n.ctx, addr); err != nil {
			if err == http.ErrServerClosed {
				logger.Debug("Server closed gracefully")
			} else {
				logger.Error("Server error", zap.Error(err))
			}
		}
	}()

	if n.config.Metrics.Enabled {
		go n.serveMetrics()
	}

	logger.Debug("Node started")
	return nil
}

// serveMetrics exposes Prometheus metrics on its own port.
func (n *Node) serveMetrics() {
	addr := fmt.Sprintf(":%d", n.config.Metrics.Port)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-n.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics server listening", zap.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics server error", zap.Error(err))
	}
}

// Shutdown gracefully shuts down the node.
func (n *Node) Shutdown() {
	logger.Info("Initiating graceful shutdown...")
	shutdownTimeout := 30 * time.Second

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErrors []error

	// Step 1: cancel the node context. The stream server and every
	// push connection watch it and tear themselves down.
	if n.cancel != nil {
		logger.Debug("Canceling node context...")
		n.cancel()
		logger.Debug("✅ Node context canceled")
	}

	// Step 2: drain the bus so persisted events still reach any
	// subscriber that outlives the first teardown wave.
	if n.bus != nil {
		logger.Debug("Closing event bus...")
		done := make(chan struct{})
		go func() {
			defer close(done)
			n.bus.Close()
		}()

		select {
		case <-done:
			logger.Debug("✅ Event bus drained")
		case <-shutdownCtx.Done():
			shutdownErrors = append(shutdownErrors, fmt.Errorf("bus shutdown timed out after %v", shutdownTimeout))
			logger.Warn("Bus shutdown timed out", zap.Duration("timeout", shutdownTimeout))
		}
	}

	// Step 3: close the database.
	if n.db != nil {
		logger.Debug("Closing database connection...")
		if err := n.shutdownDatabase(shutdownCtx); err != nil {
			shutdownErrors = append(shutdownErrors, err)
		} else {
			logger.Debug("✅ Database connection closed")
		}
	}

	if len(shutdownErrors) > 0 {
		logger.Warn("Node shutdown completed with errors",
			zap.Int("error_count", len(shutdownErrors)),
			zap.Errors("errors", shutdownErrors),
			zap.Duration("shutdown_timeout", shutdownTimeout))
	} else {
		logger.Info("✅ Node shutdown completed successfully",
			zap.Duration("shutdown_timeout", shutdownTimeout))
	}
}

// shutdownDatabase closes the database connection with timeout and retry logic.
func (n *Node) shutdownDatabase(ctx context.Context) error {
	const maxRetries = 3
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("database shutdown timed out after %d attempts: %w", i, ctx.Err())
		default:
		}

		if err := n.db.CloseDB(); err != nil {
			lastErr = err
			logger.Warn("Failed to close database, retrying...",
				zap.Int("attempt", i+1),
				zap.Int("max_attempts", maxRetries),
				zap.Error(err))

			select {
			case <-time.After(2 * time.Second):
				continue
			case <-ctx.Done():
				return fmt.Errorf("database shutdown timed out during retry delay: %w", ctx.Err())
			}
		}
		return nil
	}

	return fmt.Errorf("database shutdown failed after %d retries: %w", maxRetries, lastErr)
}

// dbHealthAdapter adapts storage.DB to health.DatabaseInterface.
type dbHealthAdapter struct {
	db *storage.DB
}

func (d *dbHealthAdapter) Ping() error {
	return d.db.Ping()
}

func (d *dbHealthAdapter) Stats() health.DatabaseStats {
	stats := d.db.Stats()
	return health.DatabaseStats{
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		MaxOpenConnections: stats.MaxOpenConnections,
	}
}

// DB returns the node's database instance.
func (n *Node) DB() *storage.DB {
	return n.db
}

// Config returns the node's configuration.
func (n *Node) Config() *config.Config {
	return n.config
}

// Dispatcher returns the node's push-fabric dispatcher.
func (n *Node) Dispatcher() *realtime.Dispatcher {
	return n.dispatcher
}

// StartTime returns when the node was started.
func (n *Node) StartTime() time.Time {
	return n.startTime
}
