package application

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Parley-Chat/parley/internal/api"
	"github.com/Parley-Chat/parley/internal/auth"
	"github.com/Parley-Chat/parley/internal/bus"
	"github.com/Parley-Chat/parley/internal/config"
	"github.com/Parley-Chat/parley/internal/limiter"
	"github.com/Parley-Chat/parley/internal/logger"
	"github.com/Parley-Chat/parley/internal/realtime"
	"github.com/Parley-Chat/parley/internal/storage"
)

// NodeBuilder is used to incrementally construct a Node instance.
type NodeBuilder struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config

	database    *storage.DB
	eventBus    *bus.Bus
	dispatcher  *realtime.Dispatcher
	sendLimiter *limiter.SendLimiter
	authn       *auth.Authenticator
	handlers    *api.Handlers
}

// NewNodeBuilder creates a new NodeBuilder with its own cancelable context.
func NewNodeBuilder(ctx context.Context, cfg *config.Config) *NodeBuilder {
	c, cancel := context.WithCancel(ctx)
	return &NodeBuilder{
		ctx:    c,
		cancel: cancel,
		config: cfg,
	}
}

// replaceDBNameInURL replaces the database name in a PostgreSQL connection URL.
func replaceDBNameInURL(connURL string, newDB string) string {
	schemeEnd := strings.Index(connURL, "://")
	if schemeEnd == -1 {
		return connURL
	}
	rest := connURL[schemeEnd+3:]
	slashIdx := strings.Index(rest, "/")
	if slashIdx == -1 {
		return connURL + "/" + newDB
	}
	afterSlash := rest[slashIdx+1:]
	qIdx := strings.Index(afterSlash, "?")
	if qIdx == -1 {
		return connURL[:schemeEnd+3+slashIdx+1] + newDB
	}
	return connURL[:schemeEnd+3+slashIdx+1] + newDB + afterSlash[qIdx:]
}

// BuildDB connects to PostgreSQL, provisioning the database and schema
// on first run.
func (b *NodeBuilder) BuildDB() error {
	dbName := b.config.Database.Name
	var defaultDbURI, targetDbURI string

	if b.config.Database.URL != "" {
		logger.Info("Building database connection (via URL)")
		defaultDbURI = b.config.Database.URL
		targetDbURI = replaceDBNameInURL(b.config.Database.URL, dbName)
	} else {
		host := b.config.Database.Server
		port := b.config.Database.Port
		user := b.config.Database.User

		logger.Info("Building database connection",
			zap.String("server", host),
			zap.Int("port", port),
			zap.String("db", dbName))

		defaultDbURI = fmt.Sprintf("postgres://%s@%s:%d/%s?sslmode=disable", user, host, port, "postgres")
		targetDbURI = fmt.Sprintf("postgres://%s@%s:%d/%s?sslmode=disable", user, host, port, dbName)
	}

	// Connect to the default database first to create the target one.
	if defaultDbURI != "" {
		logger.Info("Connecting to default database to check/create target database...")
		defaultConn, err := storage.InitDB(b.ctx, defaultDbURI, b.config.Server.MaxConnections)
		if err != nil {
			logger.Warn("Connection to default database failed; skipping create step (assuming provisioned).", zap.Error(err))
		} else {
			if err := defaultConn.CreateDatabaseIfNotExists(b.ctx, dbName); err != nil {
				logger.Warn("CreateDatabaseIfNotExists failed; continuing (database may already exist or insufficient privileges).", zap.Error(err))
			}
			if err := defaultConn.CloseDB(); err != nil {
				logger.Warn("Failed to close default database connection", zap.Error(err))
			}
		}
	}

	logger.Info("Connecting to target database...", zap.String("db", dbName))
	dbConn, err := storage.InitDB(b.ctx, targetDbURI, b.config.Server.MaxConnections)
	if err != nil {
		b.cancel()
		return fmt.Errorf("failed to initialize database connection to %s: %w", dbName, err)
	}
	b.database = dbConn

	if err := dbConn.InitializeSchema(b.ctx); err != nil {
		logger.Error("Failed to initialize database schema", zap.Error(err))
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}

	if err := dbConn.VerifySchema(b.ctx); err != nil {
		logger.Error("Database schema verification failed", zap.Error(err))
		return fmt.Errorf("database schema verification failed: %w", err)
	}

	return nil
}

// BuildBus starts the event bus and its worker pool.
func (b *NodeBuilder) BuildBus() {
	b.eventBus = bus.New(b.config.Bus)
}

// BuildDispatcher wires the push fabric onto the bus.
func (b *NodeBuilder) BuildDispatcher() {
	b.dispatcher = realtime.NewDispatcher(b.eventBus)
}

// BuildLimiter sets up per-user send throttling.
func (b *NodeBuilder) BuildLimiter() {
	b.sendLimiter = limiter.New(b.config.Server.Throttling)
	b.sendLimiter.StartCleanup(b.ctx.Done(), time.Hour, 24*time.Hour)
}

// BuildAuth sets up token verification.
func (b *NodeBuilder) BuildAuth() {
	b.authn = auth.New(b.config.Auth)
}

// BuildHandlers assembles the write endpoints.
func (b *NodeBuilder) BuildHandlers() {
	b.handlers = api.NewHandlers(b.config, b.database, b.eventBus, b.dispatcher, b.sendLimiter, b.authn)
}

// Build finalizes the node construction.
func (b *NodeBuilder) Build() (*Node, error) {
	if b.database == nil {
		return nil, fmt.Errorf("database must be built before calling Build()")
	}
	if b.eventBus == nil {
		return nil, fmt.Errorf("bus must be built before calling Build()")
	}
	if b.dispatcher == nil {
		return nil, fmt.Errorf("dispatcher must be built before calling Build()")
	}
	if b.sendLimiter == nil {
		return nil, fmt.Errorf("limiter must be built before calling Build()")
	}
	if b.authn == nil {
		return nil, fmt.Errorf("authenticator must be built before calling Build()")
	}
	if b.handlers == nil {
		return nil, fmt.Errorf("handlers must be built before calling Build()")
	}

	node := &Node{
		ctx:        b.ctx,
		cancel:     b.cancel,
		db:         b.database,
		bus:        b.eventBus,
		dispatcher: b.dispatcher,
		limiter:    b.sendLimiter,
		authn:      b.authn,
		handlers:   b.handlers,
		config:     b.config,
		startTime:  time.Now(),
	}

	logger.Debug("Node initialized successfully via builder")
	b.database.StartExpiredMessagesCleaner(b.ctx, time.Hour)
	return node, nil
}
