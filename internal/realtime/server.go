package realtime

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Parley-Chat/parley/internal/auth"
	"github.com/Parley-Chat/parley/internal/config"
	"github.com/Parley-Chat/parley/internal/domain"
	"github.com/Parley-Chat/parley/internal/health"
	"github.com/Parley-Chat/parley/internal/identity"
	"github.com/Parley-Chat/parley/internal/logger"
	"github.com/Parley-Chat/parley/internal/metrics"
	"github.com/Parley-Chat/parley/internal/web"
)

// Server serves the push streams and delegates everything else to the
// write-endpoint handler.
type Server struct {
	cfg           *config.Config
	streams       *Streams
	dispatcher    *Dispatcher
	apiHandler    http.Handler
	healthChecker *health.HealthChecker
	statsHandler  *web.StatsHandler
}

// NewServer wires the stream endpoints around the given dispatcher.
// apiHandler serves the authenticated write endpoints; db feeds the
// health checker.
func NewServer(cfg *config.Config, store domain.Store, dispatcher *Dispatcher, authn *auth.Authenticator, apiHandler http.Handler, db health.DatabaseInterface) *Server {
	fabric := &fabricHealthAdapter{dispatcher: dispatcher}
	healthChecker := health.NewHealthChecker(
		db,
		fabric,
		cfg,
		logger.New("health"),
		config.Version,
	)

	nodeID := "unknown"
	if id, err := identity.GetOrCreateNodeIdentity(); err != nil {
		logger.Warn("Failed to resolve node identity", zap.Error(err))
	} else {
		nodeID = id.NodeID
	}

	return &Server{
		cfg:           cfg,
		streams:       NewStreams(cfg.Server, store, dispatcher, authn),
		dispatcher:    dispatcher,
		apiHandler:    apiHandler,
		healthChecker: healthChecker,
		statsHandler:  web.NewStatsHandler(cfg, fabric, nodeID, config.Version, logger.New("stats")),
	}
}

// ListenAndServe starts the HTTP server and blocks until ctx is
// cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /messages/stream", s.streams.HandleMessagesStream(ctx))
	mux.HandleFunc("GET /presence/stream", s.streams.HandlePresenceStream(ctx))
	mux.HandleFunc("GET /notifications/stream", s.streams.HandleNotificationsStream(ctx))
	mux.HandleFunc("GET /calls/stream", s.streams.HandleCallsStream(ctx))

	mux.HandleFunc("GET /health", s.healthChecker.HandleHealth)
	mux.HandleFunc("/stats", s.statsHandler.HandleStats)

	mux.Handle("/", s.apiHandler)

	hardened := web.ValidationMiddleware(web.DefaultInputValidation())(
		web.SecurityMiddleware(web.APISecurityHeaders())(mux))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.HTTPRequests.Inc()
		start := time.Now()
		defer func() {
			metrics.HTTPRequestDuration.Observe(time.Since(start).Seconds())
		}()
		hardened.ServeHTTP(w, r)
	})

	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down stream server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("Stream server listening", zap.String("address", addr))
	return httpSrv.ListenAndServe()
}

// fabricHealthAdapter exposes fabric statistics to the health checker.
type fabricHealthAdapter struct {
	dispatcher *Dispatcher
}

func (f *fabricHealthAdapter) ConnectionCount() int64 {
	return metrics.GetActiveConnectionsCount()
}

func (f *fabricHealthAdapter) SubscribedChats() int {
	return f.dispatcher.Messages().Keys()
}

func (f *fabricHealthAdapter) CallSlots() int {
	return f.dispatcher.Calls().Size()
}
