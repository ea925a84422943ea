package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Parley-Chat/parley/internal/auth"
	"github.com/Parley-Chat/parley/internal/config"
	"github.com/Parley-Chat/parley/internal/domain"
	"github.com/Parley-Chat/parley/internal/errors"
	"github.com/Parley-Chat/parley/internal/logger"
	"github.com/Parley-Chat/parley/internal/metrics"
)

// Streams owns the four push-stream handshake endpoints. Authorization
// happens after the websocket upgrade: a failed check closes the socket
// without writing anything, so probers cannot distinguish a bad token
// from a missing chat.
type Streams struct {
	cfg        config.ServerConfig
	store      domain.Store
	dispatcher *Dispatcher
	auth       *auth.Authenticator
	upgrader   websocket.Upgrader
}

// NewStreams wires the handshake endpoints.
func NewStreams(cfg config.ServerConfig, store domain.Store, dispatcher *Dispatcher, authn *auth.Authenticator) *Streams {
	return &Streams{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		auth:       authn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			CheckOrigin:       func(r *http.Request) bool { return true },
			EnableCompression: true,
			HandshakeTimeout:  10 * time.Second,
		},
	}
}

// upgrade performs the websocket upgrade with the global connection
// limit applied first. Limit rejections happen before the upgrade, so
// they are ordinary HTTP errors.
func (s *Streams) upgrade(w http.ResponseWriter, r *http.Request, stream string) (*websocket.Conn, string, bool) {
	clientIP := extractRealClientIP(r)

	if metrics.GetActiveConnectionsCount() >= int64(s.cfg.MaxConnections) {
		limitErr := errors.New(errors.ErrorTypeRateLimit, "CONNECTION_LIMIT",
			"maximum concurrent connections reached").
			WithSeverity(errors.SeverityMedium).
			WithUserMessage("The server is at capacity. Please try again later.")
		errors.HandleHTTP(w, r, limitErr)
		return nil, "", false
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("WebSocket upgrade failed",
			zap.Error(err),
			zap.String("stream", stream),
			zap.String("client_ip", clientIP))
		metrics.IncrementErrorCount("websocket")
		return nil, "", false
	}

	metrics.IncrementActiveConnections(stream)
	return ws, clientIP, true
}

// silentClose tears down an upgraded socket without a close frame or
// reason. Unauthorized handshakes end here.
func (s *Streams) silentClose(ws *websocket.Conn, stream string) {
	metrics.DecrementActiveConnections(stream)
	_ = ws.Close()
}

// HandleMessagesStream serves GET /messages/stream?chat_id=. Only chat
// participants may subscribe.
func (s *Streams) HandleMessagesStream(ctx context.Context) http.HandlerFunc {
	return s.chatScopedStream(ctx, "messages", s.dispatcher.Messages())
}

// HandlePresenceStream serves GET /presence/stream?chat_id=. Only chat
// participants may subscribe.
func (s *Streams) HandlePresenceStream(ctx context.Context) http.HandlerFunc {
	return s.chatScopedStream(ctx, "presence", s.dispatcher.Presence())
}

// chatScopedStream is the shared handshake for the two chat-keyed
// streams: upgrade, authenticate, verify participation, register.
func (s *Streams) chatScopedStream(ctx context.Context, stream string, registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID := r.URL.Query().Get("chat_id")

		ws, clientIP, ok := s.upgrade(w, r, stream)
		if !ok {
			return
		}

		userID, err := s.auth.FromRequest(r)
		if err != nil || chatID == "" {
			s.silentClose(ws, stream)
			return
		}

		isMember, err := s.store.IsParticipant(r.Context(), chatID, userID)
		if err != nil || !isMember {
			if err != nil {
				logger.Error("Participant check failed during handshake",
					zap.Error(err),
					zap.String("chat_id", chatID))
				metrics.IncrementErrorCount("database")
			}
			s.silentClose(ws, stream)
			return
		}

		conn := NewPushConn(ctx, ws, userID, stream, clientIP, s.cfg)
		registry.Add(chatID, conn)
		go func() {
			<-conn.Closed()
			registry.Remove(chatID, conn)
		}()

		logger.Debug("Stream subscription established",
			zap.String("stream", stream),
			zap.String("chat_id", chatID),
			zap.String("user_id", userID),
			zap.String("client_ip", clientIP))
	}
}

// HandleNotificationsStream serves GET /notifications/stream. Keyed by
// the authenticated user; a user may hold several connections.
func (s *Streams) HandleNotificationsStream(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, clientIP, ok := s.upgrade(w, r, "notifications")
		if !ok {
			return
		}

		userID, err := s.auth.FromRequest(r)
		if err != nil {
			s.silentClose(ws, "notifications")
			return
		}

		registry := s.dispatcher.Notifications()
		conn := NewPushConn(ctx, ws, userID, "notifications", clientIP, s.cfg)
		registry.Add(userID, conn)
		go func() {
			<-conn.Closed()
			registry.Remove(userID, conn)
		}()

		logger.Debug("Notification stream established",
			zap.String("user_id", userID),
			zap.String("client_ip", clientIP))
	}
}

// HandleCallsStream serves GET /calls/stream. Each user holds at most
// one call-signal slot; a newer handshake supersedes the old one.
func (s *Streams) HandleCallsStream(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, clientIP, ok := s.upgrade(w, r, "calls")
		if !ok {
			return
		}

		userID, err := s.auth.FromRequest(r)
		if err != nil {
			s.silentClose(ws, "calls")
			return
		}

		relay := s.dispatcher.Calls()
		conn := NewPushConn(ctx, ws, userID, "calls", clientIP, s.cfg)
		relay.Attach(conn)
		go func() {
			<-conn.Closed()
			relay.Detach(conn)
		}()

		logger.Debug("Call signal slot established",
			zap.String("user_id", userID),
			zap.String("client_ip", clientIP))
	}
}
