package realtime

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Parley-Chat/parley/internal/config"
	"github.com/Parley-Chat/parley/internal/errors"
	"github.com/Parley-Chat/parley/internal/logger"
	"github.com/Parley-Chat/parley/internal/metrics"
)

// extractRealClientIP extracts the real client IP from request headers
// when behind a proxy.
func extractRealClientIP(r *http.Request) string {
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}

	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		parts := strings.Split(forwardedFor, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}

	return normalizeIP(r.RemoteAddr)
}

// normalizeIP converts a network address to a normalized IP string
func normalizeIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	ip := net.ParseIP(host)
	if ip != nil {
		if ipv4 := ip.To4(); ipv4 != nil {
			return ipv4.String()
		}
		return ip.String()
	}

	return host
}

// PushConn is a single push connection: the server half of one
// /­*­/stream websocket. Writes are serialized; reads only service
// control frames and detect the client going away.
type PushConn struct {
	ws           *websocket.Conn
	userID       string
	stream       string
	realClientIP string
	idleTimeout  time.Duration
	startTime    time.Time
	lastActivity atomic.Int64

	pingTicker *time.Ticker

	writeMu            sync.Mutex
	closeMu            sync.Once
	isClosed           atomic.Bool
	metricsDecremented atomic.Bool
	reasonMu           sync.Mutex
	closeReason        string
	closed             chan struct{}

	backpressureChan chan struct{}
}

// NewPushConn wraps an upgraded websocket. The caller owns registration;
// the connection owns keepalive, idle timeout and teardown.
func NewPushConn(ctx context.Context, ws *websocket.Conn, userID, stream, realClientIP string, cfg config.ServerConfig) *PushConn {
	conn := &PushConn{
		ws:               ws,
		userID:           userID,
		stream:           stream,
		realClientIP:     realClientIP,
		idleTimeout:      cfg.IdleTimeout,
		startTime:        time.Now(),
		pingTicker:       time.NewTicker(cfg.PingInterval),
		closed:           make(chan struct{}),
		backpressureChan: make(chan struct{}, 100),
	}
	conn.lastActivity.Store(time.Now().UnixNano())

	ws.EnableWriteCompression(true)
	_ = ws.SetCompressionLevel(2) // nolint:errcheck // compression level is non-critical
	ws.SetReadLimit(cfg.ReadLimit)

	ws.SetPingHandler(func(appData string) error {
		conn.touch()
		conn.writeMu.Lock()
		defer conn.writeMu.Unlock()
		_ = conn.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
		return nil
	})
	ws.SetPongHandler(func(string) error {
		conn.touch()
		return nil
	})

	go conn.readLoop()
	go conn.monitorConnection(ctx)

	return conn
}

// UserID returns the authenticated owner of the connection.
func (c *PushConn) UserID() string { return c.userID }

// RemoteAddr returns the client's real remote address (extracted from
// proxy headers).
func (c *PushConn) RemoteAddr() string { return c.realClientIP }

// Closed is closed once the connection is torn down. The call relay
// watches it to reap superseded slots.
func (c *PushConn) Closed() <-chan struct{} { return c.closed }

func (c *PushConn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// setCloseReason records why the connection is going down. Several
// goroutines can race toward teardown; the first reason wins so the log
// reflects the original cause.
func (c *PushConn) setCloseReason(reason string) {
	c.reasonMu.Lock()
	if c.closeReason == "" {
		c.closeReason = reason
	}
	c.reasonMu.Unlock()
}

func (c *PushConn) closeReasonText() string {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	return c.closeReason
}

// Send writes one payload to the client. A non-nil error means the
// connection is unusable and has been closed; callers evict it.
func (c *PushConn) Send(payload []byte) error {
	if c.isClosed.Load() {
		return errors.DeliveryError(c.userID, errors.New(errors.ErrorTypeNetwork, "CONN_CLOSED", "connection already closed"))
	}

	select {
	case c.backpressureChan <- struct{}{}:
		defer func() { <-c.backpressureChan }()
	default:
		// Client is not draining its socket. Cut it loose rather than
		// block every other subscriber on the same key.
		c.setCloseReason("backpressure overflow")
		c.Close()
		return errors.DeliveryError(c.userID, errors.New(errors.ErrorTypeNetwork, "BACKPRESSURE", "send buffer overflow"))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed.Load() {
		return errors.DeliveryError(c.userID, errors.New(errors.ErrorTypeNetwork, "CONN_CLOSED", "connection already closed"))
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second)) // nolint:errcheck // deadline is non-critical
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		metrics.IncrementErrorCount("websocket")
		c.setCloseReason("write failed")
		go c.Close()
		return errors.DeliveryError(c.userID, err)
	}

	return nil
}

// readLoop drains inbound frames. Push streams carry no client data;
// reading only services control frames and notices the peer closing.
func (c *PushConn) readLoop() {
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(90 * time.Second)) // nolint:errcheck // deadline is non-critical
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.setCloseReason("client closed connection")
			} else {
				c.setCloseReason("read error")
			}
			c.Close()
			return
		}
		c.touch()
	}
}

// Close tears the connection down exactly once.
func (c *PushConn) Close() {
	c.closeMu.Do(func() {
		c.isClosed.Store(true)
		close(c.closed)

		reason := c.closeReasonText()
		if reason != "" {
			logger.Debug("Push connection closed",
				zap.String("reason", reason),
				zap.String("stream", c.stream),
				zap.String("user_id", c.userID),
				zap.String("client_ip", c.realClientIP),
				zap.Duration("connection_duration", time.Since(c.startTime)))
		}

		if !c.metricsDecremented.Swap(true) {
			metrics.DecrementActiveConnections(c.stream)
		}

		if c.pingTicker != nil {
			c.pingTicker.Stop()
		}

		// Attempt a polite close frame, bounded so a dead peer cannot
		// hold the teardown.
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		closeChan := make(chan struct{})
		go func() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
			c.writeMu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = c.ws.SetWriteDeadline(time.Time{})
			c.writeMu.Unlock()
			close(closeChan)
		}()

		select {
		case <-closeChan:
		case <-closeCtx.Done():
			logger.Debug("Close message timeout",
				zap.String("user_id", c.userID))
		}

		_ = c.ws.Close()
	})
}

// monitorConnection handles keepalive pings and idle timeouts.
func (c *PushConn) monitorConnection(ctx context.Context) {
	idleTicker := time.NewTicker(1 * time.Minute)
	defer idleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.setCloseReason("server shutting down")
			c.Close()
			return
		case <-c.closed:
			return
		case <-c.pingTicker.C:
			c.writeMu.Lock()
			if !c.isClosed.Load() {
				_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
				err := c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(5*time.Second))
				_ = c.ws.SetWriteDeadline(time.Time{})
				if err != nil {
					c.writeMu.Unlock()
					c.setCloseReason("ping failed")
					c.Close()
					return
				}
			}
			c.writeMu.Unlock()
		case <-idleTicker.C:
			last := time.Unix(0, c.lastActivity.Load())
			if time.Since(last) > c.idleTimeout {
				c.setCloseReason("idle timeout")
				c.Close()
				return
			}
		}
	}
}
