package realtime

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Parley-Chat/parley/internal/logger"
	"github.com/Parley-Chat/parley/internal/metrics"
)

// CallRelay holds at most one call-signal connection per user. A user
// reconnecting replaces their previous slot; the superseded connection
// is closed so its owner learns immediately rather than silently
// missing signals.
type CallRelay struct {
	mu    sync.Mutex
	conns map[string]*PushConn
}

// NewCallRelay creates an empty relay.
func NewCallRelay() *CallRelay {
	return &CallRelay{
		conns: make(map[string]*PushConn),
	}
}

// Attach claims the slot for conn's user. Last handshake wins.
func (cr *CallRelay) Attach(conn *PushConn) {
	userID := conn.UserID()

	cr.mu.Lock()
	prev := cr.conns[userID]
	cr.conns[userID] = conn
	cr.mu.Unlock()

	if prev != nil && prev != conn {
		prev.setCloseReason("superseded by newer connection")
		prev.Close()
		logger.Debug("Superseded call relay slot",
			zap.String("user_id", userID))
	}

	metrics.RegistryKeys.WithLabelValues("calls").Set(float64(cr.Size()))
}

// Detach releases the slot, but only when conn still owns it. A stale
// Detach from a superseded connection must not evict its replacement.
func (cr *CallRelay) Detach(conn *PushConn) {
	userID := conn.UserID()

	cr.mu.Lock()
	if cr.conns[userID] == conn {
		delete(cr.conns, userID)
	}
	cr.mu.Unlock()

	metrics.RegistryKeys.WithLabelValues("calls").Set(float64(cr.Size()))
}

// Send delivers payload to userID's slot. Returns false when the user
// has no live slot; a failed send closes and evicts the slot and
// also returns false.
func (cr *CallRelay) Send(userID string, payload []byte) bool {
	cr.mu.Lock()
	conn := cr.conns[userID]
	cr.mu.Unlock()

	if conn == nil {
		return false
	}

	if err := conn.Send(payload); err != nil {
		metrics.FanOutEvictions.WithLabelValues("calls").Inc()
		conn.Close()
		cr.Detach(conn)
		return false
	}

	metrics.FanOutDeliveries.WithLabelValues("calls").Inc()
	return true
}

// Size returns the number of users with live slots.
func (cr *CallRelay) Size() int {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return len(cr.conns)
}
