package realtime

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Parley-Chat/parley/internal/logger"
	"github.com/Parley-Chat/parley/internal/metrics"
)

// Registry maps routing keys (chat IDs or user IDs) to the set of push
// connections subscribed under them. Adding the same connection twice is
// a no-op; removing the last connection for a key removes the key.
type Registry struct {
	name  string
	mu    sync.RWMutex
	conns map[string]map[*PushConn]struct{}
}

// NewRegistry creates an empty registry. name labels its metrics.
func NewRegistry(name string) *Registry {
	return &Registry{
		name:  name,
		conns: make(map[string]map[*PushConn]struct{}),
	}
}

// Add subscribes conn under key.
func (r *Registry) Add(key string, conn *PushConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[key]
	if !ok {
		set = make(map[*PushConn]struct{})
		r.conns[key] = set
		metrics.RegistryKeys.WithLabelValues(r.name).Inc()
	}
	set[conn] = struct{}{}

	logger.Debug("Registered push connection",
		zap.String("registry", r.name),
		zap.String("key", key),
		zap.String("user_id", conn.UserID()),
		zap.Int("subscribers", len(set)))
}

// Remove unsubscribes conn from key. The key's entry disappears with
// its last subscriber so the map never accumulates empty sets.
func (r *Registry) Remove(key string, conn *PushConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[key]
	if !ok {
		return
	}
	if _, ok := set[conn]; !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(r.conns, key)
		metrics.RegistryKeys.WithLabelValues(r.name).Dec()
	}

	logger.Debug("Unregistered push connection",
		zap.String("registry", r.name),
		zap.String("key", key),
		zap.String("user_id", conn.UserID()))
}

// Count returns the number of subscribers under key.
func (r *Registry) Count(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[key])
}

// Keys returns the number of keys with at least one subscriber.
func (r *Registry) Keys() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// FanOut delivers payload to every connection subscribed under key and
// returns the delivery count. The subscriber set is snapshotted first so
// sends never run under the lock; connections whose send fails are
// closed and evicted.
func (r *Registry) FanOut(key string, payload []byte) int {
	r.mu.RLock()
	set, ok := r.conns[key]
	if !ok {
		r.mu.RUnlock()
		return 0
	}
	snapshot := make([]*PushConn, 0, len(set))
	for conn := range set {
		snapshot = append(snapshot, conn)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range snapshot {
		if err := conn.Send(payload); err != nil {
			metrics.FanOutEvictions.WithLabelValues(r.name).Inc()
			conn.Close()
			r.Remove(key, conn)
			continue
		}
		delivered++
		metrics.FanOutDeliveries.WithLabelValues(r.name).Inc()
	}
	return delivered
}
