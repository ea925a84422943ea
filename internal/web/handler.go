package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/Parley-Chat/parley/internal/config"
	"github.com/Parley-Chat/parley/internal/metrics"
)

// FabricStats is what the push fabric reports about itself.
type FabricStats interface {
	ConnectionCount() int64
	SubscribedChats() int
	CallSlots() int
}

// StatsData is the live snapshot served by the stats endpoint.
type StatsData struct {
	ActiveConnections int64            `json:"active_connections"`
	TotalConnections  int64            `json:"total_connections"`
	SubscribedChats   int              `json:"subscribed_chats"`
	CallSlots         int              `json:"call_slots"`
	MessagesSent      int64            `json:"messages_sent"`
	Errors            int64            `json:"errors"`
	LoadPercentage    float64          `json:"load_percentage"`
	MemoryUsage       map[string]int64 `json:"memory_usage"`
}

// StatsHandler serves a JSON snapshot of fabric activity for dashboards.
type StatsHandler struct {
	cfg     *config.Config
	fabric  FabricStats
	nodeID  string
	version string
	started time.Time
	log     *zap.Logger
}

// NewStatsHandler builds the stats endpoint handler.
func NewStatsHandler(cfg *config.Config, fabric FabricStats, nodeID, version string, logger *zap.Logger) *StatsHandler {
	return &StatsHandler{
		cfg:     cfg,
		fabric:  fabric,
		nodeID:  nodeID,
		version: version,
		started: time.Now(),
		log:     logger,
	}
}

// HandleStats answers GET /stats.
func (h *StatsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	APISecurityHeaders().Apply(w)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := struct {
		NodeID  string     `json:"node_id"`
		Version string     `json:"version"`
		Uptime  string     `json:"uptime"`
		Stats   *StatsData `json:"stats"`
	}{
		NodeID:  h.nodeID,
		Version: h.version,
		Uptime:  formatUptime(time.Since(h.started)),
		Stats:   h.getStatsData(),
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.Error("Failed to encode stats response", zap.Error(err))
	}
}

func (h *StatsHandler) getStatsData() *StatsData {
	activeConns := h.fabric.ConnectionCount()

	maxConnections := int64(1000)
	if h.cfg != nil && h.cfg.Server.MaxConnections > 0 {
		maxConnections = int64(h.cfg.Server.MaxConnections)
	}
	loadPercentage := float64(activeConns) / float64(maxConnections) * 100
	if loadPercentage > 100 {
		loadPercentage = 100
	}

	return &StatsData{
		ActiveConnections: activeConns,
		TotalConnections:  metrics.GetTotalConnectionsCount(),
		SubscribedChats:   h.fabric.SubscribedChats(),
		CallSlots:         h.fabric.CallSlots(),
		MessagesSent:      metrics.GetMessagesSentCount(),
		Errors:            metrics.GetErrorCount(),
		LoadPercentage:    loadPercentage,
		MemoryUsage:       getMemoryUsage(),
	}
}

func formatUptime(duration time.Duration) string {
	days := int(duration.Hours()) / 24
	hours := int(duration.Hours()) % 24
	minutes := int(duration.Minutes()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}

// getMemoryUsage returns current memory usage statistics.
func getMemoryUsage() map[string]int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	safeUint64ToInt64 := func(val uint64) int64 {
		if val > 9223372036854775807 {
			return 9223372036854775807
		}
		return int64(val)
	}

	return map[string]int64{
		"alloc":        safeUint64ToInt64(m.Alloc),
		"total_alloc":  safeUint64ToInt64(m.TotalAlloc),
		"sys":          safeUint64ToInt64(m.Sys),
		"heap_alloc":   safeUint64ToInt64(m.HeapAlloc),
		"heap_inuse":   safeUint64ToInt64(m.HeapInuse),
		"heap_objects": safeUint64ToInt64(m.HeapObjects),
		"stack_inuse":  safeUint64ToInt64(m.StackInuse),
		"num_gc":       int64(m.NumGC),
	}
}
