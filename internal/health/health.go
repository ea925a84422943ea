// Package health exposes the /health endpoint: component checks over
// the database, the push fabric and the process itself.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/Parley-Chat/parley/internal/config"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the status of a specific component
type ComponentStatus struct {
	Name    string                 `json:"name"`
	Status  HealthStatus           `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status     HealthStatus           `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Version    string                 `json:"version"`
	Uptime     string                 `json:"uptime"`
	Components []*ComponentStatus     `json:"components"`
	Summary    map[string]interface{} `json:"summary"`
}

// DatabaseInterface defines the database operations needed for health checks
type DatabaseInterface interface {
	Ping() error
	Stats() DatabaseStats
}

// FabricInterface exposes what the push fabric reports about itself.
type FabricInterface interface {
	ConnectionCount() int64
	SubscribedChats() int
	CallSlots() int
}

// DatabaseStats represents database connection pool statistics (matches storage.DatabaseStats)
type DatabaseStats struct {
	OpenConnections    int
	InUse              int
	Idle               int
	MaxOpenConnections int
}

// HealthChecker performs comprehensive health checks
type HealthChecker struct {
	db        DatabaseInterface
	fabric    FabricInterface
	cfg       *config.Config
	logger    *zap.Logger
	startTime time.Time
	version   string
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(db DatabaseInterface, fabric FabricInterface, cfg *config.Config, logger *zap.Logger, version string) *HealthChecker {
	return &HealthChecker{
		db:        db,
		fabric:    fabric,
		cfg:       cfg,
		logger:    logger.Named("health"),
		startTime: time.Now(),
		version:   version,
	}
}

// CheckHealth performs a comprehensive health check
func (h *HealthChecker) CheckHealth(ctx context.Context) *HealthResponse {
	startTime := time.Now()
	components := make([]*ComponentStatus, 0)

	components = append(components, h.checkDatabase(ctx))
	components = append(components, h.checkMemory())
	components = append(components, h.checkConnections())
	components = append(components, h.checkSystemResources())

	overallStatus := h.determineOverallStatus(components)
	uptime := time.Since(h.startTime)

	return &HealthResponse{
		Status:     overallStatus,
		Timestamp:  time.Now(),
		Version:    h.version,
		Uptime:     h.formatUptime(uptime),
		Components: components,
		Summary: map[string]interface{}{
			"total_components":     len(components),
			"healthy_components":   h.countComponentsByStatus(components, StatusHealthy),
			"degraded_components":  h.countComponentsByStatus(components, StatusDegraded),
			"unhealthy_components": h.countComponentsByStatus(components, StatusUnhealthy),
			"check_duration_ms":    time.Since(startTime).Milliseconds(),
		},
	}
}

// checkDatabase checks database connectivity and pool pressure
func (h *HealthChecker) checkDatabase(ctx context.Context) *ComponentStatus {
	status := &ComponentStatus{
		Name:    "database",
		Details: make(map[string]interface{}),
	}

	if err := h.db.Ping(); err != nil {
		status.Status = StatusUnhealthy
		status.Message = "Database connection failed"
		status.Details["error"] = err.Error()
		return status
	}

	stats := h.db.Stats()
	status.Details["open_connections"] = stats.OpenConnections
	status.Details["in_use"] = stats.InUse
	status.Details["idle"] = stats.Idle
	status.Details["max_open_connections"] = stats.MaxOpenConnections

	connectionUtilization := float64(stats.InUse) / float64(stats.MaxOpenConnections) * 100
	status.Details["connection_utilization_percent"] = connectionUtilization

	if connectionUtilization > 95 {
		status.Status = StatusUnhealthy
		status.Message = "Critical database connection utilization"
	} else if connectionUtilization > 90 {
		status.Status = StatusDegraded
		status.Message = "High database connection utilization"
	} else {
		status.Status = StatusHealthy
		status.Message = "Database is healthy"
	}

	return status
}

// checkMemory checks memory usage
func (h *HealthChecker) checkMemory() *ComponentStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := &ComponentStatus{
		Name:    "memory",
		Details: make(map[string]interface{}),
	}

	allocMB := float64(m.Alloc) / 1024 / 1024
	sysMB := float64(m.Sys) / 1024 / 1024
	heapMB := float64(m.HeapAlloc) / 1024 / 1024

	status.Details["alloc_mb"] = allocMB
	status.Details["sys_mb"] = sysMB
	status.Details["heap_mb"] = heapMB
	status.Details["num_gc"] = m.NumGC
	status.Details["gc_cpu_fraction"] = m.GCCPUFraction

	const (
		memoryWarningMB  = 500
		memoryCriticalMB = 1000
	)

	if allocMB > memoryCriticalMB {
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High memory usage: %.1f MB", allocMB)
	} else if allocMB > memoryWarningMB {
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated memory usage: %.1f MB", allocMB)
	} else {
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Memory usage normal: %.1f MB", allocMB)
	}

	return status
}

// checkConnections checks push-stream connection health
func (h *HealthChecker) checkConnections() *ComponentStatus {
	status := &ComponentStatus{
		Name:    "connections",
		Details: make(map[string]interface{}),
	}

	connectionCount := h.fabric.ConnectionCount()
	status.Details["active_connections"] = connectionCount
	status.Details["subscribed_chats"] = h.fabric.SubscribedChats()
	status.Details["call_slots"] = h.fabric.CallSlots()

	maxConnections := h.cfg.Server.MaxConnections
	if maxConnections == 0 {
		maxConnections = 1000
	}

	connectionUtilization := float64(connectionCount) / float64(maxConnections) * 100
	status.Details["max_connections"] = maxConnections
	status.Details["connection_utilization_percent"] = connectionUtilization

	if connectionUtilization > 95 {
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("Critical connection utilization: %d/%d (%.1f%%)",
			connectionCount, maxConnections, connectionUtilization)
	} else if connectionUtilization > 90 {
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("High connection utilization: %d/%d (%.1f%%)",
			connectionCount, maxConnections, connectionUtilization)
	} else {
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Connection count normal: %d/%d (%.1f%%)",
			connectionCount, maxConnections, connectionUtilization)
	}

	return status
}

// checkSystemResources checks system-level resources
func (h *HealthChecker) checkSystemResources() *ComponentStatus {
	status := &ComponentStatus{
		Name:    "system",
		Details: make(map[string]interface{}),
	}

	status.Details["goroutines"] = runtime.NumGoroutine()
	status.Details["cpus"] = runtime.NumCPU()

	goroutineCount := runtime.NumGoroutine()

	const (
		goroutineWarning  = 1000
		goroutineCritical = 5000
	)

	if goroutineCount > goroutineCritical {
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High goroutine count: %d", goroutineCount)
	} else if goroutineCount > goroutineWarning {
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated goroutine count: %d", goroutineCount)
	} else {
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("System resources normal: %d goroutines", goroutineCount)
	}

	return status
}

// determineOverallStatus determines the overall health status from components
func (h *HealthChecker) determineOverallStatus(components []*ComponentStatus) HealthStatus {
	unhealthyCount := 0
	degradedCount := 0

	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			unhealthyCount++
		case StatusDegraded:
			degradedCount++
		}
	}

	if unhealthyCount > 0 {
		return StatusUnhealthy
	}
	if degradedCount > 0 {
		return StatusDegraded
	}
	return StatusHealthy
}

// countComponentsByStatus counts components with a specific status
func (h *HealthChecker) countComponentsByStatus(components []*ComponentStatus, status HealthStatus) int {
	count := 0
	for _, comp := range components {
		if comp.Status == status {
			count++
		}
	}
	return count
}

// formatUptime formats uptime duration as a human-readable string
func (h *HealthChecker) formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	} else if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// HandleHealth is the HTTP handler for health checks
func (h *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	healthResponse := h.CheckHealth(ctx)

	statusCode := http.StatusOK
	if healthResponse.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(healthResponse); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Debug("Health check completed",
		zap.String("status", string(healthResponse.Status)),
		zap.Int("status_code", statusCode),
		zap.String("client_ip", r.RemoteAddr))
}
