package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Parley-Chat/parley/internal/config"
	"github.com/Parley-Chat/parley/internal/logger"
)

type fakeFabric struct {
	conns int64
	chats int
	slots int
}

func (f *fakeFabric) ConnectionCount() int64 { return f.conns }
func (f *fakeFabric) SubscribedChats() int   { return f.chats }
func (f *fakeFabric) CallSlots() int         { return f.slots }

func newStatsFixture() *StatsHandler {
	cfg := &config.Config{Server: config.ServerConfig{MaxConnections: 100}}
	return NewStatsHandler(cfg, &fakeFabric{conns: 25, chats: 7, slots: 3}, "node-test", "1.2.3", logger.New("stats"))
}

func TestHandleStats(t *testing.T) {
	h := newStatsFixture()

	rec := httptest.NewRecorder()
	h.HandleStats(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	var body struct {
		NodeID  string     `json:"node_id"`
		Version string     `json:"version"`
		Uptime  string     `json:"uptime"`
		Stats   *StatsData `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "node-test", body.NodeID)
	require.Equal(t, "1.2.3", body.Version)
	require.NotEmpty(t, body.Uptime)
	require.NotNil(t, body.Stats)
	require.Equal(t, int64(25), body.Stats.ActiveConnections)
	require.Equal(t, 7, body.Stats.SubscribedChats)
	require.Equal(t, 3, body.Stats.CallSlots)
	require.InDelta(t, 25.0, body.Stats.LoadPercentage, 0.01)
	require.NotEmpty(t, body.Stats.MemoryUsage)
}

func TestHandleStatsPreflight(t *testing.T) {
	h := newStatsFixture()

	rec := httptest.NewRecorder()
	h.HandleStats(rec, httptest.NewRequest(http.MethodOptions, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandleStatsRejectsPost(t *testing.T) {
	h := newStatsFixture()

	rec := httptest.NewRecorder()
	h.HandleStats(rec, httptest.NewRequest(http.MethodPost, "/stats", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestLoadPercentageCapsAtFull(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{MaxConnections: 10}}
	h := NewStatsHandler(cfg, &fakeFabric{conns: 50}, "node-test", "dev", logger.New("stats"))

	stats := h.getStatsData()
	require.Equal(t, float64(100), stats.LoadPercentage)
}

func TestFormatUptime(t *testing.T) {
	require.Equal(t, "0m", formatUptime(30e9))
	require.Equal(t, "5m", formatUptime(5*60e9))
	require.Equal(t, "2h 4m", formatUptime(2*3600e9+4*60e9))
	require.Equal(t, "1d 1h 1m", formatUptime(25*3600e9+61e9))
}
