package call

import (
	"sync"
	"time"
)

// Quality is the coarse connection-quality level surfaced to the UI.
type Quality string

const (
	QualityUnknown Quality = "unknown"
	QualityGood    Quality = "good"
	QualityPoor    Quality = "poor"
	QualityBad     Quality = "bad"
)

// QualityStats is one sample of transport health.
type QualityStats struct {
	// PacketLoss is the fraction of packets lost, 0.0 to 1.0.
	PacketLoss float64
	RTT        time.Duration
}

// StatsReader samples transport health from the peer connection.
type StatsReader interface {
	ReadStats() (QualityStats, error)
}

// Quality thresholds. Loss above 10% or RTT above 300ms is bad; loss
// above 5% or RTT above 150ms is poor.
const (
	badLossThreshold  = 0.10
	badRTTThreshold   = 300 * time.Millisecond
	poorLossThreshold = 0.05
	poorRTTThreshold  = 150 * time.Millisecond

	defaultQualityInterval = 2 * time.Second
)

func classifyQuality(s QualityStats) Quality {
	switch {
	case s.PacketLoss > badLossThreshold || s.RTT > badRTTThreshold:
		return QualityBad
	case s.PacketLoss > poorLossThreshold || s.RTT > poorRTTThreshold:
		return QualityPoor
	default:
		return QualityGood
	}
}

// qualityMonitor samples a StatsReader on an interval and reports level
// changes. Advisory only: it never acts on the call itself.
type qualityMonitor struct {
	reader   StatsReader
	interval time.Duration
	onChange func(Quality)

	stopOnce sync.Once
	stop     chan struct{}

	mu   sync.Mutex
	last Quality
}

func newQualityMonitor(reader StatsReader, interval time.Duration, onChange func(Quality)) *qualityMonitor {
	if interval <= 0 {
		interval = defaultQualityInterval
	}
	return &qualityMonitor{
		reader:   reader,
		interval: interval,
		onChange: onChange,
		stop:     make(chan struct{}),
		last:     QualityUnknown,
	}
}

func (m *qualityMonitor) Start() {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.sample()
			}
		}
	}()
}

func (m *qualityMonitor) sample() {
	stats, err := m.reader.ReadStats()
	if err != nil {
		return
	}
	level := classifyQuality(stats)

	m.mu.Lock()
	changed := level != m.last
	m.last = level
	m.mu.Unlock()

	if changed && m.onChange != nil {
		m.onChange(level)
	}
}

func (m *qualityMonitor) Current() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *qualityMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}
