package websocket

import (
	"sync"
	"time"
)

const defaultMetricsHistory = 32

// MetricType represents the kind of a recorded channel measurement
type MetricType string

const (
	MetricConnect   MetricType = "connect"
	MetricHeartbeat MetricType = "heartbeat"
)

// Metric is a single timed channel measurement
type Metric struct {
	Type      MetricType    `json:"type"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// MetricsSnapshot is the aggregated view of a channel's traffic.
type MetricsSnapshot struct {
	FramesSent      int           `json:"framesSent"`
	FramesReceived  int           `json:"framesReceived"`
	FramesDropped   int           `json:"framesDropped"`
	BytesSent       int           `json:"bytesSent"`
	BytesReceived   int           `json:"bytesReceived"`
	PeakFrameSize   int           `json:"peakFrameSize"`
	Connects        int           `json:"connects"`
	ConnectFailures int           `json:"connectFailures"`
	Reconnects      int           `json:"reconnects"`
	AvgConnectTime  time.Duration `json:"avgConnectTime"`
	LastRTT         time.Duration `json:"lastRtt"`
}

// ConnectionMetrics tracks traffic counters and recent timings of a channel
type ConnectionMetrics struct {
	// Recent timings (circular buffer)
	history     []Metric
	historySize int
	historyPos  int

	agg              MetricsSnapshot
	totalConnectTime time.Duration
	pingSentAt       time.Time

	mu sync.Mutex
}

// NewConnectionMetrics creates a tracker keeping the last historySize timings
func NewConnectionMetrics(historySize int) *ConnectionMetrics {
	if historySize <= 0 {
		historySize = defaultMetricsHistory
	}
	return &ConnectionMetrics{
		history:     make([]Metric, historySize),
		historySize: historySize,
	}
}

func (cm *ConnectionMetrics) recordLocked(metric Metric) {
	cm.history[cm.historyPos] = metric
	cm.historyPos = (cm.historyPos + 1) % cm.historySize
}

// RecordConnect records one dial attempt
func (cm *ConnectionMetrics) RecordConnect(d time.Duration, success bool, at time.Time) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if success {
		cm.agg.Connects++
		cm.totalConnectTime += d
	} else {
		cm.agg.ConnectFailures++
	}
	cm.recordLocked(Metric{Type: MetricConnect, Duration: d, Success: success, Timestamp: at})
}

func (cm *ConnectionMetrics) RecordReconnect() {
	cm.mu.Lock()
	cm.agg.Reconnects++
	cm.mu.Unlock()
}

func (cm *ConnectionMetrics) RecordSent(size int) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.agg.FramesSent++
	cm.agg.BytesSent += size
	if size > cm.agg.PeakFrameSize {
		cm.agg.PeakFrameSize = size
	}
}

func (cm *ConnectionMetrics) RecordReceived(size int) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.agg.FramesReceived++
	cm.agg.BytesReceived += size
	if size > cm.agg.PeakFrameSize {
		cm.agg.PeakFrameSize = size
	}
}

func (cm *ConnectionMetrics) RecordDropped() {
	cm.mu.Lock()
	cm.agg.FramesDropped++
	cm.mu.Unlock()
}

// RecordPing marks a heartbeat ping as outstanding.
func (cm *ConnectionMetrics) RecordPing(at time.Time) {
	cm.mu.Lock()
	cm.pingSentAt = at
	cm.mu.Unlock()
}

// RecordPong closes the outstanding ping, if any, and records the round trip.
func (cm *ConnectionMetrics) RecordPong(at time.Time) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.pingSentAt.IsZero() {
		return
	}
	rtt := at.Sub(cm.pingSentAt)
	cm.pingSentAt = time.Time{}
	cm.agg.LastRTT = rtt
	cm.recordLocked(Metric{Type: MetricHeartbeat, Duration: rtt, Success: true, Timestamp: at})
}

// GetMetricsHistory returns the recent timings, oldest first
func (cm *ConnectionMetrics) GetMetricsHistory() []Metric {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	history := make([]Metric, 0, cm.historySize)
	for i := 0; i < cm.historySize; i++ {
		pos := (cm.historyPos + i) % cm.historySize
		if !cm.history[pos].Timestamp.IsZero() {
			history = append(history, cm.history[pos])
		}
	}
	return history
}

// GetAggregatedMetrics returns the counters collected so far
func (cm *ConnectionMetrics) GetAggregatedMetrics() MetricsSnapshot {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	snap := cm.agg
	if snap.Connects > 0 {
		snap.AvgConnectTime = cm.totalConnectTime / time.Duration(snap.Connects)
	}
	return snap
}
