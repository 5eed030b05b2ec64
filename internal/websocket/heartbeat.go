package websocket

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Heartbeat sends a ping every interval and reports the link dead when no
// pong has been seen for more than two intervals.
type Heartbeat struct {
	interval time.Duration
	clock    clock.Clock
	ping     func() error
	expire   func()
	logger   *slog.Logger

	mu       sync.Mutex
	lastPong time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func NewHeartbeat(interval time.Duration, clk clock.Clock, ping func() error, expire func(), logger *slog.Logger) *Heartbeat {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		interval: interval,
		clock:    clk,
		ping:     ping,
		expire:   expire,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start arms the ticker. The connect moment counts as the first pong.
func (h *Heartbeat) Start() {
	h.RecordPong()
	ticker := h.clock.Ticker(h.interval)
	go h.run(ticker)
}

// Stop halts the heartbeat. Safe to call more than once.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// RecordPong marks the link alive.
func (h *Heartbeat) RecordPong() {
	h.mu.Lock()
	h.lastPong = h.clock.Now()
	h.mu.Unlock()
}

// LastPong returns when the link was last seen alive.
func (h *Heartbeat) LastPong() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastPong
}

func (h *Heartbeat) run(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			if !h.beat() {
				return
			}
		}
	}
}

// beat runs one tick. It returns false once the link has been expired.
func (h *Heartbeat) beat() bool {
	select {
	case <-h.stop:
		return false
	default:
	}

	gap := h.clock.Since(h.LastPong())
	if gap > 2*h.interval {
		h.logger.Warn("No pong received, closing channel", "since_last_pong", gap, "interval", h.interval)
		h.Stop()
		if h.expire != nil {
			h.expire()
		}
		return false
	}

	if h.ping != nil {
		if err := h.ping(); err != nil {
			h.logger.Debug("Ping not sent", "error", err)
		}
	}
	return true
}
