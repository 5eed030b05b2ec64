package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"listen-room/internal/config"
	"listen-room/internal/subscription"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

// State is the lifecycle state of the channel
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// EventType identifies a connection status event
type EventType string

const (
	EventStateChanged       EventType = "state_changed"
	EventReconnecting       EventType = "reconnecting"
	EventReconnected        EventType = "reconnected"
	EventReconnectExhausted EventType = "reconnect_exhausted"
)

// Event is delivered to status subscribers.
type Event struct {
	Type    EventType
	State   State
	Attempt int
	Delay   time.Duration
	Err     error
}

// Options tunes the connection lifecycle
type Options struct {
	BaseURL              string
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	WriteWait            time.Duration
}

// OptionsFromConfig builds Options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BaseURL:              cfg.API.WebsocketBase(),
		ConnectTimeout:       cfg.Connection.ConnectTimeout,
		HeartbeatInterval:    cfg.Connection.HeartbeatInterval,
		ReconnectBaseDelay:   cfg.Connection.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Connection.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.Connection.MaxReconnectAttempts,
		WriteWait:            cfg.Connection.WriteWait,
	}
}

// ManagerOption customises a Manager
type ManagerOption func(*Manager)

func WithDialer(d Dialer) ManagerOption {
	return func(m *Manager) { m.dialer = d }
}

func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// Manager owns the single channel connection of a session: it dials, keeps
// the link alive with a heartbeat and reconnects with backoff after
// unexpected closures.
type Manager struct {
	opts     Options
	clientID string
	dialer   Dialer
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *ConnectionMetrics

	onFrame       func(data []byte)
	onReconnected func()
	events        subscription.List[Event]

	mu             sync.Mutex
	state          State
	roomCode       string
	userID         int64
	client         *Client
	heartbeat      *Heartbeat
	attempts       int
	reconnectTimer *clock.Timer
	dialCancel     context.CancelFunc
	closing        bool
}

func NewManager(opts Options, clientID string, options ...ManagerOption) *Manager {
	m := &Manager{
		opts:     opts,
		clientID: clientID,
		dialer:   GorillaDialer{},
		clock:    clock.New(),
		logger:   slog.Default(),
		metrics:  NewConnectionMetrics(defaultMetricsHistory),
	}
	for _, opt := range options {
		opt(m)
	}
	m.logger = m.logger.With("client_id", clientID)
	return m
}

// SetFrameHandler sets the callback receiving every inbound frame, in
// arrival order, on the read pump goroutine. Set it before Open.
func (m *Manager) SetFrameHandler(fn func(data []byte)) {
	m.mu.Lock()
	m.onFrame = fn
	m.mu.Unlock()
}

// SetReconnectedHandler sets the hook run after a successful reconnect.
func (m *Manager) SetReconnectedHandler(fn func()) {
	m.mu.Lock()
	m.onReconnected = fn
	m.mu.Unlock()
}

// Subscribe registers a status event callback.
func (m *Manager) Subscribe(fn func(Event)) *subscription.Handle {
	return m.events.Subscribe(fn)
}

func (m *Manager) ClientID() string {
	return m.clientID
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of reconnect attempts made since the last
// successful connect.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// URL returns the channel endpoint for a room and user.
func (m *Manager) URL(roomCode string, userID int64) string {
	return fmt.Sprintf("%s/api/rooms/ws/%s/%d", m.opts.BaseURL, url.PathEscape(roomCode), userID)
}

// Open connects to the room channel and returns once the link is ready.
func (m *Manager) Open(ctx context.Context, roomCode string, userID int64) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return ErrAlreadyOpen
	}
	m.roomCode = roomCode
	m.userID = userID
	m.closing = false
	m.attempts = 0
	events := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.emit(events...)

	client, err := m.dial(ctx)

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		if client != nil {
			client.shutdown(websocket.CloseNormalClosure)
		}
		return ErrNotConnected
	}
	if err != nil {
		events = m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		m.emit(events...)
		m.logger.Error("Channel connect failed", "room", roomCode, "error", err)
		return err
	}
	events = m.attachLocked(client)
	m.mu.Unlock()
	m.emit(events...)

	m.logger.Info("Channel connected", "room", roomCode, "user_id", userID)
	return nil
}

// Close shuts the channel down deliberately with code 1000. No reconnect
// follows.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closing = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.stopHeartbeatLocked()
	client := m.client
	m.client = nil
	m.attempts = 0
	m.roomCode = ""
	events := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if client != nil {
		client.shutdown(websocket.CloseNormalClosure)
	}
	m.emit(events...)
	m.logger.Debug("Channel closed")
}

// Send stamps the frame with the local client id and queues it for writing.
// Outside the connected state nothing is written.
func (m *Manager) Send(frame *Frame) error {
	m.mu.Lock()
	state, client := m.state, m.client
	m.mu.Unlock()

	if state != StateConnected || client == nil {
		m.logger.Warn("Dropping frame, channel not connected", "type", frame.Type, "state", state)
		m.metrics.RecordDropped()
		return ErrNotConnected
	}

	frame.ClientID = m.clientID
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", frame.Type, err)
	}
	if err := client.enqueue(data); err != nil {
		m.metrics.RecordDropped()
		return err
	}
	m.metrics.RecordSent(len(data))
	return nil
}

// Metrics returns the traffic counters of the channel.
func (m *Manager) Metrics() MetricsSnapshot {
	return m.metrics.GetAggregatedMetrics()
}

// RecordPong marks the link alive.
func (m *Manager) RecordPong() {
	m.mu.Lock()
	hb := m.heartbeat
	m.mu.Unlock()

	if hb != nil {
		hb.RecordPong()
	}
	m.metrics.RecordPong(m.clock.Now())
}

func (m *Manager) dial(ctx context.Context) (*Client, error) {
	m.mu.Lock()
	dctx, cancel := m.clock.WithTimeout(ctx, m.opts.ConnectTimeout)
	m.dialCancel = cancel
	target := m.URL(m.roomCode, m.userID)
	m.mu.Unlock()
	defer cancel()

	m.logger.Debug("Dialing channel", "url", target)

	start := m.clock.Now()
	conn, err := m.dialer.Dial(dctx, target)
	m.metrics.RecordConnect(m.clock.Since(start), err == nil, m.clock.Now())
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrConnectTimeout, m.opts.ConnectTimeout)
		}
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	client := newClient(conn, m.opts.WriteWait, m.logger)
	client.onMessage = m.handleMessage
	client.onClose = m.handleClosed
	return client, nil
}

// attachLocked installs a freshly dialed client. Caller holds m.mu.
func (m *Manager) attachLocked(client *Client) []Event {
	m.client = client
	m.dialCancel = nil
	client.start()

	m.heartbeat = NewHeartbeat(m.opts.HeartbeatInterval, m.clock,
		func() error {
			m.metrics.RecordPing(m.clock.Now())
			return m.Send(NewFrame(FramePing))
		},
		func() { m.expire(client) },
		m.logger)
	m.heartbeat.Start()

	return m.setStateLocked(StateConnected)
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
}

// expire drops a silent link without a close frame; the read pump then
// reports an abnormal closure.
func (m *Manager) expire(client *Client) {
	m.mu.Lock()
	current := m.client == client
	m.mu.Unlock()

	if current {
		client.terminate()
	}
}

func (m *Manager) handleMessage(client *Client, data []byte) {
	m.mu.Lock()
	current := m.client == client
	onFrame := m.onFrame
	m.mu.Unlock()

	if !current {
		return
	}
	m.metrics.RecordReceived(len(data))
	if onFrame != nil {
		onFrame(data)
	}
}

func (m *Manager) handleClosed(client *Client, code int, err error) {
	m.mu.Lock()
	if m.client != client {
		m.mu.Unlock()
		return
	}
	m.client = nil
	m.stopHeartbeatLocked()

	var events []Event
	if m.closing || code == websocket.CloseNormalClosure {
		events = m.setStateLocked(StateDisconnected)
	} else {
		m.logger.Warn("Channel closed unexpectedly", "code", code, "error", err)
		events = m.scheduleReconnectLocked(err)
	}
	m.mu.Unlock()
	m.emit(events...)
}

// scheduleReconnectLocked arms the next attempt, or gives up once the cap
// is reached. Caller holds m.mu.
func (m *Manager) scheduleReconnectLocked(cause error) []Event {
	if m.attempts >= m.opts.MaxReconnectAttempts {
		m.logger.Error("Reconnect attempts exhausted", "attempts", m.attempts)
		events := m.setStateLocked(StateDisconnected)
		return append(events, Event{
			Type:    EventReconnectExhausted,
			State:   StateDisconnected,
			Attempt: m.attempts,
			Err:     fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, m.attempts),
		})
	}

	m.attempts++
	delay := BackoffDelay(m.attempts, m.opts.ReconnectBaseDelay, m.opts.ReconnectMaxDelay)
	m.reconnectTimer = m.clock.AfterFunc(delay, m.reconnect)

	m.logger.Info("Scheduling reconnect", "attempt", m.attempts, "delay", delay)
	events := m.setStateLocked(StateReconnecting)
	return append(events, Event{
		Type:    EventReconnecting,
		State:   StateReconnecting,
		Attempt: m.attempts,
		Delay:   delay,
		Err:     cause,
	})
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	if m.closing || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	events := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.emit(events...)

	client, err := m.dial(context.Background())

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		if client != nil {
			client.shutdown(websocket.CloseNormalClosure)
		}
		return
	}
	if err != nil {
		m.logger.Warn("Reconnect failed", "attempt", m.attempts, "error", err)
		events = m.scheduleReconnectLocked(err)
		m.mu.Unlock()
		m.emit(events...)
		return
	}
	attempt := m.attempts
	m.attempts = 0
	m.metrics.RecordReconnect()
	events = m.attachLocked(client)
	onReconnected := m.onReconnected
	m.mu.Unlock()

	m.logger.Info("Channel reconnected", "attempt", attempt)
	m.emit(append(events, Event{Type: EventReconnected, State: StateConnected, Attempt: attempt})...)

	for _, t := range []FrameType{FrameRequestPlaybackState, FrameRequestQueue} {
		if err := m.Send(NewFrame(t)); err != nil {
			m.logger.Warn("Resync request not sent", "type", t, "error", err)
		}
	}
	if onReconnected != nil {
		onReconnected()
	}
}

// setStateLocked records a transition. Caller holds m.mu.
func (m *Manager) setStateLocked(s State) []Event {
	if m.state == s {
		return nil
	}
	m.state = s
	return []Event{{Type: EventStateChanged, State: s}}
}

func (m *Manager) emit(events ...Event) {
	for _, ev := range events {
		m.events.Notify(ev)
	}
}
