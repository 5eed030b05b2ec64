// Package room binds the local engine to one listening room: it owns the
// channel, the router and the playback, queue and chat reconcilers.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"listen-room/internal/api"
	"listen-room/internal/chat"
	"listen-room/internal/config"
	"listen-room/internal/identity"
	"listen-room/internal/models"
	"listen-room/internal/playback"
	"listen-room/internal/queue"
	"listen-room/internal/services"
	"listen-room/internal/subscription"
	"listen-room/internal/websocket"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

const (
	mirrorBufferSize     = 64
	mirrorPublishTimeout = 2 * time.Second
)

var ErrEmptyRoomCode = errors.New("room code is required")

// API is the resource API a session talks to.
type API interface {
	GetRoom(ctx context.Context, code string) (*models.Room, error)
	CreateRoom(ctx context.Context, req models.CreateRoomRequest) (*models.Room, error)
	queue.API
	queue.Catalogue
	chat.API
}

// Mirror receives a copy of every session event.
type Mirror interface {
	Publish(ctx context.Context, event services.MirrorEvent) error
}

// Presence is a user_joined or user_left notice.
type Presence struct {
	Joined     bool
	UserID     int64
	UsersCount int
}

type Options struct {
	Dialer websocket.Dialer
	Clock  clock.Clock
	Logger *slog.Logger
	Mirror Mirror
}

// Session is the live binding of this client to one room.
type Session struct {
	cfg      *config.Config
	api      API
	identity identity.Provider
	clientID string
	room     *models.Room
	logger   *slog.Logger

	manager  *websocket.Manager
	router   *Router
	playback *playback.Reconciler
	queue    *queue.Reconciler
	chat     *chat.Reconciler

	presence   subscription.List[Presence]
	usersCount atomic.Int64

	mu      sync.Mutex
	handles []*subscription.Handle

	mirror       Mirror
	mirrorCh     chan services.MirrorEvent
	mirrorCancel context.CancelFunc

	leaveOnce sync.Once
}

// Join looks the room up by code, creating it when the server does not know
// it yet, opens the channel and loads the queue and chat history.
func Join(ctx context.Context, cfg *config.Config, client API, id identity.Provider, code string, opts Options) (*Session, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrEmptyRoomCode
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	room, err := lookupOrCreate(ctx, client, code, logger)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:      cfg,
		api:      client,
		identity: id,
		clientID: uuid.NewString(),
		room:     room,
		mirror:   opts.Mirror,
	}
	s.logger = logger.With("room", room.RoomCode)

	managerOpts := []websocket.ManagerOption{websocket.WithClock(clk), websocket.WithLogger(s.logger)}
	if opts.Dialer != nil {
		managerOpts = append(managerOpts, websocket.WithDialer(opts.Dialer))
	}
	s.manager = websocket.NewManager(websocket.OptionsFromConfig(cfg), s.clientID, managerOpts...)
	s.logger = s.logger.With("client_id", s.clientID)

	s.playback = playback.NewReconciler(s.manager, s.clientID,
		playback.WithClock(clk),
		playback.WithThrottleWindow(cfg.Playback.ThrottleWindow),
		playback.WithLogger(s.logger))
	s.queue = queue.NewReconciler(client, client, s.manager, room.ID, s.clientID, s.logger)
	s.chat = chat.NewReconciler(client, id, room.ID, cfg.Chat, chat.WithClock(clk), chat.WithLogger(s.logger))
	s.router = NewRouter(s.manager, s.playback, s.queue, s.chat, s.handlePresence, s.logger)

	s.manager.SetFrameHandler(s.router.Dispatch)
	s.manager.SetReconnectedHandler(s.resync)
	s.track(s.manager.Subscribe(s.onConnectionEvent))
	if s.mirror != nil {
		s.startMirror()
	}

	if err := s.manager.Open(ctx, room.RoomCode, s.userID()); err != nil {
		s.Leave()
		return nil, err
	}

	s.load(ctx)

	// Peers already in the room answer with the current playback state.
	if err := s.manager.Send(websocket.NewFrame(websocket.FrameRequestPlaybackState)); err != nil {
		s.logger.Debug("Playback state request not sent", "error", err)
	}

	s.logger.Info("Joined room", "room_id", room.ID, "name", room.Name)
	return s, nil
}

func lookupOrCreate(ctx context.Context, client API, code string, logger *slog.Logger) (*models.Room, error) {
	room, err := client.GetRoom(ctx, code)
	switch {
	case err == nil:
	case api.IsNotFound(err):
		logger.Info("Room not found, creating it", "room", code)
		room, err = client.CreateRoom(ctx, models.CreateRoomRequest{Name: "Room " + code, RoomCode: code})
		if err != nil {
			return nil, fmt.Errorf("create room %s: %w", code, err)
		}
	default:
		return nil, fmt.Errorf("look up room %s: %w", code, err)
	}

	if room.RoomCode == "" {
		room.RoomCode = code
	}
	return room, nil
}

// Leave closes the channel with a normal closure and drops every
// subscription. The session cannot be reused.
func (s *Session) Leave() {
	s.leaveOnce.Do(func() {
		s.manager.Close()

		s.mu.Lock()
		handles := s.handles
		s.handles = nil
		s.mu.Unlock()
		for _, h := range handles {
			h.Unsubscribe()
		}

		s.playback.Clear()
		s.queue.Clear()
		s.chat.Clear()
		s.presence.Clear()

		if s.mirrorCancel != nil {
			s.mirrorCancel()
		}
		s.logger.Info("Left room")
	})
}

// ==============================================================
// Accessors
// ==============================================================

func (s *Session) Room() models.Room {
	return *s.room
}

func (s *Session) ClientID() string {
	return s.clientID
}

func (s *Session) State() websocket.State {
	return s.manager.State()
}

// Metrics returns the traffic counters of the room channel.
func (s *Session) Metrics() websocket.MetricsSnapshot {
	return s.manager.Metrics()
}

// UsersCount is the number of connected listeners last reported by the
// server.
func (s *Session) UsersCount() int {
	return int(s.usersCount.Load())
}

func (s *Session) Playback() *playback.Reconciler {
	return s.playback
}

func (s *Session) Queue() *queue.Reconciler {
	return s.queue
}

func (s *Session) Chat() *chat.Reconciler {
	return s.chat
}

// SubscribePresence registers a callback for join and leave notices.
func (s *Session) SubscribePresence(fn func(Presence)) *subscription.Handle {
	return s.track(s.presence.Subscribe(fn))
}

// SubscribeStatus registers a callback for connection events, including
// the terminal websocket.EventReconnectExhausted.
func (s *Session) SubscribeStatus(fn func(websocket.Event)) *subscription.Handle {
	return s.track(s.manager.Subscribe(fn))
}

func (s *Session) track(h *subscription.Handle) *subscription.Handle {
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	return h
}

// ==============================================================
// Queue navigation that also moves playback
// ==============================================================

// SelectTrack makes the queue item at index current and starts it.
func (s *Session) SelectTrack(index int) error {
	if err := s.queue.Select(index); err != nil {
		return err
	}
	return s.startCurrent()
}

// Next advances to the following queue item. It reports false at the end.
func (s *Session) Next() (bool, error) {
	ok, err := s.queue.Next()
	if !ok || err != nil {
		return ok, err
	}
	return true, s.startCurrent()
}

// Previous goes back one queue item. It reports false at the start.
func (s *Session) Previous() (bool, error) {
	ok, err := s.queue.Previous()
	if !ok || err != nil {
		return ok, err
	}
	return true, s.startCurrent()
}

// PlayTrack selects the queue item holding the track and starts it.
func (s *Session) PlayTrack(musicID int64) error {
	if err := s.queue.PlayTrack(musicID); err != nil {
		return err
	}
	return s.startCurrent()
}

func (s *Session) startCurrent() error {
	item, ok := s.queue.Current()
	if !ok {
		return nil
	}
	ref := item.Music.Ref()
	if ref == nil {
		ref = &models.TrackRef{ID: item.MusicID}
	}
	return s.playback.ChangeTrack(ref)
}

// ==============================================================
// Channel callbacks
// ==============================================================

func (s *Session) userID() int64 {
	if s.identity == nil {
		return models.AnonymousUserID
	}
	user := s.identity.CurrentUser()
	if user.IsAnonymous() {
		return models.AnonymousUserID
	}
	return user.ID
}

func (s *Session) load(ctx context.Context) {
	if err := s.queue.Load(ctx); err != nil {
		s.logger.Warn("Failed to load queue", "error", err)
	}
	if err := s.chat.LoadHistory(ctx); err != nil {
		s.logger.Warn("Failed to load chat history", "error", err)
	}
}

// resync runs after a reconnect: anything held in memory may be stale.
func (s *Session) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.API.RequestTimeout)
	defer cancel()
	s.load(ctx)
}

func (s *Session) handlePresence(frame *websocket.Frame) {
	p := Presence{Joined: frame.Type == websocket.FrameUserJoined}
	if frame.UserID != nil {
		p.UserID = *frame.UserID
	}
	if frame.UsersCount != nil {
		s.usersCount.Store(int64(*frame.UsersCount))
	}
	p.UsersCount = s.UsersCount()

	if p.UserID != s.userID() {
		verb := "left"
		if p.Joined {
			verb = "joined"
		}
		s.chat.AddSystem(fmt.Sprintf("User %d %s the room (%d listening)", p.UserID, verb, p.UsersCount))
	}
	s.presence.Notify(p)
}

func (s *Session) onConnectionEvent(ev websocket.Event) {
	switch ev.Type {
	case websocket.EventReconnecting:
		s.logger.Info("Connection lost, reconnecting", "attempt", ev.Attempt, "delay", ev.Delay)
	case websocket.EventReconnectExhausted:
		s.logger.Error("Giving up on the room channel", "attempts", ev.Attempt, "error", ev.Err)
		s.chat.AddSystem("Connection lost. Leave and rejoin the room to continue.")
	}
}

// ==============================================================
// Event mirror
// ==============================================================

func (s *Session) startMirror() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mirrorCancel = cancel
	s.mirrorCh = make(chan services.MirrorEvent, mirrorBufferSize)
	go s.mirrorLoop(ctx)

	s.track(s.playback.Subscribe(func(f *websocket.Frame) { s.publish("playback", f) }))
	s.track(s.queue.Subscribe(func(ev queue.Event) { s.publish("queue", ev) }))
	s.track(s.chat.Subscribe(func(ev chat.Event) { s.publish("chat", ev) }))
	s.track(s.presence.Subscribe(func(p Presence) { s.publish("presence", p) }))
	s.track(s.manager.Subscribe(func(ev websocket.Event) {
		s.publish("connection", map[string]any{"type": ev.Type, "state": ev.State.String(), "attempt": ev.Attempt})
	}))
}

func (s *Session) publish(eventType string, payload any) {
	ev := services.MirrorEvent{
		Type:      eventType,
		RoomCode:  s.room.RoomCode,
		ClientID:  s.clientID,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
	select {
	case s.mirrorCh <- ev:
	default:
		s.logger.Debug("Mirror buffer full, dropping event", "type", eventType)
	}
}

func (s *Session) mirrorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.mirrorCh:
			pctx, cancel := context.WithTimeout(ctx, mirrorPublishTimeout)
			if err := s.mirror.Publish(pctx, ev); err != nil {
				s.logger.Debug("Mirror publish failed", "type", ev.Type, "error", err)
			}
			cancel()
		}
	}
}
