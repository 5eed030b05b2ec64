package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"listen-room/internal/models"
	"listen-room/internal/subscription"
	"listen-room/internal/websocket"

	"github.com/benbjohnson/clock"
)

const DefaultThrottleWindow = 200 * time.Millisecond

var (
	ErrThrottled     = errors.New("playback update throttled")
	ErrUnknownUpdate = errors.New("unknown playback update")
)

// Sender delivers frames to the room channel.
type Sender interface {
	Send(frame *websocket.Frame) error
}

// Update is a local playback change to broadcast.
type Update struct {
	Type     websocket.FrameType
	Track    *models.TrackRef
	Position float64
	Playing  bool
}

type Option func(*Reconciler)

func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

func WithThrottleWindow(d time.Duration) Option {
	return func(r *Reconciler) { r.window = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// Reconciler keeps the room's playback state agreed between participants.
type Reconciler struct {
	sender   Sender
	clientID string
	clock    clock.Clock
	window   time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	state    models.PlaybackState
	lastSent map[websocket.FrameType]time.Time

	subscribers subscription.List[*websocket.Frame]
}

func NewReconciler(sender Sender, clientID string, opts ...Option) *Reconciler {
	r := &Reconciler{
		sender:   sender,
		clientID: clientID,
		clock:    clock.New(),
		window:   DefaultThrottleWindow,
		logger:   slog.Default(),
		lastSent: make(map[websocket.FrameType]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SendUpdate applies a local change and broadcasts it. A repeat of the same
// update type inside the throttle window is dropped; sync is never throttled.
func (r *Reconciler) SendUpdate(u Update) error {
	if u.Type.Kind() != websocket.KindPlayback {
		return fmt.Errorf("%w: %q", ErrUnknownUpdate, u.Type)
	}

	frame := websocket.NewPlaybackFrame(u.Type, u.Track, u.Position, u.Playing)

	r.mu.Lock()
	now := r.clock.Now()
	if u.Type != websocket.FrameSync {
		if last, ok := r.lastSent[u.Type]; ok && now.Sub(last) < r.window {
			r.mu.Unlock()
			r.logger.Debug("Playback update throttled", "type", u.Type, "since_last", now.Sub(last))
			return ErrThrottled
		}
	}
	r.applyLocked(frame, r.clientID, now)
	r.mu.Unlock()

	if err := r.sender.Send(frame); err != nil {
		return err
	}

	// Only transmitted updates start a throttle window.
	r.mu.Lock()
	r.lastSent[u.Type] = now
	r.mu.Unlock()
	return nil
}

// OnRemoteUpdate handles a frame from the channel. Frames this client sent
// itself are ignored. Frames of unknown kinds reach subscribers untouched.
func (r *Reconciler) OnRemoteUpdate(frame *websocket.Frame) {
	if frame.ClientID != "" && frame.ClientID == r.clientID {
		r.logger.Debug("Ignoring own playback echo", "type", frame.Type)
		return
	}

	if frame.Type.Kind() == websocket.KindPlayback {
		r.mu.Lock()
		r.applyLocked(frame, frame.ClientID, r.clock.Now())
		r.mu.Unlock()
	}

	r.subscribers.Notify(frame)
}

// AnswerStateRequest replies to request_playback_state with a sync frame
// describing the current state. Nothing is sent when no track is loaded.
func (r *Reconciler) AnswerStateRequest(frame *websocket.Frame) error {
	if frame.ClientID != "" && frame.ClientID == r.clientID {
		return nil
	}

	r.mu.Lock()
	state := r.state
	now := r.clock.Now()
	r.mu.Unlock()

	if state.Track == nil {
		return nil
	}

	position := state.Position
	if state.Playing && !state.UpdatedAt.IsZero() {
		position += now.Sub(state.UpdatedAt).Seconds()
	}
	return r.sender.Send(websocket.NewPlaybackFrame(websocket.FrameSync, state.Track, position, state.Playing))
}

func (r *Reconciler) applyLocked(frame *websocket.Frame, by string, at time.Time) {
	if frame.Track != nil {
		r.state.Track = frame.Track
	}
	if frame.Position != nil {
		r.state.Position = *frame.Position
	}
	switch frame.Type {
	case websocket.FramePlay:
		r.state.Playing = true
	case websocket.FramePause:
		r.state.Playing = false
	default:
		if frame.Playing != nil {
			r.state.Playing = *frame.Playing
		}
	}
	r.state.UpdatedAt = at
	r.state.UpdatedBy = by
}

// State returns a copy of the current playback state.
func (r *Reconciler) State() models.PlaybackState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Subscribe registers a callback for remote playback frames.
func (r *Reconciler) Subscribe(fn func(*websocket.Frame)) *subscription.Handle {
	return r.subscribers.Subscribe(fn)
}

// Clear drops every subscriber.
func (r *Reconciler) Clear() {
	r.subscribers.Clear()
}

func (r *Reconciler) Play(position float64) error {
	return r.SendUpdate(Update{Type: websocket.FramePlay, Track: r.State().Track, Position: position, Playing: true})
}

func (r *Reconciler) Pause(position float64) error {
	return r.SendUpdate(Update{Type: websocket.FramePause, Track: r.State().Track, Position: position, Playing: false})
}

func (r *Reconciler) Seek(position float64) error {
	state := r.State()
	return r.SendUpdate(Update{Type: websocket.FrameSeek, Track: state.Track, Position: position, Playing: state.Playing})
}

// ChangeTrack loads a track from the start and plays it.
func (r *Reconciler) ChangeTrack(track *models.TrackRef) error {
	return r.SendUpdate(Update{Type: websocket.FrameTrackChange, Track: track, Position: 0, Playing: true})
}

// Sync broadcasts the full current state.
func (r *Reconciler) Sync() error {
	state := r.State()
	return r.SendUpdate(Update{Type: websocket.FrameSync, Track: state.Track, Position: state.Position, Playing: state.Playing})
}
