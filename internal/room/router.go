package room

import (
	"log/slog"

	"listen-room/internal/chat"
	"listen-room/internal/playback"
	"listen-room/internal/queue"
	"listen-room/internal/websocket"
)

// Channel is what the router needs from the connection.
type Channel interface {
	Send(frame *websocket.Frame) error
	RecordPong()
}

// Router classifies inbound frames and hands each to its owner.
type Router struct {
	channel  Channel
	playback *playback.Reconciler
	queue    *queue.Reconciler
	chat     *chat.Reconciler
	presence func(*websocket.Frame)
	logger   *slog.Logger
}

func NewRouter(channel Channel, pb *playback.Reconciler, q *queue.Reconciler, c *chat.Reconciler, presence func(*websocket.Frame), logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		channel:  channel,
		playback: pb,
		queue:    q,
		chat:     c,
		presence: presence,
		logger:   logger,
	}
}

// Dispatch handles one raw inbound frame. Malformed frames are logged and
// dropped.
func (r *Router) Dispatch(data []byte) {
	frame, err := websocket.ParseFrame(data)
	if err != nil {
		r.logger.Warn("Dropping malformed frame", "error", err, "size", len(data))
		return
	}

	// Chat skips the generic path.
	if frame.Type == websocket.FrameChatMessage {
		r.chat.Receive(*frame.Message)
		return
	}

	switch frame.Type.Kind() {
	case websocket.KindHeartbeat:
		r.handleHeartbeat(frame)
	case websocket.KindPresence:
		if r.presence != nil {
			r.presence(frame)
		}
	case websocket.KindPlayback:
		r.playback.OnRemoteUpdate(frame)
	case websocket.KindQueue:
		r.queue.OnRemoteFrame(frame)
	case websocket.KindRequest:
		r.handleRequest(frame)
	default:
		r.logger.Debug("Unhandled frame type, forwarding to playback subscribers", "type", frame.Type)
		r.playback.OnRemoteUpdate(frame)
	}
}

func (r *Router) handleHeartbeat(frame *websocket.Frame) {
	switch frame.Type {
	case websocket.FramePong:
		r.channel.RecordPong()
	case websocket.FramePing:
		if err := r.channel.Send(websocket.NewFrame(websocket.FramePong)); err != nil {
			r.logger.Debug("Pong not sent", "error", err)
		}
	}
}

func (r *Router) handleRequest(frame *websocket.Frame) {
	var err error
	switch frame.Type {
	case websocket.FrameRequestPlaybackState:
		err = r.playback.AnswerStateRequest(frame)
	case websocket.FrameRequestQueue:
		err = r.queue.AnswerQueueRequest(frame)
	}
	if err != nil {
		r.logger.Debug("Resync request not answered", "type", frame.Type, "error", err)
	}
}
