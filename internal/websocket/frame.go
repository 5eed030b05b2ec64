package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"listen-room/internal/models"

	"github.com/samber/lo"
)

// FrameType is the "type" discriminator of a channel frame
type FrameType string

// Channel frame types
const (
	// Heartbeat
	FramePing FrameType = "ping"
	FramePong FrameType = "pong"

	// Presence
	FrameUserJoined FrameType = "user_joined"
	FrameUserLeft   FrameType = "user_left"

	// Playback
	FramePlay        FrameType = "play"
	FramePause       FrameType = "pause"
	FrameSeek        FrameType = "seek"
	FrameTrackChange FrameType = "track_change"
	FrameSync        FrameType = "sync"

	// Queue
	FrameQueueChange FrameType = "queue_change"
	FrameQueueSync   FrameType = "queue_sync"

	// Chat
	FrameChatMessage FrameType = "chat_message"

	// Resynchronisation requests, sent after a reconnect
	FrameRequestPlaybackState FrameType = "request_playback_state"
	FrameRequestQueue         FrameType = "request_queue"
)

// FrameKind groups frame types by the component that handles them
type FrameKind int

const (
	KindUnknown FrameKind = iota
	KindHeartbeat
	KindPresence
	KindPlayback
	KindQueue
	KindChat
	KindRequest
)

func (k FrameKind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindPresence:
		return "presence"
	case KindPlayback:
		return "playback"
	case KindQueue:
		return "queue"
	case KindChat:
		return "chat"
	case KindRequest:
		return "request"
	default:
		return "unknown"
	}
}

// String returns the string representation of the FrameType
func (t FrameType) String() string {
	return string(t)
}

// Kind classifies the frame type. Types this client does not know map to
// KindUnknown.
func (t FrameType) Kind() FrameKind {
	switch t {
	case FramePing, FramePong:
		return KindHeartbeat
	case FrameUserJoined, FrameUserLeft:
		return KindPresence
	case FramePlay, FramePause, FrameSeek, FrameTrackChange, FrameSync:
		return KindPlayback
	case FrameQueueChange, FrameQueueSync:
		return KindQueue
	case FrameChatMessage:
		return KindChat
	case FrameRequestPlaybackState, FrameRequestQueue:
		return KindRequest
	default:
		return KindUnknown
	}
}

// IsValid checks if the FrameType is one of the known types
func (t FrameType) IsValid() bool {
	return t.Kind() != KindUnknown
}

// GetAllFrameTypes returns all known frame types
func GetAllFrameTypes() []FrameType {
	return []FrameType{
		FramePing, FramePong, FrameUserJoined, FrameUserLeft,
		FramePlay, FramePause, FrameSeek, FrameTrackChange, FrameSync,
		FrameQueueChange, FrameQueueSync, FrameChatMessage,
		FrameRequestPlaybackState, FrameRequestQueue,
	}
}

// Frame is one JSON object exchanged over the room channel. Which optional
// fields are set depends on Type.
type Frame struct {
	Type     FrameType `json:"type"`
	ClientID string    `json:"client_id,omitempty"`

	// Presence
	UserID     *int64 `json:"user_id,omitempty"`
	UsersCount *int   `json:"users_count,omitempty"`

	// Playback
	Track     *models.TrackRef `json:"track,omitempty"`
	Position  *float64         `json:"position,omitempty"`
	Playing   *bool            `json:"is_playing,omitempty"`
	Timestamp int64            `json:"timestamp,omitempty"`

	// Queue
	Items          []models.QueueItem `json:"items,omitempty"`
	CurrentTrackID *int64             `json:"current_track_id,omitempty"`
	QueueLength    *int               `json:"queue_length,omitempty"`

	// Chat
	Message *models.ChatMessage `json:"message,omitempty"`

	// Raw holds the frame as received; empty for locally built frames.
	Raw json.RawMessage `json:"-"`
}

// Validate checks the fields required by the frame's kind
func (f *Frame) Validate() error {
	if f.Type == "" {
		return fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	switch f.Type {
	case FrameChatMessage:
		if f.Message == nil {
			return fmt.Errorf("%w: chat_message without message", ErrMalformedFrame)
		}
	case FrameQueueChange:
		if f.Items == nil && f.CurrentTrackID == nil {
			return fmt.Errorf("%w: queue_change without items or current_track_id", ErrMalformedFrame)
		}
	}
	return nil
}

// MarshalJSON keeps an empty item list on the wire so a snapshot of an empty
// queue is told apart from a current-track-only frame.
func (f Frame) MarshalJSON() ([]byte, error) {
	type frame Frame
	if f.Items == nil {
		return json.Marshal(frame(f))
	}
	return json.Marshal(struct {
		frame
		Items []models.QueueItem `json:"items"`
	}{frame: frame(f), Items: f.Items})
}

// ParseFrame decodes and validates an inbound frame.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	f.Raw = append(json.RawMessage(nil), data...)
	return &f, nil
}

// Frame constructors

// NewFrame creates a frame that carries nothing but its type
func NewFrame(t FrameType) *Frame {
	return &Frame{Type: t, Timestamp: time.Now().UnixMilli()}
}

// NewPlaybackFrame creates a play/pause/seek/track_change/sync frame
func NewPlaybackFrame(t FrameType, track *models.TrackRef, position float64, playing bool) *Frame {
	return &Frame{
		Type:      t,
		Track:     track,
		Position:  lo.ToPtr(position),
		Playing:   lo.ToPtr(playing),
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewQueueSyncFrame creates a full queue snapshot frame
func NewQueueSyncFrame(items []models.QueueItem, currentTrackID *int64) *Frame {
	if items == nil {
		items = []models.QueueItem{}
	}
	return &Frame{
		Type:           FrameQueueSync,
		Items:          items,
		CurrentTrackID: currentTrackID,
		QueueLength:    lo.ToPtr(len(items)),
		Timestamp:      time.Now().UnixMilli(),
	}
}

// NewQueueChangeFrame creates the minimal current-track delta
func NewQueueChangeFrame(currentTrackID int64, queueLength int) *Frame {
	return &Frame{
		Type:           FrameQueueChange,
		CurrentTrackID: lo.ToPtr(currentTrackID),
		QueueLength:    lo.ToPtr(queueLength),
		Timestamp:      time.Now().UnixMilli(),
	}
}

// NewChatFrame creates a chat_message frame
func NewChatFrame(msg models.ChatMessage) *Frame {
	return &Frame{Type: FrameChatMessage, Message: &msg, Timestamp: time.Now().UnixMilli()}
}
