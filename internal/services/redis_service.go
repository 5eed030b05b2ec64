package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"listen-room/internal/database"

	"github.com/redis/go-redis/v9"
)

// MirrorEvent is one session event as published to Redis.
type MirrorEvent struct {
	Type      string `json:"type"`
	RoomCode  string `json:"room_code"`
	ClientID  string `json:"client_id"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// EventMirror publishes session events to a per-room Redis channel so other
// local processes can follow a session.
type EventMirror struct {
	client  *database.RedisClient
	channel string // format string, %s is the room code
	logger  *slog.Logger
}

func NewEventMirror(client *database.RedisClient, channel string, logger *slog.Logger) *EventMirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventMirror{
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

// ChannelFor returns the Redis channel of a room.
func (m *EventMirror) ChannelFor(roomCode string) string {
	return fmt.Sprintf(m.channel, roomCode)
}

// =============================================================================
// Publishing
// =============================================================================

func (m *EventMirror) Publish(ctx context.Context, event MirrorEvent) error {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	channel := m.ChannelFor(event.RoomCode)
	if err := m.client.GetClient().Publish(ctx, channel, data).Err(); err != nil {
		m.logger.Error("Failed to publish session event", "channel", channel, "type", event.Type, "error", err)
		return err
	}

	m.logger.Debug("Published session event", "channel", channel, "type", event.Type)
	return nil
}

// =============================================================================
// Subscribing
// =============================================================================

// Subscribe follows the events of a room.
func (m *EventMirror) Subscribe(ctx context.Context, roomCode string) *redis.PubSub {
	channel := m.ChannelFor(roomCode)
	pubsub := m.client.GetClient().Subscribe(ctx, channel)
	m.logger.Debug("Subscribed to session events", "channel", channel)
	return pubsub
}

// DecodeEvent parses a message received from a mirror channel.
func DecodeEvent(msg *redis.Message) (MirrorEvent, error) {
	var event MirrorEvent
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		return MirrorEvent{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return event, nil
}

func (m *EventMirror) Close() error {
	return m.client.Close()
}
