package models

import "time"

// PlaybackState is the agreed play/pause/position state of a room.
type PlaybackState struct {
	Track     *TrackRef `json:"track,omitempty"`
	Playing   bool      `json:"is_playing"`
	Position  float64   `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}
