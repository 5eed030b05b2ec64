package models

/** -------------------- DTOs -------------------- */
// Room is a shared listening session identified by a human-entered code.
type Room struct {
	ID           int64          `json:"id"`
	Name         string         `json:"name"`
	RoomCode     string         `json:"room_code"`
	CreatedAt    Timestamp      `json:"created_at"`
	CreatedBy    int64          `json:"created_by"`
	ActiveUsers  int            `json:"active_users,omitempty"`
	CurrentTrack map[string]any `json:"current_track,omitempty"`
}

// Request
type CreateRoomRequest struct {
	Name     string `json:"name"`
	RoomCode string `json:"room_code"`
}
