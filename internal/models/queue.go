package models

/** -------------------- DTOs -------------------- */
// QueueItem is one ordered entry of a room's queue. ID is zero or negative
// while the item only exists locally and the server has not confirmed it yet.
type QueueItem struct {
	ID       int64     `json:"id"`
	RoomID   int64     `json:"room_id"`
	MusicID  int64     `json:"music_id"`
	Position int       `json:"position"`
	AddedBy  *int64    `json:"added_by,omitempty"`
	AddedAt  Timestamp `json:"added_at,omitempty"`
	Music    *Track    `json:"music,omitempty"`
}

// Pending reports whether the item is still waiting for server confirmation.
func (q QueueItem) Pending() bool {
	return q.ID <= 0
}

// Request
type CreateQueueItemRequest struct {
	RoomID   int64 `json:"room_id"`
	MusicID  int64 `json:"music_id"`
	Position *int  `json:"position,omitempty"`
}

type UpdateQueueItemRequest struct {
	Position int `json:"position"`
}
