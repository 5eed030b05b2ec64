package models

// MaxChatMessageLength is the longest chat text the backend accepts.
const MaxChatMessageLength = 200

/** -------------------- DTOs -------------------- */
// ChatMessage is a server-confirmed chat message, as returned by the resource
// API and carried by chat_message frames.
type ChatMessage struct {
	ID       int64     `json:"id"`
	RoomID   int64     `json:"room_id,omitempty"`
	UserID   int64     `json:"user_id"`
	Username string    `json:"username"`
	Message  string    `json:"message"`
	SentAt   Timestamp `json:"sent_at"`
	System   bool      `json:"system,omitempty"`
}

// Request
type CreateChatMessageRequest struct {
	RoomID  int64  `json:"room_id"`
	UserID  int64  `json:"user_id"`
	Message string `json:"message"`
}
