package domain

import "time"

// ChatMessage is a single durable chat message. The same shape is returned by
// the REST API and pushed to WebSocket subscribers.
type ChatMessage struct {
	ID              string    `json:"id"`
	RoomID          string    `json:"room_id"`
	UserID          string    `json:"user_id"`
	Username        string    `json:"username"`
	MessageText     string    `json:"message_text"`
	CreatedAt       time.Time `json:"created_at"`
	ClientMessageID string    `json:"client_message_id,omitempty"`
}

// Room is immutable reference data seeded at provisioning time.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// History is an oldest-first page of a room's messages.
type History struct {
	RoomID   string        `json:"room_id"`
	Messages []ChatMessage `json:"messages"`
}
