package domain

import "time"

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single transcript entry. Messages are append-only: once added
// to a session they are never mutated or removed, and insertion order is
// display order.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Stage     Stage     `json:"stage"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
