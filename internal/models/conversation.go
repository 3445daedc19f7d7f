package models

import "time"

// ConversationSession and ConversationMessage are the user data a DSR exports
// or erases.
type ConversationSession struct {
	ID        string    `json:"id" db:"id"`
	Title     string    `json:"title" db:"title"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

type ConversationMessage struct {
	ID        string    `json:"id" db:"id"`
	SessionID string    `json:"sessionId" db:"session_id"`
	Role      string    `json:"role" db:"role"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

type DataSnapshot struct {
	ExportedAt time.Time             `json:"exportedAt"`
	Sessions   []ConversationSession `json:"sessions"`
	Messages   []ConversationMessage `json:"messages"`
}

type DataCounts struct {
	Sessions int `json:"sessions"`
	Messages int `json:"messages"`
}
