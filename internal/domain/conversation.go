package domain

import "time"

// Turn is a single persisted conversation message between a user and a
// character. An assistant turn is inserted with empty content and finalized
// exactly once when generation completes (or a fallback is substituted).
type Turn struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	CharacterID int64     `json:"character_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	TokenCost   *int      `json:"token_cost,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ConversationSummary is a rolling digest of prior turns for a
// (user, character) pair. Summaries are append-only; the most recently
// created one is authoritative when building context.
type ConversationSummary struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	CharacterID int64     `json:"character_id"`
	Summary     string    `json:"summary"`
	TurnCount   int       `json:"turn_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// UsageRecord aggregates daily exchange and token counts per user and
// character. Exactly one row exists per (user, character, date).
type UsageRecord struct {
	UserID      int64     `json:"user_id"`
	CharacterID int64     `json:"character_id"`
	UsageDate   string    `json:"usage_date"` // YYYY-MM-DD
	ChatCount   int       `json:"chat_count"`
	TokenCount  int       `json:"token_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Character is the persona metadata consumed by the chat pipeline. Character
// management (CRUD, avatars) lives outside this service; only the fields the
// pipeline reads are modeled.
type Character struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	SystemPrompt string    `json:"-"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
