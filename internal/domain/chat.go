package domain

// ChatMessage is the provider-agnostic chat message shape passed to LLM
// integrations when assembling a prompt.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Roles used by Turn and ChatMessage.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)
