package store

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	TierFree = "free"
	TierPro  = "pro"
)

type Account struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"` // Do not expose this in JSON responses
	Tier         string    `json:"tier"`
	CreatedAt    time.Time `json:"created_at"`
}

type Conversation struct {
	ID        string    `json:"id"` // UUID
	OwnerID   int64     `json:"owner_id"`
	Name      string    `json:"name"`
	Mode      string    `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID             string    `json:"id"` // UUID
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // "user" or "assistant"
	Text           string    `json:"text"`
	Failed         bool      `json:"failed,omitempty"` // assistant turn holding a provider error string
	CreatedAt      time.Time `json:"created_at"`
}

// ValidRole reports whether role may be stored on a message.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}

// ValidTier reports whether tier is a known subscription tier.
func ValidTier(tier string) bool {
	return tier == TierFree || tier == TierPro
}
