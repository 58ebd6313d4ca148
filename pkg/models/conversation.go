package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message roles stored in ai_conversation_histories.
const (
	MessageRoleHuman = "human"
	MessageRoleAI    = "ai"
)

// ConversationSession is a webhook chat session owned by one profile in one organization.
type ConversationSession struct {
	ID             uuid.UUID `json:"id"`
	ProfileID      uuid.UUID `json:"profile_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	Title          string    `json:"title,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationMessage is one persisted chat turn of a webhook chat session.
type ConversationMessage struct {
	ID        int64     `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Message   JSONBMap  `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// NewConversationMessage builds a history row in the chat-message layout.
func NewConversationMessage(sessionID uuid.UUID, role, content string) *ConversationMessage {
	return &ConversationMessage{
		SessionID: sessionID,
		Message: JSONBMap{
			"role":              role,
			"content":           content,
			"additional_kwargs": map[string]any{},
			"response_metadata": map[string]any{},
		},
	}
}

// JSONBMap is a map type that handles PostgreSQL JSONB serialization.
type JSONBMap map[string]any

// Value implements driver.Valuer for database serialization.
func (j JSONBMap) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner for database deserialization.
func (j *JSONBMap) Scan(value any) error {
	if value == nil {
		*j = make(map[string]any)
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("cannot scan %T into JSONBMap", value)
	}
}
