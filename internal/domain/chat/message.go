package chat

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one persisted message. The ID is minted client-side at
// send time and survives retries of the same logical turn, so a retried
// message lands as an update to its existing row rather than a second row.
// Usage triggers on the server count a message's tokens once, keyed on this
// ID.
type ChatMessage struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID uuid.UUID `gorm:"type:uuid;not null;index;index:idx_chat_message_session_ts,priority:1" json:"session_id"`

	Role    string `gorm:"column:role;not null;index" json:"role"`
	Content string `gorm:"column:content;type:text;not null;default:''" json:"content"`
	Model   string `gorm:"column:model;not null;default:''" json:"model,omitempty"`

	Timestamp time.Time `gorm:"column:timestamp;not null;index:idx_chat_message_session_ts,priority:2" json:"timestamp"`

	InputTokens  *int64 `gorm:"column:input_tokens" json:"input_tokens,omitempty"`
	OutputTokens *int64 `gorm:"column:output_tokens" json:"output_tokens,omitempty"`
	TotalTokens  *int64 `gorm:"column:total_tokens" json:"total_tokens,omitempty"`

	// Only these two failure fields are durable. Retry-after, error codes and
	// suggestions live in the client-side banner and are never written here.
	Error        bool   `gorm:"column:error;not null;default:false" json:"error"`
	ErrorMessage string `gorm:"column:error_message;not null;default:''" json:"error_message,omitempty"`

	// Write-once request snapshot, stamped at original send time. Retries
	// read these instead of whatever the UI toggles say at retry time.
	WasStreaming             bool           `gorm:"column:was_streaming;not null;default:false" json:"was_streaming"`
	RequestedWebSearch       *bool          `gorm:"column:requested_web_search" json:"requested_web_search,omitempty"`
	RequestedWebMaxResults   *int           `gorm:"column:requested_web_max_results" json:"requested_web_max_results,omitempty"`
	RequestedReasoningEffort string         `gorm:"column:requested_reasoning_effort;not null;default:''" json:"requested_reasoning_effort,omitempty"`
	AttachmentIDs            datatypes.JSON `gorm:"type:jsonb;column:attachment_ids" json:"attachment_ids,omitempty"`

	// Linkage from an assistant message to the user message that produced it.
	UserMessageID *uuid.UUID `gorm:"type:uuid;column:user_message_id;index" json:"user_message_id,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ChatMessage) TableName() string { return "chat_message" }
