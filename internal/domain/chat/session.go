package chat

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ChatSession is the server-side row for one conversation. The ID is
// client-generated so a locally-created conversation keeps its identity when
// it is first persisted. UserID is nil for anonymous sessions until the
// sign-in migration adopts the row.
type ChatSession struct {
	ID     uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID *uuid.UUID `gorm:"type:uuid;index" json:"user_id,omitempty"`

	Title string `gorm:"column:title;not null;default:'New chat'" json:"title"`

	// Cached aggregates. Recomputed from the message rows after every write,
	// never incremented in place.
	MessageCount  int64      `gorm:"column:message_count;not null;default:0" json:"message_count"`
	TotalTokens   int64      `gorm:"column:total_tokens;not null;default:0" json:"total_tokens"`
	LastModel     string     `gorm:"column:last_model;not null;default:''" json:"last_model,omitempty"`
	LastPreview   string     `gorm:"column:last_preview;not null;default:''" json:"last_preview,omitempty"`
	LastMessageAt *time.Time `gorm:"column:last_message_at;index" json:"last_message_at,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ChatSession) TableName() string { return "chat_session" }
