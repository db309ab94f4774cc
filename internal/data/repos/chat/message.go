package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/chatsync-backend/internal/domain"
	"github.com/yungbote/chatsync-backend/internal/platform/dbctx"
	"github.com/yungbote/chatsync-backend/internal/platform/logger"
)

// mutableMessageColumns are the columns a retry of the same message ID may
// rewrite. The send-time snapshot (was_streaming, requested_* and
// attachment_ids) is deliberately absent: those columns are written once at
// insert and never again.
var mutableMessageColumns = []string{
	"content",
	"model",
	"timestamp",
	"input_tokens",
	"output_tokens",
	"total_tokens",
	"error",
	"error_message",
	"user_message_id",
	"updated_at",
}

type ChatMessageRepo interface {
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ChatMessage, error)
	// Upsert inserts a new message or, when the ID already exists, updates
	// the existing row in place. Calling it twice with the same ID never
	// yields two rows, which is what keeps server-side usage counters from
	// double-counting a retried turn.
	Upsert(dbc dbctx.Context, rows []*types.ChatMessage) ([]*types.ChatMessage, error)
	ListBySession(dbc dbctx.Context, sessionID uuid.UUID, limit int) ([]*types.ChatMessage, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type chatMessageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatMessageRepo(db *gorm.DB, log *logger.Logger) ChatMessageRepo {
	return &chatMessageRepo{db: db, log: log.With("repo", "ChatMessageRepo")}
}

func (r *chatMessageRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *chatMessageRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ChatMessage, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing message_id")
	}
	var row types.ChatMessage
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *chatMessageRepo) Upsert(dbc dbctx.Context, rows []*types.ChatMessage) ([]*types.ChatMessage, error) {
	if len(rows) == 0 {
		return []*types.ChatMessage{}, nil
	}
	for _, m := range rows {
		if m == nil || m.ID == uuid.Nil {
			return nil, fmt.Errorf("missing message id")
		}
		if m.SessionID == uuid.Nil {
			return nil, fmt.Errorf("missing session_id on message %s", m.ID)
		}
		if m.Role != types.RoleUser && m.Role != types.RoleAssistant {
			return nil, fmt.Errorf("invalid role %q on message %s", m.Role, m.ID)
		}
	}
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(mutableMessageColumns),
		}).
		Create(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *chatMessageRepo) ListBySession(dbc dbctx.Context, sessionID uuid.UUID, limit int) ([]*types.ChatMessage, error) {
	if sessionID == uuid.Nil {
		return nil, fmt.Errorf("missing session_id")
	}
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	var out []*types.ChatMessage
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.ChatMessage{}).
		Where("session_id = ?", sessionID).
		Order("timestamp ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *chatMessageRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing message_id")
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["updated_at"] = time.Now().UTC()
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.ChatMessage{}).
		Where("id = ?", id).
		Updates(updates).Error
}
