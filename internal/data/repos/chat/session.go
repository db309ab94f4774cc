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

type ChatSessionRepo interface {
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ChatSession, error)
	Create(dbc dbctx.Context, row *types.ChatSession) (*types.ChatSession, error)
	// Upsert inserts by client-generated ID or refreshes the mutable columns
	// of an existing row. Aggregate columns are owned by RecomputeAggregates
	// and are not touched here. user_id only ever moves from nil to a value
	// (sign-in adoption); a set owner is never overwritten.
	Upsert(dbc dbctx.Context, row *types.ChatSession) (*types.ChatSession, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	ListByUser(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.ChatSession, error)
	// RecomputeAggregates rebuilds the cached session counters from the
	// message rows. Failed messages never contribute tokens.
	RecomputeAggregates(dbc dbctx.Context, sessionID uuid.UUID) error
}

type chatSessionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatSessionRepo(db *gorm.DB, log *logger.Logger) ChatSessionRepo {
	return &chatSessionRepo{db: db, log: log.With("repo", "ChatSessionRepo")}
}

func (r *chatSessionRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *chatSessionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ChatSession, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing session_id")
	}
	var row types.ChatSession
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

func (r *chatSessionRepo) Create(dbc dbctx.Context, row *types.ChatSession) (*types.ChatSession, error) {
	if row == nil {
		return nil, fmt.Errorf("missing session")
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *chatSessionRepo) Upsert(dbc dbctx.Context, row *types.ChatSession) (*types.ChatSession, error) {
	if row == nil || row.ID == uuid.Nil {
		return nil, fmt.Errorf("missing session id")
	}
	// On conflict, user_id is adopt-only: an existing owner always wins, so
	// an anonymous sync from a second device cannot disown a signed-in
	// user's row and an authenticated upload cannot steal someone else's.
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"title":      row.Title,
				"user_id":    gorm.Expr(`COALESCE("chat_session"."user_id", excluded.user_id)`),
				"updated_at": time.Now().UTC(),
			}),
		}).
		Create(row).Error
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (r *chatSessionRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing session_id")
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["updated_at"] = time.Now().UTC()
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.ChatSession{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *chatSessionRepo) ListByUser(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.ChatSession, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("missing user_id")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []*types.ChatSession
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.ChatSession{}).
		Where("user_id = ?", userID).
		Order("last_message_at DESC NULLS LAST").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *chatSessionRepo) RecomputeAggregates(dbc dbctx.Context, sessionID uuid.UUID) error {
	if sessionID == uuid.Nil {
		return fmt.Errorf("missing session_id")
	}
	txx := r.tx(dbc).WithContext(dbc.Ctx)

	type agg struct {
		MessageCount int64
		TotalTokens  int64
	}
	var a agg
	if err := txx.
		Model(&types.ChatMessage{}).
		Select("COUNT(*) AS message_count, COALESCE(SUM(CASE WHEN error THEN 0 ELSE COALESCE(total_tokens, 0) END), 0) AS total_tokens").
		Where("session_id = ?", sessionID).
		Scan(&a).Error; err != nil {
		return err
	}

	var last types.ChatMessage
	lastFound := true
	if err := txx.
		Where("session_id = ?", sessionID).
		Order("timestamp DESC").
		First(&last).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		lastFound = false
	}

	updates := map[string]interface{}{
		"message_count": a.MessageCount,
		"total_tokens":  a.TotalTokens,
		"updated_at":    time.Now().UTC(),
	}
	if lastFound {
		updates["last_model"] = last.Model
		updates["last_preview"] = previewOf(last.Content)
		updates["last_message_at"] = last.Timestamp
	}

	return txx.
		Model(&types.ChatSession{}).
		Where("id = ?", sessionID).
		Updates(updates).Error
}

func previewOf(content string) string {
	const max = 120
	runes := []rune(content)
	if len(runes) <= max {
		return content
	}
	return string(runes[:max])
}
