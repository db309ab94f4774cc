package services

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	repos "github.com/yungbote/chatsync-backend/internal/data/repos/chat"
	types "github.com/yungbote/chatsync-backend/internal/domain"
	"github.com/yungbote/chatsync-backend/internal/platform/ctxutil"
	"github.com/yungbote/chatsync-backend/internal/platform/dbctx"
	"github.com/yungbote/chatsync-backend/internal/platform/logger"
)

// ConversationPayload is one full conversation in a bulk sync upload.
type ConversationPayload struct {
	Session  *types.ChatSession
	Messages []*types.ChatMessage
}

type SyncResult struct {
	SessionsUpserted int      `json:"sessions_upserted"`
	MessagesUpserted int      `json:"messages_upserted"`
	FailedSessions   []string `json:"failed_sessions,omitempty"`
}

type SyncService interface {
	// SyncConversations bulk-upserts sessions and their messages. Used for
	// the anonymous-to-authenticated migration and periodic reconciliation.
	// When the caller is authenticated, uploaded sessions are adopted under
	// that user. One bad conversation does not abort the rest.
	SyncConversations(dbc dbctx.Context, convs []ConversationPayload) (*SyncResult, error)
}

type syncService struct {
	db       *gorm.DB
	log      *logger.Logger
	sessions repos.ChatSessionRepo
	messages repos.ChatMessageRepo
}

func NewSyncService(
	db *gorm.DB,
	baseLog *logger.Logger,
	sessionRepo repos.ChatSessionRepo,
	messageRepo repos.ChatMessageRepo,
) SyncService {
	return &syncService{
		db:       db,
		log:      baseLog.With("service", "SyncService"),
		sessions: sessionRepo,
		messages: messageRepo,
	}
}

func (s *syncService) SyncConversations(dbc dbctx.Context, convs []ConversationPayload) (*SyncResult, error) {
	if len(convs) == 0 {
		return &SyncResult{}, nil
	}

	rd := ctxutil.GetRequestData(dbc.Ctx)
	var callerID *uuid.UUID
	if rd != nil {
		callerID = rd.UserID
	}

	result := &SyncResult{}
	for _, conv := range convs {
		if conv.Session == nil || conv.Session.ID == uuid.Nil {
			result.FailedSessions = append(result.FailedSessions, "missing-session-id")
			continue
		}
		if err := s.syncOne(dbc, conv, callerID, result); err != nil {
			s.log.Warn("conversation sync failed",
				"session_id", conv.Session.ID.String(),
				"error", err.Error(),
			)
			result.FailedSessions = append(result.FailedSessions, conv.Session.ID.String())
		}
	}
	return result, nil
}

func (s *syncService) syncOne(dbc dbctx.Context, conv ConversationPayload, callerID *uuid.UUID, result *SyncResult) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: dbc.Ctx, Tx: tx}

		session := conv.Session
		if callerID != nil {
			session.UserID = callerID
		}
		if session.Title == "" {
			session.Title = DeriveTitle(firstUserContent(conv.Messages))
		}
		if _, err := s.sessions.Upsert(txc, session); err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		result.SessionsUpserted++

		if len(conv.Messages) > 0 {
			for _, m := range conv.Messages {
				if m == nil {
					return fmt.Errorf("nil message in payload")
				}
				m.SessionID = session.ID
				sanitizeForStorage(m)
			}
			if _, err := s.messages.Upsert(txc, conv.Messages); err != nil {
				return fmt.Errorf("upsert messages: %w", err)
			}
			result.MessagesUpserted += len(conv.Messages)
		}

		return s.sessions.RecomputeAggregates(txc, session.ID)
	})
}
