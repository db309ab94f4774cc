package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	repos "github.com/yungbote/chatsync-backend/internal/data/repos/chat"
	types "github.com/yungbote/chatsync-backend/internal/domain"
	"github.com/yungbote/chatsync-backend/internal/platform/ctxutil"
	"github.com/yungbote/chatsync-backend/internal/platform/dbctx"
	"github.com/yungbote/chatsync-backend/internal/platform/logger"
)

const titleMaxLen = 50

type PersistService interface {
	// PersistMessages durably writes messages for a session, creating the
	// session row on first contact. Writing a message ID that already exists
	// updates the row in place; that is how a retried turn corrects its
	// earlier failed write without double-counting usage.
	PersistMessages(dbc dbctx.Context, sessionID uuid.UUID, msgs []*types.ChatMessage) ([]*types.ChatMessage, error)
	ListSessions(dbc dbctx.Context, limit int) ([]*types.ChatSession, error)
	ListMessages(dbc dbctx.Context, sessionID uuid.UUID, limit int) ([]*types.ChatMessage, error)
}

type persistService struct {
	db       *gorm.DB
	log      *logger.Logger
	sessions repos.ChatSessionRepo
	messages repos.ChatMessageRepo
}

func NewPersistService(
	db *gorm.DB,
	baseLog *logger.Logger,
	sessionRepo repos.ChatSessionRepo,
	messageRepo repos.ChatMessageRepo,
) PersistService {
	return &persistService{
		db:       db,
		log:      baseLog.With("service", "PersistService"),
		sessions: sessionRepo,
		messages: messageRepo,
	}
}

func (s *persistService) PersistMessages(dbc dbctx.Context, sessionID uuid.UUID, msgs []*types.ChatMessage) ([]*types.ChatMessage, error) {
	if sessionID == uuid.Nil {
		return nil, fmt.Errorf("missing session_id")
	}
	if len(msgs) == 0 {
		return []*types.ChatMessage{}, nil
	}
	for _, m := range msgs {
		if m == nil {
			return nil, fmt.Errorf("nil message in payload")
		}
		m.SessionID = sessionID
		sanitizeForStorage(m)
	}

	var out []*types.ChatMessage
	err := s.db.Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: dbc.Ctx, Tx: tx}

		if err := s.ensureSession(txc, sessionID, msgs); err != nil {
			return err
		}
		rows, err := s.messages.Upsert(txc, msgs)
		if err != nil {
			return err
		}
		if err := s.sessions.RecomputeAggregates(txc, sessionID); err != nil {
			return err
		}
		out = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *persistService) ListSessions(dbc dbctx.Context, limit int) ([]*types.ChatSession, error) {
	rd := ctxutil.GetRequestData(dbc.Ctx)
	if rd == nil || rd.UserID == nil {
		return nil, fmt.Errorf("not authenticated")
	}
	return s.sessions.ListByUser(dbc, *rd.UserID, limit)
}

func (s *persistService) ListMessages(dbc dbctx.Context, sessionID uuid.UUID, limit int) ([]*types.ChatMessage, error) {
	return s.messages.ListBySession(dbc, sessionID, limit)
}

// ensureSession lazily creates the session row on first persistence. No
// pre-existing session row is required to start chatting.
func (s *persistService) ensureSession(dbc dbctx.Context, sessionID uuid.UUID, msgs []*types.ChatMessage) error {
	existing, err := s.sessions.GetByID(dbc, sessionID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	rd := ctxutil.GetRequestData(dbc.Ctx)
	var userID *uuid.UUID
	if rd != nil {
		userID = rd.UserID
	}

	now := time.Now().UTC()
	row := &types.ChatSession{
		ID:        sessionID,
		UserID:    userID,
		Title:     DeriveTitle(firstUserContent(msgs)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.sessions.Create(dbc, row)
	return err
}

// sanitizeForStorage enforces the durable-field contract: a failed message
// carries error_message and nothing from the usage set, so aggregate
// counters cannot be skewed by stale token data.
func sanitizeForStorage(m *types.ChatMessage) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if m.Error {
		m.InputTokens = nil
		m.OutputTokens = nil
		m.TotalTokens = nil
		if strings.TrimSpace(m.ErrorMessage) == "" {
			m.ErrorMessage = "request failed"
		}
	} else {
		m.ErrorMessage = ""
	}
}

func firstUserContent(msgs []*types.ChatMessage) string {
	for _, m := range msgs {
		if m != nil && m.Role == types.RoleUser && strings.TrimSpace(m.Content) != "" {
			return m.Content
		}
	}
	return ""
}

// DeriveTitle builds the initial session title from the first user message:
// up to 50 characters plus an ellipsis.
func DeriveTitle(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if content == "" {
		return "New chat"
	}
	runes := []rune(content)
	if len(runes) <= titleMaxLen {
		return content
	}
	return string(runes[:titleMaxLen]) + "..."
}
