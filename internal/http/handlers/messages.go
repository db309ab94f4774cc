package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	types "github.com/yungbote/chatsync-backend/internal/domain"
	"github.com/yungbote/chatsync-backend/internal/http/response"
	"github.com/yungbote/chatsync-backend/internal/platform/dbctx"
	"github.com/yungbote/chatsync-backend/internal/services"
)

type MessageHandler struct {
	persist services.PersistService
}

func NewMessageHandler(persist services.PersistService) *MessageHandler {
	return &MessageHandler{persist: persist}
}

type persistMessagesReq struct {
	SessionID uuid.UUID            `json:"session_id"`
	Message   *types.ChatMessage   `json:"message"`
	Messages  []*types.ChatMessage `json:"messages"`
}

// POST /api/messages
// Accepts a single message or an array. The session row is created on first
// contact; no prior session setup call exists.
func (h *MessageHandler) PersistMessages(c *gin.Context) {
	var req persistMessagesReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if req.SessionID == uuid.Nil {
		response.RespondError(c, http.StatusBadRequest, "missing_session_id", fmt.Errorf("session_id required"))
		return
	}

	msgs := req.Messages
	if req.Message != nil {
		msgs = append(msgs, req.Message)
	}
	if len(msgs) == 0 {
		response.RespondError(c, http.StatusBadRequest, "missing_messages", fmt.Errorf("message or messages required"))
		return
	}

	dbc := dbctx.Context{Ctx: c.Request.Context()}
	rows, err := h.persist.PersistMessages(dbc, req.SessionID, msgs)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "persist_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"messages": rows})
}

// GET /api/sessions?limit=50
func (h *MessageHandler) ListSessions(c *gin.Context) {
	limit := 50
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	sessions, err := h.persist.ListSessions(dbc, limit)
	if err != nil {
		response.RespondError(c, http.StatusUnauthorized, "list_sessions_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"sessions": sessions})
}

// GET /api/sessions/:id/messages?limit=200
func (h *MessageHandler) ListMessages(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	limit := 200
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	msgs, err := h.persist.ListMessages(dbc, sessionID, limit)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "list_messages_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"messages": msgs})
}
