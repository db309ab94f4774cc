package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	types "github.com/yungbote/chatsync-backend/internal/domain"
	"github.com/yungbote/chatsync-backend/internal/http/response"
	"github.com/yungbote/chatsync-backend/internal/platform/dbctx"
	"github.com/yungbote/chatsync-backend/internal/services"
)

type SyncHandler struct {
	sync services.SyncService
}

func NewSyncHandler(sync services.SyncService) *SyncHandler {
	return &SyncHandler{sync: sync}
}

type syncConversation struct {
	Session  *types.ChatSession   `json:"session"`
	Messages []*types.ChatMessage `json:"messages"`
}

type syncReq struct {
	Conversations []syncConversation `json:"conversations"`
}

// POST /api/sync
func (h *SyncHandler) SyncConversations(c *gin.Context) {
	var req syncReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if len(req.Conversations) == 0 {
		response.RespondError(c, http.StatusBadRequest, "missing_conversations", fmt.Errorf("conversations required"))
		return
	}

	payload := make([]services.ConversationPayload, 0, len(req.Conversations))
	for _, conv := range req.Conversations {
		payload = append(payload, services.ConversationPayload{
			Session:  conv.Session,
			Messages: conv.Messages,
		})
	}

	dbc := dbctx.Context{Ctx: c.Request.Context()}
	result, err := h.sync.SyncConversations(dbc, payload)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "sync_failed", err)
		return
	}
	response.RespondOK(c, result)
}
