package domain

import (
	"github.com/yungbote/chatsync-backend/internal/domain/chat"
)

const (
	RoleUser      = chat.RoleUser
	RoleAssistant = chat.RoleAssistant
)

type ChatSession = chat.ChatSession
type ChatMessage = chat.ChatMessage
