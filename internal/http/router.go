package http

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/yungbote/chatsync-backend/internal/http/handlers"
	httpMW "github.com/yungbote/chatsync-backend/internal/http/middleware"
)

type RouterConfig struct {
	CompletionHandler *httpH.CompletionHandler
	MessageHandler    *httpH.MessageHandler
	SyncHandler       *httpH.SyncHandler
	HealthHandler     *httpH.HealthHandler

	IdentityMiddleware *httpMW.IdentityMiddleware
	ChatRateLimit      gin.HandlerFunc
	RequestLogger      gin.HandlerFunc
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.RequestLogger != nil {
		r.Use(cfg.RequestLogger)
	}
	r.Use(httpMW.AttachRequestContext())
	r.Use(httpMW.CORS())

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	{
		// Identity is attached, not required: anonymous chat is allowed.
		if cfg.IdentityMiddleware != nil {
			api.Use(cfg.IdentityMiddleware.AttachIdentity())
		}

		if cfg.CompletionHandler != nil {
			chat := api.Group("/chat")
			if cfg.ChatRateLimit != nil {
				chat.Use(cfg.ChatRateLimit)
			}
			chat.POST("/completions", cfg.CompletionHandler.Complete)
		}

		if cfg.MessageHandler != nil {
			api.POST("/messages", cfg.MessageHandler.PersistMessages)
			api.GET("/sessions", cfg.MessageHandler.ListSessions)
			api.GET("/sessions/:id/messages", cfg.MessageHandler.ListMessages)
		}

		if cfg.SyncHandler != nil {
			api.POST("/sync", cfg.SyncHandler.SyncConversations)
		}
	}

	return r
}
