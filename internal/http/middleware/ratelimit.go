package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"

	redisclient "github.com/yungbote/chatsync-backend/internal/clients/redis"
	"github.com/yungbote/chatsync-backend/internal/http/response"
	"github.com/yungbote/chatsync-backend/internal/platform/ctxutil"
	"github.com/yungbote/chatsync-backend/internal/platform/logger"
)

// ChatRateLimit gates completion requests. Keyed per user when
// authenticated, per client IP otherwise. With no limiter wired (no redis)
// it is a pass-through.
func ChatRateLimit(log *logger.Logger, limiter redisclient.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}

		key := c.ClientIP()
		if rd := ctxutil.GetRequestData(c.Request.Context()); rd != nil && rd.UserID != nil {
			key = rd.UserID.String()
		}

		allowed, retryAfter, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			// A broken limiter should not take chat down with it.
			if log != nil {
				log.Warn("rate limiter unavailable, allowing request", "error", err.Error())
			}
			c.Next()
			return
		}
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			response.RespondRateLimited(c, retryAfter, nil)
			c.Abort()
			return
		}
		c.Next()
	}
}
