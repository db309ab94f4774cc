package middleware

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/yungbote/chatsync-backend/internal/platform/ctxutil"
	"github.com/yungbote/chatsync-backend/internal/platform/logger"
)

// IdentityMiddleware attaches the caller's user ID when a valid bearer
// token is present. Anonymous requests pass through with a nil user ID:
// anonymous chatting and persistence are first-class here, identity only
// matters for listing sessions and for the sign-in migration adopting rows.
type IdentityMiddleware struct {
	log    *logger.Logger
	secret []byte
}

func NewIdentityMiddleware(log *logger.Logger, jwtSecret string) *IdentityMiddleware {
	return &IdentityMiddleware{
		log:    log.With("middleware", "IdentityMiddleware"),
		secret: []byte(jwtSecret),
	}
}

func (m *IdentityMiddleware) AttachIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		rd := &ctxutil.RequestData{}

		tokenString := extractBearer(c)
		if tokenString != "" {
			if userID, err := m.parseUserID(tokenString); err != nil {
				m.log.Debug("ignoring invalid bearer token", "error", err.Error())
			} else {
				rd.UserID = &userID
				rd.TokenString = tokenString
			}
		}

		ctx := ctxutil.WithRequestData(c.Request.Context(), rd)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (m *IdentityMiddleware) parseUserID(tokenString string) (uuid.UUID, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return uuid.Nil, fmt.Errorf("invalid token claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return uuid.Nil, fmt.Errorf("missing sub claim")
	}
	return uuid.Parse(sub)
}

func extractBearer(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return authHeader[7:]
	}
	return ""
}
