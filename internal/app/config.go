package app

import (
	"time"

	"github.com/yungbote/chatsync-backend/internal/platform/envutil"
	"github.com/yungbote/chatsync-backend/internal/platform/logger"
)

type Config struct {
	HTTPAddr     string
	GinMode      string
	JWTSecretKey string
	AppEnv       string
	AppVersion   string

	ChatRateLimit  int
	ChatRateWindow time.Duration
}

func LoadConfig(log *logger.Logger) Config {
	cfg := Config{
		HTTPAddr:     envutil.GetEnv("HTTP_ADDR", ":8080", log),
		GinMode:      envutil.GetEnv("GIN_MODE", "debug", log),
		JWTSecretKey: envutil.GetEnv("JWT_SECRET_KEY", "", log),
		AppEnv:       envutil.GetEnv("APP_ENV", "development", log),
		AppVersion:   envutil.GetEnv("APP_VERSION", "dev", log),

		ChatRateLimit:  envutil.GetEnvAsInt("CHAT_RATE_LIMIT", 30, log),
		ChatRateWindow: envutil.GetEnvAsDuration("CHAT_RATE_WINDOW", time.Minute, log),
	}
	if cfg.JWTSecretKey == "" {
		log.Warn("JWT_SECRET_KEY not set, all requests treated as anonymous")
	}
	return cfg
}
