package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/yungbote/chatsync-backend/internal/clients/openrouter"
	redisclient "github.com/yungbote/chatsync-backend/internal/clients/redis"
	"github.com/yungbote/chatsync-backend/internal/data/db"
	chatrepos "github.com/yungbote/chatsync-backend/internal/data/repos/chat"
	apphttp "github.com/yungbote/chatsync-backend/internal/http"
	"github.com/yungbote/chatsync-backend/internal/http/handlers"
	"github.com/yungbote/chatsync-backend/internal/http/middleware"
	"github.com/yungbote/chatsync-backend/internal/observability"
	"github.com/yungbote/chatsync-backend/internal/platform/logger"
	"github.com/yungbote/chatsync-backend/internal/services"
)

type Repos struct {
	Sessions chatrepos.ChatSessionRepo
	Messages chatrepos.ChatMessageRepo
}

type Services struct {
	Completions services.CompletionService
	Persist     services.PersistService
	Sync        services.SyncService
}

type App struct {
	Log      *logger.Logger
	Cfg      Config
	DB       *gorm.DB
	Repos    Repos
	Services Services
	Server   *apphttp.Server

	limiter      redisclient.RateLimiter
	traceCleanup func(context.Context) error
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg := LoadConfig(log)
	gin.SetMode(cfg.GinMode)

	traceCleanup := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "chatsync",
		Environment: cfg.AppEnv,
		Version:     cfg.AppVersion,
	})

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	gdb := pg.DB()

	llm, err := openrouter.New(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init openrouter client: %w", err)
	}

	// Redis is optional: without it the completion endpoint runs
	// unlimited.
	var limiter redisclient.RateLimiter
	if os.Getenv("REDIS_ADDR") != "" {
		limiter, err = redisclient.NewRateLimiter(log, cfg.ChatRateLimit, cfg.ChatRateWindow)
		if err != nil {
			log.Warn("redis unavailable, chat rate limiting disabled", "error", err.Error())
			limiter = nil
		}
	}

	repos := Repos{
		Sessions: chatrepos.NewChatSessionRepo(gdb, log),
		Messages: chatrepos.NewChatMessageRepo(gdb, log),
	}
	svcs := Services{
		Completions: services.NewCompletionService(log, llm),
		Persist:     services.NewPersistService(gdb, log, repos.Sessions, repos.Messages),
		Sync:        services.NewSyncService(gdb, log, repos.Sessions, repos.Messages),
	}

	server := apphttp.NewServer(apphttp.RouterConfig{
		CompletionHandler:  handlers.NewCompletionHandler(log, svcs.Completions),
		MessageHandler:     handlers.NewMessageHandler(svcs.Persist),
		SyncHandler:        handlers.NewSyncHandler(svcs.Sync),
		HealthHandler:      handlers.NewHealthHandler(gdb),
		IdentityMiddleware: middleware.NewIdentityMiddleware(log, cfg.JWTSecretKey),
		ChatRateLimit:      middleware.ChatRateLimit(log, limiter),
		RequestLogger:      middleware.RequestLogger(log),
	})

	return &App{
		Log:      log,
		Cfg:      cfg,
		DB:       gdb,
		Repos:    repos,
		Services: svcs,
		Server:   server,

		limiter:      limiter,
		traceCleanup: traceCleanup,
	}, nil
}

func (a *App) Run() error {
	a.Log.Info("starting http server", "addr", a.Cfg.HTTPAddr)
	return a.Server.Run(a.Cfg.HTTPAddr)
}

func (a *App) Close() {
	if a.traceCleanup != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.traceCleanup(ctx); err != nil {
			a.Log.Warn("otel shutdown", "error", err.Error())
		}
		cancel()
	}
	if a.limiter != nil {
		if err := a.limiter.Close(); err != nil {
			a.Log.Warn("close rate limiter", "error", err.Error())
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	a.Log.Sync()
}
