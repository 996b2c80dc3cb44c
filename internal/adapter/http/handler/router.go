package handler

import (
	"p2p-settlement-gateway/internal/adapter/http/middleware"
	redisStore "p2p-settlement-gateway/internal/adapter/storage/redis"
	"p2p-settlement-gateway/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	IngestSvc      ports.IngestService
	SettlementSvc  ports.SettlementService
	WebhookLogRepo ports.WebhookLogRepository
	Poller         PollTrigger
	TokenSvc       ports.TokenService
	RateLimitStore *redisStore.RateLimitStore // nil = rate limiting disabled
	HealthCheckers []ports.HealthChecker
	MaxBodyBytes   int64
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 1 << 20 // 1 MB request body limit
	}

	// Global middleware
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(deps.MaxBodyBytes))

	// Health check (deep, verifies PostgreSQL + Redis)
	r.GET("/health", HealthCheck(deps.HealthCheckers...))

	// Rate limit rules
	rules := middleware.DefaultRateLimitRules()

	// Helper: return rate limiter middleware if store is available, else noop.
	rl := func(group string) gin.HandlerFunc {
		if deps.RateLimitStore == nil {
			return func(c *gin.Context) { c.Next() }
		}
		rule, ok := rules[group]
		if !ok {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimiter(deps.RateLimitStore, group, rule, deps.Logger)
	}

	// --- Provider webhooks (signature-verified inside the pipeline) ---
	webhookHandler := NewWebhookHandler(deps.IngestSvc, deps.Logger)
	r.POST("/webhooks/:provider", rl("webhooks"), webhookHandler.Receive)

	// --- Admin surface (JWT-authenticated) ---
	jwtAuth := middleware.JWTAuth(deps.TokenSvc, deps.Logger)
	adminHandler := NewAdminHandler(deps.Poller, deps.SettlementSvc, deps.WebhookLogRepo)

	admin := r.Group("/api/v1/admin", jwtAuth)
	{
		admin.POST("/poll", rl("admin"), adminHandler.TriggerPoll)
		admin.GET("/ledger/:user/:currency/verify", rl("admin"), adminHandler.VerifyLedger)
		admin.GET("/transactions/:id/entries/verify", rl("admin"), adminHandler.VerifyEntries)
		admin.GET("/webhooks/unresolved", rl("admin"), adminHandler.UnresolvedWebhooks)
	}

	return r
}
