package handler

import (
	"wallet-ledger/config"
	"wallet-ledger/internal/adapter/http/middleware"
	redisStore "wallet-ledger/internal/adapter/storage/redis"
	"wallet-ledger/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	WalletSvc      ports.WalletService
	TokenSvc       ports.TokenService
	SigSvc         ports.SignatureService
	NonceStore     ports.NonceStore
	Settlement     config.SettlementConfig
	RateLimitStore *redisStore.RateLimitStore // nil = rate limiting disabled
	HealthCheckers []ports.HealthChecker
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()

	// Global middleware
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1 MB request body limit

	// Health check (deep: wallet store + Redis)
	r.GET("/health", HealthCheck(deps.HealthCheckers...))

	swagger := r.Group("/swagger")
	{
		swagger.GET("", SwaggerUI)
		swagger.GET("/spec", SwaggerSpec)
	}

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

	v1 := r.Group("/api/v1")

	// --- JWT-authenticated routes (end users) ---
	jwtAuth := middleware.JWTAuth(deps.TokenSvc, deps.Logger)
	walletHandler := NewWalletHandler(deps.WalletSvc)

	wallet := v1.Group("/wallet", jwtAuth)
	{
		wallet.GET("/info", rl("wallet_read"), walletHandler.GetInfo)
		wallet.GET("/transactions", rl("wallet_read"), walletHandler.GetTransactions)
		wallet.POST("/add-funds", rl("wallet_write"), walletHandler.AddFunds)
		wallet.POST("/deduct-funds", rl("wallet_write"), walletHandler.DeductFunds)
	}

	// --- HMAC-authenticated routes (purchase settlement pipeline) ---
	serviceAuth := middleware.ServiceAuth(deps.Settlement, deps.SigSvc, deps.NonceStore, deps.Logger)
	settlementHandler := NewSettlementHandler(deps.WalletSvc)

	internal := v1.Group("/internal/settlements", serviceAuth)
	{
		internal.POST("/deduct", rl("settlement"), settlementHandler.Deduct)
	}

	return r
}
