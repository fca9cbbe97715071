// Package router defines how HTTP routes are registered for the API.
package router

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/alfarukhan/apinyads-sub000/internal/config"
	"github.com/alfarukhan/apinyads-sub000/internal/handler"
	"github.com/alfarukhan/apinyads-sub000/internal/middleware"
)

// RegisterRoutes registers routes that do not require authentication:
// the health check and the read-only availability endpoint, the latter
// behind the Redis response cache when one is configured.
func RegisterRoutes(e *echo.Echo, p *handler.PurchaseHandler, rdb *redis.Client) {
	e.GET("/healthz", handler.Health)

	cache := middleware.NewRedisCache(config.LoadCacheConfig(), rdb)
	e.GET("/v1/items/:id/availability", p.Availability, cache)
}

// RegisterPurchase registers the authenticated reservation lifecycle
// under /v1.  All routes require a valid access token and share the
// distributed token bucket.
func RegisterPurchase(e *echo.Echo, p *handler.PurchaseHandler, jwtSecret string, rdb *redis.Client) {
	g := e.Group("/v1/purchase")
	g.Use(middleware.JWTAuth(jwtSecret))
	g.Use(middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb))

	g.POST("/reserve", p.Reserve)
	g.POST("/reservations/:id/confirm", p.Confirm)
	g.POST("/reservations/:id/cancel", p.Cancel)
	g.GET("/reservations/:id", p.Get)
}

// RegisterPayment registers the payment intent lifecycle and the
// gateway webhook.  The webhook is unauthenticated: its caller is the
// gateway, which proves itself through the signature on each payload.
func RegisterPayment(e *echo.Echo, pay *handler.PaymentHandler, jwtSecret string, rdb *redis.Client) {
	g := e.Group("/v1/payment")
	g.Use(middleware.JWTAuth(jwtSecret))
	g.Use(middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb))

	g.POST("/intents", pay.CreateIntent)
	g.POST("/intents/:id/process", pay.Process)
	g.POST("/intents/:id/retry", pay.Retry)
	g.GET("/intents/:id", pay.Get)

	e.POST("/v1/payment/notifications", pay.Webhook)
}
