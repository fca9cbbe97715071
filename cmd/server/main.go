// Entry point: wires the database, Redis, payment gateway and broker
// into the commerce services and starts the HTTP server plus the
// background sweeper and event consumer.
package main

import (
	"context"
	"log"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"

	"github.com/alfarukhan/apinyads-sub000/internal/clock"
	"github.com/alfarukhan/apinyads-sub000/internal/config"
	"github.com/alfarukhan/apinyads-sub000/internal/database"
	"github.com/alfarukhan/apinyads-sub000/internal/gateway"
	"github.com/alfarukhan/apinyads-sub000/internal/handler"
	"github.com/alfarukhan/apinyads-sub000/internal/queue"
	"github.com/alfarukhan/apinyads-sub000/internal/repository"
	"github.com/alfarukhan/apinyads-sub000/internal/router"
	"github.com/alfarukhan/apinyads-sub000/internal/service"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.Load()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Printf("redis unavailable; rate limiting and caching disabled")
	}

	clk := clock.NewSystem()
	gw := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayServerKey)
	notifier := queue.NewPublisher(cfg.AMQPURL)

	reservationRepo := repository.NewReservationRepo(db)
	intentRepo := repository.NewPaymentIntentRepo(db)
	ledgerRepo := repository.NewConfirmationRepo(db)

	reservations := service.NewReservationService(reservationRepo, clk,
		service.WithTicketTTL(cfg.TicketHoldTTL),
		service.WithGuestlistTTL(cfg.GuestlistHoldTTL),
		service.WithReservationNotifier(notifier),
	)

	intentOpts := []service.IntentOption{
		service.WithLockTTL(cfg.PurchaseLockTTL),
		service.WithIntentNotifier(notifier),
	}
	if rdb != nil {
		limiter := service.NewRedisAttemptLimiter(rdb, "attempt", cfg.IntentAttemptCapacity, cfg.IntentAttemptRefill)
		intentOpts = append(intentOpts, service.WithAttemptLimiter(limiter))
	}
	intents := service.NewPaymentIntentService(intentRepo, reservations, gw, clk, intentOpts...)
	confirmations := service.NewConfirmationService(ledgerRepo, intents, gw, clk, cfg.GatewayServerKey)

	sweeper := service.NewSweeper(reservations, intents, clk,
		service.WithSweepInterval(cfg.SweepInterval),
		service.WithStaleIntentAge(cfg.PurchaseLockTTL),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweeper.Run(ctx)

	if cfg.AMQPURL != "" {
		go func() {
			if err := queue.StartCommerceConsumer(cfg.AMQPURL); err != nil {
				log.Printf("commerce-consumer: %v", err)
			}
		}()
	}

	e := echo.New()
	purchase := handler.NewPurchaseHandler(reservations)
	payment := handler.NewPaymentHandler(intents, confirmations)
	router.RegisterRoutes(e, purchase, rdb)
	router.RegisterPurchase(e, purchase, cfg.JWTSecret, rdb)
	router.RegisterPayment(e, payment, cfg.JWTSecret, rdb)

	addr := ":" + cfg.Port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env)
	if err := e.Start(addr); err != nil {
		log.Fatal(err)
	}
}
