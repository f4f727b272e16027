package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gacha-x402/backend/internal/config"
	"github.com/gacha-x402/backend/internal/db"
	"github.com/gacha-x402/backend/internal/events"
	apphttp "github.com/gacha-x402/backend/internal/http"
	"github.com/gacha-x402/backend/internal/repositories"
	"github.com/gacha-x402/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.PostgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required: the worker reads the gateway's payment ledger")
	}

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	var publisher events.Publisher = events.Nop{}
	presence := services.NewPresence()

	if cfg.RedisURL != "" {
		rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()

		publisher = events.NewRedisPublisher(rdb, log)
		subscriber := events.NewRedisSubscriber(rdb, log)

		if err := subscriber.Subscribe(ctx, events.ChannelDevices, presence.Handle); err != nil {
			log.Fatal("failed to subscribe to device events", zap.Error(err))
		}
		if err := subscriber.Subscribe(ctx, events.ChannelPayments, func(e events.Event) {
			log.Info("payment event", zap.String("type", e.Type), zap.Any("payload", e.Payload))
		}); err != nil {
			log.Fatal("failed to subscribe to payment events", zap.Error(err))
		}
	}

	// Services
	ledger := repositories.NewPaymentRepo(pool)
	// A dispatch can not legitimately outlive the command timeout.
	reconciler := services.NewReconcileService(ledger, publisher, 2*cfg.CommandTimeout, log)

	var (
		mu   sync.RWMutex
		last *services.ReconcileReport
	)
	runReconcile := func() {
		report, err := reconciler.Run(ctx)
		if err != nil {
			log.Error("reconciliation failed", zap.Error(err))
			return
		}
		mu.Lock()
		last = report
		mu.Unlock()
		log.Info("reconciliation done",
			zap.Int("recovered", report.Recovered),
			zap.Int("unactuated", len(report.Unactuated)),
		)
	}

	// Status endpoint
	app := fiber.New(fiber.Config{ErrorHandler: apphttp.ErrorHandler})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/reconciliation", func(c *fiber.Ctx) error {
		mu.RLock()
		defer mu.RUnlock()
		if last == nil {
			return c.JSON(fiber.Map{"recovered": 0, "unactuated": []any{}})
		}
		return c.JSON(fiber.Map{"recovered": last.Recovered, "unactuated": last.Unactuated})
	})
	app.Get("/presence", func(c *fiber.Ctx) error {
		online := presence.Online()
		return c.JSON(fiber.Map{"devices": online, "count": len(online)})
	})
	go func() {
		addr := fmt.Sprintf(":%s", cfg.WorkerPort)
		if err := app.Listen(addr); err != nil {
			log.Error("status server error", zap.Error(err))
		}
	}()
	defer app.Shutdown()

	log.Info("worker started", zap.Duration("interval", cfg.ReconcileInterval))
	runReconcile()

	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			runReconcile()
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}
