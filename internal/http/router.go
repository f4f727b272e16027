package http

import (
	"time"

	"github.com/gacha-x402/backend/internal/config"
	"github.com/gacha-x402/backend/internal/devices"
	"github.com/gacha-x402/backend/internal/http/handlers"
	"github.com/gacha-x402/backend/internal/middleware"
	"github.com/gacha-x402/backend/internal/x402"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SetupRouter mounts the gateway. rdb may be nil, which disables rate limiting.
func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	hub *devices.Hub,
	commandHandler *handlers.CommandHandler,
	feeHandler *handlers.FeeHandler,
	deviceHandler *handlers.DeviceHandler,
	deviceSocket *handlers.DeviceSocket,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:  "*",
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, X-Request-ID, " + x402.HeaderPayment,
		ExposeHeaders: x402.HeaderPaymentResponse + ", X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "devicesOnline": len(hub.List())})
	})

	// Device socket, registered before the rate limiter
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws/devices", middleware.DeviceTokenMiddleware(cfg, log), websocket.New(deviceSocket.Handle))

	dev := app.Group("/devices")
	dev.Use(middleware.RateLimitMiddleware(rdb, cfg.RateLimitPerMinute, time.Minute))

	dev.Get("/", deviceHandler.List)
	dev.Get("/:deviceId", deviceHandler.Get)

	// Fees
	dev.Get("/:deviceId/fee", feeHandler.GetFee)
	dev.Post("/:deviceId/fee", feeHandler.UpdateFee)
	dev.Get("/:deviceId/fee/history", feeHandler.History)

	// Paid commands
	dev.Post("/:deviceId/commands/:command", commandHandler.Execute)
}

// ErrorHandler renders errors that escape handlers as {error}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
