package middleware

import (
	"strings"

	"github.com/gacha-x402/backend/internal/auth"
	"github.com/gacha-x402/backend/internal/config"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const CtxDeviceID = "device_id"

// DeviceTokenMiddleware authenticates device sockets. The token comes from the
// Authorization header or, for clients that cannot set headers during the
// upgrade, the token query parameter. With no secret configured it is a no-op.
func DeviceTokenMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cfg.DeviceTokenSecret == "" {
			return c.Next()
		}

		tokenStr := c.Query("token")
		if authHeader := c.Get("Authorization"); authHeader != "" {
			tokenStr = strings.TrimPrefix(authHeader, "Bearer ")
			if tokenStr == authHeader {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid authorization format"})
			}
		}
		if tokenStr == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing device token"})
		}

		claims, err := auth.ParseDeviceToken(cfg.DeviceTokenSecret, tokenStr)
		if err != nil {
			log.Debug("device token parse error", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
		}

		c.Locals(CtxDeviceID, claims.DeviceID)
		return c.Next()
	}
}

func GetDeviceID(c *fiber.Ctx) string {
	id, _ := c.Locals(CtxDeviceID).(string)
	return id
}
