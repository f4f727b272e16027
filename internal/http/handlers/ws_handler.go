package handlers

import (
	"github.com/gacha-x402/backend/internal/devices"
	"github.com/gacha-x402/backend/internal/middleware"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// DeviceSocket serves /ws/devices, the socket gacha machines keep open.
type DeviceSocket struct {
	hub *devices.Hub
	log *zap.Logger
}

func NewDeviceSocket(hub *devices.Hub, log *zap.Logger) *DeviceSocket {
	return &DeviceSocket{hub: hub, log: log}
}

// WSUpgradeMiddleware checks for websocket upgrade
func WSUpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

func (s *DeviceSocket) Handle(conn *websocket.Conn) {
	// Set by DeviceTokenMiddleware when tokens are required.
	allowed, _ := conn.Locals(middleware.CtxDeviceID).(string)
	s.log.Debug("device socket opened", zap.String("token_device_id", allowed))
	s.hub.Serve(conn, allowed)
}
