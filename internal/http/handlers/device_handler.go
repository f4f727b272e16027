package handlers

import (
	"github.com/gacha-x402/backend/internal/devices"
	"github.com/gacha-x402/backend/internal/http/dto"
	"github.com/gacha-x402/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type DeviceHandler struct {
	hub        *devices.Hub
	feeService *services.FeeService
	log        *zap.Logger
}

func NewDeviceHandler(hub *devices.Hub, feeService *services.FeeService, log *zap.Logger) *DeviceHandler {
	return &DeviceHandler{hub: hub, feeService: feeService, log: log}
}

func (h *DeviceHandler) withFee(c *fiber.Ctx, info devices.Info) dto.DeviceResponse {
	resp := dto.DeviceResponse{Info: info, Online: true}
	if fee, err := h.feeService.CurrentFee(c.Context(), info.DeviceID); err == nil {
		resp.CurrentFee = services.FormatFee(fee.Fee)
	} else {
		h.log.Warn("failed to load fee", zap.String("device_id", info.DeviceID), zap.Error(err))
	}
	return resp
}

func (h *DeviceHandler) List(c *fiber.Ctx) error {
	online := h.hub.List()
	out := make([]dto.DeviceResponse, 0, len(online))
	for _, info := range online {
		out = append(out, h.withFee(c, info))
	}
	return c.JSON(dto.DeviceListResponse{Devices: out, Count: len(out)})
}

func (h *DeviceHandler) Get(c *fiber.Ctx) error {
	info, ok := h.hub.Get(c.Params("deviceId"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "Device not found", Code: CodeDeviceOffline})
	}
	return c.JSON(h.withFee(c, info))
}
