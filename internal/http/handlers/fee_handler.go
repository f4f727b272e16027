package handlers

import (
	"encoding/json"
	"errors"

	"github.com/gacha-x402/backend/internal/http/dto"
	"github.com/gacha-x402/backend/internal/models"
	"github.com/gacha-x402/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type FeeHandler struct {
	feeService *services.FeeService
	log        *zap.Logger
}

func NewFeeHandler(feeService *services.FeeService, log *zap.Logger) *FeeHandler {
	return &FeeHandler{feeService: feeService, log: log}
}

func feeResponse(f *models.DeviceFee) dto.FeeResponse {
	return dto.FeeResponse{
		DeviceID:    f.DeviceID,
		CurrentFee:  services.FormatFee(f.Fee),
		Currency:    f.Currency,
		Locked:      f.Locked,
		LastUpdated: f.UpdatedAt,
	}
}

func (h *FeeHandler) GetFee(c *fiber.Ctx) error {
	fee, err := h.feeService.CurrentFee(c.Context(), c.Params("deviceId"))
	if err != nil {
		h.log.Error("failed to load fee", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "failed to load fee"})
	}
	return c.JSON(feeResponse(fee))
}

func (h *FeeHandler) History(c *fiber.Ctx) error {
	entries, err := h.feeService.History(c.Context(), c.Params("deviceId"), c.QueryInt("limit", 50))
	if err != nil {
		h.log.Error("failed to load fee history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "failed to load fee history"})
	}
	return c.JSON(dto.FeeHistoryResponse{DeviceID: c.Params("deviceId"), Entries: entries})
}

func (h *FeeHandler) UpdateFee(c *fiber.Ctx) error {
	var req dto.UpdateFeeRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}
	if req.Fee == nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "fee is required"})
	}

	fee, err := h.feeService.UpdateFee(c.Context(), c.Params("deviceId"), *req.Fee, req.WalletAddress)
	switch {
	case errors.Is(err, services.ErrFeeOutOfRange), errors.Is(err, services.ErrFeePrecision):
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, services.ErrDeviceLocked), errors.Is(err, services.ErrNotDeviceOwner):
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: err.Error()})
	case err != nil:
		h.log.Error("failed to update fee", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "failed to update fee"})
	}

	return c.JSON(dto.UpdateFeeResponse{Success: true, Fee: feeResponse(fee)})
}
