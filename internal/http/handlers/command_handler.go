package handlers

import (
	"encoding/json"
	"errors"

	"github.com/gacha-x402/backend/internal/chain"
	"github.com/gacha-x402/backend/internal/devices"
	"github.com/gacha-x402/backend/internal/http/dto"
	"github.com/gacha-x402/backend/internal/middleware"
	"github.com/gacha-x402/backend/internal/services"
	"github.com/gacha-x402/backend/internal/x402"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Device error codes, next to the payment codes from x402.
const (
	CodeDeviceOffline = "DEVICE_OFFLINE"
	CodeDeviceTimeout = "DEVICE_TIMEOUT"
	CodeDeviceFailed  = "DEVICE_FAILED"
)

type CommandHandler struct {
	commandService *services.CommandService
	log            *zap.Logger
}

func NewCommandHandler(commandService *services.CommandService, log *zap.Logger) *CommandHandler {
	return &CommandHandler{commandService: commandService, log: log}
}

// Execute handles POST /devices/:deviceId/commands/:command.
func (h *CommandHandler) Execute(c *fiber.Ctx) error {
	deviceID := c.Params("deviceId")
	command := c.Params("command")

	var req dto.CommandRequest
	if body := c.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
		}
	}

	res, err := h.commandService.Execute(c.Context(), services.CommandRequest{
		DeviceID:      deviceID,
		Command:       command,
		WalletAddress: req.WalletAddress,
		Params:        req.Params,
		PaymentHeader: c.Get(x402.HeaderPayment),
	})
	if err != nil {
		return h.writeError(c, deviceID, command, err)
	}

	echo, err := x402.EncodeResponse(res.Payment)
	if err != nil {
		h.log.Error("failed to encode payment response", zap.Error(err))
	} else {
		c.Set(x402.HeaderPaymentResponse, echo)
	}

	return c.JSON(dto.CommandResponse{
		Success:  true,
		DeviceID: res.DeviceID,
		Command:  res.Command,
		Result:   res.Result,
		Payment:  res.Payment,
	})
}

func (h *CommandHandler) writeError(c *fiber.Ctx, deviceID, command string, err error) error {
	var required *services.PaymentRequiredError
	if errors.As(err, &required) {
		body := x402.NewPaymentRequiredBody(required.Requirement, deviceID, command, assetFor(required.Requirement.Network))
		if required.Cause != nil {
			body.Error = x402.UserMessage(required.Cause)
			body.Code = string(x402.CodeOf(required.Cause))
		}
		return c.Status(fiber.StatusPaymentRequired).JSON(body)
	}

	reqID := middleware.GetRequestID(c)
	switch {
	case errors.Is(err, devices.ErrDeviceOffline):
		return c.Status(fiber.StatusServiceUnavailable).JSON(dto.ErrorResponse{Error: "Device not found", Code: CodeDeviceOffline, RequestID: reqID})
	case errors.Is(err, x402.ErrPaymentAlreadyUsed):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: "Payment already used", Code: string(x402.CodePaymentAlreadyUsed), RequestID: reqID})
	case errors.Is(err, devices.ErrDeviceTimeout):
		return c.Status(fiber.StatusGatewayTimeout).JSON(dto.ErrorResponse{Error: "Device did not respond", Code: CodeDeviceTimeout, RequestID: reqID})
	case errors.Is(err, devices.ErrDeviceFailed):
		return c.Status(fiber.StatusBadGateway).JSON(dto.ErrorResponse{Error: err.Error(), Code: CodeDeviceFailed, RequestID: reqID})
	}

	h.log.Error("command failed", zap.String("device_id", deviceID), zap.String("command", command), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error", RequestID: reqID})
}

// assetFor names the USDC contract of the network so clients can check it.
func assetFor(network string) string {
	if n, err := chain.LookupNetwork(network); err == nil {
		return n.USDC.Hex()
	}
	return x402.CurrencyUSDC
}
