package dto

import (
	"encoding/json"
	"time"

	"github.com/gacha-x402/backend/internal/devices"
	"github.com/gacha-x402/backend/internal/models"
	"github.com/gacha-x402/backend/internal/x402"
)

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type CommandResponse struct {
	Success  bool                 `json:"success"`
	DeviceID string               `json:"deviceId"`
	Command  string               `json:"command"`
	Result   json.RawMessage      `json:"result,omitempty"`
	Payment  x402.PaymentResponse `json:"payment"`
}

type FeeResponse struct {
	DeviceID    string    `json:"deviceId"`
	CurrentFee  string    `json:"currentFee"`
	Currency    string    `json:"currency"`
	Locked      bool      `json:"locked"`
	LastUpdated time.Time `json:"lastUpdated"`
}

type UpdateFeeResponse struct {
	Success bool        `json:"success"`
	Fee     FeeResponse `json:"fee"`
}

type FeeHistoryResponse struct {
	DeviceID string            `json:"deviceId"`
	Entries  []models.AuditLog `json:"entries"`
}

type DeviceResponse struct {
	devices.Info
	Online     bool   `json:"online"`
	CurrentFee string `json:"currentFee,omitempty"`
}

type DeviceListResponse struct {
	Devices []DeviceResponse `json:"devices"`
	Count   int              `json:"count"`
}
