package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DeviceFee is the price of one command on a device.
type DeviceFee struct {
	DeviceID  string          `json:"deviceId"`
	Fee       decimal.Decimal `json:"fee"`
	Currency  string          `json:"currency"`
	Locked    bool            `json:"locked"`
	Owner     string          `json:"owner,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Quote is an issued payment requirement kept until it expires.
type Quote struct {
	OrderID   string    `json:"orderId"`
	DeviceID  string    `json:"deviceId"`
	Command   string    `json:"command"`
	Amount    string    `json:"amount"`
	Network   string    `json:"network"`
	Recipient string    `json:"recipient"`
	IssuedAt  time.Time `json:"issuedAt"`
}
