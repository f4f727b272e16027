package dto

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

type CommandRequest struct {
	WalletAddress string          `json:"walletAddress"`
	Params        json.RawMessage `json:"params,omitempty"`
}

// UpdateFeeRequest accepts the fee as a JSON number or string.
type UpdateFeeRequest struct {
	Fee           *decimal.Decimal `json:"fee"`
	WalletAddress string           `json:"walletAddress"`
}
