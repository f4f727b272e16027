package models

import "time"

// Payment ledger statuses
const (
	PaymentStatusDispatching = "dispatching"
	PaymentStatusActuated    = "actuated"
	PaymentStatusUnactuated  = "unactuated"
)

// Valid state transitions: from -> []to. An unactuated payment may be
// dispatched again with the same proof.
var ValidPaymentTransitions = map[string][]string{
	PaymentStatusDispatching: {PaymentStatusActuated, PaymentStatusUnactuated},
	PaymentStatusUnactuated:  {PaymentStatusDispatching},
	PaymentStatusActuated:    {},
}

func IsValidPaymentTransition(from, to string) bool {
	for _, s := range ValidPaymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Payment is one verified on-chain transfer and what became of the command it
// paid for. TxHash is the primary key: a transfer pays for one command.
type Payment struct {
	TxHash    string    `json:"txHash"`
	DeviceID  string    `json:"deviceId"`
	Command   string    `json:"command"`
	Payer     string    `json:"payer"`
	Amount    string    `json:"amount"`
	Network   string    `json:"network"`
	OrderID   string    `json:"orderId,omitempty"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
