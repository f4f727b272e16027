// Package x402 holds the payment-required data model shared by the gateway and
// the client: requirements, proofs, the header codec and the 402 negotiator.
package x402

const (
	// HeaderPayment carries a base64 JSON PaymentProof on the resubmitted request.
	HeaderPayment = "X-PAYMENT"
	// HeaderPaymentResponse carries a base64 JSON PaymentResponse on success.
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"

	CurrencyUSDC = "USDC"
)

// PaymentRequirement is what the gateway asks for before a command runs.
type PaymentRequirement struct {
	Amount    string `json:"amount"` // human decimal, e.g. "0.010"
	Currency  string `json:"currency"`
	Network   string `json:"network"` // CAIP-2, e.g. "eip155:84532"
	Recipient string `json:"recipient"`
	OrderID   string `json:"orderId,omitempty"`
}

// ProofMetadata ties a payment to one device command.
type ProofMetadata struct {
	DeviceID string `json:"deviceId"`
	Command  string `json:"command"`
}

// PaymentProof is sent in the X-PAYMENT header after the transfer is submitted.
type PaymentProof struct {
	TxHash   string        `json:"txHash"`
	Amount   string        `json:"amount"`
	Currency string        `json:"currency"`
	Network  string        `json:"network"`
	Payer    string        `json:"payer"`
	OrderID  string        `json:"orderId,omitempty"`
	Metadata ProofMetadata `json:"metadata"`
}

// PaymentResponse is echoed back in X-PAYMENT-RESPONSE once the command ran.
type PaymentResponse struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash"`
	Network string `json:"network"`
	Payer   string `json:"payer,omitempty"`
	Amount  string `json:"amount,omitempty"`
	OrderID string `json:"orderId,omitempty"`
}

// AcceptedPayment is one entry of the 402 body's accepts list.
type AcceptedPayment struct {
	Amount    string `json:"amount"`
	Network   string `json:"network"`
	Recipient string `json:"recipient"`
	Asset     string `json:"asset"`
	OrderID   string `json:"orderId,omitempty"`
}

// PaymentTerms is the "payment" object of a 402 body.
type PaymentTerms struct {
	OrderID  string            `json:"orderId,omitempty"`
	DeviceID string            `json:"deviceId,omitempty"`
	Command  string            `json:"command,omitempty"`
	Accepts  []AcceptedPayment `json:"accepts"`
}

// PaymentRequiredBody is the JSON body of an HTTP 402 response.
type PaymentRequiredBody struct {
	Error   string       `json:"error,omitempty"`
	Code    string       `json:"code,omitempty"`
	Payment PaymentTerms `json:"payment"`
}

// DeviceCommandRequest is one user action against one device.
type DeviceCommandRequest struct {
	DeviceID      string `json:"deviceId"`
	Command       string `json:"command"`
	WalletAddress string `json:"walletAddress"`
}

// NewPaymentRequiredBody renders a requirement in the 402 wire shape.
func NewPaymentRequiredBody(req PaymentRequirement, deviceID, command, asset string) PaymentRequiredBody {
	return PaymentRequiredBody{
		Error: "Payment required",
		Payment: PaymentTerms{
			OrderID:  req.OrderID,
			DeviceID: deviceID,
			Command:  command,
			Accepts: []AcceptedPayment{{
				Amount:    req.Amount,
				Network:   req.Network,
				Recipient: req.Recipient,
				Asset:     asset,
				OrderID:   req.OrderID,
			}},
		},
	}
}
