package x402

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// DefaultFallback is used when a 402 body cannot be read. Recipient is left to
// the caller's configuration.
var DefaultFallback = PaymentRequirement{
	Amount:   "0.010",
	Currency: CurrencyUSDC,
	Network:  "eip155:84532",
}

// Selector picks one accepted payment option. It returns false when none fits.
type Selector func(accepts []AcceptedPayment) (AcceptedPayment, bool)

// SelectFirst always takes accepts[0]; choosing among several options is not
// supported by the protocol in use.
func SelectFirst(accepts []AcceptedPayment) (AcceptedPayment, bool) {
	if len(accepts) == 0 {
		return AcceptedPayment{}, false
	}
	return accepts[0], true
}

// Negotiation is the outcome of reading a 402 body.
type Negotiation struct {
	Requirement PaymentRequirement
	// Degraded is set when Requirement is the fallback rather than server terms.
	Degraded bool
	Reason   string
}

type Negotiator struct {
	fallback PaymentRequirement
	selector Selector
	isUSDC   func(network, asset string) bool
	log      *zap.Logger
}

type NegotiatorOption func(*Negotiator)

func WithSelector(s Selector) NegotiatorOption {
	return func(n *Negotiator) { n.selector = s }
}

// WithAssetResolver teaches the negotiator which asset identifiers are USDC,
// typically the per-network contract addresses.
func WithAssetResolver(isUSDC func(network, asset string) bool) NegotiatorOption {
	return func(n *Negotiator) { n.isUSDC = isUSDC }
}

func NewNegotiator(fallback PaymentRequirement, log *zap.Logger, opts ...NegotiatorOption) *Negotiator {
	if fallback.Currency == "" {
		fallback.Currency = CurrencyUSDC
	}
	n := &Negotiator{
		fallback: fallback,
		selector: SelectFirst,
		isUSDC:   func(_, asset string) bool { return strings.EqualFold(asset, CurrencyUSDC) },
		log:      log,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Negotiate turns a raw 402 body into a requirement. It never fails: unreadable
// terms degrade to the fallback requirement.
func (n *Negotiator) Negotiate(body []byte) Negotiation {
	var parsed struct {
		Payment *struct {
			OrderID string            `json:"orderId"`
			Accepts []AcceptedPayment `json:"accepts"`
		} `json:"payment"`
	}

	if err := json.Unmarshal(body, &parsed); err != nil {
		return n.degrade("invalid json body")
	}
	if parsed.Payment == nil {
		return n.degrade("missing payment object")
	}

	accepted, ok := n.selector(parsed.Payment.Accepts)
	if !ok {
		return n.degrade("missing accepts")
	}
	if strings.TrimSpace(accepted.Amount) == "" || strings.TrimSpace(accepted.Recipient) == "" {
		return n.degrade("accepted option lacks amount or recipient")
	}

	req := PaymentRequirement{
		Amount:    strings.TrimSpace(accepted.Amount),
		Currency:  CurrencyUSDC,
		Network:   accepted.Network,
		Recipient: accepted.Recipient,
		OrderID:   accepted.OrderID,
	}
	if req.Network == "" {
		req.Network = n.fallback.Network
	}
	if req.OrderID == "" {
		req.OrderID = parsed.Payment.OrderID
	}
	if accepted.Asset != "" && !n.isUSDC(req.Network, accepted.Asset) {
		n.log.Info("unrecognized payment asset, treating as USDC",
			zap.String("asset", accepted.Asset),
			zap.String("network", req.Network),
		)
	}

	return Negotiation{Requirement: req}
}

func (n *Negotiator) degrade(reason string) Negotiation {
	n.log.Warn("402 negotiation degraded, using fallback requirement",
		zap.String("reason", reason),
		zap.String("code", string(CodeDegradedNegotiation)),
		zap.String("amount", n.fallback.Amount),
		zap.String("network", n.fallback.Network),
	)
	return Negotiation{Requirement: n.fallback, Degraded: true, Reason: reason}
}
