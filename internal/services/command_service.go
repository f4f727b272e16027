package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gacha-x402/backend/internal/chain"
	"github.com/gacha-x402/backend/internal/config"
	"github.com/gacha-x402/backend/internal/devices"
	"github.com/gacha-x402/backend/internal/events"
	"github.com/gacha-x402/backend/internal/models"
	"github.com/gacha-x402/backend/internal/repositories"
	"github.com/gacha-x402/backend/internal/x402"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeviceDispatcher is the part of devices.Hub the gateway needs.
type DeviceDispatcher interface {
	Online(deviceID string) bool
	Dispatch(ctx context.Context, deviceID, command string, params json.RawMessage) (*devices.Result, error)
}

// PaymentRequiredError asks the caller to pay Requirement. Cause is nil for a
// first request and explains the rejection otherwise.
type PaymentRequiredError struct {
	Requirement x402.PaymentRequirement
	Cause       error
}

func (e *PaymentRequiredError) Error() string {
	if e.Cause == nil {
		return "payment required"
	}
	return "payment required: " + e.Cause.Error()
}

func (e *PaymentRequiredError) Unwrap() error { return e.Cause }

type CommandRequest struct {
	DeviceID      string
	Command       string
	WalletAddress string
	Params        json.RawMessage
	PaymentHeader string // raw X-PAYMENT value
}

type CommandResult struct {
	DeviceID string
	Command  string
	Result   json.RawMessage
	Payment  x402.PaymentResponse
}

type CommandService struct {
	fees       *FeeService
	quotes     repositories.QuoteStore
	ledger     repositories.PaymentLedger
	verifier   chain.Verifier
	dispatcher DeviceDispatcher
	publisher  events.Publisher
	cfg        *config.Config
	log        *zap.Logger
}

func NewCommandService(
	fees *FeeService,
	quotes repositories.QuoteStore,
	ledger repositories.PaymentLedger,
	verifier chain.Verifier,
	dispatcher DeviceDispatcher,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *CommandService {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &CommandService{
		fees:       fees,
		quotes:     quotes,
		ledger:     ledger,
		verifier:   verifier,
		dispatcher: dispatcher,
		publisher:  publisher,
		cfg:        cfg,
		log:        log,
	}
}

// Execute runs one paid command. Without a usable payment it returns a
// *PaymentRequiredError; with a verified payment it claims the transaction,
// dispatches the command and waits for the device.
func (s *CommandService) Execute(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	if !s.dispatcher.Online(req.DeviceID) {
		return nil, fmt.Errorf("%w: %s", devices.ErrDeviceOffline, req.DeviceID)
	}

	if req.PaymentHeader == "" {
		return nil, s.paymentRequired(ctx, req, nil)
	}

	proof, err := x402.DecodeProof(req.PaymentHeader)
	if err != nil {
		s.log.Info("malformed payment header", zap.String("device_id", req.DeviceID), zap.Error(err))
		return nil, s.paymentRequired(ctx, req, err)
	}

	exp, err := s.expectation(ctx, req, proof)
	if err != nil {
		return nil, s.paymentRequired(ctx, req, err)
	}

	verified, err := s.verifier.Verify(ctx, proof, exp)
	if err != nil {
		s.log.Warn("payment verification failed",
			zap.String("device_id", req.DeviceID),
			zap.String("tx_hash", proof.TxHash),
			zap.Error(err),
		)
		return nil, s.paymentRequired(ctx, req, err)
	}

	payment := &models.Payment{
		TxHash:   verified.TxHash,
		DeviceID: req.DeviceID,
		Command:  req.Command,
		Payer:    proof.Payer,
		Amount:   exp.Amount,
		Network:  exp.Network,
		OrderID:  proof.OrderID,
	}
	if err := s.ledger.Claim(ctx, payment); err != nil {
		if errors.Is(err, repositories.ErrAlreadyClaimed) {
			return nil, fmt.Errorf("%w: %s", x402.ErrPaymentAlreadyUsed, verified.TxHash)
		}
		return nil, fmt.Errorf("claim payment %s: %w", verified.TxHash, err)
	}
	if payment.Attempts > 1 {
		s.log.Info("re-dispatching unactuated payment",
			zap.String("tx_hash", payment.TxHash),
			zap.Int("attempt", payment.Attempts),
		)
	}

	// Ledger updates must land even if the caller goes away mid-dispatch.
	bg := context.WithoutCancel(ctx)

	res, err := s.dispatcher.Dispatch(ctx, req.DeviceID, req.Command, req.Params)
	if err != nil {
		s.unactuated(bg, payment, err)
		return nil, err
	}

	if err := s.ledger.MarkActuated(bg, payment.TxHash); err != nil {
		s.log.Error("failed to mark payment actuated", zap.String("tx_hash", payment.TxHash), zap.Error(err))
	}
	s.publish(bg, events.EventPaymentActuated, payment, "")

	s.log.Info("command executed",
		zap.String("device_id", req.DeviceID),
		zap.String("command", req.Command),
		zap.String("tx_hash", payment.TxHash),
		zap.String("amount", payment.Amount),
	)

	return &CommandResult{
		DeviceID: req.DeviceID,
		Command:  req.Command,
		Result:   res.Data,
		Payment: x402.PaymentResponse{
			Success: true,
			TxHash:  payment.TxHash,
			Network: payment.Network,
			Payer:   payment.Payer,
			Amount:  payment.Amount,
			OrderID: payment.OrderID,
		},
	}, nil
}

// expectation decides what the proof must have paid: the quote it names, or
// the device's current fee when it names none.
func (s *CommandService) expectation(ctx context.Context, req CommandRequest, proof x402.PaymentProof) (chain.Expectation, error) {
	if proof.Metadata.DeviceID != req.DeviceID || proof.Metadata.Command != req.Command {
		return chain.Expectation{}, fmt.Errorf("%w: proof is for %s/%s, not %s/%s",
			x402.ErrPaymentVerificationFailed,
			proof.Metadata.DeviceID, proof.Metadata.Command, req.DeviceID, req.Command)
	}

	if proof.OrderID != "" {
		q, err := s.quotes.Get(ctx, proof.OrderID)
		if errors.Is(err, repositories.ErrNotFound) {
			return chain.Expectation{}, fmt.Errorf("%w: unknown or expired order %s", x402.ErrPaymentVerificationFailed, proof.OrderID)
		}
		if err != nil {
			return chain.Expectation{}, fmt.Errorf("%w: %v", x402.ErrPaymentVerificationFailed, err)
		}
		if q.DeviceID != req.DeviceID || q.Command != req.Command {
			return chain.Expectation{}, fmt.Errorf("%w: order %s was issued for another command", x402.ErrPaymentVerificationFailed, proof.OrderID)
		}
		return chain.Expectation{Network: q.Network, Recipient: q.Recipient, Amount: q.Amount}, nil
	}

	fee, err := s.fees.CurrentFee(ctx, req.DeviceID)
	if err != nil {
		return chain.Expectation{}, err
	}
	return chain.Expectation{
		Network:   s.cfg.PaymentNetwork,
		Recipient: s.cfg.PaymentRecipient,
		Amount:    FormatFee(fee.Fee),
	}, nil
}

// paymentRequired issues a fresh quote at the device's current fee.
func (s *CommandService) paymentRequired(ctx context.Context, req CommandRequest, cause error) error {
	fee, err := s.fees.CurrentFee(ctx, req.DeviceID)
	if err != nil {
		return err
	}

	requirement := x402.PaymentRequirement{
		Amount:    FormatFee(fee.Fee),
		Currency:  x402.CurrencyUSDC,
		Network:   s.cfg.PaymentNetwork,
		Recipient: s.cfg.PaymentRecipient,
		OrderID:   uuid.NewString(),
	}
	quote := models.Quote{
		OrderID:   requirement.OrderID,
		DeviceID:  req.DeviceID,
		Command:   req.Command,
		Amount:    requirement.Amount,
		Network:   requirement.Network,
		Recipient: requirement.Recipient,
		IssuedAt:  time.Now(),
	}
	if err := s.quotes.Put(ctx, quote, s.cfg.QuoteTTL); err != nil {
		// Without a stored quote the proof is checked against the current fee.
		s.log.Warn("failed to store quote", zap.String("device_id", req.DeviceID), zap.Error(err))
		requirement.OrderID = ""
	}

	return &PaymentRequiredError{Requirement: requirement, Cause: cause}
}

func (s *CommandService) unactuated(ctx context.Context, p *models.Payment, cause error) {
	reason := cause.Error()
	if err := s.ledger.MarkUnactuated(ctx, p.TxHash, reason); err != nil {
		s.log.Error("failed to mark payment unactuated", zap.String("tx_hash", p.TxHash), zap.Error(err))
	}
	s.log.Warn("paid command not actuated",
		zap.String("device_id", p.DeviceID),
		zap.String("command", p.Command),
		zap.String("tx_hash", p.TxHash),
		zap.String("amount", p.Amount),
		zap.Error(cause),
	)
	s.publish(ctx, events.EventPaymentUnactuated, p, reason)
}

func (s *CommandService) publish(ctx context.Context, eventType string, p *models.Payment, reason string) {
	if err := s.publisher.Publish(ctx, events.ChannelPayments, paymentEvent(eventType, p, reason)); err != nil {
		s.log.Warn("failed to publish payment event", zap.String("type", eventType), zap.Error(err))
	}
}
