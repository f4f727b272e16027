// Package client drives the x402 flow from the paying side: request the
// command, pay on a 402, resubmit with the proof.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gacha-x402/backend/internal/chain"
	"github.com/gacha-x402/backend/internal/x402"
	"go.uber.org/zap"
)

type State string

const (
	StateIdle            State = "idle"
	StateRequesting      State = "requesting"
	StatePaymentRequired State = "payment_required"
	StatePaying          State = "paying"
	StateResubmitting    State = "resubmitting"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
)

// Transition is reported to the observer on every state change.
type Transition struct {
	From        State
	To          State
	Requirement *x402.PaymentRequirement
	TxHash      string
	Err         error
}

type Observer func(Transition)

// Payer submits a payment and, in Confirm, waits until it is settled on
// chain so a gateway can verify it.
type Payer interface {
	Pay(ctx context.Context, req x402.PaymentRequirement) (*chain.Payment, error)
	Confirm(ctx context.Context, p *chain.Payment) error
}

// RequestError is a gateway answer that is neither success nor 402.
type RequestError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Message)
}

// Outcome of a completed command.
type Outcome struct {
	StatusCode  int
	Body        json.RawMessage
	Requirement *x402.PaymentRequirement // nil when no payment was needed
	TxHash      string
	Settlement  *x402.PaymentResponse // decoded X-PAYMENT-RESPONSE, if any
	Degraded    bool                  // requirement came from the fallback
}

type Orchestrator struct {
	baseURL    string
	httpClient *http.Client
	negotiator *x402.Negotiator
	payer      Payer
	journal    Journal
	observer   Observer
	log        *zap.Logger
}

type Option func(*Orchestrator)

func WithHTTPClient(c *http.Client) Option {
	return func(o *Orchestrator) { o.httpClient = c }
}

func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

func NewOrchestrator(baseURL string, negotiator *x402.Negotiator, payer Payer, log *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Requests wait on the device, the gateway bounds that wait itself.
		httpClient: &http.Client{Timeout: 90 * time.Second},
		negotiator: negotiator,
		payer:      payer,
		journal:    NewMemoryJournal(),
		log:        log,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// flow carries the state of one Run.
type flow struct {
	o     *Orchestrator
	state State
	req   x402.DeviceCommandRequest
}

func (f *flow) to(next State, t Transition) {
	t.From, t.To = f.state, next
	f.state = next

	fields := []zap.Field{
		zap.String("device_id", f.req.DeviceID),
		zap.String("command", f.req.Command),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
	}
	if t.TxHash != "" {
		fields = append(fields, zap.String("tx_hash", t.TxHash))
	}
	if t.Err != nil {
		fields = append(fields, zap.Error(t.Err))
	}
	f.o.log.Info("command flow", fields...)

	if f.o.observer != nil {
		f.o.observer(t)
	}
}

func (f *flow) fail(err error, t Transition) error {
	t.Err = err
	f.to(StateFailed, t)
	return err
}

// Run executes one command with at most one payment. The payment is journaled
// and confirmed on chain before the command is resubmitted. A second 402 after
// paying ends the flow with ErrPaymentRejected.
func (o *Orchestrator) Run(ctx context.Context, req x402.DeviceCommandRequest) (*Outcome, error) {
	f := &flow{o: o, state: StateIdle, req: req}

	f.to(StateRequesting, Transition{})
	resp, err := o.send(ctx, req, "")
	if err != nil {
		return nil, f.fail(err, Transition{})
	}

	switch {
	case isSuccess(resp.status):
		out := o.outcome(resp)
		f.to(StateCompleted, Transition{})
		return out, nil
	case resp.status != http.StatusPaymentRequired:
		return nil, f.fail(requestError(resp), Transition{})
	}

	neg := o.negotiator.Negotiate(resp.body)
	requirement := neg.Requirement
	f.to(StatePaymentRequired, Transition{Requirement: &requirement})

	f.to(StatePaying, Transition{Requirement: &requirement})
	payment, err := o.payer.Pay(ctx, requirement)
	if err != nil {
		return nil, f.fail(err, Transition{Requirement: &requirement})
	}

	entry := JournalEntry{
		TxHash:   payment.TxHash,
		DeviceID: req.DeviceID,
		Command:  req.Command,
		Amount:   requirement.Amount,
		Currency: requirement.Currency,
		Network:  requirement.Network,
		Payer:    payment.Payer,
		OrderID:  requirement.OrderID,
		Status:   JournalPaid,
	}
	if err := o.journal.Append(ctx, entry); err != nil {
		err = fmt.Errorf("payment %s was sent but could not be journaled: %w", payment.TxHash, err)
		return nil, f.fail(err, Transition{Requirement: &requirement, TxHash: payment.TxHash})
	}

	out, err := o.settle(ctx, f, entry, payment, &requirement)
	if err != nil {
		return nil, err
	}
	out.Requirement = &requirement
	out.Degraded = neg.Degraded
	return out, nil
}

// Resume finishes a journaled payment that never got a final answer: it waits
// for the transfer and resubmits the command with the same proof. Gateways
// re-dispatch payments whose command was not actuated.
func (o *Orchestrator) Resume(ctx context.Context, entry JournalEntry) (*Outcome, error) {
	f := &flow{o: o, state: StateIdle, req: x402.DeviceCommandRequest{
		DeviceID:      entry.DeviceID,
		Command:       entry.Command,
		WalletAddress: entry.Payer,
	}}
	entry.Status, entry.Error, entry.Time = JournalPaid, "", time.Time{}

	f.to(StatePaying, Transition{TxHash: entry.TxHash})
	payment := &chain.Payment{
		TxHash:  entry.TxHash,
		Payer:   entry.Payer,
		Network: entry.Network,
		Amount:  entry.Amount,
	}
	return o.settle(ctx, f, entry, payment, nil)
}

// settle waits for the payment, then resubmits the command with its proof.
// A payment that may still be honoured stays "paid" in the journal.
func (o *Orchestrator) settle(ctx context.Context, f *flow, entry JournalEntry, payment *chain.Payment, requirement *x402.PaymentRequirement) (*Outcome, error) {
	t := Transition{Requirement: requirement, TxHash: entry.TxHash}

	if err := o.payer.Confirm(ctx, payment); err != nil {
		if errors.Is(err, x402.ErrTransferFailed) {
			err = o.finish(ctx, entry, err)
		}
		return nil, f.fail(err, t)
	}

	header, err := x402.EncodeProof(entry.Proof())
	if err != nil {
		return nil, f.fail(o.finish(ctx, entry, err), t)
	}

	f.to(StateResubmitting, t)
	resp, err := o.send(ctx, f.req, header)
	if err != nil {
		return nil, f.fail(o.pending(ctx, entry, err), t)
	}

	switch {
	case isSuccess(resp.status):
		o.finish(ctx, entry, nil)
		out := o.outcome(resp)
		out.TxHash = entry.TxHash
		f.to(StateCompleted, t)
		return out, nil
	case resp.status == http.StatusPaymentRequired:
		err := fmt.Errorf("%w: %s", x402.ErrPaymentRejected, errorMessage(resp.body, "payment not accepted"))
		return nil, f.fail(o.finish(ctx, entry, err), t)
	case retryable(resp.status):
		return nil, f.fail(o.pending(ctx, entry, requestError(resp)), t)
	default:
		return nil, f.fail(o.finish(ctx, entry, requestError(resp)), t)
	}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (o *Orchestrator) send(ctx context.Context, req x402.DeviceCommandRequest, paymentHeader string) (*response, error) {
	endpoint := fmt.Sprintf("%s/devices/%s/commands/%s", o.baseURL, url.PathEscape(req.DeviceID), url.PathEscape(req.Command))
	body, err := json.Marshal(map[string]string{"walletAddress": req.WalletAddress})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if paymentHeader != "" {
		httpReq.Header.Set(x402.HeaderPayment, paymentHeader)
	}

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway unavailable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func (o *Orchestrator) outcome(resp *response) *Outcome {
	out := &Outcome{StatusCode: resp.status, Body: resp.body}
	if raw := resp.header.Get(x402.HeaderPaymentResponse); raw != "" {
		settlement, err := x402.DecodeResponse(raw)
		if err != nil {
			// The command already ran; a bad echo is not worth failing for.
			o.log.Warn("ignoring malformed payment response header", zap.Error(err))
		} else {
			out.Settlement = &settlement
		}
	}
	return out
}

func (o *Orchestrator) record(ctx context.Context, e JournalEntry) {
	if err := o.journal.Append(ctx, e); err != nil {
		o.log.Error("failed to journal payment", zap.String("tx_hash", e.TxHash), zap.String("status", e.Status), zap.Error(err))
	}
}

// finish journals the final status and passes err through.
func (o *Orchestrator) finish(ctx context.Context, e JournalEntry, err error) error {
	e.Status = JournalCompleted
	if err != nil {
		e.Status = JournalFailed
		e.Error = err.Error()
	}
	e.Time = time.Time{}
	o.record(context.WithoutCancel(ctx), e)
	return err
}

// pending journals err against a payment that Resume can still complete.
func (o *Orchestrator) pending(ctx context.Context, e JournalEntry, err error) error {
	e.Status = JournalPaid
	e.Error = err.Error()
	e.Time = time.Time{}
	o.record(context.WithoutCancel(ctx), e)
	return err
}

func isSuccess(status int) bool { return status >= 200 && status < 300 }

// retryable answers mean the device did not act on a verified payment.
func retryable(status int) bool {
	return status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout
}

func requestError(resp *response) *RequestError {
	var body struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(resp.body, &body)
	return &RequestError{
		StatusCode: resp.status,
		Message:    errorMessage(resp.body, http.StatusText(resp.status)),
		Code:       body.Code,
	}
}

func errorMessage(body []byte, fallback string) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return fallback
}
