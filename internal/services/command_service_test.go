package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gacha-x402/backend/internal/chain"
	"github.com/gacha-x402/backend/internal/devices"
	"github.com/gacha-x402/backend/internal/events"
	"github.com/gacha-x402/backend/internal/models"
	"github.com/gacha-x402/backend/internal/repositories"
	"github.com/gacha-x402/backend/internal/x402"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const testTx = "0xabc0000000000000000000000000000000000000000000000000000000000001"

type fakeDispatcher struct {
	online map[string]bool
	calls  int32
	fn     func(deviceID, command string) (*devices.Result, error)
}

func (d *fakeDispatcher) Online(deviceID string) bool { return d.online[deviceID] }

func (d *fakeDispatcher) Dispatch(ctx context.Context, deviceID, command string, params json.RawMessage) (*devices.Result, error) {
	atomic.AddInt32(&d.calls, 1)
	return d.fn(deviceID, command)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(ctx context.Context, channel string, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

type gateway struct {
	svc        *CommandService
	fees       *FeeService
	ledger     *repositories.MemoryPaymentLedger
	quotes     *repositories.MemoryQuoteStore
	dispatcher *fakeDispatcher
	publisher  *capturePublisher
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	cfg := testConfig()
	g := &gateway{
		fees:      newFeeService(t),
		ledger:    repositories.NewMemoryPaymentLedger(),
		quotes:    repositories.NewMemoryQuoteStore(),
		publisher: &capturePublisher{},
		dispatcher: &fakeDispatcher{
			online: map[string]bool{"ESP32_001": true},
			fn: func(deviceID, command string) (*devices.Result, error) {
				return &devices.Result{CommandID: "cmd-1", Data: json.RawMessage(`{"prize":"Rare Card"}`)}, nil
			},
		},
	}
	g.svc = NewCommandService(g.fees, g.quotes, g.ledger, chain.NewTrustVerifier(zap.NewNop()),
		g.dispatcher, g.publisher, cfg, zap.NewNop())
	return g
}

// quote performs the unpaid request and returns the issued requirement.
func (g *gateway) quote(t *testing.T) x402.PaymentRequirement {
	t.Helper()
	_, err := g.svc.Execute(context.Background(), CommandRequest{DeviceID: "ESP32_001", Command: "play"})
	var pr *PaymentRequiredError
	if !errors.As(err, &pr) {
		t.Fatalf("Execute() error = %v, want PaymentRequiredError", err)
	}
	return pr.Requirement
}

func proofHeader(t *testing.T, req x402.PaymentRequirement, mutate func(*x402.PaymentProof)) string {
	t.Helper()
	p := x402.PaymentProof{
		TxHash:   testTx,
		Amount:   req.Amount,
		Currency: x402.CurrencyUSDC,
		Network:  req.Network,
		Payer:    "0x1111111111111111111111111111111111111111",
		OrderID:  req.OrderID,
		Metadata: x402.ProofMetadata{DeviceID: "ESP32_001", Command: "play"},
	}
	if mutate != nil {
		mutate(&p)
	}
	h, err := x402.EncodeProof(p)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func (g *gateway) pay(header string) (*CommandResult, error) {
	return g.svc.Execute(context.Background(), CommandRequest{DeviceID: "ESP32_001", Command: "play", PaymentHeader: header})
}

func TestExecuteEndToEnd(t *testing.T) {
	g := newGateway(t)

	req := g.quote(t)
	if req.Amount != "0.010" || req.Currency != "USDC" || req.Network != "eip155:84532" || req.OrderID == "" {
		t.Fatalf("unexpected requirement %+v", req)
	}
	if req.Recipient != testConfig().PaymentRecipient {
		t.Errorf("recipient = %s", req.Recipient)
	}

	res, err := g.pay(proofHeader(t, req, nil))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(res.Result) != `{"prize":"Rare Card"}` {
		t.Errorf("result = %s", res.Result)
	}
	if !res.Payment.Success || res.Payment.TxHash != testTx || res.Payment.Amount != "0.010" || res.Payment.OrderID != req.OrderID {
		t.Errorf("unexpected payment response %+v", res.Payment)
	}

	p, err := g.ledger.Get(context.Background(), testTx)
	if err != nil || p.Status != models.PaymentStatusActuated {
		t.Errorf("ledger entry %+v, %v", p, err)
	}
	if len(g.publisher.events) != 1 || g.publisher.events[0].Type != events.EventPaymentActuated {
		t.Errorf("published %+v", g.publisher.events)
	}
}

func TestExecuteOfflineBeforeQuote(t *testing.T) {
	g := newGateway(t)
	_, err := g.svc.Execute(context.Background(), CommandRequest{DeviceID: "ESP32_404", Command: "play"})
	if !errors.Is(err, devices.ErrDeviceOffline) {
		t.Fatalf("Execute() error = %v, want ErrDeviceOffline", err)
	}
	var pr *PaymentRequiredError
	if errors.As(err, &pr) {
		t.Error("offline device must not get a payment requirement")
	}
}

func TestQuoteFollowsCurrentFee(t *testing.T) {
	g := newGateway(t)
	if _, err := g.fees.UpdateFee(context.Background(), "ESP32_001", decimal.RequireFromString("0.5"), ""); err != nil {
		t.Fatal(err)
	}
	if req := g.quote(t); req.Amount != "0.500" {
		t.Errorf("amount = %s, want 0.500", req.Amount)
	}
}

func TestExecuteRejectsReplay(t *testing.T) {
	g := newGateway(t)
	header := proofHeader(t, g.quote(t), nil)

	if _, err := g.pay(header); err != nil {
		t.Fatal(err)
	}
	if _, err := g.pay(header); !errors.Is(err, x402.ErrPaymentAlreadyUsed) {
		t.Errorf("replay error = %v, want ErrPaymentAlreadyUsed", err)
	}
	if g.dispatcher.calls != 1 {
		t.Errorf("dispatched %d times", g.dispatcher.calls)
	}
}

func TestExecuteConcurrentProofsDispatchOnce(t *testing.T) {
	g := newGateway(t)
	header := proofHeader(t, g.quote(t), nil)

	var (
		wg   sync.WaitGroup
		oks  int32
		used int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.pay(header)
			switch {
			case err == nil:
				atomic.AddInt32(&oks, 1)
			case errors.Is(err, x402.ErrPaymentAlreadyUsed):
				atomic.AddInt32(&used, 1)
			}
		}()
	}
	wg.Wait()

	if oks != 1 || used != 9 || atomic.LoadInt32(&g.dispatcher.calls) != 1 {
		t.Errorf("ok=%d used=%d dispatches=%d", oks, used, g.dispatcher.calls)
	}
}

func TestExecuteDeviceTimeoutAllowsRetry(t *testing.T) {
	g := newGateway(t)
	header := proofHeader(t, g.quote(t), nil)

	g.dispatcher.fn = func(string, string) (*devices.Result, error) {
		return nil, devices.ErrDeviceTimeout
	}
	if _, err := g.pay(header); !errors.Is(err, devices.ErrDeviceTimeout) {
		t.Fatalf("Execute() error = %v, want ErrDeviceTimeout", err)
	}
	p, _ := g.ledger.Get(context.Background(), testTx)
	if p.Status != models.PaymentStatusUnactuated {
		t.Fatalf("status = %s, want unactuated", p.Status)
	}
	if g.publisher.events[0].Type != events.EventPaymentUnactuated {
		t.Errorf("published %+v", g.publisher.events)
	}

	g.dispatcher.fn = func(string, string) (*devices.Result, error) {
		return &devices.Result{Data: json.RawMessage(`{"prize":"Common Card"}`)}, nil
	}
	if _, err := g.pay(header); err != nil {
		t.Fatalf("retry error = %v", err)
	}
	p, _ = g.ledger.Get(context.Background(), testTx)
	if p.Status != models.PaymentStatusActuated || p.Attempts != 2 {
		t.Errorf("unexpected ledger entry %+v", p)
	}
}

func TestExecuteDeviceFailure(t *testing.T) {
	g := newGateway(t)
	g.dispatcher.fn = func(string, string) (*devices.Result, error) {
		return nil, devices.ErrDeviceFailed
	}
	if _, err := g.pay(proofHeader(t, g.quote(t), nil)); !errors.Is(err, devices.ErrDeviceFailed) {
		t.Fatalf("Execute() error = %v, want ErrDeviceFailed", err)
	}
	p, _ := g.ledger.Get(context.Background(), testTx)
	if p.Status != models.PaymentStatusUnactuated {
		t.Errorf("status = %s", p.Status)
	}
}

func TestExecuteRejectsBadProofs(t *testing.T) {
	tests := []struct {
		name      string
		header    func(t *testing.T, req x402.PaymentRequirement) string
		wantCause error
	}{
		{
			name:      "malformed header",
			header:    func(t *testing.T, _ x402.PaymentRequirement) string { return "%%%not-base64" },
			wantCause: x402.ErrMalformedHeader,
		},
		{
			name: "other device",
			header: func(t *testing.T, req x402.PaymentRequirement) string {
				return proofHeader(t, req, func(p *x402.PaymentProof) { p.Metadata.DeviceID = "ESP32_002" })
			},
			wantCause: x402.ErrPaymentVerificationFailed,
		},
		{
			name: "unknown order",
			header: func(t *testing.T, req x402.PaymentRequirement) string {
				return proofHeader(t, req, func(p *x402.PaymentProof) { p.OrderID = "forged" })
			},
			wantCause: x402.ErrPaymentVerificationFailed,
		},
		{
			name: "underpaid",
			header: func(t *testing.T, req x402.PaymentRequirement) string {
				return proofHeader(t, req, func(p *x402.PaymentProof) { p.Amount = "0.001" })
			},
			wantCause: x402.ErrPaymentVerificationFailed,
		},
		{
			name: "underpaid without order",
			header: func(t *testing.T, req x402.PaymentRequirement) string {
				return proofHeader(t, req, func(p *x402.PaymentProof) {
					p.OrderID = ""
					p.Amount = "0.009"
				})
			},
			wantCause: x402.ErrPaymentVerificationFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGateway(t)
			_, err := g.pay(tt.header(t, g.quote(t)))

			var pr *PaymentRequiredError
			if !errors.As(err, &pr) {
				t.Fatalf("Execute() error = %v, want PaymentRequiredError", err)
			}
			if !errors.Is(err, tt.wantCause) {
				t.Errorf("cause = %v, want %v", pr.Cause, tt.wantCause)
			}
			if pr.Requirement.Amount != "0.010" || pr.Requirement.OrderID == "" {
				t.Errorf("expected a fresh requirement, got %+v", pr.Requirement)
			}
			if g.dispatcher.calls != 0 {
				t.Error("rejected proof was dispatched")
			}
		})
	}
}

func TestExecuteWithoutOrderUsesCurrentFee(t *testing.T) {
	g := newGateway(t)
	req := g.quote(t)
	header := proofHeader(t, req, func(p *x402.PaymentProof) { p.OrderID = "" })

	res, err := g.pay(header)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Payment.Amount != "0.010" {
		t.Errorf("amount = %s", res.Payment.Amount)
	}
}
