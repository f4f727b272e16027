package repositories

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gacha-x402/backend/internal/models"
	"github.com/shopspring/decimal"
)

func TestMemoryFeeStoreSeedKeepsStoredFee(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryFeeStore()

	seed := []models.DeviceFee{
		{DeviceID: "ESP32_001", Fee: decimal.RequireFromString("0.010"), Currency: "USDC"},
		{DeviceID: "ESP32_002", Fee: decimal.RequireFromString("1"), Currency: "USDC", Locked: true},
	}
	if err := s.Seed(ctx, seed); err != nil {
		t.Fatal(err)
	}

	if err := s.SetFee(ctx, &models.DeviceFee{DeviceID: "ESP32_001", Fee: decimal.RequireFromString("0.5"), Currency: "USDC"}); err != nil {
		t.Fatal(err)
	}

	// A restart seeds again with new ownership but must not reset the fee.
	seed[0].Owner = "0xabc"
	if err := s.Seed(ctx, seed); err != nil {
		t.Fatal(err)
	}

	f, err := s.Get(ctx, "ESP32_001")
	if err != nil {
		t.Fatal(err)
	}
	if !f.Fee.Equal(decimal.RequireFromString("0.5")) || f.Owner != "0xabc" {
		t.Errorf("unexpected fee record %+v", f)
	}

	if _, err := s.Get(ctx, "ESP32_404"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}

	list, _ := s.List(ctx)
	if len(list) != 2 || list[0].DeviceID != "ESP32_001" {
		t.Errorf("unexpected list %+v", list)
	}
}

func TestMemoryFeeStoreSetFeeKeepsLock(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryFeeStore()
	_ = s.Seed(ctx, []models.DeviceFee{{DeviceID: "ESP32_002", Fee: decimal.NewFromInt(1), Locked: true, Owner: "0xowner"}})

	f := &models.DeviceFee{DeviceID: "ESP32_002", Fee: decimal.NewFromInt(2)}
	if err := s.SetFee(ctx, f); err != nil {
		t.Fatal(err)
	}
	if !f.Locked || f.Owner != "0xowner" {
		t.Errorf("lock and owner not preserved: %+v", f)
	}
}

func newPayment(hash string) *models.Payment {
	return &models.Payment{TxHash: hash, DeviceID: "ESP32_001", Command: "play", Amount: "0.010", Network: "eip155:84532"}
}

func TestMemoryLedgerClaimOnce(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryPaymentLedger()

	p := newPayment("0x01")
	if err := l.Claim(ctx, p); err != nil {
		t.Fatal(err)
	}
	if p.Status != models.PaymentStatusDispatching || p.Attempts != 1 {
		t.Errorf("unexpected claimed payment %+v", p)
	}

	if err := l.Claim(ctx, newPayment("0x01")); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("second claim while dispatching: %v", err)
	}

	if err := l.MarkActuated(ctx, "0x01"); err != nil {
		t.Fatal(err)
	}
	if err := l.Claim(ctx, newPayment("0x01")); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("claim after actuation: %v", err)
	}
	if err := l.MarkUnactuated(ctx, "0x01", "late"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("actuated payment must stay actuated: %v", err)
	}
}

func TestMemoryLedgerRetryUnactuated(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryPaymentLedger()

	_ = l.Claim(ctx, newPayment("0x02"))
	if err := l.MarkUnactuated(ctx, "0x02", "device timeout"); err != nil {
		t.Fatal(err)
	}

	other := newPayment("0x02")
	other.Command = "reset"
	if err := l.Claim(ctx, other); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("claim for another command: %v", err)
	}

	retry := newPayment("0x02")
	if err := l.Claim(ctx, retry); err != nil {
		t.Fatalf("retry claim: %v", err)
	}
	if retry.Attempts != 2 || retry.Reason != "" {
		t.Errorf("unexpected retry %+v", retry)
	}

	pending, _ := l.ListByStatus(ctx, models.PaymentStatusUnactuated, 10)
	if len(pending) != 0 {
		t.Errorf("retried payment still listed as unactuated")
	}
}

func TestMemoryLedgerConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryPaymentLedger()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Claim(ctx, newPayment("0x03")); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if won != 1 {
		t.Errorf("%d claims succeeded, want 1", won)
	}
}

func TestMemoryQuoteStoreExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryQuoteStore()
	base := time.Now()
	s.now = func() time.Time { return base }

	q := models.Quote{OrderID: "order-1", DeviceID: "ESP32_001", Amount: "0.010"}
	if err := s.Put(ctx, q, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, q, time.Minute); err == nil {
		t.Error("duplicate order id accepted")
	}

	got, err := s.Get(ctx, "order-1")
	if err != nil || got.Amount != "0.010" {
		t.Fatalf("Get() = %+v, %v", got, err)
	}

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := s.Get(ctx, "order-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired quote returned: %v", err)
	}
}
