package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gacha-x402/backend/internal/config"
	"github.com/gacha-x402/backend/internal/models"
	"github.com/gacha-x402/backend/internal/repositories"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	return &config.Config{
		PaymentRecipient: "0x2222222222222222222222222222222222222222",
		PaymentNetwork:   "eip155:84532",
		QuoteTTL:         10 * time.Minute,
		DefaultFee:       "0.010",
		DeviceFees:       map[string]string{"ESP32_003": "0.25"},
		LockedDevices:    []string{"ESP32_LOCKED"},
		DeviceOwners:     map[string]string{"ESP32_OWNED": "0xAbCdEf0000000000000000000000000000000001"},
	}
}

func newFeeService(t *testing.T) *FeeService {
	t.Helper()
	s := NewFeeService(repositories.NewMemoryFeeStore(), repositories.NewMemoryAuditLog(), testConfig(), zap.NewNop())
	if err := s.Seed(context.Background()); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	return s
}

func TestCurrentFeeDefaults(t *testing.T) {
	s := newFeeService(t)
	ctx := context.Background()

	tests := []struct {
		deviceID string
		want     string
	}{
		{"ESP32_001", "0.010"},
		{"ESP32_003", "0.250"},
		{"ESP32_LOCKED", "0.010"},
	}
	for _, tt := range tests {
		fee, err := s.CurrentFee(ctx, tt.deviceID)
		if err != nil {
			t.Fatalf("CurrentFee(%s) error = %v", tt.deviceID, err)
		}
		if got := FormatFee(fee.Fee); got != tt.want {
			t.Errorf("CurrentFee(%s) = %s, want %s", tt.deviceID, got, tt.want)
		}
	}
}

func TestUpdateFeeRules(t *testing.T) {
	tests := []struct {
		name     string
		deviceID string
		fee      string
		wallet   string
		wantErr  error
	}{
		{"below minimum", "ESP32_001", "0.0005", "", ErrFeeOutOfRange},
		{"above maximum", "ESP32_001", "1000", "", ErrFeeOutOfRange},
		{"too precise", "ESP32_001", "0.0010001", "", ErrFeePrecision},
		{"locked device", "ESP32_LOCKED", "5", "", ErrDeviceLocked},
		{"not the owner", "ESP32_OWNED", "5", "0x0000000000000000000000000000000000000009", ErrNotDeviceOwner},
		{"owner any case", "ESP32_OWNED", "5", "0xabcdef0000000000000000000000000000000001", nil},
		{"minimum", "ESP32_001", "0.001", "", nil},
		{"maximum", "ESP32_001", "999", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newFeeService(t)
			updated, err := s.UpdateFee(context.Background(), tt.deviceID, decimal.RequireFromString(tt.fee), tt.wallet)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("UpdateFee() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			if !updated.Fee.Equal(decimal.RequireFromString(tt.fee)) {
				t.Errorf("updated fee = %s", updated.Fee)
			}
			cur, _ := s.CurrentFee(context.Background(), tt.deviceID)
			if !cur.Fee.Equal(updated.Fee) {
				t.Errorf("fee not persisted: %s", cur.Fee)
			}
		})
	}
}

func TestFormatFee(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"0.01", "0.010"},
		{"0.010", "0.010"},
		{"1", "1.000"},
		{"0.0125", "0.0125"},
		{"999", "999.000"},
		{"0.1234567", "0.123456"},
		{"0.0100000", "0.010"},
	}
	for _, tt := range tests {
		if got := FormatFee(decimal.RequireFromString(tt.in)); got != tt.want {
			t.Errorf("FormatFee(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestFeeHistoryRecordsChanges(t *testing.T) {
	s := newFeeService(t)
	ctx := context.Background()

	if _, err := s.UpdateFee(ctx, "ESP32_001", decimal.RequireFromString("0.02"), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateFee(ctx, "ESP32_LOCKED", decimal.RequireFromString("1"), ""); !errors.Is(err, ErrDeviceLocked) {
		t.Fatal(err)
	}
	if _, err := s.UpdateFee(ctx, "ESP32_001", decimal.RequireFromString("0.03"), ""); err != nil {
		t.Fatal(err)
	}

	history, err := s.History(ctx, "ESP32_001", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %+v", history)
	}
	if history[0].Action != models.AuditActionFeeUpdated || history[0].Meta["old_fee"] != "0.020" || history[0].Meta["new_fee"] != "0.030" {
		t.Errorf("latest entry = %+v", history[0])
	}

	locked, _ := s.History(ctx, "ESP32_LOCKED", 10)
	if len(locked) != 1 || locked[0].Action != models.AuditActionFeeRejected {
		t.Errorf("locked history = %+v", locked)
	}
}
