package config

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestParseKVList(t *testing.T) {
	got := parseKVList("ESP32_001=0.010, ESP32_002 = 5 ,broken,=1,empty=")
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(got), got)
	}
	if got["ESP32_001"] != "0.010" {
		t.Errorf("ESP32_001 = %q", got["ESP32_001"])
	}
	if got["ESP32_002"] != "5" {
		t.Errorf("ESP32_002 = %q", got["ESP32_002"])
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("COMMAND_TIMEOUT_SECONDS", "")
	t.Setenv("LOCKED_DEVICES", "ESP32_LOCKED, ESP32_OTHER")
	t.Setenv("PAYMENT_VERIFICATION", "TRUST")

	cfg := Load()
	if cfg.CommandTimeout != 30*time.Second {
		t.Errorf("CommandTimeout = %v, want 30s", cfg.CommandTimeout)
	}
	if !cfg.IsLocked("ESP32_OTHER") || cfg.IsLocked("ESP32_001") {
		t.Errorf("unexpected locked devices: %v", cfg.LockedDevices)
	}
	if cfg.PaymentVerification != VerificationTrust {
		t.Errorf("PaymentVerification = %q", cfg.PaymentVerification)
	}
	if cfg.RPCURL("eip155:84532") == "" {
		t.Error("missing default Base Sepolia RPC url")
	}
}

func TestGetEnvIntFallback(t *testing.T) {
	t.Setenv("SOME_INT", "not-a-number")
	if v := getEnvInt("SOME_INT", 7); v != 7 {
		t.Errorf("getEnvInt = %d, want 7", v)
	}
}

func TestLoadIgnoresNonPositiveIntervals(t *testing.T) {
	t.Setenv("HEARTBEAT_INTERVAL_SECONDS", "0")
	t.Setenv("COMMAND_TIMEOUT_SECONDS", "-5")
	t.Setenv("RECONCILE_INTERVAL_SECONDS", "0")
	t.Setenv("QUOTE_TTL_SECONDS", "-1")

	cfg := Load()
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", cfg.HeartbeatInterval)
	}
	if cfg.CommandTimeout != 30*time.Second {
		t.Errorf("CommandTimeout = %v, want 30s", cfg.CommandTimeout)
	}
	if cfg.ReconcileInterval != time.Minute {
		t.Errorf("ReconcileInterval = %v, want 1m", cfg.ReconcileInterval)
	}
	if cfg.QuoteTTL != 10*time.Minute {
		t.Errorf("QuoteTTL = %v, want 10m", cfg.QuoteTTL)
	}
}

func TestValidate(t *testing.T) {
	const recipient = "0x2222222222222222222222222222222222222222"

	tests := []struct {
		name         string
		verification string
		recipient    string
		wantErr      bool
	}{
		{"chain with recipient", VerificationChain, recipient, false},
		{"chain without recipient", VerificationChain, "", true},
		{"chain with malformed recipient", VerificationChain, "0x1234", true},
		{"trust without recipient", VerificationTrust, "", false},
		{"unknown mode", "maybe", recipient, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{PaymentVerification: tt.verification, PaymentRecipient: tt.recipient}
			err := cfg.Validate(zap.NewNop())
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
