package chain

import (
	"math/big"
	"testing"
)

func TestToUnitsTruncates(t *testing.T) {
	tests := []struct {
		amount string
		want   string
	}{
		{"0.010", "10000"},
		{"1", "1000000"},
		{"0.001", "1000"},
		{"999", "999000000"},
		{"0.0000019", "1"},
		{"1.2345679", "1234567"},
		{"0.0000001", "0"},
		{" 5.5 ", "5500000"},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got, err := ToUnits(tt.amount, USDCDecimals)
			if err != nil {
				t.Fatalf("ToUnits(%q) error = %v", tt.amount, err)
			}
			if got.String() != tt.want {
				t.Errorf("ToUnits(%q) = %s, want %s", tt.amount, got, tt.want)
			}
		})
	}
}

func TestToUnitsRejectsBadInput(t *testing.T) {
	for _, in := range []string{"", "abc", "-1", "1,5"} {
		if _, err := ToUnits(in, USDCDecimals); err == nil {
			t.Errorf("ToUnits(%q) expected error", in)
		}
	}
}

func TestFromUnits(t *testing.T) {
	if got := FromUnits(big.NewInt(10000), USDCDecimals); got != "0.010000" {
		t.Errorf("FromUnits = %s", got)
	}
}

func TestIsUSDC(t *testing.T) {
	tests := []struct {
		network, asset string
		want           bool
	}{
		{"eip155:84532", "USDC", true},
		{"eip155:84532", "usdc", true},
		{"eip155:84532", "0x036CbD53842c5426634e7929541eC2318f3dCF7e", true},
		{"eip155:84532", "0x036cbd53842c5426634e7929541ec2318f3dcf7e", true},
		{"eip155:8453", "0x036CbD53842c5426634e7929541eC2318f3dCF7e", false},
		{"eip155:1", "0x036CbD53842c5426634e7929541eC2318f3dCF7e", false},
		{"eip155:8453", "DAI", false},
	}
	for _, tt := range tests {
		if got := IsUSDC(tt.network, tt.asset); got != tt.want {
			t.Errorf("IsUSDC(%s, %s) = %v, want %v", tt.network, tt.asset, got, tt.want)
		}
	}
}

func TestNetworkByChainID(t *testing.T) {
	n, ok := NetworkByChainID(big.NewInt(84532))
	if !ok || n.ID != "eip155:84532" || !n.Testnet {
		t.Errorf("unexpected network %+v ok=%v", n, ok)
	}
	if _, ok := NetworkByChainID(big.NewInt(1)); ok {
		t.Error("chain 1 should not be supported")
	}
}
