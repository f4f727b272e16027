// Package chain is the EVM side of payments: supported networks, USDC amount
// conversion, the wallet-driven Payment Executor and the receipt Verifier.
package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// USDCDecimals is the fixed-point scale of the modeled stablecoin.
const USDCDecimals = 6

type Network struct {
	ID      string // CAIP-2
	Name    string
	ChainID *big.Int
	USDC    common.Address
	Testnet bool
}

var (
	ChainIDBase        = big.NewInt(8453)
	ChainIDBaseSepolia = big.NewInt(84532)

	// Networks is the supported mainnet/testnet pair.
	Networks = map[string]Network{
		"eip155:8453": {
			ID:      "eip155:8453",
			Name:    "Base",
			ChainID: ChainIDBase,
			USDC:    common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
		},
		"eip155:84532": {
			ID:      "eip155:84532",
			Name:    "Base Sepolia",
			ChainID: ChainIDBaseSepolia,
			USDC:    common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
			Testnet: true,
		},
	}
)

// LookupNetwork resolves a CAIP-2 id ("eip155:84532") to a supported network.
func LookupNetwork(id string) (Network, error) {
	n, ok := Networks[strings.TrimSpace(id)]
	if !ok {
		return Network{}, fmt.Errorf("unsupported network %q", id)
	}
	return n, nil
}

// NetworkByChainID returns the supported network with the given chain id.
func NetworkByChainID(chainID *big.Int) (Network, bool) {
	if chainID == nil {
		return Network{}, false
	}
	for _, n := range Networks {
		if n.ChainID.Cmp(chainID) == 0 {
			return n, true
		}
	}
	return Network{}, false
}

// IsUSDC reports whether asset names the USDC token on network, either by
// symbol or by contract address.
func IsUSDC(network, asset string) bool {
	if strings.EqualFold(asset, "USDC") {
		return true
	}
	n, err := LookupNetwork(network)
	if err != nil || !common.IsHexAddress(asset) {
		return false
	}
	return common.HexToAddress(asset) == n.USDC
}
