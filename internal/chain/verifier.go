package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gacha-x402/backend/internal/x402"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Expectation is what a proof must have paid for.
type Expectation struct {
	Network   string
	Recipient string
	Amount    string
}

// Verification describes a transfer that satisfied an Expectation.
type Verification struct {
	TxHash        string
	BlockNumber   uint64
	Confirmations uint64
	Paid          *big.Int
}

type Verifier interface {
	Verify(ctx context.Context, proof x402.PaymentProof, exp Expectation) (*Verification, error)
}

type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ReceiptVerifier checks proofs against the chain: the transaction must be
// mined successfully, have enough confirmations and carry a USDC Transfer of
// at least the expected amount to the recipient.
type ReceiptVerifier struct {
	readers          map[string]ReceiptReader // network id -> rpc
	minConfirmations uint64
	log              *zap.Logger
}

func NewReceiptVerifier(readers map[string]ReceiptReader, minConfirmations int, log *zap.Logger) *ReceiptVerifier {
	if minConfirmations < 1 {
		minConfirmations = 1
	}
	return &ReceiptVerifier{readers: readers, minConfirmations: uint64(minConfirmations), log: log}
}

func (v *ReceiptVerifier) Verify(ctx context.Context, proof x402.PaymentProof, exp Expectation) (*Verification, error) {
	network, hash, err := checkProofShape(proof, exp)
	if err != nil {
		return nil, err
	}

	reader, ok := v.readers[network.ID]
	if !ok {
		return nil, verificationError("no rpc configured for %s", network.ID)
	}

	receipt, err := reader.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, verificationError("transaction %s not found", hash.Hex())
	}
	if err != nil {
		return nil, verificationError("receipt lookup failed: %v", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, verificationError("transaction %s reverted", hash.Hex())
	}

	block, confirmations, err := confirmationsOf(ctx, reader, receipt)
	if err != nil {
		return nil, verificationError("block number lookup failed: %v", err)
	}
	if confirmations < v.minConfirmations {
		return nil, verificationError("transaction has %d confirmations, need %d", confirmations, v.minConfirmations)
	}

	recipient := common.HexToAddress(exp.Recipient)
	var payer *common.Address
	if common.IsHexAddress(proof.Payer) {
		p := common.HexToAddress(proof.Payer)
		payer = &p
	}
	paid := SumTransfers(receipt.Logs, network.USDC, recipient, payer)

	want, err := ToUnits(exp.Amount, USDCDecimals)
	if err != nil {
		return nil, verificationError("invalid expected amount: %v", err)
	}
	if paid.Cmp(want) < 0 {
		return nil, verificationError("transferred %s USDC to %s, expected %s",
			FromUnits(paid, USDCDecimals), recipient.Hex(), exp.Amount)
	}

	v.log.Info("payment verified on-chain",
		zap.String("tx_hash", hash.Hex()),
		zap.Uint64("block", block),
		zap.Uint64("confirmations", confirmations),
		zap.String("paid", FromUnits(paid, USDCDecimals)),
	)

	return &Verification{
		TxHash:        hash.Hex(),
		BlockNumber:   block,
		Confirmations: confirmations,
		Paid:          paid,
	}, nil
}

// SumTransfers adds up Transfer logs of token that credit recipient, restricted
// to a sender when from is not nil.
func SumTransfers(logs []*types.Log, token, recipient common.Address, from *common.Address) *big.Int {
	total := new(big.Int)
	for _, l := range logs {
		if l == nil || l.Address != token || len(l.Topics) != 3 || l.Topics[0] != TransferTopic {
			continue
		}
		if common.BytesToAddress(l.Topics[2].Bytes()) != recipient {
			continue
		}
		if from != nil && common.BytesToAddress(l.Topics[1].Bytes()) != *from {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(l.Data))
	}
	return total
}

// TrustVerifier accepts any well-formed proof that claims enough. It exists for
// local runs against the device simulator and must not face real users.
type TrustVerifier struct {
	log *zap.Logger
}

func NewTrustVerifier(log *zap.Logger) *TrustVerifier {
	return &TrustVerifier{log: log}
}

func (v *TrustVerifier) Verify(ctx context.Context, proof x402.PaymentProof, exp Expectation) (*Verification, error) {
	_, hash, err := checkProofShape(proof, exp)
	if err != nil {
		return nil, err
	}

	claimed, err := decimal.NewFromString(proof.Amount)
	if err != nil {
		return nil, verificationError("invalid proof amount %q", proof.Amount)
	}
	want, err := decimal.NewFromString(exp.Amount)
	if err != nil {
		return nil, verificationError("invalid expected amount %q", exp.Amount)
	}
	if claimed.LessThan(want) {
		return nil, verificationError("proof amount %s is below %s", proof.Amount, exp.Amount)
	}
	if !strings.EqualFold(proof.Currency, x402.CurrencyUSDC) && proof.Currency != "" {
		return nil, verificationError("unsupported currency %q", proof.Currency)
	}

	v.log.Warn("payment proof accepted WITHOUT on-chain verification", zap.String("tx_hash", hash.Hex()))

	units, _ := ToUnits(proof.Amount, USDCDecimals)
	return &Verification{TxHash: hash.Hex(), Paid: units}, nil
}

func checkProofShape(proof x402.PaymentProof, exp Expectation) (Network, common.Hash, error) {
	if proof.Network != exp.Network {
		return Network{}, common.Hash{}, verificationError("network %q does not match required %q", proof.Network, exp.Network)
	}
	network, err := LookupNetwork(proof.Network)
	if err != nil {
		return Network{}, common.Hash{}, verificationError("%v", err)
	}
	raw, err := hexutil.Decode(strings.TrimSpace(proof.TxHash))
	if err != nil || len(raw) != common.HashLength {
		return Network{}, common.Hash{}, verificationError("invalid transaction hash %q", proof.TxHash)
	}
	if !common.IsHexAddress(exp.Recipient) {
		return Network{}, common.Hash{}, verificationError("invalid recipient %q", exp.Recipient)
	}
	return network, common.BytesToHash(raw), nil
}

func verificationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", x402.ErrPaymentVerificationFailed, fmt.Sprintf(format, args...))
}
