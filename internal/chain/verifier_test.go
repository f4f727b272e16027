package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gacha-x402/backend/internal/x402"
	"go.uber.org/zap"
)

const testTxHash = "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"

type fakeReader struct {
	receipt *types.Receipt
	err     error
	head    uint64
}

func (r *fakeReader) TransactionReceipt(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	return r.receipt, r.err
}

func (r *fakeReader) BlockNumber(ctx context.Context) (uint64, error) { return r.head, nil }

func transferLog(token, from, to common.Address, units int64) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			TransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(big.NewInt(units).Bytes(), 32),
	}
}

func receiptWith(status uint64, block int64, logs ...*types.Log) *types.Receipt {
	return &types.Receipt{Status: status, BlockNumber: big.NewInt(block), Logs: logs}
}

func testProof() x402.PaymentProof {
	return x402.PaymentProof{
		TxHash:   testTxHash,
		Amount:   "0.010",
		Currency: x402.CurrencyUSDC,
		Network:  "eip155:84532",
		Payer:    payerAddr.Hex(),
	}
}

func testExpectation() Expectation {
	return Expectation{Network: "eip155:84532", Recipient: recipientAddr.Hex(), Amount: "0.010"}
}

func TestReceiptVerifierAcceptsTransfer(t *testing.T) {
	usdc := Networks["eip155:84532"].USDC
	reader := &fakeReader{
		receipt: receiptWith(types.ReceiptStatusSuccessful, 100,
			transferLog(usdc, payerAddr, recipientAddr, 6000),
			transferLog(usdc, payerAddr, recipientAddr, 4000),
		),
		head: 102,
	}
	v := NewReceiptVerifier(map[string]ReceiptReader{"eip155:84532": reader}, 2, zap.NewNop())

	got, err := v.Verify(context.Background(), testProof(), testExpectation())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got.Confirmations != 3 || got.BlockNumber != 100 || got.Paid.Int64() != 10000 {
		t.Errorf("unexpected verification %+v", got)
	}
}

func TestReceiptVerifierRejects(t *testing.T) {
	usdc := Networks["eip155:84532"].USDC
	other := common.HexToAddress("0x3333333333333333333333333333333333333333")

	tests := []struct {
		name   string
		reader *fakeReader
		proof  func() x402.PaymentProof
	}{
		{
			name:   "not found",
			reader: &fakeReader{err: ethereum.NotFound},
			proof:  testProof,
		},
		{
			name:   "reverted",
			reader: &fakeReader{receipt: receiptWith(types.ReceiptStatusFailed, 100, transferLog(usdc, payerAddr, recipientAddr, 10000)), head: 110},
			proof:  testProof,
		},
		{
			name:   "not enough confirmations",
			reader: &fakeReader{receipt: receiptWith(types.ReceiptStatusSuccessful, 100, transferLog(usdc, payerAddr, recipientAddr, 10000)), head: 100},
			proof:  testProof,
		},
		{
			name:   "underpaid",
			reader: &fakeReader{receipt: receiptWith(types.ReceiptStatusSuccessful, 100, transferLog(usdc, payerAddr, recipientAddr, 9999)), head: 110},
			proof:  testProof,
		},
		{
			name:   "paid someone else",
			reader: &fakeReader{receipt: receiptWith(types.ReceiptStatusSuccessful, 100, transferLog(usdc, payerAddr, other, 10000)), head: 110},
			proof:  testProof,
		},
		{
			name:   "wrong token",
			reader: &fakeReader{receipt: receiptWith(types.ReceiptStatusSuccessful, 100, transferLog(other, payerAddr, recipientAddr, 10000)), head: 110},
			proof:  testProof,
		},
		{
			name:   "payer mismatch",
			reader: &fakeReader{receipt: receiptWith(types.ReceiptStatusSuccessful, 100, transferLog(usdc, other, recipientAddr, 10000)), head: 110},
			proof:  testProof,
		},
		{
			name:   "network mismatch",
			reader: &fakeReader{},
			proof: func() x402.PaymentProof {
				p := testProof()
				p.Network = "eip155:8453"
				return p
			},
		},
		{
			name:   "malformed hash",
			reader: &fakeReader{},
			proof: func() x402.PaymentProof {
				p := testProof()
				p.TxHash = "0xnothex"
				return p
			},
		},
		{
			name:   "hash too short",
			reader: &fakeReader{},
			proof: func() x402.PaymentProof {
				p := testProof()
				p.TxHash = payerAddr.Hex()
				return p
			},
		},
		{
			name:   "hash without prefix",
			reader: &fakeReader{},
			proof: func() x402.PaymentProof {
				p := testProof()
				p.TxHash = strings.TrimPrefix(testTxHash, "0x")
				return p
			},
		},
		{
			name:   "hash with non-hex digits",
			reader: &fakeReader{},
			proof: func() x402.PaymentProof {
				p := testProof()
				p.TxHash = "0x" + strings.Repeat("zz", 32)
				return p
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewReceiptVerifier(map[string]ReceiptReader{"eip155:84532": tt.reader}, 2, zap.NewNop())
			_, err := v.Verify(context.Background(), tt.proof(), testExpectation())
			if !errors.Is(err, x402.ErrPaymentVerificationFailed) {
				t.Errorf("Verify() error = %v, want verification failure", err)
			}
		})
	}
}

func TestReceiptVerifierAcceptsUppercaseHash(t *testing.T) {
	usdc := Networks["eip155:84532"].USDC
	reader := &fakeReader{
		receipt: receiptWith(types.ReceiptStatusSuccessful, 100, transferLog(usdc, payerAddr, recipientAddr, 10000)),
		head:    100,
	}
	v := NewReceiptVerifier(map[string]ReceiptReader{"eip155:84532": reader}, 1, zap.NewNop())

	proof := testProof()
	proof.TxHash = "0x" + strings.ToUpper(testTxHash[2:])
	got, err := v.Verify(context.Background(), proof, testExpectation())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got.TxHash != testTxHash {
		t.Errorf("tx hash = %s, want %s", got.TxHash, testTxHash)
	}
}

func TestReceiptVerifierMissingReader(t *testing.T) {
	v := NewReceiptVerifier(map[string]ReceiptReader{}, 1, zap.NewNop())
	if _, err := v.Verify(context.Background(), testProof(), testExpectation()); !errors.Is(err, x402.ErrPaymentVerificationFailed) {
		t.Errorf("expected verification failure without rpc, got %v", err)
	}
}

func TestTrustVerifier(t *testing.T) {
	v := NewTrustVerifier(zap.NewNop())

	got, err := v.Verify(context.Background(), testProof(), testExpectation())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got.Paid.Int64() != 10000 {
		t.Errorf("paid = %s", got.Paid)
	}

	short := testProof()
	short.Amount = "0.005"
	if _, err := v.Verify(context.Background(), short, testExpectation()); !errors.Is(err, x402.ErrPaymentVerificationFailed) {
		t.Errorf("expected underpayment to fail, got %v", err)
	}

	dai := testProof()
	dai.Currency = "DAI"
	if _, err := v.Verify(context.Background(), dai, testExpectation()); !errors.Is(err, x402.ErrPaymentVerificationFailed) {
		t.Errorf("expected currency mismatch to fail, got %v", err)
	}
}
