package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gacha-x402/backend/internal/x402"
	"go.uber.org/zap"
)

// pendingReader reports NotFound for the first pending lookups, then serves
// receipt mined at block with the head advancing one block per lookup.
type pendingReader struct {
	pending int
	receipt *types.Receipt
	block   uint64
	lookups int
	head    uint64
}

func (r *pendingReader) TransactionReceipt(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	r.lookups++
	if r.lookups <= r.pending {
		return nil, ethereum.NotFound
	}
	if r.head == 0 {
		r.head = r.block
	}
	return r.receipt, nil
}

func (r *pendingReader) BlockNumber(ctx context.Context) (uint64, error) {
	if r.head == 0 {
		return r.block - 1, nil
	}
	h := r.head
	r.head++
	return h, nil
}

func minedReceipt(status uint64) *types.Receipt {
	usdc := Networks["eip155:84532"].USDC
	return receiptWith(status, 100, transferLog(usdc, payerAddr, recipientAddr, 10000))
}

func TestWaitMined(t *testing.T) {
	tests := []struct {
		name          string
		reader        *pendingReader
		confirmations uint64
		wantErr       error
		wantLookups   int
	}{
		{"mined at once", &pendingReader{receipt: minedReceipt(types.ReceiptStatusSuccessful), block: 100}, 1, nil, 1},
		{"pending then mined", &pendingReader{pending: 3, receipt: minedReceipt(types.ReceiptStatusSuccessful), block: 100}, 1, nil, 4},
		{"waits for confirmations", &pendingReader{pending: 1, receipt: minedReceipt(types.ReceiptStatusSuccessful), block: 100}, 3, nil, 4},
		{"reverted", &pendingReader{pending: 1, receipt: minedReceipt(types.ReceiptStatusFailed), block: 100}, 1, x402.ErrTransferFailed, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := WaitMined(context.Background(), tt.reader, common.HexToHash(testTxHash), tt.confirmations, time.Millisecond)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("WaitMined() error = %v, want %v", err, tt.wantErr)
			}
			if tt.reader.lookups != tt.wantLookups {
				t.Errorf("lookups = %d, want %d", tt.reader.lookups, tt.wantLookups)
			}
		})
	}
}

func TestWaitMinedHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	reader := &pendingReader{pending: 1 << 30, block: 100}
	_, err := WaitMined(ctx, reader, common.HexToHash(testTxHash), 1, time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitMined() error = %v, want deadline exceeded", err)
	}
}

// receiptWallet is a wallet whose RPC also serves receipts, like KeyWallet.
type receiptWallet struct {
	*fakeWallet
	*pendingReader
}

func TestPayConfirmMakesPaymentVerifiable(t *testing.T) {
	reader := &pendingReader{pending: 2, receipt: minedReceipt(types.ReceiptStatusSuccessful), block: 100}
	w := receiptWallet{
		fakeWallet:    &fakeWallet{chainID: ChainIDBaseSepolia, accounts: []common.Address{payerAddr}, estimate: 61_000},
		pendingReader: reader,
	}
	e := NewExecutor(w, zap.NewNop(), WithPollInterval(time.Millisecond))
	v := NewReceiptVerifier(map[string]ReceiptReader{"eip155:84532": reader}, 1, zap.NewNop())

	p, err := e.Pay(context.Background(), testRequirement())
	if err != nil {
		t.Fatalf("Pay() error = %v", err)
	}
	proof := testProof()
	proof.TxHash = p.TxHash

	// Right after submission the transfer is still pending.
	if _, err := v.Verify(context.Background(), proof, testExpectation()); !errors.Is(err, x402.ErrPaymentVerificationFailed) {
		t.Fatalf("Verify() before Confirm error = %v, want verification failure", err)
	}

	if err := e.Confirm(context.Background(), p); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if _, err := v.Verify(context.Background(), proof, testExpectation()); err != nil {
		t.Errorf("Verify() after Confirm error = %v", err)
	}
}

func TestConfirmWithoutReceiptsReturnsAtOnce(t *testing.T) {
	e := NewExecutor(&fakeWallet{}, zap.NewNop())
	if err := e.Confirm(context.Background(), &Payment{TxHash: testTxHash, Units: big.NewInt(1)}); err != nil {
		t.Errorf("Confirm() error = %v", err)
	}
}

func TestConfirmUsesConfiguredConfirmations(t *testing.T) {
	reader := &pendingReader{receipt: minedReceipt(types.ReceiptStatusSuccessful), block: 100}
	e := NewExecutor(&fakeWallet{}, zap.NewNop(), WithReceipts(reader, 3), WithPollInterval(time.Millisecond))

	if err := e.Confirm(context.Background(), &Payment{TxHash: testTxHash}); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if reader.lookups != 3 {
		t.Errorf("lookups = %d, want 3", reader.lookups)
	}
}
