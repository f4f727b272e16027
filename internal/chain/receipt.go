package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gacha-x402/backend/internal/x402"
)

// DefaultPollInterval is how often a pending transaction is looked up.
const DefaultPollInterval = 2 * time.Second

// WaitMined polls reader until hash is mined with at least confirmations
// blocks, counting its own. A reverted transaction fails with
// ErrTransferFailed. Only ctx bounds the wait.
func WaitMined(ctx context.Context, reader ReceiptReader, hash common.Hash, confirmations uint64, poll time.Duration) (*types.Receipt, error) {
	if confirmations < 1 {
		confirmations = 1
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		// NotFound means still pending; other lookup errors are retried too.
		receipt, err := reader.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: transaction %s reverted", x402.ErrTransferFailed, hash.Hex())
			}
			_, n, err := confirmationsOf(ctx, reader, receipt)
			if err == nil && n >= confirmations {
				return receipt, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for transaction %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// confirmationsOf returns the receipt's block and how many blocks are on top
// of it, the block itself included.
func confirmationsOf(ctx context.Context, reader ReceiptReader, receipt *types.Receipt) (uint64, uint64, error) {
	head, err := reader.BlockNumber(ctx)
	if err != nil {
		return 0, 0, err
	}
	var block, confirmations uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	if block > 0 && head >= block {
		confirmations = head - block + 1
	}
	return block, confirmations, nil
}
