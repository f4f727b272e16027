package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gacha-x402/backend/internal/x402"
	"go.uber.org/zap"
)

// Fixed gas limits used when estimation fails. Contract wallets route the
// transfer through their own call frame and need more headroom.
const (
	GasLimitEOA            uint64 = 100_000
	GasLimitContractWallet uint64 = 250_000
)

// Payment is a submitted transfer; Confirm waits for it to be mined.
type Payment struct {
	TxHash  string
	Payer   string
	Network string
	Amount  string
	Units   *big.Int
}

type Executor struct {
	wallet        Wallet
	receipts      ReceiptReader
	confirmations uint64
	poll          time.Duration
	log           *zap.Logger
}

type ExecutorOption func(*Executor)

// WithReceipts makes Confirm wait on reader for the given number of
// confirmations.
func WithReceipts(reader ReceiptReader, confirmations int) ExecutorOption {
	return func(e *Executor) {
		e.receipts = reader
		if confirmations > 1 {
			e.confirmations = uint64(confirmations)
		}
	}
}

func WithPollInterval(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.poll = d }
}

// NewExecutor reads receipts through the wallet when it can serve them.
func NewExecutor(wallet Wallet, log *zap.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{wallet: wallet, confirmations: 1, poll: DefaultPollInterval, log: log}
	if r, ok := wallet.(ReceiptReader); ok {
		e.receipts = r
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Pay transfers req.Amount USDC to req.Recipient on req.Network and returns
// the transaction hash. Once it returns successfully the transfer is on its
// way and cannot be recalled.
func (e *Executor) Pay(ctx context.Context, req x402.PaymentRequirement) (*Payment, error) {
	network, err := LookupNetwork(req.Network)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrWrongNetwork, err)
	}
	if err := e.ensureChain(ctx, network); err != nil {
		return nil, err
	}

	accounts, err := e.wallet.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrNoAccount, err)
	}
	if len(accounts) == 0 {
		return nil, x402.ErrNoAccount
	}
	from := accounts[0]

	if !common.IsHexAddress(req.Recipient) {
		return nil, fmt.Errorf("%w: invalid recipient %q", x402.ErrTransferFailed, req.Recipient)
	}
	recipient := common.HexToAddress(req.Recipient)

	units, err := ToUnits(req.Amount, USDCDecimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrTransferFailed, err)
	}
	if units.Sign() == 0 {
		return nil, fmt.Errorf("%w: amount %s is below one token unit", x402.ErrTransferFailed, req.Amount)
	}

	data, err := erc20ABI.Pack("transfer", recipient, units)
	if err != nil {
		return nil, fmt.Errorf("%w: pack transfer: %v", x402.ErrTransferFailed, err)
	}

	gas := e.gasLimit(ctx, from, network.USDC, data)

	hash, err := e.wallet.SendTransaction(ctx, TransferTx{
		From: from,
		To:   network.USDC,
		Data: data,
		Gas:  gas,
	})
	if err != nil {
		return nil, classifySendError(err)
	}

	e.log.Info("payment submitted",
		zap.String("tx_hash", hash.Hex()),
		zap.String("payer", from.Hex()),
		zap.String("recipient", recipient.Hex()),
		zap.String("amount", req.Amount),
		zap.String("network", network.ID),
	)

	return &Payment{
		TxHash:  hash.Hex(),
		Payer:   from.Hex(),
		Network: network.ID,
		Amount:  req.Amount,
		Units:   units,
	}, nil
}

// Confirm blocks until p is mined with enough confirmations for a gateway to
// find it. Without a receipt reader there is nothing to wait on.
func (e *Executor) Confirm(ctx context.Context, p *Payment) error {
	if e.receipts == nil {
		return nil
	}
	receipt, err := WaitMined(ctx, e.receipts, common.HexToHash(p.TxHash), e.confirmations, e.poll)
	if err != nil {
		return err
	}

	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	e.log.Info("payment confirmed",
		zap.String("tx_hash", p.TxHash),
		zap.Uint64("block", block),
		zap.Uint64("confirmations", e.confirmations),
	)
	return nil
}

// ensureChain makes the wallet sit on the network, switching once if needed.
func (e *Executor) ensureChain(ctx context.Context, network Network) error {
	current, err := e.wallet.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", x402.ErrWrongNetwork, err)
	}
	if current.Cmp(network.ChainID) == 0 {
		return nil
	}

	e.log.Info("wallet on different chain, requesting switch",
		zap.String("current", current.String()),
		zap.String("required", network.ChainID.String()),
	)
	if err := e.wallet.SwitchChain(ctx, network.ChainID); err != nil {
		return fmt.Errorf("%w: switch to %s failed: %v", x402.ErrWrongNetwork, network.Name, err)
	}

	current, err = e.wallet.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", x402.ErrWrongNetwork, err)
	}
	if current.Cmp(network.ChainID) != 0 {
		return fmt.Errorf("%w: wallet still on chain %s after switch", x402.ErrWrongNetwork, current)
	}
	return nil
}

func (e *Executor) gasLimit(ctx context.Context, from, token common.Address, data []byte) uint64 {
	gas, err := e.wallet.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &token, Data: data})
	if err == nil && gas > 0 {
		return gas
	}

	contract, cerr := e.wallet.IsContractAccount(ctx, from)
	fallback := GasLimitEOA
	if contract || cerr != nil {
		fallback = GasLimitContractWallet
	}
	e.log.Warn("gas estimation failed, using fixed limit",
		zap.Error(err),
		zap.Bool("contract_wallet", contract),
		zap.Uint64("gas", fallback),
	)
	return fallback
}

func classifySendError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", x402.ErrTransferFailed, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "insufficient funds") ||
		strings.Contains(msg, "exceeds balance") ||
		strings.Contains(msg, "insufficient balance") {
		return fmt.Errorf("%w: %v", x402.ErrInsufficientFunds, err)
	}
	return fmt.Errorf("%w: %v", x402.ErrTransferFailed, err)
}
