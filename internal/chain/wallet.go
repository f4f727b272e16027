package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// TransferTx is an unsigned contract call the wallet is asked to submit.
type TransferTx struct {
	From common.Address
	To   common.Address
	Data []byte
	Gas  uint64
}

// Wallet is the injected wallet provider. Implementations may block for as
// long as the user takes to approve a prompt.
type Wallet interface {
	ChainID(ctx context.Context) (*big.Int, error)
	SwitchChain(ctx context.Context, chainID *big.Int) error
	Accounts(ctx context.Context) ([]common.Address, error)
	IsContractAccount(ctx context.Context, account common.Address) (bool, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx TransferTx) (common.Hash, error)
}

// EthClient is the subset of ethclient.Client used by this package.
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Dial opens an RPC connection. Tests replace it.
var Dial = func(ctx context.Context, rpcURL string) (EthClient, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// KeyWallet is a Wallet backed by a local ECDSA key and per-network RPC endpoints.
type KeyWallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	rpcURLs map[string]string // network id -> rpc url
	log     *zap.Logger

	mu      sync.Mutex
	client  EthClient
	chainID *big.Int
}

func NewKeyWallet(ctx context.Context, privateKeyHex, network string, rpcURLs map[string]string, log *zap.Logger) (*KeyWallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	w := &KeyWallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		rpcURLs: rpcURLs,
		log:     log,
	}

	n, err := LookupNetwork(network)
	if err != nil {
		return nil, err
	}
	if err := w.SwitchChain(ctx, n.ChainID); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *KeyWallet) Address() common.Address {
	return w.address
}

func (w *KeyWallet) ChainID(ctx context.Context) (*big.Int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.chainID == nil {
		return nil, fmt.Errorf("wallet is not connected")
	}
	return new(big.Int).Set(w.chainID), nil
}

// SwitchChain reconnects to the RPC endpoint configured for chainID.
func (w *KeyWallet) SwitchChain(ctx context.Context, chainID *big.Int) error {
	n, ok := NetworkByChainID(chainID)
	if !ok {
		return fmt.Errorf("chain %s is not supported", chainID)
	}
	url := w.rpcURLs[n.ID]
	if url == "" {
		return fmt.Errorf("no rpc url configured for %s", n.ID)
	}

	client, err := Dial(ctx, url)
	if err != nil {
		return fmt.Errorf("dial %s: %w", n.Name, err)
	}
	got, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("query chain id: %w", err)
	}
	if got.Cmp(n.ChainID) != 0 {
		return fmt.Errorf("rpc for %s reports chain %s", n.Name, got)
	}

	w.mu.Lock()
	w.client = client
	w.chainID = got
	w.mu.Unlock()

	w.log.Info("wallet switched chain", zap.String("network", n.ID), zap.String("address", w.address.Hex()))
	return nil
}

func (w *KeyWallet) Accounts(ctx context.Context) ([]common.Address, error) {
	return []common.Address{w.address}, nil
}

func (w *KeyWallet) IsContractAccount(ctx context.Context, account common.Address) (bool, error) {
	client, err := w.rpc()
	if err != nil {
		return false, err
	}
	code, err := client.CodeAt(ctx, account, nil)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

func (w *KeyWallet) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	client, err := w.rpc()
	if err != nil {
		return 0, err
	}
	return client.EstimateGas(ctx, msg)
}

// SendTransaction signs and submits an EIP-1559 transaction.
func (w *KeyWallet) SendTransaction(ctx context.Context, tx TransferTx) (common.Hash, error) {
	client, err := w.rpc()
	if err != nil {
		return common.Hash{}, err
	}
	chainID, err := w.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	nonce, err := client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get pending nonce: %w", err)
	}
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to suggest gas tip cap: %w", err)
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get block header: %w", err)
	}
	if head.BaseFee == nil {
		return common.Hash{}, fmt.Errorf("block header missing base fee: network may not support EIP-1559")
	}

	// 2x base fee + tip
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)

	to := tx.To
	unsigned := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       tx.Gas,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      tx.Data,
	})

	signed, err := types.SignTx(unsigned, types.NewLondonSigner(chainID), w.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// TransactionReceipt and BlockNumber make the wallet a ReceiptReader on its
// current chain.
func (w *KeyWallet) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	client, err := w.rpc()
	if err != nil {
		return nil, err
	}
	return client.TransactionReceipt(ctx, hash)
}

func (w *KeyWallet) BlockNumber(ctx context.Context) (uint64, error) {
	client, err := w.rpc()
	if err != nil {
		return 0, err
	}
	return client.BlockNumber(ctx)
}

func (w *KeyWallet) rpc() (EthClient, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client == nil {
		return nil, fmt.Errorf("wallet is not connected")
	}
	return w.client, nil
}
