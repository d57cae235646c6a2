// Package chain wraps EVM JSON-RPC access for the settlement node: contract
// reads, dry-run simulation, signed submission and bounded receipt waiting.
// All blockchain suspension points of the node go through this package.
package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Backend is the narrow slice of ethclient the node consumes. Tests provide
// fakes; production uses *ethclient.Client.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Client is the node's EVM access point.
type Client struct {
	backend      Backend
	chainID      *big.Int
	retryManager *RetryManager
	pollInterval time.Duration
	logger       zerolog.Logger
}

// Dial connects to an EVM JSON-RPC endpoint and discovers (or verifies) the
// chain id.
func Dial(ctx context.Context, rpcURL string, expectedChainID int64, logger zerolog.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial rpc endpoint")
	}

	chainID, err := ec.ChainID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query chain id")
	}
	if expectedChainID != 0 && chainID.Int64() != expectedChainID {
		return nil, errors.Errorf("chain id mismatch: node reports %d, config expects %d", chainID.Int64(), expectedChainID)
	}

	return NewClient(ec, chainID, logger), nil
}

// NewClient wraps an existing backend. Used by Dial and by tests.
func NewClient(backend Backend, chainID *big.Int, logger zerolog.Logger) *Client {
	return &Client{
		backend:      backend,
		chainID:      chainID,
		retryManager: NewRetryManager(nil, logger),
		pollInterval: 3 * time.Second,
		logger:       logger.With().Str("component", "chain_client").Logger(),
	}
}

// WithPollInterval overrides the receipt poll interval. Test hook.
func (c *Client) WithPollInterval(d time.Duration) *Client {
	c.pollInterval = d
	return c
}

// ChainID returns the connected chain's id.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Call performs a read-only eth_call against a contract.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.CallFrom(ctx, common.Address{}, to, data)
}

// CallFrom performs an eth_call with an explicit sender, used for dry-running
// account-gated calls such as delegateToFacet.
func (c *Client) CallFrom(ctx context.Context, from, to common.Address, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{From: from, To: &to, Data: data}
	var result []byte
	err := c.retryManager.Execute(ctx, "eth_call", func() error {
		var callErr error
		result, callErr = c.backend.CallContract(ctx, msg, nil)
		return callErr
	})
	return result, err
}

// EstimateGas estimates the gas cost of a call.
func (c *Client) EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error) {
	msg := ethereum.CallMsg{From: from, To: &to, Data: data}
	var gas uint64
	err := c.retryManager.Execute(ctx, "eth_estimateGas", func() error {
		var estErr error
		gas, estErr = c.backend.EstimateGas(ctx, msg)
		return estErr
	})
	return gas, err
}

// SubmitTransaction signs and broadcasts a transaction from the given key.
func (c *Client) SubmitTransaction(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, data []byte, gasLimit uint64) (common.Hash, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to fetch pending nonce")
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to fetch gas price")
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to sign transaction")
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to broadcast transaction")
	}

	c.logger.Debug().
		Str("tx_hash", signed.Hash().Hex()).
		Str("from", from.Hex()).
		Uint64("nonce", nonce).
		Msg("transaction broadcast")
	return signed.Hash(), nil
}

// ErrReceiptTimeout is returned when a receipt did not reach the requested
// confirmation depth within the poll budget.
var ErrReceiptTimeout = errors.New("transaction receipt wait exhausted")

// ErrTxReverted is returned when the mined transaction has a failed status.
var ErrTxReverted = errors.New("transaction reverted")

// WaitForReceipt polls for a receipt until it has the requested number of
// confirmations. Polling is bounded by maxPolls; the wait never blocks
// forever.
func (c *Client) WaitForReceipt(ctx context.Context, txHash common.Hash, confirmations uint64, maxPolls int) (*types.Receipt, error) {
	for poll := 0; poll < maxPolls; poll++ {
		if poll > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.pollInterval):
			}
		}

		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		if err != nil || receipt == nil {
			// Not mined yet.
			continue
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			return receipt, ErrTxReverted
		}

		head, err := c.backend.BlockNumber(ctx)
		if err != nil {
			continue
		}
		mined := receipt.BlockNumber.Uint64()
		if head >= mined && head-mined+1 >= confirmations {
			return receipt, nil
		}
	}
	return nil, ErrReceiptTimeout
}
