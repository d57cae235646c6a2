package oracle

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/perknet/settlement-node/contracts"
	"github.com/perknet/settlement-node/merkle"
)

// ChainBackend is the chain surface the update worker needs to read and
// push merkle roots.
type ChainBackend interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error)
	SubmitTransaction(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, data []byte, gasLimit uint64) (common.Hash, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash, confirmations uint64, maxPolls int) (*types.Receipt, error)
}

// UpdateWorkerConfig tunes update selection and on-chain confirmation.
type UpdateWorkerConfig struct {
	// PendingThreshold triggers an update once this many leaves await
	// commitment under one oracle.
	PendingThreshold int
	// MaxPendingAge triggers an update once the oldest pending leaf is this
	// old, regardless of count.
	MaxPendingAge time.Duration
	// Confirmations and MaxPolls bound the receipt wait after a root push.
	Confirmations uint64
	MaxPolls      int
}

// UpdateWorker is the oracle update job: it commits missing purchase leaves,
// rebuilds the affected trees and pushes changed roots on chain. Leaves are
// always committed before any root is trusted, so a proof can never be served
// against a root that predates its leaf.
type UpdateWorker struct {
	store      *Store
	trees      *merkle.Cache
	backend    ChainBackend
	oracleAddr common.Address
	updaterKey *ecdsa.PrivateKey
	cfg        UpdateWorkerConfig
	logger     zerolog.Logger
}

func NewUpdateWorker(store *Store, trees *merkle.Cache, backend ChainBackend, oracleAddr common.Address, updaterKey *ecdsa.PrivateKey, cfg UpdateWorkerConfig, logger zerolog.Logger) *UpdateWorker {
	return &UpdateWorker{
		store:      store,
		trees:      trees,
		backend:    backend,
		oracleAddr: oracleAddr,
		updaterKey: updaterKey,
		cfg:        cfg,
		logger:     logger.With().Str("component", "oracle_update_worker").Logger(),
	}
}

func (w *UpdateWorker) Name() string { return "oracle_update" }

// Run performs one full update pass. Per-product sync failures are logged
// and leave the oracle unsynced; the next pass retries them.
func (w *UpdateWorker) Run(ctx context.Context) error {
	oracleIDs, err := w.store.OracleIDsNeedingUpdate(ctx, w.cfg.PendingThreshold, w.cfg.MaxPendingAge)
	if err != nil {
		return err
	}

	var touched []uint
	if len(oracleIDs) > 0 {
		touched, err = w.store.ComputeMissingLeaves(ctx, oracleIDs)
		if err != nil {
			return err
		}
	}

	productIDs, err := w.store.ProductIDsForOracles(ctx, touched)
	if err != nil {
		return err
	}
	if len(productIDs) > 0 {
		w.trees.InvalidateProductTrees(productIDs)
	}

	// Products flagged unsynced by an earlier failed push get retried even
	// when no new leaf arrived.
	unsynced, err := w.store.UnsyncedProductIDs(ctx)
	if err != nil {
		return err
	}
	pending := make(map[string]struct{}, len(productIDs)+len(unsynced))
	for _, id := range productIDs {
		pending[id] = struct{}{}
	}
	for _, id := range unsynced {
		pending[id] = struct{}{}
	}
	if len(pending) == 0 {
		w.logger.Debug().Msg("no oracle needs a root update")
		return nil
	}

	for productID := range pending {
		if err := w.syncProduct(ctx, productID); err != nil {
			w.logger.Error().Err(err).
				Str("product_id", productID).
				Msg("failed to sync merkle root on chain")
		}
	}
	return nil
}

// syncProduct recomputes one product's root, persists it unsynced, then
// reconciles it with the chain.
func (w *UpdateWorker) syncProduct(ctx context.Context, productID string) error {
	root, err := w.trees.GetMerkleRoot(ctx, productID)
	if err != nil {
		return err
	}
	if err := w.store.SetRoot(ctx, productID, root.Hex()); err != nil {
		return err
	}

	productNum := new(big.Int).SetBytes(common.FromHex(productID))
	current, err := w.currentRoot(ctx, productNum)
	if err != nil {
		return err
	}
	if current == root {
		w.logger.Debug().
			Str("product_id", productID).
			Msg("on-chain merkle root already up to date")
		return w.store.MarkSynced(ctx, productID, nil)
	}

	data, err := contracts.EncodeUpdateMerkleRoot(productNum, root)
	if err != nil {
		return err
	}
	// The estimate doubles as a dry run; a revert surfaces here before any
	// transaction is sent.
	gas, err := w.backend.EstimateGas(ctx, crypto.PubkeyToAddress(w.updaterKey.PublicKey), w.oracleAddr, data)
	if err != nil {
		return errors.Wrap(err, "root update dry run failed")
	}

	txHash, err := w.backend.SubmitTransaction(ctx, w.updaterKey, w.oracleAddr, data, gas)
	if err != nil {
		return err
	}
	if _, err := w.backend.WaitForReceipt(ctx, txHash, w.cfg.Confirmations, w.cfg.MaxPolls); err != nil {
		return errors.Wrap(err, "root update not confirmed")
	}

	w.logger.Info().
		Str("product_id", productID).
		Str("root", root.Hex()).
		Str("tx_hash", txHash.Hex()).
		Msg("merkle root update finalised")
	hash := txHash.Hex()
	return w.store.MarkSynced(ctx, productID, &hash)
}

func (w *UpdateWorker) currentRoot(ctx context.Context, productID *big.Int) (common.Hash, error) {
	data, err := contracts.EncodeGetMerkleRoot(productID)
	if err != nil {
		return common.Hash{}, err
	}
	out, err := w.backend.Call(ctx, w.oracleAddr, data)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to read on-chain merkle root")
	}
	return contracts.DecodeBytes32(out)
}
