package interaction

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"github.com/perknet/settlement-node/contracts"
	"github.com/perknet/settlement-node/pending"
	"github.com/perknet/settlement-node/store"
)

const defaultExecutionClaimLimit = 200

// InteractionSigner produces validation signatures and submits the batched
// delegator transaction.
type InteractionSigner interface {
	SignInteraction(ctx context.Context, productID *big.Int, user common.Address, facetData []byte, interactionContract common.Address) ([]byte, error)
	PushPreparedInteractions(ctx context.Context, batch []contracts.Delegation) (common.Hash, error)
}

// ExecutionWorker claims simulated interactions, signs and packs each one,
// pushes the whole claim as a single delegator transaction and moves the
// settled rows to history.
type ExecutionWorker struct {
	queue      *pending.Store
	diamonds   DiamondResolver
	signer     InteractionSigner
	claimLimit int
	logger     zerolog.Logger
}

func NewExecutionWorker(queue *pending.Store, diamonds DiamondResolver, signer InteractionSigner, logger zerolog.Logger) *ExecutionWorker {
	return &ExecutionWorker{
		queue:      queue,
		diamonds:   diamonds,
		signer:     signer,
		claimLimit: defaultExecutionClaimLimit,
		logger:     logger.With().Str("component", "execution_worker").Logger(),
	}
}

// WithClaimLimit overrides the per-run claim size.
func (w *ExecutionWorker) WithClaimLimit(limit int) *ExecutionWorker {
	if limit > 0 {
		w.claimLimit = limit
	}
	return w
}

func (w *ExecutionWorker) Name() string {
	return "interaction_execution"
}

func (w *ExecutionWorker) Run(ctx context.Context) error {
	statuses := []store.InteractionStatus{
		store.InteractionStatusSucceeded,
		store.InteractionStatusExecutionFailed,
	}
	rows, err := w.queue.GetAndLock(ctx, statuses, w.claimLimit, nil)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	// Settled rows are deleted by MoveToHistory, so unlocking them is a
	// no-op; if the history move fails they are withheld from the unlock so
	// the lease keeps them out of the next claim.
	unlockable := rows
	defer func() {
		if err := w.queue.Unlock(ctx, unlockable); err != nil {
			w.logger.Error().Err(err).Msg("failed to unlock claimed interactions")
		}
	}()

	var (
		drops    []store.PendingInteraction
		batch    []contracts.Delegation
		settled  []pending.Settled
		prepared []store.PendingInteraction
	)
	for i := range rows {
		row := rows[i]

		productID, err := parseProductID(row.ProductID)
		if err != nil {
			w.logger.Warn().Err(err).Uint("interaction_id", row.ID).Msg("dropping unparseable interaction")
			drops = append(drops, row)
			continue
		}
		denominator, err := parseTypeDenominator(row.TypeDenominator)
		if err != nil {
			w.logger.Warn().Err(err).Uint("interaction_id", row.ID).Msg("dropping unparseable interaction")
			drops = append(drops, row)
			continue
		}
		facetData, err := parseHexData(row.InteractionData)
		if err != nil {
			w.logger.Warn().Err(err).Uint("interaction_id", row.ID).Msg("dropping unparseable interaction")
			drops = append(drops, row)
			continue
		}

		diamond, err := w.diamonds.Resolve(ctx, productID)
		if err != nil {
			w.logger.Warn().Err(err).Str("product_id", row.ProductID).Msg("diamond resolution failed, leaving row for next run")
			continue
		}
		if diamond == (common.Address{}) {
			w.logger.Warn().Str("product_id", row.ProductID).Uint("interaction_id", row.ID).Msg("dropping interaction for product without diamond")
			drops = append(drops, row)
			continue
		}

		signature, err := w.signatureFor(ctx, &row, productID, facetData, diamond)
		if err != nil || signature == nil {
			if err != nil {
				w.logger.Warn().Err(err).Uint("interaction_id", row.ID).Msg("signature generation failed")
			}
			if err := w.queue.ScheduleRetry(ctx, &row, "failed to generate signature"); err != nil {
				w.logger.Error().Err(err).Uint("interaction_id", row.ID).Msg("failed to schedule retry")
			}
			continue
		}

		packed, err := contracts.PackInteraction(denominator, facetData, signature)
		if err != nil {
			w.logger.Warn().Err(err).Uint("interaction_id", row.ID).Msg("dropping unpackable interaction")
			drops = append(drops, row)
			continue
		}

		batch = append(batch, contracts.Delegation{
			Wallet: common.HexToAddress(row.Wallet),
			Interaction: contracts.DelegationInteraction{
				ProductId: productID,
				Data:      packed,
			},
		})
		settled = append(settled, pending.Settled{Row: row, Signature: hexutil.Encode(signature)})
		prepared = append(prepared, row)
	}

	if len(drops) > 0 {
		if err := w.queue.Drop(ctx, drops); err != nil {
			w.logger.Error().Err(err).Msg("failed to drop dead interactions")
		}
	}
	if len(batch) == 0 {
		return nil
	}

	txHash, err := w.signer.PushPreparedInteractions(ctx, batch)
	if err != nil || txHash == (common.Hash{}) {
		if err != nil {
			w.logger.Error().Err(err).Msg("failed to push interaction batch")
		}
		for i := range prepared {
			if err := w.queue.ScheduleRetry(ctx, &prepared[i], "failed to push interactions"); err != nil {
				w.logger.Error().Err(err).Uint("interaction_id", prepared[i].ID).Msg("failed to schedule retry")
			}
		}
		return nil
	}

	if err := w.queue.MoveToHistory(ctx, settled, txHash.Hex()); err != nil {
		// The transaction is on chain but the queue still holds the rows.
		// Keep their leases so they cannot be claimed and pushed twice.
		unlockable = withoutRows(rows, prepared)
		w.logger.Error().Err(err).
			Str("tx_hash", txHash.Hex()).
			Int("settled", len(settled)).
			Msg("critical: pushed interactions not moved to history, rows left leased")
		return err
	}

	w.logger.Info().
		Int("settled", len(settled)).
		Str("tx_hash", txHash.Hex()).
		Msg("pushed interaction batch")
	return nil
}

// signatureFor returns the stored signature when the row carries one,
// otherwise asks the signing authority for a fresh one. A nil signature
// without error means the product signer lacks the validator role.
func (w *ExecutionWorker) signatureFor(ctx context.Context, row *store.PendingInteraction, productID *big.Int, facetData []byte, diamond common.Address) ([]byte, error) {
	if row.Signature != nil {
		if sig, err := parseHexData(*row.Signature); err == nil {
			return sig, nil
		}
		w.logger.Warn().Uint("interaction_id", row.ID).Msg("stored signature unparseable, regenerating")
	}
	return w.signer.SignInteraction(ctx, productID, common.HexToAddress(row.Wallet), facetData, diamond)
}

func withoutRows(rows, excluded []store.PendingInteraction) []store.PendingInteraction {
	skip := make(map[uint]struct{}, len(excluded))
	for _, row := range excluded {
		skip[row.ID] = struct{}{}
	}
	kept := make([]store.PendingInteraction, 0, len(rows))
	for _, row := range rows {
		if _, ok := skip[row.ID]; ok {
			continue
		}
		kept = append(kept, row)
	}
	return kept
}
