package interaction

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"github.com/perknet/settlement-node/contracts"
	"github.com/perknet/settlement-node/oracle"
	"github.com/perknet/settlement-node/pending"
	"github.com/perknet/settlement-node/store"
)

const defaultTrackerClaimLimit = 50

// ProofProvider answers purchase membership proof requests.
type ProofProvider interface {
	GetPurchaseProof(ctx context.Context, sel oracle.Selector) (oracle.Result, error)
}

// TrackerBridge turns purchase tracker entries into pending interactions.
// Each run walks the unpushed trackers, asks for a proof by the external
// references the tracker holds, and on success enqueues a completed-purchase
// interaction for the tracked wallet. Trackers whose purchase is not yet
// proven stay unpushed and are retried on later runs.
type TrackerBridge struct {
	trackers   *oracle.Store
	proofs     ProofProvider
	queue      *pending.Store
	sim        Nudger
	claimLimit int
	logger     zerolog.Logger
}

func NewTrackerBridge(trackers *oracle.Store, proofs ProofProvider, queue *pending.Store, logger zerolog.Logger) *TrackerBridge {
	return &TrackerBridge{
		trackers:   trackers,
		proofs:     proofs,
		queue:      queue,
		claimLimit: defaultTrackerClaimLimit,
		logger:     logger.With().Str("component", "tracker_bridge").Logger(),
	}
}

// WithClaimLimit overrides the per-run tracker batch size.
func (b *TrackerBridge) WithClaimLimit(limit int) *TrackerBridge {
	if limit > 0 {
		b.claimLimit = limit
	}
	return b
}

// WithSimulationNudge wires the simulation worker so freshly enqueued
// interactions are picked up without waiting for the next tick.
func (b *TrackerBridge) WithSimulationNudge(sim Nudger) *TrackerBridge {
	b.sim = sim
	return b
}

func (b *TrackerBridge) Name() string {
	return "purchase_tracker"
}

func (b *TrackerBridge) Run(ctx context.Context) error {
	trackers, err := b.trackers.UnpushedTrackers(ctx, b.claimLimit)
	if err != nil {
		return err
	}
	if len(trackers) == 0 {
		return nil
	}

	var inserted int64
	for _, tracker := range trackers {
		result, err := b.proofs.GetPurchaseProof(ctx, oracle.Selector{
			Token:      tracker.Token,
			ExternalID: tracker.ExternalPurchaseID,
		})
		if err != nil {
			b.logger.Warn().Err(err).Uint("tracker_id", tracker.ID).Msg("proof lookup failed")
			continue
		}
		found, ok := result.(oracle.Found)
		if !ok {
			b.logger.Debug().
				Uint("tracker_id", tracker.ID).
				Str("status", result.Status()).
				Msg("purchase not provable yet")
			continue
		}

		data, err := contracts.EncodeCompletedPurchase(
			common.HexToHash(found.Purchase.PurchaseID).Big(),
			found.Proof.Path,
		)
		if err != nil {
			b.logger.Warn().Err(err).Uint("tracker_id", tracker.ID).Msg("failed to encode completed purchase")
			continue
		}

		row := store.PendingInteraction{
			Wallet:          tracker.Wallet,
			ProductID:       found.Oracle.ProductID,
			TypeDenominator: fmt.Sprintf("0x%02x", contracts.ProductTypePurchase),
			InteractionData: hexutil.Encode(data),
			Status:          store.InteractionStatusPending,
		}
		count, err := b.queue.Insert(ctx, []store.PendingInteraction{row})
		if err != nil {
			b.logger.Warn().Err(err).Uint("tracker_id", tracker.ID).Msg("failed to enqueue purchase interaction")
			continue
		}
		inserted += count

		if err := b.trackers.MarkTrackerPushed(ctx, tracker.ID); err != nil {
			b.logger.Error().Err(err).Uint("tracker_id", tracker.ID).Msg("failed to mark tracker pushed")
		}
	}

	if inserted > 0 {
		b.logger.Info().Int64("inserted", inserted).Int("trackers", len(trackers)).Msg("enqueued purchase interactions")
		if b.sim != nil {
			b.sim.Nudge()
		}
	}
	return nil
}
