package interaction

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/perknet/settlement-node/contracts"
	"github.com/perknet/settlement-node/pending"
	"github.com/perknet/settlement-node/store"
)

const (
	simulationClaimLimit = 200

	// A claim is skipped while the backlog is this small and every row is
	// younger than the grace period, so single interactions coalesce into
	// batches instead of each triggering a run.
	simulationBatchFloor  = 2
	simulationGracePeriod = time.Minute
)

// DryRunner executes a read-only call impersonating an arbitrary sender.
type DryRunner interface {
	CallFrom(ctx context.Context, from, to common.Address, data []byte) ([]byte, error)
}

// SessionChecker answers whether a wallet currently holds a valid
// interaction session.
type SessionChecker interface {
	IsSessionValid(ctx context.Context, wallet common.Address) bool
}

// DiamondResolver maps a product to its interaction diamond. A zero address
// means the product has no diamond; an error means the lookup itself failed
// and nothing is known about the product.
type DiamondResolver interface {
	Resolve(ctx context.Context, productID *big.Int) (common.Address, error)
}

// Nudger requests an out-of-schedule run of another worker.
type Nudger interface {
	Nudge()
}

// SimulationWorker claims pending interactions, checks each wallet's session
// and dry-runs the facet call against the product diamond, then records the
// verdicts in one batch.
type SimulationWorker struct {
	queue    *pending.Store
	sessions SessionChecker
	diamonds DiamondResolver
	backend  DryRunner
	executor Nudger
	now      func() time.Time
	logger   zerolog.Logger
}

func NewSimulationWorker(queue *pending.Store, sessions SessionChecker, diamonds DiamondResolver, backend DryRunner, logger zerolog.Logger) *SimulationWorker {
	return &SimulationWorker{
		queue:    queue,
		sessions: sessions,
		diamonds: diamonds,
		backend:  backend,
		now:      time.Now,
		logger:   logger.With().Str("component", "simulation_worker").Logger(),
	}
}

// WithExecutorNudge wires the execution worker so a run with successful
// simulations triggers settlement without waiting for the next tick.
func (w *SimulationWorker) WithExecutorNudge(executor Nudger) *SimulationWorker {
	w.executor = executor
	return w
}

// WithClock overrides the time source, for tests.
func (w *SimulationWorker) WithClock(clock func() time.Time) *SimulationWorker {
	w.now = clock
	return w
}

func (w *SimulationWorker) Name() string {
	return "interaction_simulation"
}

func (w *SimulationWorker) Run(ctx context.Context) error {
	rows, err := w.queue.GetAndLock(ctx, []store.InteractionStatus{store.InteractionStatusPending}, simulationClaimLimit, w.skipBatch)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	defer func() {
		if err := w.queue.Unlock(ctx, rows); err != nil {
			w.logger.Error().Err(err).Msg("failed to unlock simulated interactions")
		}
	}()

	// One session lookup per distinct wallet covers every row of the claim.
	sessions := make(map[string]bool)
	for _, row := range rows {
		if _, ok := sessions[row.Wallet]; ok {
			continue
		}
		sessions[row.Wallet] = w.sessions.IsSessionValid(ctx, common.HexToAddress(row.Wallet))
	}

	transitions := make(map[uint]store.InteractionStatus, len(rows))
	succeeded := 0
	for _, row := range rows {
		if !sessions[row.Wallet] {
			transitions[row.ID] = store.InteractionStatusNoSession
			continue
		}
		status, err := w.simulate(ctx, row)
		if err != nil {
			// Infrastructure trouble, not a verdict. The row stays pending
			// and is claimed again on a later run.
			w.logger.Warn().Err(err).Uint("interaction_id", row.ID).Msg("simulation unavailable, leaving row for next run")
			continue
		}
		transitions[row.ID] = status
		if status == store.InteractionStatusSucceeded {
			succeeded++
		}
	}

	if err := w.queue.MarkStatuses(ctx, transitions); err != nil {
		return err
	}

	w.logger.Info().
		Int("claimed", len(rows)).
		Int("succeeded", succeeded).
		Int("wallets", len(sessions)).
		Msg("simulated pending interactions")

	if succeeded > 0 && w.executor != nil {
		w.executor.Nudge()
	}
	return nil
}

// skipBatch implements the claim predicate: too few rows and all of them
// fresh means the run yields without locking anything.
func (w *SimulationWorker) skipBatch(rows []store.PendingInteraction) bool {
	if len(rows) >= simulationBatchFloor {
		return false
	}
	cutoff := w.now().Add(-simulationGracePeriod)
	for _, row := range rows {
		if row.CreatedAt.Before(cutoff) {
			return false
		}
	}
	return true
}

// simulate returns the verdict for one row. A non-nil error means no verdict
// could be reached (resolution failed), as opposed to a failed simulation.
func (w *SimulationWorker) simulate(ctx context.Context, row store.PendingInteraction) (store.InteractionStatus, error) {
	productID, err := parseProductID(row.ProductID)
	if err != nil {
		w.logger.Warn().Err(err).Uint("interaction_id", row.ID).Msg("unparseable interaction row")
		return store.InteractionStatusFailed, nil
	}
	denominator, err := parseTypeDenominator(row.TypeDenominator)
	if err != nil {
		w.logger.Warn().Err(err).Uint("interaction_id", row.ID).Msg("unparseable interaction row")
		return store.InteractionStatusFailed, nil
	}
	facetData, err := parseHexData(row.InteractionData)
	if err != nil {
		w.logger.Warn().Err(err).Uint("interaction_id", row.ID).Msg("unparseable interaction row")
		return store.InteractionStatusFailed, nil
	}

	diamond, err := w.diamonds.Resolve(ctx, productID)
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve interaction contract")
	}
	if diamond == (common.Address{}) {
		return store.InteractionStatusFailed, nil
	}

	data, err := contracts.EncodeDelegateToFacet(denominator, facetData)
	if err != nil {
		w.logger.Warn().Err(err).Uint("interaction_id", row.ID).Msg("failed to encode dry run")
		return store.InteractionStatusFailed, nil
	}
	if _, err := w.backend.CallFrom(ctx, common.HexToAddress(row.Wallet), diamond, data); err != nil {
		w.logger.Debug().Err(err).Uint("interaction_id", row.ID).Msg("interaction dry run reverted")
		return store.InteractionStatusFailed, nil
	}
	return store.InteractionStatusSucceeded, nil
}
