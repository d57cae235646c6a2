// Package pending is the durable queue of not-yet-settled interactions.
//
// Claims are lease-based: GetAndLock stamps a LockedUntil expiry inside one
// database transaction, so concurrent worker runs can never claim the same
// row, and a worker that dies mid-run leaves rows that become reclaimable
// once the lease expires.
package pending

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/perknet/settlement-node/db"
	"github.com/perknet/settlement-node/store"
)

// SkipFunc inspects the candidate rows before any lock is taken; returning
// true aborts the claim (used for batching heuristics).
type SkipFunc func([]store.PendingInteraction) bool

// Clock lets tests control lease arithmetic.
type Clock func() time.Time

// Store wraps queue access for the workers.
type Store struct {
	database *db.DB
	lease    time.Duration
	now      Clock
	logger   zerolog.Logger
}

// NewStore creates the queue store. lease is the claim duration handed out
// by GetAndLock.
func NewStore(database *db.DB, lease time.Duration, logger zerolog.Logger) *Store {
	return &Store{
		database: database,
		lease:    lease,
		now:      time.Now,
		logger:   logger.With().Str("component", "pending_store").Logger(),
	}
}

// WithClock overrides the time source. Test hook.
func (s *Store) WithClock(clock Clock) *Store {
	s.now = clock
	return s
}

// GetAndLock claims up to limit rows in the given statuses inside one
// transaction. Rows already under an unexpired lease are skipped, as are
// execution_failed rows whose retry is not yet due. When skip returns true
// nothing is locked and no rows are returned.
func (s *Store) GetAndLock(ctx context.Context, statuses []store.InteractionStatus, limit int, skip SkipFunc) ([]store.PendingInteraction, error) {
	now := s.now()
	var claimed []store.PendingInteraction

	err := s.database.Client().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&store.PendingInteraction{}).
			Where("status IN ?", statuses).
			Where("locked_until IS NULL OR locked_until <= ?", now).
			Where("status <> ? OR next_retry_at IS NULL OR next_retry_at <= ?",
				store.InteractionStatusExecutionFailed, now).
			Order("created_at ASC").
			Limit(limit)
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var candidates []store.PendingInteraction
		if err := q.Find(&candidates).Error; err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}
		if skip != nil && skip(candidates) {
			return nil
		}

		ids := rowIDs(candidates)
		lockedUntil := now.Add(s.lease)
		if err := tx.Model(&store.PendingInteraction{}).
			Where("id IN ?", ids).
			Update("locked_until", lockedUntil).Error; err != nil {
			return err
		}

		for i := range candidates {
			until := lockedUntil
			candidates[i].LockedUntil = &until
		}
		claimed = candidates
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim pending interactions")
	}

	if len(claimed) > 0 {
		s.logger.Debug().Int("claimed", len(claimed)).Msg("claimed pending interactions")
	}
	return claimed, nil
}

// Unlock releases the leases on rows unconditionally. Callers defer this so
// a failed run never strands claims.
func (s *Store) Unlock(ctx context.Context, rows []store.PendingInteraction) error {
	if len(rows) == 0 {
		return nil
	}
	err := s.database.Client().WithContext(ctx).
		Model(&store.PendingInteraction{}).
		Where("id IN ?", rowIDs(rows)).
		Update("locked_until", nil).Error
	return errors.Wrap(err, "failed to unlock interactions")
}

// MarkStatuses applies a batch of status transitions in one transaction.
func (s *Store) MarkStatuses(ctx context.Context, transitions map[uint]store.InteractionStatus) error {
	if len(transitions) == 0 {
		return nil
	}
	err := s.database.Client().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for id, status := range transitions {
			if err := tx.Model(&store.PendingInteraction{}).
				Where("id = ?", id).
				Update("status", status).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "failed to update interaction statuses")
}

// Settled pairs a claimed row with the signature it was executed with.
type Settled struct {
	Row       store.PendingInteraction
	Signature string
}

// MoveToHistory records settled rows in the history table and removes them
// from the queue, atomically. Every history row shares the run's tx hash.
func (s *Store) MoveToHistory(ctx context.Context, settled []Settled, txHash string) error {
	if len(settled) == 0 {
		return nil
	}
	err := s.database.Client().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := make([]uint, 0, len(settled))
		for _, item := range settled {
			pushed := store.PushedInteraction{
				Wallet:          item.Row.Wallet,
				ProductID:       item.Row.ProductID,
				TypeDenominator: item.Row.TypeDenominator,
				InteractionData: item.Row.InteractionData,
				Signature:       item.Signature,
				TxHash:          txHash,
			}
			if err := tx.Create(&pushed).Error; err != nil {
				return err
			}
			ids = append(ids, item.Row.ID)
		}
		return tx.Where("id IN ?", ids).Delete(&store.PendingInteraction{}).Error
	})
	return errors.Wrap(err, "failed to move interactions to history")
}

// ScheduleRetry marks a row execution_failed with an exponential next-retry
// time. The row becomes claimable again once the retry is due.
func (s *Store) ScheduleRetry(ctx context.Context, row *store.PendingInteraction, reason string) error {
	now := s.now()
	retryCount := row.RetryCount + 1
	nextRetry := now.Add(retryDelay(retryCount))

	err := s.database.Client().WithContext(ctx).
		Model(&store.PendingInteraction{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{
			"status":         store.InteractionStatusExecutionFailed,
			"failure_reason": reason,
			"retry_count":    retryCount,
			"last_retry_at":  now,
			"next_retry_at":  nextRetry,
		}).Error
	if err != nil {
		return errors.Wrap(err, "failed to schedule interaction retry")
	}

	s.logger.Debug().
		Uint("interaction_id", row.ID).
		Int("retry_count", retryCount).
		Time("next_retry_at", nextRetry).
		Str("reason", reason).
		Msg("scheduled interaction retry")
	return nil
}

// Drop removes rows that can never be processed (missing contract, missing
// signature material).
func (s *Store) Drop(ctx context.Context, rows []store.PendingInteraction) error {
	if len(rows) == 0 {
		return nil
	}
	err := s.database.Client().WithContext(ctx).
		Where("id IN ?", rowIDs(rows)).
		Delete(&store.PendingInteraction{}).Error
	return errors.Wrap(err, "failed to drop interactions")
}

// Insert enqueues rows, ignoring duplicates of (wallet, product,
// interaction data). Returns the number of rows actually inserted.
func (s *Store) Insert(ctx context.Context, rows []store.PendingInteraction) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	result := s.database.Client().WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows)
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to insert pending interactions")
	}
	return result.RowsAffected, nil
}

// retryDelay doubles per attempt from one minute, capped at an hour.
func retryDelay(retryCount int) time.Duration {
	delay := time.Minute
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= time.Hour {
			return time.Hour
		}
	}
	return delay
}

func rowIDs(rows []store.PendingInteraction) []uint {
	ids := make([]uint, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	return ids
}
