package oracle

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/perknet/settlement-node/db"
	"github.com/perknet/settlement-node/store"
)

// Store is the persistence layer of the purchase oracle: oracle
// configuration, purchase rows, leaf material and proof trackers.
type Store struct {
	database *db.DB
	now      func() time.Time
	logger   zerolog.Logger
}

func NewStore(database *db.DB, logger zerolog.Logger) *Store {
	return &Store{
		database: database,
		now:      time.Now,
		logger:   logger.With().Str("component", "oracle_store").Logger(),
	}
}

// WithClock overrides the time source, for tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.now = clock
	return s
}

// PurchaseIDFor derives the oracle purchase id committed on chain:
// keccak over the product id bytes concatenated with the minimal big-endian
// external order id.
func PurchaseIDFor(productID string, externalID int64) string {
	return common.BytesToHash(crypto.Keccak256(
		common.FromHex(productID),
		big.NewInt(externalID).Bytes(),
	)).Hex()
}

// OracleByProductID returns the oracle configured for a product, or nil when
// the product has none.
func (s *Store) OracleByProductID(ctx context.Context, productID string) (*store.ProductOracle, error) {
	var oracle store.ProductOracle
	err := s.database.Client().WithContext(ctx).
		Where("product_id = ?", productID).
		First(&oracle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load product oracle")
	}
	return &oracle, nil
}

// OracleByID returns an oracle row by primary key, or nil when absent.
func (s *Store) OracleByID(ctx context.Context, id uint) (*store.ProductOracle, error) {
	var oracle store.ProductOracle
	err := s.database.Client().WithContext(ctx).First(&oracle, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load product oracle")
	}
	return &oracle, nil
}

// RegisterOracle creates the oracle row for a product. Used at setup time.
func (s *Store) RegisterOracle(ctx context.Context, oracle *store.ProductOracle) error {
	err := s.database.Client().WithContext(ctx).Create(oracle).Error
	return errors.Wrap(err, "failed to register product oracle")
}

// UpsertPurchase records a provider purchase event. A repeated event for the
// same purchase updates price, currency, token and status; a status change
// nulls the leaf so the update worker recommits it. Line items are replaced
// alongside in the same transaction.
func (s *Store) UpsertPurchase(ctx context.Context, purchase store.Purchase, items []store.PurchaseItem) error {
	err := s.database.Client().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing store.Purchase
		err := tx.Where("purchase_id = ?", purchase.PurchaseID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(&purchase).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			updates := map[string]any{
				"status":      purchase.Status,
				"total_price": purchase.TotalPrice,
				"currency_code": purchase.CurrencyCode,
			}
			if purchase.PurchaseToken != nil {
				updates["purchase_token"] = *purchase.PurchaseToken
			}
			if existing.Status != purchase.Status {
				updates["leaf"] = nil
			}
			if err := tx.Model(&store.Purchase{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
				return err
			}
			purchase.ID = existing.ID
		}

		if len(items) == 0 {
			return nil
		}
		if err := tx.Where("purchase_id = ?", purchase.ID).Delete(&store.PurchaseItem{}).Error; err != nil {
			return err
		}
		for i := range items {
			items[i].PurchaseID = purchase.ID
		}
		return tx.Create(&items).Error
	})
	return errors.Wrap(err, "failed to upsert purchase")
}

// PurchaseByID returns a purchase by its derived oracle purchase id, or nil.
func (s *Store) PurchaseByID(ctx context.Context, purchaseID string) (*store.Purchase, error) {
	var purchase store.Purchase
	err := s.database.Client().WithContext(ctx).
		Where("purchase_id = ?", purchaseID).
		First(&purchase).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load purchase")
	}
	return &purchase, nil
}

// PurchaseByExternalRef returns a purchase matched by provider token or
// external order id, or nil. Trackers carry whichever reference the frontend
// captured, so either one may match.
func (s *Store) PurchaseByExternalRef(ctx context.Context, token, externalID string) (*store.Purchase, error) {
	var purchase store.Purchase
	err := s.database.Client().WithContext(ctx).
		Where("purchase_token = ? OR external_id = ?", token, externalID).
		First(&purchase).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load purchase by external reference")
	}
	return &purchase, nil
}

// LeavesForProduct returns every committed leaf under a product's oracle.
// Implements the merkle cache's leaf source.
func (s *Store) LeavesForProduct(ctx context.Context, productID string) ([][]byte, error) {
	var leaves [][]byte
	err := s.database.Client().WithContext(ctx).
		Model(&store.Purchase{}).
		Joins("JOIN product_oracles ON product_oracles.id = purchases.oracle_id").
		Where("product_oracles.product_id = ? AND purchases.leaf IS NOT NULL", productID).
		Pluck("purchases.leaf", &leaves).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to load product leaves")
	}
	return leaves, nil
}

// ComputeMissingLeaves fills the leaf column for every purchase that lacks
// one, optionally restricted to a set of oracles, in a single transaction.
// The leaf is the packed 32-byte purchase id followed by the status code.
// Returns the distinct oracle ids touched.
func (s *Store) ComputeMissingLeaves(ctx context.Context, filterOracleIDs []uint) ([]uint, error) {
	var pending []store.Purchase
	query := s.database.Client().WithContext(ctx).Where("leaf IS NULL")
	if len(filterOracleIDs) > 0 {
		query = query.Where("oracle_id IN ?", filterOracleIDs)
	}
	if err := query.Find(&pending).Error; err != nil {
		return nil, errors.Wrap(err, "failed to load purchases without leaves")
	}
	if len(pending) == 0 {
		return nil, nil
	}

	touched := make(map[uint]struct{})
	err := s.database.Client().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, purchase := range pending {
			leaf := PackLeaf(purchase.PurchaseID, purchase.Status.BlockchainStatusCode())
			if err := tx.Model(&store.Purchase{}).
				Where("id = ?", purchase.ID).
				Update("leaf", leaf).Error; err != nil {
				return err
			}
			touched[purchase.OracleID] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to persist computed leaves")
	}

	ids := make([]uint, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	s.logger.Debug().
		Int("leaves", len(pending)).
		Int("oracles", len(ids)).
		Msg("computed missing purchase leaves")
	return ids, nil
}

// PackLeaf builds the raw merkle leaf for a purchase: the 32-byte purchase id
// immediately followed by the one-byte status code.
func PackLeaf(purchaseID string, statusCode uint8) []byte {
	leaf := make([]byte, 0, 33)
	leaf = append(leaf, common.HexToHash(purchaseID).Bytes()...)
	return append(leaf, statusCode)
}

// ProductIDsForOracles resolves oracle primary keys to product ids.
func (s *Store) ProductIDsForOracles(ctx context.Context, oracleIDs []uint) ([]string, error) {
	if len(oracleIDs) == 0 {
		return nil, nil
	}
	var productIDs []string
	err := s.database.Client().WithContext(ctx).
		Model(&store.ProductOracle{}).
		Where("id IN ?", oracleIDs).
		Pluck("product_id", &productIDs).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve oracle product ids")
	}
	return productIDs, nil
}

// UnsyncedProductIDs returns products whose stored root has not been
// confirmed on chain yet.
func (s *Store) UnsyncedProductIDs(ctx context.Context) ([]string, error) {
	var productIDs []string
	err := s.database.Client().WithContext(ctx).
		Model(&store.ProductOracle{}).
		Where("synced = ?", false).
		Pluck("product_id", &productIDs).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to load unsynced products")
	}
	return productIDs, nil
}

// SetRoot persists a freshly computed root and flags the oracle unsynced
// until the chain confirms it.
func (s *Store) SetRoot(ctx context.Context, productID, root string) error {
	err := s.database.Client().WithContext(ctx).
		Model(&store.ProductOracle{}).
		Where("product_id = ?", productID).
		Updates(map[string]any{"merkle_root": root, "synced": false}).Error
	return errors.Wrap(err, "failed to persist merkle root")
}

// MarkSynced records that the on-chain root matches the stored one. The tx
// hash is nil when no transaction was needed.
func (s *Store) MarkSynced(ctx context.Context, productID string, txHash *string) error {
	updates := map[string]any{"synced": true}
	if txHash != nil {
		updates["last_sync_tx_hash"] = *txHash
	}
	err := s.database.Client().WithContext(ctx).
		Model(&store.ProductOracle{}).
		Where("product_id = ?", productID).
		Updates(updates).Error
	return errors.Wrap(err, "failed to mark oracle synced")
}

// OracleIDsNeedingUpdate selects the oracles worth pushing a new root for:
// any oracle with an unpushed tracker whose purchase leaf is still missing
// (a user is actively waiting for a proof), then any oracle whose pending
// leaf count reaches the threshold or whose oldest pending leaf exceeds the
// max age.
func (s *Store) OracleIDsNeedingUpdate(ctx context.Context, threshold int, maxAge time.Duration) ([]uint, error) {
	client := s.database.Client().WithContext(ctx)

	var trackerOracles []uint
	err := client.
		Model(&store.PurchaseTracker{}).
		Distinct().
		Joins("JOIN purchases ON purchases.external_id = purchase_trackers.external_purchase_id"+
			" AND purchases.external_customer_id = purchase_trackers.external_customer_id").
		Where("purchase_trackers.pushed = ? AND purchases.leaf IS NULL", false).
		Pluck("purchases.oracle_id", &trackerOracles).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to find oracles with waiting trackers")
	}

	selected := make(map[uint]struct{}, len(trackerOracles))
	for _, id := range trackerOracles {
		selected[id] = struct{}{}
	}

	type pendingStats struct {
		OracleID      uint
		PendingCount  int
		OldestPending time.Time
	}
	var stats []pendingStats
	err = client.
		Model(&store.Purchase{}).
		Select("oracle_id, COUNT(*) AS pending_count, MIN(updated_at) AS oldest_pending").
		Where("leaf IS NULL").
		Group("oracle_id").
		Scan(&stats).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to load pending leaf stats")
	}

	now := s.now()
	for _, st := range stats {
		if _, ok := selected[st.OracleID]; ok {
			continue
		}
		if st.PendingCount >= threshold || now.Sub(st.OldestPending) >= maxAge {
			selected[st.OracleID] = struct{}{}
		}
	}

	ids := make([]uint, 0, len(selected))
	for id := range selected {
		ids = append(ids, id)
	}
	return ids, nil
}

// UnpushedTrackers returns up to limit trackers still waiting for their
// derived interaction.
func (s *Store) UnpushedTrackers(ctx context.Context, limit int) ([]store.PurchaseTracker, error) {
	var trackers []store.PurchaseTracker
	err := s.database.Client().WithContext(ctx).
		Where("pushed = ?", false).
		Order("created_at ASC").
		Limit(limit).
		Find(&trackers).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to load unpushed trackers")
	}
	return trackers, nil
}

// InsertTracker records a user purchase claim, ignoring duplicates of the
// (external purchase, external customer) pair.
func (s *Store) InsertTracker(ctx context.Context, tracker *store.PurchaseTracker) error {
	err := s.database.Client().WithContext(ctx).
		Where("external_purchase_id = ? AND external_customer_id = ?",
			tracker.ExternalPurchaseID, tracker.ExternalCustomerID).
		FirstOrCreate(tracker).Error
	return errors.Wrap(err, "failed to insert purchase tracker")
}

// MarkTrackerPushed flips a tracker once its interaction is enqueued.
func (s *Store) MarkTrackerPushed(ctx context.Context, trackerID uint) error {
	err := s.database.Client().WithContext(ctx).
		Model(&store.PurchaseTracker{}).
		Where("id = ?", trackerID).
		Update("pushed", true).Error
	return errors.Wrap(err, "failed to mark tracker pushed")
}
