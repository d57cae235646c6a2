// Package store contains the GORM models persisted by the settlement node.
//
// Tables:
//
//	pending_interactions  durable queue of interactions awaiting settlement
//	pushed_interactions   append-only history of settled interactions
//	product_oracles       per-product purchase oracle configuration + root state
//	purchases             purchase status rows ingested from provider webhooks
//	purchase_items        line items attached to a purchase
//	purchase_trackers     user purchase claims waiting for a merkle proof
package store

import (
	"time"
)

// InteractionStatus is the settlement state of a pending interaction.
type InteractionStatus string

const (
	InteractionStatusPending         InteractionStatus = "pending"
	InteractionStatusNoSession       InteractionStatus = "no_session"
	InteractionStatusFailed          InteractionStatus = "failed"
	InteractionStatusSucceeded       InteractionStatus = "succeeded"
	InteractionStatusExecutionFailed InteractionStatus = "execution_failed"
)

// PendingInteraction is one recorded interaction awaiting simulation and
// batched on-chain settlement. Claims are lease-based: a row with a
// LockedUntil in the future is owned by exactly one worker run; an expired
// lease is reclaimable by any later claim, so a crash mid-run cannot strand
// rows forever.
type PendingInteraction struct {
	ID              uint   `gorm:"primarykey"`
	Wallet          string `gorm:"uniqueIndex:idx_interaction_dedup;not null"` // 0x-prefixed address
	ProductID       string `gorm:"uniqueIndex:idx_interaction_dedup;not null"` // 0x-prefixed uint256
	TypeDenominator string `gorm:"not null"`                                   // handler type denominator, hex
	InteractionData string `gorm:"uniqueIndex:idx_interaction_dedup;not null"` // facet calldata, hex
	Signature       *string
	Status          InteractionStatus `gorm:"index;not null;default:'pending'"`
	LockedUntil     *time.Time        `gorm:"index"` // claim lease expiry, NULL = unclaimed

	// Retry bookkeeping for execution failures.
	RetryCount    int `gorm:"not null;default:0"`
	FailureReason *string
	LastRetryAt   *time.Time
	NextRetryAt   *time.Time `gorm:"index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PushedInteraction is the immutable history copy of a settled interaction.
type PushedInteraction struct {
	ID              uint   `gorm:"primarykey"`
	Wallet          string `gorm:"index;not null"`
	ProductID       string `gorm:"index;not null"`
	TypeDenominator string `gorm:"not null"`
	InteractionData string `gorm:"not null"`
	Signature       string `gorm:"not null"`
	TxHash          string `gorm:"index;not null"`
	CreatedAt       time.Time
}

// OraclePlatform identifies the purchase provider feeding an oracle.
type OraclePlatform string

const (
	OraclePlatformShopify     OraclePlatform = "shopify"
	OraclePlatformWooCommerce OraclePlatform = "woocommerce"
	OraclePlatformCustom      OraclePlatform = "custom"
)

// ProductOracle is the per-product purchase oracle configuration and root
// sync state. Synced=false means the on-chain root may lag the database root.
type ProductOracle struct {
	ID               uint           `gorm:"primarykey"`
	ProductID        string         `gorm:"uniqueIndex;not null"` // 0x-prefixed uint256
	HookSignatureKey string         `gorm:"not null"`             // webhook HMAC secret
	Platform         OraclePlatform `gorm:"not null;default:'custom'"`
	MerkleRoot       *string        // latest database-computed root, hex
	Synced           bool           `gorm:"not null;default:false"`
	LastSyncTxHash   *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PurchaseStatus is the lifecycle state of a purchase.
type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "pending"
	PurchaseStatusConfirmed PurchaseStatus = "confirmed"
	PurchaseStatusCancelled PurchaseStatus = "cancelled"
	PurchaseStatusRefunded  PurchaseStatus = "refunded"
)

// BlockchainStatusCode maps a purchase status to the uint8 committed into the
// merkle leaf.
func (s PurchaseStatus) BlockchainStatusCode() uint8 {
	switch s {
	case PurchaseStatusConfirmed:
		return 1
	case PurchaseStatusCancelled:
		return 2
	case PurchaseStatusRefunded:
		return 3
	default:
		return 0
	}
}

// Purchase is one provider purchase tracked by an oracle. Leaf stays NULL
// until the oracle update worker computes it; any status change nulls it
// again so the next run recomputes the commitment.
type Purchase struct {
	ID                 uint   `gorm:"primarykey"`
	OracleID           uint   `gorm:"index;not null"`
	PurchaseID         string `gorm:"uniqueIndex;not null"` // keccak(productId, externalId), hex
	ExternalID         string `gorm:"index;not null"`
	ExternalCustomerID string `gorm:"not null"`
	PurchaseToken      *string
	TotalPrice         string         `gorm:"not null"` // decimal string as received
	CurrencyCode       string         `gorm:"not null"`
	Status             PurchaseStatus `gorm:"not null;default:'pending'"`
	Leaf               []byte         // packed (purchaseId, statusCode), NULL until computed
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PurchaseItem is one line item of a purchase.
type PurchaseItem struct {
	ID         uint   `gorm:"primarykey"`
	PurchaseID uint   `gorm:"index;not null"` // Purchase.ID
	ExternalID string `gorm:"not null"`
	Name       string `gorm:"not null"`
	Price      string `gorm:"not null"`
	Quantity   int    `gorm:"not null;default:1"`
	CreatedAt  time.Time
}

// PurchaseTracker bridges a user purchase claim to the eventual merkle proof.
// Pushed flips false -> true exactly once, when the derived pending
// interaction has been enqueued.
type PurchaseTracker struct {
	ID                 uint   `gorm:"primarykey"`
	Wallet             string `gorm:"index;not null"`
	ExternalPurchaseID string `gorm:"uniqueIndex:idx_tracker_purchase;not null"`
	ExternalCustomerID string `gorm:"uniqueIndex:idx_tracker_purchase;not null"`
	Token              string `gorm:"index;not null"`
	Pushed             bool   `gorm:"index;not null;default:false"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
