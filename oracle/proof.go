package oracle

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/perknet/settlement-node/merkle"
	"github.com/perknet/settlement-node/store"
)

// Selector identifies the purchase a proof is requested for, either by the
// derived oracle purchase id or by the external references a frontend holds.
type Selector struct {
	ProductID  string
	PurchaseID string
	Token      string
	ExternalID string
}

// Result is the outcome of a proof request. The set of outcomes is closed:
// the concrete types below are the only implementations.
type Result interface {
	// Status is the wire tag of the outcome.
	Status() string
	proofResult()
}

// PurchaseNotFound: no purchase row matches the selector.
type PurchaseNotFound struct{}

// PurchaseNotProcessed: the purchase exists but its leaf has not been
// committed yet.
type PurchaseNotProcessed struct {
	Purchase *store.Purchase
}

// OracleNotSynced: the leaf exists but the on-chain root lags the database.
type OracleNotSynced struct {
	Purchase *store.Purchase
	Oracle   *store.ProductOracle
}

// NoProofFound: the current tree does not contain the purchase's leaf.
type NoProofFound struct{}

// Found carries the membership proof and its context.
type Found struct {
	Proof    *merkle.Proof
	Purchase *store.Purchase
	Oracle   *store.ProductOracle
}

func (PurchaseNotFound) Status() string     { return "purchase-not-found" }
func (PurchaseNotProcessed) Status() string { return "purchase-not-processed" }
func (OracleNotSynced) Status() string      { return "oracle-not-synced" }
func (NoProofFound) Status() string         { return "no-proof-found" }
func (Found) Status() string                { return "success" }

func (PurchaseNotFound) proofResult()     {}
func (PurchaseNotProcessed) proofResult() {}
func (OracleNotSynced) proofResult()      {}
func (NoProofFound) proofResult()         {}
func (Found) proofResult()                {}

// ProofService answers purchase membership proof requests from the cached
// per-product trees.
type ProofService struct {
	store  *Store
	trees  *merkle.Cache
	logger zerolog.Logger
}

func NewProofService(store *Store, trees *merkle.Cache, logger zerolog.Logger) *ProofService {
	return &ProofService{
		store:  store,
		trees:  trees,
		logger: logger.With().Str("component", "proof_service").Logger(),
	}
}

// GetPurchaseProof resolves the selector and walks the proof preconditions
// in order: purchase known, leaf committed, oracle synced, leaf present in
// the current tree.
func (p *ProofService) GetPurchaseProof(ctx context.Context, sel Selector) (Result, error) {
	purchase, err := p.findPurchase(ctx, sel)
	if err != nil {
		return nil, err
	}
	if purchase == nil {
		return PurchaseNotFound{}, nil
	}
	if purchase.Leaf == nil {
		return PurchaseNotProcessed{Purchase: purchase}, nil
	}

	oracle, err := p.store.OracleByID(ctx, purchase.OracleID)
	if err != nil {
		return nil, err
	}
	if oracle == nil {
		return PurchaseNotFound{}, nil
	}
	if !oracle.Synced {
		return OracleNotSynced{Purchase: purchase, Oracle: oracle}, nil
	}

	proof, err := p.trees.GetMerkleProof(ctx, oracle.ProductID, purchase.Leaf)
	if err != nil {
		return nil, err
	}
	if proof == nil {
		return NoProofFound{}, nil
	}
	return Found{Proof: proof, Purchase: purchase, Oracle: oracle}, nil
}

func (p *ProofService) findPurchase(ctx context.Context, sel Selector) (*store.Purchase, error) {
	if sel.PurchaseID != "" {
		return p.store.PurchaseByID(ctx, sel.PurchaseID)
	}
	return p.store.PurchaseByExternalRef(ctx, sel.Token, sel.ExternalID)
}
