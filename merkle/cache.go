package merkle

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// LeafSource loads the current raw leaves for a product. Implemented by the
// oracle store (all non-null purchase leaves under the product's oracle).
type LeafSource interface {
	LeavesForProduct(ctx context.Context, productID string) ([][]byte, error)
}

// Cache builds and caches one tree per product. Entries have no TTL:
// correctness depends solely on explicit invalidation after any leaf change,
// which the oracle update worker performs before recomputing roots.
type Cache struct {
	mu     sync.RWMutex
	trees  map[string]*Tree
	source LeafSource
	logger zerolog.Logger
}

// NewCache creates an empty tree cache over the given leaf source.
func NewCache(source LeafSource, logger zerolog.Logger) *Cache {
	return &Cache{
		trees:  make(map[string]*Tree),
		source: source,
		logger: logger.With().Str("component", "merkle_cache").Logger(),
	}
}

// Proof bundles a membership proof with the leaf it proves.
type Proof struct {
	Leaf  []byte
	Path  []common.Hash
	Root  common.Hash
}

// GetMerkleRoot returns the root for a product, building the tree on first
// access after an invalidation.
func (c *Cache) GetMerkleRoot(ctx context.Context, productID string) (common.Hash, error) {
	tree, err := c.treeFor(ctx, productID)
	if err != nil {
		return common.Hash{}, err
	}
	return tree.Root(), nil
}

// GetMerkleProof returns the proof for a raw leaf under a product's tree, or
// nil when the leaf is not committed.
func (c *Cache) GetMerkleProof(ctx context.Context, productID string, leaf []byte) (*Proof, error) {
	tree, err := c.treeFor(ctx, productID)
	if err != nil {
		return nil, err
	}
	path, ok := tree.Proof(leaf)
	if !ok {
		return nil, nil
	}
	return &Proof{Leaf: leaf, Path: path, Root: tree.Root()}, nil
}

// InvalidateProductTrees evicts the cached trees for the given products. The
// next access rebuilds from current leaves.
func (c *Cache) InvalidateProductTrees(productIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range productIDs {
		delete(c.trees, id)
	}
	c.logger.Debug().Int("products", len(productIDs)).Msg("invalidated product trees")
}

func (c *Cache) treeFor(ctx context.Context, productID string) (*Tree, error) {
	c.mu.RLock()
	tree, ok := c.trees[productID]
	c.mu.RUnlock()
	if ok {
		return tree, nil
	}

	leaves, err := c.source.LeavesForProduct(ctx, productID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load leaves for product %s", productID)
	}
	tree = NewTree(leaves)

	c.mu.Lock()
	// Another goroutine may have rebuilt concurrently; last write wins, both
	// were built from current leaves.
	c.trees[productID] = tree
	c.mu.Unlock()

	c.logger.Debug().Str("product", productID).Int("leaves", tree.Len()).Msg("built merkle tree")
	return tree, nil
}
