package signer

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/perknet/settlement-node/cache"
	"github.com/perknet/settlement-node/contracts"
)

const diamondCacheTTL = 5 * time.Minute

// Caller is the read-only chain surface the resolver needs.
type Caller interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Resolver maps product ids to their interaction diamond contract through the
// product manager, with a short-lived cache. Products without a deployed
// interaction contract resolve to the zero address, and that answer is cached
// too so broken rows do not hammer the RPC. Lookup failures are returned as
// errors and never cached, RPC trouble must stay distinguishable from a
// product that has no diamond.
type Resolver struct {
	caller   Caller
	manager  common.Address
	resolved *cache.TTL[string, common.Address]
	logger   zerolog.Logger
}

func NewResolver(caller Caller, manager common.Address, logger zerolog.Logger) *Resolver {
	return &Resolver{
		caller:   caller,
		manager:  manager,
		resolved: cache.NewTTL[string, common.Address](256),
		logger:   logger.With().Str("component", "diamond_resolver").Logger(),
	}
}

// Resolve returns the interaction contract for a product, or the zero address
// when the product has none.
func (r *Resolver) Resolve(ctx context.Context, productID *big.Int) (common.Address, error) {
	key := productID.String()
	if addr, ok := r.resolved.Get(key); ok {
		return addr, nil
	}

	addr, err := r.fetch(ctx, productID)
	if err != nil {
		r.logger.Warn().Err(err).
			Str("product_id", key).
			Msg("interaction contract lookup failed")
		return common.Address{}, errors.Wrap(err, "failed to resolve interaction contract")
	}

	r.resolved.Set(key, addr, diamondCacheTTL)
	return addr, nil
}

func (r *Resolver) fetch(ctx context.Context, productID *big.Int) (common.Address, error) {
	data, err := contracts.EncodeGetInteractionContract(productID)
	if err != nil {
		return common.Address{}, err
	}
	out, err := r.caller.Call(ctx, r.manager, data)
	if err != nil {
		return common.Address{}, err
	}
	return contracts.DecodeAddress(out)
}
