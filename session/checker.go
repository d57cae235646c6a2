package session

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/perknet/settlement-node/cache"
	"github.com/perknet/settlement-node/contracts"
)

const (
	statusCacheTTL     = 15 * time.Minute
	statusCacheMaxSize = 4096
)

// Caller abstracts the read path of the chain client.
type Caller interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Checker answers whether a wallet currently has a delegation session that
// allows our executor to push interactions on its behalf.
type Checker struct {
	caller    Caller
	registry  common.Address
	executor  common.Address
	validator common.Address
	statuses  *cache.TTL[common.Address, bool]
	now       func() time.Time
	logger    zerolog.Logger
}

func NewChecker(caller Caller, registry, executor, validator common.Address, logger zerolog.Logger) *Checker {
	return &Checker{
		caller:    caller,
		registry:  registry,
		executor:  executor,
		validator: validator,
		statuses:  cache.NewTTL[common.Address, bool](statusCacheMaxSize),
		now:       time.Now,
		logger:    logger.With().Str("component", "session_checker").Logger(),
	}
}

// WithClock overrides the time source, for tests.
func (c *Checker) WithClock(clock func() time.Time) *Checker {
	c.now = clock
	c.statuses = c.statuses.WithClock(cache.Clock(clock))
	return c
}

// IsSessionValid reports whether the wallet's delegation session is currently
// open for our executor. Lookup failures are treated as no session; a stale
// answer is worse than a retried one.
func (c *Checker) IsSessionValid(ctx context.Context, wallet common.Address) bool {
	if valid, ok := c.statuses.Get(wallet); ok {
		return valid
	}

	status, err := c.fetchStatus(ctx, wallet)
	if err != nil {
		c.logger.Warn().Err(err).
			Str("wallet", wallet.Hex()).
			Msg("session status lookup failed, treating as invalid")
		return false
	}

	now := c.now()
	valid, remaining := evaluate(status, c.executor, c.validator, now)

	// Cache positive answers only as long as the session actually lasts. A
	// zero TTL would pin the entry forever, so such a verdict is not cached.
	ttl := statusCacheTTL
	if valid && remaining < ttl {
		ttl = remaining
	}
	if ttl > 0 {
		c.statuses.Set(wallet, valid, ttl)
	}

	return valid
}

// Invalidate drops the cached status for a wallet, forcing a fresh lookup.
func (c *Checker) Invalidate(wallet common.Address) {
	c.statuses.Delete(wallet)
}

func (c *Checker) fetchStatus(ctx context.Context, wallet common.Address) (*contracts.SessionStatus, error) {
	data, err := contracts.EncodeGetSessionStatus(wallet)
	if err != nil {
		return nil, err
	}
	out, err := c.caller.Call(ctx, c.registry, data)
	if err != nil {
		return nil, err
	}
	return contracts.DecodeSessionStatus(out)
}

// evaluate checks the on-chain session window and party bindings. It returns
// the verdict and, when valid, how long the session remains open.
func evaluate(status *contracts.SessionStatus, executor, validator common.Address, now time.Time) (bool, time.Duration) {
	if status.ValidUntil == nil || status.ValidUntil.Sign() == 0 {
		return false, 0
	}

	ts := big.NewInt(now.Unix())
	if status.ValidAfter != nil && status.ValidAfter.Cmp(ts) > 0 {
		return false, 0
	}
	// The end of the window is exclusive: a session is closed the second it
	// reaches validUntil.
	if status.ValidUntil.Cmp(ts) <= 0 {
		return false, 0
	}
	if status.Executor != executor || status.Validator != validator {
		return false, 0
	}

	remaining := time.Duration(status.ValidUntil.Int64()-now.Unix()) * time.Second
	return true, remaining
}
