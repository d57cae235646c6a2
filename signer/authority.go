package signer

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/perknet/settlement-node/cache"
	"github.com/perknet/settlement-node/contracts"
)

const (
	// validatorRoleBitmap is the diamond role required to validate
	// interactions (bit 4 of the roles bitmap).
	validatorRoleBitmap = 1 << 4

	authorizationCacheTTL = 10 * time.Minute
	gasMarginPercent      = 125
)

// domainName and domainVersion pin the EIP-712 domain the interaction
// contracts verify against.
const (
	domainName    = "ProductInteraction"
	domainVersion = "0.0.1"
)

// ChainBackend is the slice of the chain client the authority needs.
type ChainBackend interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error)
	SubmitTransaction(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, data []byte, gasLimit uint64) (common.Hash, error)
}

// Authority holds the signing material for the settlement pipeline: one
// deterministic validator key per product, derived from a master seed, and a
// dedicated executor key that submits the batched transactions.
type Authority struct {
	backend     ChainBackend
	chainID     *big.Int
	delegator   common.Address
	executorKey *ecdsa.PrivateKey
	seed        []byte
	authorized  *cache.TTL[common.Address, bool]
	logger      zerolog.Logger
}

func NewAuthority(backend ChainBackend, chainID *big.Int, delegator common.Address, executorKey *ecdsa.PrivateKey, seed []byte, logger zerolog.Logger) *Authority {
	return &Authority{
		backend:     backend,
		chainID:     chainID,
		delegator:   delegator,
		executorKey: executorKey,
		seed:        seed,
		authorized:  cache.NewTTL[common.Address, bool](64),
		logger:      logger.With().Str("component", "signer_authority").Logger(),
	}
}

// ExecutorAddress is the account batched submissions are sent from.
func (a *Authority) ExecutorAddress() common.Address {
	return crypto.PubkeyToAddress(a.executorKey.PublicKey)
}

// KeyForProduct derives the validator key for one product. The derivation is
// deterministic, so the same product always signs with the same account.
func (a *Authority) KeyForProduct(productID *big.Int) (*ecdsa.PrivateKey, error) {
	material := crypto.Keccak256(a.seed, common.BigToHash(productID).Bytes())
	key, err := crypto.ToECDSA(material)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive product key")
	}
	return key, nil
}

// SignInteraction produces the EIP-712 validation signature for one
// interaction, or nil without error when the derived signer does not hold the
// validator role on the product's interaction contract.
func (a *Authority) SignInteraction(ctx context.Context, productID *big.Int, user common.Address, facetData []byte, interactionContract common.Address) ([]byte, error) {
	key, err := a.KeyForProduct(productID)
	if err != nil {
		return nil, err
	}

	signerAddr := crypto.PubkeyToAddress(key.PublicKey)
	allowed, err := a.isAuthorized(ctx, signerAddr, interactionContract)
	if err != nil {
		return nil, err
	}
	if !allowed {
		a.logger.Warn().
			Str("product_id", productID.String()).
			Str("signer", signerAddr.Hex()).
			Str("interaction_contract", interactionContract.Hex()).
			Msg("signer lacks validator role on interaction contract")
		return nil, nil
	}

	digest, err := a.interactionDigest(productID, user, facetData, interactionContract)
	if err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign interaction digest")
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// PushPreparedInteractions submits one batched execute call holding every
// prepared delegation. It compares the raw and compressed calldata by
// estimated gas and submits the cheaper form with a 25% gas margin. A failed
// push returns the zero hash without error, the caller reschedules the rows.
func (a *Authority) PushPreparedInteractions(ctx context.Context, batch []contracts.Delegation) (common.Hash, error) {
	if len(batch) == 0 {
		return common.Hash{}, nil
	}

	raw, err := contracts.EncodeExecute(batch)
	if err != nil {
		return common.Hash{}, err
	}
	compressed := contracts.CdCompress(raw)
	executor := a.ExecutorAddress()

	rawGas, rawErr := a.backend.EstimateGas(ctx, executor, a.delegator, raw)
	compressedGas, compressedErr := a.backend.EstimateGas(ctx, executor, a.delegator, compressed)
	if compressedErr != nil {
		a.logger.Error().Err(compressedErr).
			Int("batch_size", len(batch)).
			Msg("unable to estimate batched execute, skipping push")
		return common.Hash{}, nil
	}

	useRaw := contracts.ChooseEncoding(len(raw), len(compressed)) == contracts.EncodingRaw
	// Below the size cutoff a cheaper raw estimate overrides the size rule;
	// past it the delegator only accepts compressed calldata.
	if !useRaw && len(raw) < contracts.RawSizeCutoff && rawErr == nil && rawGas < compressedGas {
		useRaw = true
	}
	data, gas := compressed, compressedGas
	if useRaw && rawErr == nil {
		data, gas = raw, rawGas
	}

	a.logger.Debug().
		Int("raw_bytes", len(raw)).
		Int("compressed_bytes", len(compressed)).
		Uint64("gas", gas).
		Msg("calldata sizes for batched execute")

	// Margin covers contracts deployed between estimation and inclusion.
	txHash, err := a.backend.SubmitTransaction(ctx, a.executorKey, a.delegator, data, gas*gasMarginPercent/100)
	if err != nil {
		a.logger.Error().Err(err).
			Int("batch_size", len(batch)).
			Msg("unable to push interactions")
		return common.Hash{}, nil
	}
	return txHash, nil
}

func (a *Authority) isAuthorized(ctx context.Context, signerAddr, interactionContract common.Address) (bool, error) {
	if allowed, ok := a.authorized.Get(signerAddr); ok {
		return allowed, nil
	}

	data, err := contracts.EncodeHasAllRoles(signerAddr, big.NewInt(validatorRoleBitmap))
	if err != nil {
		return false, err
	}
	out, err := a.backend.Call(ctx, interactionContract, data)
	if err != nil {
		return false, errors.Wrap(err, "failed to check signer authorization")
	}
	allowed, err := contracts.DecodeBool(out)
	if err != nil {
		return false, err
	}

	a.authorized.Set(signerAddr, allowed, authorizationCacheTTL)
	return allowed, nil
}

// interactionDigest builds the EIP-712 digest the interaction contract
// recovers the validator from.
func (a *Authority) interactionDigest(productID *big.Int, user common.Address, facetData []byte, interactionContract common.Address) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"ValidateInteraction": {
				{Name: "productId", Type: "uint256"},
				{Name: "interactionData", Type: "bytes32"},
				{Name: "user", Type: "address"},
			},
		},
		PrimaryType: "ValidateInteraction",
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           (*math.HexOrDecimal256)(a.chainID),
			VerifyingContract: interactionContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"productId":       (*math.HexOrDecimal256)(productID),
			"interactionData": hexutil.Encode(crypto.Keccak256(facetData)),
			"user":            user.Hex(),
		},
	}

	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, errors.Wrap(err, "failed to hash typed interaction data")
	}
	return digest, nil
}
