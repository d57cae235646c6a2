// Package contracts holds the call encodings for the small fixed set of
// on-chain contracts the settlement node talks to: the product interaction
// manager, the per-product interaction diamonds, the session registry, the
// interaction delegator and the purchase oracle.
package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

var (
	uint8Type   abi.Type
	uint256Type abi.Type
	bytes32Type abi.Type
	bytesType   abi.Type
	addressType abi.Type
	boolType    abi.Type

	delegationArrayType abi.Type
	bytes32ArrayType    abi.Type

	sessionStatusArgs abi.Arguments
	packedInteractionArgs abi.Arguments
)

// ProductTypePurchase is the handler type denominator routing an interaction
// to the purchase facet of a diamond.
const ProductTypePurchase uint8 = 0x1f

// InteractionPurchaseCompleted discriminates a completed purchase inside the
// purchase facet calldata.
var InteractionPurchaseCompleted = selector("purchase.completed")

func init() {
	uint8Type, _ = abi.NewType("uint8", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)
	bytes32Type, _ = abi.NewType("bytes32", "", nil)
	bytesType, _ = abi.NewType("bytes", "", nil)
	addressType, _ = abi.NewType("address", "", nil)
	boolType, _ = abi.NewType("bool", "", nil)
	bytes32ArrayType, _ = abi.NewType("bytes32[]", "", nil)

	// execute((address wallet,(uint256 productId,bytes data) interaction)[])
	delegationArrayType, _ = abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "wallet", Type: "address"},
		{Name: "interaction", Type: "tuple", Components: []abi.ArgumentMarshaling{
			{Name: "productId", Type: "uint256"},
			{Name: "data", Type: "bytes"},
		}},
	})

	// getSessionStatus(address) returns (uint256,uint256,address,address)
	sessionStatusArgs = abi.Arguments{
		{Type: uint256Type}, // validAfter
		{Type: uint256Type}, // validUntil
		{Type: addressType}, // executor
		{Type: addressType}, // validator
	}

	packedInteractionArgs = abi.Arguments{
		{Type: uint8Type}, // handler type denominator
		{Type: bytesType}, // facet data
		{Type: bytesType}, // validation signature
	}
}

func selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

// EncodeGetInteractionContract encodes the manager lookup resolving a product
// to its interaction diamond address.
func EncodeGetInteractionContract(productID *big.Int) ([]byte, error) {
	args := abi.Arguments{{Type: uint256Type}}
	packed, err := args.Pack(productID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to pack getInteractionContract args")
	}
	return append(selector("getInteractionContract(uint256)"), packed...), nil
}

// DecodeAddress decodes a single address return value.
func DecodeAddress(data []byte) (common.Address, error) {
	args := abi.Arguments{{Type: addressType}}
	out, err := args.Unpack(data)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "failed to decode address result")
	}
	return out[0].(common.Address), nil
}

// EncodeDelegateToFacet encodes the diamond dry-run call.
func EncodeDelegateToFacet(typeDenominator uint8, facetData []byte) ([]byte, error) {
	args := abi.Arguments{{Type: uint8Type}, {Type: bytesType}}
	packed, err := args.Pack(typeDenominator, facetData)
	if err != nil {
		return nil, errors.Wrap(err, "failed to pack delegateToFacet args")
	}
	return append(selector("delegateToFacet(uint8,bytes)"), packed...), nil
}

// EncodeHasAllRoles encodes the diamond role query for a signer.
func EncodeHasAllRoles(user common.Address, roles *big.Int) ([]byte, error) {
	args := abi.Arguments{{Type: addressType}, {Type: uint256Type}}
	packed, err := args.Pack(user, roles)
	if err != nil {
		return nil, errors.Wrap(err, "failed to pack hasAllRoles args")
	}
	return append(selector("hasAllRoles(address,uint256)"), packed...), nil
}

// DecodeBool decodes a single bool return value.
func DecodeBool(data []byte) (bool, error) {
	args := abi.Arguments{{Type: boolType}}
	out, err := args.Unpack(data)
	if err != nil {
		return false, errors.Wrap(err, "failed to decode bool result")
	}
	return out[0].(bool), nil
}

// SessionStatus is the on-chain execution grant for a wallet.
type SessionStatus struct {
	ValidAfter *big.Int
	ValidUntil *big.Int
	Executor   common.Address
	Validator  common.Address
}

// EncodeGetSessionStatus encodes the session registry lookup for a wallet.
func EncodeGetSessionStatus(wallet common.Address) ([]byte, error) {
	args := abi.Arguments{{Type: addressType}}
	packed, err := args.Pack(wallet)
	if err != nil {
		return nil, errors.Wrap(err, "failed to pack getSessionStatus args")
	}
	return append(selector("getSessionStatus(address)"), packed...), nil
}

// DecodeSessionStatus decodes the session registry return tuple.
func DecodeSessionStatus(data []byte) (*SessionStatus, error) {
	out, err := sessionStatusArgs.Unpack(data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode session status")
	}
	return &SessionStatus{
		ValidAfter: out[0].(*big.Int),
		ValidUntil: out[1].(*big.Int),
		Executor:   out[2].(common.Address),
		Validator:  out[3].(common.Address),
	}, nil
}

// Delegation is one entry of the batched delegator execute call.
type Delegation struct {
	Wallet      common.Address
	Interaction DelegationInteraction
}

// DelegationInteraction binds the packed interaction data to its product.
type DelegationInteraction struct {
	ProductId *big.Int
	Data      []byte
}

// EncodeExecute encodes the batched delegator call settling every packed
// interaction of one run in a single transaction.
func EncodeExecute(delegations []Delegation) ([]byte, error) {
	args := abi.Arguments{{Type: delegationArrayType}}
	packed, err := args.Pack(delegations)
	if err != nil {
		return nil, errors.Wrap(err, "failed to pack execute args")
	}
	return append(selector("execute((address,(uint256,bytes))[])"), packed...), nil
}

// PackInteraction encodes one settled interaction the way the diamond facets
// consume it: the handler type denominator, the facet calldata, and the
// validation signature.
func PackInteraction(typeDenominator uint8, facetData, signature []byte) ([]byte, error) {
	packed, err := packedInteractionArgs.Pack(typeDenominator, facetData, signature)
	if err != nil {
		return nil, errors.Wrap(err, "failed to pack interaction")
	}
	return packed, nil
}

// EncodeCompletedPurchase builds the purchase facet calldata proving a
// settled purchase against the oracle root.
func EncodeCompletedPurchase(purchaseID *big.Int, proof []common.Hash) ([]byte, error) {
	path := make([][32]byte, len(proof))
	for i, h := range proof {
		path[i] = h
	}
	args := abi.Arguments{{Type: uint256Type}, {Type: bytes32ArrayType}}
	packed, err := args.Pack(purchaseID, path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to pack completed purchase args")
	}
	return append(append([]byte{}, InteractionPurchaseCompleted...), packed...), nil
}

// EncodeGetMerkleRoot encodes the purchase oracle root read.
func EncodeGetMerkleRoot(productID *big.Int) ([]byte, error) {
	args := abi.Arguments{{Type: uint256Type}}
	packed, err := args.Pack(productID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to pack getMerkleRoot args")
	}
	return append(selector("getMerkleRoot(uint256)"), packed...), nil
}

// DecodeBytes32 decodes a single bytes32 return value.
func DecodeBytes32(data []byte) (common.Hash, error) {
	args := abi.Arguments{{Type: bytes32Type}}
	out, err := args.Unpack(data)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to decode bytes32 result")
	}
	return common.Hash(out[0].([32]byte)), nil
}

// EncodeUpdateMerkleRoot encodes the purchase oracle root update.
func EncodeUpdateMerkleRoot(productID *big.Int, root common.Hash) ([]byte, error) {
	args := abi.Arguments{{Type: uint256Type}, {Type: bytes32Type}}
	packed, err := args.Pack(productID, [32]byte(root))
	if err != nil {
		return nil, errors.Wrap(err, "failed to pack updateMerkleRoot args")
	}
	return append(selector("updateMerkleRoot(uint256,bytes32)"), packed...), nil
}
