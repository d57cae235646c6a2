package contracts

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectorPrefixes(t *testing.T) {
	tests := []struct {
		signature string
		encode    func() ([]byte, error)
	}{
		{"getInteractionContract(uint256)", func() ([]byte, error) {
			return EncodeGetInteractionContract(big.NewInt(1))
		}},
		{"delegateToFacet(uint8,bytes)", func() ([]byte, error) {
			return EncodeDelegateToFacet(3, []byte{0x01})
		}},
		{"hasAllRoles(address,uint256)", func() ([]byte, error) {
			return EncodeHasAllRoles(common.Address{}, big.NewInt(4))
		}},
		{"getSessionStatus(address)", func() ([]byte, error) {
			return EncodeGetSessionStatus(common.Address{})
		}},
		{"execute((address,(uint256,bytes))[])", func() ([]byte, error) {
			return EncodeExecute(nil)
		}},
		{"getMerkleRoot(uint256)", func() ([]byte, error) {
			return EncodeGetMerkleRoot(big.NewInt(1))
		}},
		{"updateMerkleRoot(uint256,bytes32)", func() ([]byte, error) {
			return EncodeUpdateMerkleRoot(big.NewInt(1), common.Hash{})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.signature, func(t *testing.T) {
			data, err := tt.encode()
			require.NoError(t, err)
			want := crypto.Keccak256([]byte(tt.signature))[:4]
			assert.Equal(t, want, data[:4])
		})
	}
}

func TestDecodeSessionStatus(t *testing.T) {
	executor := common.HexToAddress("0x1111111111111111111111111111111111111111")
	validator := common.HexToAddress("0x2222222222222222222222222222222222222222")

	packed, err := sessionStatusArgs.Pack(
		big.NewInt(100), big.NewInt(200), executor, validator,
	)
	require.NoError(t, err)

	status, err := DecodeSessionStatus(packed)
	require.NoError(t, err)
	assert.Equal(t, int64(100), status.ValidAfter.Int64())
	assert.Equal(t, int64(200), status.ValidUntil.Int64())
	assert.Equal(t, executor, status.Executor)
	assert.Equal(t, validator, status.Validator)
}

func TestDecodeHelpers(t *testing.T) {
	addr := common.HexToAddress("0x3333333333333333333333333333333333333333")
	addrArgs := abi.Arguments{{Type: addressType}}
	packed, err := addrArgs.Pack(addr)
	require.NoError(t, err)
	got, err := DecodeAddress(packed)
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	boolArgs := abi.Arguments{{Type: boolType}}
	packed, err = boolArgs.Pack(true)
	require.NoError(t, err)
	b, err := DecodeBool(packed)
	require.NoError(t, err)
	assert.True(t, b)

	root := common.HexToHash("0xdeadbeef")
	rootArgs := abi.Arguments{{Type: bytes32Type}}
	packed, err = rootArgs.Pack([32]byte(root))
	require.NoError(t, err)
	h, err := DecodeBytes32(packed)
	require.NoError(t, err)
	assert.Equal(t, root, h)
}

func TestPackInteractionDeterministic(t *testing.T) {
	sig := make([]byte, 65)
	first, err := PackInteraction(5, []byte{0xab, 0xcd}, sig)
	require.NoError(t, err)
	second, err := PackInteraction(5, []byte{0xab, 0xcd}, sig)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	different, err := PackInteraction(6, []byte{0xab, 0xcd}, sig)
	require.NoError(t, err)
	assert.NotEqual(t, first, different)
}

func TestEncodeCompletedPurchase(t *testing.T) {
	purchaseID := new(big.Int).SetBytes(crypto.Keccak256([]byte("purchase")))
	proof := []common.Hash{
		common.HexToHash("0x01"),
		common.HexToHash("0x02"),
	}

	data, err := EncodeCompletedPurchase(purchaseID, proof)
	require.NoError(t, err)
	assert.Equal(t, InteractionPurchaseCompleted, data[:4])

	args := abi.Arguments{{Type: uint256Type}, {Type: bytes32ArrayType}}
	out, err := args.Unpack(data[4:])
	require.NoError(t, err)
	assert.Zero(t, purchaseID.Cmp(out[0].(*big.Int)))
	path := out[1].([][32]byte)
	require.Len(t, path, 2)
	assert.Equal(t, [32]byte(proof[0]), path[0])
	assert.Equal(t, [32]byte(proof[1]), path[1])
}

func TestEncodeExecuteWithBatch(t *testing.T) {
	batch := []Delegation{
		{
			Wallet: common.HexToAddress("0x4444444444444444444444444444444444444444"),
			Interaction: DelegationInteraction{
				ProductId: big.NewInt(42),
				Data:      []byte{0x01, 0x02},
			},
		},
		{
			Wallet: common.HexToAddress("0x5555555555555555555555555555555555555555"),
			Interaction: DelegationInteraction{
				ProductId: big.NewInt(43),
				Data:      []byte{0x03},
			},
		},
	}
	data, err := EncodeExecute(batch)
	require.NoError(t, err)
	assert.Greater(t, len(data), 4)
}
