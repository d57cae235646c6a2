// Package interaction runs the settlement pipeline over the pending queue:
// simulation of claimed rows against their interaction diamonds, batched
// signed execution through the delegator, and the bridge turning proven
// purchases into new pending interactions.
package interaction

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
)

// parseProductID reads a stored 0x-prefixed uint256 product id.
func parseProductID(s string) (*big.Int, error) {
	trimmed := strings.TrimPrefix(s, "0x")
	id, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, errors.Errorf("invalid product id %q", s)
	}
	return id, nil
}

// parseTypeDenominator reads a stored hex handler type denominator.
func parseTypeDenominator(s string) (uint8, error) {
	trimmed := strings.TrimPrefix(s, "0x")
	value, err := strconv.ParseUint(trimmed, 16, 8)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid type denominator %q", s)
	}
	return uint8(value), nil
}

// parseHexData reads stored 0x-prefixed calldata or signature bytes.
func parseHexData(s string) ([]byte, error) {
	data, err := hexutil.Decode(s)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid hex data %q", s)
	}
	return data, nil
}
