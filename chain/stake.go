package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// BaseUnitsPerToken is the number of indivisible stake units in one token.
const BaseUnitsPerToken = 1_000_000_000

var baseUnits = new(big.Float).SetUint64(BaseUnitsPerToken)

// DecodeStake parses a decimal base-unit amount and returns it in whole
// tokens. An empty string is zero stake.
func DecodeStake(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	amount, err := uint256.FromDecimal(raw)
	if err != nil {
		return 0, fmt.Errorf("decode stake %q: %w", raw, err)
	}
	tokens := new(big.Float).SetInt(amount.ToBig())
	tokens.Quo(tokens, baseUnits)
	out, _ := tokens.Float64()
	return out, nil
}
