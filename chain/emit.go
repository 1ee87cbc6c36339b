package chain

import (
	"errors"
	"fmt"
	"math"
)

const maxEmit = math.MaxUint16

// ToEmit converts normalized float weights into the u16 vector the chain
// accepts. The largest weight maps to 65535 and the rest scale linearly.
// Entries that round to zero are dropped along with their uids.
func ToEmit(uids []uint16, weights []float64) ([]uint16, []uint16, error) {
	if len(uids) != len(weights) {
		return nil, nil, fmt.Errorf("chain: %d uids but %d weights", len(uids), len(weights))
	}
	var top float64
	for _, w := range weights {
		if math.IsNaN(w) || w < 0 {
			return nil, nil, fmt.Errorf("chain: invalid weight %v", w)
		}
		if w > top {
			top = w
		}
	}
	if top == 0 || math.IsInf(top, 0) {
		return nil, nil, errors.New("chain: no positive weights to emit")
	}
	dests := make([]uint16, 0, len(uids))
	values := make([]uint16, 0, len(uids))
	for i, w := range weights {
		v := math.Round(w / top * maxEmit)
		if v <= 0 {
			continue
		}
		dests = append(dests, uids[i])
		values = append(values, uint16(v))
	}
	return dests, values, nil
}
