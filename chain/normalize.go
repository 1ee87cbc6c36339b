package chain

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// padWeight is assigned to uids added only to reach the minimum weight count.
const padWeight = 1e-5

// ErrEmptyRegistry is returned when weights are normalized against a registry
// with no uids.
var ErrEmptyRegistry = errors.New("chain: registry has no uids")

// Normalize shapes raw weights into a submittable vector for a registry of n
// uids. Out-of-range and repeated uids are dropped (the first occurrence
// wins) and zero weights are discarded. When nothing survives, or the
// registry holds fewer than minAllowed uids, the result is uniform over every
// uid. When fewer than minAllowed non-zero weights survive, every other uid is
// padded with a small weight. The result is capped at maxWeight per uid and
// sums to one. Output uids are ascending.
func Normalize(n int, uids []uint16, weights []float64, minAllowed int, maxWeight float64) ([]uint16, []float64, error) {
	if len(uids) != len(weights) {
		return nil, nil, fmt.Errorf("chain: %d uids but %d weights", len(uids), len(weights))
	}
	if n <= 0 {
		return nil, nil, ErrEmptyRegistry
	}
	kept := make(map[uint16]float64, len(uids))
	seen := make(map[uint16]struct{}, len(uids))
	for i, uid := range uids {
		if int(uid) >= n {
			continue
		}
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		w := weights[i]
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return nil, nil, fmt.Errorf("chain: uid %d has invalid weight %v", uid, w)
		}
		if w > 0 {
			kept[uid] = w
		}
	}

	if len(kept) == 0 || n < minAllowed {
		return uniform(n)
	}

	var outUIDs []uint16
	var outWeights []float64
	if len(kept) < minAllowed {
		outUIDs = make([]uint16, n)
		outWeights = make([]float64, n)
		for i := 0; i < n; i++ {
			outUIDs[i] = uint16(i)
			outWeights[i] = padWeight + kept[uint16(i)]
		}
	} else {
		outUIDs = make([]uint16, 0, len(kept))
		for uid := range kept {
			outUIDs = append(outUIDs, uid)
		}
		sort.Slice(outUIDs, func(i, j int) bool { return outUIDs[i] < outUIDs[j] })
		outWeights = make([]float64, len(outUIDs))
		for i, uid := range outUIDs {
			outWeights[i] = kept[uid]
		}
	}
	return outUIDs, capShares(outWeights, maxWeight), nil
}

func uniform(n int) ([]uint16, []float64, error) {
	uids := make([]uint16, n)
	weights := make([]float64, n)
	for i := range uids {
		uids[i] = uint16(i)
		weights[i] = 1 / float64(n)
	}
	return uids, weights, nil
}

// capShares normalizes w to sum to one and then water-fills so that no entry
// exceeds limit. Mass removed from capped entries is spread over the rest in
// proportion to their weight. When the limit cannot be met by any vector of
// this length the result is uniform.
func capShares(w []float64, limit float64) []float64 {
	n := len(w)
	out := make([]float64, n)
	var sum float64
	for _, v := range w {
		sum += v
	}
	if sum <= 0 {
		for i := range out {
			out[i] = 1 / float64(n)
		}
		return out
	}
	for i, v := range w {
		out[i] = v / sum
	}
	if limit <= 0 || limit >= 1 {
		return out
	}
	if limit*float64(n) <= 1 {
		for i := range out {
			out[i] = 1 / float64(n)
		}
		return out
	}

	capped := make([]bool, n)
	numCapped := 0
	for {
		var free float64
		for i, v := range out {
			if !capped[i] {
				free += v
			}
		}
		if free <= 0 {
			break
		}
		scale := (1 - limit*float64(numCapped)) / free
		changed := false
		for i, v := range out {
			if !capped[i] && v*scale > limit {
				capped[i] = true
				numCapped++
				changed = true
			}
		}
		if changed {
			continue
		}
		for i := range out {
			if capped[i] {
				out[i] = limit
			} else {
				out[i] *= scale
			}
		}
		break
	}
	return out
}
